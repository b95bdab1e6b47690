// Package httpcache persists request/response pairs for the Drone API
// client so repeated GETs against an unchanged resource avoid a round trip.
//
// Grounded on drone-ci-butler's drone_api/cache.py (HttpCache) for the
// operation set, and on services/indexer/storage.go's raw database/sql +
// lib/pq idiom (ON CONFLICT ... DO UPDATE, sql.ErrNoRows -> nil) for the
// implementation.
package httpcache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/r3e-network/drone-analyzer/internal/eventbus"
)

// Interaction is one cached request/response pair, keyed on method+URL.
type Interaction struct {
	ID              int64
	RequestURL      string
	RequestMethod   string
	RequestHeaders  string
	RequestParams   string
	RequestBody     string
	ResponseStatus  int
	ResponseHeaders string
	ResponseBody    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Store is a Postgres-backed HTTP interaction cache.
type Store struct {
	db  *sql.DB
	bus *eventbus.Bus
}

// NewStore wraps an existing *sql.DB. The caller owns the connection's
// lifecycle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// WithBus attaches an event bus that Get/Set publish hit/miss signals on.
// Returns the receiver so callers can chain it onto NewStore. A Store with
// no bus attached behaves exactly as before — publishing is a no-op.
func (s *Store) WithBus(bus *eventbus.Bus) *Store {
	s.bus = bus
	return s
}

func (s *Store) publish(ctx context.Context, signal eventbus.Signal, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, signal, payload)
}

// EnsureSchema creates the http_interaction table if it does not already
// exist. Safe to call on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS http_interaction (
			id SERIAL PRIMARY KEY,
			request_url TEXT NOT NULL,
			request_method TEXT NOT NULL,
			request_headers TEXT,
			request_params TEXT,
			request_body TEXT,
			response_status INTEGER,
			response_headers TEXT,
			response_body TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (request_method, request_url)
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure http_interaction schema: %w", err)
	}
	return nil
}

// Get looks up a cached interaction by method and URL. It returns
// (nil, nil) when no row is cached, never sql.ErrNoRows.
func (s *Store) Get(ctx context.Context, method, url string) (*Interaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, request_url, request_method, request_headers, request_params,
			request_body, response_status, response_headers, response_body,
			created_at, updated_at
		FROM http_interaction
		WHERE request_method = $1 AND request_url = $2
	`, method, url)

	var in Interaction
	err := row.Scan(
		&in.ID, &in.RequestURL, &in.RequestMethod, &in.RequestHeaders, &in.RequestParams,
		&in.RequestBody, &in.ResponseStatus, &in.ResponseHeaders, &in.ResponseBody,
		&in.CreatedAt, &in.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get http interaction: %w", err)
	}
	s.publish(ctx, eventbus.SignalHTTPCacheHit, &in)
	return &in, nil
}

// Set upserts an interaction. Only successful GET responses are worth
// caching; callers should not call Set for mutating methods or non-200
// responses, mirroring HttpCache.set's request.method != "GET" guard in the
// original, extended to also require a 200 response — otherwise replaying a
// cached error status would hide a transient failure behind a stale cache
// entry.
func (s *Store) Set(ctx context.Context, in *Interaction) error {
	if in.RequestMethod != "GET" || in.ResponseStatus != 200 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO http_interaction (
			request_url, request_method, request_headers, request_params,
			request_body, response_status, response_headers, response_body, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (request_method, request_url) DO UPDATE SET
			request_headers = EXCLUDED.request_headers,
			request_params = EXCLUDED.request_params,
			request_body = EXCLUDED.request_body,
			response_status = EXCLUDED.response_status,
			response_headers = EXCLUDED.response_headers,
			response_body = EXCLUDED.response_body,
			updated_at = now()
	`,
		in.RequestURL, in.RequestMethod, in.RequestHeaders, in.RequestParams,
		in.RequestBody, in.ResponseStatus, in.ResponseHeaders, in.ResponseBody,
	)
	if err != nil {
		return fmt.Errorf("upsert http interaction: %w", err)
	}
	s.publish(ctx, eventbus.SignalHTTPCacheMiss, in)
	return nil
}

// Purge deletes every cached interaction.
func (s *Store) Purge(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM http_interaction`)
	if err != nil {
		return fmt.Errorf("purge http interactions: %w", err)
	}
	return nil
}

// Count returns the number of cached interactions.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM http_interaction`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count http interactions: %w", err)
	}
	return count, nil
}
