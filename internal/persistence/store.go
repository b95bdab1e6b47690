// Package persistence is the Postgres-backed projection of Drone builds: the
// drone_build/drone_step/users tables the build processor reads and writes.
//
// Grounded on services/indexer/storage.go's raw database/sql + lib/pq idiom
// (ON CONFLICT ... DO UPDATE upserts, sql.ErrNoRows -> nil) and on
// system/events/store_postgres.go's EnsureSchema/JSONB pattern. Table shapes
// are ported field-for-field from original_source/drone_ci_butler/sql/models
// (drone.py's DroneBuild/DroneStep, user.py's User, narrowed to the
// read-only opt-in lookup the build processor needs).
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/r3e-network/drone-analyzer/infrastructure/errors"
	"github.com/r3e-network/drone-analyzer/internal/domain"
)

// StoredBuild is the persistence projection of a domain.Build, identified by
// (owner, repo, number).
type StoredBuild struct {
	ID                     int64
	Number                 int64
	Status                 string
	Link                   string
	Owner                  string
	Repo                   string
	AuthorLogin            string
	AuthorName             string
	AuthorEmail            string
	DroneAPIData           string // JSON-encoded domain.Build snapshot
	CreatedAt              sql.NullTime
	StartedAt              sql.NullTime
	FinishedAt             sql.NullTime
	UpdatedAt              sql.NullTime
	OutputRetrievedAt      sql.NullTime
	LastRulesetProcessedAt sql.NullTime
	ErrorType              string
	MatchesJSON            string
}

// RequiresProcessing mirrors the original's DroneBuild.requires_processing:
// a build still needs a pass when it has no finish time recorded yet, or its
// log output has never been fetched.
func (sb *StoredBuild) RequiresProcessing() bool {
	return !sb.FinishedAt.Valid || !sb.OutputRetrievedAt.Valid
}

// IsTerminal reports whether the build has reached a non-running status and
// already had its output fetched — the gate §4.5 step 2 checks.
func (sb *StoredBuild) IsTerminal() bool {
	return sb.Status != "running" && sb.OutputRetrievedAt.Valid
}

// ToBuild decodes the stored API snapshot back into a domain.Build.
func (sb *StoredBuild) ToBuild() (*domain.Build, error) {
	if sb.DroneAPIData == "" {
		return nil, nil
	}
	var b domain.Build
	if err := json.Unmarshal([]byte(sb.DroneAPIData), &b); err != nil {
		return nil, fmt.Errorf("decode stored build snapshot: %w", err)
	}
	return &b, nil
}

// Document is the search-index projection of a StoredBuild: the base row
// plus its decoded JSON columns.
type Document struct {
	ID      int64          `json:"id"`
	Number  int64          `json:"number"`
	Owner   string         `json:"owner"`
	Repo    string         `json:"repo"`
	Status  string         `json:"status"`
	Build   map[string]any `json:"build,omitempty"`
	Matches []string       `json:"matches,omitempty"`
}

// ToDocument projects sb into its search-index document shape.
func (sb *StoredBuild) ToDocument() Document {
	doc := Document{ID: sb.ID, Number: sb.Number, Owner: sb.Owner, Repo: sb.Repo, Status: sb.Status}
	if sb.DroneAPIData != "" {
		_ = json.Unmarshal([]byte(sb.DroneAPIData), &doc.Build)
	}
	if sb.MatchesJSON != "" {
		_ = json.Unmarshal([]byte(sb.MatchesJSON), &doc.Matches)
	}
	return doc
}

// User is the minimal auth_user projection the build processor needs: a
// read-only opt-in lookup. User creation/management is out of scope.
type User struct {
	ID          int64
	GithubLogin string
	OptedIn     bool
}

// Store is the Postgres-backed persistence gateway.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-opened database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates drone_build, drone_step, and users if they don't
// already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS drone_build (
			id                         BIGSERIAL PRIMARY KEY,
			number                     BIGINT NOT NULL,
			status                     TEXT NOT NULL,
			link                       TEXT NOT NULL,
			owner                      TEXT NOT NULL,
			repo                       TEXT NOT NULL,
			author_login               TEXT NOT NULL,
			author_name                TEXT,
			author_email               TEXT,
			drone_api_data             TEXT,
			created_at                 TIMESTAMPTZ,
			started_at                 TIMESTAMPTZ,
			finished_at                TIMESTAMPTZ,
			updated_at                 TIMESTAMPTZ,
			output_retrieved_at        TIMESTAMPTZ,
			last_ruleset_processed_at  TIMESTAMPTZ,
			error_type                 TEXT,
			matches_json               TEXT,
			UNIQUE (owner, repo, number)
		);
		CREATE INDEX IF NOT EXISTS idx_drone_build_link ON drone_build(link);

		CREATE TABLE IF NOT EXISTS drone_step (
			id                     BIGSERIAL PRIMARY KEY,
			stored_build_id        BIGINT NOT NULL REFERENCES drone_build(id),
			build_number           BIGINT NOT NULL,
			stage_number           BIGINT NOT NULL,
			number                 BIGINT NOT NULL,
			status                 TEXT,
			exit_code              INTEGER,
			output_drone_api_data  TEXT,
			started_at             TIMESTAMPTZ,
			stopped_at             TIMESTAMPTZ,
			updated_at             TIMESTAMPTZ,
			last_notified_at       TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_drone_step_stored_build_id ON drone_step(stored_build_id);

		CREATE TABLE IF NOT EXISTS users (
			id            BIGSERIAL PRIMARY KEY,
			github_login  TEXT NOT NULL UNIQUE,
			opted_in      BOOLEAN NOT NULL DEFAULT false
		);
	`)
	if err != nil {
		return errors.DatabaseError("ensure_schema", err)
	}
	return nil
}

// GetOrCreateBuild upserts a StoredBuild by its natural key (owner, repo,
// number), mirroring DroneBuild.get_or_create_from_drone_api.
func (s *Store) GetOrCreateBuild(ctx context.Context, owner, repo string, number int64, build *domain.Build) (*StoredBuild, error) {
	apiData, err := json.Marshal(build)
	if err != nil {
		return nil, fmt.Errorf("marshal build snapshot: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO drone_build (
			number, status, link, owner, repo, author_login, author_name, author_email,
			drone_api_data, created_at, started_at, finished_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (owner, repo, number) DO UPDATE SET
			status         = EXCLUDED.status,
			link           = EXCLUDED.link,
			author_login   = EXCLUDED.author_login,
			author_name    = EXCLUDED.author_name,
			author_email   = EXCLUDED.author_email,
			drone_api_data = EXCLUDED.drone_api_data,
			updated_at     = EXCLUDED.updated_at
		RETURNING id, number, status, link, owner, repo, author_login, author_name, author_email,
			drone_api_data, created_at, started_at, finished_at, updated_at,
			output_retrieved_at, last_ruleset_processed_at, error_type, matches_json
	`,
		number, build.Status, build.Link, owner, repo, build.AuthorLogin, nullableString(build.AuthorName), nullableString(build.AuthorEmail),
		string(apiData), unixToTime(build.Created), unixToTime(build.Started), unixToTime(build.Finished), unixToTime(build.Updated),
	)

	sb, err := scanStoredBuild(row)
	if err != nil {
		return nil, errors.DatabaseError("get_or_create_build", err)
	}
	return sb, nil
}

// FindByLink looks up a StoredBuild by its (owner, repo, link) composite,
// the deduplication gate's lookup key. Returns (nil, nil) if not found.
func (s *Store) FindByLink(ctx context.Context, owner, repo, link string) (*StoredBuild, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, number, status, link, owner, repo, author_login, author_name, author_email,
			drone_api_data, created_at, started_at, finished_at, updated_at,
			output_retrieved_at, last_ruleset_processed_at, error_type, matches_json
		FROM drone_build WHERE owner = $1 AND repo = $2 AND link = $3
	`, owner, repo, link)

	sb, err := scanStoredBuild(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DatabaseError("find_by_link", err)
	}
	return sb, nil
}

// UpdateFromAPI refreshes sb's columns from the latest Build snapshot and
// optionally stamps output_retrieved_at.
func (s *Store) UpdateFromAPI(ctx context.Context, sb *StoredBuild, build *domain.Build, outputRetrieved bool) error {
	apiData, err := json.Marshal(build)
	if err != nil {
		return fmt.Errorf("marshal build snapshot: %w", err)
	}

	now := time.Now().UTC()
	var outputRetrievedAt interface{}
	if outputRetrieved {
		outputRetrievedAt = now
	} else if sb.OutputRetrievedAt.Valid {
		outputRetrievedAt = sb.OutputRetrievedAt.Time
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE drone_build SET
			status = $1, link = $2, author_login = $3, author_name = $4, author_email = $5,
			drone_api_data = $6, started_at = $7, finished_at = $8, updated_at = $9,
			output_retrieved_at = $10
		WHERE id = $11
	`,
		build.Status, build.Link, build.AuthorLogin, nullableString(build.AuthorName), nullableString(build.AuthorEmail),
		string(apiData), unixToTime(build.Started), unixToTime(build.Finished), now,
		outputRetrievedAt, sb.ID,
	)
	if err != nil {
		return errors.DatabaseError("update_from_api", err)
	}

	sb.Status, sb.Link, sb.AuthorLogin, sb.AuthorName, sb.AuthorEmail, sb.DroneAPIData = build.Status, build.Link, build.AuthorLogin, build.AuthorName, build.AuthorEmail, string(apiData)
	if outputRetrieved {
		sb.OutputRetrievedAt = sql.NullTime{Time: now, Valid: true}
	}
	return nil
}

// UpdateMatches serializes descriptions into matches_json and stamps
// last_ruleset_processed_at, mirroring DroneBuild.update_matches.
func (s *Store) UpdateMatches(ctx context.Context, sb *StoredBuild, descriptions []string) error {
	matchesJSON, err := json.Marshal(descriptions)
	if err != nil {
		return fmt.Errorf("marshal matches: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE drone_build SET matches_json = $1, last_ruleset_processed_at = $2 WHERE id = $3
	`, string(matchesJSON), now, sb.ID)
	if err != nil {
		return errors.DatabaseError("update_matches", err)
	}

	sb.MatchesJSON = string(matchesJSON)
	sb.LastRulesetProcessedAt = sql.NullTime{Time: now, Valid: true}
	return nil
}

// FindUserByGithubUsername looks up the opt-in record for login. Returns
// (nil, nil) if no such user exists.
func (s *Store) FindUserByGithubUsername(ctx context.Context, login string) (*User, error) {
	var u User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, github_login, opted_in FROM users WHERE github_login = $1
	`, login).Scan(&u.ID, &u.GithubLogin, &u.OptedIn)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DatabaseError("find_user_by_github_username", err)
	}
	return &u, nil
}

func scanStoredBuild(row *sql.Row) (*StoredBuild, error) {
	var sb StoredBuild
	var authorName, authorEmail, errorType, matchesJSON sql.NullString
	err := row.Scan(
		&sb.ID, &sb.Number, &sb.Status, &sb.Link, &sb.Owner, &sb.Repo, &sb.AuthorLogin, &authorName, &authorEmail,
		&sb.DroneAPIData, &sb.CreatedAt, &sb.StartedAt, &sb.FinishedAt, &sb.UpdatedAt,
		&sb.OutputRetrievedAt, &sb.LastRulesetProcessedAt, &errorType, &matchesJSON,
	)
	if err != nil {
		return nil, err
	}
	sb.AuthorName = authorName.String
	sb.AuthorEmail = authorEmail.String
	sb.ErrorType = errorType.String
	sb.MatchesJSON = matchesJSON.String
	return &sb, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func unixToTime(epoch int64) interface{} {
	if epoch <= 0 {
		return nil
	}
	return time.Unix(epoch, 0).UTC()
}
