// Package searchindex is a best-effort, in-process search index for
// persisted build documents. A real external search engine integration is
// out of this project's core per the distilled spec's Non-goals; this
// package implements only the narrow Index(ctx, doc) interface the
// build processor calls, keyed by (owner, repo, number) with a TTL.
//
// Grounded on services/requests/marble/request_index.go's sync.Map-with-TTL
// pattern (store/lookup/delete/cleanup over an expiresAt-tagged entry).
package searchindex

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/drone-analyzer/internal/persistence"
)

// Index is the narrow sink the build processor publishes documents to.
// Implementations must not block the caller on a slow or unavailable
// downstream; failures are logged by the caller and swallowed.
type Index interface {
	Index(ctx context.Context, doc persistence.Document) error
}

type entry struct {
	doc       persistence.Document
	expiresAt time.Time
}

// MemoryIndex is a best-effort sync.Map-backed Index with a fixed TTL per
// document. Entries older than the TTL are evicted lazily on lookup and by
// Cleanup when it is called; nothing in this package schedules Cleanup.
type MemoryIndex struct {
	ttl     time.Duration
	entries sync.Map
}

// NewMemoryIndex builds a MemoryIndex. ttl <= 0 disables expiry.
func NewMemoryIndex(ttl time.Duration) *MemoryIndex {
	return &MemoryIndex{ttl: ttl}
}

func key(owner, repo string, number int64) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

// Index stores doc, keyed by its owner/repo/number.
func (m *MemoryIndex) Index(ctx context.Context, doc persistence.Document) error {
	e := entry{doc: doc}
	if m.ttl > 0 {
		e.expiresAt = time.Now().Add(m.ttl)
	}
	m.entries.Store(key(doc.Owner, doc.Repo, doc.Number), e)
	return nil
}

// Get retrieves a previously indexed document, if present and unexpired.
func (m *MemoryIndex) Get(owner, repo string, number int64) (persistence.Document, bool) {
	raw, ok := m.entries.Load(key(owner, repo, number))
	if !ok {
		return persistence.Document{}, false
	}
	e, ok := raw.(entry)
	if !ok {
		m.entries.Delete(key(owner, repo, number))
		return persistence.Document{}, false
	}
	if m.ttl > 0 && !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		m.entries.Delete(key(owner, repo, number))
		return persistence.Document{}, false
	}
	return e.doc, true
}

// Cleanup evicts every expired entry. Intended to run on a periodic ticker.
func (m *MemoryIndex) Cleanup() {
	if m.ttl <= 0 {
		return
	}
	now := time.Now()
	m.entries.Range(func(k, v interface{}) bool {
		e, ok := v.(entry)
		if !ok || (e.expiresAt.IsZero() || now.After(e.expiresAt)) {
			m.entries.Delete(k)
		}
		return true
	})
}
