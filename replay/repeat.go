// Package replay exposes the archive's replay boundary: resolving a request
// to a captured response, with per-client disambiguation of repeated
// non-idempotent requests.
package replay

import (
	"net/http"
	"sync"
)

// RepeatTracker counts repeated non-idempotent requests per client so the
// lookup engine can walk past already-consumed nearest matches,
// approximating replay of POST captures in their original order.
//
// State is in-memory only and owned by whoever constructs it; entries for a
// client are discarded when that client is superseded.
type RepeatTracker struct {
	mu      sync.Mutex
	repeats map[string]map[string]int
}

// NewRepeatTracker creates an empty tracker.
func NewRepeatTracker() *RepeatTracker {
	return &RepeatTracker{
		repeats: make(map[string]map[string]int),
	}
}

// SkipCount returns the skip value for a request. Idempotent methods always
// return 0: identical GETs replay the same cached response. For POST, each
// call for a (client, url) pair returns 0, 1, 2, ...
func (t *RepeatTracker) SkipCount(clientID, url, method string) int {
	if method != http.MethodPost {
		return 0
	}
	if clientID == "" {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	byURL, ok := t.repeats[clientID]
	if !ok {
		byURL = make(map[string]int)
		t.repeats[clientID] = byURL
	}

	count, seen := byURL[url]
	if seen {
		count++
		byURL[url] = count
	} else {
		byURL[url] = 0
	}
	return byURL[url]
}

// DropClient discards all tracked state for a superseded client identity.
// Subsequent calls for that id behave as a fresh client.
func (t *RepeatTracker) DropClient(clientID string) {
	if clientID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.repeats, clientID)
}
