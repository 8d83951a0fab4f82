package archivedb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedCaptures stores one capture of url per timestamp, with the timestamp
// embedded in the payload so tests can tell matches apart.
func seedCaptures(t *testing.T, db *DB, url string, timestamps ...int64) {
	t.Helper()
	for _, ts := range timestamps {
		_, err := db.AddResource(&Resource{
			URL: url, TS: ts, Status: 200,
			Body: InlineBody([]byte{byte(ts / 100)}),
		})
		require.NoError(t, err)
	}
}

func TestDB_LookupURL(t *testing.T) {
	const url = "https://example.com/page.html"

	t.Run("nearest capture wins", func(t *testing.T) {
		db := newTestDB(t)
		seedCaptures(t, db, url, 100, 200, 300)

		tests := []struct {
			name string
			ts   int64
			want int64
		}{
			{"exact key", 200, 200},
			{"closer to the earlier capture", 140, 100},
			{"closer to the later capture", 160, 200},
			{"tie keeps the earlier capture", 150, 100},
			{"past the newest capture", 350, 300},
			{"before the oldest capture", 50, 100},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				res, err := db.LookupURL(url, tt.ts, 0)
				require.NoError(t, err)
				assert.Equal(t, tt.want, res.TS)
			})
		}
	})

	t.Run("skip steps through tie-break candidates", func(t *testing.T) {
		db := newTestDB(t)
		seedCaptures(t, db, url, 100, 200, 300)

		res, err := db.LookupURL(url, 150, 1)
		require.NoError(t, err)
		assert.EqualValues(t, 200, res.TS)

		res, err = db.LookupURL(url, 150, 2)
		require.NoError(t, err)
		assert.EqualValues(t, 300, res.TS)
	})

	t.Run("other urls do not leak into the scan", func(t *testing.T) {
		db := newTestDB(t)
		seedCaptures(t, db, url, 200)
		seedCaptures(t, db, url+"/sub", 100)
		seedCaptures(t, db, "https://example.com/page.htm", 100)

		res, err := db.LookupURL(url, 100, 0)
		require.NoError(t, err)
		assert.EqualValues(t, 200, res.TS)
	})

	t.Run("unknown url returns ErrNotFound", func(t *testing.T) {
		db := newTestDB(t)
		seedCaptures(t, db, url, 100)

		_, err := db.LookupURL("https://example.com/other", 100, 0)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDB_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("scheme-relative urls try https then http", func(t *testing.T) {
		db := newTestDB(t)
		seedCaptures(t, db, "http://plain.example.com/x", 100)
		seedCaptures(t, db, "https://secure.example.com/y", 100)

		res, url, err := db.Resolve(ctx, "//secure.example.com/y", 100, 0)
		require.NoError(t, err)
		assert.Equal(t, "https://secure.example.com/y", url)
		assert.EqualValues(t, 100, res.TS)

		res, url, err = db.Resolve(ctx, "//plain.example.com/x", 100, 0)
		require.NoError(t, err)
		assert.Equal(t, "http://plain.example.com/x", url)
		assert.EqualValues(t, 100, res.TS)
	})

	t.Run("fuzzy fallback re-resolves against the canonical url", func(t *testing.T) {
		db := newTestDB(t, WithFuzzyCandidates(stripQuery))

		_, err := db.AddResource(&Resource{
			URL: "https://example.com/app.js?v=123", TS: 1000, Status: 200,
			Body: InlineBody([]byte("content")),
		})
		require.NoError(t, err)

		res, url, err := db.Resolve(ctx, "https://example.com/app.js?v=999", 1000, 0)
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/app.js?v=123", url)
		assert.Equal(t, "https://example.com/app.js?v=123", res.URL)
	})

	t.Run("stale fuzzy entries degrade to not found", func(t *testing.T) {
		db := newTestDB(t, WithFuzzyCandidates(stripQuery), WithPrefixSearch(false))

		pageID, err := db.AddPage(&Page{URL: "https://example.com/", Date: "2024-01-01T00:00:00Z"})
		require.NoError(t, err)

		_, err = db.AddResource(&Resource{
			URL: "https://example.com/app.js?v=123", TS: 1000, PageID: pageID, Status: 200,
			Body: InlineBody([]byte("content")),
		})
		require.NoError(t, err)

		_, err = db.DeletePage(pageID)
		require.NoError(t, err)

		// The fuzzy entry survives the delete but no longer resolves.
		_, err = db.LookupFuzzy("https://example.com/app.js")
		require.NoError(t, err)

		_, _, err = db.Resolve(ctx, "https://example.com/app.js?v=999", 1000, 0)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("query-prefix fallback consults the comparator", func(t *testing.T) {
		var sawCandidates []string
		comparator := func(url string, candidates []*Resource) *Resource {
			for _, c := range candidates {
				sawCandidates = append(sawCandidates, c.URL)
			}
			return candidates[0]
		}
		db := newTestDB(t, WithURLComparator(comparator))

		seedCaptures(t, db, "https://example.com/search?q=apples", 100)
		seedCaptures(t, db, "https://example.com/search?q=pears", 100)

		res, _, err := db.Resolve(ctx, "https://example.com/search?q=apple", 100, 0)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.Len(t, sawCandidates, 2)
	})

	t.Run("comparator rejecting every candidate means not found", func(t *testing.T) {
		db := newTestDB(t, WithURLComparator(func(string, []*Resource) *Resource { return nil }))

		seedCaptures(t, db, "https://example.com/search?q=apples", 100)

		_, _, err := db.Resolve(ctx, "https://example.com/search?q=zebra", 100, 0)
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("cancelled context stops before fallback tiers", func(t *testing.T) {
		db := newTestDB(t, WithFuzzyCandidates(stripQuery))

		cancelled, cancel := context.WithCancel(context.Background())
		cancel()

		_, _, err := db.Resolve(cancelled, "https://example.com/nowhere?x=1", 100, 0)
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("miss on every tier returns ErrNotFound", func(t *testing.T) {
		db := newTestDB(t)

		_, _, err := db.Resolve(ctx, "https://example.com/nothing", 100, 0)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDB_ResourcesByHost(t *testing.T) {
	db := newTestDB(t)
	seedCaptures(t, db, "https://example.com/a", 100)
	seedCaptures(t, db, "https://example.com/b", 100)
	seedCaptures(t, db, "https://example.com/b/c", 100)
	seedCaptures(t, db, "https://other.com/a", 100)

	resources, err := db.ResourcesByHost("https://example.com/anything")
	require.NoError(t, err)
	require.Len(t, resources, 3)
	for _, res := range resources {
		assert.Contains(t, res.URL, "https://example.com/")
	}
}

func TestDB_LoadPayload(t *testing.T) {
	t.Run("compressed blob round-trips", func(t *testing.T) {
		db := newTestDB(t)
		payload := testPayload(65536, 4)

		_, err := db.AddResource(&Resource{
			URL: "https://example.com/big.bin", TS: 1000, Status: 200,
			Body: InlineBody(payload),
		})
		require.NoError(t, err)

		res, err := db.LookupURL("https://example.com/big.bin", 1000, 0)
		require.NoError(t, err)
		assert.False(t, res.Body.IsInline())

		loaded, err := db.LoadPayload(res)
		require.NoError(t, err)
		assert.Equal(t, payload, loaded)
	})

	t.Run("bodyless record loads as nil", func(t *testing.T) {
		db := newTestDB(t)

		_, err := db.AddResource(&Resource{
			URL: "https://example.com/redir", TS: 1000, Status: 301,
			RespHeaders: map[string]string{"Location": "https://example.com/new"},
		})
		require.NoError(t, err)

		res, err := db.LookupURL("https://example.com/redir", 1000, 0)
		require.NoError(t, err)

		loaded, err := db.LoadPayload(res)
		require.NoError(t, err)
		assert.Nil(t, loaded)
	})
}
