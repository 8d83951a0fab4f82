package replay

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	archivereplay "github.com/wolfeidau/archive-replay"
	"github.com/wolfeidau/archive-replay/store/archivedb"
)

func newTestEngine(t *testing.T, opts ...archivedb.Option) (*Engine, *archivedb.DB) {
	t.Helper()
	opts = append([]archivedb.Option{archivedb.WithNoSync(true)}, opts...)
	db := archivedb.New(opts...)
	require.NoError(t, db.Open(filepath.Join(t.TempDir(), "test.db")))
	t.Cleanup(func() { _ = db.Close() })
	return NewEngine(db), db
}

func addCapture(t *testing.T, engine *Engine, res *archivedb.Resource) {
	t.Helper()
	require.NoError(t, engine.AddResource(context.Background(), res))
}

func TestEngine_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("round-trips a capture", func(t *testing.T) {
		engine, _ := newTestEngine(t)

		addCapture(t, engine, &archivedb.Resource{
			URL: "https://example.com/", TS: 1705320000000, Status: 200,
			StatusText:  "OK",
			Mime:        "text/html",
			RespHeaders: map[string]string{"Content-Type": "text/html"},
			Body:        archivedb.InlineBody([]byte("<html>hello</html>")),
		})

		result, err := engine.Resolve(ctx, Request{
			URL:         "https://example.com/",
			TimestampMS: 1705320000000,
			Method:      http.MethodGet,
		})
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/", result.URL)
		assert.Equal(t, 200, result.Status)
		assert.Equal(t, "OK", result.StatusText)
		assert.Equal(t, []byte("<html>hello</html>"), result.Body)
		assert.Equal(t, "text/html", result.Headers["Content-Type"])
		assert.EqualValues(t, 1705320000000, result.Date.UnixMilli())
	})

	t.Run("accepts a 14-digit timestamp", func(t *testing.T) {
		engine, _ := newTestEngine(t)

		ms, err := ParseTimestamp("20240115120000")
		require.NoError(t, err)
		addCapture(t, engine, &archivedb.Resource{
			URL: "https://example.com/", TS: ms, Status: 200,
			Body: archivedb.InlineBody([]byte("dated")),
		})

		result, err := engine.Resolve(ctx, Request{
			URL:       "https://example.com/",
			Timestamp: "20240115120000",
			Method:    http.MethodGet,
		})
		require.NoError(t, err)
		assert.Equal(t, []byte("dated"), result.Body)
	})

	t.Run("rejects a malformed timestamp", func(t *testing.T) {
		engine, _ := newTestEngine(t)

		_, err := engine.Resolve(ctx, Request{
			URL:       "https://example.com/",
			Timestamp: "not-a-date",
		})
		require.Error(t, err)
	})

	t.Run("unknown url returns ErrNotFound", func(t *testing.T) {
		engine, _ := newTestEngine(t)

		_, err := engine.Resolve(ctx, Request{
			URL:         "https://example.com/missing",
			TimestampMS: 1000,
		})
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("status text falls back to the standard phrase", func(t *testing.T) {
		engine, _ := newTestEngine(t)

		addCapture(t, engine, &archivedb.Resource{
			URL: "https://example.com/x", TS: 1000, Status: 404,
			Body: archivedb.InlineBody([]byte("gone")),
		})

		result, err := engine.Resolve(ctx, Request{URL: "https://example.com/x", TimestampMS: 1000})
		require.NoError(t, err)
		assert.Equal(t, http.StatusText(http.StatusNotFound), result.StatusText)
	})

	t.Run("bodyless statuses never carry a body", func(t *testing.T) {
		engine, _ := newTestEngine(t)

		for ts, status := range map[int64]int{
			1000: http.StatusSwitchingProtocols,
			2000: http.StatusNoContent,
			3000: http.StatusResetContent,
			4000: http.StatusNotModified,
		} {
			addCapture(t, engine, &archivedb.Resource{
				URL: "https://example.com/nb", TS: ts, Status: status,
				Body: archivedb.InlineBody([]byte("junk the crawler stored anyway")),
			})

			result, err := engine.Resolve(ctx, Request{URL: "https://example.com/nb", TimestampMS: ts})
			require.NoError(t, err)
			assert.Empty(t, result.Body, "status %d", status)
		}
	})

	t.Run("header values are sanitised", func(t *testing.T) {
		engine, _ := newTestEngine(t)

		addCapture(t, engine, &archivedb.Resource{
			URL: "https://example.com/h", TS: 1000, Status: 200,
			RespHeaders: map[string]string{
				"X-Broken": "first\r\nsecond",
				"X-Fine":   "untouched",
			},
			Body: archivedb.InlineBody([]byte("body")),
		})

		result, err := engine.Resolve(ctx, Request{URL: "https://example.com/h", TimestampMS: 1000})
		require.NoError(t, err)
		assert.Equal(t, "first, second", result.Headers["X-Broken"])
		assert.Equal(t, "untouched", result.Headers["X-Fine"])
	})

	t.Run("missing payload blob degrades to an empty body", func(t *testing.T) {
		engine, _ := newTestEngine(t)

		digest, err := archivereplay.DigestBytes(archivereplay.AlgSHA256, []byte("never stored"))
		require.NoError(t, err)
		addCapture(t, engine, &archivedb.Resource{
			URL: "https://example.com/lost", TS: 1000, Status: 200,
			Body: archivedb.DigestBody(digest),
		})

		result, err := engine.Resolve(ctx, Request{URL: "https://example.com/lost", TimestampMS: 1000})
		require.NoError(t, err)
		assert.Equal(t, 200, result.Status)
		assert.Empty(t, result.Body)
	})
}

func TestEngine_RepeatedPosts(t *testing.T) {
	ctx := context.Background()
	const url = "https://example.com/api/submit"

	engine, _ := newTestEngine(t)
	addCapture(t, engine, &archivedb.Resource{
		URL: url, TS: 100000, Status: 200, Body: archivedb.InlineBody([]byte("first")),
	})
	addCapture(t, engine, &archivedb.Resource{
		URL: url, TS: 200000, Status: 200, Body: archivedb.InlineBody([]byte("second")),
	})

	post := Request{URL: url, TimestampMS: 150000, Method: http.MethodPost, ClientID: "client-1"}

	result, err := engine.Resolve(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), result.Body)

	result, err = engine.Resolve(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), result.Body, "second identical POST advances to the next capture")

	// A navigation that supersedes the client starts counting afresh.
	_, err = engine.Resolve(ctx, Request{
		URL: url, TimestampMS: 150000, Method: http.MethodGet,
		ClientID: "client-2", ReplacesClientID: "client-1",
	})
	require.NoError(t, err)

	result, err = engine.Resolve(ctx, post)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), result.Body)
}

func TestEngine_PageOperations(t *testing.T) {
	ctx := context.Background()
	engine, db := newTestEngine(t)

	pageID, err := engine.AddPage(ctx, &archivedb.Page{
		URL: "https://example.com/", Date: "2024-01-01T00:00:00Z", Title: "Home",
	})
	require.NoError(t, err)

	addCapture(t, engine, &archivedb.Resource{
		URL: "https://example.com/", TS: 1000, PageID: pageID, Status: 200,
		Mime: "text/html", Body: archivedb.InlineBody([]byte("<html>")),
	})

	pages, err := engine.ListPagesByDate()
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, "Home", pages[0].Title)

	resources, err := engine.ResourcesByPage(pageID)
	require.NoError(t, err)
	assert.Len(t, resources, 1)

	_, err = engine.DeletePage(ctx, pageID)
	require.NoError(t, err)

	_, err = db.GetPage(pageID)
	require.ErrorIs(t, err, archivedb.ErrNotFound)

	_, err = engine.Resolve(ctx, Request{URL: "https://example.com/", TimestampMS: 1000})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEngine_AddResources(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	added, err := engine.AddResources(ctx, []*archivedb.Resource{
		{URL: "https://example.com/1", TS: 1000, Status: 200, Body: archivedb.InlineBody(make([]byte, 4096))},
		{URL: "https://example.com/2", TS: 1000, Status: 200, Body: archivedb.InlineBody([]byte("small"))},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
}
