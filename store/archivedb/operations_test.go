package archivedb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDB_VerifyAndRebuildDigestRefs(t *testing.T) {
	db := newTestDB(t)
	shared := testPayload(4096, 1)

	_, err := db.AddResource(&Resource{
		URL: "https://example.com/a", TS: 1000, Status: 200, Body: InlineBody(shared),
	})
	require.NoError(t, err)
	res := &Resource{
		URL: "https://example.com/b", TS: 1000, Status: 200, Body: InlineBody(shared),
	}
	_, err = db.AddResource(res)
	require.NoError(t, err)
	digestStr := res.Body.Digest().String()

	t.Run("consistent counts verify clean", func(t *testing.T) {
		discrepancies, err := db.VerifyDigestRefs()
		require.NoError(t, err)
		assert.Empty(t, discrepancies)
	})

	t.Run("a skewed count is reported and repaired", func(t *testing.T) {
		// Force the stored count below the live record count.
		_, err := db.ReleaseDigest(digestStr, 1)
		require.NoError(t, err)

		discrepancies, err := db.VerifyDigestRefs()
		require.NoError(t, err)
		require.Len(t, discrepancies, 1)
		assert.Equal(t, digestStr, discrepancies[0].Digest)
		assert.Equal(t, 1, discrepancies[0].Stored)
		assert.Equal(t, 2, discrepancies[0].Computed)

		updated, err := db.RebuildDigestRefs()
		require.NoError(t, err)
		assert.Equal(t, 1, updated)

		discrepancies, err = db.VerifyDigestRefs()
		require.NoError(t, err)
		assert.Empty(t, discrepancies)
	})
}

func TestDB_ArchiveStats(t *testing.T) {
	db := newTestDB(t)

	_, err := db.AddPage(&Page{URL: "https://example.com/", Date: "2024-01-01T00:00:00Z"})
	require.NoError(t, err)

	records := []*Resource{
		{URL: "https://example.com/", TS: 1000, Status: 200, Mime: "text/html", Body: InlineBody([]byte("<html>"))},
		{URL: "https://example.com/big.bin", TS: 2000, Status: 200, Mime: "application/octet-stream", Body: InlineBody(testPayload(4096, 1))},
		{URL: "https://example.com/gone", TS: 3000, Status: 404, Mime: "text/html"},
	}
	for _, res := range records {
		_, err := db.AddResource(res)
		require.NoError(t, err)
	}

	stats, err := db.ArchiveStats()
	require.NoError(t, err)

	assert.EqualValues(t, 1, stats.PageCount)
	assert.EqualValues(t, 3, stats.ResourceCount)
	assert.EqualValues(t, 1, stats.InlineCount)
	assert.EqualValues(t, 1, stats.DedupedCount)
	assert.EqualValues(t, 1, stats.BlobCount)
	assert.EqualValues(t, 4096, stats.DistinctBytes)
	assert.EqualValues(t, 2, stats.ByMime["text/html"])
	assert.EqualValues(t, 2, stats.ByStatus["2xx"])
	assert.EqualValues(t, 1, stats.ByStatus["4xx"])
	assert.EqualValues(t, 1000, stats.OldestCaptureTS)
	assert.EqualValues(t, 3000, stats.NewestCaptureTS)
	assert.Positive(t, stats.DBFileSize)
}

func TestDB_Compact(t *testing.T) {
	db := newTestDB(t)
	payload := testPayload(8192, 2)

	_, err := db.AddResource(&Resource{
		URL: "https://example.com/keep.bin", TS: 1000, Status: 200, Body: InlineBody(payload),
	})
	require.NoError(t, err)

	destPath := filepath.Join(t.TempDir(), "compacted.db")
	require.NoError(t, db.Compact(destPath))

	compacted := New(WithNoSync(true))
	require.NoError(t, compacted.Open(destPath))
	t.Cleanup(func() { _ = compacted.Close() })

	res, err := compacted.LookupURL("https://example.com/keep.bin", 1000, 0)
	require.NoError(t, err)
	loaded, err := compacted.LoadPayload(res)
	require.NoError(t, err)
	assert.Equal(t, payload, loaded)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{101, "1xx"},
		{200, "2xx"},
		{204, "2xx"},
		{304, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{0, "unknown"},
		{700, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusClass(tt.status), "statusClass(%d)", tt.status)
	}
}
