package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name string
		ts   string
		want string // expected FormatTimestamp round-trip
	}{
		{"full timestamp", "20240115123045", "20240115123045"},
		{"date only is zero-padded", "20240115", "20240115000000"},
		{"partial time is zero-padded", "2024011512", "20240115120000"},
		{"extra digits are truncated", "202401151230459999", "20240115123045"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms, err := ParseTimestamp(tt.ts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, FormatTimestamp(ms))
		})
	}

	t.Run("empty timestamp means now", func(t *testing.T) {
		before := time.Now().UnixMilli()
		ms, err := ParseTimestamp("")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, ms, before)
		assert.LessOrEqual(t, ms, time.Now().UnixMilli())
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		for _, ts := range []string{"not-a-date", "20241315000000", "2024"} {
			_, err := ParseTimestamp(ts)
			assert.Error(t, err, "ParseTimestamp(%q)", ts)
		}
	})
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2024, 1, 15, 12, 30, 45, 0, time.UTC).UnixMilli()
	assert.Equal(t, "20240115123045", FormatTimestamp(ts))
}
