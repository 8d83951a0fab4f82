package replay

import (
	"fmt"
	"time"
)

// ParseTimestamp converts a web-archive 14-digit timestamp
// ("YYYYMMDDhhmmss", possibly truncated after the day) to epoch
// milliseconds. Missing time-of-day digits are zero-padded. An empty
// timestamp means "now".
func ParseTimestamp(ts string) (int64, error) {
	if ts == "" {
		return time.Now().UnixMilli(), nil
	}
	if len(ts) > 14 {
		ts = ts[:14]
	}
	ts += "00000000000000"[len(ts):]

	t, err := time.Parse("20060102150405", ts)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}
	return t.UnixMilli(), nil
}

// FormatTimestamp renders epoch milliseconds as a 14-digit timestamp.
func FormatTimestamp(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("20060102150405")
}
