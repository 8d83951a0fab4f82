package archivedb

import (
	"bytes"
	"encoding/binary"
	"net/url"
	"unicode/utf8"
)

// Bucket names for bbolt storage.
var (
	bucketPages       = []byte("pages")         // id -> Page JSON
	bucketPagesByDate = []byte("pages_by_date") // date+id -> id (chronological index)

	bucketResources           = []byte("resources")              // url+ts -> resource JSON
	bucketResourcesByPage     = []byte("resources_by_page")      // pageId+url+ts -> url+ts
	bucketResourcesByPageMime = []byte("resources_by_page_mime") // pageId+mime+url+ts -> url+ts

	bucketPayloads   = []byte("payloads")    // digest -> framed payload bytes
	bucketDigestRefs = []byte("digest_refs") // digest -> DigestRef JSON

	bucketFuzzy = []byte("fuzzy") // fuzzy key -> FuzzyEntry JSON
)

// sep is the compound key separator. URLs, page ids, and media types never
// contain a NUL byte.
const sep = 0

// encodeTS converts epoch milliseconds to a fixed-width big-endian slice so
// that lexicographic key order matches chronological order. Offset by
// math.MinInt64 to keep pre-1970 timestamps sorting correctly.
func encodeTS(ms int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(ms-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}

// decodeTS converts a big-endian slice back to epoch milliseconds.
func decodeTS(b []byte) int64 {
	if len(b) < 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b[:8])) + (-1 << 63) //nolint:gosec // intentional unsigned->signed shift
}

// makeResourceKey creates the composite primary key for a resource.
// Format: [url][separator][8-byte timestamp]
func makeResourceKey(url string, ts int64) []byte {
	key := make([]byte, len(url)+1+8)
	copy(key, url)
	key[len(url)] = sep
	copy(key[len(url)+1:], encodeTS(ts))
	return key
}

// parseResourceKey extracts url and timestamp from a resource key.
func parseResourceKey(key []byte) (url string, ts int64) {
	if len(key) < 9 {
		return "", 0
	}
	split := len(key) - 9
	if key[split] != sep {
		return string(key), 0
	}
	return string(key[:split]), decodeTS(key[split+1:])
}

// makePageIndexKey creates a key for the resources_by_page index.
// Format: [pageId][separator][resource key]
func makePageIndexKey(pageID string, resourceKey []byte) []byte {
	key := make([]byte, len(pageID)+1+len(resourceKey))
	copy(key, pageID)
	key[len(pageID)] = sep
	copy(key[len(pageID)+1:], resourceKey)
	return key
}

// makePageMimeIndexKey creates a key for the resources_by_page_mime index.
// Format: [pageId][separator][mime][separator][resource key]
func makePageMimeIndexKey(pageID, mime string, resourceKey []byte) []byte {
	key := make([]byte, len(pageID)+1+len(mime)+1+len(resourceKey))
	offset := 0
	copy(key[offset:], pageID)
	offset += len(pageID)
	key[offset] = sep
	offset++
	copy(key[offset:], mime)
	offset += len(mime)
	key[offset] = sep
	offset++
	copy(key[offset:], resourceKey)
	return key
}

// makeDateIndexKey creates a key for the pages_by_date index.
// Format: [date][separator][id]
func makeDateIndexKey(date, id string) []byte {
	key := make([]byte, len(date)+1+len(id))
	copy(key, date)
	key[len(date)] = sep
	copy(key[len(date)+1:], id)
	return key
}

// keyRange is a half-open [lower, upper) range over resource keys.
type keyRange struct {
	lower []byte
	upper []byte
}

// rangeExact bounds all captures of a single URL. The upper bound appends a
// sentinel byte that sorts after the NUL+timestamp suffix of every key
// sharing the URL.
func rangeExact(url string) keyRange {
	return keyRange{
		lower: append([]byte(url), sep),
		upper: append([]byte(url), sep+1),
	}
}

// rangePrefix bounds all URLs starting with prefix. The upper bound
// increments the code point of the prefix's last character.
func rangePrefix(prefix string) keyRange {
	r, size := utf8.DecodeLastRuneInString(prefix)
	if r == utf8.RuneError && size <= 1 {
		// Fall back to incrementing the final byte.
		upper := []byte(prefix)
		upper[len(upper)-1]++
		return keyRange{lower: []byte(prefix), upper: upper}
	}
	upper := prefix[:len(prefix)-size] + string(r+1)
	return keyRange{lower: []byte(prefix), upper: []byte(upper)}
}

// rangeHost bounds all captures sharing the URL's origin. '0' is the code
// point after '/', so [origin+"/", origin+"0") covers every path under it.
func rangeHost(rawURL string) (keyRange, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return keyRange{}, err
	}
	origin := u.Scheme + "://" + u.Host
	return keyRange{
		lower: []byte(origin + "/"),
		upper: []byte(origin + "0"),
	}, nil
}

// contains reports whether key falls inside the range.
func (r keyRange) contains(key []byte) bool {
	return bytes.Compare(key, r.lower) >= 0 && bytes.Compare(key, r.upper) < 0
}
