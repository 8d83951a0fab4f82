package archivedb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.etcd.io/bbolt"
)

// LookupURL finds the capture of url closest in time to ts.
//
// An exact (url, ts) key returns immediately without a scan. Otherwise the
// ordered range of captures sharing url is walked: the first entry past ts
// is compared against the last entry before it and the nearer one wins,
// ties favouring the later entry. If no entry lies past ts the most recent
// prior capture is returned, however far back.
//
// skip discards that many tie-break candidates before settling, supporting
// the Nth-nearest match for repeated non-idempotent requests.
func (d *DB) LookupURL(url string, ts int64, skip int) (*Resource, error) {
	var result *Resource
	err := d.db.View(func(tx *bbolt.Tx) error {
		resources := tx.Bucket(bucketResources)

		if ts != 0 {
			if val := resources.Get(makeResourceKey(url, ts)); val != nil {
				res, err := decodeStoredResource(val)
				if err != nil {
					return err
				}
				result = res
				return nil
			}
		}

		r := rangeExact(url)
		cursor := resources.Cursor()

		var last *Resource
		for k, v := cursor.Seek(r.lower); k != nil && r.contains(k); k, v = cursor.Next() {
			res, err := decodeStoredResource(v)
			if err != nil {
				return err
			}

			if last != nil && res.TS > ts {
				if skip == 0 {
					diff := res.TS - ts
					diffLast := ts - last.TS
					if diff < diffLast {
						result = res
					} else {
						result = last
					}
					return nil
				}
				skip--
			}
			last = res
		}

		result = last
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, ErrNotFound
	}
	return result, nil
}

// LookupFuzzy is a point lookup into the fuzzy index.
func (d *DB) LookupFuzzy(key string) (*FuzzyEntry, error) {
	var entry FuzzyEntry
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketFuzzy).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// Resolve runs the full retrieval cascade for url at ts and returns the
// matched resource along with the canonical URL it resolved to. Tiers are
// evaluated in strict order, short-circuiting on the first hit:
//
//  1. scheme-relative URLs ("//host/...") retry https: then http:
//  2. exact-or-nearest timestamp lookup
//  3. fuzzy index fallback over the candidate generator's variants,
//     re-resolved against the canonical URL
//  4. query-prefix scan handed to the URL-similarity comparator
//
// All tiers are read-only; the context is checked at tier boundaries so an
// abandoned request stops without side effects.
func (d *DB) Resolve(ctx context.Context, url string, ts int64, skip int) (*Resource, string, error) {
	var (
		result *Resource
		err    error
	)

	if strings.HasPrefix(url, "//") {
		result, err = d.LookupURL("https:"+url, ts, skip)
		if err == nil {
			url = "https:" + url
		} else if errors.Is(err, ErrNotFound) {
			url = "http:" + url
			result, err = d.LookupURL(url, ts, skip)
		}
	} else {
		result, err = d.LookupURL(url, ts, skip)
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, "", err
	}

	if result == nil && d.fuzzyCandidates != nil {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		result, url, err = d.resolveFuzzy(url, ts, skip)
		if err != nil {
			return nil, "", err
		}
	}

	if result == nil && d.fuzzyPrefixSearch && d.urlComparator != nil {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		result, err = d.lookupQueryPrefix(url)
		if err != nil {
			return nil, "", err
		}
	}

	if result == nil {
		return nil, "", ErrNotFound
	}
	return result, url, nil
}

// resolveFuzzy walks the candidate generator's variants of url, probing the
// fuzzy index and re-resolving any hit against its canonical URL. The first
// variant yielding a live resource wins and its canonical URL is returned.
func (d *DB) resolveFuzzy(url string, ts int64, skip int) (*Resource, string, error) {
	for candidate := range d.fuzzyCandidates(url) {
		entry, err := d.LookupFuzzy(candidate)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", err
		}

		// The fuzzy entry may be stale (its page deleted); the canonical
		// re-lookup validates against live resource data.
		result, err := d.LookupURL(entry.Original, ts, skip)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return result, entry.Original, nil
	}
	return nil, url, nil
}

// lookupQueryPrefix is the best-effort final tier: truncate url at its query
// string, scan every capture sharing that prefix, and let the external
// comparator pick the closest match.
func (d *DB) lookupQueryPrefix(url string) (*Resource, error) {
	prefix, _, _ := strings.Cut(url, "?")
	prefix += "?"

	var candidates []*Resource
	err := d.db.View(func(tx *bbolt.Tx) error {
		r := rangePrefix(prefix)
		cursor := tx.Bucket(bucketResources).Cursor()
		for k, v := cursor.Seek(r.lower); k != nil && r.contains(k); k, v = cursor.Next() {
			res, err := decodeStoredResource(v)
			if err != nil {
				return err
			}
			candidates = append(candidates, res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	result := d.urlComparator(url, candidates)
	if result != nil {
		d.logger.Debug("fuzzy prefix match", "url", url, "matched", result.URL)
	}
	return result, nil
}

// ResourcesByHost returns all captures sharing url's origin, in key order.
func (d *DB) ResourcesByHost(url string) ([]*Resource, error) {
	r, err := rangeHost(url)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}

	var results []*Resource
	err = d.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketResources).Cursor()
		for k, v := cursor.Seek(r.lower); k != nil && r.contains(k); k, v = cursor.Next() {
			res, err := decodeStoredResource(v)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	return results, err
}

// LoadPayload materialises a resource's body bytes. Inline bodies return
// directly; digest bodies fetch and decode the blob. A recorded digest with
// no blob is a data-integrity failure: it is logged and reported as
// ErrPayloadMissing so the caller can degrade to an empty body.
func (d *DB) LoadPayload(res *Resource) ([]byte, error) {
	if res.Body.IsInline() {
		return res.Body.Inline(), nil
	}
	if res.Body.IsZero() {
		return nil, nil
	}

	digestStr := res.Body.Digest().String()
	var framed []byte
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketPayloads).Get([]byte(digestStr))
		if val == nil {
			return ErrPayloadMissing
		}
		framed = make([]byte, len(val))
		copy(framed, val)
		return nil
	})
	if errors.Is(err, ErrPayloadMissing) {
		d.logger.Error("missing payload blob", "digest", digestStr, "url", res.URL)
		return nil, ErrPayloadMissing
	}
	if err != nil {
		return nil, err
	}

	payload, err := d.codec.Decode(framed)
	if err != nil {
		return nil, fmt.Errorf("decoding payload %s: %w", digestStr, err)
	}
	return payload, nil
}
