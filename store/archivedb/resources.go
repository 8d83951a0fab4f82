package archivedb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"go.etcd.io/bbolt"

	archivereplay "github.com/wolfeidau/archive-replay"
)

// AddResource upserts a resource record keyed by (URL, TS), deduplicating
// any inline payload at or above the dedup threshold. Re-ingestion of the
// same (URL, TS) overwrites the prior record and settles reference counts so
// the digest ref invariant holds. Returns whether a new distinct payload
// blob was created.
//
// The record write, dedup bookkeeping, and index upkeep commit in a single
// transaction; a failed write leaves no orphaned reference increment.
func (d *DB) AddResource(res *Resource) (bool, error) {
	if res.URL == "" || res.TS == 0 {
		return false, fmt.Errorf("%w: resource missing url or ts", ErrMalformedRecord)
	}

	var added bool
	err := d.db.Update(func(tx *bbolt.Tx) error {
		var err error
		added, err = d.addResourceTx(tx, res)
		return err
	})
	if err != nil {
		return false, err
	}

	if d.fuzzyCandidates != nil && res.Status >= 200 && res.Status < 300 && res.Status != 204 {
		if err := d.AddFuzzyCandidates(res.URL, res.TS, res.PageID, d.fuzzyCandidates(res.URL)); err != nil {
			return added, fmt.Errorf("adding fuzzy candidates: %w", err)
		}
	}

	return added, nil
}

func (d *DB) addResourceTx(tx *bbolt.Tx, res *Resource) (bool, error) {
	resources := tx.Bucket(bucketResources)
	key := makeResourceKey(res.URL, res.TS)

	// Decode the record being overwritten, if any, for ref settlement and
	// index cleanup.
	var old *storedResource
	if val := resources.Get(key); val != nil {
		old = &storedResource{}
		if err := json.Unmarshal(val, old); err != nil {
			return false, fmt.Errorf("unmarshaling existing resource: %w", err)
		}
	}

	stored := toStored(res)

	added, err := d.dedupeTx(tx, res, stored)
	if err != nil {
		return false, err
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return false, fmt.Errorf("marshaling resource: %w", err)
	}
	if err := resources.Put(key, data); err != nil {
		return false, fmt.Errorf("putting resource: %w", err)
	}

	// The overwritten record's reference is no longer live. When old and
	// new share a digest this cancels the increment above, keeping the
	// count equal to the number of live records.
	if old != nil && old.Digest != "" {
		if _, err := d.releaseDigestTx(tx, old.Digest, 1); err != nil {
			return false, err
		}
	}

	if err := d.updateResourceIndexes(tx, key, old, stored); err != nil {
		return false, err
	}

	return added, nil
}

// dedupeTx resolves the stored form of a resource body. Inline payloads at
// or above the threshold are replaced by a digest reference; the blob and
// its ref record are created on first sight, or the ref incremented on a
// dedup hit. bbolt serializes update transactions, so the check-then-create
// cannot race a concurrent first writer.
func (d *DB) dedupeTx(tx *bbolt.Tx, res *Resource, stored *storedResource) (bool, error) {
	refs := tx.Bucket(bucketDigestRefs)

	// Pre-digested records (CDX-style ingestion) reference a blob this
	// archive may not hold. Track the reference only when the blob does.
	if stored.Digest != "" {
		if val := refs.Get([]byte(stored.Digest)); val != nil {
			if err := incrementRef(refs, stored.Digest, val); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	payload := stored.Payload
	if payload == nil || len(payload) < d.minDedupSize {
		return false, nil
	}

	digest, err := archivereplay.DigestBytes(d.alg, payload)
	if err != nil {
		return false, err
	}
	digestStr := digest.String()

	stored.Payload = nil
	stored.Digest = digestStr
	res.Body = DigestBody(digest)

	if val := refs.Get([]byte(digestStr)); val != nil {
		if err := incrementRef(refs, digestStr, val); err != nil {
			return false, err
		}
		return false, nil
	}

	framed, err := d.codec.Encode(payload)
	if err != nil {
		return false, err
	}
	if err := tx.Bucket(bucketPayloads).Put([]byte(digestStr), framed); err != nil {
		return false, fmt.Errorf("putting payload blob: %w", err)
	}

	ref := DigestRef{Digest: digestStr, Count: 1, Size: int64(len(payload))}
	refData, err := json.Marshal(&ref)
	if err != nil {
		return false, fmt.Errorf("marshaling digest ref: %w", err)
	}
	if err := refs.Put([]byte(digestStr), refData); err != nil {
		return false, fmt.Errorf("putting digest ref: %w", err)
	}

	return true, nil
}

func incrementRef(refs *bbolt.Bucket, digestStr string, val []byte) error {
	var ref DigestRef
	if err := json.Unmarshal(val, &ref); err != nil {
		return fmt.Errorf("unmarshaling digest ref: %w", err)
	}
	ref.Count++
	data, err := json.Marshal(&ref)
	if err != nil {
		return fmt.Errorf("marshaling digest ref: %w", err)
	}
	return refs.Put([]byte(digestStr), data)
}

// releaseDigestTx decrements a digest's reference count by n. When the count
// reaches zero the ref record and payload blob are deleted in the same
// transaction and the blob's size reported as reclaimed bytes.
func (d *DB) releaseDigestTx(tx *bbolt.Tx, digestStr string, n int) (int64, error) {
	refs := tx.Bucket(bucketDigestRefs)
	val := refs.Get([]byte(digestStr))
	if val == nil {
		return 0, nil
	}

	var ref DigestRef
	if err := json.Unmarshal(val, &ref); err != nil {
		return 0, fmt.Errorf("unmarshaling digest ref: %w", err)
	}

	ref.Count -= n
	if ref.Count > 0 {
		data, err := json.Marshal(&ref)
		if err != nil {
			return 0, fmt.Errorf("marshaling digest ref: %w", err)
		}
		if err := refs.Put([]byte(digestStr), data); err != nil {
			return 0, fmt.Errorf("putting digest ref: %w", err)
		}
		return 0, nil
	}

	if err := refs.Delete([]byte(digestStr)); err != nil {
		return 0, fmt.Errorf("deleting digest ref: %w", err)
	}
	if err := tx.Bucket(bucketPayloads).Delete([]byte(digestStr)); err != nil {
		return 0, fmt.Errorf("deleting payload blob: %w", err)
	}
	return ref.Size, nil
}

// ReleaseDigest decrements a digest's reference count by n, deleting the
// blob when the count reaches zero. Returns bytes reclaimed.
func (d *DB) ReleaseDigest(digestStr string, n int) (int64, error) {
	var reclaimed int64
	err := d.db.Update(func(tx *bbolt.Tx) error {
		var err error
		reclaimed, err = d.releaseDigestTx(tx, digestStr, n)
		return err
	})
	return reclaimed, err
}

func (d *DB) updateResourceIndexes(tx *bbolt.Tx, key []byte, old, stored *storedResource) error {
	byPage := tx.Bucket(bucketResourcesByPage)
	byPageMime := tx.Bucket(bucketResourcesByPageMime)

	if old != nil && old.PageID != "" {
		if err := byPage.Delete(makePageIndexKey(old.PageID, key)); err != nil {
			return fmt.Errorf("deleting page index: %w", err)
		}
		if err := byPageMime.Delete(makePageMimeIndexKey(old.PageID, old.Mime, key)); err != nil {
			return fmt.Errorf("deleting page-mime index: %w", err)
		}
	}

	if stored.PageID == "" {
		return nil
	}
	if err := byPage.Put(makePageIndexKey(stored.PageID, key), key); err != nil {
		return fmt.Errorf("putting page index: %w", err)
	}
	if err := byPageMime.Put(makePageMimeIndexKey(stored.PageID, stored.Mime, key), key); err != nil {
		return fmt.Errorf("putting page-mime index: %w", err)
	}
	return nil
}

// BatchError reports a single failed record within a batch ingest.
type BatchError struct {
	URL string
	TS  int64
	Err error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("record %s@%d: %v", e.URL, e.TS, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// AddResources ingests a batch of resource records. Failures are per-record
// recoverable: a bad record is reported and its siblings continue. Returns
// the number of new distinct payload blobs created and the joined
// per-record errors, if any.
func (d *DB) AddResources(records []*Resource) (int, error) {
	var (
		added int
		errs  []error
	)
	for _, res := range records {
		ok, err := d.AddResource(res)
		if err != nil {
			d.logger.Warn("resource add failed", "url", res.URL, "ts", res.TS, "error", err)
			errs = append(errs, &BatchError{URL: res.URL, TS: res.TS, Err: err})
			continue
		}
		if ok {
			added++
		}
	}
	return added, errors.Join(errs...)
}

// AddFuzzyCandidates records fuzzy index entries for each candidate form of
// a canonical URL. A pre-existing key is left untouched: earlier captures'
// hints are not overwritten by later ones sharing a collapsed key.
func (d *DB) AddFuzzyCandidates(canonicalURL string, ts int64, pageID string, candidates iter.Seq[string]) error {
	if candidates == nil {
		return nil
	}
	return d.db.Update(func(tx *bbolt.Tx) error {
		fuzzy := tx.Bucket(bucketFuzzy)
		for candidate := range candidates {
			if candidate == canonicalURL {
				continue
			}
			if fuzzy.Get([]byte(candidate)) != nil {
				continue
			}
			entry := FuzzyEntry{Key: candidate, TS: ts, Original: canonicalURL, PageID: pageID}
			data, err := json.Marshal(&entry)
			if err != nil {
				return fmt.Errorf("marshaling fuzzy entry: %w", err)
			}
			if err := fuzzy.Put([]byte(candidate), data); err != nil {
				return fmt.Errorf("putting fuzzy entry: %w", err)
			}
		}
		return nil
	})
}

// ResourcesByPage returns all resources belonging to a page, in key order.
func (d *DB) ResourcesByPage(pageID string) ([]*Resource, error) {
	return d.scanPageIndex(bucketResourcesByPage, pageIndexPrefix(pageID))
}

// ResourcesByPageMime returns a page's resources filtered by media type.
func (d *DB) ResourcesByPageMime(pageID, mime string) ([]*Resource, error) {
	prefix := append(pageIndexPrefix(pageID), mime...)
	prefix = append(prefix, sep)
	return d.scanPageIndex(bucketResourcesByPageMime, prefix)
}

func (d *DB) scanPageIndex(bucket, prefix []byte) ([]*Resource, error) {
	var results []*Resource
	err := d.db.View(func(tx *bbolt.Tx) error {
		resources := tx.Bucket(bucketResources)

		cursor := tx.Bucket(bucket).Cursor()
		for k, resKey := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, resKey = cursor.Next() {
			val := resources.Get(resKey)
			if val == nil {
				d.logger.Warn("dangling page index entry", "key", string(resKey))
				continue
			}
			res, err := decodeStoredResource(val)
			if err != nil {
				return fmt.Errorf("decoding resource: %w", err)
			}
			results = append(results, res)
		}
		return nil
	})
	return results, err
}
