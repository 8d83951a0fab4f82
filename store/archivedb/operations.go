package archivedb

import (
	"encoding/json"
	"fmt"
	"os"

	"go.etcd.io/bbolt"
)

// RefDiscrepancy reports a mismatch between a stored reference count and the
// count computed from live resource records.
type RefDiscrepancy struct {
	Digest   string `json:"digest"`
	Stored   int    `json:"stored"`
	Computed int    `json:"computed"`
}

// VerifyDigestRefs scans all resources and compares computed reference
// counts against the digest_refs table, without modifying the database.
// Digests referenced by resources but with no ref record (CDX-style records
// whose blobs this archive never held) are not discrepancies.
func (d *DB) VerifyDigestRefs() ([]RefDiscrepancy, error) {
	var discrepancies []RefDiscrepancy

	err := d.db.View(func(tx *bbolt.Tx) error {
		computed, err := computeRefCounts(tx)
		if err != nil {
			return err
		}

		cursor := tx.Bucket(bucketDigestRefs).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var ref DigestRef
			if err := json.Unmarshal(v, &ref); err != nil {
				continue
			}
			if expected := computed[string(k)]; ref.Count != expected {
				discrepancies = append(discrepancies, RefDiscrepancy{
					Digest:   string(k),
					Stored:   ref.Count,
					Computed: expected,
				})
			}
		}
		return nil
	})
	return discrepancies, err
}

// RebuildDigestRefs recomputes reference counts from live resource records,
// updating stored counts in place. Use after VerifyDigestRefs reports
// discrepancies. Returns the number of refs updated.
func (d *DB) RebuildDigestRefs() (int, error) {
	updated := 0
	err := d.db.Update(func(tx *bbolt.Tx) error {
		computed, err := computeRefCounts(tx)
		if err != nil {
			return err
		}

		// Collect corrected refs first; writing under a live cursor is
		// unreliable in bbolt.
		refs := tx.Bucket(bucketDigestRefs)
		fixed := make(map[string][]byte)

		cursor := refs.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			var ref DigestRef
			if err := json.Unmarshal(v, &ref); err != nil {
				continue
			}
			expected := computed[string(k)]
			if ref.Count == expected {
				continue
			}
			ref.Count = expected
			data, err := json.Marshal(&ref)
			if err != nil {
				continue
			}
			fixed[string(k)] = data
		}

		for k, data := range fixed {
			if err := refs.Put([]byte(k), data); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	return updated, err
}

func computeRefCounts(tx *bbolt.Tx) (map[string]int, error) {
	computed := make(map[string]int)
	cursor := tx.Bucket(bucketResources).Cursor()
	for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
		var stored storedResource
		if err := json.Unmarshal(v, &stored); err != nil {
			continue
		}
		if stored.Digest != "" {
			computed[stored.Digest]++
		}
	}
	return computed, nil
}

// Stats summarises the archive's contents.
type Stats struct {
	PageCount       int64            `json:"page_count"`
	ResourceCount   int64            `json:"resource_count"`
	InlineCount     int64            `json:"inline_count"`
	DedupedCount    int64            `json:"deduped_count"`
	BlobCount       int64            `json:"blob_count"`
	FuzzyCount      int64            `json:"fuzzy_count"`
	DistinctBytes   int64            `json:"distinct_bytes"`
	ByMime          map[string]int64 `json:"by_mime"`
	ByStatus        map[string]int64 `json:"by_status"`
	OldestCaptureTS int64            `json:"oldest_capture_ts,omitempty"`
	NewestCaptureTS int64            `json:"newest_capture_ts,omitempty"`
	DBFileSize      int64            `json:"db_file_size"`
}

// ArchiveStats returns statistics about the archive.
func (d *DB) ArchiveStats() (*Stats, error) {
	stats := &Stats{
		ByMime:   make(map[string]int64),
		ByStatus: make(map[string]int64),
	}

	err := d.db.View(func(tx *bbolt.Tx) error {
		stats.PageCount = int64(tx.Bucket(bucketPages).Stats().KeyN)
		stats.BlobCount = int64(tx.Bucket(bucketPayloads).Stats().KeyN)
		stats.FuzzyCount = int64(tx.Bucket(bucketFuzzy).Stats().KeyN)

		cursor := tx.Bucket(bucketResources).Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			stats.ResourceCount++

			var stored storedResource
			if err := json.Unmarshal(v, &stored); err != nil {
				continue
			}

			if stored.Digest != "" {
				stats.DedupedCount++
			} else if stored.Payload != nil {
				stats.InlineCount++
			}

			mime := stored.Mime
			if mime == "" {
				mime = "unknown"
			}
			stats.ByMime[mime]++
			stats.ByStatus[statusClass(stored.Status)]++

			if stats.OldestCaptureTS == 0 || stored.TS < stats.OldestCaptureTS {
				stats.OldestCaptureTS = stored.TS
			}
			if stored.TS > stats.NewestCaptureTS {
				stats.NewestCaptureTS = stored.TS
			}
		}

		refCursor := tx.Bucket(bucketDigestRefs).Cursor()
		for k, v := refCursor.First(); k != nil; k, v = refCursor.Next() {
			var ref DigestRef
			if err := json.Unmarshal(v, &ref); err != nil {
				continue
			}
			stats.DistinctBytes += ref.Size
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if fi, err := os.Stat(d.db.Path()); err == nil {
		stats.DBFileSize = fi.Size()
	}
	return stats, nil
}

func statusClass(status int) string {
	switch {
	case status >= 100 && status < 200:
		return "1xx"
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

// Compact copies the database to destPath, reclaiming space from deleted
// entries.
func (d *DB) Compact(destPath string) error {
	destDB, err := bbolt.Open(destPath, 0o600, &bbolt.Options{
		NoSync: d.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening destination database: %w", err)
	}
	defer destDB.Close()

	return d.db.View(func(srcTx *bbolt.Tx) error {
		return destDB.Update(func(destTx *bbolt.Tx) error {
			return srcTx.ForEach(func(name []byte, srcBucket *bbolt.Bucket) error {
				destBucket, err := destTx.CreateBucketIfNotExists(name)
				if err != nil {
					return fmt.Errorf("creating bucket %s: %w", name, err)
				}
				return srcBucket.ForEach(func(k, v []byte) error {
					return destBucket.Put(k, v)
				})
			})
		})
	})
}
