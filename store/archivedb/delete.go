package archivedb

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

// DeletePageResources removes every resource belonging to a page and
// reclaims payload blobs left unreferenced. The scan, record deletes, and
// tallied reference releases commit in one transaction, so a reader never
// observes a dangling digest reference. Returns total bytes reclaimed
// across inline payloads and freed blobs.
func (d *DB) DeletePageResources(pageID string) (int64, error) {
	var reclaimed int64
	err := d.db.Update(func(tx *bbolt.Tx) error {
		var err error
		reclaimed, err = d.deletePageResourcesTx(tx, pageID)
		return err
	})
	return reclaimed, err
}

func (d *DB) deletePageResourcesTx(tx *bbolt.Tx, pageID string) (int64, error) {
	resources := tx.Bucket(bucketResources)
	byPage := tx.Bucket(bucketResourcesByPage)
	byPageMime := tx.Bucket(bucketResourcesByPageMime)

	// Collect the page's index entries first; deleting under a live
	// cursor is unreliable in bbolt.
	type indexEntry struct {
		indexKey []byte
		resKey   []byte
	}
	var entries []indexEntry

	prefix := pageIndexPrefix(pageID)
	cursor := byPage.Cursor()
	for k, resKey := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, resKey = cursor.Next() {
		entries = append(entries, indexEntry{
			indexKey: bytes.Clone(k),
			resKey:   bytes.Clone(resKey),
		})
	}

	// Delete records and their index entries, tallying digest decrements
	// so each digest is released once with its full count.
	digestTally := make(map[string]int)
	var reclaimed int64

	for _, entry := range entries {
		if val := resources.Get(entry.resKey); val != nil {
			var stored storedResource
			if err := json.Unmarshal(val, &stored); err != nil {
				return 0, fmt.Errorf("unmarshaling resource: %w", err)
			}

			switch {
			case stored.Digest != "":
				digestTally[stored.Digest]++
			case stored.Payload != nil:
				reclaimed += int64(len(stored.Payload))
			}

			if err := resources.Delete(entry.resKey); err != nil {
				return 0, fmt.Errorf("deleting resource: %w", err)
			}
			if err := byPageMime.Delete(makePageMimeIndexKey(pageID, stored.Mime, entry.resKey)); err != nil {
				return 0, fmt.Errorf("deleting page-mime index: %w", err)
			}
		}

		if err := byPage.Delete(entry.indexKey); err != nil {
			return 0, fmt.Errorf("deleting page index: %w", err)
		}
	}

	for digest, n := range digestTally {
		freed, err := d.releaseDigestTx(tx, digest, n)
		if err != nil {
			return 0, err
		}
		reclaimed += freed
	}

	d.logger.Debug("deleted page resources",
		"pageId", pageID,
		"digests", len(digestTally),
		"bytesReclaimed", reclaimed)

	return reclaimed, nil
}
