package archivedb

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// AddPage stores a page record, generating an id if absent, and returns the
// id. The pages_by_date index is kept in step.
func (d *DB) AddPage(page *Page) (string, error) {
	if page.URL == "" {
		return "", fmt.Errorf("%w: page missing url", ErrMalformedRecord)
	}
	if page.ID == "" {
		page.ID = uuid.NewString()
	}

	err := d.db.Update(func(tx *bbolt.Tx) error {
		pagesBucket := tx.Bucket(bucketPages)
		dateBucket := tx.Bucket(bucketPagesByDate)

		// Re-adding an existing id drops its old date index entry first.
		if old := pagesBucket.Get([]byte(page.ID)); old != nil {
			var oldPage Page
			if err := json.Unmarshal(old, &oldPage); err == nil {
				if err := dateBucket.Delete(makeDateIndexKey(oldPage.Date, oldPage.ID)); err != nil {
					return fmt.Errorf("deleting old date index: %w", err)
				}
			}
		}

		data, err := json.Marshal(page)
		if err != nil {
			return fmt.Errorf("marshaling page: %w", err)
		}
		if err := pagesBucket.Put([]byte(page.ID), data); err != nil {
			return fmt.Errorf("putting page: %w", err)
		}

		if err := dateBucket.Put(makeDateIndexKey(page.Date, page.ID), []byte(page.ID)); err != nil {
			return fmt.Errorf("putting date index: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return page.ID, nil
}

// GetPage retrieves a page by id.
func (d *DB) GetPage(id string) (*Page, error) {
	var page Page
	err := d.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketPages).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		return json.Unmarshal(val, &page)
	})
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// ListPagesByDate returns all pages in chronological capture order.
func (d *DB) ListPagesByDate() ([]*Page, error) {
	var pages []*Page
	err := d.db.View(func(tx *bbolt.Tx) error {
		pagesBucket := tx.Bucket(bucketPages)

		cursor := tx.Bucket(bucketPagesByDate).Cursor()
		for k, id := cursor.First(); k != nil; k, id = cursor.Next() {
			val := pagesBucket.Get(id)
			if val == nil {
				d.logger.Warn("dangling date index entry", "id", string(id))
				continue
			}
			var page Page
			if err := json.Unmarshal(val, &page); err != nil {
				return fmt.Errorf("unmarshaling page %s: %w", id, err)
			}
			pages = append(pages, &page)
		}
		return nil
	})
	return pages, err
}

// DeletePage removes a page record, its resources, and any payload blobs
// left unreferenced. Returns total bytes reclaimed. Fuzzy index entries
// pointing at the page are left stale; fuzzy hits re-validate against live
// resources, so the staleness degrades to a NotFound.
func (d *DB) DeletePage(id string) (int64, error) {
	var reclaimed int64
	err := d.db.Update(func(tx *bbolt.Tx) error {
		pagesBucket := tx.Bucket(bucketPages)
		val := pagesBucket.Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		var page Page
		if err := json.Unmarshal(val, &page); err != nil {
			return fmt.Errorf("unmarshaling page %s: %w", id, err)
		}

		n, err := d.deletePageResourcesTx(tx, id)
		if err != nil {
			return err
		}
		reclaimed = n

		if err := tx.Bucket(bucketPagesByDate).Delete(makeDateIndexKey(page.Date, page.ID)); err != nil {
			return fmt.Errorf("deleting date index: %w", err)
		}
		return pagesBucket.Delete([]byte(id))
	})
	return reclaimed, err
}

// pageIndexPrefix returns the resources_by_page scan prefix for a page.
func pageIndexPrefix(pageID string) []byte {
	return append([]byte(pageID), sep)
}
