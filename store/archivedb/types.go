// Package archivedb stores captured pages and resources in bbolt and answers
// timestamp-nearest lookups over them. Payloads are deduplicated by content
// digest with reference counting.
package archivedb

import (
	"encoding/json"

	archivereplay "github.com/wolfeidau/archive-replay"
)

// Page is a page-level capture. Immutable once created except for deletion.
type Page struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Date  string `json:"date"` // ISO-8601
	Title string `json:"title"`
}

// Resource is a single captured network resource, keyed by (URL, TS).
type Resource struct {
	URL         string            `json:"url"`
	TS          int64             `json:"ts"` // epoch millis
	PageID      string            `json:"pageId,omitempty"`
	Status      int               `json:"status"`
	StatusText  string            `json:"statusText,omitempty"`
	Mime        string            `json:"mime,omitempty"`
	RespHeaders map[string]string `json:"respHeaders,omitempty"`
	Body        Body              `json:"-"`
	ExtraOpts   json.RawMessage   `json:"extraOpts,omitempty"`
}

// Body is a resource's content: either inline bytes or a reference to a
// deduplicated payload blob, never both.
type Body struct {
	inline []byte
	digest archivereplay.Digest
}

// InlineBody creates a Body holding the payload bytes directly.
func InlineBody(payload []byte) Body {
	return Body{inline: payload}
}

// DigestBody creates a Body referencing a payload blob by digest.
func DigestBody(d archivereplay.Digest) Body {
	return Body{digest: d}
}

// IsInline reports whether the body holds inline bytes.
func (b Body) IsInline() bool { return b.inline != nil }

// Inline returns the inline payload bytes, or nil for a digest body.
func (b Body) Inline() []byte { return b.inline }

// Digest returns the referenced digest; zero for an inline body.
func (b Body) Digest() archivereplay.Digest { return b.digest }

// IsZero reports whether the body is empty (no payload captured).
func (b Body) IsZero() bool { return b.inline == nil && b.digest.IsZero() }

// DigestRef tracks how many live resources reference a payload blob.
type DigestRef struct {
	Digest string `json:"digest"`
	Count  int    `json:"count"`
	Size   int64  `json:"size"`
}

// FuzzyEntry maps a normalized URL key back to the canonical capture.
type FuzzyEntry struct {
	Key      string `json:"key"`
	TS       int64  `json:"ts"`
	Original string `json:"original"`
	PageID   string `json:"pageId,omitempty"`
}

// storedResource is the persisted wire form of a Resource. The payload/digest
// pair is mutually exclusive; the Body union enforces that at the API
// boundary.
type storedResource struct {
	URL         string            `json:"url"`
	TS          int64             `json:"ts"`
	PageID      string            `json:"pageId,omitempty"`
	Status      int               `json:"status"`
	StatusText  string            `json:"statusText,omitempty"`
	Mime        string            `json:"mime,omitempty"`
	RespHeaders map[string]string `json:"respHeaders,omitempty"`
	Digest      string            `json:"digest,omitempty"`
	Payload     []byte            `json:"payload,omitempty"`
	ExtraOpts   json.RawMessage   `json:"extraOpts,omitempty"`
}

func toStored(r *Resource) *storedResource {
	s := &storedResource{
		URL:         r.URL,
		TS:          r.TS,
		PageID:      r.PageID,
		Status:      r.Status,
		StatusText:  r.StatusText,
		Mime:        r.Mime,
		RespHeaders: r.RespHeaders,
		ExtraOpts:   r.ExtraOpts,
	}
	if r.Body.IsInline() {
		s.Payload = r.Body.Inline()
	} else if !r.Body.Digest().IsZero() {
		s.Digest = r.Body.Digest().String()
	}
	return s
}

func fromStored(s *storedResource) (*Resource, error) {
	r := &Resource{
		URL:         s.URL,
		TS:          s.TS,
		PageID:      s.PageID,
		Status:      s.Status,
		StatusText:  s.StatusText,
		Mime:        s.Mime,
		RespHeaders: s.RespHeaders,
		ExtraOpts:   s.ExtraOpts,
	}
	switch {
	case s.Payload != nil:
		r.Body = InlineBody(s.Payload)
	case s.Digest != "":
		d, err := archivereplay.ParseDigest(s.Digest)
		if err != nil {
			return nil, err
		}
		r.Body = DigestBody(d)
	}
	return r, nil
}

func decodeStoredResource(val []byte) (*Resource, error) {
	var s storedResource
	if err := json.Unmarshal(val, &s); err != nil {
		return nil, err
	}
	return fromStored(&s)
}
