package replay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wolfeidau/archive-replay/store/archivedb"
	"github.com/wolfeidau/archive-replay/telemetry"
)

// ErrNotFound is returned when a request matches no capture in any tier.
var ErrNotFound = archivedb.ErrNotFound

// Request identifies a replayed request. Client identity is session-scoped
// and owned by the caller's request-handling layer; ReplacesClientID signals
// a navigation that supersedes a previous client.
type Request struct {
	URL              string
	Timestamp        string // 14-digit web-archive form, used when TimestampMS is zero
	TimestampMS      int64  // epoch millis
	Method           string
	ClientID         string
	ReplacesClientID string
}

// Result is a resolved capture ready for response construction.
type Result struct {
	URL        string // canonical URL the request resolved to
	Status     int
	StatusText string
	Headers    map[string]string
	Body       []byte
	Date       time.Time // capture time
	ExtraOpts  json.RawMessage
}

// Engine is the replay boundary over an archive database.
type Engine struct {
	db      *archivedb.DB
	tracker *RepeatTracker
	logger  *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates a replay engine over db with its own repeat tracker.
func NewEngine(db *archivedb.DB, opts ...Option) *Engine {
	e := &Engine{
		db:      db,
		tracker: NewRepeatTracker(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// nullBodyStatuses never carry a response body.
var nullBodyStatuses = map[int]struct{}{
	http.StatusSwitchingProtocols: {},
	http.StatusNoContent:          {},
	http.StatusResetContent:       {},
	http.StatusNotModified:        {},
}

func isNullBodyStatus(status int) bool {
	_, ok := nullBodyStatuses[status]
	return ok
}

// Resolve finds the capture for a request and materialises its body.
// Returns ErrNotFound when every lookup tier misses. A capture whose
// payload blob has gone missing degrades to an empty body rather than
// failing the request.
func (e *Engine) Resolve(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	ts := req.TimestampMS
	if ts == 0 {
		parsed, err := ParseTimestamp(req.Timestamp)
		if err != nil {
			return nil, err
		}
		ts = parsed
	}

	if req.ReplacesClientID != "" {
		e.tracker.DropClient(req.ReplacesClientID)
	}
	skip := e.tracker.SkipCount(req.ClientID, req.URL, req.Method)
	if skip > 0 {
		e.logger.Debug("repeat request", "url", req.URL, "skip", skip)
	}

	res, resolvedURL, err := e.db.Resolve(ctx, req.URL, ts, skip)
	if errors.Is(err, ErrNotFound) {
		telemetry.RecordResolve(ctx, "miss", time.Since(start))
		return nil, ErrNotFound
	}
	if err != nil {
		telemetry.RecordResolve(ctx, "error", time.Since(start))
		return nil, fmt.Errorf("resolving %s: %w", req.URL, err)
	}

	var body []byte
	if !isNullBodyStatus(res.Status) {
		body, err = e.db.LoadPayload(res)
		if errors.Is(err, archivedb.ErrPayloadMissing) {
			telemetry.RecordIntegrityFailure(ctx)
			body = nil
		} else if err != nil {
			telemetry.RecordResolve(ctx, "error", time.Since(start))
			return nil, fmt.Errorf("loading payload for %s: %w", resolvedURL, err)
		}
	}

	statusText := res.StatusText
	if statusText == "" {
		statusText = http.StatusText(res.Status)
	}

	telemetry.RecordResolve(ctx, "hit", time.Since(start))

	return &Result{
		URL:        resolvedURL,
		Status:     res.Status,
		StatusText: statusText,
		Headers:    sanitizeHeaders(res.RespHeaders),
		Body:       body,
		Date:       time.UnixMilli(res.TS).UTC(),
		ExtraOpts:  res.ExtraOpts,
	}, nil
}

// sanitizeHeaders collapses CR/LF sequences in stored header values, which
// some captures carry from misbehaving origin servers.
func sanitizeHeaders(headers map[string]string) map[string]string {
	if headers == nil {
		return nil
	}
	clean := make(map[string]string, len(headers))
	for name, value := range headers {
		if strings.ContainsAny(value, "\r\n") {
			value = strings.Join(strings.FieldsFunc(value, func(r rune) bool {
				return r == '\r' || r == '\n'
			}), ", ")
		}
		clean[name] = value
	}
	return clean
}

// AddPage stores a page record, returning its id.
func (e *Engine) AddPage(ctx context.Context, page *archivedb.Page) (string, error) {
	return e.db.AddPage(page)
}

// AddResource ingests one capture record.
func (e *Engine) AddResource(ctx context.Context, res *archivedb.Resource) error {
	size := int64(len(res.Body.Inline()))
	added, err := e.db.AddResource(res)
	if err != nil {
		return err
	}
	telemetry.RecordIngest(ctx, ingestResult(res, added), size)
	return nil
}

// AddResources ingests a batch of capture records. Individual record
// failures are collected rather than aborting the batch.
func (e *Engine) AddResources(ctx context.Context, resources []*archivedb.Resource) (int, error) {
	return e.db.AddResources(resources)
}

func ingestResult(res *archivedb.Resource, added bool) string {
	switch {
	case added:
		return "new_blob"
	case res.Body.IsInline():
		return "inline"
	default:
		return "dedup"
	}
}

// DeletePage removes a page, its resources, and unreferenced payload blobs.
// Returns bytes reclaimed.
func (e *Engine) DeletePage(ctx context.Context, pageID string) (int64, error) {
	reclaimed, err := e.db.DeletePage(pageID)
	if err != nil {
		return 0, err
	}
	telemetry.RecordReclaimed(ctx, reclaimed)
	return reclaimed, nil
}

// DeletePageResources removes a page's resources but keeps the page record.
// Returns bytes reclaimed.
func (e *Engine) DeletePageResources(ctx context.Context, pageID string) (int64, error) {
	reclaimed, err := e.db.DeletePageResources(pageID)
	if err != nil {
		return 0, err
	}
	telemetry.RecordReclaimed(ctx, reclaimed)
	return reclaimed, nil
}

// ListPagesByDate returns all pages in chronological capture order.
func (e *Engine) ListPagesByDate() ([]*archivedb.Page, error) {
	return e.db.ListPagesByDate()
}

// ResourcesByPage returns all resources belonging to a page.
func (e *Engine) ResourcesByPage(pageID string) ([]*archivedb.Resource, error) {
	return e.db.ResourcesByPage(pageID)
}
