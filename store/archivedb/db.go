package archivedb

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	archivereplay "github.com/wolfeidau/archive-replay"
)

var (
	// ErrNotFound is returned when a lookup exhausts all tiers. It is a
	// valid negative result, not a failure.
	ErrNotFound = errors.New("archivedb: not found")

	// ErrPayloadMissing is returned when a resource references a digest
	// with no corresponding blob. Callers should degrade to an empty body.
	ErrPayloadMissing = errors.New("archivedb: payload missing for digest")

	// ErrMalformedRecord is returned for ingestion records missing
	// required fields.
	ErrMalformedRecord = errors.New("archivedb: malformed record")
)

// DefaultMinDedupSize is the payload size below which content is stored
// inline rather than deduplicated. Small payloads are not worth the
// indirection and reference-counting overhead.
const DefaultMinDedupSize = 1024

// CandidateFunc produces normalized approximate-match variants of a URL,
// lazily (query-parameter stripping, cache-bust removal, and so on).
// Pluggable; the engine only consumes the sequence.
type CandidateFunc func(url string) iter.Seq[string]

// CompareFunc picks the best approximate match for url out of candidates,
// or nil when none clears its acceptance threshold. Pluggable.
type CompareFunc func(url string, candidates []*Resource) *Resource

// DB is the archive storage engine, backed by bbolt. Writes are
// single-writer (bbolt serializes update transactions); reads run on
// independent snapshots and never block each other.
type DB struct {
	db     *bbolt.DB
	codec  *payloadCodec
	logger *slog.Logger
	noSync bool

	alg          archivereplay.Algorithm
	minDedupSize int

	fuzzyCandidates   CandidateFunc
	urlComparator     CompareFunc
	fuzzyPrefixSearch bool
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: risks data loss on crash. Use only for testing or bulk loads.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// WithMinDedupSize sets the dedup threshold in bytes.
func WithMinDedupSize(n int) Option {
	return func(d *DB) {
		d.minDedupSize = n
	}
}

// WithDigestAlgorithm sets the digest algorithm for deduplicated payloads.
func WithDigestAlgorithm(alg archivereplay.Algorithm) Option {
	return func(d *DB) {
		d.alg = alg
	}
}

// WithFuzzyCandidates sets the fuzzy-URL candidate generator used both for
// fuzzy index population on ingest and for the fuzzy lookup fallback.
func WithFuzzyCandidates(fn CandidateFunc) Option {
	return func(d *DB) {
		d.fuzzyCandidates = fn
	}
}

// WithURLComparator sets the similarity comparator for the prefix fallback.
func WithURLComparator(fn CompareFunc) Option {
	return func(d *DB) {
		d.urlComparator = fn
	}
}

// WithPrefixSearch enables or disables the query-prefix fallback tier.
func WithPrefixSearch(enabled bool) Option {
	return func(d *DB) {
		d.fuzzyPrefixSearch = enabled
	}
}

// New creates a DB with options applied. Call Open before use.
func New(opts ...Option) *DB {
	d := &DB{
		logger:            slog.Default(),
		alg:               archivereplay.AlgSHA256,
		minDedupSize:      DefaultMinDedupSize,
		fuzzyPrefixSearch: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the database at the given path, creating buckets as needed.
func (d *DB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	d.db = db

	if err := d.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := newPayloadCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating payload codec: %w", err)
	}
	d.codec = codec

	d.logger.Debug("opened archivedb", "path", path, "noSync", d.noSync)
	return nil
}

func (d *DB) createBuckets() error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketPages,
			bucketPagesByDate,
			bucketResources,
			bucketResourcesByPage,
			bucketResourcesByPageMime,
			bucketPayloads,
			bucketDigestRefs,
			bucketFuzzy,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (d *DB) Close() error {
	if d.codec != nil {
		d.codec.Close()
		d.codec = nil
	}
	if d.db == nil {
		return nil
	}
	d.logger.Debug("closing archivedb")
	return d.db.Close()
}

// ClearAll removes every record from every table.
func (d *DB) ClearAll() error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketPages,
			bucketPagesByDate,
			bucketResources,
			bucketResourcesByPage,
			bucketResourcesByPageMime,
			bucketPayloads,
			bucketDigestRefs,
			bucketFuzzy,
		}
		for _, name := range buckets {
			if err := tx.DeleteBucket(name); err != nil {
				return fmt.Errorf("clearing bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("recreating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}
