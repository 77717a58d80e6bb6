// Package content is the content-addressed blob store. Blobs are keyed by the
// sha256 fingerprint of their bytes, so identical files are stored once.
package content

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/logging"
	"github.com/Aman-CERP/tonecapture/internal/telemetry"
)

const blobPrefix = "blob/"

// DefaultCacheEntries is the read cache size when Options leaves it zero.
const DefaultCacheEntries = 256

// Options configures Open.
type Options struct {
	// Dir holds the Badger files. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	// SyncWrites fsyncs every put.
	SyncWrites bool
	// CacheEntries bounds the read cache; negative disables it.
	CacheEntries int
	// GCInterval runs value log GC periodically; 0 disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
}

// Store is a Badger-backed blob store with an LRU read cache.
type Store struct {
	db      *badger.DB
	cache   *lru.Cache[string, []byte]
	gc      *GCRunner
	ratio   float64
	logger  *slog.Logger
	metrics *telemetry.Metrics

	closeOnce sync.Once
}

// SweepResult reports what Sweep did.
type SweepResult struct {
	Scanned    int
	Removed    int
	BytesFreed int64
}

// Usage reports the number of blobs and their total size.
type Usage struct {
	Blobs int
	Bytes int64
}

// Open opens the store, creating Dir if needed.
func Open(opts Options) (*Store, error) {
	logger := logging.OrDiscard(opts.Logger).With(slog.String("module", "content"))

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Dir == "" {
			return nil, tcerrors.ValidationError("content store directory is required", nil)
		}
		if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
			return nil, tcerrors.StorageError("failed to create content directory", err).WithDetail("dir", opts.Dir)
		}
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, tcerrors.StorageError("failed to open content store", err).WithDetail("dir", opts.Dir)
	}

	s := &Store{db: db, logger: logger, metrics: opts.Metrics, ratio: opts.GCDiscardRatio}
	if s.ratio <= 0 || s.ratio >= 1 {
		s.ratio = 0.5
	}
	if opts.CacheEntries >= 0 {
		size := opts.CacheEntries
		if size == 0 {
			size = DefaultCacheEntries
		}
		if s.cache, err = lru.New[string, []byte](size); err != nil {
			_ = db.Close()
			return nil, tcerrors.InternalError("failed to create content cache", err)
		}
	}
	if opts.GCInterval > 0 && !opts.InMemory {
		s.gc = newGCRunner(db, opts.GCInterval, s.ratio, logger)
		s.gc.Start()
	}
	return s, nil
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.gc != nil {
			s.gc.Stop()
		}
		if cerr := s.db.Close(); cerr != nil {
			err = tcerrors.StorageError("failed to close content store", cerr)
		}
	})
	return err
}

func blobKey(fp string) []byte { return []byte(blobPrefix + fp) }

// Put stores data and returns its fingerprint. Storing the same bytes twice
// is a no-op that returns the same fingerprint.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", tcerrors.CancelledError("put cancelled", err)
	}
	fp := capture.FingerprintOf(data)
	key := blobKey(fp)

	dedup := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			dedup = true
			return nil
		}
		if !stderrors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if stderrors.Is(err, badger.ErrConflict) {
		// a concurrent put of the same bytes won
		dedup = true
		err = nil
	}
	if err != nil {
		return "", tcerrors.StorageError("failed to store blob", err).WithDetail("fingerprint", fp)
	}

	s.metrics.ContentPut(dedup)
	if !dedup {
		s.logger.Debug("blob stored", slog.String("fingerprint", fp), slog.Int("bytes", len(data)))
	}
	return fp, nil
}

// Get returns the bytes stored under fp.
func (s *Store) Get(ctx context.Context, fp string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, tcerrors.CancelledError("get cancelled", err)
	}
	if s.cache != nil {
		if data, ok := s.cache.Get(fp); ok {
			return append([]byte(nil), data...), nil
		}
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(fp))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return nil, tcerrors.NotFoundError("blob", fp)
	}
	if err != nil {
		return nil, tcerrors.StorageError("failed to read blob", err).WithDetail("fingerprint", fp)
	}

	if s.cache != nil {
		s.cache.Add(fp, append([]byte(nil), data...))
	}
	return data, nil
}

// Has reports whether fp is stored.
func (s *Store) Has(ctx context.Context, fp string) (bool, error) {
	if s.cache != nil && s.cache.Contains(fp) {
		return true, nil
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blobKey(fp))
		return err
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, tcerrors.StorageError("failed to look up blob", err).WithDetail("fingerprint", fp)
	}
	return true, nil
}

// each calls fn for every stored blob, keys only.
func (s *Store) each(ctx context.Context, fn func(fp string, size int64) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(blobPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			fp := strings.TrimPrefix(string(item.Key()), blobPrefix)
			if err := fn(fp, item.ValueSize()); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns every stored fingerprint, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var out []string
	err := s.each(ctx, func(fp string, _ int64) error {
		out = append(out, fp)
		return nil
	})
	if err != nil {
		return nil, s.iterError(ctx, "list", err)
	}
	sort.Strings(out)
	return out, nil
}

// Size returns the number of stored blobs and their total size in bytes.
func (s *Store) Size(ctx context.Context) (Usage, error) {
	var u Usage
	err := s.each(ctx, func(_ string, size int64) error {
		u.Blobs++
		u.Bytes += size
		return nil
	})
	if err != nil {
		return Usage{}, s.iterError(ctx, "size", err)
	}
	return u, nil
}

// Sweep deletes every blob for which referenced returns false. The store
// never deletes on its own; the caller decides what is still in use.
func (s *Store) Sweep(ctx context.Context, referenced func(fp string) bool) (SweepResult, error) {
	var (
		res    SweepResult
		orphan []string
	)
	err := s.each(ctx, func(fp string, size int64) error {
		res.Scanned++
		if !referenced(fp) {
			orphan = append(orphan, fp)
			res.BytesFreed += size
		}
		return nil
	})
	if err != nil {
		return SweepResult{}, s.iterError(ctx, "sweep", err)
	}
	if len(orphan) == 0 {
		return res, nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, fp := range orphan {
		if err := wb.Delete(blobKey(fp)); err != nil {
			return SweepResult{}, tcerrors.StorageError("failed to delete blob", err).WithDetail("fingerprint", fp)
		}
	}
	if err := wb.Flush(); err != nil {
		return SweepResult{}, tcerrors.StorageError("failed to flush sweep", err)
	}
	if s.cache != nil {
		for _, fp := range orphan {
			s.cache.Remove(fp)
		}
	}
	res.Removed = len(orphan)

	s.logger.Info("content swept",
		slog.Int("scanned", res.Scanned), slog.Int("removed", res.Removed), slog.Int64("bytes_freed", res.BytesFreed))
	return res, nil
}

// Verify re-hashes every blob and returns the fingerprints whose bytes no
// longer match.
func (s *Store) Verify(ctx context.Context) ([]string, error) {
	var corrupt []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(blobPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			fp := strings.TrimPrefix(string(item.Key()), blobPrefix)
			if err := item.Value(func(val []byte) error {
				if capture.FingerprintOf(val) != fp {
					corrupt = append(corrupt, fp)
				}
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, s.iterError(ctx, "verify", err)
	}
	return corrupt, nil
}

// CollectGarbage runs value log GC until Badger reports nothing to rewrite.
// It returns the number of rewrites.
func (s *Store) CollectGarbage(ctx context.Context) (int, error) {
	runs := 0
	for {
		if err := ctx.Err(); err != nil {
			return runs, tcerrors.CancelledError("content gc cancelled", err)
		}
		err := s.db.RunValueLogGC(s.ratio)
		if stderrors.Is(err, badger.ErrNoRewrite) || stderrors.Is(err, badger.ErrGCInMemoryMode) {
			return runs, nil
		}
		if err != nil {
			return runs, tcerrors.StorageError("value log gc failed", err)
		}
		runs++
	}
}

func (s *Store) iterError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return tcerrors.CancelledError(op+" cancelled", err)
	}
	return tcerrors.StorageError(fmt.Sprintf("failed to %s blobs", op), err)
}

// badgerLogger adapts slog to Badger's logger. Badger's info chatter is
// demoted to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
