// Package registry is the authoritative store of capture records. Every
// mutation is written together with a change event in one SQLite transaction,
// and the event Bus fans those events out to the derived indexes.
package registry

import (
	"cmp"
	"context"
	"crypto/rand"
	"database/sql"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/logging"
	"github.com/Aman-CERP/tonecapture/internal/telemetry"
)

// Options configures Open.
type Options struct {
	// Path of the SQLite file; empty opens an in-memory registry.
	Path string
	// Dimension every embedding must have.
	Dimension int
	// Schema validates attributes; nil accepts any string attributes.
	Schema *capture.Schema
	// CacheMB is the SQLite page cache size.
	CacheMB int
	// Retry controls how failed event applications are retried.
	Retry   tcerrors.RetryConfig
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Registry is the capture record store.
type Registry struct {
	db      *sql.DB
	path    string
	dim     int
	schema  *capture.Schema
	logger  *slog.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
	bus     *Bus
	locks   stripedLocks

	idMu    sync.Mutex
	entropy io.Reader

	closeOnce sync.Once
}

// Open opens (creating if needed) the registry.
func Open(opts Options) (*Registry, error) {
	if opts.Dimension <= 0 {
		return nil, tcerrors.ValidationError(fmt.Sprintf("embedding dimension must be positive, got %d", opts.Dimension), nil)
	}
	schema := opts.Schema
	if schema == nil {
		var err error
		if schema, err = capture.NewSchema(false); err != nil {
			return nil, err
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.MaxRetries == 0 && opts.Retry.InitialDelay == 0 {
		opts.Retry = tcerrors.DefaultRetryConfig()
	}

	db, err := openDB(opts.Path, opts.CacheMB)
	if err != nil {
		return nil, err
	}
	if opts.Path != "" {
		if err := checkIntegrity(db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := pinDimension(db, opts.Dimension); err != nil {
		_ = db.Close()
		return nil, err
	}

	r := &Registry{
		db:      db,
		path:    opts.Path,
		dim:     opts.Dimension,
		schema:  schema,
		logger:  logging.OrDiscard(opts.Logger).With(slog.String("module", "registry")),
		metrics: opts.Metrics,
		now:     opts.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	r.bus = newBus(r, opts.Retry, r.logger, r.metrics)
	return r, nil
}

// Close stops event delivery and closes the database.
func (r *Registry) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.bus.Close()
		if r.path != "" {
			_, _ = r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		}
		err = r.db.Close()
	})
	return err
}

// Bus returns the change event bus.
func (r *Registry) Bus() *Bus { return r.bus }

// Subscribe is shorthand for r.Bus().Subscribe.
func (r *Registry) Subscribe(ctx context.Context, sub Subscriber) error {
	return r.bus.Subscribe(ctx, sub)
}

// Dimension returns the configured embedding dimension.
func (r *Registry) Dimension() int { return r.dim }

// Schema returns the attribute schema used for validation.
func (r *Registry) Schema() *capture.Schema { return r.schema }

// validate checks a capture as it would be stored.
func (r *Registry) validate(c *capture.Capture) error {
	if !capture.ValidFingerprint(c.Fingerprint) {
		return tcerrors.ValidationError(fmt.Sprintf("invalid fingerprint %q", c.Fingerprint), nil).
			WithSuggestion("fingerprints have the form sha256:<64 lowercase hex digits>")
	}
	if c.Embedding != nil {
		if err := capture.ValidateEmbedding(c.Embedding, r.dim); err != nil {
			if tcerrors.IsDimension(err) {
				return tcerrors.ValidationError("embedding does not match the archive dimension", err).
					WithSuggestion(fmt.Sprintf("embeddings in this archive have %d components", r.dim))
			}
			return err
		}
	}
	if problems := capture.ValidateChain(c.Chain); len(problems) > 0 {
		return tcerrors.ValidationError(strings.Join(problems, "; "), nil)
	}
	return r.schema.Validate(c.Kind, c.AllAttributes())
}

func (r *Registry) newID(ctx context.Context, tx *sql.Tx) (string, error) {
	r.idMu.Lock()
	id, err := ulid.New(ulid.Timestamp(r.now()), r.entropy)
	r.idMu.Unlock()
	if err != nil {
		return "", tcerrors.InternalError("failed to generate id", err)
	}

	var taken int
	err = tx.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM retired_ids WHERE id = ?) + (SELECT COUNT(*) FROM captures WHERE id = ?)`,
		id.String(), id.String()).Scan(&taken)
	if err != nil {
		return "", tcerrors.StorageError("failed to check id", err)
	}
	if taken > 0 {
		return "", tcerrors.InternalError("generated id collides with an existing or retired id", nil).
			WithDetail("id", id.String())
	}
	return id.String(), nil
}

// Register validates and stores a new capture, appending an upsert event.
// The returned Ack waits for every index to apply it.
func (r *Registry) Register(ctx context.Context, in capture.NewCapture) (string, *Ack, error) {
	c := &capture.Capture{
		Fingerprint: in.Fingerprint,
		Kind:        in.Kind,
		Attributes:  in.Attributes.Clone(),
		Embedding:   in.Embedding,
		Path:        in.Path,
		Filename:    in.Filename,
		Notes:       in.Notes,
		Chain:       append([]capture.Link(nil), in.Chain...),
	}
	if c.Attributes == nil {
		c.Attributes = capture.Attributes{}
	}
	if c.Path != "" {
		c.Path = filepath.Clean(c.Path)
		if c.Filename == "" {
			c.Filename = filepath.Base(c.Path)
		}
	}
	if len(c.Chain) == 0 {
		c.Chain = nil
	}
	capture.SortChain(c.Chain)
	if c.Embedding != nil {
		c.Embedding = append([]float32(nil), c.Embedding...)
	}
	if err := r.validate(c); err != nil {
		return "", nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, tcerrors.StorageError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if c.ID, err = r.newID(ctx, tx); err != nil {
		return "", nil, err
	}
	if c.Path != "" {
		if _, err := r.findLiveByPath(ctx, tx, c.Path); err == nil {
			return "", nil, tcerrors.ValidationError(fmt.Sprintf("path %s is already registered", c.Path), nil).
				WithSuggestion("update the existing capture instead")
		} else if !tcerrors.IsNotFound(err) {
			return "", nil, err
		}
	}

	now := r.now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	attrs, err := encodeAttributes(c.Attributes)
	if err != nil {
		return "", nil, tcerrors.InternalError("failed to encode capture", err)
	}
	chain, err := encodeChain(c.Chain)
	if err != nil {
		return "", nil, tcerrors.InternalError("failed to encode capture", err)
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO captures (id, fingerprint, kind, attributes, embedding, path, filename, notes, chain, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Fingerprint, string(c.Kind), attrs, encodeVector(c.Embedding), c.Path, c.Filename, c.Notes, chain,
		toNanos(now), toNanos(now))
	if err != nil {
		return "", nil, tcerrors.StorageError("failed to insert capture", err)
	}
	if c.Seq, err = res.LastInsertId(); err != nil {
		return "", nil, tcerrors.StorageError("failed to read capture seq", err)
	}

	seq, err := appendEvent(ctx, tx, OpUpsert, c.ID, c, now)
	if err != nil {
		return "", nil, err
	}
	if err := tx.Commit(); err != nil {
		return "", nil, tcerrors.StorageError("failed to commit capture", err)
	}

	r.metrics.Mutation("register")
	r.logger.Debug("capture registered", slog.String("id", c.ID), slog.Int64("seq", seq), slog.String("kind", string(c.Kind)))
	r.bus.notify()
	return c.ID, &Ack{bus: r.bus, Seq: seq}, nil
}

// Update applies a partial update and re-emits an upsert event.
func (r *Registry) Update(ctx context.Context, id string, p capture.Patch) (*Ack, error) {
	unlock := r.locks.lock(id)
	defer unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, tcerrors.StorageError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	c, err := r.getLive(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.IsEmpty() {
		return &Ack{}, nil
	}

	p.Apply(c)
	if c.Path != "" {
		c.Path = filepath.Clean(c.Path)
		if p.Path != nil {
			c.Filename = filepath.Base(c.Path)
		}
	}
	if len(c.Chain) == 0 {
		c.Chain = nil
	}
	capture.SortChain(c.Chain)
	if err := r.validate(c); err != nil {
		return nil, err
	}
	if p.Path != nil && c.Path != "" {
		other, err := r.findLiveByPath(ctx, tx, c.Path)
		if err == nil && other.ID != id {
			return nil, tcerrors.ValidationError(fmt.Sprintf("path %s is already registered to %s", c.Path, other.ID), nil)
		} else if err != nil && !tcerrors.IsNotFound(err) {
			return nil, err
		}
	}

	c.UpdatedAt = r.now().UTC()
	attrs, err := encodeAttributes(c.Attributes)
	if err != nil {
		return nil, tcerrors.InternalError("failed to encode capture", err)
	}
	chain, err := encodeChain(c.Chain)
	if err != nil {
		return nil, tcerrors.InternalError("failed to encode capture", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE captures SET fingerprint = ?, kind = ?, attributes = ?, embedding = ?, path = ?, filename = ?, notes = ?, chain = ?, updated_at = ?
		WHERE id = ?`,
		c.Fingerprint, string(c.Kind), attrs, encodeVector(c.Embedding), c.Path, c.Filename, c.Notes, chain, toNanos(c.UpdatedAt), id); err != nil {
		return nil, tcerrors.StorageError("failed to update capture", err)
	}

	seq, err := appendEvent(ctx, tx, OpUpsert, id, c, c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, tcerrors.StorageError("failed to commit update", err)
	}

	r.metrics.Mutation("update")
	r.logger.Debug("capture updated", slog.String("id", id), slog.Int64("seq", seq))
	r.bus.notify()
	return &Ack{bus: r.bus, Seq: seq}, nil
}

// Delete removes a capture. The record is marked deleting and a remove event
// is appended; once every index has applied it the row is dropped and the id
// retired. If the wait is interrupted the delete stays pending and is
// finished by ResumePendingDeletes.
func (r *Registry) Delete(ctx context.Context, id string) error {
	unlock := r.locks.lock(id)
	defer unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return tcerrors.StorageError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := r.getLive(ctx, tx, id); err != nil {
		return err
	}
	now := r.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE captures SET state = 'deleting', updated_at = ? WHERE id = ?`, toNanos(now), id); err != nil {
		return tcerrors.StorageError("failed to mark capture deleting", err)
	}
	seq, err := appendEvent(ctx, tx, OpRemove, id, nil, now)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return tcerrors.StorageError("failed to commit delete", err)
	}
	r.bus.notify()

	if err := (&Ack{bus: r.bus, Seq: seq}).Wait(ctx); err != nil {
		r.logger.Warn("delete left pending", slog.String("id", id), slog.String("error", err.Error()))
		return err
	}
	if err := r.finishDelete(ctx, id); err != nil {
		return err
	}
	r.metrics.Mutation("delete")
	r.logger.Debug("capture deleted", slog.String("id", id), slog.Int64("seq", seq))
	return nil
}

func (r *Registry) finishDelete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return tcerrors.StorageError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM captures WHERE id = ? AND state = 'deleting'`, id); err != nil {
		return tcerrors.StorageError("failed to delete capture", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO retired_ids (id, retired_at) VALUES (?, ?)`, id, toNanos(r.now())); err != nil {
		return tcerrors.StorageError("failed to retire id", err)
	}
	if err := tx.Commit(); err != nil {
		return tcerrors.StorageError("failed to commit delete", err)
	}
	return nil
}

// ResumePendingDeletes finishes deletes that were interrupted before every
// index acknowledged them. Call it after the indexes have subscribed.
func (r *Registry) ResumePendingDeletes(ctx context.Context) (int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, version FROM captures WHERE state = 'deleting' ORDER BY seq`)
	if err != nil {
		return 0, tcerrors.StorageError("failed to list pending deletes", err)
	}
	type pending struct {
		id  string
		seq int64
	}
	var todo []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.seq); err != nil {
			_ = rows.Close()
			return 0, tcerrors.StorageError("failed to scan pending delete", err)
		}
		todo = append(todo, p)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, tcerrors.StorageError("failed to list pending deletes", err)
	}

	done := 0
	for _, p := range todo {
		if err := (&Ack{bus: r.bus, Seq: p.seq}).Wait(ctx); err != nil {
			return done, err
		}
		unlock := r.locks.lock(p.id)
		err := r.finishDelete(ctx, p.id)
		unlock()
		if err != nil {
			return done, err
		}
		done++
		r.logger.Info("pending delete finished", slog.String("id", p.id))
	}
	return done, nil
}

// Get returns a live capture or a NotFoundError.
func (r *Registry) Get(ctx context.Context, id string) (*capture.Capture, error) {
	return r.getLive(ctx, r.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Registry) getLive(ctx context.Context, q querier, id string) (*capture.Capture, error) {
	c, _, err := scanCapture(q.QueryRowContext(ctx,
		`SELECT `+captureColumns+` FROM captures WHERE id = ? AND state = 'live'`, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, tcerrors.NotFoundError("capture", id)
	}
	if err != nil {
		return nil, tcerrors.StorageError("failed to read capture", err).WithDetail("id", id)
	}
	return c, nil
}

// FindByPath returns the live capture registered at path.
func (r *Registry) FindByPath(ctx context.Context, path string) (*capture.Capture, error) {
	return r.findLiveByPath(ctx, r.db, filepath.Clean(path))
}

func (r *Registry) findLiveByPath(ctx context.Context, q querier, path string) (*capture.Capture, error) {
	c, _, err := scanCapture(q.QueryRowContext(ctx,
		`SELECT `+captureColumns+` FROM captures WHERE path = ? AND state = 'live'`, path))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, tcerrors.NotFoundError("capture at path", path)
	}
	if err != nil {
		return nil, tcerrors.StorageError("failed to read capture", err).WithDetail("path", path)
	}
	return c, nil
}

// getManyChunk bounds the number of SQL variables per statement.
const getManyChunk = 500

// GetMany returns the live captures among ids ordered by Seq. Unknown ids are
// skipped; callers compare lengths to detect them.
func (r *Registry) GetMany(ctx context.Context, ids []string) ([]*capture.Capture, error) {
	out := make([]*capture.Capture, 0, len(ids))
	for start := 0; start < len(ids); start += getManyChunk {
		end := min(start+getManyChunk, len(ids))
		chunk := ids[start:end]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		query := `SELECT ` + captureColumns + ` FROM captures WHERE state = 'live' AND id IN (` +
			strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",") + `)`
		found, err := r.queryCaptures(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
	}
	sortBySeq(out)
	return out, nil
}

// Deleted returns which of ids are being deleted or have been deleted.
// Unknown ids are absent from the result.
func (r *Registry) Deleted(ctx context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for start := 0; start < len(ids); start += getManyChunk {
		end := min(start+getManyChunk, len(ids))
		chunk := ids[start:end]
		args := make([]any, 0, 2*len(chunk))
		for _, id := range chunk {
			args = append(args, id)
		}
		args = append(args, args...)
		marks := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")
		rows, err := r.db.QueryContext(ctx,
			`SELECT id FROM captures WHERE state = 'deleting' AND id IN (`+marks+`)
			 UNION SELECT id FROM retired_ids WHERE id IN (`+marks+`)`, args...)
		if err != nil {
			return nil, tcerrors.StorageError("failed to query deleted captures", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, tcerrors.StorageError("failed to scan deleted capture", err)
			}
			out[id] = true
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, tcerrors.StorageError("failed to iterate deleted captures", err)
		}
	}
	return out, nil
}

// List returns up to limit live captures with Seq > afterSeq, in Seq order.
// limit <= 0 returns all of them.
func (r *Registry) List(ctx context.Context, afterSeq int64, limit int) ([]*capture.Capture, error) {
	if limit <= 0 {
		limit = -1
	}
	return r.queryCaptures(ctx,
		`SELECT `+captureColumns+` FROM captures WHERE state = 'live' AND seq > ? ORDER BY seq LIMIT ?`,
		afterSeq, limit)
}

func (r *Registry) queryCaptures(ctx context.Context, query string, args ...any) ([]*capture.Capture, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, tcerrors.StorageError("failed to query captures", err)
	}
	defer rows.Close()

	var out []*capture.Capture
	for rows.Next() {
		c, _, err := scanCapture(rows)
		if err != nil {
			return nil, tcerrors.StorageError("failed to scan capture", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, tcerrors.StorageError("failed to iterate captures", err)
	}
	return out, nil
}

// Count returns the number of live captures.
func (r *Registry) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM captures WHERE state = 'live'`).Scan(&n); err != nil {
		return 0, tcerrors.StorageError("failed to count captures", err)
	}
	return n, nil
}

// ReferencedFingerprints returns every fingerprint still referenced by a
// record, including records whose delete is pending.
func (r *Registry) ReferencedFingerprints(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT fingerprint FROM captures`)
	if err != nil {
		return nil, tcerrors.StorageError("failed to read fingerprints", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var fp string
		if err := rows.Scan(&fp); err != nil {
			return nil, tcerrors.StorageError("failed to scan fingerprint", err)
		}
		out[fp] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, tcerrors.StorageError("failed to iterate fingerprints", err)
	}
	return out, nil
}

// Stats summarizes the registry.
type Stats struct {
	Total          int
	ByKind         map[capture.Kind]int
	WithEmbedding  int
	Clustered      int
	Epoch          int64
	PendingDeletes int
	Events         int
	RetiredIDs     int
}

// Stats returns counts of live captures by kind and other bookkeeping numbers.
func (r *Registry) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{ByKind: make(map[capture.Kind]int)}

	rows, err := r.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM captures WHERE state = 'live' GROUP BY kind`)
	if err != nil {
		return nil, tcerrors.StorageError("failed to read stats", err)
	}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			_ = rows.Close()
			return nil, tcerrors.StorageError("failed to scan stats", err)
		}
		st.ByKind[capture.Kind(kind)] = n
		st.Total += n
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, tcerrors.StorageError("failed to read stats", err)
	}

	epoch, err := r.CurrentEpoch(ctx)
	if err != nil {
		return nil, err
	}
	st.Epoch = epoch

	err = r.db.QueryRowContext(ctx, `
		SELECT
		  (SELECT COUNT(*) FROM captures WHERE state = 'live' AND embedding IS NOT NULL),
		  (SELECT COUNT(*) FROM captures WHERE state = 'live' AND cluster_id != '' AND cluster_epoch = ?),
		  (SELECT COUNT(*) FROM captures WHERE state = 'deleting'),
		  (SELECT COUNT(*) FROM events),
		  (SELECT COUNT(*) FROM retired_ids)`, epoch).
		Scan(&st.WithEmbedding, &st.Clustered, &st.PendingDeletes, &st.Events, &st.RetiredIDs)
	if err != nil {
		return nil, tcerrors.StorageError("failed to read stats", err)
	}
	return st, nil
}

func sortBySeq(cs []*capture.Capture) {
	slices.SortFunc(cs, func(a, b *capture.Capture) int { return cmp.Compare(a.Seq, b.Seq) })
}
