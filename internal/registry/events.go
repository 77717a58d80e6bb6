package registry

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

// Op is the kind of change an event records.
type Op string

const (
	OpUpsert Op = "upsert"
	OpRemove Op = "remove"
)

// Event is one entry of the registry change log. Upsert events carry a full
// snapshot of the capture, so applying an event never reads the registry.
type Event struct {
	Seq     int64
	Op      Op
	ID      string
	Capture *capture.Capture
	At      time.Time
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// appendEvent writes an event inside tx and stamps the capture row with its seq.
func appendEvent(ctx context.Context, tx execer, op Op, id string, snap *capture.Capture, at time.Time) (int64, error) {
	payload, err := encodeSnapshot(snap)
	if err != nil {
		return 0, tcerrors.InternalError("failed to encode event", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (op, capture_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(op), id, payload, toNanos(at))
	if err != nil {
		return 0, tcerrors.StorageError("failed to append event", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, tcerrors.StorageError("failed to read event seq", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE captures SET version = ? WHERE id = ?`, seq, id); err != nil {
		return 0, tcerrors.StorageError("failed to stamp capture version", err)
	}
	return seq, nil
}

// eventsAfter returns up to limit events with seq > after, in log order.
func (r *Registry) eventsAfter(ctx context.Context, after int64, limit int) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT seq, op, capture_id, payload, created_at FROM events WHERE seq > ? ORDER BY seq LIMIT ?`,
		after, limit)
	if err != nil {
		return nil, tcerrors.StorageError("failed to read events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			op      string
			payload sql.NullString
			at      int64
		)
		if err := rows.Scan(&ev.Seq, &op, &ev.ID, &payload, &at); err != nil {
			return nil, tcerrors.StorageError("failed to scan event", err)
		}
		ev.Op = Op(op)
		ev.At = fromNanos(at)
		if ev.Capture, err = decodeSnapshot(payload); err != nil {
			return nil, tcerrors.New(tcerrors.ErrCodeCorruptStore, "corrupt event payload", err).
				WithDetail("seq", strconv.FormatInt(ev.Seq, 10))
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, tcerrors.StorageError("failed to iterate events", err)
	}
	return out, nil
}

// snapshot returns every live capture as a synthetic upsert event together with
// the log position it is consistent with. Both are read in one transaction.
func (r *Registry) snapshot(ctx context.Context) ([]Event, int64, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, tcerrors.StorageError("failed to begin snapshot", err)
	}
	defer func() { _ = tx.Rollback() }()

	var head int64
	if err := tx.QueryRowContext(ctx, headQuery).Scan(&head); err != nil {
		return nil, 0, tcerrors.StorageError("failed to read event head", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+captureColumns+` FROM captures WHERE state = 'live' ORDER BY seq`)
	if err != nil {
		return nil, 0, tcerrors.StorageError("failed to read captures", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		c, version, err := scanCapture(rows)
		if err != nil {
			return nil, 0, tcerrors.StorageError("failed to scan capture", err)
		}
		out = append(out, Event{Seq: version, Op: OpUpsert, ID: c.ID, Capture: c, At: c.UpdatedAt})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, tcerrors.StorageError("failed to iterate captures", err)
	}
	return out, head, nil
}

// headQuery reads the autoincrement counter, which survives pruning.
const headQuery = `SELECT COALESCE((SELECT seq FROM sqlite_sequence WHERE name = 'events'), 0)`

// headSeq returns the newest event seq, 0 when the log is empty.
func (r *Registry) headSeq(ctx context.Context) (int64, error) {
	var head int64
	if err := r.db.QueryRowContext(ctx, headQuery).Scan(&head); err != nil {
		return 0, tcerrors.StorageError("failed to read event head", err)
	}
	return head, nil
}

// pruneEvents deletes events with seq <= upTo.
func (r *Registry) pruneEvents(ctx context.Context, upTo int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE seq <= ?`, upTo)
	if err != nil {
		return 0, tcerrors.StorageError("failed to prune events", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
