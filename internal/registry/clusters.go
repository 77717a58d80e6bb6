package registry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

// CurrentEpoch returns the committed clustering epoch, 0 before the first run.
func (r *Registry) CurrentEpoch(ctx context.Context) (int64, error) {
	return currentEpoch(ctx, r.db)
}

func currentEpoch(ctx context.Context, q querier) (int64, error) {
	var epoch int64
	if err := q.QueryRowContext(ctx, `SELECT value FROM state WHERE key = 'epoch'`).Scan(&epoch); err != nil {
		return 0, tcerrors.StorageError("failed to read epoch", err)
	}
	return epoch, nil
}

// Clusters returns the clusters of the current epoch ordered by id.
func (r *Registry) Clusters(ctx context.Context) ([]capture.Cluster, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.epoch, c.id, c.centroid, c.member_count FROM clusters c
		JOIN state s ON s.key = 'epoch' AND c.epoch = s.value
		ORDER BY c.id`)
	if err != nil {
		return nil, tcerrors.StorageError("failed to read clusters", err)
	}
	defer rows.Close()

	var out []capture.Cluster
	for rows.Next() {
		var (
			cl       capture.Cluster
			centroid []byte
		)
		if err := rows.Scan(&cl.Epoch, &cl.ID, &centroid, &cl.MemberCount); err != nil {
			return nil, tcerrors.StorageError("failed to scan cluster", err)
		}
		if cl.Centroid, err = decodeVector(centroid); err != nil {
			return nil, tcerrors.New(tcerrors.ErrCodeCorruptStore, "corrupt cluster centroid", err).WithDetail("cluster", cl.ID)
		}
		out = append(out, cl)
	}
	if err := rows.Err(); err != nil {
		return nil, tcerrors.StorageError("failed to iterate clusters", err)
	}
	return out, nil
}

// ApplyClustering commits a clustering run in one transaction: the cluster
// rows, every capture's assignment and the new epoch. epoch must be exactly
// one past the current epoch. Captures absent from assignments become
// unclustered. Assignments naming captures that no longer exist are ignored.
func (r *Registry) ApplyClustering(ctx context.Context, epoch int64, clusters []capture.Cluster, assignments map[string]string) (*Ack, error) {
	known := make(map[string]struct{}, len(clusters))
	for _, cl := range clusters {
		if cl.ID == "" {
			return nil, tcerrors.ValidationError("cluster id is empty", nil)
		}
		if len(cl.Centroid) != r.dim {
			return nil, tcerrors.DimensionError(r.dim, len(cl.Centroid))
		}
		known[cl.ID] = struct{}{}
	}
	for id, clusterID := range assignments {
		if _, ok := known[clusterID]; !ok {
			return nil, tcerrors.ValidationError(fmt.Sprintf("capture %s assigned to unknown cluster %q", id, clusterID), nil)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, tcerrors.StorageError("failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	current, err := currentEpoch(ctx, tx)
	if err != nil {
		return nil, err
	}
	if epoch != current+1 {
		return nil, tcerrors.ConsistencyError(
			fmt.Sprintf("clustering epoch %d does not follow current epoch %d", epoch, current), nil)
	}

	changed, err := r.clusterChanges(ctx, tx, epoch, assignments)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	var lastSeq int64
	for _, c := range changed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE captures SET cluster_id = ?, cluster_epoch = ? WHERE id = ?`,
			c.ClusterID, c.ClusterEpoch, c.ID); err != nil {
			return nil, tcerrors.StorageError("failed to assign cluster", err).WithDetail("id", c.ID)
		}
		if lastSeq, err = appendEvent(ctx, tx, OpUpsert, c.ID, c, now); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM clusters`); err != nil {
		return nil, tcerrors.StorageError("failed to clear clusters", err)
	}
	for _, cl := range clusters {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO clusters (epoch, id, centroid, member_count) VALUES (?, ?, ?, ?)`,
			epoch, cl.ID, encodeVector(cl.Centroid), cl.MemberCount); err != nil {
			return nil, tcerrors.StorageError("failed to insert cluster", err).WithDetail("cluster", cl.ID)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE state SET value = ? WHERE key = 'epoch'`, epoch); err != nil {
		return nil, tcerrors.StorageError("failed to advance epoch", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, tcerrors.StorageError("failed to commit clustering", err)
	}

	r.metrics.Mutation("cluster")
	r.logger.Info("clustering applied",
		slog.Int64("epoch", epoch), slog.Int("clusters", len(clusters)), slog.Int("changed", len(changed)))
	if lastSeq == 0 {
		return &Ack{}, nil
	}
	r.bus.notify()
	return &Ack{bus: r.bus, Seq: lastSeq}, nil
}

// clusterChanges loads the live captures whose stored assignment differs
// from the new one and returns them with the new assignment applied.
func (r *Registry) clusterChanges(ctx context.Context, tx *sql.Tx, epoch int64, assignments map[string]string) ([]*capture.Capture, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+captureColumns+` FROM captures WHERE state = 'live' ORDER BY seq`)
	if err != nil {
		return nil, tcerrors.StorageError("failed to read captures", err)
	}
	defer rows.Close()

	var changed []*capture.Capture
	for rows.Next() {
		c, _, err := scanCapture(rows)
		if err != nil {
			return nil, tcerrors.StorageError("failed to scan capture", err)
		}
		clusterID, assigned := assignments[c.ID]
		switch {
		case assigned:
			c.ClusterID, c.ClusterEpoch = clusterID, epoch
		case c.ClusterID != "" || c.ClusterEpoch != 0:
			c.ClusterID, c.ClusterEpoch = "", 0
		default:
			continue
		}
		changed = append(changed, c)
	}
	if err := rows.Err(); err != nil {
		return nil, tcerrors.StorageError("failed to iterate captures", err)
	}
	return changed, nil
}
