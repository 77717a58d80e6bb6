package vault

import (
	"context"
	"log/slog"
	"time"

	"github.com/Aman-CERP/tonecapture/internal/content"
	"github.com/Aman-CERP/tonecapture/internal/vector"
)

// GCResult reports one maintenance pass.
type GCResult struct {
	Sweep content.SweepResult
	// ValueLogRewrites is the number of Badger value log files rewritten.
	ValueLogRewrites int
	EventsPruned     int64
	// Compacted is set when the vector graph was rebuilt to drop orphans.
	Compacted bool
	Vectors   vector.Stats
	Duration  time.Duration
}

// GCOptions tunes GC.
type GCOptions struct {
	// ForceCompact rebuilds the vector graph even below the orphan threshold.
	ForceCompact bool
}

// GC removes blobs no capture references, reclaims Badger value log space,
// prunes acknowledged events beyond events.prune_keep and compacts the
// vector graph.
func (v *Vault) GC(ctx context.Context, opts GCOptions) (*GCResult, error) {
	start := time.Now()
	res := &GCResult{}

	v.sweepMu.Lock()
	refs, err := v.registry.ReferencedFingerprints(ctx)
	if err == nil {
		res.Sweep, err = v.blobs.Sweep(ctx, func(fp string) bool {
			_, ok := refs[fp]
			return ok
		})
	}
	v.sweepMu.Unlock()
	if err != nil {
		return nil, err
	}

	if res.ValueLogRewrites, err = v.blobs.CollectGarbage(ctx); err != nil {
		return nil, err
	}
	if res.EventsPruned, err = v.registry.Bus().Prune(ctx, int64(v.cfg.Events.PruneKeep)); err != nil {
		return nil, err
	}
	res.Compacted = v.vectors.Compact(opts.ForceCompact)
	res.Vectors = v.vectors.Stats()
	res.Duration = time.Since(start)

	v.logger.Info("gc finished",
		slog.Int("blobs_removed", res.Sweep.Removed),
		slog.Int64("bytes_freed", res.Sweep.BytesFreed),
		slog.Int("vlog_rewrites", res.ValueLogRewrites),
		slog.Int64("events_pruned", res.EventsPruned),
		slog.Bool("compacted", res.Compacted),
		slog.Duration("duration", res.Duration))
	return res, nil
}
