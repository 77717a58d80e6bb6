package vault

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	"github.com/Aman-CERP/tonecapture/internal/config"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/query"
)

func testConfig(dir string) *config.Config {
	cfg := config.NewConfig()
	cfg.Vector.Dimension = 4
	cfg.Cluster.K = 2
	cfg.Cluster.Workers = 2
	cfg.Events.InitialBackoff = "1ms"
	cfg.Events.MaxBackoff = "1ms"
	cfg.Events.MaxRetries = 1
	cfg.Events.PruneKeep = 0
	if dir == "" {
		cfg.Storage.InMemory = true
	} else {
		cfg.Storage.DataDir = filepath.Join(dir, config.DataDirName)
	}
	return cfg
}

func openMemory(t *testing.T) *Vault {
	t.Helper()
	v, err := Open(context.Background(), testConfig(""))
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	return v
}

func ir(path, mic string, vec ...float32) capture.NewCapture {
	nc := capture.NewCapture{
		Kind:       capture.KindImpulseResponse,
		Attributes: capture.Attributes{"microphone": capture.Strings(mic)},
		Path:       path,
	}
	if len(vec) > 0 {
		nc.Embedding = vec
	}
	return nc
}

func TestAdd_StoresBytesOnceAndIndexes(t *testing.T) {
	// Given: an empty in-memory vault
	v := openMemory(t)
	ctx := context.Background()

	// When: the same bytes are added under two paths
	a, err := v.Add(ctx, []byte("RIFF-a"), ir("/irs/a.wav", "SM57", 1, 0, 0, 0))
	require.NoError(t, err)
	b, err := v.Add(ctx, []byte("RIFF-a"), ir("/irs/b.wav", "R121"))
	require.NoError(t, err)

	// Then: both captures share one blob and are immediately queryable
	assert.Equal(t, capture.FingerprintOf([]byte("RIFF-a")), a.Fingerprint)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)
	usage, err := v.Blobs().Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, usage.Blobs)

	data, err := v.Read(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF-a"), data)

	pred, err := v.ParseFilter("microphone=R121")
	require.NoError(t, err)
	res, err := v.Find(ctx, query.Request{Filter: pred})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, b.ID, res[0].Capture.ID)
	assert.True(t, v.Vectors().Has(a.ID))
	assert.False(t, v.Vectors().Has(b.ID))
}

func TestFind_HybridExample(t *testing.T) {
	v := openMemory(t)
	ctx := context.Background()
	a, err := v.Add(ctx, []byte("a"), ir("/irs/a.wav", "SM57", 0.9, 0.1, 0, 0))
	require.NoError(t, err)
	_, err = v.Add(ctx, []byte("b"), capture.NewCapture{
		Kind:       capture.KindNAMCapture,
		Attributes: capture.Attributes{"amplifier": capture.Strings("Marshall")},
		Embedding:  []float32{0.9, 0.1, 0, 0},
		Path:       "/nam/b.nam",
	})
	require.NoError(t, err)

	pred, err := v.ParseFilter("kind=ImpulseResponse")
	require.NoError(t, err)
	res, err := v.Find(ctx, query.Request{Filter: pred, Vector: a.Embedding, K: 5})

	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, a.ID, res[0].Capture.ID)
}

func TestAdd_ValidatesEmbeddings(t *testing.T) {
	v := openMemory(t)
	ctx := context.Background()

	// A wrong dimension is a validation failure that still names the mismatch
	_, err := v.Add(ctx, []byte("RIFF-short"), ir("/irs/short.wav", "SM57", 1, 0))
	require.Error(t, err)
	assert.True(t, tcerrors.IsValidation(err), "unexpected error: %v", err)
	assert.True(t, tcerrors.IsDimension(err))

	// A zero vector is a valid embedding
	for _, metric := range []string{"cosine", "euclidean"} {
		t.Run(metric, func(t *testing.T) {
			cfg := testConfig("")
			cfg.Vector.Metric = metric
			mv, err := Open(ctx, cfg)
			require.NoError(t, err)
			defer func() { _ = mv.Close() }()

			c, err := mv.Add(ctx, []byte("RIFF-silence"), ir("/irs/silence.wav", "SM57", 0, 0, 0, 0))
			require.NoError(t, err)
			assert.True(t, mv.Vectors().Has(c.ID))
		})
	}
}

func TestUpdateAndDelete(t *testing.T) {
	v := openMemory(t)
	ctx := context.Background()
	c, err := v.Add(ctx, []byte("x"), ir("/irs/x.wav", "SM57"))
	require.NoError(t, err)

	notes := "close miced"
	got, err := v.Update(ctx, c.ID, capture.Patch{Notes: &notes, Embedding: []float32{0, 1, 0, 0}})
	require.NoError(t, err)
	assert.Equal(t, notes, got.Notes)
	assert.True(t, v.Vectors().Has(c.ID))

	require.NoError(t, v.Delete(ctx, c.ID))
	_, err = v.Get(ctx, c.ID)
	assert.True(t, tcerrors.IsNotFound(err))
	assert.False(t, v.Vectors().Has(c.ID))
	_, err = v.Read(ctx, c.ID)
	assert.True(t, tcerrors.IsNotFound(err))
}

func TestConcurrent_MutationsSearchesAndClustering(t *testing.T) {
	// Given: a vault seeded with enough vectors to cluster
	v := openMemory(t)
	ctx := context.Background()
	for i, vec := range [][]float32{{1, 0, 0, 0}, {0, 1, 0, 0}, {0, 0, 1, 0}, {0, 0, 0, 1}} {
		_, err := v.Add(ctx, []byte(fmt.Sprintf("seed-%d", i)), ir(fmt.Sprintf("/irs/seed-%d.wav", i), "SM57", vec...))
		require.NoError(t, err)
	}

	// When: writers add and delete while searchers query and clustering reruns
	const writers, perWriter = 4, 20
	var kept atomic.Int64
	var done atomic.Bool
	var g errgroup.Group
	var w errgroup.Group
	for n := range writers {
		w.Go(func() error {
			for i := range perWriter {
				vec := []float32{float32(n + 1), float32(i + 1), 1, 0}
				c, err := v.Add(ctx, []byte(fmt.Sprintf("w%d-%d", n, i)), ir(fmt.Sprintf("/irs/w%d-%d.wav", n, i), "SM57", vec...))
				if err != nil {
					return fmt.Errorf("add: %w", err)
				}
				if i%2 == 1 {
					if err := v.Delete(ctx, c.ID); err != nil {
						return fmt.Errorf("delete: %w", err)
					}
					continue
				}
				kept.Add(1)
			}
			return nil
		})
	}
	for range 2 {
		g.Go(func() error {
			for !done.Load() {
				res, err := v.Find(ctx, query.Request{Vector: []float32{1, 1, 1, 0}, K: 5})
				if err != nil {
					return fmt.Errorf("find: %w", err)
				}
				if len(res) > 5 {
					return fmt.Errorf("find returned %d results for k=5", len(res))
				}
				for i := 1; i < len(res); i++ {
					if *res[i].Distance < *res[i-1].Distance {
						return fmt.Errorf("results out of order at %d", i)
					}
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		var last int64
		for !done.Load() {
			res, err := v.Clusters().Recompute(ctx)
			if err != nil {
				return fmt.Errorf("recompute: %w", err)
			}
			if res.Epoch <= last {
				return fmt.Errorf("epoch %d after %d", res.Epoch, last)
			}
			last = res.Epoch
		}
		return nil
	})
	werr := w.Wait()
	done.Store(true)

	// Then: nothing failed and exactly the surviving captures remain
	require.NoError(t, werr)
	require.NoError(t, g.Wait())
	st, err := v.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4+int(kept.Load()), st.Registry.Total)
	assert.Equal(t, st.Registry.Total, st.Vectors.Vectors)
	assert.Equal(t, st.Registry.Total, st.Filtered)
}

func TestConcurrent_UpdatesOfOneCaptureAreLinearizable(t *testing.T) {
	// Given: one capture
	v := openMemory(t)
	ctx := context.Background()
	c, err := v.Add(ctx, []byte("shared"), ir("/irs/shared.wav", "SM57", 1, 0, 0, 0))
	require.NoError(t, err)

	// When: many goroutines set the microphone at once
	const n = 8
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			_, err := v.Update(ctx, c.ID, capture.Patch{
				SetAttributes: capture.Attributes{"microphone": capture.Strings(fmt.Sprintf("M%d", i))},
			})
			return err
		})
	}
	require.NoError(t, g.Wait())

	// Then: the filter index agrees with the last write the registry kept
	got, err := v.Get(ctx, c.ID)
	require.NoError(t, err)
	final := got.Attributes["microphone"]
	require.Len(t, final, 1)
	for i := range n {
		mic := fmt.Sprintf("M%d", i)
		pred, err := v.ParseFilter("microphone=" + mic)
		require.NoError(t, err)
		res, err := v.Find(ctx, query.Request{Filter: pred})
		require.NoError(t, err)
		if final[0].Equal(capture.String(mic)) {
			require.Len(t, res, 1, mic)
			assert.Equal(t, c.ID, res[0].Capture.ID)
		} else {
			assert.Empty(t, res, mic)
		}
	}
}

func TestReplace_SwapsContent(t *testing.T) {
	v := openMemory(t)
	ctx := context.Background()
	c, err := v.Add(ctx, []byte("take 1"), ir("/irs/r.wav", "SM57"))
	require.NoError(t, err)

	got, err := v.Replace(ctx, c.ID, []byte("take 2"), capture.Patch{})
	require.NoError(t, err)

	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, capture.FingerprintOf([]byte("take 2")), got.Fingerprint)
	data, err := v.Read(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("take 2"), data)

	res, err := v.GC(ctx, GCOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sweep.Removed)
}

func TestGC_RemovesUnreferencedBlobsOnly(t *testing.T) {
	// Given: two captures sharing a blob and one with its own
	v := openMemory(t)
	ctx := context.Background()
	shared1, err := v.Add(ctx, []byte("shared"), ir("/irs/s1.wav", "SM57"))
	require.NoError(t, err)
	_, err = v.Add(ctx, []byte("shared"), ir("/irs/s2.wav", "SM57"))
	require.NoError(t, err)
	own, err := v.Add(ctx, []byte("own"), ir("/irs/own.wav", "SM57"))
	require.NoError(t, err)

	// When: one sharer and the sole owner are deleted
	require.NoError(t, v.Delete(ctx, shared1.ID))
	require.NoError(t, v.Delete(ctx, own.ID))
	res, err := v.GC(ctx, GCOptions{})

	// Then: only the unreferenced blob is gone
	require.NoError(t, err)
	assert.Equal(t, 2, res.Sweep.Scanned)
	assert.Equal(t, 1, res.Sweep.Removed)
	ok, err := v.Blobs().Has(ctx, own.Fingerprint)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = v.Blobs().Has(ctx, shared1.Fingerprint)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Positive(t, res.EventsPruned)
}

func TestCheck_DetectsAndRepairsIndexDrift(t *testing.T) {
	v := openMemory(t)
	ctx := context.Background()
	c, err := v.Add(ctx, []byte("c"), ir("/irs/c.wav", "SM57", 1, 1, 0, 0))
	require.NoError(t, err)

	res, err := v.Check(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 1, res.Checked)

	// Given: the vector index lost an entry behind the registry's back
	v.Vectors().Remove(c.ID)

	// When: checking
	res, err = v.Check(ctx)

	// Then: the drift is reported and a repair rebuilds the index
	require.NoError(t, err)
	require.Len(t, res.Inconsistencies, 1)
	assert.Equal(t, InconsistencyMissingVector, res.Inconsistencies[0].Type)
	assert.Equal(t, "missing_vector", res.Inconsistencies[0].Type.String())

	rep, err := v.Repair(ctx, res)
	require.NoError(t, err)
	assert.Equal(t, []string{"vector"}, rep.Rebuilt)
	assert.Empty(t, rep.Unrepairable)
	assert.True(t, v.Vectors().Has(c.ID))

	res, err = v.Check(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK())
}

func TestCheck_MissingBlobIsUnrepairable(t *testing.T) {
	v := openMemory(t)
	ctx := context.Background()
	c, err := v.Add(ctx, []byte("gone"), ir("/irs/gone.wav", "SM57"))
	require.NoError(t, err)
	_, err = v.Blobs().Sweep(ctx, func(string) bool { return false })
	require.NoError(t, err)

	_, err = v.Read(ctx, c.ID)
	assert.True(t, tcerrors.IsConsistency(err))

	res, err := v.Check(ctx)
	require.NoError(t, err)
	require.Len(t, res.Inconsistencies, 1)
	assert.Equal(t, InconsistencyMissingBlob, res.Inconsistencies[0].Type)

	rep, err := v.Repair(ctx, res)
	require.NoError(t, err)
	assert.Empty(t, rep.Rebuilt)
	assert.Len(t, rep.Unrepairable, 1)
}

func TestOpen_LocksDataDirAndReopens(t *testing.T) {
	// Given: a file-backed vault holding one capture
	dir := t.TempDir()
	ctx := context.Background()
	v, err := Open(ctx, testConfig(dir))
	require.NoError(t, err)
	c, err := v.Add(ctx, []byte("persisted"), ir("/irs/p.wav", "MD421", 0, 0, 1, 0))
	require.NoError(t, err)

	// When: a second vault opens the same directory
	_, err = Open(ctx, testConfig(dir))

	// Then: it is refused while the first is open
	require.Error(t, err)
	assert.Equal(t, tcerrors.ErrCodeDataDirLocked, tcerrors.GetCode(err))
	require.NoError(t, v.Close())

	// And after closing, a reopen rebuilds both indexes from the registry
	v2, err := Open(ctx, testConfig(dir))
	require.NoError(t, err)
	t.Cleanup(func() { _ = v2.Close() })

	res, err := v2.Find(ctx, query.Request{Vector: []float32{0, 0, 1, 0}, K: 1})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, c.ID, res[0].Capture.ID)
	data, err := v2.Read(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), data)
}

func TestOpen_RejectsChangedDimension(t *testing.T) {
	dir := t.TempDir()
	v, err := Open(context.Background(), testConfig(dir))
	require.NoError(t, err)
	require.NoError(t, v.Close())

	cfg := testConfig(dir)
	cfg.Vector.Dimension = 8
	_, err = Open(context.Background(), cfg)

	assert.Equal(t, tcerrors.ErrCodeConfigInvalid, tcerrors.GetCode(err))

	// The failed open released the lock.
	v, err = Open(context.Background(), testConfig(dir))
	require.NoError(t, err)
	require.NoError(t, v.Close())
}

func TestClustersAndStats(t *testing.T) {
	v := openMemory(t)
	ctx := context.Background()
	for i, vec := range [][]float32{{1, 0, 0, 0}, {0.99, 0.01, 0, 0}, {0, 0, 1, 0}, {0, 0, 0.98, 0.02}} {
		_, err := v.Add(ctx, []byte{byte(i)}, ir(filepath.Join("/irs", string(rune('a'+i))+".wav"), "SM57", vec...))
		require.NoError(t, err)
	}

	res, err := v.Clusters().Recompute(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Clusters, 2)

	st, err := v.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Registry.Total)
	assert.Equal(t, 4, st.Registry.Clustered)
	assert.Equal(t, int64(1), st.Registry.Epoch)
	assert.Equal(t, 4, st.Blobs.Blobs)
	assert.Equal(t, 4, st.Vectors.Vectors)
	assert.Equal(t, 4, st.Filtered)
	assert.Equal(t, "bitmap", st.FilterIndex)
	require.Len(t, st.Subscribers, 2)
	for _, s := range st.Subscribers {
		assert.NoError(t, s.Degraded)
	}
}

func TestFileLock(t *testing.T) {
	dir := t.TempDir()
	first := NewFileLock(dir)
	require.NoError(t, first.TryLock())

	second := NewFileLock(dir)
	err := second.TryLock()
	assert.Equal(t, tcerrors.ErrCodeDataDirLocked, tcerrors.GetCode(err))

	require.NoError(t, first.Unlock())
	require.NoError(t, first.Unlock())
	require.NoError(t, second.TryLock())
	require.NoError(t, second.Unlock())
	assert.Equal(t, filepath.Join(dir, LockFileName), first.Path())
}
