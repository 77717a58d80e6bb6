package content

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/telemetry"
)

func openMem(t *testing.T, metrics *telemetry.Metrics) *Store {
	t.Helper()
	s, err := Open(Options{InMemory: true, Metrics: metrics})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPut_IsIdempotent(t *testing.T) {
	// Given: an empty store
	metrics := telemetry.New()
	s := openMem(t, metrics)
	ctx := context.Background()
	data := []byte("RIFF....WAVEfmt ")

	// When: the same bytes are put twice
	fp1, err := s.Put(ctx, data)
	require.NoError(t, err)
	fp2, err := s.Put(ctx, data)
	require.NoError(t, err)

	// Then: one blob, same fingerprint
	assert.Equal(t, fp1, fp2)
	assert.Equal(t, capture.FingerprintOf(data), fp1)
	u, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, Usage{Blobs: 1, Bytes: int64(len(data))}, u)

	samples, err := metrics.Snapshot()
	require.NoError(t, err)
	var dedup float64
	for _, smp := range samples {
		if smp.Name == "tonecapture_content_puts_total" && smp.Labels == "{outcome=deduplicated}" {
			dedup = smp.Value
		}
	}
	assert.Equal(t, 1.0, dedup)
}

func TestPut_ConcurrentSameBytes(t *testing.T) {
	s := openMem(t, nil)
	ctx := context.Background()
	data := bytes.Repeat([]byte{7}, 4096)

	var wg sync.WaitGroup
	fps := make([]string, 8)
	for i := range fps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fp, err := s.Put(ctx, data)
			assert.NoError(t, err)
			fps[i] = fp
		}(i)
	}
	wg.Wait()

	for _, fp := range fps {
		assert.Equal(t, fps[0], fp)
	}
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGet(t *testing.T) {
	s := openMem(t, nil)
	ctx := context.Background()
	fp, err := s.Put(ctx, []byte("nam model"))
	require.NoError(t, err)

	t.Run("returns stored bytes", func(t *testing.T) {
		got, err := s.Get(ctx, fp)
		require.NoError(t, err)
		assert.Equal(t, []byte("nam model"), got)

		// cached copy is not aliased
		got[0] = 'X'
		again, err := s.Get(ctx, fp)
		require.NoError(t, err)
		assert.Equal(t, []byte("nam model"), again)
	})

	t.Run("unknown fingerprint", func(t *testing.T) {
		_, err := s.Get(ctx, capture.FingerprintOf([]byte("nope")))
		assert.True(t, tcerrors.IsNotFound(err))
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.Get(cctx, fp)
		assert.True(t, tcerrors.IsCancelled(err))
	})
}

func TestHasAndList(t *testing.T) {
	s := openMem(t, nil)
	ctx := context.Background()
	a, _ := s.Put(ctx, []byte("a"))
	b, _ := s.Put(ctx, []byte("b"))

	ok, err := s.Has(ctx, a)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Has(ctx, capture.FingerprintOf([]byte("c")))
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := s.List(ctx)
	require.NoError(t, err)
	want := []string{a, b}
	if want[0] > want[1] {
		want[0], want[1] = want[1], want[0]
	}
	assert.Equal(t, want, list)
}

func TestSweep_RemovesOnlyUnreferenced(t *testing.T) {
	// Given: two blobs, one still referenced
	s := openMem(t, nil)
	ctx := context.Background()
	keep, _ := s.Put(ctx, []byte("keep"))
	drop, _ := s.Put(ctx, []byte("drop!"))
	_, err := s.Get(ctx, drop) // warm the cache
	require.NoError(t, err)

	// When: sweeping
	res, err := s.Sweep(ctx, func(fp string) bool { return fp == keep })

	// Then: only the orphan is gone, from disk and cache
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 2, Removed: 1, BytesFreed: 5}, res)
	_, err = s.Get(ctx, drop)
	assert.True(t, tcerrors.IsNotFound(err))
	got, err := s.Get(ctx, keep)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), got)
}

func TestVerify_CleanStore(t *testing.T) {
	s := openMem(t, nil)
	ctx := context.Background()
	_, _ = s.Put(ctx, []byte("one"))
	_, _ = s.Put(ctx, []byte("two"))

	corrupt, err := s.Verify(ctx)

	require.NoError(t, err)
	assert.Empty(t, corrupt)
}

func TestPersistentStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(Options{Dir: dir, SyncWrites: true, CacheEntries: -1})
	require.NoError(t, err)
	fp, err := s.Put(ctx, []byte("persist me"))
	require.NoError(t, err)
	runs, err := s.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, runs, 0)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	s2, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Get(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, []byte("persist me"), got)
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := Open(Options{})
	assert.True(t, tcerrors.IsValidation(err))
}

func TestCollectGarbage_InMemoryIsNoop(t *testing.T) {
	s := openMem(t, nil)
	runs, err := s.CollectGarbage(context.Background())
	require.NoError(t, err)
	assert.Zero(t, runs)
}

func TestGCRunner_StartStop(t *testing.T) {
	s, err := Open(Options{Dir: t.TempDir(), GCInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NotNil(t, s.gc)
	assert.NotPanics(t, func() { require.NoError(t, s.Close()) })
}
