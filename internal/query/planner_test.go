package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
	"github.com/Aman-CERP/tonecapture/internal/filter"
	"github.com/Aman-CERP/tonecapture/internal/registry"
	"github.com/Aman-CERP/tonecapture/internal/telemetry"
	"github.com/Aman-CERP/tonecapture/internal/vector"
)

const dim = 4

type fixture struct {
	reg     *registry.Registry
	filter  *filter.Index
	vectors *vector.Index
	metrics *telemetry.Metrics
	planner *Planner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	reg, err := registry.Open(registry.Options{
		Dimension: dim,
		Retry:     tcerrors.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	fi, err := filter.New(filter.BackendBitmap, nil)
	require.NoError(t, err)
	vi, err := vector.New(vector.Options{Dimension: dim, Metric: vector.Cosine, Seed: 1})
	require.NoError(t, err)
	require.NoError(t, reg.Subscribe(ctx, fi))
	require.NoError(t, reg.Subscribe(ctx, vi))

	m := telemetry.New()
	p, err := New(reg, fi, vi, WithMetrics(m))
	require.NoError(t, err)
	return &fixture{reg: reg, filter: fi, vectors: vi, metrics: m, planner: p}
}

func (f *fixture) register(t *testing.T, nc capture.NewCapture) string {
	t.Helper()
	ctx := context.Background()
	id, ack, err := f.reg.Register(ctx, nc)
	require.NoError(t, err)
	require.NoError(t, ack.Wait(ctx))
	return id
}

func capt(name string, kind capture.Kind, attrs capture.Attributes, emb ...float32) capture.NewCapture {
	nc := capture.NewCapture{
		Fingerprint: capture.FingerprintOf([]byte(name)),
		Kind:        kind,
		Attributes:  attrs,
		Path:        "/archive/" + name,
	}
	if len(emb) > 0 {
		nc.Embedding = emb
	}
	return nc
}

func ids(results []Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Capture.ID
	}
	return out
}

func TestFind_FilterExcludesCloseEmbedding(t *testing.T) {
	// Given: an SM57 impulse response and a Marshall NAM capture
	f := newFixture(t)
	embA := []float32{0.1, 0.2, 0.3, 0.4}
	a := f.register(t, capt("a.wav", capture.KindImpulseResponse,
		capture.Attributes{"microphone": capture.Strings("SM57")}, embA...))
	f.register(t, capt("b.nam", capture.KindNAMCapture,
		capture.Attributes{"amplifier": capture.Strings("Marshall")}, 0.9, 0.8, 0.7, 0.6))

	// When: filtering to impulse responses while searching near A
	results, err := f.planner.Find(context.Background(), Request{
		Filter: filter.Eq(capture.AttrKind, capture.String(string(capture.KindImpulseResponse))),
		Vector: embA,
		K:      5,
	})

	// Then: exactly A, at distance zero
	require.NoError(t, err)
	assert.Equal(t, []string{a}, ids(results))
	require.NotNil(t, results[0].Distance)
	assert.InDelta(t, 0, *results[0].Distance, 1e-5)
	assert.Equal(t, 1.0, sample(t, f.metrics, "tonecapture_query_total{mode=hybrid}"))
}

func sample(t *testing.T, m *telemetry.Metrics, key string) float64 {
	t.Helper()
	samples, err := m.Snapshot()
	require.NoError(t, err)
	for _, s := range samples {
		if s.Name+s.Labels == key {
			return s.Value
		}
	}
	return 0
}

func TestFind_FilterOnlyInInsertionOrder(t *testing.T) {
	f := newFixture(t)
	sm57 := capture.Attributes{"microphone": capture.Strings("SM57")}
	first := f.register(t, capt("1.wav", capture.KindImpulseResponse, sm57))
	f.register(t, capt("2.wav", capture.KindImpulseResponse, capture.Attributes{"microphone": capture.Strings("MD421")}))
	third := f.register(t, capt("3.wav", capture.KindImpulseResponse, sm57))
	fourth := f.register(t, capt("4.wav", capture.KindImpulseResponse, sm57))

	pred := filter.Eq("microphone", capture.String("SM57"))
	results, err := f.planner.Find(context.Background(), Request{Filter: pred})
	require.NoError(t, err)
	assert.Equal(t, []string{first, third, fourth}, ids(results))
	assert.Nil(t, results[0].Distance)

	results, err = f.planner.Find(context.Background(), Request{Filter: pred, K: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{first, third}, ids(results))

	all, err := f.planner.Find(context.Background(), Request{})
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestFind_EmptyCandidateSetNeverFallsBack(t *testing.T) {
	f := newFixture(t)
	f.register(t, capt("a.wav", capture.KindImpulseResponse, nil, 1, 0, 0, 0))

	results, err := f.planner.Find(context.Background(), Request{
		Filter: filter.Eq("microphone", capture.String("R121")),
		Vector: []float32{1, 0, 0, 0},
	})

	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Contains(t, f.metrics.RecentEmptyQueries(), "microphone=R121 near <4-dim vector>")
	assert.Equal(t, 1.0, sample(t, f.metrics, "tonecapture_query_empty_total{mode=hybrid}"))
}

func TestFind_SimilarityOrderAndMaxDistance(t *testing.T) {
	f := newFixture(t)
	near := f.register(t, capt("near", capture.KindOther, nil, 1, 0.1, 0, 0))
	mid := f.register(t, capt("mid", capture.KindOther, nil, 1, 1, 0, 0))
	far := f.register(t, capt("far", capture.KindOther, nil, 0, 0, 0, 1))
	f.register(t, capt("no-embedding", capture.KindOther, nil))

	results, err := f.planner.Find(context.Background(), Request{Vector: []float32{1, 0, 0, 0}})
	require.NoError(t, err)
	assert.Equal(t, []string{near, mid, far}, ids(results))
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, *results[i-1].Distance, *results[i].Distance)
	}

	maxD := float32(0.5)
	results, err = f.planner.Find(context.Background(), Request{Vector: []float32{1, 0, 0, 0}, MaxDistance: &maxD})
	require.NoError(t, err)
	assert.Equal(t, []string{near, mid}, ids(results))
}

func TestFind_LikeID(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, capt("a", capture.KindOther, nil, 1, 0, 0, 0))
	b := f.register(t, capt("b", capture.KindOther, nil, 0.9, 0.1, 0, 0))
	bare := f.register(t, capt("bare", capture.KindOther, nil))
	ctx := context.Background()

	results, err := f.planner.Find(ctx, Request{LikeID: a, K: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, ids(results))

	results, err = f.planner.Find(ctx, Request{LikeID: a, ExcludeSelf: true, K: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{b}, ids(results))

	_, err = f.planner.Find(ctx, Request{LikeID: bare})
	assert.True(t, tcerrors.IsInvalidQuery(err))

	_, err = f.planner.Find(ctx, Request{LikeID: "01HXXXXXXXXXXXXXXXXXXXXXXX"})
	assert.True(t, tcerrors.IsNotFound(err))
}

func TestFind_RejectsMalformedRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	neg := float32(-1)

	tests := []struct {
		name string
		req  Request
	}{
		{"negative k", Request{K: -1}},
		{"vector and like id", Request{Vector: []float32{1, 0, 0, 0}, LikeID: "x"}},
		{"negative max distance", Request{Vector: []float32{1, 0, 0, 0}, MaxDistance: &neg}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.planner.Find(ctx, tt.req)
			assert.True(t, tcerrors.IsInvalidQuery(err))
		})
	}

	_, err := f.planner.Find(ctx, Request{Vector: []float32{1, 0}})
	assert.True(t, tcerrors.IsDimension(err))
}

func TestRequest_Mode(t *testing.T) {
	assert.Equal(t, ModeFilter, Request{}.Mode())
	assert.Equal(t, ModeFilter, Request{Filter: filter.All()}.Mode())
	assert.Equal(t, ModeSimilarity, Request{LikeID: "x"}.Mode())
	assert.Equal(t, ModeHybrid, Request{Filter: filter.All(), Vector: []float32{1}}.Mode())
}

// staleRecords forgets one id, as if the registry lost a record the indexes kept.
type staleRecords struct {
	Records
	forget string
}

func (s staleRecords) GetMany(ctx context.Context, ids []string) ([]*capture.Capture, error) {
	caps, err := s.Records.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := caps[:0]
	for _, c := range caps {
		if c.ID != s.forget {
			out = append(out, c)
		}
	}
	return out, nil
}

func TestFind_MissingRecordIsConsistencyError(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, capt("a", capture.KindOther, nil, 1, 0, 0, 0))
	f.register(t, capt("b", capture.KindOther, nil, 0, 1, 0, 0))
	p, err := New(staleRecords{Records: f.reg, forget: a}, f.filter, f.vectors)
	require.NoError(t, err)

	_, err = p.Find(context.Background(), Request{Vector: []float32{1, 0, 0, 0}})
	assert.True(t, tcerrors.IsConsistency(err))

	_, err = p.Find(context.Background(), Request{Filter: filter.All()})
	assert.True(t, tcerrors.IsConsistency(err))
}

// deletingRecords hides one id and reports it deleted, as when a Delete lands
// between the index lookup and the registry fetch.
type deletingRecords struct {
	staleRecords
}

func (d deletingRecords) Deleted(_ context.Context, ids []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, id := range ids {
		if id == d.forget {
			out[id] = true
		}
	}
	return out, nil
}

func TestFind_DropsCapturesDeletedMidQuery(t *testing.T) {
	// Given two indexed captures, one of which is deleted mid-query
	f := newFixture(t)
	a := f.register(t, capt("a", capture.KindOther, nil, 1, 0, 0, 0))
	b := f.register(t, capt("b", capture.KindOther, nil, 0, 1, 0, 0))
	p, err := New(deletingRecords{staleRecords{Records: f.reg, forget: a}}, f.filter, f.vectors)
	require.NoError(t, err)

	// When searching by vector and by filter
	similar, err := p.Find(context.Background(), Request{Vector: []float32{1, 0, 0, 0}})

	// Then the deleted capture is dropped without error
	require.NoError(t, err)
	assert.Equal(t, []string{b}, ids(similar))

	filtered, err := p.Find(context.Background(), Request{Filter: filter.All()})
	require.NoError(t, err)
	assert.Equal(t, []string{b}, ids(filtered))
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, nil, nil)
	assert.Error(t, err)
}
