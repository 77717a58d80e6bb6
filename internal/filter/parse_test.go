package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

func testSchema(t *testing.T) *capture.Schema {
	t.Helper()
	s, err := capture.NewSchema(false,
		capture.AttributeDef{Name: "sample_rate", Type: capture.TypeNumber},
		capture.AttributeDef{Name: "recorded_at", Type: capture.TypeDate},
		capture.AttributeDef{Name: "microphone", Type: capture.TypeString, Multi: true},
	)
	require.NoError(t, err)
	return s
}

func TestParse_MatchesBuiltPredicates(t *testing.T) {
	schema := testSchema(t)
	x, err := New(BackendBitmap, nil)
	require.NoError(t, err)
	for _, c := range corpus() {
		require.NoError(t, x.Index(c))
	}
	ctx := context.Background()

	tests := []struct {
		text string
		want []string
	}{
		{"", []string{"a", "b", "c", "d"}},
		{"*", []string{"a", "b", "c", "d"}},
		{"kind=ImpulseResponse", []string{"a", "b"}},
		{"kind=nam", []string{"c"}},
		{"microphone in (SM57, MD421) AND NOT sample_rate<48000", []string{"a"}},
		{"kind=ImpulseResponse AND microphone in (SM57, MD421) AND NOT sample_rate<44100", []string{"a", "b"}},
		{"sample_rate >= 48000", []string{"a", "c"}},
		{"sample_rate between 44100 and 48000", []string{"a", "b"}},
		{"recorded_at between 2023-01-01 and 2023-06-30", []string{"a"}},
		{"microphone != SM57", []string{"c", "d"}},
		{"amplifier='JCM800' or cluster=c1", []string{"b", "c"}},
		{"speaker=V30 and (kind=Other or manufacturer=\"Celestion\")", []string{"a"}},
		{"NOT (kind=ImpulseResponse OR kind=Other)", []string{"c"}},
		{"note = \"2023-01-01\"", []string{"d"}},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			p, err := Parse(tt.text, schema)
			require.NoError(t, err)

			got, err := x.Query(ctx, p)

			require.NoError(t, err)
			assert.Equal(t, NewIDSet(tt.want...).Sorted(), got.Sorted())
		})
	}
}

func TestParse_RoundTripsThroughString(t *testing.T) {
	schema := testSchema(t)
	texts := []string{
		"kind=ImpulseResponse AND microphone in (SM57, \"MD 421\")",
		"NOT sample_rate<44100 OR recorded_at>=2023-01-01",
		"sample_rate between 1 and 2",
	}
	for _, text := range texts {
		p, err := Parse(text, schema)
		require.NoError(t, err)
		again, err := Parse(p.String(), schema)
		require.NoError(t, err)
		assert.Equal(t, p.String(), again.String())
	}
}

func TestParse_InfersRangeTypesWithoutSchema(t *testing.T) {
	p, err := Parse("sample_rate < 44100", nil)
	require.NoError(t, err)
	assert.Equal(t, Below("sample_rate", capture.Number(44100), false), p)

	p, err = Parse("recorded_at > 2024-05-01", nil)
	require.NoError(t, err)
	assert.Equal(t, Above("recorded_at", date("2024-05-01"), false), p)

	_, err = Parse("microphone < SM57", nil)
	assert.True(t, tcerrors.IsInvalidQuery(err))
}

func TestParse_Errors(t *testing.T) {
	schema := testSchema(t)
	bad := []string{
		"kind",
		"kind=",
		"= SM57",
		"microphone in SM57",
		"microphone in (SM57",
		"(kind=Other",
		"kind=Other)",
		"kind=Other AND",
		"sample_rate=fast",
		"sample_rate between 1 2",
		"microphone ! SM57",
		"note=\"open",
		"and=1",
	}
	for _, text := range bad {
		t.Run(text, func(t *testing.T) {
			_, err := Parse(text, schema)
			require.Error(t, err)
			assert.True(t, tcerrors.IsInvalidQuery(err) || tcerrors.IsValidation(err), "got %v", err)
		})
	}
}
