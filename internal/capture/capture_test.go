package capture

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/tonecapture/internal/config"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"ImpulseResponse", KindImpulseResponse},
		{"ir", KindImpulseResponse},
		{"NAM", KindNAMCapture},
		{"namcapture", KindNAMCapture},
		{" other ", KindOther},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseKind("reverb")
	assert.True(t, tcerrors.IsValidation(err))
}

func TestKindForExtension(t *testing.T) {
	assert.Equal(t, KindNAMCapture, KindForExtension(".NAM"))
	assert.Equal(t, KindImpulseResponse, KindForExtension(".wav"))
	assert.Equal(t, KindOther, KindForExtension(".txt"))
}

func TestFingerprint(t *testing.T) {
	a := FingerprintOf([]byte("v30 sm57"))
	b := FingerprintOf([]byte("v30 sm57"))
	c := FingerprintOf([]byte("v30 md421"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a, "sha256:"))
	assert.True(t, ValidFingerprint(a))
	assert.False(t, ValidFingerprint("md5:abc"))
	assert.False(t, ValidFingerprint("sha256:xyz"))
	assert.False(t, ValidFingerprint(strings.ToUpper(a)))
}

func TestValidateEmbedding(t *testing.T) {
	assert.NoError(t, ValidateEmbedding([]float32{0.1, 0.2, 0.3}, 3))

	err := ValidateEmbedding([]float32{0.1, 0.2}, 3)
	assert.True(t, tcerrors.IsDimension(err))

	assert.NoError(t, ValidateEmbedding([]float32{0, 0, 0}, 3), "zero vectors are valid for euclidean")
	nan := float32(0)
	nan = nan / nan
	assert.True(t, tcerrors.IsValidation(ValidateEmbedding([]float32{1, nan, 0}, 3)))
}

func TestCapture_ClusterAt(t *testing.T) {
	c := &Capture{ClusterID: "c3", ClusterEpoch: 2}

	id, ok := c.ClusterAt(2)
	assert.True(t, ok)
	assert.Equal(t, "c3", id)

	_, ok = c.ClusterAt(3)
	assert.False(t, ok, "assignment from an older epoch reads as unclustered")

	_, ok = (&Capture{}).ClusterAt(0)
	assert.False(t, ok)
}

func TestCapture_CloneIsDeep(t *testing.T) {
	orig := &Capture{
		ID:         "01A",
		Attributes: Attributes{"microphone": Strings("SM57")},
		Embedding:  []float32{1, 2},
		Chain:      []Link{{Device: Device{Type: DeviceMicrophone, Name: "SM57"}}},
	}

	cp := orig.Clone()
	cp.Attributes["microphone"][0] = String("MD421")
	cp.Embedding[0] = 9
	cp.Chain[0].Device.Name = "R121"

	assert.Equal(t, "SM57", orig.Attributes["microphone"][0].Str())
	assert.Equal(t, float32(1), orig.Embedding[0])
	assert.Equal(t, "SM57", orig.Chain[0].Device.Name)
	assert.Nil(t, (*Capture)(nil).Clone())
}

func TestPatch_Apply(t *testing.T) {
	// Given: a capture with attributes and an embedding
	c := &Capture{
		Kind:       KindImpulseResponse,
		Attributes: Attributes{"microphone": Strings("SM57"), "cabinet": Strings("1x12")},
		Embedding:  []float32{1, 0},
	}
	notes := "darker"
	chain := []Link{{Device: Device{Type: DevicePedal, Name: "TS808"}}}

	// When: applying a patch
	p := Patch{
		SetAttributes:    Attributes{"speaker": Strings("V30")},
		RemoveAttributes: []string{"cabinet"},
		ClearEmbedding:   true,
		Notes:            &notes,
		Chain:            &chain,
	}
	require.False(t, p.IsEmpty())
	p.Apply(c)

	// Then: only the named fields change
	assert.Equal(t, KindImpulseResponse, c.Kind)
	assert.Contains(t, c.Attributes, "microphone")
	assert.Contains(t, c.Attributes, "speaker")
	assert.NotContains(t, c.Attributes, "cabinet")
	assert.Nil(t, c.Embedding)
	assert.Equal(t, "darker", c.Notes)
	assert.Len(t, c.Chain, 1)
	assert.True(t, Patch{}.IsEmpty())
}

func TestProjectChain(t *testing.T) {
	c := &Capture{
		Attributes: Attributes{"microphone": Strings("SM57")},
		Chain: []Link{
			{Role: "Speaker", Order: 1, Device: Device{Type: DeviceSpeaker, Manufacturer: "Celestion", Name: "Vintage 30"}},
			{Role: "Microphone", Order: 2, Device: Device{Type: DeviceMicrophone, Manufacturer: "Shure", Name: "SM57"}},
		},
	}

	all := c.AllAttributes()

	assert.Len(t, all["microphone"], 1, "duplicate device name is not added twice")
	assert.True(t, all.Has("speaker", String("Vintage 30")))
	assert.True(t, all.Has("manufacturer", String("Celestion")))
	assert.True(t, all.Has("manufacturer", String("Shure")))
	assert.NotContains(t, c.Attributes, "speaker", "projection does not mutate the capture")
	assert.Equal(t, "Celestion Vintage 30", c.Chain[0].Device.DisplayName())
}

func TestSortAndValidateChain(t *testing.T) {
	chain := []Link{
		{Order: 2, Device: Device{Type: DeviceMicrophone, Name: "SM57"}},
		{Order: 1, Device: Device{Type: DeviceSpeaker, Name: "V30"}},
		{Order: 3, Device: Device{Type: "toaster", Name: ""}},
	}

	SortChain(chain)
	problems := ValidateChain(chain)

	assert.Equal(t, "V30", chain[0].Device.Name)
	assert.Len(t, problems, 2)
}

func TestValue_KeyAndEqual(t *testing.T) {
	day := time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	assert.Equal(t, "44100", Number(44100).Key())
	assert.Equal(t, "0.5", Number(0.5).Key())
	assert.Equal(t, "2024-03-01T11:00:00Z", Date(day).Key())
	assert.True(t, String("SM57").Equal(Enum("SM57")))
	assert.False(t, String("44100").Equal(Number(44100)))
	assert.True(t, Date(day).Equal(Date(day.UTC())))

	n, ok := Number(3).Ordinal()
	assert.True(t, ok)
	assert.Equal(t, 3.0, n.Num)
	_, ok = String("x").Ordinal()
	assert.False(t, ok)

	// Dates a nanosecond apart keep distinct, ordered positions
	a, _ := Date(day).Ordinal()
	b, _ := Date(day.Add(time.Nanosecond)).Ordinal()
	c, _ := Date(day.UTC()).Ordinal()
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, a, c)
	assert.Equal(t, TypeString, Value{}.Type())
}

func TestParseValue(t *testing.T) {
	v, err := ParseValue(TypeNumber, " 48000 ")
	require.NoError(t, err)
	assert.Equal(t, 48000.0, v.Num())

	v, err = ParseValue(TypeDate, "2023-11-05")
	require.NoError(t, err)
	assert.Equal(t, 2023, v.Time().Year())

	_, err = ParseValue(TypeNumber, "loud")
	assert.Error(t, err)
	_, err = ParseValue(TypeDate, "yesterday")
	assert.Error(t, err)
}

func TestValue_JSON(t *testing.T) {
	attrs := Attributes{
		"microphone":  Strings("SM57", "MD421"),
		"sample_rate": {Number(48000)},
		"recorded_at": {Date(time.Date(2022, 1, 2, 0, 0, 0, 0, time.UTC))},
		"room":        {Enum("live")},
	}

	data, err := json.Marshal(attrs)
	require.NoError(t, err)
	var back Attributes
	require.NoError(t, json.Unmarshal(data, &back))

	for name, vals := range attrs {
		require.Len(t, back[name], len(vals), name)
		for i := range vals {
			assert.True(t, vals[i].Equal(back[name][i]), name)
			assert.Equal(t, vals[i].Type(), back[name][i].Type(), name)
		}
	}

	var bad Value
	assert.Error(t, json.Unmarshal([]byte(`{"type":"blob","value":1}`), &bad))
}

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema(false,
		AttributeDef{Name: "microphone", Type: TypeString, Multi: true, Required: []Kind{KindImpulseResponse}},
		AttributeDef{Name: "sample_rate", Type: TypeNumber},
		AttributeDef{Name: "room", Type: TypeEnum, Enum: []string{"live", "dead"}},
		AttributeDef{Name: "recorded_at", Type: TypeDate},
	)
	require.NoError(t, err)
	return s
}

func TestSchema_Validate(t *testing.T) {
	s := testSchema(t)

	tests := []struct {
		name  string
		kind  Kind
		attrs Attributes
		want  string
	}{
		{"ok", KindImpulseResponse, Attributes{"microphone": Strings("SM57"), "sample_rate": {Number(48000)}}, ""},
		{"ok undeclared string", KindNAMCapture, Attributes{"amplifier": Strings("Marshall")}, ""},
		{"enum given as string", KindNAMCapture, Attributes{"room": Strings("live")}, ""},
		{"missing required", KindImpulseResponse, Attributes{}, "missing attribute microphone"},
		{"wrong type", KindNAMCapture, Attributes{"sample_rate": Strings("fast")}, "wants number"},
		{"enum not allowed", KindNAMCapture, Attributes{"room": {Enum("garage")}}, "not one of"},
		{"multi on single", KindNAMCapture, Attributes{"sample_rate": {Number(1), Number(2)}}, "takes one value"},
		{"reserved", KindNAMCapture, Attributes{"kind": Strings("x")}, "reserved"},
		{"empty values", KindNAMCapture, Attributes{"amplifier": nil}, "no values"},
		{"undeclared non-string", KindNAMCapture, Attributes{"gain": {Number(7)}}, "must be a string"},
		{"bad kind", Kind("Reverb"), Attributes{}, "unknown kind"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Validate(tt.kind, tt.attrs)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, tcerrors.IsValidation(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSchema_StrictRejectsUndeclared(t *testing.T) {
	s, err := NewSchema(true, AttributeDef{Name: "microphone", Type: TypeString})
	require.NoError(t, err)

	err = s.Validate(KindOther, Attributes{"amplifier": Strings("Marshall")})

	assert.True(t, tcerrors.IsValidation(err))
	assert.Contains(t, err.Error(), "not declared")
	assert.True(t, s.Strict())
}

func TestNewSchema_RejectsBadDeclarations(t *testing.T) {
	_, err := NewSchema(false, AttributeDef{Name: "kind", Type: TypeString})
	assert.Error(t, err)
	_, err = NewSchema(false, AttributeDef{Name: "room", Type: TypeEnum})
	assert.Error(t, err)
	_, err = NewSchema(false, AttributeDef{Name: "a", Type: TypeString}, AttributeDef{Name: "a", Type: TypeString})
	assert.Error(t, err)
	_, err = NewSchema(false, AttributeDef{Name: "a", Type: TypeString, Required: []Kind{"Reverb"}})
	assert.Error(t, err)
}

func TestSchemaFromConfig_Default(t *testing.T) {
	s, err := SchemaFromConfig(config.DefaultSchema())
	require.NoError(t, err)

	assert.Equal(t, TypeNumber, s.TypeOf("sample_rate"))
	assert.Equal(t, TypeDate, s.TypeOf("recorded_at"))
	assert.Equal(t, TypeString, s.TypeOf("anything"))
	assert.Len(t, s.Definitions(), 8)

	v, err := s.Coerce("sample_rate", "44100")
	require.NoError(t, err)
	assert.Equal(t, 44100.0, v.Num())

	_, err = s.Coerce("sample_rate", "cd quality")
	assert.True(t, tcerrors.IsValidation(err))
}

func TestSchemaFromConfig_RequiredKinds(t *testing.T) {
	s, err := SchemaFromConfig(config.SchemaConfig{Attributes: []config.AttributeConfig{
		{Name: "amplifier", Type: "string", Required: []string{"nam"}},
	}})
	require.NoError(t, err)

	assert.Error(t, s.Validate(KindNAMCapture, Attributes{}))
	assert.NoError(t, s.Validate(KindImpulseResponse, Attributes{}))
}
