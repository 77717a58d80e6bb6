package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Aman-CERP/tonecapture/internal/capture"
)

func TestWriter_StatusLines(t *testing.T) {
	// Given: a writer on a buffer (never a terminal)
	buf := &bytes.Buffer{}
	w := New(buf)

	// When: printing each kind of status
	w.Success("added 3 captures")
	w.Warningf("%d files skipped", 2)
	w.Error("check failed")
	w.Status("", "indented")

	// Then: icons are plain text without escape codes
	out := buf.String()
	assert.Contains(t, out, "✓ added 3 captures\n")
	assert.Contains(t, out, "! 2 files skipped\n")
	assert.Contains(t, out, "✗ check failed\n")
	assert.Contains(t, out, "  indented\n")
	assert.NotContains(t, out, "\x1b[")
}

func TestWriter_Field_AlignsLabels(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Field("kind", "ImpulseResponse")
	w.Field("fingerprint", "sha256:ab")

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "  kind:"), lines[0])
	assert.Equal(t, strings.Index(lines[0], "ImpulseResponse"), strings.Index(lines[1], "sha256:ab"))
}

func TestWriter_Progress(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Progress(0, 0, "ignored")
	assert.Empty(t, buf.String())

	w.Progress(5, 10, "clustering")
	assert.Contains(t, buf.String(), " 50% clustering")
	assert.NotContains(t, buf.String(), "\n")

	w.Progress(10, 10, "done")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
}

func TestRenderProgressBar(t *testing.T) {
	tests := []struct {
		name           string
		current, total int
		want           string
	}{
		{"empty", 0, 4, "░░░░"},
		{"half", 2, 4, "██░░"},
		{"full", 4, 4, "████"},
		{"overflow", 9, 4, "████"},
		{"no total", 1, 0, "░░░░"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, renderProgressBar(tt.current, tt.total, 4))
		})
	}
}

func TestWriter_Captures(t *testing.T) {
	// Given: a clustered capture with attributes and a chain
	c := &capture.Capture{
		ID:           "01HXCAPTURE",
		Kind:         capture.KindImpulseResponse,
		Filename:     "v30.wav",
		Path:         "/irs/v30.wav",
		Fingerprint:  "sha256:ab",
		Attributes:   capture.Attributes{"microphone": capture.Strings("SM57", "R121")},
		Chain:        []capture.Link{{Role: "Main Mic", Order: 1, Device: capture.Device{Type: "microphone", Manufacturer: "Shure", Name: "SM57"}}},
		Embedding:    []float32{1, 0, 0},
		ClusterID:    "c2",
		ClusterEpoch: 3,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	d := float32(0.25)

	// When: printing it as a line and in detail
	buf := &bytes.Buffer{}
	w := New(buf)
	w.CaptureLine(c, &d, 3)
	w.CaptureLine(c, nil, 4)
	w.CaptureDetail(c, 3)

	// Then: the line shows distance and current cluster only
	lines := strings.Split(buf.String(), "\n")
	assert.Contains(t, lines[0], "d=0.2500")
	assert.Contains(t, lines[0], "[c2]")
	assert.NotContains(t, lines[1], "[c2]")
	out := buf.String()
	assert.Contains(t, out, "SM57, R121")
	assert.Contains(t, out, "1. Main Mic")
	assert.Contains(t, out, "Shure SM57 (microphone)")
	assert.Contains(t, out, "3 dims")
}
