package cmd

import (
	"encoding/json"
	"io"
	"time"

	"github.com/Aman-CERP/tonecapture/internal/capture"
)

// captureJSON is the --json form of a capture.
type captureJSON struct {
	ID            string             `json:"id"`
	Kind          capture.Kind       `json:"kind"`
	Path          string             `json:"path"`
	Filename      string             `json:"filename"`
	Fingerprint   string             `json:"fingerprint"`
	Attributes    capture.Attributes `json:"attributes,omitempty"`
	Chain         []capture.Link     `json:"chain,omitempty"`
	Notes         string             `json:"notes,omitempty"`
	EmbeddingDims int                `json:"embedding_dims"`
	Cluster       string             `json:"cluster,omitempty"`
	Distance      *float32           `json:"distance,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

func toJSON(c *capture.Capture, distance *float32, epoch int64) captureJSON {
	cluster, _ := c.ClusterAt(epoch)
	return captureJSON{
		ID:            c.ID,
		Kind:          c.Kind,
		Path:          c.Path,
		Filename:      c.Filename,
		Fingerprint:   c.Fingerprint,
		Attributes:    c.Attributes,
		Chain:         c.Chain,
		Notes:         c.Notes,
		EmbeddingDims: len(c.Embedding),
		Cluster:       cluster,
		Distance:      distance,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
