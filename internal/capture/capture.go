// Package capture defines the data model of the archive: captures, their
// attribute values, signal chains, clusters and the attribute schema.
package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"

	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

// Kind is the capture variant.
type Kind string

const (
	KindImpulseResponse Kind = "ImpulseResponse"
	KindNAMCapture      Kind = "NAMCapture"
	KindOther           Kind = "Other"
)

// Kinds lists every valid kind.
var Kinds = []Kind{KindImpulseResponse, KindNAMCapture, KindOther}

// ParseKind accepts the canonical names case-insensitively plus the short
// forms "ir" and "nam".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "impulseresponse", "impulse_response", "ir":
		return KindImpulseResponse, nil
	case "namcapture", "nam_capture", "nam":
		return KindNAMCapture, nil
	case "other":
		return KindOther, nil
	}
	return "", tcerrors.ValidationError(fmt.Sprintf("unknown kind %q", s), nil).
		WithSuggestion("use ImpulseResponse, NAMCapture or Other")
}

// Valid reports whether k is one of Kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindImpulseResponse, KindNAMCapture, KindOther:
		return true
	}
	return false
}

// KindForExtension guesses a kind from a file extension.
func KindForExtension(ext string) Kind {
	switch strings.ToLower(ext) {
	case ".nam":
		return KindNAMCapture
	case ".wav", ".aiff", ".aif", ".flac":
		return KindImpulseResponse
	default:
		return KindOther
	}
}

// Capture is one managed file.
type Capture struct {
	ID          string
	Seq         int64
	Fingerprint string
	Kind        Kind
	Attributes  Attributes
	Embedding   []float32

	Path     string
	Filename string
	Notes    string
	Chain    []Link

	// ClusterID is only meaningful when ClusterEpoch is the current epoch.
	ClusterID    string
	ClusterEpoch int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ClusterAt returns the cluster id if it was assigned in epoch.
// Assignments from any other epoch read as unclustered.
func (c *Capture) ClusterAt(epoch int64) (string, bool) {
	if c.ClusterID == "" || c.ClusterEpoch != epoch || epoch == 0 {
		return "", false
	}
	return c.ClusterID, true
}

// Clone returns a deep copy.
func (c *Capture) Clone() *Capture {
	if c == nil {
		return nil
	}
	out := *c
	out.Attributes = c.Attributes.Clone()
	if c.Embedding != nil {
		out.Embedding = append([]float32(nil), c.Embedding...)
	}
	if c.Chain != nil {
		out.Chain = append([]Link(nil), c.Chain...)
	}
	return &out
}

// NewCapture is the input to registration.
type NewCapture struct {
	Fingerprint string
	Kind        Kind
	Attributes  Attributes
	Embedding   []float32
	Path        string
	Filename    string
	Notes       string
	Chain       []Link
}

// Patch is a partial update. Nil/zero fields are left unchanged.
type Patch struct {
	// Fingerprint points the capture at different content.
	Fingerprint      *string
	Kind             *Kind
	SetAttributes    Attributes
	RemoveAttributes []string
	Embedding        []float32
	ClearEmbedding   bool
	Notes            *string
	Path             *string
	// Chain replaces the signal chain when non-nil; an empty slice clears it.
	Chain *[]Link
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Fingerprint == nil && p.Kind == nil && len(p.SetAttributes) == 0 && len(p.RemoveAttributes) == 0 &&
		p.Embedding == nil && !p.ClearEmbedding && p.Notes == nil && p.Path == nil && p.Chain == nil
}

// Apply writes the patch onto c. Chain projection is re-run by the caller.
func (p Patch) Apply(c *Capture) {
	if p.Fingerprint != nil {
		c.Fingerprint = *p.Fingerprint
	}
	if p.Kind != nil {
		c.Kind = *p.Kind
	}
	if c.Attributes == nil {
		c.Attributes = Attributes{}
	}
	for _, name := range p.RemoveAttributes {
		delete(c.Attributes, name)
	}
	for name, vals := range p.SetAttributes {
		c.Attributes[name] = append([]Value(nil), vals...)
	}
	if p.ClearEmbedding {
		c.Embedding = nil
	}
	if p.Embedding != nil {
		c.Embedding = append([]float32(nil), p.Embedding...)
	}
	if p.Notes != nil {
		c.Notes = *p.Notes
	}
	if p.Path != nil {
		c.Path = *p.Path
	}
	if p.Chain != nil {
		c.Chain = append([]Link(nil), (*p.Chain)...)
	}
}

// Cluster is one group of an epoch.
type Cluster struct {
	ID          string
	Epoch       int64
	Centroid    []float32
	MemberCount int
}

// FingerprintOf returns "sha256:<hex>" of data.
func FingerprintOf(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// ValidFingerprint reports whether fp has the FingerprintOf shape.
func ValidFingerprint(fp string) bool {
	hexPart, ok := strings.CutPrefix(fp, "sha256:")
	if !ok || len(hexPart) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil && strings.ToLower(hexPart) == hexPart
}

// ValidateEmbedding checks length and that every component is finite. A
// zero vector is allowed; the cosine metric places it at distance 1 from
// everything.
func ValidateEmbedding(vec []float32, dim int) error {
	if len(vec) != dim {
		return tcerrors.DimensionError(dim, len(vec))
	}
	for i, x := range vec {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return tcerrors.ValidationError(fmt.Sprintf("embedding component %d is not finite", i), nil)
		}
	}
	return nil
}
