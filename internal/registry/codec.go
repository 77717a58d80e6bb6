package registry

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/Aman-CERP/tonecapture/internal/capture"
)

// captureColumns is the column list scanCapture expects, in order.
const captureColumns = `seq, id, fingerprint, kind, attributes, embedding, path, filename,
	notes, chain, cluster_id, cluster_epoch, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanCapture decodes one captures row. The returned version is the seq of
// the last event that touched the row.
func scanCapture(row rowScanner) (*capture.Capture, int64, error) {
	var (
		c                capture.Capture
		kind             string
		attrs, chain     string
		embedding        []byte
		version          int64
		created, updated int64
	)
	if err := row.Scan(&c.Seq, &c.ID, &c.Fingerprint, &kind, &attrs, &embedding, &c.Path, &c.Filename,
		&c.Notes, &chain, &c.ClusterID, &c.ClusterEpoch, &version, &created, &updated); err != nil {
		return nil, 0, err
	}
	c.Kind = capture.Kind(kind)
	if err := json.Unmarshal([]byte(attrs), &c.Attributes); err != nil {
		return nil, 0, fmt.Errorf("decode attributes of %s: %w", c.ID, err)
	}
	if c.Attributes == nil {
		c.Attributes = capture.Attributes{}
	}
	if err := json.Unmarshal([]byte(chain), &c.Chain); err != nil {
		return nil, 0, fmt.Errorf("decode chain of %s: %w", c.ID, err)
	}
	if len(c.Chain) == 0 {
		c.Chain = nil
	}
	vec, err := decodeVector(embedding)
	if err != nil {
		return nil, 0, fmt.Errorf("decode embedding of %s: %w", c.ID, err)
	}
	c.Embedding = vec
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return &c, version, nil
}

// encodeVector packs a vector as little-endian float32s; nil stays NULL.
func encodeVector(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, x := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if buf == nil {
		return nil, nil
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

func encodeAttributes(attrs capture.Attributes) (string, error) {
	if attrs == nil {
		attrs = capture.Attributes{}
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	return string(data), nil
}

func encodeChain(chain []capture.Link) (string, error) {
	if chain == nil {
		chain = []capture.Link{}
	}
	data, err := json.Marshal(chain)
	if err != nil {
		return "", fmt.Errorf("encode chain: %w", err)
	}
	return string(data), nil
}

// encodeSnapshot serializes a capture for an event payload.
func encodeSnapshot(c *capture.Capture) (sql.NullString, error) {
	if c == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode event payload: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeSnapshot(payload sql.NullString) (*capture.Capture, error) {
	if !payload.Valid || payload.String == "" {
		return nil, nil
	}
	var c capture.Capture
	if err := json.Unmarshal([]byte(payload.String), &c); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	return &c, nil
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }
