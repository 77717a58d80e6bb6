package vault

import (
	"context"
	"log/slog"
	"slices"
	"time"
)

// InconsistencyType categorizes detected issues.
type InconsistencyType int

const (
	// InconsistencyOrphanFilter is a filter entry without a live capture.
	InconsistencyOrphanFilter InconsistencyType = iota
	// InconsistencyMissingFilter is a live capture absent from the filter index.
	InconsistencyMissingFilter
	// InconsistencyOrphanVector is a vector without a live, embedded capture.
	InconsistencyOrphanVector
	// InconsistencyMissingVector is an embedded capture absent from the vector index.
	InconsistencyMissingVector
	// InconsistencyMissingBlob is a capture whose fingerprint has no blob.
	InconsistencyMissingBlob
	// InconsistencyCorruptBlob is a blob whose bytes no longer hash to its key.
	InconsistencyCorruptBlob
	// InconsistencyDegradedIndex is an index that stopped applying events.
	InconsistencyDegradedIndex
)

// String returns a short name for the inconsistency type.
func (t InconsistencyType) String() string {
	switch t {
	case InconsistencyOrphanFilter:
		return "orphan_filter"
	case InconsistencyMissingFilter:
		return "missing_filter"
	case InconsistencyOrphanVector:
		return "orphan_vector"
	case InconsistencyMissingVector:
		return "missing_vector"
	case InconsistencyMissingBlob:
		return "missing_blob"
	case InconsistencyCorruptBlob:
		return "corrupt_blob"
	case InconsistencyDegradedIndex:
		return "degraded_index"
	default:
		return "unknown"
	}
}

// index returns the subscriber a Rebuild fixes, or "" when rebuilding an
// index cannot help.
func (t InconsistencyType) index() string {
	switch t {
	case InconsistencyOrphanFilter, InconsistencyMissingFilter:
		return "filter"
	case InconsistencyOrphanVector, InconsistencyMissingVector:
		return "vector"
	default:
		return ""
	}
}

// Inconsistency is one detected issue. Subject is a capture id, a
// fingerprint or an index name depending on Type.
type Inconsistency struct {
	Type    InconsistencyType
	Subject string
	Details string
}

// CheckResult contains the outcome of a consistency check.
type CheckResult struct {
	// Checked is the number of live captures verified.
	Checked         int
	Inconsistencies []Inconsistency
	Duration        time.Duration
}

// OK reports whether nothing was found.
func (r *CheckResult) OK() bool { return len(r.Inconsistencies) == 0 }

// Check compares the registry, the source of truth, with both indexes and
// the content store. It is O(n) in the number of captures plus blobs.
func (v *Vault) Check(ctx context.Context) (*CheckResult, error) {
	start := time.Now()
	var issues []Inconsistency

	for _, st := range v.registry.Bus().Status() {
		if st.Degraded != nil {
			issues = append(issues, Inconsistency{
				Type:    InconsistencyDegradedIndex,
				Subject: st.Name,
				Details: st.Degraded.Error(),
			})
		}
	}

	captures, err := v.registry.List(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	live := make(map[string]bool, len(captures))
	embedded := make(map[string]bool, len(captures))
	for _, c := range captures {
		live[c.ID] = true
		if c.Embedding != nil {
			embedded[c.ID] = true
		}
	}

	filtered, err := v.filter.IDs(ctx)
	if err != nil {
		v.logger.Warn("failed to read filter ids for consistency check", slog.String("error", err.Error()))
	} else {
		for _, id := range filtered.Sorted() {
			if !live[id] {
				issues = append(issues, Inconsistency{Type: InconsistencyOrphanFilter, Subject: id,
					Details: "filter entry without a live capture"})
			}
		}
	}

	vectorIDs := v.vectors.IDs()
	for _, id := range vectorIDs {
		if !embedded[id] {
			issues = append(issues, Inconsistency{Type: InconsistencyOrphanVector, Subject: id,
				Details: "vector without a live embedded capture"})
		}
	}

	blobChecked := make(map[string]bool)
	for _, c := range captures {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if filtered != nil && !filtered.Has(c.ID) {
			issues = append(issues, Inconsistency{Type: InconsistencyMissingFilter, Subject: c.ID,
				Details: "live capture missing from the filter index"})
		}
		if embedded[c.ID] && !v.vectors.Has(c.ID) {
			issues = append(issues, Inconsistency{Type: InconsistencyMissingVector, Subject: c.ID,
				Details: "embedded capture missing from the vector index"})
		}
		if blobChecked[c.Fingerprint] {
			continue
		}
		blobChecked[c.Fingerprint] = true
		ok, err := v.blobs.Has(ctx, c.Fingerprint)
		if err != nil {
			return nil, err
		}
		if !ok {
			issues = append(issues, Inconsistency{Type: InconsistencyMissingBlob, Subject: c.ID,
				Details: "no blob for fingerprint " + c.Fingerprint})
		}
	}

	corrupt, err := v.blobs.Verify(ctx)
	if err != nil {
		return nil, err
	}
	for _, fp := range corrupt {
		issues = append(issues, Inconsistency{Type: InconsistencyCorruptBlob, Subject: fp,
			Details: "blob bytes do not match their fingerprint"})
	}

	res := &CheckResult{Checked: len(captures), Inconsistencies: issues, Duration: time.Since(start)}
	if !res.OK() {
		v.logger.Warn("consistency check found issues",
			slog.Int("checked", res.Checked), slog.Int("issues", len(issues)))
	}
	return res, nil
}

// RepairResult reports what Repair did.
type RepairResult struct {
	// Rebuilt lists the indexes that were reset and replayed.
	Rebuilt []string
	// Unrepairable are issues a rebuild cannot fix (missing or corrupt blobs).
	Unrepairable []Inconsistency
}

// Repair rebuilds every index named by an issue in res from the registry.
// Blob problems are returned as unrepairable.
func (v *Vault) Repair(ctx context.Context, res *CheckResult) (*RepairResult, error) {
	out := &RepairResult{}
	for _, issue := range res.Inconsistencies {
		name := issue.Type.index()
		if issue.Type == InconsistencyDegradedIndex {
			name = issue.Subject
		}
		if name == "" {
			out.Unrepairable = append(out.Unrepairable, issue)
			continue
		}
		if !slices.Contains(out.Rebuilt, name) {
			out.Rebuilt = append(out.Rebuilt, name)
		}
	}
	slices.Sort(out.Rebuilt)

	for _, name := range out.Rebuilt {
		if err := v.registry.Bus().Rebuild(ctx, name); err != nil {
			return out, err
		}
	}
	if len(out.Rebuilt) > 0 {
		v.logger.Info("indexes rebuilt", slog.Any("indexes", out.Rebuilt))
	}
	return out, nil
}
