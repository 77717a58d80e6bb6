package cmd

import (
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	"github.com/Aman-CERP/tonecapture/internal/telemetry"
)

// StatsOutput is the JSON output format for stats.
type StatsOutput struct {
	Captures       int                  `json:"captures"`
	ByKind         map[capture.Kind]int `json:"by_kind"`
	WithEmbedding  int                  `json:"with_embedding"`
	Clustered      int                  `json:"clustered"`
	Epoch          int64                `json:"epoch"`
	PendingDeletes int                  `json:"pending_deletes"`
	Events         int                  `json:"events"`
	Blobs          int                  `json:"blobs"`
	BlobBytes      int64                `json:"blob_bytes"`
	Vectors        int                  `json:"vectors"`
	GraphNodes     int                  `json:"graph_nodes"`
	Orphans        int                  `json:"orphans"`
	FilterIndex    string               `json:"filter_index"`
	Filtered       int                  `json:"filtered"`
	Subscribers    []SubscriberOutput   `json:"subscribers"`
	ClusterState   string               `json:"cluster_state"`
	Metrics        []telemetry.Sample   `json:"metrics,omitempty"`
}

// SubscriberOutput is one index's event delivery status.
type SubscriberOutput struct {
	Name     string `json:"name"`
	Offset   int64  `json:"offset"`
	Degraded string `json:"degraded,omitempty"`
}

func newStatsCmd(opts *rootOptions) *cobra.Command {
	var (
		jsonOutput  bool
		showMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show archive statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			st, err := a.vault.Stats(cmd.Context())
			if err != nil {
				return err
			}
			so := StatsOutput{
				Captures:       st.Registry.Total,
				ByKind:         st.Registry.ByKind,
				WithEmbedding:  st.Registry.WithEmbedding,
				Clustered:      st.Registry.Clustered,
				Epoch:          st.Registry.Epoch,
				PendingDeletes: st.Registry.PendingDeletes,
				Events:         st.Registry.Events,
				Blobs:          st.Blobs.Blobs,
				BlobBytes:      st.Blobs.Bytes,
				Vectors:        st.Vectors.Vectors,
				GraphNodes:     st.Vectors.GraphNodes,
				Orphans:        st.Vectors.Orphans,
				FilterIndex:    st.FilterIndex,
				Filtered:       st.Filtered,
				ClusterState:   string(st.ClusterRun),
			}
			for _, s := range st.Subscribers {
				sub := SubscriberOutput{Name: s.Name, Offset: s.Offset}
				if s.Degraded != nil {
					sub.Degraded = s.Degraded.Error()
				}
				so.Subscribers = append(so.Subscribers, sub)
			}
			if showMetrics {
				if so.Metrics, err = a.vault.Metrics().Snapshot(); err != nil {
					return err
				}
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), so)
			}

			out := a.out
			out.Heading("captures")
			out.Field("total", so.Captures)
			kinds := make([]capture.Kind, 0, len(so.ByKind))
			for k := range so.ByKind {
				kinds = append(kinds, k)
			}
			slices.Sort(kinds)
			for _, k := range kinds {
				out.Field("  "+string(k), so.ByKind[k])
			}
			out.Field("embedded", so.WithEmbedding)
			out.Field("clustered", fmt.Sprintf("%d (epoch %d)", so.Clustered, so.Epoch))
			if so.PendingDeletes > 0 {
				out.Field("pending rm", so.PendingDeletes)
			}

			out.Heading("storage")
			out.Field("blobs", fmt.Sprintf("%d (%s)", so.Blobs, humanize.Bytes(uint64(max(so.BlobBytes, 0)))))
			out.Field("events", so.Events)

			out.Heading("indexes")
			out.Field("filter", fmt.Sprintf("%s, %d capture(s)", so.FilterIndex, so.Filtered))
			out.Field("vectors", fmt.Sprintf("%d live, %d node(s), %d orphan(s)", so.Vectors, so.GraphNodes, so.Orphans))
			for _, s := range so.Subscribers {
				status := fmt.Sprintf("offset %d", s.Offset)
				if s.Degraded != "" {
					status += ", degraded: " + s.Degraded
				}
				out.Field(s.Name, status)
			}
			out.Field("clustering", so.ClusterState)

			if showMetrics {
				out.Heading("metrics")
				for _, s := range so.Metrics {
					out.Status("", fmt.Sprintf("%s%s %g", s.Name, s.Labels, s.Value))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "Include this process's metrics")
	return cmd
}
