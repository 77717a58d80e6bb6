package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/tonecapture/internal/ingest"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		forcePolling bool
		pollInterval time.Duration
		metricsAddr  string
		skipScan     bool
	)

	cmd := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Keep the archive in sync with a directory",
		Long: `Ingest every capture file under dir (default: the archive root), then keep
watching it. New and changed files, and edited sidecars, are ingested after
ingest.watch_debounce of quiet. Deleting a file keeps its capture.

Stop with Ctrl-C.`,
		Example: `  tonecapture watch
  tonecapture watch /mnt/nas/irs --poll --poll-interval 30s
  tonecapture watch --metrics-addr localhost:9464`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			dir := a.root
			if len(args) == 1 {
				dir = absPath(args[0])
			}
			in := ingest.New(a.vault, a.cfg.Ingest.Extensions, opts.logger, ingest.WithIgnore(a.cfg.Ingest.Ignore...))

			if !skipScan {
				results, err := in.IngestDir(cmd.Context(), dir)
				if err != nil {
					a.out.Warningf("initial scan: %v", err)
				}
				counts := map[ingest.Outcome]int{}
				for _, r := range results {
					counts[r.Outcome]++
				}
				a.out.Successf("scanned %s: %d added, %d updated, %d unchanged",
					dir, counts[ingest.Added], counts[ingest.Updated], counts[ingest.Unchanged])
			}

			watchCtx, stop := context.WithCancel(cmd.Context())
			defer stop()
			g, ctx := errgroup.WithContext(watchCtx)
			g.Go(func() error {
				defer stop()
				return in.Watch(ctx, dir, ingest.WatchOptions{
					Debounce:     a.cfg.Ingest.Debounce(),
					PollInterval: pollInterval,
					ForcePolling: forcePolling,
					OnReady: func() {
						a.out.Successf("watching %s", dir)
					},
					OnResult: func(path string, res *ingest.Result, err error) {
						if err != nil {
							a.out.Errorf("%s: %v", path, err)
							return
						}
						if res.Outcome != ingest.Unchanged {
							a.out.Statusf(outcomeIcon(res.Outcome), "%-9s %s", res.Outcome, path)
						}
					},
				})
			})
			if metricsAddr != "" {
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           metricsMux(a),
					ReadHeaderTimeout: 5 * time.Second,
				}
				g.Go(func() error {
					opts.logger.Info("serving metrics", slog.String("addr", metricsAddr))
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&forcePolling, "poll", false, "Poll the directory instead of using filesystem events (network shares)")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 5*time.Second, "Interval between polls")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&skipScan, "no-scan", false, "Skip the initial scan of the directory")
	return cmd
}

func metricsMux(a *archive) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.vault.Metrics().Handler())
	return mux
}
