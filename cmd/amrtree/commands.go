package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"amrtree/internal/adapt"
	"amrtree/internal/config"
	"amrtree/internal/ftt"
	"amrtree/internal/logging"
	"amrtree/internal/session"
	"amrtree/internal/store"
)

var version = "dev"

type cliOptions struct {
	configPath string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "amrtree",
		Short:         "Run and inspect adaptive quadtree/octree sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a JSON or YAML session configuration")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	snapshots := &cobra.Command{
		Use:   "snapshots",
		Short: "Manage stored checkpoints",
	}
	snapshots.AddCommand(newSnapshotsListCommand(opts), newSnapshotsShowCommand(opts), newSnapshotsDeleteCommand(opts))

	root.AddCommand(
		newRunCommand(opts),
		newInspectCommand(opts),
		snapshots,
		newVersionCommand(),
	)
	return root
}

// env bundles what every command needs after configuration is resolved.
type env struct {
	cfg    *config.Config
	logger zerolog.Logger
	closer io.Closer
}

func (e *env) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer.Close()
}

func loadEnv(opts *cliOptions, stderr io.Writer) (*env, error) {
	if _, err := writeConfigFromEnv(opts.configPath); err != nil {
		return nil, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	logger, closer, err := logging.New(cfg.Logging, stderr)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, logger: logger, closer: closer}, nil
}

func newRunCommand(opts *cliOptions) *cobra.Command {
	var (
		steps      int
		resume     string
		checkpoint bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Advect the tracer and adapt the mesh for a number of steps",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()
			if cmd.Flags().Changed("steps") {
				e.cfg.Run.Steps = steps
			}

			ctx, cancel := signalContext(e.logger)
			defer cancel()
			return runSession(ctx, e, resume, checkpoint, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "override run.steps")
	cmd.Flags().StringVar(&resume, "resume", "", "snapshot id to resume from")
	cmd.Flags().BoolVar(&checkpoint, "checkpoint", true, "write a final checkpoint when the run ends")
	return cmd
}

func runSession(ctx context.Context, e *env, resume string, final bool, out io.Writer) error {
	st, err := store.Open(e.cfg.Store, e.logger)
	if err != nil {
		return err
	}
	defer st.Close()

	sessionOpts := []session.Option{session.WithStore(st), session.WithLogger(e.logger)}
	if e.cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		sessionOpts = append(sessionOpts, session.WithRecorder(adapt.NewPrometheusRecorder(reg)))
		srv := serveMetrics(e.cfg.Metrics.Listen, reg, e.logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var s *session.Session
	if resume != "" {
		id, err := uuid.Parse(resume)
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		s, err = session.Restore(ctx, st, id, e.cfg, sessionOpts...)
		if err != nil {
			return err
		}
	} else {
		s, err = session.New(e.cfg, sessionOpts...)
		if err != nil {
			return err
		}
	}

	runErr := s.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	if final {
		snap, err := s.Checkpoint(context.Background())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "checkpoint %s step %d cells %d\n", snap.ID, snap.Step, snap.Cells)
	}
	printStats(out, s.Stats())
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", addr).Msg("serving metrics")
	return srv
}

func printStats(out io.Writer, stats adapt.Stats) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "record\tcount\tmin\tmax\tmean\tstddev")
	for _, r := range []struct {
		name string
		r    adapt.Range
	}{
		{"created", stats.Created},
		{"removed", stats.Removed},
		{"cmax", stats.CMax},
		{"ncells", stats.NCells},
	} {
		fmt.Fprintf(w, "%s\t%d\t%g\t%g\t%.4g\t%.4g\n", r.name, r.r.Count, r.r.Min, r.r.Max, r.r.Mean(), r.r.Stddev())
	}
	fmt.Fprintf(w, "corner refinements\t%d\t\t\t\t\n", stats.CornerRefined)
	w.Flush()
}

func newInspectCommand(opts *cliOptions) *cobra.Command {
	var snapshot string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print the structure of a fresh or checkpointed forest",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()

			var s *session.Session
			if snapshot == "" {
				s, err = session.New(e.cfg, session.WithLogger(e.logger))
			} else {
				s, err = openSnapshotSession(cmd.Context(), e, snapshot)
			}
			if err != nil {
				return err
			}
			return describeForest(cmd.OutOrStdout(), s.Tree())
		},
	}
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "snapshot id to inspect instead of a fresh session")
	return cmd
}

func openSnapshotSession(ctx context.Context, e *env, raw string) (*session.Session, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("snapshot id: %w", err)
	}
	st, err := store.Open(e.cfg.Store, e.logger)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	snap, ok, err := st.Load(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", id, session.ErrSnapshotNotFound)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return session.FromSnapshot(ctx, snap, e.cfg, session.WithLogger(e.logger))
}

func describeForest[T any](out io.Writer, tree *ftt.Tree[T]) error {
	perLevel := map[int]int{}
	leaves := 0
	tree.TraverseForest(ftt.PreOrder, ftt.TraverseAll, -1, func(c ftt.CellID) {
		perLevel[tree.Level(c)]++
		if tree.IsLeaf(c) {
			leaves++
		}
	})
	levels := make([]int, 0, len(perLevel))
	for l := range perLevel {
		levels = append(levels, l)
	}
	sort.Ints(levels)

	fmt.Fprintf(out, "dim %d roots %d cells %d leaves %d depth %d\n",
		tree.Dim(), len(tree.Roots()), tree.Len(), leaves, tree.ForestDepth())
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "level\tcells")
	for _, l := range levels {
		fmt.Fprintf(w, "%d\t%d\n", l, perLevel[l])
	}
	w.Flush()

	if err := tree.Check(); err != nil {
		fmt.Fprintf(out, "neighbor check failed:\n%v\n", err)
		return errors.New("forest is inconsistent")
	}
	if err := tree.CheckBalance(); err != nil {
		fmt.Fprintf(out, "balance check failed:\n%v\n", err)
		return errors.New("forest is not level-balanced")
	}
	fmt.Fprintln(out, "checks passed")
	return nil
}

func newSnapshotsListCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots in step order",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()
			st, err := store.Open(e.cfg.Store, e.logger)
			if err != nil {
				return err
			}
			defer st.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "id\tstep\tcreated\tdim\tcells\tbytes")
			err = st.ForEach(func(s store.Snapshot) bool {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d\t%d\n", s.ID, s.Step, s.Created.Format(time.RFC3339), s.Dim, s.Cells, s.Size())
				return true
			})
			w.Flush()
			return err
		},
	}
}

func newSnapshotsShowCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Describe the forest stored in a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()
			s, err := openSnapshotSession(cmd.Context(), e, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "snapshot %s step %d\n", args[0], s.StepCount())
			return describeForest(cmd.OutOrStdout(), s.Tree())
		},
	}
}

func newSnapshotsDeleteCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("snapshot id: %w", err)
			}
			e, err := loadEnv(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close()
			st, err := store.Open(e.cfg.Store, e.logger)
			if err != nil {
				return err
			}
			defer st.Close()
			return st.Delete(id)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "amrtree %s (stream v%d)\n", version, ftt.StreamVersion)
		},
	}
}

func signalContext(logger zerolog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	notifySignals(signals)

	go func() {
		defer stopSignals(signals)
		select {
		case <-signals:
			logger.Info().Msg("interrupted, finishing current step")
			cancel()
		case <-ctx.Done():
			return
		}

		// Ensure the process terminates if shutdown stalls.
		time.AfterFunc(10*time.Second, func() {
			logger.Error().Msg("forced shutdown after timeout")
			os.Exit(1)
		})
	}()

	return ctx, cancel
}
