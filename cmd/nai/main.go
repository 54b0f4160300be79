// Command nai drives the pipeline engine: ingest documents, run queries,
// score answers, inspect run history, and serve the HTTP surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nnennaai/nai/pkg/config"
	"github.com/nnennaai/nai/pkg/domain"
	"github.com/nnennaai/nai/pkg/engine"
	"github.com/nnennaai/nai/pkg/server"
	"github.com/nnennaai/nai/pkg/telemetry"
)

var (
	flagConfig      string
	flagLogLevel    string
	flagTrace       bool
	flagAddr        string
	flagMetricsAddr string
	flagTruth       string
	flagSince       string
	flagUntil       string
)

func main() {
	root := &cobra.Command{
		Use:           "nai",
		Short:         "Composable pipeline engine for retrieval-augmented generation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "path to settings file (YAML)")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")

	ingestCmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Chunk, embed, and index documents",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIngest,
	}

	runCmd := &cobra.Command{
		Use:   "run <query>",
		Short: "Answer a query against the indexed documents",
		Args:  cobra.ExactArgs(1),
		RunE:  runQuery,
	}
	runCmd.Flags().BoolVar(&flagTrace, "trace", false, "stream trace events while the pipeline executes")

	scoreCmd := &cobra.Command{
		Use:   "score <query>",
		Short: "Answer a query and evaluate it against a ground truth",
		Args:  cobra.ExactArgs(1),
		RunE:  runScore,
	}
	scoreCmd.Flags().StringVar(&flagTruth, "truth", "", "ground truth answer to evaluate against")
	scoreCmd.Flags().BoolVar(&flagTrace, "trace", false, "stream trace events while the pipeline executes")

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List persisted runs",
		Args:  cobra.NoArgs,
		RunE:  runListRuns,
	}
	runsCmd.Flags().StringVar(&flagSince, "since", "", "only runs started at or after this RFC 3339 time")
	runsCmd.Flags().StringVar(&flagUntil, "until", "", "only runs started before this RFC 3339 time")
	runsCmd.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Print one persisted run record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runShowRun,
	})

	breakersCmd := &cobra.Command{
		Use:   "breakers",
		Short: "Show circuit breaker state per stage",
		Args:  cobra.NoArgs,
		RunE:  runBreakers,
	}
	breakersCmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Close every circuit breaker",
		Args:  cobra.NoArgs,
		RunE:  runResetBreakers,
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine's HTTP surface",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&flagAddr, "addr", ":8080", "listen address")
	serveCmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "separate listen address for /metrics (default: served on --addr)")

	root.AddCommand(ingestCmd, runCmd, scoreCmd, runsCmd, breakersCmd, serveCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// bootstrap loads settings, configures logging and telemetry, and builds the
// engine. The returned cleanup tears everything down in reverse order.
func bootstrap(ctx context.Context) (*engine.Engine, *config.Settings, func(), error) {
	return bootstrapWith(ctx, nil)
}

func bootstrapWith(ctx context.Context, metrics *telemetry.SchedulerMetrics) (*engine.Engine, *config.Settings, func(), error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, nil, err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}

	logger := newLogger(cfg.Logging.Level)
	slog.SetDefault(logger)

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("setup telemetry: %w", err)
	}

	eng, err := engine.New(cfg, engine.Options{Logger: logger, Metrics: metrics})
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
		return nil, nil, nil, err
	}
	if err := eng.Setup(ctx); err != nil {
		return nil, nil, nil, err
	}

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.Close(shutdownCtx); err != nil {
			logger.Warn("engine close", "error", err)
		}
		_ = shutdownTelemetry(shutdownCtx)
	}
	return eng, cfg, cleanup, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func traceSink() engine.TraceSink {
	if !flagTrace {
		return nil
	}
	return func(ev domain.TraceEvent) {
		fmt.Fprintf(os.Stderr, "[%s] %s attempt=%d %s", ev.End.Format("15:04:05.000"), ev.Stage, ev.Attempt, ev.Outcome)
		if ev.Error != "" {
			fmt.Fprintf(os.Stderr, " error=%q", ev.Error)
		}
		fmt.Fprintln(os.Stderr)
	}
}

func runIngest(cmd *cobra.Command, args []string) error {
	eng, _, cleanup, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	docs := make([]domain.Document, 0, len(args))
	for _, path := range args {
		//nolint:gosec // Document paths come from the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read document %s: %w", path, err)
		}
		docs = append(docs, domain.Document{ID: filepath.Base(path), Text: string(data)})
	}

	result, err := eng.Ingest(cmd.Context(), docs, nil)
	if err != nil {
		return err
	}
	for _, doc := range result.Documents {
		status := string(doc.Outcome)
		if doc.Error != "" {
			status += ": " + doc.Error
		}
		fmt.Printf("  %-30s %s (%d chunks)\n", doc.DocID, status, doc.Indexed)
	}
	fmt.Printf("Indexed %d chunks from %d documents (run %s)\n", result.Indexed, len(docs), result.RunID)
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	eng, _, cleanup, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := eng.Run(cmd.Context(), args[0], traceSink())
	if err != nil {
		return err
	}
	if result.Outcome != domain.RunSucceeded && result.Outcome != domain.RunDegraded {
		return fmt.Errorf("run %s finished %s", result.RunID, result.Outcome)
	}
	fmt.Println(result.Answer)
	fmt.Fprintf(os.Stderr, "run=%s outcome=%s latency=%s\n", result.RunID, result.Outcome, result.Record.Latency.Round(time.Millisecond))
	return nil
}

func runScore(cmd *cobra.Command, args []string) error {
	if flagTruth == "" {
		return fmt.Errorf("--truth is required")
	}
	eng, _, cleanup, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := eng.Score(cmd.Context(), args[0], flagTruth, traceSink())
	if err != nil {
		return err
	}
	fmt.Println(result.Answer)
	for name, score := range result.Metrics {
		fmt.Fprintf(os.Stderr, "%s=%.3f\n", name, score)
	}
	fmt.Fprintf(os.Stderr, "run=%s outcome=%s passed=%t\n", result.RunID, result.Outcome, result.Passed)
	return nil
}

func runListRuns(cmd *cobra.Command, _ []string) error {
	eng, _, cleanup, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	from, err := parseTimeFlag("--since", flagSince)
	if err != nil {
		return err
	}
	to, err := parseTimeFlag("--until", flagUntil)
	if err != nil {
		return err
	}

	summaries, err := eng.Runs().List(cmd.Context(), from, to)
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}
	for _, s := range summaries {
		fmt.Printf("%s  %-6s %-9s %6dms  %s\n", s.RunID, s.Kind, s.Outcome, s.LatencyMS, s.Query)
	}
	return nil
}

func parseTimeFlag(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: %q is not an RFC 3339 time", name, raw)
	}
	return t, nil
}

func runShowRun(cmd *cobra.Command, args []string) error {
	eng, _, cleanup, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	record, err := eng.Runs().Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(record)
}

func runBreakers(cmd *cobra.Command, _ []string) error {
	eng, _, cleanup, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	stats := eng.BreakerStats()
	if len(stats) == 0 {
		fmt.Println("No breakers active.")
		return nil
	}
	for stage, st := range stats {
		fmt.Printf("%-15s %-9s failures=%d since=%s\n", stage, st.State, st.RecentFailures, st.LastStateChange)
	}
	return nil
}

func runResetBreakers(cmd *cobra.Command, _ []string) error {
	eng, _, cleanup, err := bootstrap(cmd.Context())
	if err != nil {
		return err
	}
	defer cleanup()

	eng.ResetBreakers()
	fmt.Println("All circuit breakers reset.")
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	metrics := telemetry.NewSchedulerMetrics()
	eng, _, cleanup, err := bootstrapWith(ctx, metrics)
	if err != nil {
		return err
	}
	// Stop closes the engine; cleanup after it flushes telemetry.
	defer cleanup()

	logger := slog.Default()
	builder := func(cfg *config.Settings) (*engine.Engine, error) {
		return engine.New(cfg, engine.Options{Logger: logger, Metrics: metrics})
	}

	srv := server.New(eng, builder, metrics, logger)
	if err := srv.Start(ctx, flagAddr, flagMetricsAddr, flagConfig); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
