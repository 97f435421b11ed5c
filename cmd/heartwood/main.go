package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/jward/heartwood"
	"github.com/jward/heartwood/internal/config"
)

var (
	flagConfig   string
	flagFormat   string
	flagArtifact string
	flagEntry    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "heartwood",
	Short:         "Incremental semantic analysis and artifact emission",
	Long:          "Heartwood analyzes declaration-oriented source files incrementally, tracking dependencies between declarations and re-analyzing only what changed.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return validateFormat(flagFormat)
	},
	// No Run — prints help by default.
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: heartwood.toml in the project directory)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "text", "report format: text|yaml")
	rootCmd.PersistentFlags().StringVar(&flagArtifact, "artifact", "", "override the artifact database path")
	rootCmd.PersistentFlags().StringVar(&flagEntry, "entry", "", "override the required entry symbol")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(watchCmd)
}

func validateFormat(format string) error {
	switch format {
	case "text", "yaml":
		return nil
	default:
		return fmt.Errorf("invalid format %q (expected text or yaml)", format)
	}
}

// loadConfig resolves the project directory and loads its configuration,
// applying command-line overrides.
func loadConfig(args []string) (*config.Config, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	path := flagConfig
	if path == "" {
		path = filepath.Join(dir, "heartwood.toml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	// Roots and artifact are relative to the project directory unless the
	// config or flags say otherwise.
	for i, root := range cfg.Roots {
		if !filepath.IsAbs(root) {
			cfg.Roots[i] = filepath.Join(dir, root)
		}
	}
	if !filepath.IsAbs(cfg.Artifact) {
		cfg.Artifact = filepath.Join(dir, cfg.Artifact)
	}
	if flagArtifact != "" {
		cfg.Artifact = flagArtifact
	}
	if flagEntry != "" {
		cfg.Entry = flagEntry
	}
	return cfg, nil
}

var buildCmd = &cobra.Command{
	Use:   "build [path]",
	Short: "Run one full incremental update",
	Long:  "Scans the project's source files, analyzes everything that changed since the last build, and updates the artifact database.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBuild,
}

func runBuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	engine, err := heartwood.New(cfg)
	if err != nil {
		return err
	}

	start := time.Now()
	stats, err := engine.Update(context.Background())
	if err != nil {
		engine.Close()
		return err
	}

	report := engine.Report()
	if flagFormat == "yaml" {
		out, err := report.YAML()
		if err != nil {
			return err
		}
		os.Stdout.Write(out)
	} else {
		printReport(report)
		pterm.Info.Printfln("analyzed %d, emitted %d, deleted %d declaration(s) in %s",
			stats.Analyzed, stats.Emitted, stats.Deleted,
			time.Since(start).Round(time.Millisecond))
	}
	if err := engine.Close(); err != nil {
		return err
	}
	if report.ErrorCount > 0 {
		os.Exit(1)
	}
	return nil
}

var flagMetrics string

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Rebuild incrementally as source files change",
	Long:  "Runs an initial build, then watches the source roots and re-runs an incremental update whenever a source file changes.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&flagMetrics, "metrics", "", "serve Prometheus metrics on this address (e.g. :9090)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	if flagMetrics != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(flagMetrics, mux); err != nil {
				pterm.Warning.Printfln("metrics server: %v", err)
			}
		}()
		pterm.Info.Printfln("serving metrics on %s/metrics", flagMetrics)
	}

	engine, err := heartwood.New(cfg, heartwood.WithOnUpdate(onWatchUpdate))
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pterm.Info.Printfln("watching %v", cfg.Roots)
	return engine.Watch(ctx)
}

func onWatchUpdate(stats heartwood.UpdateStats, errs []heartwood.ErrorMsg) {
	if len(errs) == 0 {
		pterm.Success.Printfln("generation %d: %d analyzed, %d emitted, no errors",
			stats.Generation, stats.Analyzed, stats.Emitted)
		return
	}
	for _, e := range errs {
		if e.File == "" {
			pterm.Error.Printfln("%s", e.Msg)
			continue
		}
		pterm.Error.Printfln("%s:%d:%d: %s", e.File, e.Line, e.Col, e.Msg)
	}
	pterm.Warning.Printfln("generation %d: %d error(s)", stats.Generation, len(errs))
}

func printReport(r *heartwood.Report) {
	if r.ErrorCount == 0 {
		pterm.Success.Printfln("generation %d: no errors", r.Generation)
		return
	}
	for _, e := range r.Errors {
		if e.File == "" {
			pterm.Error.Printfln("%s", e.Msg)
			continue
		}
		pterm.Error.Printfln("%s:%d:%d: %s", e.File, e.Line, e.Col, e.Msg)
	}
	pterm.Warning.Printfln("generation %d: %d error(s)", r.Generation, r.ErrorCount)
}
