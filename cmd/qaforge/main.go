// Package main provides the qaforge binary entry point. QAForge turns
// source code into QA artifacts (user stories, test cases, acceptance
// criteria) by orchestrating a text-generation backend.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	// Register generation providers via init()
	_ "github.com/qaforge/qaforge/llm/providers"

	"github.com/qaforge/qaforge/analysis"
	"github.com/qaforge/qaforge/collector"
	"github.com/qaforge/qaforge/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "qaforge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "QA artifact generation from source code",
		Long: `QAForge analyzes source code with a text-generation backend and
produces QA artifacts: user stories, test cases, and acceptance
criteria.

Large codebases are split into batches, analyzed sequentially, and the
partial results are synthesized into one coherent document. Progress
streams live over the HTTP API and the CLI.`,
	}

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(serveCmd(&logLevel))
	cmd.AddCommand(analyzeCmd(&logLevel))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// setupLogging configures the default slog logger.
func setupLogging(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// serveCmd runs the HTTP API with embedded or external NATS.
func serveCmd(logLevel *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(*logLevel)

			cfg, err := config.NewLoader(logger).Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			app := NewApp(cfg, logger)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := app.Start(ctx); err != nil {
				return err
			}

			logger.Info("QAForge ready",
				"version", Version,
				"addr", cfg.Server.Addr,
				"provider", cfg.Provider.Kind)

			<-ctx.Done()
			logger.Info("Received shutdown signal")
			app.Shutdown(30 * time.Second)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}

// analyzeCmd runs one analysis from the command line and prints the
// resulting document to stdout (or a file).
func analyzeCmd(logLevel *string) *cobra.Command {
	var (
		outPath     string
		watch       bool
		jsonEvents  bool
		stories     bool
		tests       bool
		criteria    bool
		edgeCases   bool
		security    bool
		framework   string
		extraPrompt string
	)

	cmd := &cobra.Command{
		Use:   "analyze [path]",
		Short: "Analyze a directory and print QA artifacts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogging(*logLevel)

			cfg, err := config.NewLoader(logger).Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			root := "."
			if len(args) > 0 {
				root = args[0]
			}
			absRoot, err := filepath.Abs(root)
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}

			coll, err := collector.New(absRoot, cfg.Collector, logger)
			if err != nil {
				return err
			}

			genCfg := analysis.GenerationConfig{
				UserStories:        stories,
				TestCases:          tests,
				AcceptanceCriteria: criteria,
				EdgeCases:          edgeCases,
				SecurityTests:      security,
				TestFramework:      framework,
				AdditionalContext:  extraPrompt,
			}

			pipeline := buildPipeline(cfg, logger, nil)

			runOnce := func(ctx context.Context) error {
				return runAnalysis(ctx, pipeline, coll, genCfg, outPath, jsonEvents, logger)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if err := runOnce(ctx); err != nil {
				return err
			}
			if !watch {
				return nil
			}

			watcher, err := coll.Watch(ctx, 0)
			if err != nil {
				return fmt.Errorf("watch: %w", err)
			}

			logger.Info("Watching for changes; press Ctrl+C to stop", "root", absRoot)
			for {
				select {
				case <-ctx.Done():
					return nil
				case change, ok := <-watcher.Changes():
					if !ok {
						return nil
					}
					logger.Info("Source changed, re-analyzing", "files", len(change.Paths))
					if err := runOnce(ctx); err != nil {
						if ctx.Err() != nil {
							return nil
						}
						logger.Error("Analysis failed", "error", err)
					}
				}
			}
		},
	}

	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write the document to a file instead of stdout")
	cmd.Flags().BoolVar(&watch, "watch", false, "Re-run the analysis when files change")
	cmd.Flags().BoolVar(&jsonEvents, "json", false, "Print raw progress events as NDJSON")
	cmd.Flags().BoolVar(&stories, "user-stories", true, "Generate user stories")
	cmd.Flags().BoolVar(&tests, "test-cases", true, "Generate test cases")
	cmd.Flags().BoolVar(&criteria, "acceptance-criteria", true, "Generate acceptance criteria")
	cmd.Flags().BoolVar(&edgeCases, "edge-cases", false, "Include edge case coverage")
	cmd.Flags().BoolVar(&security, "security-tests", false, "Include security-focused test cases")
	cmd.Flags().StringVar(&framework, "framework", "", "Target test framework (e.g. pytest, jest)")
	cmd.Flags().StringVar(&extraPrompt, "context", "", "Additional context for the analysis")
	return cmd
}

// runAnalysis collects files, runs one session to completion, and
// writes the final document.
func runAnalysis(ctx context.Context, pipeline *analysis.Pipeline, coll *collector.Collector, genCfg analysis.GenerationConfig, outPath string, jsonEvents bool, logger *slog.Logger) error {
	files, err := coll.Collect()
	if err != nil {
		return err
	}

	session := analysis.NewSession(pipeline, analysis.Request{
		Files:  files,
		Config: genCfg,
	}, analysis.WithSessionLogger(logger))

	events, err := session.Start(ctx)
	if err != nil {
		return err
	}

	state := analysis.NewState()
	state = analysis.Reduce(state, analysis.StreamOpened{})

	for ev := range events {
		state = analysis.Reduce(state, ev)
		if jsonEvents {
			if data, err := analysis.MarshalEvent(ev); err == nil {
				fmt.Println(string(data))
			}
			continue
		}
		reportProgress(ev, logger)
	}
	<-session.Done()

	switch state.Status {
	case analysis.StatusComplete:
	case analysis.StatusCancelled:
		return fmt.Errorf("analysis cancelled")
	default:
		return fmt.Errorf("analysis failed: %s", state.ErrorMessage)
	}

	doc := renderDocument(state)
	if outPath == "" {
		fmt.Println(doc)
		return nil
	}
	if err := os.WriteFile(outPath, []byte(doc), 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	logger.Info("Wrote QA document",
		"path", outPath,
		"cost", fmt.Sprintf("$%.4f", state.ActualCost),
		"coverage", state.Coverage)
	return nil
}

// reportProgress logs a human-readable line per progress event.
func reportProgress(ev analysis.Event, logger *slog.Logger) {
	switch e := ev.(type) {
	case analysis.PlanEvent:
		logger.Info("Plan ready",
			"strategy", e.Strategy,
			"files", e.TotalFiles,
			"batches", e.TotalBatches,
			"estimated_cost", fmt.Sprintf("$%.4f", e.EstimatedCost))
	case analysis.BatchStartEvent:
		logger.Info("Batch started", "batch", e.Index+1, "of", e.Total, "files", e.FileCount)
	case analysis.BatchDoneEvent:
		logger.Info("Batch done",
			"batch", e.Index+1,
			"of", e.Total,
			"stories", e.Preview.StoriesCount,
			"tests", e.Preview.TestsCount)
	case analysis.BatchErrorEvent:
		logger.Warn("Batch failed", "batch", e.Index+1, "recoverable", e.Recoverable, "error", e.Error)
	case analysis.SynthesisStartEvent:
		logger.Info("Synthesizing batch results", "batches", e.BatchCount)
	case analysis.CompleteEvent:
		logger.Info("Analysis complete",
			"files", e.FilesAnalyzed,
			"coverage", e.Coverage,
			"tokens", e.Usage.Total(),
			"cost", fmt.Sprintf("$%.4f", e.ActualCost))
	case analysis.ErrorEvent:
		logger.Error("Analysis failed", "phase", e.Phase, "error", e.Message)
	}
}

// renderDocument assembles the final markdown document from the
// terminal state.
func renderDocument(state analysis.State) string {
	if state.Sections == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString("# QA Analysis\n\n")

	write := func(title, body string) {
		body = strings.TrimSpace(body)
		if body == "" {
			return
		}
		b.WriteString("# " + title + "\n\n")
		b.WriteString(body)
		b.WriteString("\n\n")
	}

	write("User Stories", state.Sections.UserStories)
	write("Test Cases", state.Sections.TestCases)
	write("Acceptance Criteria", state.Sections.AcceptanceCriteria)

	summary, _ := json.MarshalIndent(map[string]any{
		"files_analyzed": state.TotalFiles,
		"coverage":       state.Coverage,
		"input_tokens":   state.Usage.InputTokens,
		"output_tokens":  state.Usage.OutputTokens,
		"actual_cost":    state.ActualCost,
	}, "", "  ")
	b.WriteString("---\n\n```json\n")
	b.Write(summary)
	b.WriteString("\n```\n")

	return b.String()
}
