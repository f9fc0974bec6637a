// Command flood-runner stages a building inventory and a flood hazard
// raster from object storage, runs the damage engine per partition and loss
// category, and publishes the merged predictions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/flood-impact-runner/internal/config"
	"github.com/withObsrvr/flood-impact-runner/internal/logging"
	"github.com/withObsrvr/flood-impact-runner/internal/metrics"
	"github.com/withObsrvr/flood-impact-runner/internal/pipeline"
)

// Set at build time with -ldflags.
var (
	Version = "dev"
	GitSHA  = "unknown"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "flood-runner",
	Short:         "Flood damage estimation pipeline",
	Version:       Version + " (" + GitSHA + ")",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return pipeline.Fail(pipeline.KindConfig, "load config", err)
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if logFormat != "" {
			cfg.Logging.Format = logFormat
		}
		logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
		metrics.Init(cfg.Metrics.Namespace)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (defaults built in)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json")

	rootCmd.AddCommand(runCmd, validateCmd, footprintCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		reportError(os.Stdout, err)
		stop()
		os.Exit(1)
	}
}

// reportError prints the failure payload for err, unless the command
// already printed its own report.
func reportError(w io.Writer, err error) {
	if errors.Is(err, errValidationFailed) {
		slog.Warn("validation failed")
		return
	}
	writeFailure(w, err)
}

// failure is the payload printed when a command fails.
type failure struct {
	Success bool         `json:"success"`
	Error   failureError `json:"error"`
}

type failureError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeFailure(w io.Writer, err error) {
	perr := pipeline.Classify(err)
	slog.Error("command failed", "kind", perr.Kind, "error", err)
	writeJSON(w, failure{Error: failureError{Kind: perr.Kind, Message: perr.Error()}})
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
	}
}
