// Package main provides the lungctseg CLI entrypoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lungctsegmenter/pkg/config"
)

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *zap.SugaredLogger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lungctseg",
		Short: "Lung, lobe and airway segmentation of chest CT volumes",
		Long: `lungctseg segments the lungs of a chest CT from a few seed points
or with an AI model (lungmask, TotalSegmentator).

Seed points are read from Slicer markups files R.fcsv, L.fcsv and T.fcsv
in a LungCTSegmenter directory next to the input or in the temp directory.

Configuration is read from --config (or LUNGCT_CONFIG_PATH), then
LUNGCT_* environment variables, optionally from a .env file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			lvl, err := config.ParseLogLevel(cfg.Log.Level)
			if err != nil {
				return err
			}
			logger, err = newLogger(lvl)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(
		runCmd(),
		defaultsCmd(),
		historyCmd(),
		snapshotCmd(),
		phantomCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// newLogger builds a console logger on stderr at the given level.
func newLogger(level zapcore.Level) (*zap.SugaredLogger, error) {
	zcfg := zap.NewDevelopmentConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.DisableStacktrace = true
	zcfg.OutputPaths = []string{"stderr"}

	l, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return l.Sugar(), nil
}
