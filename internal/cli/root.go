package cli

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile string
	quiet      bool
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "scenefactory",
	Short: "Prompt-to-video generation for Manim",
	Long: `scenefactory turns a natural-language prompt into a rendered Manim video.

A model upgrades the prompt and writes the scene; a bounded repair loop then
lints and renders it, sending every lint finding and runtime error to the
model one at a time until the scene renders or the budgets run out.

Runs live in the session directory (scene, prompts, tool logs, result.json);
run rows and events are stored in the database (SQLite by default).`,
	SilenceUsage: true,
}

// Execute runs the CLI. Canceling ctx stops in-flight runs between stages.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// newLogger builds the console logger on stderr: --quiet disables it,
// --verbose enables debug output.
func newLogger() *zap.Logger {
	if quiet {
		return zap.NewNop()
	}
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(os.Stderr), level)
	return zap.New(core)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to scenefactory.yaml")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress progress and log output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(lintCmd)
	rootCmd.AddCommand(segmentCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(dbCmd)
}
