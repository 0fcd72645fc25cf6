// Package cmd implements the clipforge CLI.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ljc0311/clipforge/internal/config"
	"github.com/ljc0311/clipforge/internal/observability"
)

// procConfig is the process configuration resolved during root init.
var procConfig *config.Config

// versionInfo is populated at build time via SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build metadata injected by the linker.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// AppIdentity describes the running binary for banners and diagnostics.
type AppIdentity struct {
	BinaryName  string
	DisplayName string
}

var appIdentity *AppIdentity

// GetAppIdentity returns the identity set during root initialization, or
// nil before it.
func GetAppIdentity() *AppIdentity {
	return appIdentity
}

var (
	rootConfigPath string
	rootLogLevel   string
	rootLogFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "clipforge",
	Short: "Duration-synchronized AI video generation",
	Long: `clipforge orchestrates remote video generation engines and composes
their clips into scene videos that exactly match narration length.

A job manifest declares the engine fleet, routing policy, and scenes.
clipforge plans clips per scene, submits them through the engine router
with automatic fallback, then trims or loops the results with ffmpeg so
each scene's video duration equals its narration duration.

Example:
  clipforge generate --job scenes.yaml
  clipforge generate --job scenes.yaml --dry-run
  clipforge engines test --job scenes.yaml`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; local development convenience for API keys.
		_ = godotenv.Load()

		cfg, err := config.Load(cmd.Context(), rootConfigPath)
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid config", err)
		}
		procConfig = cfg

		level, format := cfg.Logging.Level, cfg.Logging.Format
		if cmd.Root().PersistentFlags().Changed("log-level") {
			level = rootLogLevel
		}
		if cmd.Root().PersistentFlags().Changed("log-format") {
			format = rootLogFormat
		}
		observability.InitCLILogger(level, format == "json")

		appIdentity = &AppIdentity{
			BinaryName:  "clipforge",
			DisplayName: "ClipForge",
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(setDefaults)

	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Path to process config file")
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "Log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&rootLogFormat, "log-format", "console", "Log format (console|json)")

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// setDefaults registers the process-level defaults on the global viper.
func setDefaults() {
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.shutdown_timeout", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
}

// Execute runs the CLI with the given context.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// exitError creates an error that carries a process exit code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}

// osExit is swapped in tests.
var osExit = os.Exit

// ExitWithCode logs the failure and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, fields ...zap.Field) {
	logger.Error(message, fields...)
	_ = logger.Sync()
	osExit(code)
}
