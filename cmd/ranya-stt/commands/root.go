package commands

import (
	"io"
	"log/slog"
	"strings"

	"github.com/harunnryd/ranya-stt/pkg/app"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "ranya-stt",
	Short: "Real-time speech-to-text streaming client",
	Long: `Stream audio to a real-time STT provider (Soniox by default) and
publish interim and final transcripts to stdout, a file or Kafka.

Configuration is read from --config (YAML, JSON or TOML) and from
RANYA_STT_* environment variables. Settings values may reference the
environment, e.g. api_key: ${SONIOX_API_KEY}.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log_level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log_format (text, json)")

	rootCmd.AddCommand(transcribeCmd)
	rootCmd.AddCommand(recognizeCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig reads the config and applies the persistent flag overrides.
func loadConfig() (app.Config, error) {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return app.Config{}, err
	}
	if strings.TrimSpace(logLevel) != "" {
		cfg.LogLevel = logLevel
	}
	if strings.TrimSpace(logFormat) != "" {
		cfg.LogFormat = logFormat
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg app.Config) *slog.Logger {
	var w io.Writer = cmd.ErrOrStderr()
	log := app.Logger(cfg, w)
	slog.SetDefault(log)
	return log
}
