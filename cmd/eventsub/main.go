package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mendyEdri/mcp-events-sub002/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "eventsub",
	Short: "Event subscription broker",
	Long: "eventsub matches published events against client subscriptions and\n" +
		"delivers them immediately, in batch windows, or on cron and one-shot\n" +
		"schedules.",
	SilenceUsage: true,
}

func init() {
	// Load .env files before anything reads the environment
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".eventsub", "config.json"),
		"config file path")
}

// loadConfig loads the config file, exiting on failure. Subcommands call
// it directly instead of threading the config through cobra.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
