// Package main is the entry point for the companion CLI: a voice
// conversation with an animated assistant.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/normanking/cortexcompanion/internal/config"
	"github.com/normanking/cortexcompanion/internal/logging"
)

var (
	version = "0.1.0"
	cfgPath string
	verbose bool
)

func main() {
	// A local .env is optional.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "companion",
		Short: "Companion - a voice conversation with an animated assistant",
		Long: `Companion runs a spoken conversation: it listens, asks a text
generation service for a reply, speaks it and animates the avatar.

Start a console session:  companion session
Serve a UI bridge:        companion session --serve
Past conversations:       companion history
Configuration:            companion config show`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.cortexcompanion/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Companion v%s\n", version)
		},
	})

	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *config.Loader, error) {
	loader := config.NewLoader(cfgPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, loader, nil
}

func newLogger(cfg *config.Config, console bool) (*logging.Logger, error) {
	level := logging.LogLevel(cfg.Log.Level)
	if verbose {
		level = logging.LevelDebug
	}
	return logging.New(&logging.Config{
		LogDir:  cfg.Log.Dir,
		Level:   level,
		Console: console && (cfg.Log.Console || verbose),
	})
}
