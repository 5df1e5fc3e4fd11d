package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"precache/internal/precache"
)

var (
	configPath string

	cfg    precache.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "precache",
	Short: "Offline-first cache in front of a web application origin",
	Long: `precache answers application requests from a versioned cache generation,
falls back to the network on a miss and to an offline page when the network is gone.

Releases are installed from the seed list in the config file and activated once no
page depends on the previous one.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = precache.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger, err = precache.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getenvDefault("PRECACHE_CONFIG", "/precache.yaml"), "path to precache.yaml")

	generationsCmd.AddCommand(generationsListCmd, generationsPruneCmd)
	rootCmd.AddCommand(serveCmd, installCmd, generationsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
