package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/voxgate/voxgate/internal/logging"
)

var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "voxgate",
	Short: "Authenticating gateway for the PersonaPlex speech backend",
	Long: `voxgate is an authenticating gateway that sits in front of a
PersonaPlex/Moshi speech inference backend. It validates API keys,
relays full-duplex websocket audio to the backend, and runs bounded
offline inference jobs.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logging.FromEnv())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logging.Sync(logger)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var i int
		if _, err := fmt.Sscanf(v, "%d", &i); err == nil {
			return i
		}
	}
	return defaultVal
}
