package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/voxgate/voxgate/internal/client"
)

// clientConfig holds the flags shared by the key-management commands.
type clientConfig struct {
	adminURL    string
	adminSecret string
}

func addClientFlags(cmd *cobra.Command, cfg *clientConfig) {
	cmd.Flags().StringVar(&cfg.adminURL, "admin-url", getEnv("VOXGATE_ADMIN_URL", "http://localhost:8081"), "admin API URL")
	cmd.Flags().StringVar(&cfg.adminSecret, "admin-secret", os.Getenv("VOXGATE_ADMIN_SECRET"), "admin secret for authentication")
}

func (c *clientConfig) newClient() (*client.Client, error) {
	if c.adminSecret == "" {
		return nil, fmt.Errorf("admin secret required (use --admin-secret flag or VOXGATE_ADMIN_SECRET env var)")
	}
	return client.NewClient(c.adminURL, c.adminSecret), nil
}
