package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var revokeFlags struct {
	clientConfig
}

var revokeCmd = &cobra.Command{
	Use:   "revoke <api-key>",
	Short: "Revoke an API key",
	Long: `Revoke an API key. Revocation is permanent; issue a new key to
restore access.`,
	Args: cobra.ExactArgs(1),
	RunE: runRevoke,
}

func init() {
	rootCmd.AddCommand(revokeCmd)

	addClientFlags(revokeCmd, &revokeFlags.clientConfig)
}

func runRevoke(cmd *cobra.Command, args []string) error {
	c, err := revokeFlags.newClient()
	if err != nil {
		return err
	}

	if _, err := c.RevokeKey(args[0]); err != nil {
		return err
	}

	fmt.Println("Key revoked.")
	return nil
}
