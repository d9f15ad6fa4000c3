package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var keysFlags struct {
	clientConfig
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List issued API keys",
	Long:  `List issued API keys with their status and usage counts. Key material is never shown.`,
	RunE:  runKeys,
}

func init() {
	rootCmd.AddCommand(keysCmd)

	addClientFlags(keysCmd, &keysFlags.clientConfig)
}

func runKeys(cmd *cobra.Command, args []string) error {
	c, err := keysFlags.newClient()
	if err != nil {
		return err
	}

	resp, err := c.ListKeys()
	if err != nil {
		return err
	}

	if len(resp.Keys) == 0 {
		fmt.Println("No keys found.")
		return nil
	}

	fmt.Printf("%-20s  %-19s  %-8s  %s\n", "NAME", "CREATED", "ACTIVE", "USAGE")
	for _, k := range resp.Keys {
		createdAt, _ := time.Parse(time.RFC3339, k.CreatedAt)
		createdStr := createdAt.Format("2006-01-02 15:04:05")
		active := "yes"
		if !k.Active {
			active = "no"
		}
		fmt.Printf("%-20s  %-19s  %-8s  %d\n", k.Name, createdStr, active, k.UsageCount)
	}

	return nil
}
