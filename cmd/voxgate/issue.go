package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var issueFlags struct {
	clientConfig
	name        string
	description string
}

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a new API key",
	Long: `Issue a new API key. The plaintext key is printed once and
cannot be retrieved again.`,
	RunE: runIssue,
}

func init() {
	rootCmd.AddCommand(issueCmd)

	addClientFlags(issueCmd, &issueFlags.clientConfig)
	issueCmd.Flags().StringVar(&issueFlags.name, "name", "", "display name for the key (required)")
	issueCmd.Flags().StringVar(&issueFlags.description, "description", "", "optional description")
	issueCmd.MarkFlagRequired("name")
}

func runIssue(cmd *cobra.Command, args []string) error {
	c, err := issueFlags.newClient()
	if err != nil {
		return err
	}

	resp, err := c.IssueKey(issueFlags.name, issueFlags.description)
	if err != nil {
		return err
	}

	fmt.Printf("API key: %s\n", resp.APIKey)
	fmt.Println()
	fmt.Println(resp.Message)

	return nil
}
