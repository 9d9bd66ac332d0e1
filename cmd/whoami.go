package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the authenticated user",
		Long: `Show the identity of the currently signed-in user, refreshing the
cached profile from the identity provider when it has gone stale.`,
		RunE: runWhoami,
	}
}

func runWhoami(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return err
	}
	defer manager.Close()

	user, err := manager.CurrentUser(cmd.Context())
	if err != nil {
		return err
	}

	fmt.Printf("Subject: %s\n", user.Subject)
	if user.Email != "" {
		fmt.Printf("Email:   %s\n", user.Email)
	}
	if user.Name != "" {
		fmt.Printf("Name:    %s\n", user.Name)
	}
	return nil
}
