package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var refreshForce bool

func newRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the access token",
		Long: `Refresh the stored access token.

Without --force the token is only refreshed when it is close to expiry;
otherwise the command is a no-op. Concurrent refreshes from other MaxLab
processes are coalesced into a single provider call.`,
		RunE: runRefresh,
	}

	cmd.Flags().BoolVar(&refreshForce, "force", false,
		"refresh even when the current token is not close to expiry")
	return cmd
}

func runRefresh(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return err
	}
	defer manager.Close()

	refreshed, err := manager.Refresh(cmd.Context(), refreshForce)
	if err != nil {
		return err
	}

	if !refreshed {
		fmt.Println("Token still fresh, nothing to do (use --force to refresh anyway)")
		return nil
	}

	rec, err := manager.Credentials()
	if err != nil {
		return err
	}
	fmt.Printf("Token refreshed, valid for %s\n", rec.TimeToExpiry().Round(time.Second))
	return nil
}
