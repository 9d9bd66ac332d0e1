package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session status",
		Long: `Show whether a MaxLab session exists, who it belongs to, and how
long the tokens remain valid. Token values are never printed.`,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return err
	}
	defer manager.Close()

	ctx := cmd.Context()

	rec, err := manager.Credentials()
	if err != nil {
		return err
	}
	if rec.Empty() {
		fmt.Println("Not signed in")
		fmt.Println("\nRun 'maxauth login' to sign in.")
		return nil
	}

	fmt.Println("Signed in")
	if rec.UserID != "" {
		fmt.Printf("  User:           %s\n", rec.UserID)
	}
	if rec.Profile != nil && rec.Profile.Email != "" {
		fmt.Printf("  Email:          %s\n", rec.Profile.Email)
	}
	if rec.Issuer != "" {
		fmt.Printf("  Issuer:         %s\n", rec.Issuer)
	}

	if ttl := rec.TimeToExpiry(); ttl > 0 {
		fmt.Printf("  Token expires:  in %s\n", ttl.Round(time.Second))
	} else {
		fmt.Println("  Token expires:  expired")
	}
	if rec.RefreshTokenUsable() {
		fmt.Println("  Refreshable:    yes")
	} else {
		fmt.Println("  Refreshable:    no")
	}
	if !rec.UpdatedAt.IsZero() {
		fmt.Printf("  Last refreshed: %s\n", rec.UpdatedAt.Format(time.RFC3339))
	}

	if manager.IsAuthenticated(ctx) {
		fmt.Println("  Session:        valid")
	} else {
		fmt.Println("  Session:        invalid (sign in again)")
	}
	return nil
}
