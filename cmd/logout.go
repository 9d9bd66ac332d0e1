package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var logoutReason string

func newLogoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear stored credentials",
		Long: `Sign out of the MaxLab platform.

Stored credentials are always erased locally and the logout is announced
to other MaxLab processes, even when the identity provider cannot be
reached to revoke the tokens. Running logout without an active session
is not an error.`,
		RunE: runLogout,
	}

	cmd.Flags().StringVar(&logoutReason, "reason", "manual",
		"logout reason recorded with the revocation")
	return cmd
}

func runLogout(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return err
	}
	defer manager.Close()

	if err := manager.Logout(cmd.Context(), logoutReason); err != nil {
		return err
	}

	fmt.Println("Signed out")
	return nil
}
