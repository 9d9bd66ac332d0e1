package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var loginSilent bool

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the MaxLab platform",
		Long: `Sign in to the MaxLab platform using the system browser.

The command opens the identity provider's login page, waits for the
redirect back to a local callback server, and stores the resulting
tokens for other MaxLab tools to use.

With --silent, re-authentication is attempted without user interaction
by trading on a still-active identity provider session. This fails when
the provider session has ended; run without --silent in that case.`,
		RunE: runLogin,
	}

	cmd.Flags().BoolVar(&loginSilent, "silent", false,
		"attempt silent re-authentication (no browser interaction)")
	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	manager, err := newManager()
	if err != nil {
		return err
	}
	defer manager.Close()

	ctx := cmd.Context()

	if loginSilent {
		user, err := manager.LoginSilent(ctx)
		if err != nil {
			return fmt.Errorf("silent sign-in failed: %w", err)
		}
		fmt.Printf("Signed in silently as %s\n", userLabel(user.Email, user.Subject))
		return nil
	}

	fmt.Println("Opening your browser to sign in...")
	user, err := manager.Login(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Signed in as %s\n", userLabel(user.Email, user.Subject))
	return nil
}

// userLabel prefers the email for display, falling back to the subject.
func userLabel(email, subject string) string {
	if email != "" {
		return email
	}
	return subject
}
