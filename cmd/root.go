package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/HK-LEEE/maxlab-sub001/internal/config"
	"github.com/HK-LEEE/maxlab-sub001/internal/session"
	"github.com/HK-LEEE/maxlab-sub001/pkg/logging"
	"github.com/HK-LEEE/maxlab-sub001/pkg/oauth"
)

// Exit codes for CLI commands. These follow common conventions so scripts can
// distinguish "not logged in" from a failed flow.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeAuthRequired indicates authentication is required but not available.
	ExitCodeAuthRequired = 2
	// ExitCodeAuthFailed indicates the authentication flow failed.
	ExitCodeAuthFailed = 3
)

// Global flags.
var (
	configPath string
	issuerFlag string
	debugFlag  bool
)

// rootCmd is the base command for the maxauth CLI.
var rootCmd = &cobra.Command{
	Use:   "maxauth",
	Short: "Manage MaxLab platform authentication",
	Long: `maxauth manages the local authentication session for the MaxLab
manufacturing monitoring platform: browser-based login, token refresh,
session status, and logout. Credentials are stored under
~/.config/maxlab/auth and shared between processes.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logging.LevelWarn
		if debugFlag {
			level = logging.LevelDebug
		}
		logging.Init(level, os.Stderr)
	},
}

// SetVersion sets the version for the root command. Called from main to
// inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the CLI. Called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "maxauth version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

// getExitCode maps errors to semantic exit codes for scripting.
func getExitCode(err error) int {
	if errors.Is(err, session.ErrNotAuthenticated) {
		return ExitCodeAuthRequired
	}

	var flowErr *oauth.FlowError
	if errors.As(err, &flowErr) {
		return ExitCodeAuthFailed
	}
	return ExitCodeError
}

// loadConfig loads the configuration file and applies CLI flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if issuerFlag != "" {
		cfg.Issuer = issuerFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w (set issuer and clientID in the config file or via flags)", err)
	}
	return &cfg, nil
}

// newManager builds the session facade from the effective configuration.
func newManager() (*session.Manager, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return session.NewManager(cfg)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default is $HOME/.config/maxlab/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&issuerFlag, "issuer", "",
		"identity provider URL (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"enable debug logging")

	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newLogoutCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newRefreshCmd())
	rootCmd.AddCommand(newWhoamiCmd())
}
