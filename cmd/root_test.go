package cmd

import (
	"errors"
	"fmt"
	"testing"

	"github.com/HK-LEEE/maxlab-sub001/internal/session"
	"github.com/HK-LEEE/maxlab-sub001/pkg/oauth"
)

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "not authenticated",
			err:  session.ErrNotAuthenticated,
			want: ExitCodeAuthRequired,
		},
		{
			name: "classified flow error",
			err:  oauth.NewFlowError(oauth.KindPermissionDenied, "denied", nil),
			want: ExitCodeAuthFailed,
		},
		{
			name: "wrapped flow error",
			err:  fmt.Errorf("silent sign-in failed: %w", oauth.NewFlowError(oauth.KindNetwork, "provider unreachable", nil)),
			want: ExitCodeAuthFailed,
		},
		{
			name: "plain error",
			err:  errors.New("config file unreadable"),
			want: ExitCodeError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getExitCode(tt.err); got != tt.want {
				t.Errorf("getExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestUserLabel(t *testing.T) {
	if got := userLabel("operator@maxlab.example", "user-1"); got != "operator@maxlab.example" {
		t.Errorf("expected email to win, got %q", got)
	}
	if got := userLabel("", "user-1"); got != "user-1" {
		t.Errorf("expected subject fallback, got %q", got)
	}
}
