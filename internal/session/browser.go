package session

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
)

// OpenBrowser hands the URL to the desktop's URL handler so the user can
// complete the authorization flow. The BROWSER environment variable, when
// set, overrides the platform launcher.
func OpenBrowser(url string) error {
	argv, err := launcherArgs(runtime.GOOS, url)
	if err != nil {
		return err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open browser with %s: %w", argv[0], err)
	}

	// The launcher exits once the browser has the URL; reap it so it does
	// not linger as a zombie.
	go func() { _ = cmd.Wait() }()
	return nil
}

// launcherArgs resolves the argv that opens a URL on the given platform.
func launcherArgs(goos, url string) ([]string, error) {
	if browser := os.Getenv("BROWSER"); browser != "" {
		return []string{browser, url}, nil
	}

	switch goos {
	case "linux":
		return []string{"xdg-open", url}, nil
	case "darwin":
		return []string{"open", url}, nil
	case "windows":
		return []string{"rundll32", "url.dll,FileProtocolHandler", url}, nil
	default:
		return nil, fmt.Errorf("no known browser launcher for %s", goos)
	}
}
