package browser

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"go.uber.org/zap"
)

// Open opens a URL in the default browser for the current platform
func Open(url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
		args = []string{url}
	case "windows":
		cmd = "cmd"
		args = []string{"/c", "start", "", url}
	case "linux":
		// Try multiple commands as different distros have different defaults
		for _, c := range []string{"xdg-open", "x-www-browser", "www-browser"} {
			if err := exec.Command(c, url).Start(); err == nil {
				return nil
			}
		}
		return fmt.Errorf("could not find a browser to open - please visit the URL manually")
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}

	if err := exec.Command(cmd, args...).Start(); err != nil {
		return fmt.Errorf("failed to open browser: %w", err)
	}

	return nil
}

// Navigator sends the user's browser to authorize and landing URLs
type Navigator struct {
	open   func(string) error
	logger *zap.Logger
}

func NewNavigator(logger *zap.Logger) *Navigator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Navigator{open: Open, logger: logger}
}

// Navigate opens target. When no browser can be started the URL is logged
// so the user can open it by hand, and the error is still returned.
func (n *Navigator) Navigate(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.open(target); err != nil {
		n.logger.Warn("could not open browser, visit the URL manually",
			zap.String("url", target), zap.Error(err))
		return err
	}
	return nil
}
