package capture

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/spf13/afero"

	appLog "shotcal/internal/log"
)

// DefaultSettle is how long to wait after writing the screencapture
// preference before restarting SystemUIServer.
const DefaultSettle = 3 * time.Second

// ErrFolderAction wraps every failure to create or activate a capture folder.
var ErrFolderAction = errors.New("capture folder action failed")

// CommandRunner executes an external command.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands through os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		if len(out) > 0 {
			return fmt.Errorf("%s: %w: %s", name, err, out)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Controller switches the macOS screen-capture destination folder.
//
// Activation sequence:
//   - create the folder (and parents) if missing
//   - defaults write com.apple.screencapture location <path>
//   - wait Settle so the preference is picked up
//   - killall SystemUIServer to apply it
type Controller struct {
	Fs              afero.Fs
	Runner          CommandRunner
	Settle          time.Duration
	DefaultLocation string

	// serializes activations; rapid back-to-back calls must not interleave
	mu sync.Mutex
}

// NewController returns a Controller on the OS filesystem using os/exec.
func NewController(defaultLocation string, settle time.Duration) *Controller {
	return &Controller{
		Fs:              afero.NewOsFs(),
		Runner:          ExecRunner{},
		Settle:          settle,
		DefaultLocation: defaultLocation,
	}
}

// Activate makes path the active capture destination, creating it first.
func (c *Controller) Activate(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrFolderAction)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	appLog.Info("switching capture location", "path", path)

	if err := c.Fs.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrFolderAction, path, err)
	}

	if err := c.Runner.Run(ctx, "defaults", "write", "com.apple.screencapture", "location", path); err != nil {
		return fmt.Errorf("%w: %w", ErrFolderAction, err)
	}

	if c.Settle > 0 {
		t := time.NewTimer(c.Settle)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w", ErrFolderAction, ctx.Err())
		}
	}

	if err := c.Runner.Run(ctx, "killall", "SystemUIServer"); err != nil {
		return fmt.Errorf("%w: %w", ErrFolderAction, err)
	}

	return nil
}

// Reset points the capture destination back at DefaultLocation.
func (c *Controller) Reset(ctx context.Context) error {
	return c.Activate(ctx, c.DefaultLocation)
}
