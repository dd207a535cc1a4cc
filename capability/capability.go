// Package capability provides the built-in command handlers and the narrow
// interfaces they use to reach the operating system.
package capability

import (
	"context"
	"math/rand"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrCaptureUnavailable is returned when no screen capture command is configured.
var ErrCaptureUnavailable = errors.New("screen capture unavailable")

// FileSystem is the file access the handlers need.
type FileSystem interface {
	Remove(path string) error
	// ReadDir returns the entry names of the directory at path.
	ReadDir(path string) ([]string, error)
}

// ScreenCapturer saves an image of the screen to path.
type ScreenCapturer interface {
	Capture(ctx context.Context, path string) error
}

// RandomSource returns a non-negative pseudo-random int in [0, n).
type RandomSource interface {
	IntN(n int) int
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Identity names the agent.
type Identity interface {
	Name() string
}

// OSFileSystem implements FileSystem on the local disk.
type OSFileSystem struct{}

// Remove deletes the named file or empty directory.
func (OSFileSystem) Remove(path string) error {
	return os.Remove(path)
}

// ReadDir returns the names of the entries in path, sorted.
func (OSFileSystem) ReadDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

// CommandCapturer captures the screen by running an external program.
// Every "{path}" in the arguments is replaced by the destination path.
type CommandCapturer struct {
	Command []string
}

// NewCommandCapturer parses a whitespace-separated command line.
func NewCommandCapturer(command string) *CommandCapturer {
	return &CommandCapturer{Command: strings.Fields(command)}
}

// Capture runs the configured command.
func (c *CommandCapturer) Capture(ctx context.Context, path string) error {
	if c == nil || len(c.Command) == 0 {
		return ErrCaptureUnavailable
	}

	args := make([]string, len(c.Command))
	for i, arg := range c.Command {
		args[i] = strings.ReplaceAll(arg, "{path}", path)
	}

	out, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "capture: %s", strings.TrimSpace(string(out)))
	}
	return nil
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.Intn(n) }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// StaticIdentity is an Identity with a fixed name.
type StaticIdentity string

// Name returns the identity string.
func (s StaticIdentity) Name() string { return string(s) }
