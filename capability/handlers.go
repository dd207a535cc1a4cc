package capability

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	remote "github.com/Zereker/remote"
	"github.com/Zereker/remote/registry"
)

// Handler kinds.
const (
	KindDel        = "del"
	KindDir        = "dir"
	KindName       = "name"
	KindRand       = "rand"
	KindScreenshot = "screenshot"
	KindTime       = "time"
	KindSend       = "send"
)

// Replies.
const (
	ReplyDeleted       = "DELETED SUCCESSFULLY"
	ReplyDeleteFailed  = "ERROR DELETING FILE"
	ReplyNoSuchPath    = "No such file or directory"
	DefaultServerName  = "REMOTE AGENT"
	DefaultScreenshot  = "screenshot.png"
	defaultRandomLow   = 0
	defaultRandomHigh  = 1000
	missingFileMessage = "There is no such file or directory named: %q. Try again!"
)

// Deps are the collaborators the built-in handlers call. Zero fields get
// OS-backed defaults.
type Deps struct {
	FS             FileSystem
	Screen         ScreenCapturer
	Rand           RandomSource
	Clock          Clock
	Identity       Identity
	ScreenshotPath string
}

func (d Deps) withDefaults() Deps {
	if d.FS == nil {
		d.FS = OSFileSystem{}
	}
	if d.Screen == nil {
		d.Screen = &CommandCapturer{}
	}
	if d.Rand == nil {
		d.Rand = globalRand{}
	}
	if d.Clock == nil {
		d.Clock = systemClock{}
	}
	if d.Identity == nil {
		d.Identity = StaticIdentity(DefaultServerName)
	}
	if d.ScreenshotPath == "" {
		d.ScreenshotPath = DefaultScreenshot
	}
	return d
}

// Catalog returns every built-in handler kind bound to d.
func Catalog(d Deps) registry.Catalog {
	d = d.withDefaults()
	return registry.Catalog{
		KindDel:        registry.HandlerFunc(d.del),
		KindDir:        registry.HandlerFunc(d.dir),
		KindName:       registry.HandlerFunc(d.name),
		KindRand:       registry.HandlerFunc(d.rand),
		KindScreenshot: registry.HandlerFunc(d.screenshot),
		KindTime:       registry.HandlerFunc(d.time),
		KindSend:       registry.HandlerFunc(d.send),
	}
}

// DefaultManifest binds every built-in kind to the keyword of the same name.
func DefaultManifest() *registry.Manifest {
	return &registry.Manifest{
		Name:     "builtin",
		Version:  "1.0.0",
		Requires: "^" + remote.ProtocolVersion,
		Handlers: []registry.HandlerSpec{
			{Keyword: KindDel, Kind: KindDel, Description: "delete a file"},
			{Keyword: KindDir, Kind: KindDir, Description: "list a directory"},
			{Keyword: KindName, Kind: KindName, Description: "agent name"},
			{Keyword: KindRand, Kind: KindRand, Description: "random integer in [low, high)"},
			{Keyword: KindScreenshot, Kind: KindScreenshot, Description: "capture the screen"},
			{Keyword: KindSend, Kind: KindSend, Description: "download a file"},
			{Keyword: KindTime, Kind: KindTime, Description: "agent clock"},
		},
	}
}

func (d Deps) del(_ context.Context, conn registry.Conn, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: del <path>")
	}
	if err := d.FS.Remove(args[0]); err != nil {
		return conn.SendMessage(ReplyDeleteFailed)
	}
	return conn.SendMessage(ReplyDeleted)
}

func (d Deps) dir(_ context.Context, conn registry.Conn, args []string) error {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}

	names, err := d.FS.ReadDir(path)
	if errors.Is(err, os.ErrNotExist) {
		return conn.SendMessage(ReplyNoSuchPath)
	}
	if err != nil {
		return errors.Wrapf(err, "list %s", path)
	}
	return conn.SendMessage("[" + strings.Join(names, ", ") + "]")
}

func (d Deps) name(_ context.Context, conn registry.Conn, _ []string) error {
	return conn.SendMessage(d.Identity.Name())
}

func (d Deps) rand(_ context.Context, conn registry.Conn, args []string) error {
	low, high := defaultRandomLow, defaultRandomHigh
	var err error
	if len(args) > 0 {
		if low, err = strconv.Atoi(args[0]); err != nil {
			return errors.Errorf("rand: %q is not an integer", args[0])
		}
	}
	if len(args) > 1 {
		if high, err = strconv.Atoi(args[1]); err != nil {
			return errors.Errorf("rand: %q is not an integer", args[1])
		}
	}
	if high <= low {
		return errors.Errorf("rand: empty range [%d, %d)", low, high)
	}
	return conn.SendMessage(strconv.Itoa(low + d.Rand.IntN(high-low)))
}

func (d Deps) screenshot(ctx context.Context, conn registry.Conn, _ []string) error {
	if err := d.Screen.Capture(ctx, d.ScreenshotPath); err != nil {
		return err
	}
	if _, err := remote.StatFile(d.ScreenshotPath); err != nil {
		return errors.Wrap(err, "screenshot")
	}
	if err := conn.SendMessage(remote.SentinelScreenshot); err != nil {
		return err
	}
	return conn.SendFile(d.ScreenshotPath)
}

func (d Deps) time(_ context.Context, conn registry.Conn, _ []string) error {
	return conn.SendMessage(d.Clock.Now().Format(time.ANSIC))
}

func (d Deps) send(_ context.Context, conn registry.Conn, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: send <path>")
	}
	path := args[0]

	if _, err := remote.StatFile(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return conn.SendMessage(fmt.Sprintf(missingFileMessage, path))
		}
		return err
	}
	if err := conn.SendMessage(remote.SentinelSend); err != nil {
		return err
	}
	return conn.SendFile(path)
}
