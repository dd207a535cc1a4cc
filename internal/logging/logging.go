// Package logging builds the zap logger used by the binaries and adapts it to
// the remote.Logger interface the libraries log through.
package logging

import (
	"io"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	remote "github.com/Zereker/remote"
)

// New returns a logger writing to w at level, in json or console format.
func New(level, format string, w io.Writer) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, errors.Wrapf(err, "log level %q", level)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}

	var encoder zapcore.Encoder
	switch format {
	case "", "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		return nil, errors.Errorf("log format %q", format)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

// Adapter implements remote.Logger on a zap logger. Key/value pairs are
// passed through as structured fields.
type Adapter struct {
	sugar *zap.SugaredLogger
}

// NewAdapter wraps l.
func NewAdapter(l *zap.Logger) *Adapter {
	return &Adapter{sugar: l.Sugar()}
}

// Debug logs at debug level.
func (a *Adapter) Debug(msg string, args ...any) { a.sugar.Debugw(msg, args...) }

// Info logs at info level.
func (a *Adapter) Info(msg string, args ...any) { a.sugar.Infow(msg, args...) }

// Warn logs at warn level.
func (a *Adapter) Warn(msg string, args ...any) { a.sugar.Warnw(msg, args...) }

// Error logs at error level.
func (a *Adapter) Error(msg string, args ...any) { a.sugar.Errorw(msg, args...) }

// With returns an adapter that adds args to every entry.
func (a *Adapter) With(args ...any) *Adapter {
	return &Adapter{sugar: a.sugar.With(args...)}
}

// Sync flushes buffered entries.
func (a *Adapter) Sync() error {
	return a.sugar.Sync()
}

var _ remote.Logger = (*Adapter)(nil)
