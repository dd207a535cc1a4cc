package remote

import (
	"time"
)

// options holds the configuration for a session.
type options struct {
	logger Logger

	idleTimeout      time.Duration // read/write deadline per operation, 0 disables
	chunkSize        int           // file transfer chunk size
	maxMessageLength int64         // largest accepted message body
	downloadDir      string        // parent of the sentinel-named folders
}

// Option is a function that configures session options.
type Option func(*options)

// IdleTimeoutOption returns an Option that sets the deadline applied to each
// blocking read and write. Zero disables deadlines, which suits an agent that
// waits indefinitely for the next command.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// ChunkSizeOption returns an Option that sets the file transfer chunk size.
func ChunkSizeOption(size int) Option {
	return func(o *options) {
		o.chunkSize = size
	}
}

// MaxMessageLengthOption returns an Option that caps the accepted message body.
// Longer messages are rejected with a FrameErrorTooLarge error.
func MaxMessageLengthOption(n int64) Option {
	return func(o *options) {
		o.maxMessageLength = n
	}
}

// DownloadDirOption returns an Option that sets the folder under which files
// announced by a sentinel reply are stored.
func DownloadDirOption(dir string) Option {
	return func(o *options) {
		o.downloadDir = dir
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
