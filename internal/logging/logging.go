// ABOUTME: Logrus setup shared by the commands
// ABOUTME: Prefixed text formatter writing to stdout and a log file, or the file alone under the TUI
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Options controls where logs go
type Options struct {
	// File is appended to when set
	File string
	// Console also writes to stdout; off while the TUI owns the terminal
	Console bool
	Debug   bool
}

// Setup builds a logger. The returned closer releases the log file.
func Setup(opts Options) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()
	logger.Formatter = &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
		ForceFormatting: true,
	}
	logger.SetLevel(logrus.InfoLevel)
	if opts.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	var writers []io.Writer
	closer := io.Closer(nopCloser{})
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			return nil, nil, fmt.Errorf("error opening log file: %w", err)
		}
		writers = append(writers, f)
		closer = f
	}
	if opts.Console {
		writers = append(writers, os.Stdout)
	}

	switch len(writers) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(writers[0])
	default:
		logger.SetOutput(io.MultiWriter(writers...))
	}
	return logger, closer, nil
}

// For returns a component entry carrying the formatter prefix
func For(logger *logrus.Logger, prefix string) *logrus.Entry {
	return logger.WithField("prefix", prefix)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
