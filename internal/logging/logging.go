// Package logging builds the component loggers used across runsync.
//
// Every component takes a plain *log.Logger with its own prefix. When a
// log file is configured the loggers share one rotating writer, so the
// prefixes are what tell components apart in the file.
package logging

import (
	"io"
	"log"
	"os"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/runsync/runsync/internal/config"
)

// Factory hands out prefixed loggers writing to stderr and, optionally,
// a size-rotated file.
type Factory struct {
	mu     sync.Mutex
	out    io.Writer
	rotate *lumberjack.Logger
}

// New creates a Factory. stderr may be nil to log only to the file.
func New(cfg config.LogConfig, stderr io.Writer) *Factory {
	f := &Factory{}
	var writers []io.Writer
	if stderr != nil {
		writers = append(writers, stderr)
	}
	if cfg.File != "" {
		f.rotate = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, f.rotate)
	}
	switch len(writers) {
	case 0:
		f.out = io.Discard
	case 1:
		f.out = writers[0]
	default:
		f.out = io.MultiWriter(writers...)
	}
	return f
}

// Default logs to stderr only.
func Default() *Factory {
	return New(config.LogConfig{}, os.Stderr)
}

// Logger returns a logger for one component, e.g. Logger("engine")
// prefixes lines with "[engine] ".
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.out, "["+component+"] ", log.LstdFlags)
}

// Rotate closes the current log file and starts a new one.
func (f *Factory) Rotate() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rotate == nil {
		return nil
	}
	return f.rotate.Rotate()
}

// Close flushes and closes the log file, if any.
func (f *Factory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rotate == nil {
		return nil
	}
	return f.rotate.Close()
}
