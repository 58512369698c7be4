// Package logging builds the prefixed loggers handed to each component.
//
// Every component takes a plain *log.Logger. When a log file is configured
// all of them share one lumberjack writer so rotation happens in one place.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configure the shared writer.
type Options struct {
	// File is the log file. Empty logs to stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Verbose also copies file output to stderr.
	Verbose bool
}

// Factory hands out loggers that share one destination.
type Factory struct {
	out    io.Writer
	closer io.Closer
}

// New creates a Factory for opts.
func New(opts Options) *Factory {
	if opts.File == "" {
		return &Factory{out: os.Stderr}
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	var out io.Writer = rotator
	if opts.Verbose {
		out = io.MultiWriter(rotator, os.Stderr)
	}
	return &Factory{out: out, closer: rotator}
}

// Discard returns a Factory whose loggers drop everything.
func Discard() *Factory {
	return &Factory{out: io.Discard}
}

// Logger returns a logger writing "[component] " prefixed lines.
func (f *Factory) Logger(component string) *log.Logger {
	return log.New(f.out, "["+component+"] ", log.LstdFlags)
}

// Writer returns the shared destination.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Close closes the log file, if any.
func (f *Factory) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
