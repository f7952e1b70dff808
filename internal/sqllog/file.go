package sqllog

import (
	"fmt"
	"os"
	"path/filepath"
)

// Sink stores entries. Write is only ever called from the Writer goroutine.
type Sink interface {
	Name() string
	Write(e Entry) error
	Close() error
}

// FileSink appends text lines to a file, opening it for every write so the
// file can be moved or truncated underneath a running relay.
type FileSink struct {
	path string
}

// NewFileSink makes sure the parent directory exists.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}
	return &FileSink{path: path}, nil
}

func (s *FileSink) Name() string { return "file" }

// Path of the log file.
func (s *FileSink) Path() string { return s.path }

func (s *FileSink) Write(e Entry) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.path, err)
	}
	if _, err := f.Write(e.Line()); err != nil {
		_ = f.Close()
		return fmt.Errorf("append %s: %w", s.path, err)
	}
	return f.Close()
}

func (s *FileSink) Close() error { return nil }
