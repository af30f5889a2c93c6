package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/node-registration/relay/internal/model"
)

// FileSink appends audit entries to a file as JSON lines.
type FileSink struct {
	writer io.Writer
	file   *os.File // only set if we own the file
	mu     sync.Mutex
}

// NewFileSink opens (or creates) filePath for appending.
func NewFileSink(filePath string) (*FileSink, error) {
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &FileSink{
		writer: file,
		file:   file,
	}, nil
}

// NewFileSinkWithWriter creates a FileSink that writes to w.
// This is useful for testing.
func NewFileSinkWithWriter(w io.Writer) *FileSink {
	return &FileSink{writer: w}
}

// Write implements Sink.
func (s *FileSink) Write(_ context.Context, entry model.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Close closes the log file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
