package audit

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Sink is append-only storage for encoded events.
type Sink interface {
	Append(p []byte) error
	Size() (int64, error)
	Rotate() error
}

// FileSink appends to a file on disk and rotates it to a single backup,
// "<path>.1".
type FileSink struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// NewFileSink returns a sink for path. The file and its parent directory are
// created on first append.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Path returns the active file path.
func (s *FileSink) Path() string { return s.path }

// BackupPath returns the rotation target.
func (s *FileSink) BackupPath() string { return s.path + ".1" }

func (s *FileSink) open() error {
	if s.f != nil {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create audit dir: %w", err)
		}
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	s.f = f
	return nil
}

// Append writes p at the end of the file.
func (s *FileSink) Append(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.open(); err != nil {
		return err
	}
	if _, err := s.f.Write(p); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// Size reports the current file size. A missing file has size zero.
func (s *FileSink) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Rotate renames the active file over the backup. The next Append starts a
// fresh file.
func (s *FileSink) Rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f != nil {
		_ = s.f.Close()
		s.f = nil
	}
	if err := os.Rename(s.path, s.BackupPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	return nil
}

// Close releases the open file handle.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
