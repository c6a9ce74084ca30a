package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Sentinel is a file whose presence asks a running orchestrator to stop
// after the current task or wave.
type Sentinel struct {
	path string
}

// NewSentinel returns a sentinel at path.
func NewSentinel(path string) *Sentinel {
	return &Sentinel{path: path}
}

// Path returns the sentinel file path.
func (s *Sentinel) Path() string { return s.path }

// Request creates the sentinel. The file holds the request time.
func (s *Sentinel) Request() error {
	data := []byte(strconv.FormatInt(time.Now().Unix(), 10) + "\n")
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write stop file: %w", err)
	}
	return nil
}

// Requested reports whether the sentinel exists.
func (s *Sentinel) Requested() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Clear removes the sentinel once it has been honoured.
func (s *Sentinel) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stop file: %w", err)
	}
	return nil
}
