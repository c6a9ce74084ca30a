package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9_.\-]+`)

// Store keeps per-attempt transcripts under <baseDir>/logs.
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir (the state directory).
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// BaseDir returns the root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// TaskDir returns the log directory of a task.
func (s *Store) TaskDir(taskID string) string {
	return filepath.Join(s.baseDir, "logs", safeName(taskID))
}

// AttemptDir returns the directory for one attempt of one retry session.
func (s *Store) AttemptDir(taskID string, session, attempt int) string {
	return filepath.Join(s.TaskDir(taskID), fmt.Sprintf("session-%d", session), fmt.Sprintf("attempt-%d", attempt))
}

// AttemptMeta is the summary written next to the transcript.
type AttemptMeta struct {
	TaskID    string    `json:"task_id"`
	RunID     string    `json:"run_id"`
	Session   int       `json:"session"`
	Attempt   int       `json:"attempt"`
	Success   bool      `json:"success"`
	ErrorCode string    `json:"error_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Duration  string    `json:"duration"`
	WrittenAt time.Time `json:"written_at"`
}

// SavePrompt stores the prompt sent to the agent.
func (s *Store) SavePrompt(taskID string, session, attempt int, prompt string) error {
	return s.save(taskID, session, attempt, "prompt.md", []byte(prompt))
}

// SaveOutput stores the raw agent output. Large transcripts are
// compressed.
func (s *Store) SaveOutput(taskID string, session, attempt int, output string) error {
	return s.saveLog(taskID, session, attempt, "output.log", []byte(output))
}

// SaveHookOutput stores post-done hook output.
func (s *Store) SaveHookOutput(taskID string, session, attempt int, output string) error {
	return s.saveLog(taskID, session, attempt, "hooks.log", []byte(output))
}

// SaveMeta stores the attempt summary as JSON.
func (s *Store) SaveMeta(meta AttemptMeta) error {
	dir := s.AttemptDir(meta.TaskID, meta.Session, meta.Attempt)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir attempt dir: %w", err)
	}
	return WriteJSON(filepath.Join(dir, "attempt.json"), meta)
}

// GetPrompt reads the prompt of an attempt.
func (s *Store) GetPrompt(taskID string, session, attempt int) (string, error) {
	return s.read(taskID, session, attempt, "prompt.md")
}

// GetOutput reads the raw agent output of an attempt.
func (s *Store) GetOutput(taskID string, session, attempt int) (string, error) {
	return s.readLog(taskID, session, attempt, "output.log")
}

// GetHookOutput reads the post-done hook output of an attempt.
func (s *Store) GetHookOutput(taskID string, session, attempt int) (string, error) {
	return s.readLog(taskID, session, attempt, "hooks.log")
}

// GetMeta reads the attempt summary.
func (s *Store) GetMeta(taskID string, session, attempt int) (*AttemptMeta, error) {
	var meta AttemptMeta
	if err := ReadJSON(filepath.Join(s.AttemptDir(taskID, session, attempt), "attempt.json"), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *Store) save(taskID string, session, attempt int, name string, data []byte) error {
	dir := s.AttemptDir(taskID, session, attempt)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir attempt dir: %w", err)
	}
	return WriteAtomic(filepath.Join(dir, name), data)
}

func (s *Store) saveLog(taskID string, session, attempt int, name string, data []byte) error {
	encoded, file := encodeLog(name, data)
	if err := s.save(taskID, session, attempt, file, encoded); err != nil {
		return err
	}
	stale := name + ".zst"
	if file == stale {
		stale = name
	}
	if err := os.Remove(filepath.Join(s.AttemptDir(taskID, session, attempt), stale)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", stale, err)
	}
	return nil
}

// readLog reads a log written by saveLog, whichever form it was stored in.
func (s *Store) readLog(taskID string, session, attempt int, name string) (string, error) {
	text, err := s.read(taskID, session, attempt, name)
	if !errors.Is(err, fs.ErrNotExist) {
		return text, err
	}
	compressed, zerr := os.ReadFile(filepath.Join(s.AttemptDir(taskID, session, attempt), name+".zst"))
	if zerr != nil {
		if errors.Is(zerr, fs.ErrNotExist) {
			return "", err
		}
		return "", zerr
	}
	data, zerr := decodeLog(compressed)
	if zerr != nil {
		return "", zerr
	}
	return string(data), nil
}

func (s *Store) read(taskID string, session, attempt int, name string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.AttemptDir(taskID, session, attempt), name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func safeName(id string) string {
	name := unsafePathChars.ReplaceAllString(id, "_")
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}
