package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// FileStore persists each conversation as <dir>/<id>.json. Writes go
// to a temporary file that is renamed into place, so a crash mid-write
// leaves the previous document intact.
type FileStore struct {
	dir        string
	directive  string
	maxHistory int
	logger     *slog.Logger
}

// NewFileStore creates a file-backed persister rooted at dir. The
// directory is created on first save.
func NewFileStore(dir, directive string, maxHistory int, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		dir:        dir,
		directive:  directive,
		maxHistory: maxHistory,
		logger:     logger.With("component", "transcript_file"),
	}
}

// Path returns the file that holds conversation id.
func (s *FileStore) Path(id string) string {
	return filepath.Join(s.dir, SanitizeID(id)+".json")
}

// Load reads the conversation's file. A missing file yields a fresh
// transcript and no error.
func (s *FileStore) Load(_ context.Context, id string) (*Transcript, error) {
	path := s.Path(id)
	data, err := os.ReadFile(path)
	if err != nil {
		fresh := New(s.directive, s.maxHistory)
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Debug("no stored transcript, starting fresh", "conversation_id", id, "path", path)
			return fresh, nil
		}
		return fresh, &PersistenceError{Op: "load", ConversationID: id, Err: err}
	}

	t, err := decode(data, s.directive, s.maxHistory, s.logger)
	if err != nil {
		return New(s.directive, s.maxHistory), &PersistenceError{
			Op:             "load",
			ConversationID: id,
			Err:            fmt.Errorf("parse %s: %w", path, err),
		}
	}

	s.logger.Debug("transcript loaded", "conversation_id", id, "messages", t.Len())
	return t, nil
}

// Save writes the whole transcript atomically.
func (s *FileStore) Save(_ context.Context, id string, t *Transcript) error {
	data, err := encode(t)
	if err != nil {
		return &PersistenceError{Op: "save", ConversationID: id, Err: fmt.Errorf("encode: %w", err)}
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return &PersistenceError{Op: "save", ConversationID: id, Err: err}
	}
	if err := renameio.WriteFile(s.Path(id), data, 0o644); err != nil {
		return &PersistenceError{Op: "save", ConversationID: id, Err: err}
	}
	return nil
}
