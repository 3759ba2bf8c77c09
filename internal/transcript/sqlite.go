package transcript

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/chatrelay/internal/opstate"
)

// Namespace is the operational-state namespace holding transcripts.
const Namespace = "transcripts"

// SQLiteStore persists transcripts as JSON documents in the
// operational state database, one row per conversation. Each save is a
// single upsert, so a failed write leaves the previous row intact.
type SQLiteStore struct {
	state      *opstate.Store
	directive  string
	maxHistory int
	logger     *slog.Logger
}

// NewSQLiteStore creates a persister on top of an opened state store.
// The caller owns state and closes it.
func NewSQLiteStore(state *opstate.Store, directive string, maxHistory int, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{
		state:      state,
		directive:  directive,
		maxHistory: maxHistory,
		logger:     logger.With("component", "transcript_sqlite"),
	}
}

// Load reads the conversation's document. A missing row yields a fresh
// transcript and no error.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Transcript, error) {
	value, ok, err := s.state.Get(ctx, Namespace, id)
	if err != nil {
		return New(s.directive, s.maxHistory), &PersistenceError{Op: "load", ConversationID: id, Err: err}
	}
	if !ok {
		return New(s.directive, s.maxHistory), nil
	}

	t, err := decode([]byte(value), s.directive, s.maxHistory, s.logger)
	if err != nil {
		return New(s.directive, s.maxHistory), &PersistenceError{
			Op:             "load",
			ConversationID: id,
			Err:            fmt.Errorf("parse stored document: %w", err),
		}
	}
	return t, nil
}

// Save upserts the whole transcript.
func (s *SQLiteStore) Save(ctx context.Context, id string, t *Transcript) error {
	data, err := encode(t)
	if err != nil {
		return &PersistenceError{Op: "save", ConversationID: id, Err: fmt.Errorf("encode: %w", err)}
	}
	if err := s.state.Set(ctx, Namespace, id, string(data)); err != nil {
		return &PersistenceError{Op: "save", ConversationID: id, Err: err}
	}
	return nil
}

var _ Lister = (*SQLiteStore)(nil)

// IDs lists the stored conversation IDs.
func (s *SQLiteStore) IDs(ctx context.Context) ([]string, error) {
	return s.state.Keys(ctx, Namespace)
}
