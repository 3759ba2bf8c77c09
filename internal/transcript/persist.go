package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

// Persister loads and saves transcripts by conversation ID.
//
// Load never fails the caller: it always returns a usable transcript.
// When stored state exists but cannot be read or parsed, the returned
// transcript is fresh and the error (a *PersistenceError) explains why,
// for the caller to log. Save returns a *PersistenceError on failure;
// the in-memory transcript stays authoritative either way.
type Persister interface {
	Load(ctx context.Context, id string) (*Transcript, error)
	Save(ctx context.Context, id string, t *Transcript) error
}

// Lister is implemented by persisters that can enumerate the
// conversations they hold.
type Lister interface {
	IDs(ctx context.Context) ([]string, error)
}

// PersistenceError describes a failed load or save.
type PersistenceError struct {
	Op             string // "load" or "save"
	ConversationID string
	Err            error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("transcript %s %q: %v", e.Op, e.ConversationID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// encode renders a transcript as the persisted JSON document: an array
// of {"role", "content"} objects indented for humans, directive first.
func encode(t *Transcript) ([]byte, error) {
	t.EnsureDirective()
	data, err := json.MarshalIndent(t.Messages(), "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// decode parses a persisted document into a normalized transcript.
// Entries with an unknown role or blank content are skipped.
func decode(data []byte, directive string, maxHistory int, logger *slog.Logger) (*Transcript, error) {
	var raw []Message
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	msgs := make([]Message, 0, len(raw))
	for i, m := range raw {
		if !m.Role.Valid() || (m.Role != RoleSystem && strings.TrimSpace(m.Content) == "") {
			logger.Warn("dropping invalid transcript entry", "index", i, "role", string(m.Role))
			continue
		}
		msgs = append(msgs, m)
	}
	return FromMessages(directive, maxHistory, msgs), nil
}

// SanitizeID maps a conversation ID onto [A-Za-z0-9_-] so it can be
// used as a file name. An ID with no usable characters becomes "default".
func SanitizeID(id string) string {
	var sb strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	if strings.Trim(sb.String(), "_") == "" {
		return "default"
	}
	return sb.String()
}
