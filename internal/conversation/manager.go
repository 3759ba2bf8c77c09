package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nugget/chatrelay/internal/transcript"
)

// Manager hands out one Conversation per ID, loading its transcript on
// first use. The manager's lock guards only the map, so a slow
// completion in one conversation never delays another.
type Manager struct {
	persister transcript.Persister
	completer Completer
	opts      Options
	logger    *slog.Logger

	mu    sync.Mutex
	convs map[string]*Conversation
}

// NewManager creates a manager that loads and saves through p.
func NewManager(p transcript.Persister, c Completer, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		persister: p,
		completer: c,
		opts:      opts,
		logger:    logger.With("component", "conversation"),
		convs:     make(map[string]*Conversation),
	}
}

// Get returns the conversation for id, loading it if needed. A failed
// load is logged and the conversation starts from a fresh transcript.
func (m *Manager) Get(ctx context.Context, id string) *Conversation {
	m.mu.Lock()
	conv, ok := m.convs[id]
	m.mu.Unlock()
	if ok {
		return conv
	}

	t, err := m.persister.Load(ctx, id)
	if err != nil {
		m.logger.Warn("failed to load transcript, starting fresh", "conversation_id", id, "error", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another caller may have loaded it while we were reading.
	if conv, ok := m.convs[id]; ok {
		return conv
	}
	conv = New(id, t, m.persister, m.completer, m.opts, m.logger)
	m.convs[id] = conv
	m.logger.Debug("conversation opened", "conversation_id", id, "messages", t.Len())
	return conv
}

// Snapshot returns the transcript of conversation id. A conversation
// that has not been opened is read from storage without opening it.
func (m *Manager) Snapshot(ctx context.Context, id string) ([]transcript.Message, error) {
	m.mu.Lock()
	conv, ok := m.convs[id]
	m.mu.Unlock()
	if ok {
		return conv.Messages(), nil
	}

	t, err := m.persister.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return t.Messages(), nil
}

// Handle routes u to the conversation named id.
func (m *Manager) Handle(ctx context.Context, id string, u Utterance) (string, error) {
	return m.Get(ctx, id).Handle(ctx, u)
}

// List returns the open conversations plus, when the persister is a
// transcript.Lister, the stored ones, sorted and without duplicates. If
// storage cannot be read the open IDs are still returned with the error.
func (m *Manager) List(ctx context.Context) ([]string, error) {
	open := m.IDs()
	lister, ok := m.persister.(transcript.Lister)
	if !ok {
		return open, nil
	}
	stored, err := lister.IDs(ctx)
	if err != nil {
		return open, fmt.Errorf("list stored conversations: %w", err)
	}

	seen := make(map[string]bool, len(open)+len(stored))
	ids := make([]string, 0, len(open)+len(stored))
	for _, id := range append(open, stored...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// IDs returns the IDs of the conversations opened so far, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.convs))
	for id := range m.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
