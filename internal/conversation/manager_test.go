package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/chatrelay/internal/completion"
	"github.com/nugget/chatrelay/internal/transcript"
)

// gateCompleter blocks completions for one conversation until released.
type gateCompleter struct {
	blockFor string
	release  chan struct{}
}

func (g *gateCompleter) Complete(_ context.Context, msgs []transcript.Message) (*completion.Result, error) {
	if msgs[len(msgs)-1].Content == g.blockFor {
		<-g.release
	}
	return &completion.Result{Text: "ok", Model: "m"}, nil
}

func TestManager_SameIDSameConversation(t *testing.T) {
	mgr := NewManager(newMemPersister(), ok("x"), Options{}, slog.Default())
	a := mgr.Get(context.Background(), "c1")
	b := mgr.Get(context.Background(), "c1")
	if a != b {
		t.Error("Get returned different conversations for the same ID")
	}
	if got := mgr.IDs(); len(got) != 1 || got[0] != "c1" {
		t.Errorf("IDs() = %v, want [c1]", got)
	}
}

func TestManager_LoadsPersistedHistory(t *testing.T) {
	p := newMemPersister()
	p.saved["c1"] = []transcript.Message{
		{Role: transcript.RoleSystem, Content: "stale"},
		{Role: transcript.RoleUser, Content: "Ann>before"},
		{Role: transcript.RoleAssistant, Content: "earlier reply"},
	}

	mgr := NewManager(p, ok("x"), Options{}, slog.Default())
	msgs := mgr.Get(context.Background(), "c1").Messages()
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	if msgs[0].Content != testDirective {
		t.Errorf("directive = %q, want current directive", msgs[0].Content)
	}
}

func TestManager_ConversationsIndependent(t *testing.T) {
	gate := &gateCompleter{blockFor: "Ann>slow", release: make(chan struct{})}
	mgr := NewManager(newMemPersister(), gate, Options{}, slog.Default())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		mgr.Handle(context.Background(), "blocked", Utterance{Text: "slow", Sender: "Ann"})
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		mgr.Handle(context.Background(), "free", Utterance{Text: "fast", Sender: "Ann"})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("independent conversation waited on a blocked one")
	}

	close(gate.release)
	wg.Wait()
	<-done

	if got := mgr.IDs(); len(got) != 2 {
		t.Errorf("IDs() = %v, want 2 conversations", got)
	}
}

func TestManager_ConcurrentGet(t *testing.T) {
	mgr := NewManager(newMemPersister(), ok("x"), Options{}, slog.Default())

	const n = 16
	convs := make([]*Conversation, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			convs[i] = mgr.Get(context.Background(), "shared")
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if convs[i] != convs[0] {
			t.Fatalf("Get returned distinct conversations for one ID")
		}
	}
}

func TestManager_SnapshotDoesNotOpen(t *testing.T) {
	p := newMemPersister()
	p.saved["stored"] = []transcript.Message{{Role: transcript.RoleUser, Content: "Ann>hi"}}
	mgr := NewManager(p, ok("x"), Options{}, slog.Default())

	msgs, err := mgr.Snapshot(context.Background(), "stored")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(msgs) != 2 || msgs[1].Content != "Ann>hi" {
		t.Errorf("Snapshot() = %+v", msgs)
	}
	if ids := mgr.IDs(); len(ids) != 0 {
		t.Errorf("IDs() = %v, Snapshot should not open conversations", ids)
	}

	mgr.Handle(context.Background(), "live", Utterance{Text: "yo", Sender: "Ann"})
	msgs, _ = mgr.Snapshot(context.Background(), "live")
	if len(msgs) != 3 {
		t.Errorf("live Snapshot len = %d, want 3", len(msgs))
	}
}

// listingPersister is a memPersister that can enumerate what it holds.
type listingPersister struct {
	*memPersister
	err error
}

func (p *listingPersister) IDs(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	ids := make([]string, 0, len(p.saved))
	for id := range p.saved {
		ids = append(ids, id)
	}
	return ids, nil
}

func TestManager_ListIncludesStored(t *testing.T) {
	p := &listingPersister{memPersister: newMemPersister()}
	p.saved["discord-2"] = []transcript.Message{{Role: transcript.RoleUser, Content: "Ann>hi"}}
	p.saved["api"] = nil
	mgr := NewManager(p, ok("x"), Options{}, slog.Default())

	mgr.Get(context.Background(), "api")
	mgr.Get(context.Background(), "cli")

	ids, err := mgr.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"api", "cli", "discord-2"}
	if len(ids) != len(want) {
		t.Fatalf("List() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, ids[i], want[i])
		}
	}

	p.err = errors.New("database is locked")
	ids, err = mgr.List(context.Background())
	if err == nil {
		t.Error("List() err = nil, want storage error")
	}
	if len(ids) != 2 {
		t.Errorf("List() on storage error = %v, want the open conversations", ids)
	}
}

func TestManager_ListWithoutLister(t *testing.T) {
	mgr := NewManager(newMemPersister(), ok("x"), Options{}, slog.Default())
	mgr.Get(context.Background(), "c1")
	ids, err := mgr.List(context.Background())
	if err != nil || len(ids) != 1 || ids[0] != "c1" {
		t.Errorf("List() = %v, %v; want [c1], nil", ids, err)
	}
}
