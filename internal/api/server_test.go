package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"

	"github.com/nugget/chatrelay/internal/completion"
	"github.com/nugget/chatrelay/internal/connwatch"
	"github.com/nugget/chatrelay/internal/conversation"
	"github.com/nugget/chatrelay/internal/events"
	"github.com/nugget/chatrelay/internal/transcript"
	"github.com/nugget/chatrelay/internal/usage"
)

type handledCall struct {
	id string
	u  conversation.Utterance
}

type fakeRelay struct {
	mu      sync.Mutex
	calls   []handledCall
	reply   string
	err     error
	listErr error
	stored  map[string][]transcript.Message
}

func (f *fakeRelay) Handle(_ context.Context, id string, u conversation.Utterance) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, handledCall{id, u})
	return f.reply, f.err
}

func (f *fakeRelay) Snapshot(_ context.Context, id string) ([]transcript.Message, error) {
	if msgs, ok := f.stored[id]; ok {
		return msgs, nil
	}
	return nil, errors.New("corrupt")
}

func (f *fakeRelay) List(context.Context) ([]string, error) {
	return []string{"a", "b"}, f.listErr
}

type fakeUsage struct{}

func (fakeUsage) Summary(context.Context, time.Time, time.Time) (*usage.Summary, error) {
	return &usage.Summary{TotalRecords: 3, TotalInputTokens: 30}, nil
}

func (fakeUsage) SummaryByModel(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"m": {TotalRecords: 3}}, nil
}

func (fakeUsage) SummaryByConversation(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error) {
	return map[string]*usage.Summary{"discord-1": {TotalRecords: 2}, "api": {TotalRecords: 1}}, nil
}

func newTestServer(t *testing.T, relay *fakeRelay) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer("", 0, relay, slog.Default())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHandleUtterance(t *testing.T) {
	relay := &fakeRelay{reply: "Once upon a time."}
	_, ts := newTestServer(t, relay)

	resp := postJSON(t, ts.URL+"/v1/utterances",
		`{"conversation_id": "story", "text": "Tell me a story", "sender": "Sam", "reply_to": {"author": "Bob", "content": "Hello"}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got UtteranceResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.OK || got.Reply != "Once upon a time." || got.ConversationID != "story" {
		t.Errorf("response = %+v", got)
	}
	if got.RequestID == "" || resp.Header.Get("X-Request-ID") != got.RequestID {
		t.Errorf("request ID header %q vs body %q", resp.Header.Get("X-Request-ID"), got.RequestID)
	}

	if len(relay.calls) != 1 {
		t.Fatalf("relay calls = %d, want 1", len(relay.calls))
	}
	call := relay.calls[0]
	if call.u.Text != "Tell me a story" || call.u.Sender != "Sam" {
		t.Errorf("utterance = %+v", call.u)
	}
	if call.u.Reply == nil || call.u.Reply.Author != "Bob" || call.u.Reply.Content != "Hello" {
		t.Errorf("reply context = %+v", call.u.Reply)
	}
}

func TestHandleUtterance_DefaultConversation(t *testing.T) {
	relay := &fakeRelay{reply: "ok"}
	_, ts := newTestServer(t, relay)

	postJSON(t, ts.URL+"/v1/utterances", `{"text": "hi"}`)
	if len(relay.calls) != 1 || relay.calls[0].id != DefaultConversationID {
		t.Errorf("calls = %+v, want default conversation", relay.calls)
	}
}

func TestHandleUtterance_Failure(t *testing.T) {
	relay := &fakeRelay{
		reply: conversation.NoticeFailure,
		err:   &completion.UpstreamError{Model: "m", Err: context.DeadlineExceeded},
	}
	_, ts := newTestServer(t, relay)

	resp := postJSON(t, ts.URL+"/v1/utterances", `{"text": "hi"}`)
	var got UtteranceResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.OK {
		t.Error("OK = true, want false")
	}
	if got.Reply != conversation.NoticeFailure {
		t.Errorf("Reply = %q, want failure notice", got.Reply)
	}
	if got.ErrorKind != "upstream" {
		t.Errorf("ErrorKind = %q, want upstream", got.ErrorKind)
	}
}

func TestHandleUtterance_BadJSON(t *testing.T) {
	relay := &fakeRelay{}
	_, ts := newTestServer(t, relay)

	resp := postJSON(t, ts.URL+"/v1/utterances", `{not json`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Message != "invalid JSON" {
		t.Errorf("message = %q, want the static %q", body.Error.Message, "invalid JSON")
	}
	if len(relay.calls) != 0 {
		t.Error("relay called for malformed request")
	}
}

func TestHandleConversationGet(t *testing.T) {
	relay := &fakeRelay{stored: map[string][]transcript.Message{
		"c1": {{Role: transcript.RoleSystem, Content: "d"}, {Role: transcript.RoleUser, Content: "Ann>hi"}},
	}}
	_, ts := newTestServer(t, relay)

	resp, err := http.Get(ts.URL + "/v1/conversations/c1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got struct {
		ConversationID string               `json:"conversation_id"`
		Messages       []transcript.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ConversationID != "c1" || len(got.Messages) != 2 || got.Messages[1].Content != "Ann>hi" {
		t.Errorf("got %+v", got)
	}

	bad, err := http.Get(ts.URL + "/v1/conversations/broken")
	if err != nil {
		t.Fatal(err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusInternalServerError {
		t.Errorf("broken status = %d, want 500", bad.StatusCode)
	}
}

func TestHandleConversationList(t *testing.T) {
	for _, listErr := range []error{nil, errors.New("database is locked")} {
		_, ts := newTestServer(t, &fakeRelay{listErr: listErr})

		resp, err := http.Get(ts.URL + "/v1/conversations")
		if err != nil {
			t.Fatal(err)
		}

		var got struct {
			Conversations []string `json:"conversations"`
		}
		err = json.NewDecoder(resp.Body).Decode(&got)
		resp.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		if resp.StatusCode != http.StatusOK || len(got.Conversations) != 2 {
			t.Errorf("listErr=%v: status %d, conversations = %v", listErr, resp.StatusCode, got.Conversations)
		}
	}
}

func TestHandleUsage(t *testing.T) {
	s, ts := newTestServer(t, &fakeRelay{})

	resp, err := http.Get(ts.URL + "/v1/usage")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("disabled usage status = %d, want 404", resp.StatusCode)
	}

	s.SetUsage(fakeUsage{})
	resp, err = http.Get(ts.URL + "/v1/usage?hours=6")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got struct {
		Hours          int                       `json:"hours"`
		Total          usage.Summary             `json:"total"`
		ByModel        map[string]*usage.Summary `json:"by_model"`
		ByConversation map[string]*usage.Summary `json:"by_conversation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Hours != 6 || got.Total.TotalRecords != 3 || got.ByModel["m"] == nil {
		t.Errorf("got %+v", got)
	}
	if c := got.ByConversation["discord-1"]; c == nil || c.TotalRecords != 2 {
		t.Errorf("by_conversation = %+v", got.ByConversation)
	}
}

// windowUsage records the window it was asked about.
type windowUsage struct {
	fakeUsage
	mu         sync.Mutex
	start, end time.Time
}

func (u *windowUsage) Summary(_ context.Context, start, end time.Time) (*usage.Summary, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.start, u.end = start, end
	return &usage.Summary{}, nil
}

func TestHandleUsage_HoursClamped(t *testing.T) {
	s, ts := newTestServer(t, &fakeRelay{})
	u := &windowUsage{}
	s.SetUsage(u)

	resp, err := http.Get(ts.URL + "/v1/usage?hours=9223372036854775807")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got struct {
		Hours int `json:"hours"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Hours != maxUsageHours {
		t.Errorf("hours = %d, want %d", got.Hours, maxUsageHours)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.start.Before(u.end) {
		t.Errorf("window start %v is not before end %v", u.start, u.end)
	}
	if span := u.end.Sub(u.start); span != maxUsageHours*time.Hour {
		t.Errorf("window = %v, want %v", span, maxUsageHours*time.Hour)
	}
}

func TestHandleHealthAndVersion(t *testing.T) {
	_, ts := newTestServer(t, &fakeRelay{})

	for _, path := range []string{"/health", "/v1/version"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("%s Content-Type = %q", path, ct)
		}
	}
}

type fakeHealth struct{ st connwatch.Status }

func (f fakeHealth) Status() connwatch.Status { return f.st }

func TestHandleHealth_Provider(t *testing.T) {
	tests := []struct {
		name  string
		ready bool
		want  string
	}{
		{"provider up", true, "healthy"},
		{"provider down", false, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ts := newTestServer(t, &fakeRelay{})
			s.SetHealth(fakeHealth{st: connwatch.Status{Name: "groq", Ready: tt.ready}})

			resp, err := http.Get(ts.URL + "/health")
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d, want 200", resp.StatusCode)
			}
			var got healthResponse
			if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got.Status != tt.want {
				t.Errorf("status = %q, want %q", got.Status, tt.want)
			}
			if got.Provider == nil || got.Provider.Name != "groq" || got.Provider.Ready != tt.ready {
				t.Errorf("provider = %+v", got.Provider)
			}
		})
	}
}

func TestHandleEvents_Stream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	bus := events.New()
	s, ts := newTestServer(t, &fakeRelay{})
	s.SetEventBus(bus)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Emit(events.SourceConversation, events.KindCompletion, map[string]any{"conversation_id": "c1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Kind != events.KindCompletion || got.Data["conversation_id"] != "c1" {
		t.Errorf("event = %+v", got)
	}

	conn.Close()
	for bus.SubscriberCount() != 0 {
		if time.Now().After(deadline.Add(2 * time.Second)) {
			t.Fatal("stream did not unsubscribe after client left")
		}
		time.Sleep(5 * time.Millisecond)
	}
	ts.Close()
}

func TestHandleEvents_Disabled(t *testing.T) {
	_, ts := newTestServer(t, &fakeRelay{})

	resp, err := http.Get(ts.URL + "/v1/events")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 24},
		{"hours=6", 6},
		{"hours=abc", 24},
		{"hours=-1", 24},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/v1/usage?"+tt.query, nil)
		if got := parseIntParam(r, "hours", 24); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	s := NewServer("", 0, &fakeRelay{}, nil)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
	// A second call must not panic on the closed channel.
	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() = %v", err)
	}
	// Start after Shutdown must not begin serving.
	if err := s.Start(context.Background()); !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Start() after Shutdown = %v, want ErrServerClosed", err)
	}
}

func TestStart_ServesWithConnLimit(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	s := NewServer("127.0.0.1", port, &fakeRelay{}, nil)
	s.SetMaxConns(1)

	errc := make(chan error, 1)
	go func() { errc <- s.Start(context.Background()) }()

	client := &http.Client{
		Timeout:   time.Second,
		Transport: &http.Transport{DisableKeepAlives: true},
	}
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	var resp *http.Response
	for range 50 {
		resp, err = client.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /health never succeeded: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := s.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() = %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			t.Errorf("Start() = %v, want ErrServerClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Shutdown")
	}
}
