// Package api implements the chatrelay HTTP API: an alternate inbound
// boundary for utterances, transcript and usage introspection, and a
// live WebSocket stream of operational events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/net/netutil"

	"github.com/nugget/chatrelay/internal/buildinfo"
	"github.com/nugget/chatrelay/internal/connwatch"
	"github.com/nugget/chatrelay/internal/conversation"
	"github.com/nugget/chatrelay/internal/events"
	"github.com/nugget/chatrelay/internal/transcript"
	"github.com/nugget/chatrelay/internal/usage"
)

// DefaultConversationID receives utterances posted without one.
const DefaultConversationID = "api"

// maxUsageHours caps the usage window at one year so the start time
// cannot overflow.
const maxUsageHours = 24 * 365

const (
	eventBuffer   = 64
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Relay is the conversation surface the API drives.
type Relay interface {
	Handle(ctx context.Context, id string, u conversation.Utterance) (string, error)
	Snapshot(ctx context.Context, id string) ([]transcript.Message, error)
	List(ctx context.Context) ([]string, error)
}

// UsageReporter answers usage queries.
type UsageReporter interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByConversation(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// HealthReporter reports completion provider reachability.
type HealthReporter interface {
	Status() connwatch.Status
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	relay    Relay
	usage    UsageReporter
	bus      *events.Bus
	health   HealthReporter
	maxConns int
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu   sync.Mutex
	done chan struct{}
}

// NewServer creates an API server. Usage and events are optional and
// attached with SetUsage and SetEventBus.
func NewServer(address string, port int, relay Relay, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		relay:   relay,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		done: make(chan struct{}),
	}
}

// SetUsage enables the usage endpoint.
func (s *Server) SetUsage(u UsageReporter) {
	s.usage = u
}

// SetEventBus enables the live event stream.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// SetMaxConns caps simultaneous client connections. Zero or negative
// leaves the listener unbounded.
func (s *Server) SetMaxConns(n int) {
	s.maxConns = n
}

// SetHealth adds provider reachability to /health.
func (s *Server) SetHealth(h HealthReporter) {
	s.health = h
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/utterances", s.handleUtterance)
	mux.HandleFunc("GET /v1/conversations", s.handleConversationList)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start serves until Shutdown is called. It returns
// http.ErrServerClosed after a clean shutdown, including when Shutdown
// ran first.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return http.ErrServerClosed
	default:
	}
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second, // a completion can take a while
		BaseContext:  func(_ net.Listener) context.Context { return ctx },
	}
	s.server = srv
	s.mu.Unlock()

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port, "max_conns", s.maxConns)
	return srv.Serve(ln)
}

// Shutdown gracefully stops the server and ends open event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.BuildInfo(), s.logger)
}

// healthResponse is the body of GET /health. The endpoint answers 200
// while the process is up; a provider outage shows as "degraded".
type healthResponse struct {
	Status   string            `json:"status"`
	Provider *connwatch.Status `json:"provider,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy"}
	if s.health != nil {
		st := s.health.Status()
		resp.Provider = &st
		if !st.Ready {
			resp.Status = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

// UtteranceRequest is the body of POST /v1/utterances.
type UtteranceRequest struct {
	ConversationID string                     `json:"conversation_id,omitempty"`
	Text           string                     `json:"text"`
	Sender         string                     `json:"sender,omitempty"`
	ReplyTo        *conversation.ReplyContext `json:"reply_to,omitempty"`
}

// UtteranceResponse carries the user-presentable reply. OK is false when
// Reply is a notice rather than a model answer.
type UtteranceResponse struct {
	RequestID      string `json:"request_id"`
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
	OK             bool   `json:"ok"`
	ErrorKind      string `json:"error_kind,omitempty"`
}

func (s *Server) handleUtterance(w http.ResponseWriter, r *http.Request) {
	var req UtteranceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.logger.Debug("rejecting utterance body", "remote", r.RemoteAddr, "error", err)
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	requestID := uuid.Must(uuid.NewV7()).String()
	convID := req.ConversationID
	if convID == "" {
		convID = DefaultConversationID
	}

	s.bus.Emit(events.SourceAPI, events.KindMessageReceived, map[string]any{
		"request_id":      requestID,
		"conversation_id": convID,
		"sender":          req.Sender,
		"message_len":     len(req.Text),
	})

	reply, err := s.relay.Handle(r.Context(), convID, conversation.Utterance{
		Text:   req.Text,
		Sender: req.Sender,
		Reply:  req.ReplyTo,
	})

	resp := UtteranceResponse{
		RequestID:      requestID,
		ConversationID: convID,
		Reply:          reply,
		OK:             err == nil,
		ErrorKind:      conversation.ErrorKind(err),
	}
	if err != nil {
		s.logger.Debug("utterance not answered", "request_id", requestID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	ids, err := s.relay.List(r.Context())
	if err != nil {
		// The open conversations are still worth listing.
		s.logger.Warn("failed to list stored conversations", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversations": ids}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.relay.Snapshot(r.Context(), id)
	if err != nil {
		s.logger.Warn("failed to read transcript", "conversation_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "transcript unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation_id": id,
		"messages":        msgs,
	}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusNotFound, "usage tracking is disabled")
		return
	}

	hours := min(parseIntParam(r, "hours", 24), maxUsageHours)
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Warn("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Warn("usage by model failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	byConversation, err := s.usage.SummaryByConversation(r.Context(), start, end)
	if err != nil {
		s.logger.Warn("usage by conversation failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"hours":           hours,
		"total":           total,
		"by_model":        byModel,
		"by_conversation": byConversation,
	}, s.logger)
}

// handleEvents upgrades to a WebSocket and forwards every bus event as
// one JSON text message until either side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusNotFound, "event stream is disabled")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(eventBuffer)
	defer s.bus.Unsubscribe(ch)
	s.logger.Debug("event stream opened", "remote", r.RemoteAddr)

	// The client never sends anything we care about, but reading is
	// how close frames and dead peers are noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			s.logger.Debug("event stream closed by client", "remote", r.RemoteAddr)
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeDeadline))
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
