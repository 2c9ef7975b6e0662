// Package channels provides the HTTP surface for all inbound channels: the
// web chat API and the telephony webhooks for SMS and voice. Each adapter is
// a thin translation layer between its wire format and the agent turn loop.
package channels

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/halcyonsites/frontdesk/internal/agent"
	. "github.com/halcyonsites/frontdesk/internal/logging"
	"github.com/halcyonsites/frontdesk/internal/types"
)

// TurnRunner runs one agent turn. Satisfied by *agent.Orchestrator.
type TurnRunner interface {
	RunTurn(ctx context.Context, conversationID string, channel types.Channel, userInput string) (*agent.TurnResult, error)
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Listen       string // Address to listen on (e.g. ":8820")
	SMSMaxLength int    // Outbound SMS reply cap
	VoiceHandoff string // Number offered when the agent gives up
}

// Server hosts the web API and the telephony webhooks.
type Server struct {
	server *http.Server
	runner TurnRunner
	wg     sync.WaitGroup

	web   *WebAdapter
	sms   *SMSAdapter
	voice *VoiceAdapter

	// Extra handlers mounted at setup time (media stream endpoint).
	extra map[string]http.Handler
}

// NewServer creates the channel server. Extra handlers, like the voice media
// stream, must be mounted before Start.
func NewServer(cfg *ServerConfig, runner TurnRunner) *Server {
	listen := cfg.Listen
	if listen == "" {
		listen = ":8820"
	}

	s := &Server{
		runner: runner,
		web:    NewWebAdapter(runner),
		sms:    NewSMSAdapter(runner, cfg.SMSMaxLength),
		voice:  NewVoiceAdapter(runner, cfg.VoiceHandoff),
		extra:  make(map[string]http.Handler),
	}

	s.server = &http.Server{
		Addr:         listen,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Mount registers an extra handler, e.g. the voice media-stream endpoint.
// Must be called before Start.
func (s *Server) Mount(path string, h http.Handler) {
	s.extra[path] = h
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(h))
	}

	// Web chat API
	mux.HandleFunc("/api/chat", wrap(s.web.HandleChat))
	mux.HandleFunc("/api/status", wrap(s.handleStatus))

	// Telephony webhooks
	mux.HandleFunc("/webhook/sms", wrap(s.sms.HandleInbound))
	mux.HandleFunc("/webhook/voice", wrap(s.voice.HandleCallStart))
	mux.HandleFunc("/webhook/voice/turn", wrap(s.voice.HandleTurn))

	for path, h := range s.extra {
		mux.Handle(path, h)
	}

	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server.Handler = s.setupRoutes()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("channels: server starting", "addr", s.server.Addr)

		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			L_error("channels: server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		L_error("channels: shutdown error", "error", err)
		return err
	}

	s.wg.Wait()
	L_info("channels: server stopped")
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// logRequest wraps an HTTP handler to log requests
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		L_trace("channels: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start))
	}
}

// loggingResponseWriter wraps ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// stripHeaders removes fingerprinting headers
func (s *Server) stripHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")

		handler(w, r)
	}
}
