// Package api exposes the Chatflow HTTP surface consumed by the embeddable
// widget: message handling, per-tab history, session lifecycle, handoff
// message retrieval, and health.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/troikalabs/chatflow/internal/flow"
	"github.com/troikalabs/chatflow/internal/handoff"
	"github.com/troikalabs/chatflow/internal/models"
	"github.com/troikalabs/chatflow/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// TranscriptSender delivers a conversation transcript upstream.
// backend.Client satisfies it.
type TranscriptSender interface {
	SendTranscript(ctx context.Context, chatbotID, sessionID string, msgs []models.ChatMessage) error
}

// SpeechSynthesizer produces audio for a bot reply. backend.Client satisfies
// it.
type SpeechSynthesizer interface {
	GenerateTTS(ctx context.Context, chatbotID, text string) ([]byte, error)
}

// Opts holds configuration for the API server.
type Opts struct {
	// Addr is the listen address; falls back to CHATFLOW_API_ADDR, then
	// DefaultAddr.
	Addr string
	// Speech enables the /chat/tts endpoint when set.
	Speech SpeechSynthesizer
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithSpeech enables speech synthesis for bot replies.
func WithSpeech(speech SpeechSynthesizer) Option {
	return func(o *Opts) {
		o.Speech = speech
	}
}

// Server wires the flow controller, store, and handoff poller behind HTTP
// handlers.
type Server struct {
	addr        string
	ctrl        *flow.Controller
	st          store.Store
	poller      *handoff.Poller
	transcripts TranscriptSender
	speech      SpeechSynthesizer
	httpServer  *http.Server
}

// NewServer creates the API server. transcripts may be nil when transcript
// delivery is not configured.
func NewServer(ctrl *flow.Controller, st store.Store, poller *handoff.Poller, transcripts TranscriptSender, options ...Option) *Server {
	opts := Opts{}
	for _, opt := range options {
		opt(&opts)
	}
	if opts.Addr == "" {
		opts.Addr = os.Getenv("CHATFLOW_API_ADDR")
	}
	if opts.Addr == "" {
		opts.Addr = DefaultAddr
	}
	slog.Debug("Server.NewServer: configured", "addr", opts.Addr, "transcripts_enabled", transcripts != nil, "speech_enabled", opts.Speech != nil)
	return &Server{
		addr:        opts.Addr,
		ctrl:        ctrl,
		st:          st,
		poller:      poller,
		transcripts: transcripts,
		speech:      opts.Speech,
	}
}

// Handler returns the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/chat/message", s.chatMessageHandler)
	mux.HandleFunc("/chat/history", s.chatHistoryHandler)
	mux.HandleFunc("/chat/new", s.newChatHandler)
	mux.HandleFunc("/chat/transcript", s.transcriptHandler)
	mux.HandleFunc("/chat/tts", s.ttsHandler)
	mux.HandleFunc("/handoff/messages", s.handoffMessagesHandler)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return err
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"service": "chatflow"}))
}
