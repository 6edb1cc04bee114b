// Package httpapi is the local control surface: state inspection, the
// pending challenge payload, ad-hoc sends and operator resets.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"wspbot/internal/session"
	"wspbot/internal/transport"
	logx "wspbot/pkg/logx"
)

// Sessions is the slice of the session manager the API exposes.
type Sessions interface {
	State() session.State
	Snapshot() session.Snapshot
	Handle() transport.Engine
	Reset(ctx context.Context)
}

type Config struct {
	Addr    string
	Token   string // guards POST /send and /reset; empty disables the guard
	Service string
}

type Server struct {
	log      logx.Logger
	cfg      Config
	sessions Sessions
	srv      *http.Server
}

func New(log logx.Logger, cfg Config, sessions Sessions) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:3000"
	}
	s := &Server{log: log, cfg: cfg, sessions: sessions}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/qr", s.handleQR)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/send", s.handleSend)
		r.Post("/reset", s.handleReset)
	})
	return r
}

// Start serves until ctx is cancelled, then drains with a short grace
// period. It blocks.
func (s *Server) Start(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("control surface listening", logx.String("addr", s.cfg.Addr))
		errc <- s.srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(sctx)
	}
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token != "" {
			got := r.Header.Get("X-Auth-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid token"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"serviceName": s.cfg.Service,
		"timestamp":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.sessions.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":              string(snap.State),
		"challengeAvailable": snap.Challenge != "",
		"timestamp":          time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	snap := s.sessions.Snapshot()
	var challenge any
	if snap.Challenge != "" {
		challenge = snap.Challenge
	}
	writeJSON(w, http.StatusOK, map[string]any{"challenge": challenge})
}

type sendRequest struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil || req.To == "" || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "to and message are required"})
		return
	}

	eng := s.sessions.Handle()
	if eng == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "session not usable"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	if err := eng.SendText(ctx, req.To, req.Message); err != nil {
		s.log.Warn("ad-hoc send failed", logx.String("to", transport.Digits(req.To)), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "send failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": true})
}

// handleReset acknowledges immediately; the reconnect proceeds in the
// background.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	go s.sessions.Reset(context.Background())
	writeJSON(w, http.StatusAccepted, map[string]any{"ack": true})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
