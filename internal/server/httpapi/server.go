// Package httpapi exposes the catch-up polling interface: external readers
// fetch room history newer than a sequence number they remember, instead of
// assuming push delivery.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"wxrelay/internal/history"
	logx "wxrelay/pkg/logx"
)

type Config struct {
	Enabled        bool
	Addr           string
	AllowedOrigins []string
}

type Server struct {
	cfg  Config
	hist *history.Log
	log  logx.Logger
	srv  *http.Server
}

func New(cfg Config, hist *history.Log, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	s := &Server{cfg: cfg, hist: hist, log: log}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/v1/chatlog", s.handleChatlog)

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start runs the listener until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http api listening", logx.String("addr", s.cfg.Addr))
		errCh <- s.srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"seq":    s.hist.Seq(),
	})
}

// chatlogEntry is the catch-up wire format. Field names and the timestamp
// layout (YYYYMMDDHHMMSS) are a stable contract with external pollers.
type chatlogEntry struct {
	Seqnum  int64  `json:"seqnum"`
	Ts      string `json:"ts"`
	Author  string `json:"author"`
	Message string `json:"message"`
}

func (s *Server) handleChatlog(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "room is required"})
		return
	}
	var seq int64
	if raw := r.URL.Query().Get("seqnum"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "seqnum must be a non-negative integer"})
			return
		}
		seq = v
	}

	entries := s.hist.Since(room, seq)
	out := make([]chatlogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, chatlogEntry{
			Seqnum:  e.Seq,
			Ts:      e.Timestamp(),
			Author:  e.Author,
			Message: e.Body,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
