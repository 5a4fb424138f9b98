// Package httpapi is the inbound HTTP surface: the Telegram webhook plus
// health and stats endpoints.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/vigil/internal/config"
	"github.com/nextlevelbuilder/vigil/internal/ingest"
	"github.com/nextlevelbuilder/vigil/internal/store"
)

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Server handles webhook delivery and the observability endpoints.
type Server struct {
	cfg      *config.Config
	stores   *store.Stores
	db       *sql.DB // nil when the mem store backs tests
	ingestor *ingest.Ingestor

	draining   atomic.Bool
	inflight   sync.WaitGroup
	httpServer *http.Server
}

func NewServer(cfg *config.Config, stores *store.Stores, db *sql.DB, ingestor *ingest.Ingestor) *Server {
	return &Server{cfg: cfg, stores: stores, db: db, ingestor: ingestor}
}

// BuildMux registers all routes.
func (s *Server) BuildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/telegram", s.handleWebhook)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

// Start listens until the context is canceled, then drains in-flight
// webhook work before returning.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.HTTP.Host, s.cfg.HTTP.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("http server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		s.draining.Store(true)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	s.inflight.Wait()
	return nil
}

// handleWebhook accepts a Telegram update. It acknowledges fast; all real
// work happens after the 200 so Telegram never retries on slow processing.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	if secret := s.cfg.Telegram.WebhookSecret; secret != "" {
		if r.Header.Get(secretHeader) != secret {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	var update telego.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&update); err != nil {
		slog.Warn("webhook decode failed", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		s.ingestor.HandleUpdate(ctx, update)
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
			slog.Warn("health db ping failed", "error", err)
		}
	}
	writeJSON(w, code, map[string]any{"status": status})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	now := time.Now().UTC()

	msgCount, err := s.stores.Messages.Count(ctx)
	if err != nil {
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	usage, err := s.stores.Ledger.DailyUsageByScope(ctx, now)
	if err != nil {
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}
	jobCounts, err := s.stores.Jobs.CountByStatusSince(ctx, now.Truncate(24*time.Hour))
	if err != nil {
		http.Error(w, "stats unavailable", http.StatusInternalServerError)
		return
	}

	out := map[string]any{
		"messages":     msgCount,
		"tokens_today": usage,
		"jobs_today":   jobCounts,
	}
	if dep, err := s.stores.Deployments.Latest(ctx); err == nil {
		out["deployment"] = map[string]any{
			"sha":    dep.SHA,
			"status": dep.Status,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}
