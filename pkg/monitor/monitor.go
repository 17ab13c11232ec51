// Package monitor serves the local status UI and control API for the
// reporter daemon: a small embedded HTML page, JSON status/history/
// event endpoints, a websocket stream of new events, a command
// endpoint feeding the reporter's queue, and Prometheus metrics.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	_ "embed"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hunter-volkman/stock-report/pkg/config"
	"github.com/hunter-volkman/stock-report/pkg/history"
	"github.com/hunter-volkman/stock-report/pkg/reporter"
	"github.com/hunter-volkman/stock-report/pkg/runlog"
	"github.com/hunter-volkman/stock-report/pkg/version"
)

//go:embed index.html
var indexPage []byte

// Server is the monitor HTTP server. Construct with New and drive
// with Run; Handler is exposed for tests.
type Server struct {
	cfg       *config.Config
	loc       *time.Location
	reporter  *reporter.Reporter
	history   *history.Store
	events    *runlog.Store
	startedAt time.Time

	httpServer *http.Server
	handler    http.Handler
}

func New(cfg *config.Config, rep *reporter.Reporter, hist *history.Store, events *runlog.Store) (*Server, error) {
	loc, err := cfg.TimeLocation()
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	s := &Server{
		cfg:       cfg,
		loc:       loc,
		reporter:  rep,
		history:   hist,
		events:    events,
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/history", s.handleHistory)
	r.Get("/api/events", s.handleEvents)
	r.Get("/api/events/stream", s.handleEventsStream)
	r.Post("/api/command", s.handleCommand)
	r.Handle("/metrics", promhttp.Handler())

	s.handler = r
	s.httpServer = &http.Server{
		Addr:              cfg.Monitor.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler without a listener.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("monitor listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("monitor server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(indexPage)
}

type statusResponse struct {
	reporter.Status
	Version       version.Info `json:"version"`
	PID           int          `json:"pid"`
	UptimeSeconds int64        `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:        s.reporter.Status(),
		Version:       version.Current(),
		PID:           os.Getpid(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	records, err := s.history.List(time.Time{}, time.Time{}, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	summary, err := s.history.Summarize(7*24*time.Hour, time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"summary": summary,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	entries := s.events.List(runlog.ListFilter{
		Level: r.URL.Query().Get("level"),
		Query: r.URL.Query().Get("q"),
		Limit: queryInt(r, "limit", 0),
	})
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}

func (s *Server) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(req *http.Request) bool {
			origin := strings.TrimSpace(req.Header.Get("Origin"))
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, req.Host)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	entries, cancel := s.events.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(25 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string `json:"command"`
		Date    string `json:"date"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	var date time.Time
	if strings.TrimSpace(req.Date) != "" {
		var err error
		date, err = time.ParseInLocation("2006-01-02", strings.TrimSpace(req.Date), s.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid date %q, want YYYY-MM-DD", req.Date))
			return
		}
	}

	err := s.reporter.Enqueue(reporter.Command{
		Name: strings.TrimSpace(req.Command),
		Date: date,
	})
	switch {
	case errors.Is(err, reporter.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the websocket hijacks the connection; wrapping would break it
		if strings.HasSuffix(r.URL.Path, "/stream") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).Round(time.Microsecond).String())
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
