// Package web serves a small status API: scheduled jobs, the last poll, and
// manual poll / reset triggers.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"shotcal/internal/config"
	appLog "shotcal/internal/log"
	"shotcal/internal/poller"
	"shotcal/internal/scheduler"
	"shotcal/internal/store"
)

// JobLister lists the runner's registered jobs.
type JobLister interface {
	Jobs() []scheduler.JobInfo
}

// PollTrigger runs and reports polls.
type PollTrigger interface {
	Poll(ctx context.Context) poller.Summary
	Last() poller.Summary
}

// Resetter restores the default capture location.
type Resetter interface {
	Reset(ctx context.Context) error
}

// HandledLister lists recorded handled jobs.
type HandledLister interface {
	List(ctx context.Context) ([]store.Record, error)
}

// Server is the status API.
type Server struct {
	Jobs     JobLister
	Poller   PollTrigger
	Capture  Resetter
	Handled  HandledLister // optional
	Auth     *config.BasicAuthConfig
	Location *time.Location
}

// Handler builds the chi router. /health is always public; everything under
// /api sits behind basic auth when credentials are configured.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		if s.basicAuthEnabled() {
			r.Use(s.basicAuth)
		}
		r.Get("/jobs", s.handleJobs)
		r.Get("/poll", s.handleLastPoll)
		r.Post("/poll", s.handlePoll)
		r.Post("/reset", s.handleReset)
		r.Get("/handled", s.handleHandled)
	})
	return r
}

func (s *Server) basicAuthEnabled() bool {
	return s.Auth != nil && s.Auth.Username != "" && s.Auth.Password != ""
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	username, password := s.Auth.Username, s.Auth.Password
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="shotcal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type jobsResponse struct {
	Jobs     []scheduler.JobInfo `json:"jobs"`
	TimeZone string              `json:"timezone"`
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.Jobs.Jobs()
	if jobs == nil {
		jobs = []scheduler.JobInfo{}
	}
	tz := time.Local.String()
	if s.Location != nil {
		tz = s.Location.String()
	}
	writeJSON(w, http.StatusOK, jobsResponse{Jobs: jobs, TimeZone: tz})
}

func (s *Server) handleLastPoll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.Poller.Last())
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	sum := s.Poller.Poll(r.Context())
	status := http.StatusOK
	if sum.Error != "" {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, sum)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.Capture.Reset(r.Context()); err != nil {
		appLog.Error("manual reset failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleHandled(w http.ResponseWriter, r *http.Request) {
	if s.Handled == nil {
		writeError(w, http.StatusNotFound, "handled-event store is not enabled")
		return
	}
	recs, err := s.Handled.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if recs == nil {
		recs = []store.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", ln.Addr().String())
	}
	appLog.Info("status server listening", "listen", "http://"+ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		appLog.Info("status server stopped")
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
