package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/strain-archive-collector/internal/metrics"
	"github.com/JakeFAU/strain-archive-collector/internal/store"
)

// StatusSource is the subset of the progress and maintenance repositories
// the status routes read from.
type StatusSource interface {
	Get(ctx context.Context, fingerprint string) (store.Record, error)
	Stats(ctx context.Context) (store.Stats, error)
	MethodStats(ctx context.Context) ([]store.MethodStats, error)
	HostStats(ctx context.Context) ([]store.HostStats, error)
}

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves read-only collector status.
type Server struct {
	router chi.Router
	source StatusSource
	ready  Pinger
	logger *zap.Logger
}

// Options tune the status server.
type Options struct {
	// Ready is consulted by /readyz; nil means always ready.
	Ready Pinger
	// APIKey, when set, is required on every route except the probes.
	APIKey  string
	Timeout time.Duration
}

// NewServer constructs a Server with middleware and routes.
func NewServer(source StatusSource, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	s := &Server{source: source, ready: opts.Ready, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.Timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)

	r.Group(func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
		r.Get("/stats", s.stats)
		r.Get("/urls/{fingerprint}", s.record)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statsResponse struct {
	Total       int64          `json:"total"`
	Pending     int64          `json:"pending"`
	Processing  int64          `json:"processing"`
	Success     int64          `json:"success"`
	Failed      int64          `json:"failed"`
	Skipped     int64          `json:"skipped"`
	SuccessRate float64        `json:"success_rate"`
	AvgHTMLSize float64        `json:"avg_html_size"`
	AvgScore    float64        `json:"avg_validation_score"`
	Methods     []methodStats  `json:"methods"`
	Hosts       []hostStatsDTO `json:"hosts"`
}

type methodStats struct {
	Method   string  `json:"method"`
	Count    int64   `json:"count"`
	AvgScore float64 `json:"avg_validation_score"`
	AvgSize  float64 `json:"avg_html_size"`
}

type hostStatsDTO struct {
	Host    string `json:"host"`
	Total   int64  `json:"total"`
	Success int64  `json:"success"`
	Failed  int64  `json:"failed"`
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := s.source.Stats(ctx)
	if err != nil {
		s.internalError(w, "load stats", err)
		return
	}
	methods, err := s.source.MethodStats(ctx)
	if err != nil {
		s.internalError(w, "load method stats", err)
		return
	}
	hosts, err := s.source.HostStats(ctx)
	if err != nil {
		s.internalError(w, "load host stats", err)
		return
	}

	resp := statsResponse{
		Total:       st.Total,
		Pending:     st.Pending,
		Processing:  st.Processing,
		Success:     st.Success,
		Failed:      st.Failed,
		Skipped:     st.Skipped,
		SuccessRate: st.SuccessRate(),
		AvgHTMLSize: st.AvgHTMLSize,
		AvgScore:    st.AvgScore,
		Methods:     make([]methodStats, 0, len(methods)),
		Hosts:       make([]hostStatsDTO, 0, len(hosts)),
	}
	for _, m := range methods {
		resp.Methods = append(resp.Methods, methodStats(m))
	}
	for _, h := range hosts {
		resp.Hosts = append(resp.Hosts, hostStatsDTO(h))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type recordResponse struct {
	Fingerprint     string     `json:"url_fingerprint"`
	URL             string     `json:"url"`
	SeedBank        string     `json:"seed_bank,omitempty"`
	StrainIDs       []string   `json:"strain_ids,omitempty"`
	Status          string     `json:"status"`
	Attempts        int        `json:"attempts"`
	LastAttempt     *time.Time `json:"last_attempt,omitempty"`
	HTMLSize        int64      `json:"html_size,omitempty"`
	ValidationScore float64    `json:"validation_score,omitempty"`
	ArchivePath     string     `json:"archive_path,omitempty"`
	FetchMethod     string     `json:"fetch_method,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func (s *Server) record(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	rec, err := s.source.Get(r.Context(), fp)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "url not found")
		return
	}
	if err != nil {
		s.internalError(w, "load record", err)
		return
	}
	s.writeJSON(w, http.StatusOK, recordResponse{
		Fingerprint:     rec.Fingerprint,
		URL:             rec.URL,
		SeedBank:        rec.SeedBank,
		StrainIDs:       rec.StrainIDs,
		Status:          string(rec.Status),
		Attempts:        rec.Attempts,
		LastAttempt:     rec.LastAttempt,
		HTMLSize:        rec.HTMLSize,
		ValidationScore: rec.ValidationScore,
		ArchivePath:     rec.ArchivePath,
		FetchMethod:     rec.FetchMethod,
		ErrorMessage:    rec.ErrorMessage,
		CreatedAt:       rec.CreatedAt,
	})
}

func (s *Server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg+" failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, msg+" failed")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID)))
	})
}

type requestIDKey struct{}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	writeError(w, status, msg, s.logger)
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
