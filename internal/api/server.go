package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/leadscout/internal/config"
	"github.com/JakeFAU/leadscout/internal/credentials"
	"github.com/JakeFAU/leadscout/internal/harvest"
	"github.com/JakeFAU/leadscout/internal/jobs"
	"github.com/JakeFAU/leadscout/internal/metrics"
	"github.com/JakeFAU/leadscout/internal/resilience"
)

const defaultRequestTimeout = 60 * time.Second

// CredentialPool is the credential administration surface.
type CredentialPool interface {
	Add(ctx context.Context, class harvest.CredentialClass, key, addedBy string) error
	Remove(ctx context.Context, class harvest.CredentialClass, key string) error
	List(class harvest.CredentialClass) []harvest.CredentialRecord
	Stats() credentials.Stats
}

// AccountStore provisions and removes accounts.
type AccountStore interface {
	Provision(ctx context.Context, id string, tier harvest.Tier, language string) (harvest.Account, error)
	Remove(ctx context.Context, id string) error
	Get(id string) (harvest.Account, error)
}

// JobManager starts and tracks scrape jobs.
type JobManager interface {
	Start(ctx context.Context, req jobs.StartRequest) (*jobs.Handle, error)
	Active(accountID string) (*jobs.Handle, bool)
	Get(ctx context.Context, jobID string) (harvest.ScrapeJob, error)
	List(ctx context.Context, accountID string) ([]harvest.ScrapeJob, error)
}

// Drainer retries pending artifact deliveries.
type Drainer interface {
	Drain(ctx context.Context) (resilience.DrainReport, error)
}

// Deps are the services behind the routes. Drainer is optional.
type Deps struct {
	Pool     CredentialPool
	Accounts AccountStore
	Jobs     JobManager
	Drainer  Drainer
}

// Server wires HTTP handlers to the pool, account, and job services.
type Server struct {
	router   chi.Router
	deps     Deps
	validate *validator.Validate
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) (*Server, error) {
	switch {
	case deps.Pool == nil:
		return nil, errors.New("api: credential pool is required")
	case deps.Accounts == nil:
		return nil, errors.New("api: account store is required")
	case deps.Jobs == nil:
		return nil, errors.New("api: job manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		cfg:      cfg,
		logger:   logger,
	}
	timeout := defaultRequestTimeout
	if cfg.Server.RequestTimeoutSeconds > 0 {
		timeout = config.Seconds(cfg.Server.RequestTimeoutSeconds)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/credentials", func(r chi.Router) {
			r.Get("/", s.listCredentials)
			r.Post("/", s.addCredential)
			r.Get("/stats", s.credentialStats)
			r.Delete("/{class}/{key}", s.removeCredential)
		})
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", s.provisionAccount)
			r.Route("/{account_id}", func(r chi.Router) {
				r.Get("/", s.getAccount)
				r.Delete("/", s.removeAccount)
				r.Route("/jobs", func(r chi.Router) {
					r.Get("/", s.listJobs)
					r.Post("/", s.startJob)
					r.Get("/active", s.activeJob)
					r.Post("/cancel", s.cancelJob)
				})
			})
		})
		r.Get("/jobs/{job_id}", s.getJob)
		r.Post("/deliveries/drain", s.drainDeliveries)
	})

	s.router = r
	s.refreshPoolGauges()
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// decode reads a JSON body into dst and runs struct validation on it.
func (s *Server) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &harvest.ValidationError{Reason: "invalid JSON body"}
	}
	if err := s.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return &harvest.ValidationError{Field: fe.Field(), Reason: fmt.Sprintf("failed %q check", fe.Tag())}
		}
		return &harvest.ValidationError{Reason: err.Error()}
	}
	return nil
}

// fail maps service errors onto HTTP statuses and writes the response.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	var (
		validationErr *harvest.ValidationError
		shortageErr   *harvest.ShortageError
		inUseErr      *harvest.InUseError
		limitErr      *harvest.DailyLimitExceeded
	)
	switch {
	case errors.As(err, &validationErr), errors.Is(err, harvest.ErrInvalidCredential):
		return http.StatusBadRequest
	case errors.As(err, &shortageErr), errors.As(err, &inUseErr),
		errors.Is(err, harvest.ErrJobAlreadyRunning),
		errors.Is(err, harvest.ErrAccountBusy),
		errors.Is(err, harvest.ErrAccountExists),
		errors.Is(err, harvest.ErrDuplicateCredential):
		return http.StatusConflict
	case errors.As(err, &limitErr):
		return http.StatusTooManyRequests
	case errors.Is(err, harvest.ErrAccountNotFound),
		errors.Is(err, harvest.ErrCredentialNotFound),
		errors.Is(err, harvest.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", requestID(r.Context())),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
