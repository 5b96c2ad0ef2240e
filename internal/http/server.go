package http

import (
	"context"
	"crypto/rsa"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"osis/attendance/internal/attendance"
	"osis/attendance/internal/audit"
	"osis/attendance/internal/auth"
	"osis/attendance/internal/checkin"
	"osis/attendance/internal/config"
	"osis/attendance/internal/credential"
	"osis/attendance/internal/enrollment"
	"osis/attendance/internal/ids"
	"osis/attendance/internal/location"
	"osis/attendance/internal/obs"
	"osis/attendance/internal/policy"
	"osis/attendance/internal/ratelimit"
	"osis/attendance/internal/reason"
)

const requestIDHeader = "X-Request-ID"

// Services bundles the domain services exposed over HTTP.
type Services struct {
	Pipeline    *attendance.Pipeline
	Enrollment  *enrollment.Service
	Credentials *credential.Service
	Locations   *location.Service
	Policies    enrollment.PolicySource
	PolicyAdmin *policy.Updater
	Tokens      *checkin.Consumer
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type Server struct {
	cfg          config.Config
	svc          Services
	jwtPublicKey *rsa.PublicKey
	ipLimiter    *ratelimit.Keyed
	metrics      *obs.Metrics
	logger       *zap.Logger
	validate     *validator.Validate
	ready        map[string]ReadinessCheck
}

type Option func(*Server)

func WithIPLimiter(l *ratelimit.Keyed) Option {
	return func(s *Server) { s.ipLimiter = l }
}

func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Server) {
		if check != nil {
			s.ready[name] = check
		}
	}
}

func NewServer(cfg config.Config, svc Services, metrics *obs.Metrics, logger *zap.Logger, opts ...Option) (*Server, error) {
	publicKey, err := auth.ParseRSAPublicKey(cfg.JWTPublicKey)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = obs.NewMetrics()
	}
	s := &Server{
		cfg:          cfg,
		svc:          svc,
		jwtPublicKey: publicKey,
		metrics:      metrics,
		logger:       logger,
		validate:     newValidator(),
		ready:        map[string]ReadinessCheck{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)
	r.Use(s.metrics.Instrument)
	r.Use(s.requestLog)
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", requestIDHeader},
			ExposedHeaders:   []string{requestIDHeader, "Retry-After"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.ipRateLimit, s.limitBody, s.authMiddleware)

		r.Post("/checkin", s.handleCheckIn)
		r.Get("/enrollment/status", s.handleEnrollmentStatus)
		r.Post("/enrollment/face-anchor", s.handleUploadFaceAnchor)
		r.Post("/credentials/challenge", s.handleIssueChallenge)
		r.Post("/credentials", s.handleRegisterCredential)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/location", s.handleGetLocation)
			r.Put("/location", s.handlePutLocation)
			r.Get("/policy", s.handleGetPolicy)
			r.Put("/policy", s.handlePutPolicy)
			r.Post("/enrollments/{userId}/reenrollment", s.handleAuthorizeReEnrollment)
			r.Delete("/credentials/{credentialId}", s.handleRevokeCredential)
			r.Post("/events/{eventId}/tokens", s.handleIssueToken)
			r.Delete("/tokens/{token}", s.handleRevokeToken)
		})
	})

	return r
}

// Middleware

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > 64 {
			id = ids.ULID()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(audit.WithRequestID(r.Context(), id)))
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &obs.StatusWriter{ResponseWriter: w, Code: http.StatusOK}
		next.ServeHTTP(sw, r)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.Code),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("remote", clientIP(r)),
		}
		if sw.Code >= http.StatusInternalServerError {
			s.logger.Warn("http request", fields...)
			return
		}
		s.logger.Info("http request", fields...)
	})
}

func (s *Server) ipRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.ipLimiter != nil && !s.ipLimiter.Allow(clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, reason.RateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, reason.Unauthenticated)
			return
		}
		claims, err := auth.ParseToken(s.jwtPublicKey, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, reason.Unauthenticated)
			return
		}
		id := claims.Identity()
		if id.UserID == "" {
			writeError(w, http.StatusUnauthorized, reason.Unauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := auth.IdentityFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, reason.Unauthenticated)
			return
		}
		if !id.IsAdmin() {
			writeError(w, http.StatusForbidden, reason.Forbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := map[string]string{}
	healthy := true
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "unavailable"
			healthy = false
			continue
		}
		checks[name] = "ok"
	}
	status := http.StatusOK
	state := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// clientIP is the transport-level peer address. Forwarding headers are not
// trusted because the observed address feeds the network trust signal.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
