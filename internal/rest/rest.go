package rest

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/printgate/printgate/internal/breaker"
	"github.com/printgate/printgate/internal/device"
	"github.com/printgate/printgate/internal/dispatch"
	"github.com/printgate/printgate/internal/executor"
	"github.com/printgate/printgate/internal/health"
	"github.com/printgate/printgate/internal/metrics"
	"github.com/printgate/printgate/internal/pool"
	"github.com/printgate/printgate/internal/ratelimit"
	"github.com/printgate/printgate/internal/recovery"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// APIKeyHeader carries the shared secret
const APIKeyHeader = "X-API-Key"

// Deps are the components the API exposes
type Deps struct {
	Service  *dispatch.Service
	Breaker  *breaker.Breaker
	Pool     *pool.Pool
	Executor *executor.Executor
	Ladder   *recovery.Ladder
	Monitor  *health.Monitor
	Printer  device.Printer
	Spooler  device.Spooler
}

// Config for the API server
type Config struct {
	APIKey          string
	TrustedCIDRs    []string
	RateLimit       int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server provides REST API
type Server struct {
	deps    Deps
	cfg     Config
	router  *chi.Mux
	trusted []*net.IPNet
	limiter *ratelimit.Limiter
	started time.Time
}

// NewServer creates a new REST server
func NewServer(deps Deps, cfg Config) (*Server, error) {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		deps:    deps,
		cfg:     cfg,
		router:  chi.NewRouter(),
		limiter: ratelimit.NewLimiter(cfg.RateLimit, cfg.RateLimitWindow),
		started: time.Now(),
	}
	for _, c := range cfg.TrustedCIDRs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted cidr %q: %w", c, err)
		}
		s.trusted = append(s.trusted, n)
	}
	if cfg.APIKey == "" {
		log.Warn().Msg("no api key configured, authentication is disabled")
	}

	s.setupRoutes()
	return s, nil
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(corsMiddleware)
	s.router.Use(s.limitBody)

	s.router.Get("/healthz", s.health)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Get("/status", s.status)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Post("/print", s.print)
			r.With(s.trustedOnly).Post("/fast-print", s.fastPrint)
			r.Get("/queue", s.queue)
			r.Post("/emergency-clear", s.emergencyClear)
			r.Get("/deliveries", s.deliveries)
			r.Get("/dropped", s.dropped)

			r.Route("/recovery", func(r chi.Router) {
				r.Post("/trigger", s.triggerRecovery)
				r.Get("/status", s.recoveryStatus)
				r.Post("/config", s.recoveryConfig)
			})

			r.Get("/font/config", s.getFontConfig)
			r.Post("/font/config", s.setFontConfig)
		})
	})
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// SweepLimiter drops idle rate limit buckets
func (s *Server) SweepLimiter() int {
	return s.limiter.Sweep()
}

func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

func (s *Server) isTrusted(r *http.Request) bool {
	ip := clientIP(r)
	if ip == nil {
		return false
	}
	for _, n := range s.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) validKey(r *http.Request) bool {
	if s.cfg.APIKey == "" {
		return true
	}
	got := r.Header.Get(APIKeyHeader)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) == 1
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.validKey(r) {
			log.Warn().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("rejected request with invalid api key")
			respondError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) trustedOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isTrusted(r) {
			respondError(w, http.StatusForbidden, "endpoint restricted to trusted networks")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies the per-client limit to clients outside the trusted
// networks
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isTrusted(r) {
			key := r.RemoteAddr
			if ip := clientIP(r); ip != nil {
				key = ip.String()
			}
			if !s.limiter.Allow(key) {
				metrics.RateLimitRejections.Inc()
				respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+APIKeyHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
