// Package gateway implements the HTTP API for Askari.
//
// Security:
//   - Bearer token authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-client rate limiting via token bucket
//   - All enforcement decisions recorded on the audit trail by the layers themselves
//   - TLS expected via reverse proxy (not handled here)
package gateway

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/askari/internal/audit"
	"github.com/jkaninda/askari/internal/config"
	"github.com/jkaninda/askari/internal/observability"
	"github.com/jkaninda/askari/internal/pipeline"
	"github.com/jkaninda/askari/internal/ratelimit"
	"github.com/jkaninda/askari/internal/sandbox"
	"github.com/jkaninda/askari/internal/validator"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Gateway is the HTTP front of the enforcement pipeline.
type Gateway struct {
	cfg       *config.ServerConfig
	pipe      *pipeline.Coordinator
	validator *validator.Validator
	sandbox   *sandbox.Dispatcher
	limiter   *ratelimit.Limiter
	logger    *slog.Logger

	// Optional. Nil disables the corresponding endpoints.
	store       *audit.Store
	broadcaster *audit.Broadcaster
	registry    *prometheus.Registry
	metricsPath string
	health      *observability.HealthChecker
	metrics     *observability.MetricsCollector
	tracer      trace.Tracer

	okapi  *okapi.Okapi
	server *http.Server
}

// New creates a gateway over the given pipeline.
func New(cfg *config.ServerConfig, pipe *pipeline.Coordinator, val *validator.Validator, dispatcher *sandbox.Dispatcher, logger *slog.Logger) *Gateway {
	var limiter *ratelimit.Limiter
	if cfg != nil && cfg.RateLimit.RequestsPerMinute > 0 {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:       cfg,
		pipe:      pipe,
		validator: val,
		sandbox:   dispatcher,
		limiter:   limiter,
		logger:    logger.With(slog.String("component", "gateway")),
		okapi:     okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize())),
	}
}

// Limiter returns the per-client rate limiter, nil when disabled. The
// janitor uses it to evict idle buckets.
func (g *Gateway) Limiter() *ratelimit.Limiter {
	return g.limiter
}

// WithAuditStore enables the audit query endpoint.
func (g *Gateway) WithAuditStore(store *audit.Store) *Gateway {
	g.store = store
	return g
}

// WithAuditStream enables the WebSocket audit tail.
func (g *Gateway) WithAuditStream(b *audit.Broadcaster) *Gateway {
	g.broadcaster = b
	return g
}

// WithMetrics exposes the registry on the metrics path and instruments every
// request through the middleware.
func (g *Gateway) WithMetrics(m *observability.MetricsCollector, path string) *Gateway {
	if m != nil {
		g.metrics = m
		g.registry = m.Registry
		g.metricsPath = path
	}
	return g
}

// WithTracer attaches a span to every request.
func (g *Gateway) WithTracer(tracer trace.Tracer) *Gateway {
	g.tracer = tracer
	return g
}

// WithHealth wires the readiness endpoint to the dependency checker.
func (g *Gateway) WithHealth(h *observability.HealthChecker) *Gateway {
	g.health = h
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	middlewares := []okapi.Middleware{g.authenticate}
	if g.metrics != nil || g.tracer != nil {
		middlewares = append([]okapi.Middleware{observability.MetricsMiddleware(g.metrics, g.tracer)}, middlewares...)
	}
	group := g.okapi.Group("/v1", middlewares...)

	group.Post("/sanitize", g.handleSanitize,
		okapi.DocSummary("Screen untrusted text for injection and encoding threats"),
		okapi.DocTags("Pipeline"),
		okapi.DocRequestBody(SanitizeRequest{}),
		okapi.DocResponse(pipeline.Verdict{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	group.Post("/validate/command", g.handleValidateCommand,
		okapi.DocSummary("Check a command line against the deny policy"),
		okapi.DocTags("Pipeline"),
		okapi.DocRequestBody(ValidateCommandRequest{}),
		okapi.DocResponse(validator.CommandResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	group.Post("/validate/path", g.handleValidatePath,
		okapi.DocSummary("Check a file path for traversal and workspace escape"),
		okapi.DocTags("Pipeline"),
		okapi.DocRequestBody(ValidatePathRequest{}),
		okapi.DocResponse(validator.PathResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	group.Post("/execute", g.handleExecute,
		okapi.DocSummary("Run a command through the full enforcement chain"),
		okapi.DocTags("Pipeline"),
		okapi.DocRequestBody(ExecuteRequest{}),
		okapi.DocResponse(pipeline.ToolResult{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	group.Get("/backends", g.handleBackends,
		okapi.DocSummary("Show the probed sandbox backends and the active choice"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(sandbox.Selection{}),
	)
	group.Post("/backends/probe", g.handleReprobe,
		okapi.DocSummary("Re-run sandbox backend detection"),
		okapi.DocTags("Sandbox"),
		okapi.DocResponse(sandbox.Selection{}),
	)

	if g.store != nil {
		group.Get("/audit/events", g.handleAuditEvents,
			okapi.DocSummary("Query recent audit events, newest first"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]audit.Event{}),
		)
	}
	if g.broadcaster != nil {
		g.okapi.HandleStd("GET", "/v1/audit/stream", g.handleAuditStream)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.registry != nil {
		path := g.metricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.cfg != nil && g.cfg.EnableDocs {
		g.okapi.WithOpenAPIDocs(okapi.OpenAPI{
			Title:   "Askari",
			Version: "v0.0.1",
		})
	}

	g.server = &http.Server{
		Addr:              g.cfg.Addr(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("gateway starting",
		slog.String("addr", g.cfg.Addr()),
		slog.Bool("auth", g.cfg.AuthEnabled()),
	)
	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Authentication ---

// authenticate checks the bearer token against the configured list. With no
// tokens configured auth is disabled and the client is keyed by address.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		if !g.cfg.AuthEnabled() {
			c.Set("clientKey", remoteHost(c.Request()))
			return next(c)
		}

		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		matched := ""
		for _, candidate := range g.cfg.AuthTokens {
			if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
				matched = candidate
			}
		}
		if matched == "" {
			return c.AbortUnauthorized("invalid token")
		}
		c.Set("clientKey", matched)
		return next(c)
	}
}

// allow applies the per-client rate limit, true when the request may proceed.
func (g *Gateway) allow(c *okapi.Context) bool {
	if g.limiter == nil {
		return true
	}
	return g.limiter.Allow(c.GetString("clientKey")) == nil
}

// checkAuth re-runs bearer auth for handlers mounted outside the okapi
// middleware chain (the WebSocket endpoint).
func (g *Gateway) checkAuth(r *http.Request) bool {
	if !g.cfg.AuthEnabled() {
		return true
	}
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	for _, candidate := range g.cfg.AuthTokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			return true
		}
	}
	return false
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
