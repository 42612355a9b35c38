package gateway

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/askari/internal/audit"
	"github.com/jkaninda/askari/internal/observability"
	"github.com/jkaninda/askari/internal/pipeline"
)

// SanitizeRequest is the JSON body for POST /v1/sanitize.
type SanitizeRequest struct {
	Input  string `json:"input"`
	Source string `json:"source,omitempty"` // Defaults to "http".
}

func (g *Gateway) handleSanitize(c *okapi.Context) error {
	if !g.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req SanitizeRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Input == "" {
		return c.AbortBadRequest("input is required")
	}
	if req.Source == "" {
		req.Source = "http"
	}

	verdict := g.pipe.Run(c.Context(), pipeline.Request{Source: req.Source, Input: req.Input})
	return c.OK(verdict)
}

// ValidateCommandRequest is the JSON body for POST /v1/validate/command.
type ValidateCommandRequest struct {
	Command string `json:"command"`
}

func (g *Gateway) handleValidateCommand(c *okapi.Context) error {
	if !g.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ValidateCommandRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Command == "" {
		return c.AbortBadRequest("command is required")
	}

	res := g.validator.ValidateCommand(c.Context(), req.Command)
	observability.ObserveCommandValidation(g.metrics, nil, res)
	return c.OK(res)
}

// ValidatePathRequest is the JSON body for POST /v1/validate/path.
type ValidatePathRequest struct {
	Path      string `json:"path"`
	Operation string `json:"operation,omitempty"` // "read" (default), "write", or "delete".
}

func (g *Gateway) handleValidatePath(c *okapi.Context) error {
	if !g.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ValidatePathRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Path == "" {
		return c.AbortBadRequest("path is required")
	}
	switch req.Operation {
	case "":
		req.Operation = "read"
	case "read", "write", "delete":
	default:
		return c.AbortBadRequest("operation must be read, write, or delete")
	}

	res := g.validator.ValidateFilePath(c.Context(), req.Path, req.Operation)
	observability.ObservePathValidation(g.metrics, nil, res)
	return c.OK(res)
}

// ExecuteRequest is the JSON body for POST /v1/execute.
type ExecuteRequest struct {
	Command        string  `json:"command"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
	Network        bool    `json:"network,omitempty"`
}

func (g *Gateway) handleExecute(c *okapi.Context) error {
	if !g.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Command == "" {
		return c.AbortBadRequest("command is required")
	}

	params := map[string]any{"command": req.Command}
	if req.TimeoutSeconds > 0 {
		params["timeout_seconds"] = req.TimeoutSeconds
	}
	if req.Network {
		params["network"] = true
	}

	result, err := g.pipe.ExecuteTool(c.Context(), pipeline.ToolCall{
		Name:   "execute_command",
		Source: "http",
		Params: params,
	})
	if err != nil {
		g.logger.Error("execute failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("execution failed")
	}
	return c.OK(result)
}

func (g *Gateway) handleBackends(c *okapi.Context) error {
	return c.OK(g.sandbox.Selection(c.Context()))
}

func (g *Gateway) handleReprobe(c *okapi.Context) error {
	g.logger.Info("sandbox reprobe requested")
	return c.OK(g.sandbox.Reprobe(c.Context()))
}

func (g *Gateway) handleAuditEvents(c *okapi.Context) error {
	if !g.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	query := c.Request().URL.Query()
	limit := 100
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			return c.AbortBadRequest("limit must be an integer between 1 and 1000")
		}
		limit = n
	}
	layer := query.Get("layer")
	switch layer {
	case "", audit.LayerSanitizer, audit.LayerValidator, audit.LayerSandbox, audit.LayerPipeline:
	default:
		return c.AbortBadRequest("unknown layer")
	}

	events, err := g.store.Recent(c.Context(), layer, limit)
	if err != nil {
		g.logger.Error("audit query failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("audit query failed")
	}
	return c.OK(events)
}

// HealthResponse is the JSON response for the liveness probe.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.health == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	status := g.health.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}
