// Package pipeline wires the enforcement stages into one entry point for
// tool execution: sanitize the input, validate the command or path, hydrate
// a filtered environment, and run the command in a sandbox. Stages run
// strictly in that order within one invocation; concurrent invocations share
// nothing but the audit trail and the cached backend selection.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/askari/internal/audit"
	"github.com/jkaninda/askari/internal/observability"
	"github.com/jkaninda/askari/internal/sandbox"
	"github.com/jkaninda/askari/internal/sanitizer"
	"github.com/jkaninda/askari/internal/secrets"
	"github.com/jkaninda/askari/internal/validator"
	"github.com/jkaninda/askari/internal/workspace"
)

// Sentinel errors for callers that translate verdicts into exit codes or
// HTTP statuses. Policy rejections are still returned as data on the result;
// these are exposed through the Err helpers, never raised from the pipeline.
var (
	ErrInputBlocked   = errors.New("input blocked by sanitizer")
	ErrCommandBlocked = errors.New("command blocked by validator")
	ErrPathBlocked    = errors.New("path blocked by validator")
)

// Request is one piece of untrusted text entering the system.
type Request struct {
	Source string `json:"source"` // Where the text came from: "http", "cli", "mcp", a channel name.
	Input  string `json:"input"`
}

// Verdict is the perimeter decision for one Request.
type Verdict struct {
	Sanitization *sanitizer.Result `json:"sanitization"`
	Blocked      bool              `json:"blocked"`
}

// Err returns ErrInputBlocked when the verdict blocked the input.
func (v *Verdict) Err() error {
	if v != nil && v.Blocked {
		return ErrInputBlocked
	}
	return nil
}

// ToolCall is a parsed tool invocation handed over by the orchestrator.
type ToolCall struct {
	Name   string         `json:"name"`
	Source string         `json:"source,omitempty"` // Defaults to "tool".
	Params map[string]any `json:"params"`
}

// ToolResult is the pipeline's answer to one tool call. Exactly one of the
// stage results is the terminal one: a blocked sanitization or validation
// means no later stage ran.
type ToolResult struct {
	Tool    string `json:"tool"`
	Handled bool   `json:"handled"` // False: not a command/path tool, caller dispatches it.
	Blocked bool   `json:"blocked"`

	Sanitization   *sanitizer.Result        `json:"sanitization,omitempty"`
	Validation     *validator.CommandResult `json:"validation,omitempty"`
	PathValidation *validator.PathResult    `json:"path_validation,omitempty"`
	Execution      *sandbox.Execution       `json:"execution,omitempty"`
	Error          string                   `json:"error,omitempty"`
}

// Err maps a blocked result to its sentinel error for errors.Is dispatch.
func (r *ToolResult) Err() error {
	if r == nil || !r.Blocked {
		return nil
	}
	switch {
	case r.PathValidation != nil && !r.PathValidation.Valid:
		return ErrPathBlocked
	case r.Validation != nil && !r.Validation.Valid:
		return ErrCommandBlocked
	default:
		return ErrInputBlocked
	}
}

// Coordinator routes tool calls through the enforcement stages.
type Coordinator struct {
	sanitizer *sanitizer.Sanitizer
	validator *validator.Validator
	secrets   *secrets.Context
	runner    observability.SandboxRunner
	workspace *workspace.Workspace
	recorder  *audit.Recorder

	metrics      *observability.MetricsCollector
	anomaly      *observability.AnomalyDetector
	tracer       trace.Tracer
	logger       *slog.Logger
	allowNetwork bool // Master switch; requests still opt in individually.
}

// Options carries the optional collaborators of a Coordinator.
type Options struct {
	Recorder     *audit.Recorder
	Metrics      *observability.MetricsCollector
	Anomaly      *observability.AnomalyDetector
	Tracer       trace.Tracer
	AllowNetwork bool
}

// New builds a Coordinator. Sanitizer, validator, secrets, runner, and
// workspace are required; everything in opts may be zero.
func New(
	san *sanitizer.Sanitizer,
	val *validator.Validator,
	sec *secrets.Context,
	runner observability.SandboxRunner,
	ws *workspace.Workspace,
	logger *slog.Logger,
	opts Options,
) (*Coordinator, error) {
	if san == nil || val == nil || sec == nil || runner == nil || ws == nil {
		return nil, errors.New("pipeline: sanitizer, validator, secrets, runner, and workspace are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		sanitizer:    san,
		validator:    val,
		secrets:      sec,
		runner:       runner,
		workspace:    ws,
		recorder:     opts.Recorder,
		metrics:      opts.Metrics,
		anomaly:      opts.Anomaly,
		tracer:       opts.Tracer,
		logger:       logger.With(slog.String("component", "pipeline")),
		allowNetwork: opts.AllowNetwork,
	}, nil
}

// Run screens one piece of untrusted text. This is the perimeter entry used
// for inbound messages before they reach any model prompt.
func (c *Coordinator) Run(ctx context.Context, req Request) *Verdict {
	ctx, end := c.startSpan(ctx, "pipeline.sanitize", attribute.String("source", req.Source))
	defer end()

	start := time.Now()
	res := c.sanitizer.Sanitize(ctx, req.Input, req.Source)
	c.observeStage("sanitize", start)
	observability.ObserveSanitization(c.metrics, c.anomaly, req.Source, res)

	return &Verdict{Sanitization: res, Blocked: res.Blocked}
}

// ExecuteTool intercepts command-shaped and path-shaped tool calls. Anything
// else is returned with Handled=false so the caller's own tool table can
// dispatch it.
func (c *Coordinator) ExecuteTool(ctx context.Context, call ToolCall) (*ToolResult, error) {
	source := call.Source
	if source == "" {
		source = "tool"
	}
	source = source + ":" + call.Name

	switch {
	case isCommandTool(call.Name):
		return c.runCommand(ctx, call, source)
	case isPathTool(call.Name):
		return c.checkPath(ctx, call, source)
	default:
		return &ToolResult{Tool: call.Name, Handled: false}, nil
	}
}

// runCommand is the full chain: sanitize → validate → hydrate env → sandbox.
func (c *Coordinator) runCommand(ctx context.Context, call ToolCall, source string) (*ToolResult, error) {
	command, ok := stringParam(call.Params, "command")
	if !ok || command == "" {
		return nil, fmt.Errorf("tool %s: missing command parameter", call.Name)
	}

	result := &ToolResult{Tool: call.Name, Handled: true}
	ctx, end := c.startSpan(ctx, "pipeline.tool_call",
		attribute.String("tool", call.Name),
		attribute.String("source", source),
	)
	defer end()

	// Stage 1: perimeter.
	start := time.Now()
	san := c.sanitizer.Sanitize(ctx, command, source)
	c.observeStage("sanitize", start)
	observability.ObserveSanitization(c.metrics, c.anomaly, source, san)
	result.Sanitization = san
	if san.Blocked {
		result.Blocked = true
		c.reportToolCall(ctx, call.Name, "blocked")
		return result, nil
	}

	// Stage 2: validation, over the sanitized text only.
	start = time.Now()
	val := c.validator.ValidateCommand(ctx, san.SanitizedText)
	c.observeStage("validate", start)
	observability.ObserveCommandValidation(c.metrics, c.anomaly, val)
	result.Validation = val
	if !val.Valid {
		result.Blocked = true
		c.reportToolCall(ctx, call.Name, "blocked")
		return result, nil
	}

	// Stage 3: sandboxed execution with the filtered environment. The raw
	// ambient environment never crosses this line.
	req := sandbox.Request{
		Command:      san.SanitizedText,
		Workspace:    c.workspace.ExecDir(uuid.NewString()),
		Env:          c.secrets.ExportForSandbox(os.Environ()),
		AllowNetwork: c.allowNetwork && boolParam(call.Params, "network"),
	}
	if secs, ok := floatParam(call.Params, "timeout_seconds"); ok && secs > 0 {
		req.Timeout = time.Duration(secs * float64(time.Second))
	}

	start = time.Now()
	exec, err := c.runner.Execute(ctx, req)
	c.observeStage("execute", start)
	result.Execution = exec
	if err != nil {
		// Spawn failures surface as failed results, not errors; the
		// dispatcher already exhausted every backend if we got here.
		result.Error = err.Error()
		c.logger.ErrorContext(ctx, "sandbox execution failed",
			slog.String("tool", call.Name),
			slog.String("error", err.Error()),
		)
		c.reportToolCall(ctx, call.Name, "failed")
		return result, nil
	}

	switch exec.Status {
	case sandbox.StatusKilled:
		c.reportToolCall(ctx, call.Name, "killed")
	case sandbox.StatusFailed:
		c.reportToolCall(ctx, call.Name, "failed")
	default:
		c.reportToolCall(ctx, call.Name, "executed")
	}
	return result, nil
}

// checkPath validates a filesystem tool call. Path tools do not execute
// anything here; the verdict gates the caller's own file operation.
func (c *Coordinator) checkPath(ctx context.Context, call ToolCall, source string) (*ToolResult, error) {
	path, ok := stringParam(call.Params, "path")
	if !ok || path == "" {
		return nil, fmt.Errorf("tool %s: missing path parameter", call.Name)
	}

	result := &ToolResult{Tool: call.Name, Handled: true}
	ctx, end := c.startSpan(ctx, "pipeline.tool_call",
		attribute.String("tool", call.Name),
		attribute.String("source", source),
	)
	defer end()

	start := time.Now()
	san := c.sanitizer.Sanitize(ctx, path, source)
	c.observeStage("sanitize", start)
	observability.ObserveSanitization(c.metrics, c.anomaly, source, san)
	result.Sanitization = san
	if san.Blocked {
		result.Blocked = true
		c.reportToolCall(ctx, call.Name, "blocked")
		return result, nil
	}

	start = time.Now()
	val := c.validator.ValidateFilePath(ctx, san.SanitizedText, pathOperation(call.Name))
	c.observeStage("validate", start)
	observability.ObservePathValidation(c.metrics, c.anomaly, val)
	result.PathValidation = val
	if !val.Valid {
		result.Blocked = true
		c.reportToolCall(ctx, call.Name, "blocked")
		return result, nil
	}

	c.reportToolCall(ctx, call.Name, "executed")
	return result, nil
}

// --- Tool routing tables ---

var commandTools = map[string]struct{}{
	"execute_command": {},
	"run_command":     {},
	"shell":           {},
	"bash":            {},
}

var pathTools = map[string]string{
	"read_file":   "read",
	"write_file":  "write",
	"edit_file":   "write",
	"delete_file": "delete",
	"list_files":  "read",
}

func isCommandTool(name string) bool {
	_, ok := commandTools[name]
	return ok
}

func isPathTool(name string) bool {
	_, ok := pathTools[name]
	return ok
}

func pathOperation(name string) string {
	return pathTools[name]
}

// --- Helpers ---

func (c *Coordinator) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
	if c.tracer == nil {
		return ctx, func() {}
	}
	ctx, span := c.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func() { span.End() }
}

func (c *Coordinator) observeStage(stage string, start time.Time) {
	if c.metrics != nil {
		c.metrics.PipelineStageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}

func (c *Coordinator) reportToolCall(ctx context.Context, tool, outcome string) {
	if c.metrics != nil {
		c.metrics.PipelineToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	}
	if c.recorder != nil {
		_ = c.recorder.Record(ctx, audit.NewEvent(audit.LayerPipeline, outcome, tool, nil))
	}
}

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func boolParam(params map[string]any, key string) bool {
	v, ok := params[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

func floatParam(params map[string]any, key string) (float64, bool) {
	switch v := params[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
