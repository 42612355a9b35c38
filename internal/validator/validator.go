// Package validator inspects tool commands and file paths before they reach
// the sandbox. Checks never short-circuit: every issue in the input is
// collected so callers and the audit trail see the complete picture, and a
// result is invalid only when at least one issue is critical.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/jkaninda/askari/internal/audit"
	"github.com/jkaninda/askari/internal/config"
	"github.com/jkaninda/askari/internal/security"
)

// IssueKind classifies a validation issue.
type IssueKind string

const (
	IssueBlockedCommand   IssueKind = "blocked_command"
	IssuePathTraversal    IssueKind = "path_traversal"
	IssueOutsideWorkspace IssueKind = "outside_workspace"
	IssueChaining         IssueKind = "command_chaining"
	IssueEnvAccess        IssueKind = "environment_access"
	IssueCredential       IssueKind = "credential_exposure"
	IssueBlockedDomain    IssueKind = "blocked_domain"
)

// Issue is a single finding. Issues are data handed back to the caller,
// never raised as errors.
type Issue struct {
	Kind     IssueKind         `json:"kind"`
	Severity security.Severity `json:"severity"`
	Evidence string            `json:"evidence"`
	Detail   string            `json:"detail,omitempty"`
}

// CommandResult is the outcome of validating one command line.
type CommandResult struct {
	RawCommand        string            `json:"raw_command"`
	NormalizedCommand string            `json:"normalized_command"`
	Issues            []Issue           `json:"issues"`
	RiskLevel         security.Severity `json:"risk_level"`
	Valid             bool              `json:"valid"`
}

// PathResult is the outcome of validating one file path.
type PathResult struct {
	RawPath      string  `json:"raw_path"`
	ResolvedPath string  `json:"resolved_path"`
	Operation    string  `json:"operation"`
	Issues       []Issue `json:"issues"`
	Valid        bool    `json:"valid"`
}

// Validator applies a Policy to commands and paths.
type Validator struct {
	policy    *Policy
	workspace string
	recorder  *audit.Recorder
	logger    *slog.Logger
}

// New builds a Validator from configuration. A nil policy selects the
// built-in tables; a configured policy pack extends them.
func New(cfg *config.ValidatorConfig, policy *Policy, recorder *audit.Recorder, logger *slog.Logger) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	if pack := cfg.PolicyPack(); pack != "" {
		extra, err := LoadPolicyPack(pack)
		if err != nil {
			return nil, err
		}
		policy.Merge(extra)
	}
	if err := policy.Compile(); err != nil {
		return nil, fmt.Errorf("compiling validator policy: %w", err)
	}
	workspace := cfg.Workspace()
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving workspace root: %w", err)
		}
		workspace = wd
	}
	workspace, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root: %w", err)
	}
	return &Validator{
		policy:    policy,
		workspace: workspace,
		recorder:  recorder,
		logger:    logger.With("component", "validator"),
	}, nil
}

// traversalRe matches ".." as a path segment: a separator or boundary on both
// sides. Mid-path segments ("foo/../bar", "./../x") count the same as leading
// ones; version ranges like "v1...v2" do not trip it because a dot is not a
// boundary.
var traversalRe = regexp.MustCompile(`(?:^|[/\\\s"'=(])\.\.(?:[/\\\s"')]|$)`)

// ValidateCommand runs every check against one command line and returns all
// issues found.
func (v *Validator) ValidateCommand(ctx context.Context, rawCommand string) *CommandResult {
	normalized := normalizeCommand(rawCommand)
	result := &CommandResult{
		RawCommand:        rawCommand,
		NormalizedCommand: normalized,
		Issues:            []Issue{},
	}

	// 1. Deny-listed commands, whole-word matches only.
	v.checkBlockedCommands(normalized, result)

	// 2. Parent-directory traversal.
	if loc := traversalRe.FindString(normalized); loc != "" {
		result.Issues = append(result.Issues, Issue{
			Kind:     IssuePathTraversal,
			Severity: security.SeverityCritical,
			Evidence: strings.TrimSpace(loc),
			Detail:   "parent directory traversal",
		})
	}

	// 3. Sensitive filesystem locations.
	v.checkSensitivePaths(normalized, result)

	// 4. Shell chaining and substitution operators.
	checkChaining(normalized, result)

	// 5. Environment variable access.
	checkEnvAccess(rawCommand, result)

	// 6. Inline credentials. Matched against the raw command because provider
	// key prefixes are case-sensitive; the generic patterns carry (?i).
	v.checkCredentials(rawCommand, result)

	// 7. Network targets, only when the command invokes a fetch utility.
	if commandUsesFetch(normalized) {
		v.checkNetworkTargets(normalized, result)
	}

	result.RiskLevel = maxIssueSeverity(result.Issues)
	result.Valid = !hasCritical(result.Issues)
	v.report(ctx, "command", result.Valid, result.Issues)
	return result
}

// ValidateFilePath resolves a path and checks workspace containment plus the
// sensitive location list. The operation string ("read", "write", "delete")
// is carried through to the result and audit trail.
func (v *Validator) ValidateFilePath(ctx context.Context, rawPath, operation string) *PathResult {
	result := &PathResult{
		RawPath:   rawPath,
		Operation: operation,
		Issues:    []Issue{},
	}

	if strings.Contains(rawPath, "..") && traversalRe.MatchString(" "+rawPath+" ") {
		result.Issues = append(result.Issues, Issue{
			Kind:     IssuePathTraversal,
			Severity: security.SeverityCritical,
			Evidence: rawPath,
			Detail:   "parent directory traversal",
		})
	}

	resolved, err := v.resolvePath(rawPath)
	if err != nil {
		result.Issues = append(result.Issues, Issue{
			Kind:     IssueOutsideWorkspace,
			Severity: security.SeverityCritical,
			Evidence: rawPath,
			Detail:   fmt.Sprintf("path resolution failed: %v", err),
		})
		result.Valid = false
		v.report(ctx, "path", false, result.Issues)
		return result
	}
	result.ResolvedPath = resolved

	if !v.insideWorkspace(resolved) {
		result.Issues = append(result.Issues, Issue{
			Kind:     IssueOutsideWorkspace,
			Severity: security.SeverityCritical,
			Evidence: resolved,
			Detail:   fmt.Sprintf("outside workspace %s", v.workspace),
		})
	}

	if entry := v.matchSensitivePath(resolved); entry != "" {
		result.Issues = append(result.Issues, Issue{
			Kind:     IssuePathTraversal,
			Severity: security.SeverityCritical,
			Evidence: resolved,
			Detail:   fmt.Sprintf("matches sensitive location %s", entry),
		})
	}

	result.Valid = !hasCritical(result.Issues)
	v.report(ctx, "path", result.Valid, result.Issues)
	return result
}

// Workspace returns the resolved workspace root.
func (v *Validator) Workspace() string {
	return v.workspace
}

func (v *Validator) checkBlockedCommands(normalized string, result *CommandResult) {
	for i, re := range v.policy.blockedRes {
		if re.MatchString(normalized) {
			result.Issues = append(result.Issues, Issue{
				Kind:     IssueBlockedCommand,
				Severity: security.SeverityCritical,
				Evidence: v.policy.BlockedCommands[i],
				Detail:   "deny-listed command",
			})
		}
	}
}

func (v *Validator) checkSensitivePaths(normalized string, result *CommandResult) {
	home, _ := os.UserHomeDir()
	for _, entry := range v.policy.SensitivePaths {
		needle := strings.ToLower(entry)
		matched := strings.Contains(normalized, needle)
		if !matched && home != "" && strings.HasPrefix(entry, "~") {
			expanded := strings.ToLower(filepath.Join(home, entry[1:]))
			matched = strings.Contains(normalized, expanded)
		}
		if matched {
			result.Issues = append(result.Issues, Issue{
				Kind:     IssuePathTraversal,
				Severity: security.SeverityCritical,
				Evidence: entry,
				Detail:   "references sensitive location",
			})
		}
	}
}

func checkChaining(normalized string, result *CommandResult) {
	remaining := normalized
	for _, op := range chainingOperators {
		if op == "|" {
			// Double pipes were consumed by the "||" pass.
			remaining = strings.ReplaceAll(remaining, "||", "")
		}
		if strings.Contains(remaining, op) {
			result.Issues = append(result.Issues, Issue{
				Kind:     IssueChaining,
				Severity: security.SeverityHigh,
				Evidence: op,
				Detail:   "command chaining or substitution",
			})
		}
	}
}

func checkEnvAccess(raw string, result *CommandResult) {
	seen := map[string]struct{}{}
	for _, re := range envAccessPatterns {
		for _, match := range re.FindAllString(raw, -1) {
			if _, dup := seen[match]; dup {
				continue
			}
			seen[match] = struct{}{}
			result.Issues = append(result.Issues, Issue{
				Kind:     IssueEnvAccess,
				Severity: security.SeverityMedium,
				Evidence: match,
				Detail:   "environment variable access",
			})
		}
	}
}

func (v *Validator) checkCredentials(raw string, result *CommandResult) {
	for i, re := range v.policy.credentialRes {
		if match := re.FindString(raw); match != "" {
			result.Issues = append(result.Issues, Issue{
				Kind:     IssueCredential,
				Severity: security.SeverityCritical,
				Evidence: truncateEvidence(match),
				Detail:   fmt.Sprintf("credential pattern %d", i),
			})
		}
	}
}

// resolvePath expands ~, anchors relative paths at the workspace root, and
// follows symlinks. When the leaf does not exist yet the nearest existing
// ancestor is resolved instead so a symlinked parent cannot smuggle the
// target outside the workspace.
func (v *Validator) resolvePath(rawPath string) (string, error) {
	p := rawPath
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expanding home directory: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(v.workspace, p)
	}
	p = filepath.Clean(p)

	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved, nil
	}
	dir, leaf := filepath.Dir(p), filepath.Base(p)
	suffix := leaf
	for {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(resolved, suffix), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return p, nil
		}
		suffix = filepath.Join(filepath.Base(dir), suffix)
		dir = parent
	}
}

func (v *Validator) insideWorkspace(resolved string) bool {
	root, err := filepath.EvalSymlinks(v.workspace)
	if err != nil {
		root = v.workspace
	}
	if resolved == root {
		return true
	}
	return strings.HasPrefix(resolved, root+string(filepath.Separator))
}

func (v *Validator) matchSensitivePath(resolved string) string {
	home, _ := os.UserHomeDir()
	if home != "" {
		if rh, err := filepath.EvalSymlinks(home); err == nil {
			home = rh
		}
	}
	lower := strings.ToLower(resolved)
	for _, entry := range v.policy.SensitivePaths {
		candidate := entry
		if strings.HasPrefix(entry, "~") {
			if home == "" {
				continue
			}
			candidate = filepath.Join(home, entry[1:])
		}
		candidate = strings.ToLower(filepath.Clean(candidate))
		if lower == candidate || strings.HasPrefix(lower, candidate+string(filepath.Separator)) {
			return entry
		}
	}
	return ""
}

func (v *Validator) report(ctx context.Context, subject string, valid bool, issues []Issue) {
	outcome := audit.OutcomePass
	if !valid {
		outcome = audit.OutcomeBlocked
	} else if len(issues) > 0 {
		outcome = audit.OutcomeFlagged
	}
	kinds := make([]string, 0, len(issues))
	for _, issue := range issues {
		kinds = append(kinds, string(issue.Kind))
	}
	event := audit.NewEvent(audit.LayerValidator, outcome, subject, map[string]any{
		"issue_count": len(issues),
		"issue_kinds": kinds,
		"risk_level":  maxIssueSeverity(issues).String(),
	})
	if v.recorder != nil {
		_ = v.recorder.Record(ctx, event)
	}
	if outcome == audit.OutcomePass {
		v.logger.DebugContext(ctx, "validation passed", "subject", subject)
		return
	}
	v.logger.WarnContext(ctx, "validation found issues",
		"subject", subject,
		"outcome", outcome,
		"issues", len(issues),
		"kinds", kinds,
	)
}

// normalizeCommand lowercases and collapses runs of whitespace so spacing
// tricks cannot dodge the word-boundary matchers.
func normalizeCommand(raw string) string {
	return strings.Join(strings.Fields(strings.ToLower(raw)), " ")
}

func commandUsesFetch(normalized string) bool {
	for _, token := range strings.Fields(normalized) {
		if _, ok := fetchCommands[token]; ok {
			return true
		}
	}
	return false
}

func hasCritical(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == security.SeverityCritical {
			return true
		}
	}
	return false
}

func maxIssueSeverity(issues []Issue) security.Severity {
	level := security.SeverityLow
	for _, issue := range issues {
		level = security.Max(level, issue.Severity)
	}
	return level
}

func truncateEvidence(s string) string {
	const maxRunes = 80
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "…"
}
