// Package sanitizer implements the perimeter filter applied to all untrusted
// text before it reaches a model prompt or tool argument. The pipeline runs a
// fixed sequence of normalization and detection stages; findings are returned
// as data so callers can make policy decisions instead of handling panics or
// control-flow errors.
package sanitizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/jkaninda/askari/internal/audit"
	"github.com/jkaninda/askari/internal/config"
	"github.com/jkaninda/askari/internal/security"
)

// maxEvidenceRunes caps how much matched text a finding carries. Evidence is
// for the audit trail, not for replaying the attack.
const maxEvidenceRunes = 80

// Finding is one detected threat.
type Finding struct {
	Kind           FindingKind       `json:"kind"`
	Severity       security.Severity `json:"severity"`
	Evidence       string            `json:"evidence"`
	NormalizedForm string            `json:"normalized_form,omitempty"`
}

// Result is the outcome of sanitizing one input. Immutable once returned.
// When Blocked is true SanitizedText is empty: blocked text must never be
// forwarded downstream.
type Result struct {
	OriginalLength int       `json:"original_length"`
	SanitizedText  string    `json:"sanitized_text"`
	ActionsTaken   []string  `json:"actions_taken"`
	Threats        []Finding `json:"threats"`
	Blocked        bool      `json:"blocked"`
}

// Sanitizer runs the perimeter stages. Purely synchronous; safe for
// concurrent use once constructed.
type Sanitizer struct {
	maxInput     int
	nestingLimit int
	rules        *RuleSet
	recorder     *audit.Recorder
	logger       *slog.Logger
}

// New creates a Sanitizer. A nil rules set selects the built-in policy;
// the rule pack referenced by cfg, if any, is merged on top.
func New(cfg *config.SanitizerConfig, rules *RuleSet, recorder *audit.Recorder, logger *slog.Logger) (*Sanitizer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if rules == nil {
		rules = DefaultRuleSet()
	}
	if path := cfg.RulePack(); path != "" {
		pack, err := LoadRulePack(path)
		if err != nil {
			return nil, err
		}
		rules.Merge(pack)
	}
	if err := rules.Compile(); err != nil {
		return nil, fmt.Errorf("compiling sanitizer rules: %w", err)
	}
	return &Sanitizer{
		maxInput:     cfg.MaxInputChars(),
		nestingLimit: cfg.MaxNestingDepth(),
		rules:        rules,
		recorder:     recorder,
		logger:       logger.With(slog.String("component", "sanitizer")),
	}, nil
}

// Rules exposes the active rule set for diagnostics.
func (s *Sanitizer) Rules() *RuleSet {
	return s.rules
}

// Sanitize runs the full stage chain over one input. Stages execute in fixed
// order, each operating on the previous stage's output. Only the size check
// short-circuits; every other stage contributes findings to a complete
// report even after the input is already known to be blocked.
func (s *Sanitizer) Sanitize(ctx context.Context, input, source string) *Result {
	result := &Result{
		OriginalLength: utf8.RuneCountInString(input),
		SanitizedText:  input,
	}

	// 1. Size check. Oversized input is rejected before any per-rune work.
	if result.OriginalLength > s.maxInput {
		result.addFinding(Finding{
			Kind:     KindSizeLimit,
			Severity: security.SeverityCritical,
			Evidence: fmt.Sprintf("input length %d exceeds maximum %d", result.OriginalLength, s.maxInput),
		})
		result.Blocked = true
		result.SanitizedText = ""
		s.report(ctx, source, result)
		return result
	}

	// 2. Unicode normalization. NFKC folds fullwidth and compatibility
	// forms so later pattern matching sees canonical text.
	if normalized := norm.NFKC.String(result.SanitizedText); normalized != result.SanitizedText {
		result.SanitizedText = normalized
		result.addAction("applied unicode nfkc normalization")
	}

	// 3. Zero-width stripping.
	s.stripZeroWidth(result)

	// 4. Bidi override detection. Never safe to pass through: rendered and
	// logical text can diverge.
	s.detectBidi(result)

	// 5. Homograph substitution. Does not block; confusables are folded to
	// their Latin equivalents so downstream matching cannot be dodged.
	s.substituteHomographs(result)

	// 6. Prompt-injection patterns.
	s.matchRules(result)

	// 7. Delimiter confusion: fence/comment spans hiding override keywords.
	s.detectDelimiterConfusion(result)

	// 8. Bracket nesting depth.
	s.checkNestingDepth(result)

	if result.Blocked {
		result.SanitizedText = ""
	}

	s.report(ctx, source, result)
	return result
}

func (s *Sanitizer) stripZeroWidth(result *Result) {
	var b strings.Builder
	removed := 0
	for _, r := range result.SanitizedText {
		if _, ok := zeroWidthChars[r]; ok {
			removed++
			continue
		}
		b.WriteRune(r)
	}
	if removed > 0 {
		result.SanitizedText = b.String()
		result.addAction(fmt.Sprintf("removed %d zero-width characters", removed))
	}
}

func (s *Sanitizer) detectBidi(result *Result) {
	seen := make(map[rune]struct{})
	for _, r := range result.SanitizedText {
		name, hostile := bidiControlChars[r]
		if !hostile {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		result.addFinding(Finding{
			Kind:     KindBidiOverride,
			Severity: security.SeverityCritical,
			Evidence: name,
		})
		result.Blocked = true
	}
}

func (s *Sanitizer) substituteHomographs(result *Result) {
	var b strings.Builder
	type subst struct {
		from rune
		to   rune
	}
	var order []subst
	seen := make(map[rune]struct{})
	replaced := 0

	for _, r := range result.SanitizedText {
		latin, confusable := confusableToLatin[r]
		if !confusable {
			b.WriteRune(r)
			continue
		}
		b.WriteRune(latin)
		replaced++
		if _, dup := seen[r]; !dup {
			seen[r] = struct{}{}
			order = append(order, subst{from: r, to: latin})
		}
	}
	if replaced == 0 {
		return
	}

	result.SanitizedText = b.String()
	result.addAction(fmt.Sprintf("substituted %d confusable characters", replaced))
	for _, sub := range order {
		result.addFinding(Finding{
			Kind:           KindHomograph,
			Severity:       security.SeverityMedium,
			Evidence:       fmt.Sprintf("U+%04X (%c)", sub.from, sub.from),
			NormalizedForm: string(sub.to),
		})
	}
}

func (s *Sanitizer) matchRules(result *Result) {
	for i := range s.rules.Rules {
		rule := &s.rules.Rules[i]
		if rule.re == nil {
			continue
		}
		match := rule.re.FindString(result.SanitizedText)
		if match == "" {
			continue
		}
		result.addFinding(Finding{
			Kind:     rule.Kind,
			Severity: rule.Severity,
			Evidence: truncateEvidence(match),
		})
		if rule.Severity == security.SeverityCritical {
			result.Blocked = true
		}
	}
}

func (s *Sanitizer) detectDelimiterConfusion(result *Result) {
	for _, span := range delimiterSpans {
		for _, m := range span.re.FindAllStringSubmatch(result.SanitizedText, -1) {
			inner := strings.ToLower(m[1])
			for _, kw := range s.rules.OverrideKeywords {
				if strings.Contains(inner, kw) {
					result.addFinding(Finding{
						Kind:     KindDelimiterConfusion,
						Severity: security.SeverityHigh,
						Evidence: fmt.Sprintf("%s containing %q: %s", span.name, kw, truncateEvidence(strings.TrimSpace(m[1]))),
					})
					break
				}
			}
		}
	}
}

func (s *Sanitizer) checkNestingDepth(result *Result) {
	depth, maxDepth := 0, 0
	for _, r := range result.SanitizedText {
		switch r {
		case '(', '[', '{', '<':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}', '>':
			if depth > 0 {
				depth--
			}
		}
	}
	if maxDepth > s.nestingLimit {
		result.addFinding(Finding{
			Kind:     KindNestingDepth,
			Severity: security.SeverityMedium,
			Evidence: fmt.Sprintf("bracket nesting depth %d exceeds limit %d", maxDepth, s.nestingLimit),
		})
	}
}

// report emits the per-call audit event and log line. Blocked and flagged
// inputs log at Warn; clean passes at Debug.
func (s *Sanitizer) report(ctx context.Context, source string, result *Result) {
	outcome := audit.OutcomePass
	switch {
	case result.Blocked:
		outcome = audit.OutcomeBlocked
	case len(result.Threats) > 0:
		outcome = audit.OutcomeFlagged
	}

	kinds := make([]string, 0, len(result.Threats))
	for _, f := range result.Threats {
		kinds = append(kinds, string(f.Kind))
	}

	if err := s.recorder.Record(ctx, audit.NewEvent(audit.LayerSanitizer, outcome, source, map[string]any{
		"original_length": result.OriginalLength,
		"threat_count":    len(result.Threats),
		"threat_kinds":    kinds,
		"actions":         result.ActionsTaken,
	})); err != nil {
		s.logger.ErrorContext(ctx, "recording sanitizer audit event", slog.String("error", err.Error()))
	}

	attrs := []any{
		slog.String("source", source),
		slog.String("outcome", outcome),
		slog.Int("threats", len(result.Threats)),
		slog.Int("actions", len(result.ActionsTaken)),
	}
	if result.Blocked || len(result.Threats) > 0 {
		s.logger.WarnContext(ctx, "input sanitized with findings", attrs...)
	} else {
		s.logger.DebugContext(ctx, "input sanitized", attrs...)
	}
}

func (r *Result) addAction(action string) {
	r.ActionsTaken = append(r.ActionsTaken, action)
}

func (r *Result) addFinding(f Finding) {
	r.Threats = append(r.Threats, f)
}

func truncateEvidence(s string) string {
	runes := []rune(s)
	if len(runes) <= maxEvidenceRunes {
		return s
	}
	return string(runes[:maxEvidenceRunes]) + "…"
}
