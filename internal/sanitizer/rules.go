package sanitizer

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/jkaninda/askari/internal/security"
)

// FindingKind identifies the detector that produced a threat finding.
type FindingKind string

const (
	KindSizeLimit          FindingKind = "size-limit"
	KindBidiOverride       FindingKind = "bidi-override"
	KindHomograph          FindingKind = "homograph"
	KindPromptInjection    FindingKind = "prompt-injection"
	KindDelimiterConfusion FindingKind = "delimiter-confusion"
	KindNestingDepth       FindingKind = "nesting-depth"
)

// Rule is one phrase pattern in the injection table. Pattern tables are
// data, not code: the matching engine runs whatever rules are loaded, so the
// policy set can grow without touching the matcher.
type Rule struct {
	Name     string            `json:"name" yaml:"name"`
	Kind     FindingKind       `json:"kind" yaml:"kind"`
	Pattern  string            `json:"pattern" yaml:"pattern"`
	Severity security.Severity `json:"severity" yaml:"severity"`

	re *regexp.Regexp
}

func (r *Rule) compile() error {
	re, err := regexp.Compile(r.Pattern)
	if err != nil {
		return fmt.Errorf("rule %q: %w", r.Name, err)
	}
	r.re = re
	return nil
}

// RuleSet is the versioned pattern policy the sanitizer matches against.
// The built-in set is a starting policy, not a complete prompt-injection
// taxonomy; deployments extend it with rule packs.
type RuleSet struct {
	Version string `json:"version" yaml:"version"`
	Rules   []Rule `json:"rules" yaml:"rules"`

	// OverrideKeywords are scanned for inside fence/comment delimiters by
	// the delimiter-confusion stage.
	OverrideKeywords []string `json:"override_keywords" yaml:"override_keywords"`
}

// Compile prepares every rule for matching. Must be called before use.
func (rs *RuleSet) Compile() error {
	for i := range rs.Rules {
		if err := rs.Rules[i].compile(); err != nil {
			return err
		}
	}
	return nil
}

// Merge appends the rules and keywords of another set, keeping the higher
// version string for traceability.
func (rs *RuleSet) Merge(extra *RuleSet) {
	if extra == nil {
		return
	}
	rs.Rules = append(rs.Rules, extra.Rules...)
	rs.OverrideKeywords = append(rs.OverrideKeywords, extra.OverrideKeywords...)
	if extra.Version > rs.Version {
		rs.Version = extra.Version
	}
}

// LoadRulePack reads an additional RuleSet from a YAML file.
func LoadRulePack(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule pack %s: %w", path, err)
	}
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parsing rule pack %s: %w", path, err)
	}
	return &rs, nil
}

// DefaultRuleSet returns the built-in injection policy.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{
		Version: "builtin-2026.08",
		Rules: []Rule{
			{
				Name:     "instruction-override",
				Kind:     KindPromptInjection,
				Pattern:  `(?i)(ignore|disregard|forget|skip|bypass|override)\s+(all\s+)?(previous|above|prior|earlier|system)\s+(instructions?|rules?|context|prompts?|messages?)`,
				Severity: security.SeverityCritical,
			},
			{
				Name:     "new-instructions",
				Kind:     KindPromptInjection,
				Pattern:  `(?i)\bnew\s+instructions?\s*:`,
				Severity: security.SeverityCritical,
			},
			{
				Name:     "role-reassignment",
				Kind:     KindPromptInjection,
				Pattern:  `(?i)you\s+are\s+(now|actually|really)\s+(a|an|the|my)\b`,
				Severity: security.SeverityCritical,
			},
			{
				Name:     "role-play-coercion",
				Kind:     KindPromptInjection,
				Pattern:  `(?i)(pretend\s+(to\s+be|you\s+are|you're)|act\s+as\s+(if|though)\s+you)`,
				Severity: security.SeverityCritical,
			},
			{
				Name:     "authority-impersonation",
				Kind:     KindPromptInjection,
				Pattern:  `(?i)(i\s+am|this\s+is)\s+(your\s+)?(developer|administrator|admin|creator|operator|maintainer)\b`,
				Severity: security.SeverityCritical,
			},
			{
				Name:     "system-role-smuggling",
				Kind:     KindPromptInjection,
				Pattern:  `(?i)\bsystem\s*:\s*you\s+(are|will|must|should)`,
				Severity: security.SeverityCritical,
			},
			{
				Name:     "prompt-disclosure",
				Kind:     KindPromptInjection,
				Pattern:  `(?i)(show|reveal|display|print|repeat|recite)\s+(me\s+)?(all\s+)?(your\s+|the\s+)?(system\s+)?(prompt|instructions?)`,
				Severity: security.SeverityCritical,
			},
			{
				Name:     "jailbreak-marker",
				Kind:     KindPromptInjection,
				Pattern:  `(?i)\b(jailbreak|jailbroken|developer\s+mode|do\s+anything\s+now)\b`,
				Severity: security.SeverityCritical,
			},
			{
				Name:     "chat-template-token",
				Kind:     KindPromptInjection,
				Pattern:  `(?i)(<\|(system|im_start|im_end|endoftext)\|>|</?(system|assistant)>)`,
				Severity: security.SeverityCritical,
			},
			{
				Name:     "fenced-system-block",
				Kind:     KindPromptInjection,
				Pattern:  "(?i)```\\s*(system|instructions?)\\b",
				Severity: security.SeverityCritical,
			},
			{
				Name:     "bracket-authority-tag",
				Kind:     KindPromptInjection,
				Pattern:  `(?i)\[\[\s*(system|admin|root)\b`,
				Severity: security.SeverityCritical,
			},
		},
		OverrideKeywords: []string{
			"system", "instruction", "ignore", "override", "disregard",
			"admin", "prompt", "jailbreak",
		},
	}
}

// delimiterSpans are the comment/fence shapes whose inner content the
// delimiter-confusion stage inspects. The shapes are structural and fixed;
// the keywords searched for inside them come from the RuleSet.
var delimiterSpans = []struct {
	name string
	re   *regexp.Regexp
}{
	{"code-fence", regexp.MustCompile("(?s)```(.*?)```")},
	{"html-comment", regexp.MustCompile(`(?s)<!--(.*?)-->`)},
	{"block-comment", regexp.MustCompile(`(?s)/\*(.*?)\*/`)},
}
