package validator

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy holds the pattern tables the validator matches against. Tables are
// data, not code: the matching engine runs whatever policy is loaded, so
// deployments can extend the denylists without touching the checks.
type Policy struct {
	Version string `json:"version" yaml:"version"`

	// BlockedCommands are command tokens or phrases matched as whole words
	// bounded by separators — never as bare substrings.
	BlockedCommands []string `json:"blocked_commands" yaml:"blocked_commands"`

	// SensitivePaths are filesystem prefixes that no command or file
	// operation may touch. Entries may start with ~ for home-relative paths.
	SensitivePaths []string `json:"sensitive_paths" yaml:"sensitive_paths"`

	// BlockedDomains are exfiltration-friendly hosts rejected in network
	// targets, matched including subdomains.
	BlockedDomains []string `json:"blocked_domains" yaml:"blocked_domains"`

	// AllowedHosts exempt specific hosts from the domain and private-IP
	// rejection (explicit opt-in, e.g. an internal artifact mirror).
	AllowedHosts []string `json:"allowed_hosts" yaml:"allowed_hosts"`

	// CredentialPatterns detect inline secrets. Matched case-insensitively
	// against the normalized command.
	CredentialPatterns []string `json:"credential_patterns" yaml:"credential_patterns"`

	blockedRes    []*regexp.Regexp
	credentialRes []*regexp.Regexp
}

// Compile prepares the matchers. Must be called before use.
func (p *Policy) Compile() error {
	p.blockedRes = p.blockedRes[:0]
	for _, token := range p.BlockedCommands {
		re, err := compileBoundary(token)
		if err != nil {
			return fmt.Errorf("blocked command %q: %w", token, err)
		}
		p.blockedRes = append(p.blockedRes, re)
	}
	p.credentialRes = p.credentialRes[:0]
	for _, pattern := range p.CredentialPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("credential pattern %q: %w", pattern, err)
		}
		p.credentialRes = append(p.credentialRes, re)
	}
	return nil
}

// compileBoundary wraps a denylist entry in separator boundaries. Word
// characters and hyphens do NOT count as separators, so "sudo" never matches
// inside "pseudo-util" and a binary called "sudo-util" does not trip the
// "sudo" entry either.
func compileBoundary(token string) (*regexp.Regexp, error) {
	normalized := strings.Join(strings.Fields(strings.ToLower(token)), " ")
	return regexp.Compile(`(?:^|[^\w-])` + regexp.QuoteMeta(normalized) + `(?:$|[^\w-])`)
}

// Merge appends another policy's tables, keeping the higher version string.
func (p *Policy) Merge(extra *Policy) {
	if extra == nil {
		return
	}
	p.BlockedCommands = append(p.BlockedCommands, extra.BlockedCommands...)
	p.SensitivePaths = append(p.SensitivePaths, extra.SensitivePaths...)
	p.BlockedDomains = append(p.BlockedDomains, extra.BlockedDomains...)
	p.AllowedHosts = append(p.AllowedHosts, extra.AllowedHosts...)
	p.CredentialPatterns = append(p.CredentialPatterns, extra.CredentialPatterns...)
	if extra.Version > p.Version {
		p.Version = extra.Version
	}
}

// LoadPolicyPack reads an additional Policy from a YAML file.
func LoadPolicyPack(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy pack %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing policy pack %s: %w", path, err)
	}
	return &p, nil
}

// DefaultPolicy returns the built-in denylists.
func DefaultPolicy() *Policy {
	return &Policy{
		Version: "builtin-2026.08",
		BlockedCommands: []string{
			// Privilege escalation.
			"sudo", "su", "doas", "pkexec", "runas",
			// Destructive disk operations.
			"mkfs", "mke2fs", "mkswap", "dd", "fdisk", "parted",
			"wipefs", "shred", "badblocks", "diskpart",
			// Permission and ownership changes.
			"chmod", "chown", "chgrp", "chattr", "icacls",
			// Raw network listeners and reverse-shell staples.
			"nc", "ncat", "netcat", "socat",
			// Process-kill utilities.
			"kill", "pkill", "killall", "taskkill",
			// Risky package installs.
			"pip install", "pip3 install", "npm install -g",
			"gem install", "apt-get install", "apt install", "yum install",
			// Kernel, firewall, and system control.
			"insmod", "rmmod", "modprobe", "sysctl -w",
			"iptables", "nftables", "ufw",
			"shutdown", "reboot", "poweroff", "halt", "init 0", "init 6",
			"systemctl poweroff", "systemctl reboot", "systemctl halt",
			// Privileged config editors and misc escapes.
			"visudo", "crontab", "eval",
			// Windows-specific destructive invocations.
			"format c:", "del /f /s /q", "rd /s /q", "bcdedit", "bootrec",
			"reg delete",
		},
		SensitivePaths: []string{
			"/etc/ssh", "/etc/shadow", "/etc/gshadow", "/etc/passwd",
			"/etc/sudoers", "/etc/sudoers.d",
			"/proc", "/sys", "/dev", "/boot", "/root",
			"/var/run/docker.sock", "/run/docker.sock",
			"~/.ssh", "~/.gnupg", "~/.aws", "~/.kube", "~/.docker",
			"~/.azure", "~/.config/gcloud",
			"~/.bash_history", "~/.zsh_history",
			`c:\windows\system32`, `c:\windows\syswow64`,
		},
		BlockedDomains: []string{
			"pastebin.com", "hastebin.com", "paste.ee", "dpaste.com",
			"termbin.com", "sprunge.us", "ix.io", "0x0.st",
			"transfer.sh", "file.io", "anonfiles.com", "mega.nz",
			"ngrok.io", "webhook.site", "requestbin.com", "pipedream.net",
		},
		CredentialPatterns: []string{
			`(?i)\b(password|passwd|pwd|token|secret|auth)\s*[=:]\s*\S+`,
			`(?i)\bapi[_-]?key\s*[=:]\s*\S+`,
			`(?i)\bbearer\s+[a-z0-9._~+/=-]{8,}`,
			// Known provider key shapes.
			`\bsk-[A-Za-z0-9-]{16,}\b`,
			`\bghp_[A-Za-z0-9]{36}\b`,
			`\bgithub_pat_[A-Za-z0-9_]{22,}\b`,
			`\bAKIA[0-9A-Z]{16}\b`,
			`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`,
			`\bAIza[0-9A-Za-z_-]{35}\b`,
			`\bglpat-[A-Za-z0-9_-]{20,}\b`,
		},
	}
}

// fetchCommands are the HTTP-fetch utilities whose arguments get
// network-target validation.
var fetchCommands = map[string]struct{}{
	"curl": {}, "wget": {}, "http": {}, "https": {}, "fetch": {}, "aria2c": {},
}

// chainingOperators in detection order; double-character operators first so
// "||" is not reported as two pipes. Bare "$" is deliberately absent: a
// dollar without "(" is variable expansion, not command substitution, and is
// graded medium by envAccessPatterns below instead of high here.
var chainingOperators = []string{"&&", "||", ";", "|", "$(", "`"}

// envAccessPatterns detect shell and Windows environment expansion.
var envAccessPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$\{[^}]+\}`),
	regexp.MustCompile(`\$[A-Za-z_][A-Za-z0-9_]*`),
	regexp.MustCompile(`%[A-Za-z_][A-Za-z0-9_]*%`),
}
