package validator

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/jkaninda/askari/internal/security"
)

// checkNetworkTargets inspects the arguments of a fetch command. IP-literal
// targets in private or link-local ranges and deny-listed domains are
// critical. Hostname resolution is never performed here; DNS-based checks
// belong to the sandbox layer.
func (v *Validator) checkNetworkTargets(normalized string, result *CommandResult) {
	seen := map[string]struct{}{}
	for _, token := range strings.Fields(normalized) {
		host := hostFromToken(token)
		if host == "" {
			continue
		}
		if _, dup := seen[host]; dup {
			continue
		}
		seen[host] = struct{}{}
		if v.hostAllowed(host) {
			continue
		}
		if ip := net.ParseIP(host); ip != nil {
			if isPrivateIP(ip) {
				result.Issues = append(result.Issues, Issue{
					Kind:     IssueBlockedDomain,
					Severity: security.SeverityCritical,
					Evidence: host,
					Detail:   "private or link-local address",
				})
			}
			continue
		}
		if entry := v.matchBlockedDomain(host); entry != "" {
			result.Issues = append(result.Issues, Issue{
				Kind:     IssueBlockedDomain,
				Severity: security.SeverityCritical,
				Evidence: host,
				Detail:   fmt.Sprintf("deny-listed domain %s", entry),
			})
		}
	}
}

func (v *Validator) hostAllowed(host string) bool {
	for _, allowed := range v.policy.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func (v *Validator) matchBlockedDomain(host string) string {
	for _, entry := range v.policy.BlockedDomains {
		blocked := strings.ToLower(entry)
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return entry
		}
	}
	return ""
}

// hostFromToken extracts a host from one command argument. Returns "" for
// flags, option assignments, and anything that does not look like a URL,
// hostname, or IP literal.
func hostFromToken(token string) string {
	token = strings.Trim(token, `"'`)
	if token == "" || strings.HasPrefix(token, "-") || strings.Contains(token, "=") {
		return ""
	}
	if strings.Contains(token, "://") {
		u, err := url.Parse(token)
		if err != nil {
			return ""
		}
		return strings.ToLower(u.Hostname())
	}
	// Bare host[:port][/path] form, e.g. "169.254.169.254/latest".
	hostPort := token
	if i := strings.IndexByte(hostPort, '/'); i >= 0 {
		hostPort = hostPort[:i]
	}
	host := hostPort
	if h, _, err := net.SplitHostPort(hostPort); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if net.ParseIP(host) != nil {
		return strings.ToLower(host)
	}
	if strings.Contains(host, ".") && !strings.ContainsAny(host, `\@`) {
		return strings.ToLower(host)
	}
	return ""
}

// isPrivateIP reports whether ip falls in a loopback, link-local, RFC 1918,
// or unique-local range.
func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		switch {
		case ip4[0] == 10:
			return true
		case ip4[0] == 172 && ip4[1]&0xf0 == 16:
			return true
		case ip4[0] == 192 && ip4[1] == 168:
			return true
		case ip4[0] == 169 && ip4[1] == 254:
			return true
		}
		return false
	}
	// fc00::/7 unique local addresses.
	return len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc
}
