// Package constraint implements C1, the API-key constraint evaluator (spec
// §4.1): allow/deny for a (apiKeyConstraints, requestEnvelope) pair, in the
// fixed evaluation order the spec pins down so a denial always names the
// first failing predicate (invariant P1).
package constraint

import (
	"net"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/wisbric/logharbor/internal/model"
)

// Envelope is the subset of a request visible to C1 (spec §4.1, glossary).
type Envelope struct {
	ClientIP    string
	Referer     string
	Origin      string
	UserAgent   string
	Environment string
}

// Result is the outcome of Evaluate: Allowed, or Denied with the name of
// the first failing predicate (spec §4.1 "Failure mode").
type Result struct {
	Allowed    bool
	Constraint string // one of: ipRestrictions, refererRestrictions, originRestrictions, userAgentRestrictions, allowedEnvironments, expirationDate
}

func deny(name string) Result { return Result{Allowed: false, Constraint: name} }

var allow = Result{Allowed: true}

// Evaluate runs every present predicate of c against env, in the order
// spec §4.1 specifies. Absent predicates are skipped (vacuous pass, Q3).
func Evaluate(c model.ApiKeyConstraints, env Envelope, now time.Time) Result {
	if c.ExpirationDate != nil && now.After(*c.ExpirationDate) {
		return deny("expirationDate")
	}

	if len(c.AllowedEnvironments) > 0 && !containsFold(c.AllowedEnvironments, env.Environment) {
		return deny("allowedEnvironments")
	}

	if len(c.AllowedIPs) > 0 && !matchesAnyIP(c.AllowedIPs, env.ClientIP) {
		return deny("ipRestrictions")
	}

	if len(c.AllowedReferers) > 0 {
		if env.Referer == "" || !matchesAnyGlob(c.AllowedReferers, env.Referer) {
			return deny("refererRestrictions")
		}
	}

	if len(c.AllowedOrigins) > 0 {
		if env.Origin == "" || !matchesAnyGlob(c.AllowedOrigins, env.Origin) {
			return deny("originRestrictions")
		}
	}

	if len(c.AllowedUserAgentRegex) > 0 {
		if env.UserAgent == "" || !matchesAnyRegex(c.AllowedUserAgentRegex, env.UserAgent) {
			return deny("userAgentRestrictions")
		}
	}

	return allow
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// matchesAnyIP parses each entry as a literal address or CIDR block (spec
// open question (a): both IPv4 and IPv6 accepted). A malformed entry fails
// closed — it simply never matches, never errors (spec §4.1 step 3).
func matchesAnyIP(entries []string, clientIP string) bool {
	ip, err := netip.ParseAddr(clientIP)
	if err != nil {
		return false
	}

	for _, entry := range entries {
		if addr, aerr := netip.ParseAddr(entry); aerr == nil {
			if addr == ip {
				return true
			}
			continue
		}
		if prefix, perr := netip.ParsePrefix(entry); perr == nil {
			if prefix.Contains(ip) {
				return true
			}
			continue
		}
		// Neither form parses: permanently non-matching, not an error.
	}
	return false
}

// matchesAnyGlob matches value against any of patterns, each a `*`-only
// glob (spec open question (b)): case-insensitive for the scheme+host
// segment, case-sensitive for the path.
func matchesAnyGlob(patterns []string, value string) bool {
	for _, p := range patterns {
		if globMatch(p, value) {
			return true
		}
	}
	return false
}

// globMatch implements `*`-only glob matching with the scheme+host segment
// compared case-insensitively and the path (anything from the first `/`
// after the host) compared case-sensitively.
func globMatch(pattern, value string) bool {
	pHead, pPath := splitHostPath(pattern)
	vHead, vPath := splitHostPath(value)

	return globSegment(strings.ToLower(pHead), strings.ToLower(vHead)) && globSegment(pPath, vPath)
}

// splitHostPath splits a URL-ish string into everything before the first
// path-starting `/` following "://" (or the start, if no scheme), and the
// remainder including that `/`.
func splitHostPath(s string) (head, path string) {
	rest := s
	if i := strings.Index(s, "://"); i >= 0 {
		rest = s[i+3:]
	}
	if j := strings.Index(rest, "/"); j >= 0 {
		head = s[:len(s)-len(rest)+j]
		path = rest[j:]
		return head, path
	}
	return s, ""
}

// globSegment matches `*` as "zero or more characters" within one segment.
func globSegment(pattern, value string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == value
	}

	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	value = value[len(parts[0]):]

	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(value, parts[i])
		if idx < 0 {
			return false
		}
		value = value[idx+len(parts[i]):]
	}

	return strings.HasSuffix(value, parts[len(parts)-1])
}

// matchesAnyRegex compiles each pattern and tries it against value.
func matchesAnyRegex(patterns []string, value string) bool {
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			continue // malformed pattern: fails closed for this entry only
		}
		if re.MatchString(value) {
			return true
		}
	}
	return false
}

// EnvelopeFromHeaders builds an Envelope from HTTP-ish inputs, preferring
// the first hop recorded in X-Forwarded-For over the socket peer (spec
// §4.1: "client IP (preferring the first hop recorded in forwarded-for
// metadata, else the socket peer)").
func EnvelopeFromHeaders(forwardedFor, remoteAddr, referer, origin, userAgent, environment string) Envelope {
	ip := remoteAddr
	if forwardedFor != "" {
		first := strings.TrimSpace(strings.Split(forwardedFor, ",")[0])
		if first != "" {
			ip = first
		}
	}
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return Envelope{
		ClientIP:    ip,
		Referer:     referer,
		Origin:      origin,
		UserAgent:   userAgent,
		Environment: environment,
	}
}
