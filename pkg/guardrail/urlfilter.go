package guardrail

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/stinger-ai/stinger/pkg/conversation"
)

var urlPattern = regexp.MustCompile(`(?i)\b(?:https?://|www\.)[^\s<>"']+`)

// URLFilterGuardrail extracts URLs from content and checks their domains and
// file extensions against configured lists. With allowed_domains set, any
// URL outside the list triggers; blocked_domains and blocked_extensions
// trigger on match.
type URLFilterGuardrail struct {
	base
	allowedDomains    []string
	blockedDomains    []string
	blockedExtensions []string
}

var _ Guardrail = (*URLFilterGuardrail)(nil)

func newURLFilter(name string, cfg Config, deps Deps) (Guardrail, error) {
	g := &URLFilterGuardrail{
		base:              newBase(name, KindURLFilter, cfg),
		allowedDomains:    lowerAll(cfg.Strings("allowed_domains")),
		blockedDomains:    lowerAll(cfg.Strings("blocked_domains")),
		blockedExtensions: lowerAll(cfg.Strings("blocked_extensions")),
	}
	if len(g.allowedDomains) == 0 && len(g.blockedDomains) == 0 && len(g.blockedExtensions) == 0 {
		return nil, configErr(name, KindURLFilter, "blocked_domains", errors.New("no domain or extension rules configured"))
	}
	for i, ext := range g.blockedExtensions {
		if !strings.HasPrefix(ext, ".") {
			g.blockedExtensions[i] = "." + ext
		}
	}
	return g, nil
}

func lowerAll(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (g *URLFilterGuardrail) Analyze(_ context.Context, content string, _ *conversation.Conversation) (*Decision, error) {
	defer g.observe(nil)

	var violations []string
	var flagged []string
	for _, raw := range urlPattern.FindAllString(content, -1) {
		raw = strings.TrimRight(raw, ".,;:!?)")
		host, ext := parseURL(raw)
		if host == "" {
			continue
		}

		switch {
		case matchDomain(host, g.blockedDomains):
			violations = append(violations, fmt.Sprintf("domain %s is blocked", host))
			flagged = append(flagged, raw)
		case len(g.allowedDomains) > 0 && !matchDomain(host, g.allowedDomains):
			violations = append(violations, fmt.Sprintf("domain %s is not on the allowed list", host))
			flagged = append(flagged, raw)
		case ext != "" && contains(g.blockedExtensions, ext):
			violations = append(violations, fmt.Sprintf("file extension %s is blocked", ext))
			flagged = append(flagged, raw)
		}
	}
	if len(violations) == 0 {
		return Allowed(), nil
	}

	return g.triggered(1.0,
		"content contains disallowed URLs: "+strings.Join(violations, "; "),
		map[string]interface{}{"urls": flagged, "violations": violations},
	), nil
}

func parseURL(raw string) (host, ext string) {
	candidate := raw
	if !strings.Contains(candidate, "://") {
		candidate = "http://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil || u.Hostname() == "" {
		return "", ""
	}
	host = strings.ToLower(u.Hostname())
	if e := path.Ext(u.Path); e != "" {
		ext = strings.ToLower(e)
	}
	return host, ext
}

// matchDomain reports whether host equals a listed domain or is one of its
// subdomains.
func matchDomain(host string, domains []string) bool {
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func contains(items []string, want string) bool {
	for _, item := range items {
		if item == want {
			return true
		}
	}
	return false
}
