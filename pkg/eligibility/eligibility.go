// Package eligibility decides whether a response may be publicly cached
// by the upstream accelerator.
package eligibility

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/midweste/varnish-controllers/pkg/settings"
)

// Reasons a request is not cacheable, in the order they are checked.
const (
	ReasonVetoed   = "vetoed"
	ReasonDisabled = "disabled"
	ReasonLifetime = "lifetime"
	ReasonPost     = "post"
	ReasonParam    = "param"
	ReasonExclude  = "exclude"
)

// Facts are the parts of a request the decision depends on.
type Facts struct {
	// Vetoed is set when the handler opted the response out of caching.
	Vetoed      bool
	HasPostBody bool
	QueryParams url.Values
	// Request URI the exclude rules are matched against.
	RequestPath string
}

// FactsFromRequest collects the facts for a live request.
// RequestPath is the request URI including the query string.
func FactsFromRequest(r *http.Request) Facts {
	return Facts{
		HasPostBody: hasPostBody(r),
		QueryParams: r.URL.Query(),
		RequestPath: r.URL.RequestURI(),
	}
}

// a POST counts as having a body unless the body is known to be empty
func hasPostBody(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	if r.Body == nil || r.Body == http.NoBody {
		return false
	}
	return r.ContentLength != 0
}

// IsCacheable reports whether a response to the request may be cached.
func IsCacheable(cfg settings.Config, facts Facts) bool {
	return Reason(cfg, facts) == ""
}

// Reason returns the first check that makes the request non-cacheable,
// or an empty string if it is cacheable.
func Reason(cfg settings.Config, facts Facts) string {
	if facts.Vetoed {
		return ReasonVetoed
	}
	if !cfg.Enabled {
		return ReasonDisabled
	}
	if cfg.CacheLifetime == 0 {
		return ReasonLifetime
	}
	if facts.HasPostBody {
		return ReasonPost
	}
	for _, param := range cfg.ExcludedParams {
		if _, ok := facts.QueryParams[param]; ok {
			return ReasonParam
		}
	}
	for _, rule := range cfg.Excludes {
		if excluded(rule, facts.RequestPath) {
			return ReasonExclude
		}
	}
	return ""
}

// excluded matches a single rule. An empty rule matches every path.
func excluded(rule, path string) bool {
	rule = strings.TrimSpace(rule)
	if prefix, ok := strings.CutPrefix(rule, "^"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return strings.Contains(path, rule)
}
