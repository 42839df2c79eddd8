package cacheheaders

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	cachetags "github.com/midweste/varnish-controllers/pkg/cache-tags"
	"github.com/midweste/varnish-controllers/pkg/eligibility"
	"github.com/midweste/varnish-controllers/pkg/settings"
)

// Header names understood by the Varnish configuration.
const (
	HeaderCacheLifetime = "X-Cache-Lifetime"
	HeaderCacheTags     = "X-Cache-Tags"
)

// Emit computes the cache headers for a response.
// It returns false and no headers if the response must not be cached.
func Emit(cfg settings.Config, facts eligibility.Facts, responseTags []string) (bool, http.Header) {
	if !eligibility.IsCacheable(cfg, facts) {
		return false, nil
	}
	tags := cachetags.Unique(append([]string{cfg.CacheTagPrefix}, responseTags...))
	if len(tags) == 0 {
		return false, nil
	}
	lifetime := strconv.Itoa(cfg.CacheLifetime)
	header := make(http.Header)
	header.Set(HeaderCacheLifetime, lifetime)
	header.Set(HeaderCacheTags, strings.Join(tags, ","))
	header.Set("Pragma", "cache")
	header.Set("Cache-Control", fmt.Sprintf("public, max-age=%s, s-maxage=%s", lifetime, lifetime))
	return true, header
}

// Apply sets the emitted headers on dst, replacing values set by the handler.
func Apply(dst, src http.Header) {
	for name, values := range src {
		dst.Del(name)
		for _, value := range values {
			dst.Add(name, value)
		}
	}
}
