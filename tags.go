package varnishcontroller

import (
	"context"

	cachetags "github.com/midweste/varnish-controllers/pkg/cache-tags"
)

// AddCacheTag tags the response of the request carried by ctx.
// It returns false if ctx did not pass through the middleware.
func AddCacheTag(ctx context.Context, tags ...string) bool {
	registry := cachetags.FromContext(ctx)
	if registry == nil {
		return false
	}
	for _, tag := range tags {
		registry.AddResponseTag(tag)
	}
	return true
}

// AddTagsToPurge queues tags to purge once the request carried by ctx is done.
// It returns false if ctx did not pass through the middleware.
func AddTagsToPurge(ctx context.Context, tags ...string) bool {
	registry := cachetags.FromContext(ctx)
	if registry == nil {
		return false
	}
	registry.AddPurgeTags(tags...)
	return true
}

// SetCacheable opts the response of the request carried by ctx in or out
// of caching, e.g. for a logged-in user.
// It returns false if ctx did not pass through the middleware.
func SetCacheable(ctx context.Context, cacheable bool) bool {
	registry := cachetags.FromContext(ctx)
	if registry == nil {
		return false
	}
	registry.SetCacheable(cacheable)
	return true
}

// SetCacheLifetime overrides the cache lifetime in seconds for the response
// of the request carried by ctx. Zero makes the response not cacheable.
// It returns false if ctx did not pass through the middleware.
func SetCacheLifetime(ctx context.Context, seconds int) bool {
	registry := cachetags.FromContext(ctx)
	if registry == nil {
		return false
	}
	registry.SetCacheLifetime(seconds)
	return true
}
