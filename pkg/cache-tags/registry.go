// Package cachetags collects the cache tags of a response and the tags
// that should be purged once the request is done.
package cachetags

import (
	"context"
	"sync"
)

// Registry holds the tags for the current response and the purge queue,
// plus the per-response caching overrides set by the handler.
// It is safe for concurrent use.
type Registry struct {
	mu           sync.Mutex
	responseTags []string
	purgeQueue   []string
	notCacheable bool
	lifetime     *int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddResponseTag tags the current response. Tags are not validated.
func (r *Registry) AddResponseTag(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responseTags = append(r.responseTags, tag)
}

// AddPurgeTags queues tags for purging, preserving their order.
func (r *Registry) AddPurgeTags(tags ...string) {
	if len(tags) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.purgeQueue = append(r.purgeQueue, tags...)
}

// ResponseTags returns a copy of the response tags in insertion order.
func (r *Registry) ResponseTags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.responseTags...)
}

// PurgeQueue returns a copy of the purge queue without clearing it.
func (r *Registry) PurgeQueue() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.purgeQueue...)
}

// DrainPurgeQueue returns the queued tags and clears the queue.
func (r *Registry) DrainPurgeQueue() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.purgeQueue
	r.purgeQueue = nil
	return queue
}

// SetCacheable opts the current response in or out of caching.
// Responses are cacheable unless set otherwise.
func (r *Registry) SetCacheable(cacheable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notCacheable = !cacheable
}

// Cacheable reports whether the handler left the response cacheable.
func (r *Registry) Cacheable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.notCacheable
}

// SetCacheLifetime overrides the configured cache lifetime for the
// current response only.
func (r *Registry) SetCacheLifetime(seconds int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lifetime = &seconds
}

// CacheLifetime returns the lifetime override, if one was set.
func (r *Registry) CacheLifetime() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lifetime == nil {
		return 0, false
	}
	return *r.lifetime, true
}

// Unique removes duplicates, keeping the first occurrence of each tag.
func Unique(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	unique := make([]string, 0, len(tags))
	for _, tag := range tags {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		unique = append(unique, tag)
	}
	return unique
}

// FilterEmpty removes empty tags.
func FilterEmpty(tags []string) []string {
	filtered := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag != "" {
			filtered = append(filtered, tag)
		}
	}
	return filtered
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying the registry.
func NewContext(ctx context.Context, r *Registry) context.Context {
	return context.WithValue(ctx, contextKey{}, r)
}

// FromContext returns the registry stored in ctx, or nil.
func FromContext(ctx context.Context) *Registry {
	r, _ := ctx.Value(contextKey{}).(*Registry)
	return r
}
