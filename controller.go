package varnishcontroller

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	cacheheaders "github.com/midweste/varnish-controllers/pkg/cache-headers"
	cachetags "github.com/midweste/varnish-controllers/pkg/cache-tags"
	"github.com/midweste/varnish-controllers/pkg/eligibility"
	"github.com/midweste/varnish-controllers/pkg/purge"
	hook "github.com/midweste/varnish-controllers/pkg/response-writer-hook"
	"github.com/midweste/varnish-controllers/pkg/settings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

type Config struct {
	// Settings in effect until SetSettings replaces them.
	Settings settings.Config
	// Dispatcher for queued purges. One with the default HTTP transport
	// and no purge log is created if nil.
	Dispatcher *purge.Dispatcher
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Collect purge tags of all requests in one process-wide queue.
	// Each request completion drains that queue, so every tag is purged once.
	SharedPurgeQueue bool
}

type Controller struct {
	settings   atomic.Pointer[settings.Config]
	dispatcher *purge.Dispatcher
	log        zerolog.Logger
	shared     *cachetags.Registry
	inflight   sync.WaitGroup
}

// CreateController initializes a controller.
func CreateController(config Config) *Controller {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("component", "varnish").Logger()

	dispatcher := config.Dispatcher
	if dispatcher == nil {
		dispatcher = purge.NewDispatcher(purge.Config{Logger: &logger})
	}

	c := &Controller{
		dispatcher: dispatcher,
		log:        logger,
	}
	if config.SharedPurgeQueue {
		c.shared = cachetags.NewRegistry()
	}
	c.SetSettings(config.Settings)
	return c
}

// Settings returns the current settings snapshot.
func (c *Controller) Settings() settings.Config {
	return *c.settings.Load()
}

// SetSettings replaces the settings used by requests starting afterwards.
func (c *Controller) SetSettings(cfg settings.Config) {
	c.settings.Store(&cfg)
}

// Middleware wires both lifecycle hooks around next.
// Handlers find the request's tag registry in the request context.
func (c *Controller) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := c.Settings()
		registry := cachetags.NewRegistry()
		r = r.WithContext(cachetags.NewContext(r.Context(), registry))

		hw := hook.NewResponseWriter(w, func(h http.Header) {
			c.OnHeadersFinalizing(cfg, r, h)
		})
		// purge only once the handler is done with the response
		defer c.complete(r, cfg, registry)

		next.ServeHTTP(hw, r)
		hw.Finalize()
	})
}

// OnHeadersFinalizing sets the cache headers on h if the request is cacheable.
// Per-response overrides from the request registry are applied on top of cfg.
// It must run before any body byte is written.
// It reports whether headers were set.
func (c *Controller) OnHeadersFinalizing(cfg settings.Config, r *http.Request, h http.Header) (sent bool) {
	logger := c.getLogger(r)
	defer func() {
		if err := recover(); err != nil {
			logger.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic while sending cache headers")
			sent = false
		}
	}()

	facts := eligibility.FactsFromRequest(r)
	registry := cachetags.FromContext(r.Context())
	if registry != nil {
		facts.Vetoed = !registry.Cacheable()
		// cfg is a copy, the override stays with this response
		if lifetime, ok := registry.CacheLifetime(); ok {
			cfg.CacheLifetime = lifetime
		}
	}
	if reason := eligibility.Reason(cfg, facts); reason != "" {
		CacheDecisions.WithLabelValues(reason).Inc()
		logger.Trace().Str("uri", facts.RequestPath).Str("reason", reason).Msg("Response not cacheable")
		return false
	}

	var responseTags []string
	if registry != nil {
		responseTags = registry.ResponseTags()
	}
	send, header := cacheheaders.Emit(cfg, facts, responseTags)
	if !send {
		return false
	}
	cacheheaders.Apply(h, header)
	CacheDecisions.WithLabelValues("cacheable").Inc()
	logger.Trace().
		Str("uri", facts.RequestPath).
		Str("tags", header.Get(cacheheaders.HeaderCacheTags)).
		Msg("Sending cache headers")
	return true
}

// OnRequestComplete flushes the purge queue of registry.
// With a shared queue the registry's tags are moved to the shared queue first.
func (c *Controller) OnRequestComplete(ctx context.Context, cfg settings.Config, registry *cachetags.Registry) purge.Outcome {
	if c.shared != nil && registry != nil {
		c.shared.AddPurgeTags(registry.DrainPurgeQueue()...)
		registry = c.shared
	}
	return c.dispatcher.Flush(ctx, cfg, registry)
}

// complete runs the completion hook in the background so the response
// is never held up by the purge call.
func (c *Controller) complete(r *http.Request, cfg settings.Config, registry *cachetags.Registry) {
	logger := c.getLogger(r)
	ctx := context.WithoutCancel(r.Context())
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		defer func() {
			if err := recover(); err != nil {
				logger.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic while purging")
			}
		}()
		c.OnRequestComplete(ctx, cfg, registry)
	}()
}

// Wait blocks until all background purges have finished.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

// WaitContext is like Wait but gives up when ctx is done.
// It returns ctx.Err() if purges were still running.
func (c *Controller) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// getLogger returns the logger from the request context.
// If no logger is found, it will return the controller logger.
func (c *Controller) getLogger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		return &c.log
	}
	return logger
}
