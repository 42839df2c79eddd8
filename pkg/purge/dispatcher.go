// Package purge flushes queued cache tags to the accelerator.
package purge

import (
	"context"
	"net/http"
	"strings"
	"time"

	cachetags "github.com/midweste/varnish-controllers/pkg/cache-tags"
	journal "github.com/midweste/varnish-controllers/pkg/purge-journal"
	"github.com/midweste/varnish-controllers/pkg/settings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HeaderCacheTags carries the comma separated tags to invalidate.
const HeaderCacheTags = "X-Cache-Tags"

// State of a flush.
type State int

const (
	StateIdle State = iota
	StateDispatching
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDispatching:
		return "dispatching"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// LogWriter appends a purge record to the developer log.
type LogWriter interface {
	Append(tags []string) error
}

// Outcome describes what a flush did.
// A failed PURGE still ends in StateDone, the error is only informational.
type Outcome struct {
	State State
	// Dispatched is true if a PURGE call was attempted.
	Dispatched bool
	Tags       []string
	// Err is the transport error, if any.
	Err error
	// LogErr is the purge log error, if any.
	LogErr error
}

type Config struct {
	// Transport for PURGE calls. An HTTPTransport with the default
	// timeouts is used if nil.
	Transport Transport
	// Developer mode purge log. Nothing is logged to file if nil.
	LogWriter LogWriter
	// Optional journal of dispatched purges.
	Journal journal.Journal
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

type Dispatcher struct {
	transport Transport
	logWriter LogWriter
	journal   journal.Journal
	log       zerolog.Logger
	now       func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(config Config) *Dispatcher {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	transport := config.Transport
	if transport == nil {
		transport = NewHTTPTransport(DefaultConnectTimeout, DefaultRequestTimeout)
	}
	return &Dispatcher{
		transport: transport,
		logWriter: config.LogWriter,
		journal:   config.Journal,
		log:       logger.With().Str("component", "purge").Logger(),
		now:       time.Now,
	}
}

// Flush drains the purge queue of registry and sends one PURGE call with the
// de-duplicated tags. Failures are logged and reported in the outcome but
// never returned as errors; the caller's response must not depend on them.
func (d *Dispatcher) Flush(ctx context.Context, cfg settings.Config, registry *cachetags.Registry) Outcome {
	outcome := Outcome{State: StateIdle}
	if registry == nil {
		outcome.State = StateDone
		return outcome
	}
	tags := cachetags.FilterEmpty(cachetags.Unique(registry.DrainPurgeQueue()))
	if len(tags) == 0 {
		outcome.State = StateDone
		return outcome
	}

	outcome.State = StateDispatching
	outcome.Dispatched = true
	outcome.Tags = tags

	header := make(http.Header)
	header.Set(HeaderCacheTags, strings.Join(tags, ","))

	start := d.now()
	err := d.transport.Purge(ctx, cfg.Server, header)
	PurgeDuration.Observe(time.Since(start).Seconds())
	PurgedTags.Add(float64(len(tags)))

	entry := journal.Entry{
		At:      start,
		Server:  cfg.Server,
		Tags:    tags,
		Success: err == nil,
	}
	if err != nil {
		outcome.Err = err
		entry.Error = err.Error()
		PurgeRequests.WithLabelValues("failed").Inc()
		d.log.Warn().Err(err).Str("server", cfg.Server).Strs("tags", tags).Msg("Varnish cache purge failed")
	} else {
		PurgeRequests.WithLabelValues("ok").Inc()
		d.log.Debug().Str("server", cfg.Server).Strs("tags", tags).Msg("Purged cache tags")
	}

	if d.journal != nil {
		if err := d.journal.Record(entry); err != nil {
			d.log.Warn().Err(err).Msg("Could not record purge in journal")
		}
	}

	if cfg.DeveloperMode && d.logWriter != nil {
		if err := d.logWriter.Append(tags); err != nil {
			outcome.LogErr = err
			d.log.Warn().Err(err).Msg("Could not write purge log")
		}
	}

	outcome.State = StateDone
	return outcome
}
