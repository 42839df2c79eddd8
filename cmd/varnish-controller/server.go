package main

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	varnishcontroller "github.com/midweste/varnish-controllers"
	journal "github.com/midweste/varnish-controllers/pkg/purge-journal"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/tomasen/realip"
)

// Origin response headers the proxy turns into registry calls.
// Values are comma separated tags; the headers are not forwarded.
const (
	headerTagAdd   = "X-Cache-Tag-Add"
	headerTagPurge = "X-Cache-Tag-Purge"
)

const defaultJournalLimit = 50

type server struct {
	// nil when no settings file exists; requests are then only proxied
	controller *varnishcontroller.Controller
	journal    journal.Journal
	origin     *url.URL
	originHost string
	logger     zerolog.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(s.logger))
	r.Use(requestIDLogger)
	r.Use(hlog.AccessHandler(logRequest))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/.varnish/purges", s.listPurges)

	r.Group(func(r chi.Router) {
		if s.controller != nil {
			r.Use(s.controller.Middleware)
		}
		r.Post("/.varnish/purge", s.queuePurge)
		r.Handle("/*", s.proxy())
	})
	return r
}

// requestIDLogger adds the chi request id to the request logger.
func requestIDLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("req_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}

func logRequest(r *http.Request, status, size int, duration time.Duration) {
	hlog.FromRequest(r).Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", realip.FromRequest(r)).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("Sending response to client")
}

// queuePurge queues the tag form values for purging once the request is done.
func (s *server) queuePurge(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Could not parse form", http.StatusBadRequest)
		return
	}
	tags := splitTags(r.Form["tag"])
	if len(tags) == 0 {
		http.Error(w, "No tags given", http.StatusBadRequest)
		return
	}
	if !varnishcontroller.AddTagsToPurge(r.Context(), tags...) {
		http.Error(w, "Purging is disabled", http.StatusServiceUnavailable)
		return
	}
	hlog.FromRequest(r).Info().Strs("tags", tags).Msg("Queued tags for purging")
	w.WriteHeader(http.StatusAccepted)
	w.Write([]byte("Purge queued"))
}

func (s *server) listPurges(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "No purge journal", http.StatusNotFound)
		return
	}
	limit := defaultJournalLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.journal.Recent(limit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not read purge journal")
		http.Error(w, "Could not read purge journal", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(entries); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write purge journal")
	}
}

func (s *server) proxy() http.Handler {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(s.origin)
			pr.SetXForwarded()
			if s.originHost != "" {
				pr.Out.Host = s.originHost
			}
		},
		ModifyResponse: func(res *http.Response) error {
			ctx := res.Request.Context()
			if tags := splitTags(res.Header.Values(headerTagAdd)); len(tags) > 0 {
				varnishcontroller.AddCacheTag(ctx, tags...)
			}
			if tags := splitTags(res.Header.Values(headerTagPurge)); len(tags) > 0 {
				varnishcontroller.AddTagsToPurge(ctx, tags...)
			}
			res.Header.Del(headerTagAdd)
			res.Header.Del(headerTagPurge)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			hlog.FromRequest(r).Error().Err(err).Msg("Error contacting origin")
			http.Error(w, "Error contacting origin", http.StatusBadGateway)
		},
	}
}

// splitTags splits comma separated values and drops empty tags.
func splitTags(values []string) []string {
	tags := make([]string, 0, len(values))
	for _, value := range values {
		for _, tag := range strings.Split(value, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	return tags
}
