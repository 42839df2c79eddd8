package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"sync"
	"testing"

	varnishcontroller "github.com/midweste/varnish-controllers"
	"github.com/midweste/varnish-controllers/pkg/purge"
	journal "github.com/midweste/varnish-controllers/pkg/purge-journal"
	"github.com/midweste/varnish-controllers/pkg/settings"

	"github.com/rs/zerolog"
)

type fakeTransport struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeTransport) Purge(ctx context.Context, server string, header http.Header) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, header.Get(purge.HeaderCacheTags))
	return nil
}

func (f *fakeTransport) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestServer(t *testing.T, originURL string) (*server, *fakeTransport) {
	t.Helper()
	origin, err := url.Parse(originURL)
	if err != nil {
		t.Fatal(err)
	}
	logger := zerolog.Nop()
	transport := &fakeTransport{}
	purgeJournal := journal.NewMemJournal(10)
	controller := varnishcontroller.CreateController(varnishcontroller.Config{
		Settings: settings.Config{
			Enabled:        true,
			Server:         "http://varnish.local",
			CacheLifetime:  300,
			CacheTagPrefix: "site",
			Excludes:       []string{"^/admin"},
			ExcludedParams: []string{},
		},
		Dispatcher: purge.NewDispatcher(purge.Config{
			Transport: transport,
			Journal:   purgeJournal,
			Logger:    &logger,
		}),
		Logger: &logger,
	})
	return &server{
		controller: controller,
		journal:    purgeJournal,
		origin:     origin,
		logger:     logger,
	}, transport
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, "http://localhost")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("Health returned %d %q", rec.Code, rec.Body.String())
	}
}

func TestQueuePurge(t *testing.T) {
	srv, transport := newTestServer(t, "http://localhost")
	form := url.Values{"tag": {"a,b", "a", " "}}
	req := httptest.NewRequest("POST", "/.varnish/purge", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	srv.controller.Wait()

	if rec.Code != http.StatusAccepted {
		t.Fatalf("Status is %d", rec.Code)
	}
	if rec.Header().Get("X-Cache-Tags") != "" {
		t.Fatal("POST response should not carry cache headers")
	}
	if calls := transport.Calls(); !reflect.DeepEqual(calls, []string{"a,b"}) {
		t.Fatalf("Purge calls are %v", calls)
	}

	entries, err := srv.journal.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || !entries[0].Success {
		t.Fatalf("Journal entries are %+v", entries)
	}
}

func TestQueuePurgeWithoutTags(t *testing.T) {
	srv, transport := newTestServer(t, "http://localhost")
	req := httptest.NewRequest("POST", "/.varnish/purge", strings.NewReader("tag="))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	srv.controller.Wait()

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Status is %d", rec.Code)
	}
	if calls := transport.Calls(); len(calls) != 0 {
		t.Fatalf("Expected no purge, got %v", calls)
	}
}

func TestQueuePurgeWithoutController(t *testing.T) {
	srv, _ := newTestServer(t, "http://localhost")
	srv.controller = nil
	req := httptest.NewRequest("POST", "/.varnish/purge", strings.NewReader("tag=a"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", rec.Code)
	}
}

func TestProxyTags(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set(headerTagAdd, "promo, product-1")
		w.Header().Set(headerTagPurge, "list")
		w.Write([]byte("hello"))
	}))
	defer origin.Close()

	srv, transport := newTestServer(t, origin.URL)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest("GET", "/products/1", nil))
	srv.controller.Wait()

	if rec.Body.String() != "hello" {
		t.Fatalf("Body is %q", rec.Body.String())
	}
	if tags := rec.Header().Get("X-Cache-Tags"); tags != "site,promo,product-1" {
		t.Fatalf("Tags are %q", tags)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "public, max-age=300, s-maxage=300" {
		t.Fatalf("Cache-Control is %q", cc)
	}
	if rec.Header().Get(headerTagAdd) != "" || rec.Header().Get(headerTagPurge) != "" {
		t.Fatal("Tag headers should not be forwarded")
	}
	if calls := transport.Calls(); !reflect.DeepEqual(calls, []string{"list"}) {
		t.Fatalf("Purge calls are %v", calls)
	}
}

func TestProxyExcluded(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("admin"))
	}))
	defer origin.Close()

	srv, _ := newTestServer(t, origin.URL)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest("GET", "/admin/settings", nil))
	srv.controller.Wait()

	if rec.Header().Get("X-Cache-Tags") != "" {
		t.Fatal("Excluded path should not carry cache headers")
	}
}

func TestProxyOriginDown(t *testing.T) {
	origin := httptest.NewServer(http.NotFoundHandler())
	originURL := origin.URL
	origin.Close()

	srv, _ := newTestServer(t, originURL)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	srv.controller.Wait()

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rec.Code)
	}
}

func TestListPurges(t *testing.T) {
	srv, _ := newTestServer(t, "http://localhost")
	srv.journal.Record(journal.Entry{Server: "http://varnish.local", Tags: []string{"a"}, Success: true})
	srv.journal.Record(journal.Entry{Server: "http://varnish.local", Tags: []string{"b"}, Success: false, Error: "refused"})

	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest("GET", "/.varnish/purges?limit=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Status is %d", rec.Code)
	}
	var entries []journal.Entry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Tags[0] != "b" || entries[0].Error != "refused" {
		t.Fatalf("Entries are %+v", entries)
	}

	rec = httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, httptest.NewRequest("GET", "/.varnish/purges?limit=x", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Status for bad limit is %d", rec.Code)
	}
}

func TestSplitTags(t *testing.T) {
	tests := []struct {
		values []string
		want   []string
	}{
		{nil, []string{}},
		{[]string{"a"}, []string{"a"}},
		{[]string{"a,b", "c"}, []string{"a", "b", "c"}},
		{[]string{" a , ,b ", ""}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		if got := splitTags(tt.values); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("splitTags(%q) = %q, want %q", tt.values, got, tt.want)
		}
	}
}
