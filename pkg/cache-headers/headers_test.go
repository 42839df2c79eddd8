package cacheheaders

import (
	"net/http"
	"reflect"
	"testing"

	"github.com/midweste/varnish-controllers/pkg/eligibility"
	"github.com/midweste/varnish-controllers/pkg/settings"
)

func TestEmitHeaders(t *testing.T) {
	cfg := settings.Config{
		Enabled:        true,
		CacheLifetime:  300,
		CacheTagPrefix: "site",
	}
	send, header := Emit(cfg, eligibility.Facts{RequestPath: "/"}, []string{"site", "promo", "promo"})
	if !send {
		t.Fatal("Headers should be sent")
	}

	want := http.Header{
		"X-Cache-Lifetime": {"300"},
		"X-Cache-Tags":     {"site,promo"},
		"Pragma":           {"cache"},
		"Cache-Control":    {"public, max-age=300, s-maxage=300"},
	}
	if !reflect.DeepEqual(header, want) {
		t.Fatalf("Headers are %v", header)
	}
}

func TestEmitPrefixOnly(t *testing.T) {
	cfg := settings.Config{Enabled: true, CacheLifetime: 60, CacheTagPrefix: "site"}
	_, header := Emit(cfg, eligibility.Facts{RequestPath: "/"}, nil)
	if tags := header.Get(HeaderCacheTags); tags != "site" {
		t.Fatalf("Tags are %q", tags)
	}
}

func TestEmitNotCacheable(t *testing.T) {
	cfg := settings.Config{Enabled: true, CacheLifetime: 0, CacheTagPrefix: "site"}
	send, header := Emit(cfg, eligibility.Facts{RequestPath: "/"}, []string{"a"})
	if send || header != nil {
		t.Fatalf("Expected no headers, got %v", header)
	}
}

func TestApplyReplaces(t *testing.T) {
	dst := http.Header{}
	dst.Set("Cache-Control", "no-store")
	dst.Set("Content-Type", "text/html")
	Apply(dst, http.Header{"Cache-Control": {"public, max-age=1, s-maxage=1"}})

	if cc := dst.Values("Cache-Control"); len(cc) != 1 || cc[0] != "public, max-age=1, s-maxage=1" {
		t.Fatalf("Cache-Control is %v", cc)
	}
	if ct := dst.Get("Content-Type"); ct != "text/html" {
		t.Fatalf("Content-Type is %s", ct)
	}
}
