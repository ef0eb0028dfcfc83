package filter

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/any-hub/vcache/internal/cache"
)

func TestIsCacheable(t *testing.T) {
	f := mustFilter(t, "", []string{"/example.css", "logo.svg"}, "")
	cases := []struct {
		name   string
		method string
		url    string
		want   bool
	}{
		{"listed get", http.MethodGet, "https://a.test/example.css", true},
		{"listed without leading slash", http.MethodGet, "https://a.test/logo.svg", true},
		{"post", http.MethodPost, "https://a.test/example.css", false},
		{"cross origin", http.MethodGet, "https://b.test/example.css", false},
		{"other scheme", http.MethodGet, "http://a.test/example.css", false},
		{"unlisted", http.MethodGet, "https://a.test/other.css", false},
		{"uppercase host", http.MethodGet, "https://A.Test/example.css", true},
		{"explicit default port", http.MethodGet, "https://a.test:443/example.css", true},
		{"other port", http.MethodGet, "https://a.test:8443/example.css", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, err := cache.NewRequest(tc.method, tc.url, nil)
			if err != nil {
				t.Fatalf("new request: %v", err)
			}
			if got := f.IsCacheable(req); got != tc.want {
				t.Fatalf("IsCacheable(%s %s) = %v, want %v", tc.method, tc.url, got, tc.want)
			}
		})
	}
}

func TestPredicatesAreIndependent(t *testing.T) {
	f := mustFilter(t, "", []string{"/example.css"}, "")
	u, _ := url.Parse("https://b.test/example.css")
	if !f.MatchesPath(u) {
		t.Fatalf("path predicate should ignore origin")
	}
	if f.SameOrigin(u) {
		t.Fatalf("b.test must not be same origin")
	}
	if !f.SafeMethod("get") || f.SafeMethod(http.MethodHead) || f.SafeMethod(http.MethodDelete) {
		t.Fatalf("only GET is a safe read")
	}
}

func TestBasePathIsStripped(t *testing.T) {
	f := mustFilter(t, "/smashing-mag-sw/", []string{"suitcss.css"}, "")
	cases := map[string]bool{
		"https://a.test/smashing-mag-sw/suitcss.css":  true,
		"https://a.test/suitcss.css":                  true,
		"https://a.test/smashing-mag-swx/suitcss.css": false,
		"https://a.test/other/suitcss.css":            false,
	}
	for raw, want := range cases {
		u, _ := url.Parse(raw)
		if got := f.MatchesPath(u); got != want {
			t.Errorf("MatchesPath(%s) = %v, want %v", raw, got, want)
		}
	}
	if got := f.Resolve("suitcss.css"); got != "https://a.test/smashing-mag-sw/suitcss.css" {
		t.Fatalf("unexpected resolved url %s", got)
	}
}

func TestPatternMatchesFullURL(t *testing.T) {
	f := mustFilter(t, "", nil, `page[1-2]\.html$`)
	hit, _ := url.Parse("https://a.test/articles/page2.html")
	miss, _ := url.Parse("https://a.test/articles/page3.html")
	if !f.MatchesPath(hit) {
		t.Fatalf("pattern should match page2.html")
	}
	if f.MatchesPath(miss) {
		t.Fatalf("pattern should not match page3.html")
	}
}

func TestNewRejectsInvalidInput(t *testing.T) {
	if _, err := New("a.test", "", nil, ""); err == nil {
		t.Fatalf("origin without scheme should be rejected")
	}
	if _, err := New("https://a.test", "", nil, "("); err == nil {
		t.Fatalf("invalid pattern should be rejected")
	}
}

func TestOriginIsCanonicalized(t *testing.T) {
	f, err := New("HTTPS://A.test:443", "", []string{"/example.css"}, "")
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}
	if f.Origin() != "https://a.test" {
		t.Fatalf("unexpected origin %s", f.Origin())
	}
	if got := f.Resolve("/example.css"); got != "https://a.test/example.css" {
		t.Fatalf("unexpected resolved url %s", got)
	}
	u, _ := url.Parse("https://a.test/example.css")
	if !f.SameOrigin(u) {
		t.Fatalf("canonical origin should match plain host")
	}
}

func mustFilter(t *testing.T, basePath string, paths []string, pattern string) *Filter {
	t.Helper()
	f, err := New("https://a.test", basePath, paths, pattern)
	if err != nil {
		t.Fatalf("new filter: %v", err)
	}
	return f
}
