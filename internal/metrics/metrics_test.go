package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObservePage(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("pages.test", "ok"))
	ObservePage("https://pages.test/a", "ok", 128)
	ObservePage("https://pages.test/b", "ok", 0)

	if got := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("pages.test", "ok")); got != before+2 {
		t.Errorf("expected pages counter to grow by 2, got %f", got-before)
	}
	if got := testutil.ToFloat64(crawlerBytesTotal.WithLabelValues("pages.test")); got != 128 {
		t.Errorf("expected 128 bytes, got %f", got)
	}
}

func TestObserveHookFailureIgnoresZero(t *testing.T) {
	Init()
	ObserveHookFailure("after-zero", 0)
	ObserveHookFailure("after-two", 2)

	if got := testutil.ToFloat64(crawlerHookFailuresTotal.WithLabelValues("after-two")); got != 2 {
		t.Errorf("expected 2 failures, got %f", got)
	}
	if got := testutil.CollectAndCount(crawlerHookFailuresTotal, "crawler_hook_failures_total"); got != 1 {
		t.Errorf("expected a single labeled series, got %d", got)
	}
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	for _, path := range []string{"/test", "/missing"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if err := resp.Body.Close(); err != nil {
			t.Log(err)
		}
	}

	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")); val < 1 {
		t.Errorf("Expected httpRequestsTotal for GET 200 to be >= 1, got %f", val)
	}
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")); val < 1 {
		t.Errorf("Expected httpRequestsTotal for GET 404 to be >= 1, got %f", val)
	}
}

func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
