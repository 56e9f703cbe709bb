package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheus_RecordsStatusAndDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw, m := PrometheusWithMetrics(WithRegistry(reg))

	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		if got := testutil.ToFloat64(m.inFlight); got != 1 {
			t.Errorf("in-flight during request = %v, want 1", got)
		}
		_, _ = w.Write([]byte("hello"))
	}))

	for _, path := range []string{"/a", "/b", "/missing"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "200")); got != 2 {
		t.Errorf("requests_total{200} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.requestsTotal.WithLabelValues("GET", "404")); got != 1 {
		t.Errorf("requests_total{404} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.responseBytes.WithLabelValues("GET")); got < 10 {
		t.Errorf("response_bytes_total = %v, want at least 10", got)
	}
	if got := testutil.ToFloat64(m.inFlight); got != 0 {
		t.Errorf("in-flight after requests = %v, want 0", got)
	}
	if n := testutil.CollectAndCount(m.requestDuration); n != 1 {
		t.Errorf("expected one duration series, got %d", n)
	}
}

func TestPrometheus_NamespaceAndLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	mw := Prometheus(
		WithRegistry(reg),
		WithNamespace("app"),
		WithSubsystem("web"),
		WithConstLabels(prometheus.Labels{"instance": "t"}),
		WithBuckets([]float64{0.1, 1}),
	)
	mw(http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"app_web_requests_total", "app_web_request_duration_seconds", "app_web_requests_in_flight"} {
		if !names[want] {
			t.Errorf("missing metric %s in %v", want, names)
		}
	}
}
