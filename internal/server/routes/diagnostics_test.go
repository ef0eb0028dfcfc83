package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/vcache/internal/cache"
	"github.com/any-hub/vcache/internal/classify"
	"github.com/any-hub/vcache/internal/config"
	"github.com/any-hub/vcache/internal/filter"
	"github.com/any-hub/vcache/internal/lifecycle"
	"github.com/any-hub/vcache/internal/metrics"
	"github.com/any-hub/vcache/internal/namespace"
)

func TestEncodeStoresMarksCurrent(t *testing.T) {
	ns, _ := namespace.New("2", "-", []classify.Bucket{"image", "static"})
	encoded := encodeStores(ns, []string{"1-static", "2-static", "2-bogus"})
	if len(encoded) != 3 {
		t.Fatalf("expected 3 stores, got %d", len(encoded))
	}
	if encoded[0].Current || !encoded[1].Current || encoded[2].Current {
		t.Fatalf("unexpected current flags %+v", encoded)
	}
}

func TestEncodeActivateReportNeverNull(t *testing.T) {
	payload := encodeActivateReport(lifecycle.ActivateReport{
		Failed: map[string]error{"0-image": errors.New("busy")},
	})
	if payload.Deleted == nil || payload.Retained == nil {
		t.Fatalf("empty lists should encode as []")
	}
	if len(payload.Failed) != 1 || payload.Failed[0] != "0-image" {
		t.Fatalf("unexpected failed list %v", payload.Failed)
	}
}

func TestDiagnosticsRoutes(t *testing.T) {
	app, ctl, host := newDiagnosticsApp(t)
	ctx := context.Background()
	if _, err := ctl.Storage().Open(ctx, "0-static"); err != nil {
		t.Fatalf("open error: %v", err)
	}

	var life lifecyclePayload
	getJSON(t, app, http.MethodGet, "/-/lifecycle", http.StatusOK, &life)
	if life.Phase != lifecycle.PhaseIdle || life.Version != "1" || life.Claimed {
		t.Fatalf("unexpected lifecycle %+v", life)
	}

	getJSON(t, app, http.MethodPost, "/-/lifecycle/install", http.StatusOK, &life)
	if life.Phase != lifecycle.PhaseInstalled || !life.Installed {
		t.Fatalf("install should complete, got %+v", life)
	}

	var stores struct {
		Version string         `json:"version"`
		Stores  []storePayload `json:"stores"`
	}
	getJSON(t, app, http.MethodGet, "/-/stores", http.StatusOK, &stores)
	if len(stores.Stores) != 2 || stores.Stores[0].Name != "0-static" || stores.Stores[0].Current {
		t.Fatalf("unexpected stores %+v", stores)
	}

	var report activatePayload
	getJSON(t, app, http.MethodPost, "/-/lifecycle/activate", http.StatusOK, &report)
	if len(report.Deleted) != 1 || report.Deleted[0] != "0-static" || report.Phase != lifecycle.PhaseActive {
		t.Fatalf("unexpected activate report %+v", report)
	}
	if !host.Claimed() {
		t.Fatalf("activate route should claim clients")
	}

	var buckets struct {
		Buckets []bucketPayload `json:"buckets"`
	}
	getJSON(t, app, http.MethodGet, "/-/buckets", http.StatusOK, &buckets)
	if len(buckets.Buckets) != 3 || buckets.Buckets[2].Store != "1-static" {
		t.Fatalf("unexpected buckets %+v", buckets)
	}

	var snapshot struct {
		Metrics []metrics.Point `json:"metrics"`
	}
	getJSON(t, app, http.MethodGet, "/-/metrics", http.StatusOK, &snapshot)
	if len(snapshot.Metrics) == 0 {
		t.Fatalf("expected install/deletion counters in metrics snapshot")
	}
}

func TestInstallRouteReportsFailure(t *testing.T) {
	app, ctl, host := newDiagnosticsApp(t, "/broken.css")
	var payload map[string]any
	getJSON(t, app, http.MethodPost, "/-/lifecycle/install", http.StatusBadGateway, &payload)
	if payload["error"] != "install_failed" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if host.Installed() || ctl.Phase() != lifecycle.PhaseFailed {
		t.Fatalf("failed install must not complete")
	}
}

func newDiagnosticsApp(t *testing.T, precache ...string) (*fiber.App, *lifecycle.Controller, *lifecycle.HostState) {
	t.Helper()
	fetcher := cache.FetcherFunc(func(_ context.Context, req *cache.Request) (*cache.Response, error) {
		if req.URL.Path == "/broken.css" {
			return nil, errors.New("connection refused")
		}
		return &cache.Response{Status: http.StatusOK, Header: http.Header{"Content-Type": []string{"text/css"}}, Body: []byte("ok")}, nil
	})
	storage, _ := cache.NewStorage(cache.NewMemoryBackend(), fetcher)
	classifier, _ := classify.New(config.DefaultBuckets())
	f, _ := filter.New("https://a.test", "", []string{"/example.css"}, "")
	ns, _ := namespace.New("1", "-", classifier.Buckets())
	if len(precache) == 0 {
		precache = []string{"/example.css"}
	}
	provider := metrics.NewProvider()
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	rec, err := metrics.New(provider.Meter())
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}
	host := lifecycle.NewHostState()
	ctl, err := lifecycle.New(lifecycle.Options{
		Storage:       storage,
		Classifier:    classifier,
		Filter:        f,
		Namespace:     ns,
		Host:          host,
		Metrics:       rec,
		PrecachePaths: precache,
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}

	app := fiber.New()
	RegisterDiagnosticsRoutes(app, Diagnostics{Controller: ctl, Host: host, Metrics: provider})
	return app, ctl, host
}

func getJSON(t *testing.T, app *fiber.App, method, path string, wantStatus int, out any) {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(method, "http://a.test"+path, nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: expected %d, got %d (%s)", method, path, wantStatus, resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		t.Fatalf("decode %s: %v (%s)", path, err, string(body))
	}
}
