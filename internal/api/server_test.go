package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/albapepper/beacon-scheduler/internal/api/handler"
	"github.com/albapepper/beacon-scheduler/internal/beacon"
	"github.com/albapepper/beacon-scheduler/internal/config"
	"github.com/albapepper/beacon-scheduler/internal/scheduler"
)

type fakeDB struct{ err error }

func (f fakeDB) HealthCheck(context.Context) error { return f.err }

type fakeCycles struct {
	res beacon.CycleResult
	ok  bool
}

func (f fakeCycles) LastCycle() (beacon.CycleResult, bool) { return f.res, f.ok }

type fakeTrigger struct {
	err      error
	running  bool
	triggers []string
}

func (f *fakeTrigger) TriggerAsync(trigger string) error {
	f.triggers = append(f.triggers, trigger)
	return f.err
}

func (f *fakeTrigger) Running() bool { return f.running }

func newTestServer(t *testing.T, deps handler.Deps) *httptest.Server {
	t.Helper()
	cfg := &config.Config{CORSAllowOrigins: []string{"http://localhost:3000"}}
	srv := httptest.NewServer(NewRouter(deps, cfg))
	t.Cleanup(srv.Close)
	return srv
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, handler.Deps{DB: fakeDB{}, Cycles: fakeCycles{}, Trigger: &fakeTrigger{running: true}})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	body := decode(t, resp)
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" || body["cycle_running"] != true {
		t.Errorf("/health = %d %v", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/health/db")
	if err != nil {
		t.Fatalf("GET /health/db: %v", err)
	}
	if body := decode(t, resp); resp.StatusCode != http.StatusOK || body["database"] != "connected" {
		t.Errorf("/health/db = %d %v", resp.StatusCode, body)
	}
}

func TestHealthDBUnavailable(t *testing.T) {
	srv := newTestServer(t, handler.Deps{DB: fakeDB{err: errors.New("down")}, Cycles: fakeCycles{}, Trigger: &fakeTrigger{}})

	resp, err := http.Get(srv.URL + "/health/db")
	if err != nil {
		t.Fatalf("GET /health/db: %v", err)
	}
	if body := decode(t, resp); resp.StatusCode != http.StatusServiceUnavailable || body["status"] != "unhealthy" {
		t.Errorf("/health/db = %d %v", resp.StatusCode, body)
	}
}

func TestLastCycle(t *testing.T) {
	srv := newTestServer(t, handler.Deps{DB: fakeDB{}, Cycles: fakeCycles{}, Trigger: &fakeTrigger{}})
	resp, err := http.Get(srv.URL + "/api/v1/cycles/last")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 before any cycle", resp.StatusCode)
	}

	res := beacon.CycleResult{ID: "abc", StartedAt: time.Now(), Duration: 1500 * time.Millisecond}
	res.Notify.Created = 2
	res.Dispatch.Sent = 2
	srv = newTestServer(t, handler.Deps{DB: fakeDB{}, Cycles: fakeCycles{res: res, ok: true}, Trigger: &fakeTrigger{}})

	resp, err = http.Get(srv.URL + "/api/v1/cycles/last")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	body := decode(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["id"] != "abc" || body["ok"] != true || body["sent"] != float64(2) || body["duration_ms"] != float64(1500) {
		t.Errorf("body = %v", body)
	}
}

func TestTriggerCycle(t *testing.T) {
	trigger := &fakeTrigger{}
	srv := newTestServer(t, handler.Deps{DB: fakeDB{}, Cycles: fakeCycles{}, Trigger: trigger})

	resp, err := http.Post(srv.URL+"/api/v1/cycles", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	if len(trigger.triggers) != 1 || trigger.triggers[0] != scheduler.TriggerManual {
		t.Errorf("triggers = %v", trigger.triggers)
	}

	trigger.err = scheduler.ErrAlreadyRunning
	resp, err = http.Post(srv.URL+"/api/v1/cycles", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	body := decode(t, resp)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
	if e, _ := body["error"].(map[string]any); e["code"] != "CYCLE_RUNNING" {
		t.Errorf("error body = %v", body)
	}
}

func TestMetricsAndDocs(t *testing.T) {
	srv := newTestServer(t, handler.Deps{DB: fakeDB{}, Cycles: fakeCycles{}, Trigger: &fakeTrigger{}})

	// Populate the request histogram first.
	if resp, err := http.Get(srv.URL + "/health"); err == nil {
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read /metrics: %v", err)
	}
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(raw), "http_request_duration_seconds") {
		t.Errorf("/metrics = %d, missing request histogram", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/docs/doc.json")
	if err != nil {
		t.Fatalf("GET /docs/doc.json: %v", err)
	}
	body := decode(t, resp)
	if paths, _ := body["paths"].(map[string]any); paths["/api/v1/cycles"] == nil {
		t.Errorf("doc.json missing cycle routes: %v", body["paths"])
	}
}

func TestRateLimit(t *testing.T) {
	cfg := &config.Config{RateLimitEnabled: true, RateLimitRequests: 2, RateLimitWindow: time.Minute}
	srv := httptest.NewServer(NewRouter(handler.Deps{DB: fakeDB{}, Cycles: fakeCycles{}, Trigger: &fakeTrigger{}}, cfg))
	t.Cleanup(srv.Close)

	var last int
	for i := 0; i < 3; i++ {
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", last)
	}
}
