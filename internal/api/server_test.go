package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/proxy-broadcast/internal/aggregator"
	"github.com/proxy-broadcast/internal/checker"
	"github.com/proxy-broadcast/internal/config"
	"github.com/proxy-broadcast/internal/dispatcher"
	"github.com/proxy-broadcast/internal/metrics"
	"github.com/proxy-broadcast/internal/proxynet"
	"github.com/proxy-broadcast/internal/snapshot"
	"github.com/proxy-broadcast/internal/storage"
	"github.com/proxy-broadcast/internal/types"
	"github.com/proxy-broadcast/internal/webhook"
)

// newProxy starts an HTTP proxy stand-in that answers every request with 204
func newProxy(t *testing.T) types.ProxyAddress {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return types.ProxyAddress(srv.Listener.Addr().String())
}

func closedAddress(t *testing.T) types.ProxyAddress {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return types.ProxyAddress(addr)
}

type testEnv struct {
	server *Server
	snap   *snapshot.Manager
	store  storage.Storage
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	cfg := config.Default()
	cfg.Validator.ProbeURL = "http://probe.invalid/ip"
	cfg.Validator.Concurrency = 4
	cfg.Dispatcher.Concurrency = 4
	cfg.Metrics.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewCollector("t", reg)
	store, err := storage.NewFileStorage(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatal(err)
	}
	snap := snapshot.NewManager()
	factory := proxynet.NewFactory(false)

	var agg *aggregator.Aggregator
	if len(cfg.Aggregator.Sources) > 0 {
		agg = aggregator.NewAggregator(cfg.Aggregator, m)
	}

	srv := NewServer(cfg, Deps{
		Snapshot:   snap,
		Metrics:    m,
		Gatherer:   reg,
		Aggregator: agg,
		Checker:    checker.NewChecker(cfg.Validator, factory, nil, m),
		Dispatcher: dispatcher.NewDispatcher(cfg.Dispatcher, factory, nil, m),
		Renamer:    webhook.NewRenamer(cfg.Dispatcher.Timeout()),
		Storage:    store,
	})
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	return &testEnv{server: srv, snap: snap, store: store}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}
}

func TestProxiesEmpty(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do(t, http.MethodGet, "/proxies", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestValidateThenList(t *testing.T) {
	env := newTestEnv(t, nil)
	live := newProxy(t)
	dead := closedAddress(t)

	body := `{"proxies": ["` + string(dead) + `", "` + string(live) + `", "not a proxy"]}`
	rec := env.do(t, http.MethodPost, "/validate", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("validate: %d %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Live    []types.ProxyAddress  `json:"live"`
		Stats   types.ValidationStats `json:"stats"`
		Results []types.ProbeResult   `json:"results"`
	}
	decode(t, rec, &resp)
	if diff := cmp.Diff([]types.ProxyAddress{live}, resp.Live); diff != "" {
		t.Fatal(diff)
	}
	if resp.Stats.TotalCandidates != 3 || resp.Stats.TotalLive != 1 || len(resp.Results) != 3 {
		t.Fatalf("unexpected stats %+v", resp.Stats)
	}

	rec = env.do(t, http.MethodGet, "/proxies", "")
	if rec.Code != http.StatusOK || rec.Body.String() != string(live)+"\n" {
		t.Fatalf("unexpected proxies %d %q", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/proxies?format=json", "")
	var list struct {
		Total   int                  `json:"total"`
		Proxies []types.ProxyAddress `json:"proxies"`
	}
	decode(t, rec, &list)
	if list.Total != 1 {
		t.Fatalf("unexpected list %+v", list)
	}

	rec = env.do(t, http.MethodGet, "/stat", "")
	var stat map[string]interface{}
	decode(t, rec, &stat)
	if stat["total_live"] != float64(1) || stat["live_percent"] != "33.33%" {
		t.Fatalf("unexpected stat %v", stat)
	}
}

func TestValidateInvalidInput(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/validate", `{"proxies": ["1.1.1.1:80"], "concurrency": -1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp map[string]string
	decode(t, rec, &resp)
	if resp["field"] != "concurrency" {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestValidateWithoutProxies(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do(t, http.MethodPost, "/validate", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDispatchRequiresLiveSet(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(t, http.MethodPost, "/dispatch", `{"message": "hi", "targets": ["http://hook.invalid/a"]}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestDispatch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.snap.Update([]types.ProxyAddress{newProxy(t), closedAddress(t)}, types.ValidationStats{TotalLive: 2})

	rec := env.do(t, http.MethodPost, "/dispatch", `{"message": "hi", "targets": ["http://hook.invalid/a"], "rounds": 2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("dispatch: %d %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Total  int                       `json:"total"`
		Counts map[types.OutcomeKind]int `json:"counts"`
	}
	decode(t, rec, &resp)
	want := map[types.OutcomeKind]int{
		types.OutcomeSuccess:        2,
		types.OutcomeHTTPError:      0,
		types.OutcomeTimeout:        0,
		types.OutcomeTransportError: 2,
	}
	if resp.Total != 4 {
		t.Fatalf("expected 4 attempts, got %d", resp.Total)
	}
	if diff := cmp.Diff(want, resp.Counts); diff != "" {
		t.Fatal(diff)
	}
}

func TestDispatchUsesSavedSettings(t *testing.T) {
	env := newTestEnv(t, nil)
	env.snap.Update([]types.ProxyAddress{newProxy(t)}, types.ValidationStats{TotalLive: 1})

	rec := env.do(t, http.MethodPut, "/settings",
		`{"message": "saved", "webhook_url": "http://hook.invalid/a, http://hook.invalid/b", "rounds": 3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put settings: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodPost, "/dispatch", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("dispatch: %d %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Total int `json:"total"`
	}
	decode(t, rec, &resp)
	if resp.Total != 6 {
		t.Fatalf("expected 3 rounds x 2 targets, got %d", resp.Total)
	}
}

func TestDispatchInvalidRounds(t *testing.T) {
	env := newTestEnv(t, nil)
	env.snap.Update([]types.ProxyAddress{newProxy(t)}, types.ValidationStats{TotalLive: 1})

	rec := env.do(t, http.MethodPost, "/dispatch", `{"targets": ["http://hook.invalid/a"], "rounds": -1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp map[string]string
	decode(t, rec, &resp)
	if resp["field"] != "rounds" {
		t.Fatalf("unexpected response %v", resp)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/settings", "")
	var got types.Settings
	decode(t, rec, &got)
	if diff := cmp.Diff(*types.DefaultSettings(), got); diff != "" {
		t.Fatal(diff)
	}

	rec = env.do(t, http.MethodPut, "/settings", `{"message": "m", "webhook_url": "http://hook.invalid/a", "proxies": ["1.1.1.1:80"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put: %d %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/settings", "")
	decode(t, rec, &got)
	want := types.Settings{Payload: "m", Targets: "http://hook.invalid/a", Rounds: 1, Proxies: []types.ProxyAddress{"1.1.1.1:80"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}

	if rec := env.do(t, http.MethodPut, "/settings", `{"rounds": -2}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative rounds, got %d", rec.Code)
	}
}

func TestRename(t *testing.T) {
	env := newTestEnv(t, nil)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	rec := env.do(t, http.MethodPost, "/rename", `{"name": "relay", "targets": ["`+hook.URL+`"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("rename: %d %s", rec.Code, rec.Body.String())
	}

	if rec := env.do(t, http.MethodPost, "/rename", `{"targets": ["`+hook.URL+`"]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without name, got %d", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	t.Setenv("TEST_BROADCAST_KEY", "secret")
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.API.EnableAPIKeyAuth = true
		cfg.API.APIKeyEnv = "TEST_BROADCAST_KEY"
	})

	if rec := env.do(t, http.MethodGet, "/settings", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/settings", "", "X-Api-Key", "secret"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.API.EnableIPRateLimit = true
		cfg.API.RateLimitPerMinute = 1
	})

	if rec := env.do(t, http.MethodGet, "/settings", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/settings", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(t, http.MethodGet, "/health", "")

	rec := env.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `t_api_requests_total{endpoint="/health",method="GET",status="200"} 1`) {
		t.Fatalf("missing api request counter:\n%s", rec.Body.String())
	}
}

func TestRefresh(t *testing.T) {
	live := newProxy(t)
	listing := string(live) + "\n" + string(closedAddress(t)) + "\n"
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(listing))
	}))
	defer source.Close()

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Aggregator.Sources = []config.Source{{URL: source.URL, Enabled: true}}
	})

	if err := env.server.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]types.ProxyAddress{live}, env.snap.Proxies()); diff != "" {
		t.Fatal(diff)
	}
	if stats := env.snap.Stats(); stats.TotalCandidates != 2 || stats.TotalLive != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestReloadWithoutSources(t *testing.T) {
	env := newTestEnv(t, nil)
	if rec := env.do(t, http.MethodPost, "/reload", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
