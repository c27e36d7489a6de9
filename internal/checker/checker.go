package checker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/proxy-broadcast/internal/config"
	"github.com/proxy-broadcast/internal/metrics"
	"github.com/proxy-broadcast/internal/observe"
	"github.com/proxy-broadcast/internal/pool"
	"github.com/proxy-broadcast/internal/proxynet"
	"github.com/proxy-broadcast/internal/types"
	log "github.com/sirupsen/logrus"
)

const maxProbeBody = 64 * 1024

// Checker probes candidate proxies and keeps the live ones
type Checker struct {
	config   config.ValidatorConfig
	metrics  *metrics.Collector
	clients  proxynet.ClientFactory
	observer observe.ProbeObserver
}

// NewChecker builds a Checker. The observer is called from a single
// goroutine as results arrive; wrap slow observers in observe.AsyncProbe.
func NewChecker(cfg config.ValidatorConfig, clients proxynet.ClientFactory, observer observe.ProbeObserver, metricsCollector *metrics.Collector) *Checker {
	if observer == nil {
		observer = observe.Discard
	}
	return &Checker{
		config:   cfg,
		metrics:  metricsCollector,
		clients:  clients,
		observer: observer,
	}
}

// Validate returns the candidates confirmed live, in input order. Bad
// proxies are never an error; only invalid arguments are.
func (c *Checker) Validate(ctx context.Context, candidates []types.ProxyAddress, concurrency int, probeURL string, probeTimeout time.Duration) ([]types.ProxyAddress, error) {
	results, err := c.Probe(ctx, candidates, concurrency, probeURL, probeTimeout)
	if err != nil {
		return nil, err
	}
	return LiveAddresses(results), nil
}

// Probe checks every unique candidate and returns one result per unique
// address in input order.
func (c *Checker) Probe(ctx context.Context, candidates []types.ProxyAddress, concurrency int, probeURL string, probeTimeout time.Duration) ([]types.ProbeResult, error) {
	if concurrency < 1 {
		return nil, types.InvalidInput("concurrency", "must be > 0, got %d", concurrency)
	}
	if probeTimeout <= 0 {
		return nil, types.InvalidInput("probe_timeout", "must be > 0, got %v", probeTimeout)
	}
	if err := checkProbeURL(probeURL); err != nil {
		return nil, err
	}

	unique := deduplicate(candidates)
	total := len(unique)
	results := make([]types.ProbeResult, total)
	if total == 0 {
		return results, nil
	}

	log.Infof("Starting proxy check: %d proxies, concurrency=%d, mode=%s", total, concurrency, c.config.Mode)
	startTime := time.Now()

	pending := make([]int, 0, total)
	if c.config.EnableFastFilter && total > c.config.FastFilterThreshold {
		connectable := FastConnectFilter(ctx, unique, c.config.FastFilterTimeout(), concurrency)
		for i, ok := range connectable {
			if ok {
				pending = append(pending, i)
				continue
			}
			results[i] = types.ProbeResult{
				Address: unique[i],
				Reason:  types.ReasonTransport,
				Detail:  "tcp connect failed",
			}
			c.report(results[i])
		}
	} else {
		for i := range unique {
			pending = append(pending, i)
		}
	}

	var completed atomic.Int64
	stopProgress := logProgress("Progress", &completed, len(pending))
	defer stopProgress()

	probed := pool.Map(ctx, concurrency, pending, func(ctx context.Context, idx int) types.ProbeResult {
		return c.probe(ctx, unique[idx], probeURL, probeTimeout)
	})
	for r := range probed {
		results[pending[r.Index]] = r.Value
		completed.Add(1)
		c.report(r.Value)
	}

	duration := time.Since(startTime)
	live := len(LiveAddresses(results))
	c.metrics.SetLiveProxies(live)
	log.Infof("Check complete: %d/%d live in %v (%.0f checks/sec)",
		live, total, duration, float64(total)/duration.Seconds())

	return results, nil
}

func (c *Checker) report(result types.ProbeResult) {
	c.metrics.RecordProbe(result)
	c.observer.ObserveProbe(result)
}

func (c *Checker) probe(ctx context.Context, addr types.ProxyAddress, probeURL string, timeout time.Duration) types.ProbeResult {
	startTime := time.Now()

	if c.config.Mode == "connect-only" {
		return c.checkConnectOnly(ctx, addr, timeout, startTime)
	}

	return c.checkFullHTTP(ctx, addr, probeURL, timeout, startTime)
}

func (c *Checker) checkConnectOnly(ctx context.Context, addr types.ProxyAddress, timeout time.Duration, startTime time.Time) types.ProbeResult {
	if _, err := proxynet.ParseProxy(addr); err != nil {
		return malformed(addr, err)
	}
	if err := proxynet.DialTCP(ctx, addr, timeout); err != nil {
		return failed(addr, err)
	}
	return types.ProbeResult{
		Address:   addr,
		Live:      true,
		LatencyMs: time.Since(startTime).Milliseconds(),
	}
}

func (c *Checker) checkFullHTTP(ctx context.Context, addr types.ProxyAddress, probeURL string, timeout time.Duration, startTime time.Time) types.ProbeResult {
	client, err := c.clients.Client(addr, timeout)
	if err != nil {
		return malformed(addr, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, probeURL, nil)
	if err != nil {
		return types.ProbeResult{
			Address: addr,
			Reason:  types.ReasonTransport,
			Detail:  fmt.Sprintf("create request: %v", err),
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return failed(addr, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxProbeBody))

	latency := time.Since(startTime)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return types.ProbeResult{
			Address:    addr,
			Live:       true,
			StatusCode: resp.StatusCode,
			LatencyMs:  latency.Milliseconds(),
		}
	}

	return types.ProbeResult{
		Address:    addr,
		Reason:     types.ReasonHTTPStatus,
		StatusCode: resp.StatusCode,
		Detail:     fmt.Sprintf("HTTP %d", resp.StatusCode),
		LatencyMs:  latency.Milliseconds(),
	}
}

func malformed(addr types.ProxyAddress, err error) types.ProbeResult {
	return types.ProbeResult{
		Address: addr,
		Reason:  types.ReasonMalformed,
		Detail:  err.Error(),
	}
}

func failed(addr types.ProxyAddress, err error) types.ProbeResult {
	if types.IsTimeout(err) {
		return types.ProbeResult{Address: addr, Reason: types.ReasonTimeout, Detail: err.Error()}
	}
	return types.ProbeResult{Address: addr, Reason: types.ReasonTransport, Detail: err.Error()}
}

func checkProbeURL(probeURL string) error {
	u, err := url.Parse(probeURL)
	if err != nil {
		return types.InvalidInput("probe_url", "%v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return types.InvalidInput("probe_url", "scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return types.InvalidInput("probe_url", "missing host")
	}
	return nil
}

// deduplicate drops repeated addresses, keeping the first occurrence
func deduplicate(proxies []types.ProxyAddress) []types.ProxyAddress {
	seen := make(map[string]struct{}, len(proxies))
	unique := make([]types.ProxyAddress, 0, len(proxies))

	for _, p := range proxies {
		key := strings.ToLower(strings.TrimSpace(string(p)))
		if _, exists := seen[key]; !exists {
			seen[key] = struct{}{}
			unique = append(unique, p)
		}
	}

	return unique
}

// LiveAddresses extracts the live proxies from results, keeping their order
func LiveAddresses(results []types.ProbeResult) []types.ProxyAddress {
	live := make([]types.ProxyAddress, 0, len(results))
	for _, r := range results {
		if r.Live {
			live = append(live, r.Address)
		}
	}
	return live
}

// Summarize builds validation statistics from a finished run
func Summarize(results []types.ProbeResult, elapsed time.Duration) types.ValidationStats {
	stats := types.ValidationStats{
		TotalCandidates: len(results),
		LastCheckTime:   time.Now(),
		DurationMs:      elapsed.Milliseconds(),
	}
	for _, r := range results {
		if r.Live {
			stats.TotalLive++
		} else {
			stats.TotalDead++
		}
	}
	if stats.TotalCandidates > 0 {
		stats.LivePercent = float64(stats.TotalLive) / float64(stats.TotalCandidates) * 100.0
	}
	return stats
}

// logProgress logs completion every five seconds until the returned func is called
func logProgress(label string, completed *atomic.Int64, total int) func() {
	ticker := time.NewTicker(5 * time.Second)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				current := completed.Load()
				percent := float64(current) / float64(total) * 100.0
				log.Infof("%s: %d/%d (%.1f%%), goroutines=%d",
					label, current, total, percent, runtime.NumGoroutine())
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}
