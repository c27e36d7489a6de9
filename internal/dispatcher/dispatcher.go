// Package dispatcher broadcasts a payload through every validated proxy to
// every target endpoint.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/proxy-broadcast/internal/config"
	"github.com/proxy-broadcast/internal/metrics"
	"github.com/proxy-broadcast/internal/observe"
	"github.com/proxy-broadcast/internal/pool"
	"github.com/proxy-broadcast/internal/proxynet"
	"github.com/proxy-broadcast/internal/types"
	log "github.com/sirupsen/logrus"
)

const maxResponseBody = 64 * 1024

type Dispatcher struct {
	config   config.DispatcherConfig
	metrics  *metrics.Collector
	clients  proxynet.ClientFactory
	observer observe.AttemptObserver
}

// workItem is one (round, proxy, target) unit queued on the pool
type workItem struct {
	round  int
	proxy  types.ProxyAddress
	target string
}

type messageBody struct {
	Content string `json:"content"`
}

// NewDispatcher builds a Dispatcher. The observer is called from a single
// goroutine as attempts finish; wrap slow observers in observe.AsyncAttempt.
func NewDispatcher(cfg config.DispatcherConfig, clients proxynet.ClientFactory, observer observe.AttemptObserver, metricsCollector *metrics.Collector) *Dispatcher {
	if observer == nil {
		observer = observe.Discard
	}
	return &Dispatcher{
		config:   cfg,
		metrics:  metricsCollector,
		clients:  clients,
		observer: observer,
	}
}

// Dispatch sends payload through each proxy to each target, rounds times
// over. It returns once every attempt has a terminal outcome. Failed
// attempts are recorded in the report and never retried; only invalid
// arguments produce an error.
func (d *Dispatcher) Dispatch(ctx context.Context, proxies []types.ProxyAddress, targets []string, payload []byte, rounds int, timeout time.Duration) (*types.DispatchReport, error) {
	if err := CheckInput(rounds, targets); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		return nil, types.InvalidInput("timeout", "must be > 0, got %v", timeout)
	}
	if d.config.Concurrency < 1 {
		return nil, types.InvalidInput("concurrency", "must be > 0, got %d", d.config.Concurrency)
	}

	report := types.NewDispatchReport()
	if len(proxies) == 0 || len(targets) == 0 {
		return report, nil
	}

	// the round works on private copies so callers can't mutate them mid-flight
	frozenProxies := append([]types.ProxyAddress(nil), proxies...)
	frozenTargets := append([]string(nil), targets...)
	frozenPayload := append([]byte(nil), payload...)

	body, err := json.Marshal(messageBody{Content: string(frozenPayload)})
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}

	items := make([]workItem, 0, rounds*len(frozenProxies)*len(frozenTargets))
	for round := 1; round <= rounds; round++ {
		for _, p := range frozenProxies {
			for _, t := range frozenTargets {
				items = append(items, workItem{round: round, proxy: p, target: t})
			}
		}
	}

	log.Infof("Starting dispatch: %d attempts (%d rounds x %d proxies x %d targets), concurrency=%d",
		len(items), rounds, len(frozenProxies), len(frozenTargets), d.config.Concurrency)

	results := pool.Map(ctx, d.config.Concurrency, items, func(ctx context.Context, it workItem) types.DispatchAttempt {
		return d.send(ctx, it, frozenPayload, body, timeout)
	})
	for r := range results {
		report.Record(r.Value)
		d.metrics.RecordAttempt(r.Value)
		d.observer.ObserveAttempt(r.Value)
	}

	report.Finished = time.Now()
	d.metrics.RecordDispatchComplete()

	log.Infof("Dispatch complete: %d attempts in %v (success=%d http_error=%d timeout=%d transport_error=%d)",
		report.Total(), report.Finished.Sub(report.Started),
		report.Counts[types.OutcomeSuccess], report.Counts[types.OutcomeHTTPError],
		report.Counts[types.OutcomeTimeout], report.Counts[types.OutcomeTransportError])

	return report, nil
}

func (d *Dispatcher) send(ctx context.Context, it workItem, payload, body []byte, timeout time.Duration) types.DispatchAttempt {
	d.metrics.AttemptStarted()
	defer d.metrics.AttemptFinished()

	start := time.Now()
	outcome := d.deliver(ctx, it, body, timeout)
	finished := time.Now()

	return types.DispatchAttempt{
		Round:       it.round,
		Proxy:       it.proxy,
		Target:      it.target,
		Payload:     payload,
		Outcome:     outcome,
		LatencyMs:   finished.Sub(start).Milliseconds(),
		CompletedAt: finished,
	}
}

func (d *Dispatcher) deliver(ctx context.Context, it workItem, body []byte, timeout time.Duration) types.Outcome {
	client, err := d.clients.Client(it.proxy, timeout)
	if err != nil {
		return types.Outcome{Kind: types.OutcomeTransportError, Detail: fmt.Sprintf("proxy: %v", err)}
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, it.target, bytes.NewReader(body))
	if err != nil {
		return types.Outcome{Kind: types.OutcomeTransportError, Detail: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return types.ClassifyError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode == http.StatusNoContent {
		return types.Outcome{Kind: types.OutcomeSuccess}
	}
	return types.Outcome{Kind: types.OutcomeHTTPError, StatusCode: resp.StatusCode}
}

// CheckInput rejects a round count or target list that Dispatch would
// refuse, so callers can fail before doing any other work.
func CheckInput(rounds int, targets []string) error {
	if rounds < 1 {
		return types.InvalidInput("rounds", "must be >= 1, got %d", rounds)
	}
	for _, target := range targets {
		if err := checkTargetURL(target); err != nil {
			return err
		}
	}
	return nil
}

func checkTargetURL(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return types.InvalidInput("targets", "%v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return types.InvalidInput("targets", "%q: scheme must be http or https", target)
	}
	if u.Host == "" {
		return types.InvalidInput("targets", "%q: missing host", target)
	}
	return nil
}
