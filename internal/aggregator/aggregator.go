package aggregator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/proxy-broadcast/internal/config"
	"github.com/proxy-broadcast/internal/metrics"
	"github.com/proxy-broadcast/internal/pool"
	"github.com/proxy-broadcast/internal/types"
	log "github.com/sirupsen/logrus"
)

const maxSourceBody = 10 * 1024 * 1024

// Aggregator collects candidate proxies from remote lists
type Aggregator struct {
	config  config.AggregatorConfig
	metrics *metrics.Collector
	client  *http.Client
}

type SourceStats struct {
	URL          string `json:"url"`
	ProxiesFound int    `json:"proxies_found"`
	Error        string `json:"error,omitempty"`
}

type sourceResult struct {
	proxies []types.ProxyAddress
	stats   SourceStats
}

func NewAggregator(cfg config.AggregatorConfig, metricsCollector *metrics.Collector) *Aggregator {
	return &Aggregator{
		config:  cfg,
		metrics: metricsCollector,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// Aggregate fetches proxies from all enabled sources. A failing source is
// reported in its stats and does not fail the whole call.
func (a *Aggregator) Aggregate(ctx context.Context) ([]types.ProxyAddress, map[string]SourceStats, error) {
	enabledSources := make([]config.Source, 0)
	for _, source := range a.config.Sources {
		if source.Enabled {
			enabledSources = append(enabledSources, source)
		}
	}

	if len(enabledSources) == 0 {
		return nil, nil, fmt.Errorf("no enabled sources")
	}

	log.Infof("Fetching from %d sources", len(enabledSources))

	results := pool.Map(ctx, len(enabledSources), enabledSources, func(ctx context.Context, src config.Source) sourceResult {
		startTime := time.Now()
		proxies, err := a.fetchSource(ctx, src)
		duration := time.Since(startTime)

		stat := SourceStats{
			URL:          src.URL,
			ProxiesFound: len(proxies),
		}

		if err != nil {
			stat.Error = err.Error()
			log.Warnf("Source %s failed: %v (took %v)", src.URL, err, duration)
		} else {
			log.Infof("Source %s returned %d proxies (took %v)", src.URL, len(proxies), duration)
		}

		a.metrics.RecordProxiesFetched(src.URL, len(proxies))
		return sourceResult{proxies: proxies, stats: stat}
	})

	// keep source order so the merged list is deterministic
	collected := pool.Collect(len(enabledSources), results)

	allProxies := make([]types.ProxyAddress, 0)
	sourceStats := make(map[string]SourceStats, len(collected))
	for _, r := range collected {
		allProxies = append(allProxies, r.proxies...)
		sourceStats[r.stats.URL] = r.stats
	}

	unique := Deduplicate(allProxies)
	log.Infof("Deduplicated: %d -> %d unique proxies", len(allProxies), len(unique))

	return unique, sourceStats, nil
}

func (a *Aggregator) fetchSource(ctx context.Context, source config.Source) ([]types.ProxyAddress, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if a.config.UserAgent != "" {
		req.Header.Set("User-Agent", a.config.UserAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return ParseProxyList(io.LimitReader(resp.Body, maxSourceBody))
}

// ParseProxyList reads one proxy per line. Lines are trimmed; blank lines
// and lines starting with '#' are skipped. Entries are not validated here:
// malformed ones fail later, at probe time.
func ParseProxyList(r io.Reader) ([]types.ProxyAddress, error) {
	proxies := make([]types.ProxyAddress, 0)
	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		proxies = append(proxies, types.ProxyAddress(line))
	}

	if err := scanner.Err(); err != nil {
		return proxies, fmt.Errorf("scan: %w", err)
	}

	return proxies, nil
}

// ReadProxyFile loads a newline-delimited proxy list from disk
func ReadProxyFile(path string) ([]types.ProxyAddress, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open proxy file: %w", err)
	}
	defer file.Close()

	proxies, err := ParseProxyList(file)
	if err != nil {
		return nil, fmt.Errorf("read proxy file %s: %w", path, err)
	}
	return proxies, nil
}

// ParseTargets splits a comma-delimited list of endpoint URLs
func ParseTargets(raw string) []string {
	targets := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if t := strings.TrimSpace(part); t != "" {
			targets = append(targets, t)
		}
	}
	return targets
}

// Deduplicate removes repeated addresses, keeping first occurrences
func Deduplicate(proxies []types.ProxyAddress) []types.ProxyAddress {
	seen := make(map[string]struct{}, len(proxies))
	unique := make([]types.ProxyAddress, 0, len(proxies))

	for _, proxy := range proxies {
		key := strings.ToLower(strings.TrimSpace(string(proxy)))
		if _, exists := seen[key]; !exists {
			seen[key] = struct{}{}
			unique = append(unique, proxy)
		}
	}

	return unique
}
