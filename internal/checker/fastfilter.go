package checker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/proxy-broadcast/internal/pool"
	"github.com/proxy-broadcast/internal/proxynet"
	"github.com/proxy-broadcast/internal/types"
	log "github.com/sirupsen/logrus"
)

// FastConnectFilter performs TCP-only connection pre-filtering.
// The result is index-aligned with proxies: true means connectable.
func FastConnectFilter(ctx context.Context, proxies []types.ProxyAddress, timeout time.Duration, concurrency int) []bool {
	if len(proxies) == 0 {
		return nil
	}

	log.Infof("Starting fast TCP filter: %d proxies, concurrency=%d, timeout=%v",
		len(proxies), concurrency, timeout)

	startTime := time.Now()

	var completed atomic.Int64
	stopProgress := logProgress("Fast filter progress", &completed, len(proxies))
	defer stopProgress()

	results := pool.Map(ctx, concurrency, proxies, func(ctx context.Context, addr types.ProxyAddress) bool {
		ok := proxynet.DialTCP(ctx, addr, timeout) == nil
		completed.Add(1)
		return ok
	})
	connectable := pool.Collect(len(proxies), results)

	passed := 0
	for _, ok := range connectable {
		if ok {
			passed++
		}
	}

	duration := time.Since(startTime)
	filterRate := float64(len(proxies)-passed) / float64(len(proxies)) * 100.0
	log.Infof("Fast filter complete: %d/%d connectable (%.1f%% filtered out) in %v",
		passed, len(proxies), filterRate, duration)

	return connectable
}
