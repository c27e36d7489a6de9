package api

import (
	"context"
	"errors"
	"runtime"
	"time"

	"github.com/proxy-broadcast/internal/checker"
	log "github.com/sirupsen/logrus"
)

var errRefreshRunning = errors.New("refresh already running")

// RunRefreshLoop refreshes the live set immediately and then on every
// interval until ctx is done. It returns at once if no sources are set.
func (s *Server) RunRefreshLoop(ctx context.Context, interval time.Duration) {
	if s.aggregator == nil {
		return
	}
	s.runRefresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Refresh loop stopped")
			return
		case <-ticker.C:
			s.runRefresh(ctx)
		}
	}
}

func (s *Server) runRefresh(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		log.Errorf("Refresh failed: %v", err)
	}
}

// Refresh fetches candidates from the configured sources, validates them
// and publishes the live set.
func (s *Server) Refresh(ctx context.Context) error {
	if !s.refreshing.CompareAndSwap(false, true) {
		return errRefreshRunning
	}
	defer s.refreshing.Store(false)
	return s.refresh(ctx)
}

func (s *Server) refresh(ctx context.Context) error {
	start := time.Now()
	log.Info("Starting refresh cycle")

	candidates, sourceStats, err := s.aggregator.Aggregate(ctx)
	if err != nil {
		return err
	}
	log.Infof("Aggregated %d unique proxies from %d sources", len(candidates), len(sourceStats))

	if len(candidates) == 0 {
		log.Warn("No proxies to check, keeping the current set")
		return nil
	}

	cfg := s.config.Validator
	results, err := s.checker.Probe(ctx, candidates, cfg.Concurrency, cfg.ProbeURL, cfg.Timeout())
	if err != nil {
		return err
	}

	stats := checker.Summarize(results, time.Since(start))
	s.snapshot.Update(checker.LiveAddresses(results), stats)

	log.Infof("Refresh cycle complete in %v: %d live, %d dead (%.2f%% live)",
		time.Since(start), stats.TotalLive, stats.TotalDead, stats.LivePercent)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.Debugf("Memory: Alloc=%dMB, Sys=%dMB, NumGC=%d, Goroutines=%d",
		m.Alloc/1024/1024, m.Sys/1024/1024, m.NumGC, runtime.NumGoroutine())

	return nil
}
