package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/proxy-broadcast/internal/aggregator"
	"github.com/proxy-broadcast/internal/checker"
	"github.com/proxy-broadcast/internal/types"
	log "github.com/sirupsen/logrus"
)

type validateRequest struct {
	Proxies     []types.ProxyAddress `json:"proxies"`
	Concurrency int                  `json:"concurrency"`
	ProbeURL    string               `json:"probe_url"`
	TimeoutMs   int                  `json:"timeout_ms"`
}

type dispatchRequest struct {
	Message   *string  `json:"message"`
	Targets   []string `json:"targets"`
	Rounds    int      `json:"rounds"`
	TimeoutMs int      `json:"timeout_ms"`
}

type renameRequest struct {
	Name    string   `json:"name" binding:"required"`
	Targets []string `json:"targets"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleProxies(c *gin.Context) {
	proxies := s.snapshot.Proxies()
	if len(proxies) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "No live proxies available",
		})
		return
	}

	total := len(proxies)
	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid limit parameter",
			})
			return
		}
		if limit < total {
			proxies = proxies[:limit]
		}
	}

	wantsJSON := c.Query("format") == "json" || strings.Contains(c.GetHeader("Accept"), "application/json")
	if wantsJSON {
		c.JSON(http.StatusOK, gin.H{
			"total":   total,
			"proxies": proxies,
		})
		return
	}

	// Plain text format (one per line)
	var result strings.Builder
	for _, p := range proxies {
		result.WriteString(string(p))
		result.WriteString("\n")
	}
	c.String(http.StatusOK, result.String())
}

func (s *Server) handleStat(c *gin.Context) {
	snap := s.snapshot.Get()
	stats := snap.Stats

	c.JSON(http.StatusOK, gin.H{
		"total_candidates": stats.TotalCandidates,
		"total_live":       stats.TotalLive,
		"total_dead":       stats.TotalDead,
		"live_percent":     fmt.Sprintf("%.2f%%", stats.LivePercent),
		"last_check":       stats.LastCheckTime.Format(time.RFC3339),
		"duration_ms":      stats.DurationMs,
		"updated":          snap.Updated.Format(time.RFC3339),
	})
}

// handleValidate probes the given proxies (or the saved list) and
// publishes the live ones as the current set.
func (s *Server) handleValidate(c *gin.Context) {
	var req validateRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	candidates := req.Proxies
	if len(candidates) == 0 {
		settings, err := s.loadSettings()
		if err != nil {
			s.respondError(c, err)
			return
		}
		candidates = settings.Proxies
	}
	if len(candidates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "No proxies supplied and none saved in settings",
		})
		return
	}

	concurrency := req.Concurrency
	if concurrency == 0 {
		concurrency = s.config.Validator.Concurrency
	}
	probeURL := req.ProbeURL
	if probeURL == "" {
		probeURL = s.config.Validator.ProbeURL
	}
	timeout := s.config.Validator.Timeout()
	if req.TimeoutMs != 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	start := time.Now()
	results, err := s.checker.Probe(c.Request.Context(), candidates, concurrency, probeURL, timeout)
	if err != nil {
		s.respondError(c, err)
		return
	}

	stats := checker.Summarize(results, time.Since(start))
	live := checker.LiveAddresses(results)
	s.snapshot.Update(live, stats)

	c.JSON(http.StatusOK, gin.H{
		"live":    live,
		"stats":   stats,
		"results": results,
	})
}

func (s *Server) handleReload(c *gin.Context) {
	if s.aggregator == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "No proxy sources configured",
		})
		return
	}
	if !s.refreshing.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Reload already running",
		})
		return
	}

	log.Info("Manual reload triggered via API")
	go func() {
		defer s.refreshing.Store(false)
		if err := s.refresh(s.baseCtx); err != nil {
			log.Errorf("Reload failed: %v", err)
		}
	}()

	c.JSON(http.StatusOK, gin.H{
		"message": "Reload triggered",
	})
}

// handleDispatch broadcasts through the current live set. Unset fields
// fall back to the saved settings.
func (s *Server) handleDispatch(c *gin.Context) {
	var req dispatchRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	settings, err := s.loadSettings()
	if err != nil {
		s.respondError(c, err)
		return
	}

	message := settings.Payload
	if req.Message != nil {
		message = *req.Message
	}
	targets := req.Targets
	if len(targets) == 0 {
		targets = aggregator.ParseTargets(settings.Targets)
	}
	if len(targets) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "No targets supplied and none saved in settings",
		})
		return
	}
	rounds := req.Rounds
	if rounds == 0 {
		rounds = settings.Rounds
	}
	if rounds == 0 {
		rounds = s.config.Dispatcher.Rounds
	}
	timeout := s.config.Dispatcher.Timeout()
	if req.TimeoutMs != 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	proxies := s.snapshot.Proxies()
	if len(proxies) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "No live proxies available, run /validate first",
		})
		return
	}

	report, err := s.dispatcher.Dispatch(c.Request.Context(), proxies, targets, []byte(message), rounds, timeout)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":    report.Total(),
		"counts":   report.Counts,
		"started":  report.Started,
		"finished": report.Finished,
		"attempts": report.Attempts,
	})
}

func (s *Server) handleRename(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	targets := req.Targets
	if len(targets) == 0 {
		settings, err := s.loadSettings()
		if err != nil {
			s.respondError(c, err)
			return
		}
		targets = aggregator.ParseTargets(settings.Targets)
	}
	if len(targets) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "No targets supplied and none saved in settings",
		})
		return
	}

	failures := s.renamer.RenameAll(c.Request.Context(), targets, req.Name)
	failed := make(map[string]string, len(failures))
	for target, err := range failures {
		failed[target] = err.Error()
	}

	status := http.StatusOK
	if len(failed) > 0 {
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{
		"renamed": len(targets) - len(failed),
		"failed":  failed,
	})
}

func (s *Server) handleGetSettings(c *gin.Context) {
	settings, err := s.loadSettings()
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handlePutSettings(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Settings storage not configured",
		})
		return
	}

	settings := types.DefaultSettings()
	if err := c.ShouldBindJSON(settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}
	if settings.Rounds < 1 {
		s.respondError(c, types.InvalidInput("rounds", "must be >= 1, got %d", settings.Rounds))
		return
	}

	if err := s.store.Save(settings); err != nil {
		s.respondError(c, err)
		return
	}
	log.Info("Settings saved via API")
	c.JSON(http.StatusOK, settings)
}

func (s *Server) loadSettings() (*types.Settings, error) {
	if s.store == nil {
		return types.DefaultSettings(), nil
	}
	settings, err := s.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if settings == nil {
		log.Debug("No saved settings found, using defaults")
		return types.DefaultSettings(), nil
	}
	return settings, nil
}

func (s *Server) respondError(c *gin.Context, err error) {
	var invalid *types.InvalidInputError
	if errors.As(err, &invalid) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
			"field": invalid.Field,
		})
		return
	}

	log.Errorf("Request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": err.Error(),
	})
}

// bindOptionalJSON accepts an empty body as "all defaults"
func bindOptionalJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return false
	}
	return true
}
