package api

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/proxy-broadcast/internal/aggregator"
	"github.com/proxy-broadcast/internal/checker"
	"github.com/proxy-broadcast/internal/config"
	"github.com/proxy-broadcast/internal/dispatcher"
	"github.com/proxy-broadcast/internal/metrics"
	"github.com/proxy-broadcast/internal/snapshot"
	"github.com/proxy-broadcast/internal/storage"
	"github.com/proxy-broadcast/internal/webhook"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Deps are the components the server drives. Aggregator and Gatherer may
// be nil: /reload is then unavailable and /metrics serves the default
// registry.
type Deps struct {
	Snapshot   *snapshot.Manager
	Metrics    *metrics.Collector
	Gatherer   prometheus.Gatherer
	Aggregator *aggregator.Aggregator
	Checker    *checker.Checker
	Dispatcher *dispatcher.Dispatcher
	Renamer    *webhook.Renamer
	Storage    storage.Storage
}

type Server struct {
	config      *config.Config
	snapshot    *snapshot.Manager
	metrics     *metrics.Collector
	gatherer    prometheus.Gatherer
	aggregator  *aggregator.Aggregator
	checker     *checker.Checker
	dispatcher  *dispatcher.Dispatcher
	renamer     *webhook.Renamer
	store       storage.Storage
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter

	refreshing atomic.Bool
	// background work started by requests outlives them but not the server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	baseCtx, cancelBase := context.WithCancel(context.Background())

	s := &Server{
		baseCtx:     baseCtx,
		cancelBase:  cancelBase,
		config:      cfg,
		snapshot:    deps.Snapshot,
		metrics:     deps.Metrics,
		gatherer:    deps.Gatherer,
		aggregator:  deps.Aggregator,
		checker:     deps.Checker,
		dispatcher:  deps.Dispatcher,
		renamer:     deps.Renamer,
		store:       deps.Storage,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	s.router.GET("/health", s.handleHealth)

	if s.config.Metrics.Enabled {
		handler := promhttp.Handler()
		if s.gatherer != nil {
			handler = promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
		}
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(handler))
	}

	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/proxies", s.handleProxies)
	protected.GET("/stat", s.handleStat)
	protected.POST("/validate", s.handleValidate)
	protected.POST("/reload", s.handleReload)
	protected.POST("/dispatch", s.handleDispatch)
	protected.POST("/rename", s.handleRename)
	protected.GET("/settings", s.handleGetSettings)
	protected.PUT("/settings", s.handlePutSettings)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:        s.config.API.Addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// validate and dispatch answer synchronously
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	s.cancelBase()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   statusCode,
			"duration": duration.Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method

		c.Next()

		// route template keeps label cardinality bounded
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		s.metrics.RecordAPIRequest(method, path, status)
		s.metrics.RecordAPIDuration(method, path, duration)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.config.API.APIKeyEnv)
	if expectedKey == "" {
		log.Warn("API key not set in environment, authentication disabled")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		// Check header first
		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := s.rateLimiter.GetLimiter(ip)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
