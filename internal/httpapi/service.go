package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"msgroute/internal/eventbus"
	"msgroute/internal/routing"
	rtsup "msgroute/internal/runtime/supervisor"
	logx "msgroute/pkg/logx"
)

// Config controls the routing API listener.
type Config struct {
	Addr      string
	RoutePath string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	MaxBodyBytes int64
	RateLimit    RateLimitConfig

	MetricsEnabled bool
	MetricsPath    string
}

const (
	defaultAddr         = ":8080"
	defaultRoutePath    = "/message/route"
	defaultMetricsPath  = "/metrics"
	defaultMaxBodyBytes = 1 << 20
	defaultShutdown     = 10 * time.Second
	limiterIdle         = 10 * time.Minute
)

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Addr) == "" {
		c.Addr = defaultAddr
	}
	c.RoutePath = normalizePath(c.RoutePath, defaultRoutePath)
	c.MetricsPath = normalizePath(c.MetricsPath, defaultMetricsPath)
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = defaultMaxBodyBytes
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdown
	}
	return c
}

func normalizePath(p, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		p = def
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}

// Deps are the routing collaborators the API serves.
type Deps struct {
	Partitioner routing.Partitioner
	Validator   routing.Validator
	// Bus receives route.planned / route.rejected events. Optional.
	Bus eventbus.Bus
}

// Service owns the gin engine and the http.Server lifecycle.
type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	engine  *gin.Engine
	limiter *limiter
	metrics *Metrics

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopping bool

	readyOnce sync.Once
	ready     chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Service{
		log:     log,
		cfg:     cfg,
		limiter: newLimiter(cfg.RateLimit),
		metrics: NewMetrics(),
		ready:   make(chan struct{}),
	}
	s.engine = s.buildEngine(deps)
	return s
}

func init() { gin.SetMode(gin.ReleaseMode) }

func (s *Service) buildEngine(deps Deps) *gin.Engine {
	e := gin.New()
	e.HandleMethodNotAllowed = true
	e.ContextWithFallback = true

	e.Use(requestID(), s.metrics.middleware(), accessLog(s.log), recovery(s.log))
	e.NoRoute(notFound)
	e.NoMethod(methodNotAllowed)

	h := &handlers{
		part:      deps.Partitioner,
		validator: deps.Validator,
		maxBody:   s.cfg.MaxBodyBytes,
		bus:       deps.Bus,
		metrics:   s.metrics,
		log:       s.log,
	}

	limited := rateLimit(s.limiter, s.metrics)
	e.POST(s.cfg.RoutePath, limited, h.route)
	e.GET("/topology", limited, h.topology)
	e.GET("/healthz", healthz)
	if s.cfg.MetricsEnabled {
		e.GET(s.cfg.MetricsPath, gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{Registry: s.metrics.Registry})))
	}
	return e
}

// Handler exposes the router for in-process use (tests, embedding).
func (s *Service) Handler() http.Handler { return s.engine }

func (s *Service) Metrics() *Metrics { return s.metrics }

// ApplyRateLimit swaps the per-client limits without restarting the listener.
func (s *Service) ApplyRateLimit(cfg RateLimitConfig) {
	s.limiter.Apply(cfg)
	s.mu.Lock()
	s.cfg.RateLimit = cfg
	s.mu.Unlock()
	s.log.Info("rate limit applied", logx.Bool("enabled", cfg.Enabled), logx.Float64("per_sec", cfg.PerSec), logx.Int("burst", cfg.Burst))
}

// Ready is closed once the listener is bound for the first time.
func (s *Service) Ready() <-chan struct{} { return s.ready }

// Addr is the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Supervisor returns the service's internal supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start is idempotent. The server runs under a restart loop so a failed
// listen or a crashed Serve is retried with backoff.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.stopping = false
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	sup.Go0("ratelimit.prune", s.pruneLoop)
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	srv := s.srv
	sup := s.sup
	s.mu.Unlock()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http shutdown incomplete", logx.Err(err))
			_ = srv.Close()
		}
	}
	sup.Cancel()
	_ = sup.Wait(ctx)

	s.mu.Lock()
	s.sup = nil
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	s.log.Info("http stopped")
}

func (s *Service) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	log := s.log
	s.mu.Unlock()

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Error("http listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		if ctx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	defer func() { _ = ln.Close() }()

	srv := &http.Server{
		Handler:      s.engine,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	defer func() { _ = srv.Close() }()

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return context.Canceled
	}
	s.ln = ln
	s.srv = srv
	s.mu.Unlock()

	// Canceling the supervisor without Stop still closes the server. The
	// watcher exits with this attempt so restarts do not pile up goroutines.
	served := make(chan struct{})
	defer close(served)
	go func() {
		select {
		case <-served:
		case <-ctx.Done():
			cctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			_ = srv.Shutdown(cctx)
			cancel()
		}
	}()

	log.Info("http started", logx.String("addr", ln.Addr().String()), logx.String("route_path", cfg.RoutePath), logx.Bool("metrics", cfg.MetricsEnabled))
	s.readyOnce.Do(func() { close(s.ready) })

	err = srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	stopping := s.stopping
	s.mu.Unlock()

	if stopping || ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("http server exited unexpectedly")
	}
	return err
}

func (s *Service) pruneLoop(ctx context.Context) {
	t := time.NewTicker(time.Minute)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.limiter.Prune(limiterIdle); n > 0 {
				s.log.Debug("rate limit buckets pruned", logx.Int("removed", n))
			}
		}
	}
}
