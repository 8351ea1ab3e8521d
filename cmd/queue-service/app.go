package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"nutriq/internal/cluster"
	"nutriq/internal/config"
	"nutriq/internal/constants"
	"nutriq/internal/logger"
	"nutriq/internal/queue"
	"nutriq/pkg/health"
	"nutriq/pkg/metrics"
	"nutriq/pkg/middleware"
	"nutriq/pkg/ratelimit"
	"nutriq/pkg/tracing"
)

const serviceName = "queue-service"

type App struct {
	config *config.Config
	logger logger.Logger

	manager     *cluster.Manager
	balancer    *cluster.Balancer
	scaler      *cluster.AutoScaler
	store       *queue.RoutedStore
	archive     queue.DeadLetterArchive
	retries     *queue.RetryManager
	service     *queue.Service
	provisioner *cluster.StaticProvisioner

	server         *http.Server
	router         *gin.Engine
	tracerProvider *tracing.TracerProvider
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		config: cfg,
		logger: log,
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initCluster(ctx); err != nil {
		return fmt.Errorf("failed to initialize cluster: %w", err)
	}

	if err := a.initBroker(ctx); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	if err := a.initRouter(); err != nil {
		return fmt.Errorf("failed to initialize router: %w", err)
	}

	if err := a.initServer(); err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     a.config.Tracing.Enabled,
		ServiceName: a.config.Tracing.ServiceName,
		Endpoint:    a.config.Tracing.OTLP.Endpoint,
		Insecure:    a.config.Tracing.OTLP.Insecure,
		SamplerType: a.config.Tracing.Sampler.Type,
		SamplerArg:  a.config.Tracing.Sampler.Param,
	}, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	return nil
}

// initCluster builds the node pool. When the cluster section lists no
// seeds, the default Redis connection serves as a single primary node.
func (a *App) initCluster(ctx context.Context) error {
	clusterCfg := a.config.Cluster
	if len(clusterCfg.Nodes) == 0 {
		clusterCfg.Nodes = []config.NodeConfig{{
			Address:  a.config.Redis.Addr(),
			Password: a.config.Redis.Password,
			DB:       a.config.Redis.DB,
			Role:     "primary",
			Weight:   1,
		}}
	}

	a.manager = cluster.NewManager(clusterCfg, a.config.CircuitBreaker, a.logger)
	if err := a.manager.Bootstrap(ctx); err != nil {
		return fmt.Errorf("backing store unreachable: %w", err)
	}
	a.balancer = cluster.NewBalancer(clusterCfg.LoadBalancer, a.manager)
	a.provisioner = cluster.NewStaticProvisioner(clusterCfg.StandbyNodes)

	a.logger.InfowCtx(ctx, "Cluster initialized",
		"nodes", a.manager.NodeCount(),
		"standby_nodes", a.provisioner.Available(),
		"load_balancer", clusterCfg.LoadBalancer,
	)
	return nil
}

func (a *App) initBroker(ctx context.Context) error {
	storeTimeout := a.config.Queue.StoreTimeout
	if storeTimeout <= 0 {
		storeTimeout = constants.DefaultStoreTimeout
	}
	a.store = queue.NewRoutedStore(a.manager, a.balancer, storeTimeout, a.logger)

	if a.config.Archive.Enabled {
		archive, err := queue.NewMongoArchive(ctx, a.config.Archive, a.logger)
		if err != nil {
			a.logger.WarnwCtx(ctx, "Archive connection failed, continuing without dead-letter archive", "error", err)
		} else {
			a.archive = archive
		}
	}

	sink := metrics.PrometheusSink()
	a.retries = queue.NewRetryManager(a.store, a.archive, a.config.Retry, a.logger, sink)
	a.service = queue.NewService(a.store, a.retries, a.config.Queue, a.logger, sink)

	a.scaler = cluster.NewAutoScaler(a.config.Scaling, a.manager, a.provisioner, a.store, a.logger, sink)
	return nil
}

func (a *App) initRouter() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if a.config.Tracing.Enabled {
		router.Use(tracing.GinMiddleware(serviceName))
	}

	router.Use(middleware.RecoveryMiddleware(a.logger))
	router.Use(middleware.LoggerMiddleware(a.logger))
	router.Use(middleware.RequestIDMiddleware())

	if a.config.RateLimit.Enabled {
		rateLimitConfig := ratelimit.RateLimitConfig{
			RPS:             a.config.RateLimit.RPS,
			Burst:           a.config.RateLimit.Burst,
			CleanupInterval: time.Duration(a.config.RateLimit.CleanupInterval) * time.Second,
			MaxAge:          time.Duration(a.config.RateLimit.MaxAge) * time.Second,
		}
		router.Use(ratelimit.RateLimitMiddleware(rateLimitConfig))
		a.logger.Infow("Rate limiting enabled", "rps", rateLimitConfig.RPS, "burst", rateLimitConfig.Burst)
	}

	queueHandler := queue.NewAPIHandler(a.service, a.logger)
	queueHandler.RegisterRoutes(router)

	clusterHandler := cluster.NewHandler(a.manager, a.store, a.config.Cluster.LoadBalancer, a.logger)
	clusterHandler.RegisterRoutes(router)

	metrics.RegisterQueueMetrics()
	metrics.RegisterClusterMetrics()
	metrics.RegisterCircuitBreakerMetrics()
	metrics.RegisterAPIMetrics()

	healthRegistry := health.NewCheckerRegistry()
	healthRegistry.Register(a.manager)
	healthRegistry.Register(a.service)

	router.GET("/health", func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router = router
	return nil
}

func (a *App) initServer() error {
	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  a.config.Server.ReadTimeoutSeconds * time.Second,
		WriteTimeout: a.config.Server.WriteTimeoutSeconds * time.Second,
	}
	return nil
}

func (a *App) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.manager.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("cluster manager error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		if err := a.scaler.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("auto-scaler error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		a.logger.InfowCtx(groupCtx, "Server listening", "port", a.config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		return a.Shutdown(context.Background())
	})

	return group.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.InfowCtx(ctx, "Shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
		}
	}

	if a.service != nil {
		a.service.Close()
	}

	if a.archive != nil {
		if err := a.archive.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("archive shutdown error: %w", err))
		}
	}

	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
		}
	}

	if a.manager != nil {
		if err := a.manager.Close(); err != nil {
			errs = append(errs, fmt.Errorf("cluster shutdown error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}

	a.logger.InfowCtx(ctx, "Server exited successfully")
	return nil
}
