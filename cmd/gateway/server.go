// Package main provides the AgentFlow server implementation.
package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/relaymesh/gateway/api/handlers"
	"github.com/relaymesh/gateway/config"
	"github.com/relaymesh/gateway/internal/cache"
	"github.com/relaymesh/gateway/internal/convstore"
	"github.com/relaymesh/gateway/internal/credential"
	"github.com/relaymesh/gateway/internal/database"
	"github.com/relaymesh/gateway/internal/eventbus"
	"github.com/relaymesh/gateway/internal/kbclient"
	"github.com/relaymesh/gateway/internal/llmprovider"
	"github.com/relaymesh/gateway/internal/metrics"
	"github.com/relaymesh/gateway/internal/orchestrator"
	"github.com/relaymesh/gateway/internal/proxy"
	"github.com/relaymesh/gateway/internal/ratelimit"
	"github.com/relaymesh/gateway/internal/routetable"
	"github.com/relaymesh/gateway/internal/server"
	"github.com/relaymesh/gateway/internal/streambuffer"
	"github.com/relaymesh/gateway/internal/telemetry"
	"github.com/relaymesh/gateway/internal/tokenizer"
)

// =============================================================================
// 🖥️ Server 结构（重构版）
// =============================================================================

// Server is AgentFlow's gateway process: it wires the credential resolver,
// rate limiter, conversation store, orchestrator, and reverse proxy onto
// one HTTP listener, plus a second listener for Prometheus scraping.
type Server struct {
	cfg        *config.Config
	configPath string
	logger     *zap.Logger
	otel       *telemetry.Providers
	db         *gorm.DB

	// 服务器管理器
	httpManager    *server.Manager
	metricsManager *server.Manager

	// 协作者
	poolManager  *database.PoolManager
	convStore    *convstore.Store
	credResolver *credential.Resolver
	rateLimiter  *ratelimit.Limiter
	eventBus     *eventbus.Bus
	orchestrator *orchestrator.Orchestrator
	routeTable   *routetable.Table
	proxyCore    *proxy.Proxy

	// Handlers
	healthHandler *handlers.HealthHandler
	chatHandler   *handlers.ChatHandler
	proxyHandler  *handlers.ProxyHandler

	// 指标收集器
	metricsCollector *metrics.Collector

	// 热更新管理器
	hotReloadManager *config.HotReloadManager
	configAPIHandler *config.ConfigAPIHandler

	wg sync.WaitGroup
}

// NewServer creates a new server instance. otelProviders and db may both be
// nil — tracing and the conversation store degrade gracefully without them.
func NewServer(cfg *config.Config, configPath string, logger *zap.Logger, otelProviders *telemetry.Providers, db *gorm.DB) *Server {
	return &Server{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		otel:       otelProviders,
		db:         db,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 初始化指标收集器
	s.metricsCollector = metrics.NewCollector("agentflow", s.logger)

	// 2. 初始化 Handlers
	if err := s.initHandlers(); err != nil {
		return fmt.Errorf("failed to init handlers: %w", err)
	}

	// 3. 初始化热更新管理器
	if err := s.initHotReloadManager(); err != nil {
		return fmt.Errorf("failed to init hot reload manager: %w", err)
	}

	// 4. 启动 HTTP 服务器
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// 5. 启动 Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Bool("hot_reload_enabled", s.configPath != ""),
	)

	return nil
}

// =============================================================================
// 🔧 初始化方法
// =============================================================================

// initHandlers wires every collaborator the gateway's HTTP surface depends
// on: credential resolution, rate limiting, conversation persistence, the
// orchestrator (and its provider/KB/classifier collaborators), the event
// bus, and the statically-routed reverse proxy.
func (s *Server) initHandlers() error {
	s.healthHandler = handlers.NewHealthHandler(s.logger)

	s.credResolver = s.buildCredentialResolver()
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		AnonymousPerMinute:     s.cfg.RateLimit.AnonymousPerMinute,
		AuthenticatedPerMinute: s.cfg.RateLimit.AuthenticatedPerMinute,
	}, s.logger)
	go s.rateLimiter.Run(context.Background())

	if s.db != nil {
		poolManager, err := database.NewPoolManager(s.db, database.DefaultPoolConfig(), s.logger)
		if err != nil {
			return fmt.Errorf("failed to init database pool: %w", err)
		}
		s.poolManager = poolManager
		s.convStore = convstore.New(poolManager, s.logger)
		s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("database", poolManager.Ping))
	} else {
		s.logger.Warn("database not configured; conversation persistence disabled")
	}

	s.eventBus = eventbus.New(s.cfg.EventBus.Endpoint, s.logger)
	if s.cfg.EventBus.Endpoint != "" {
		if err := s.eventBus.Connect(context.Background()); err != nil {
			s.logger.Warn("event bus connection failed, streaming world_update events disabled", zap.Error(err))
		}
	}
	s.healthHandler.RegisterCheck(handlers.NewDatabaseHealthCheck("eventbus", func(ctx context.Context) error {
		if s.eventBus.Connected() {
			return nil
		}
		return fmt.Errorf("event bus not connected")
	}))

	if s.convStore != nil {
		orch, err := s.buildOrchestrator()
		if err != nil {
			return fmt.Errorf("failed to init orchestrator: %w", err)
		}
		s.orchestrator = orch
		s.chatHandler = handlers.NewChatHandler(s.orchestrator, s.eventBus, s.logger)
	} else {
		s.logger.Warn("orchestrator disabled: no conversation store available")
	}

	if err := s.buildProxy(); err != nil {
		return fmt.Errorf("failed to init reverse proxy: %w", err)
	}

	s.logger.Info("Handlers initialized")
	return nil
}

// buildCredentialResolver assembles the Resolver from identity.* config:
// an HTTP introspection client for opaque keys (optional) plus a JWT
// verifier backed either by a static key or a Redis-cached JWKS source.
func (s *Server) buildCredentialResolver() *credential.Resolver {
	idCfg := s.cfg.Identity

	var identityClient credential.IdentityClient
	if idCfg.Endpoint != "" {
		identityClient = credential.NewHTTPIdentityClient(idCfg.Endpoint, &http.Client{Timeout: 5 * time.Second})
	}

	var jwks credential.JWKSSource
	if idCfg.JWTAlgorithm == "RS256" && idCfg.RSAPublicKeyPEM == "" && idCfg.Endpoint != "" {
		cacheMgr, err := cache.NewManager(cache.Config{
			Addr:       s.cfg.Redis.Addr,
			Password:   s.cfg.Redis.Password,
			DB:         s.cfg.Redis.DB,
			DefaultTTL: idCfg.JWKSCacheTTL,
		}, s.logger)
		if err != nil {
			s.logger.Warn("JWKS cache unavailable, falling back to direct fetch per miss", zap.Error(err))
		} else {
			jwks = credential.NewRedisJWKSSource(idCfg.Endpoint+"/.well-known/jwks.json", idCfg.JWKSCacheTTL, &http.Client{Timeout: 5 * time.Second}, cacheMgr, s.logger)
		}
	}

	jv, err := credential.NewJWTVerifier(credential.JWTConfig{
		Secret:       idCfg.HMACSecret,
		PublicKeyPEM: idCfg.RSAPublicKeyPEM,
		Issuer:       idCfg.Issuer,
		Audience:     idCfg.Audience,
	}, jwks)
	if err != nil {
		s.logger.Warn("JWT verifier misconfigured, bearer-token auth disabled", zap.Error(err))
	}

	return credential.NewResolver(identityClient, jv, credential.Config{
		CacheTTL:  idCfg.CacheTTL,
		CacheSize: idCfg.CacheSize,
	}, s.logger)
}

// buildOrchestrator wires the unified chat orchestrator over an HTTP LLM
// provider, the KB RPC client, and the conversation store.
func (s *Server) buildOrchestrator() (*orchestrator.Orchestrator, error) {
	providerCfg := s.cfg.Providers[s.cfg.LLM.DefaultProvider]
	provider := llmprovider.New(llmprovider.Config{
		Name:            s.cfg.LLM.DefaultProvider,
		Endpoint:        providerCfg.Endpoint,
		APIKey:          providerCfg.APIKey,
		Model:           s.cfg.Agent.Model,
		MaxConnsPerHost: providerCfg.MaxConnsPerHost,
		Timeout:         s.cfg.LLM.Timeout,
	}, s.logger)

	kbCfg := s.cfg.Providers["kb"]
	if kbCfg.Endpoint == "" {
		s.logger.Warn("no kb provider configured; tool-path chat requests will fail")
	}
	kb := kbclient.New(kbCfg.Endpoint, s.cfg.LLM.Timeout)

	var classifierTokenizer tokenizer.Tokenizer
	if tok, err := tokenizer.NewTiktokenTokenizer(s.cfg.Agent.Model); err != nil {
		s.logger.Warn("tiktoken unavailable for model, falling back to estimator", zap.String("model", s.cfg.Agent.Model), zap.Error(err))
		classifierTokenizer = tokenizer.NewEstimatorTokenizer(s.cfg.Agent.Model, s.cfg.Agent.MaxTokens)
	} else {
		classifierTokenizer = tok
	}

	deadline := time.Duration(s.cfg.Orchestrator.ClassifierDeadlineMS) * time.Millisecond
	classifier := orchestrator.NewClassifier(deadline, classifierTokenizer)

	return orchestrator.New(orchestrator.Config{
		ToolIterationsMax:    s.cfg.Orchestrator.ToolIterationsMax,
		ClassifierDeadlineMS: s.cfg.Orchestrator.ClassifierDeadlineMS,
		StreamBuffer: streambuffer.Config{
			WordBufferCeilingBytes:  s.cfg.Streaming.WordBufferCeilingBytes,
			DirectiveScanLimitBytes: s.cfg.Streaming.DirectiveScanLimitBytes,
		},
	}, classifier, provider, kb, s.convStore, s.logger), nil
}

// buildProxy loads the static route table (if configured) and builds one
// pooled Backend per entry in cfg.Providers, so the same named upstream
// config serves both the orchestrator's LLM/KB clients and raw forwarded
// routes.
func (s *Server) buildProxy() error {
	if s.cfg.Gateway.RouteTablePath == "" {
		s.logger.Info("no route table configured; reverse proxy disabled")
		return nil
	}

	table, err := routetable.LoadFile(s.cfg.Gateway.RouteTablePath)
	if err != nil {
		return err
	}
	s.routeTable = table

	backends := make(map[string]*proxy.Backend, len(s.cfg.Providers))
	for name, pc := range s.cfg.Providers {
		backend, err := proxy.NewBackend(name, pc.Endpoint, pc.MaxConnsPerHost)
		if err != nil {
			return fmt.Errorf("invalid backend %q: %w", name, err)
		}
		backends[name] = backend
	}

	s.proxyCore = proxy.New(backends, proxy.DefaultConfig(), s.logger)
	s.proxyHandler = handlers.NewProxyHandler(s.routeTable, s.proxyCore, s.logger)
	return nil
}

// initHotReloadManager 初始化热更新管理器
func (s *Server) initHotReloadManager() error {
	opts := []config.HotReloadOption{
		config.WithHotReloadLogger(s.logger),
	}

	if s.configPath != "" {
		opts = append(opts, config.WithConfigPath(s.configPath))
	}

	s.hotReloadManager = config.NewHotReloadManager(s.cfg, opts...)

	// 注册配置变更回调
	s.hotReloadManager.OnChange(func(change config.ConfigChange) {
		s.logger.Info("Configuration changed",
			zap.String("path", change.Path),
			zap.String("source", change.Source),
			zap.Bool("requires_restart", change.RequiresRestart),
		)
	})

	// 注册配置重载回调
	s.hotReloadManager.OnReload(func(oldConfig, newConfig *config.Config) {
		s.logger.Info("Configuration reloaded")
		s.cfg = newConfig
	})

	// 启动热更新管理器
	ctx := context.Background()
	if err := s.hotReloadManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hot reload manager: %w", err)
	}

	// 创建配置 API 处理器
	s.configAPIHandler = config.NewConfigAPIHandler(s.hotReloadManager)

	return nil
}

// =============================================================================
// 🌐 HTTP 服务器
// =============================================================================

// startHTTPServer 启动 HTTP 服务器（使用新的 handlers）
func (s *Server) startHTTPServer() error {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查端点（使用新的 HealthHandler）
	// ========================================
	mux.HandleFunc("/health", s.healthHandler.HandleHealth)
	mux.HandleFunc("/healthz", s.healthHandler.HandleHealthz)
	mux.HandleFunc("/ready", s.healthHandler.HandleReady)
	mux.HandleFunc("/readyz", s.healthHandler.HandleReady)

	// 版本信息端点
	mux.HandleFunc("/version", s.healthHandler.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 聊天编排 API
	// ========================================
	if s.chatHandler != nil {
		mux.HandleFunc("/api/v1/chat/completions", s.chatHandler.HandleCompletion)
		mux.HandleFunc("/api/v1/chat/completions/stream", s.chatHandler.HandleStream)
	}

	// ========================================
	// 静态路由反向代理（KB 等转发后端）
	// ========================================
	if s.proxyHandler != nil {
		mux.Handle("/api/", s.proxyHandler)
	}

	// ========================================
	// 配置管理 API
	// ========================================
	if s.configAPIHandler != nil {
		s.configAPIHandler.RegisterRoutes(mux)
		s.logger.Info("Configuration API registered")
	}

	// ========================================
	// 构建中间件链
	// ========================================
	skipAuthPaths := []string{"/health", "/healthz", "/ready", "/readyz", "/version", "/metrics"}
	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		RequestLogger(s.logger),
		MetricsMiddleware(s.metricsCollector),
		OTelTracing(),
		ratelimit.CORS(ratelimit.CORSConfig{AllowOrigins: s.cfg.CORS.AllowOrigins}),
		s.rateLimiter.Middleware,
		CredentialAuth(s.credResolver, skipAuthPaths, s.logger),
	)

	// ========================================
	// 使用 internal/server.Manager
	// ========================================
	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,   // 2x ReadTimeout
		MaxHeaderBytes:  1 << 20,                        // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.httpManager = server.NewManager(handler, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	s.logger.Info("HTTP server started", zap.Int("port", s.cfg.Server.HTTPPort))
	return nil
}

// =============================================================================
// 📊 Metrics 服务器
// =============================================================================

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)

	// 启动服务器（非阻塞）
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("Metrics server started", zap.Int("port", s.cfg.Server.MetricsPort))
	return nil
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	// 使用 httpManager 的 WaitForShutdown（它会监听信号）
	if s.httpManager != nil {
		s.httpManager.WaitForShutdown()
	}

	// 执行清理
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx := context.Background()

	// 1. 停止热更新管理器
	if s.hotReloadManager != nil {
		if err := s.hotReloadManager.Stop(); err != nil {
			s.logger.Error("Hot reload manager shutdown error", zap.Error(err))
		}
	}

	// 2. 关闭 HTTP 服务器
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭 Metrics 服务器
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}

	// 4. 关闭事件总线与数据库连接池
	if s.eventBus != nil {
		s.eventBus.Close()
	}
	if s.poolManager != nil {
		if err := s.poolManager.Close(); err != nil {
			s.logger.Error("Database pool shutdown error", zap.Error(err))
		}
	}

	// 5. 关闭 OpenTelemetry
	if s.otel != nil {
		if err := s.otel.Shutdown(ctx); err != nil {
			s.logger.Error("OpenTelemetry shutdown error", zap.Error(err))
		}
	}

	// 6. 等待所有 goroutine 完成
	s.wg.Wait()

	s.logger.Info("Graceful shutdown completed")
}
