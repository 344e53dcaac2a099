package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"peercall/internal/call"
	"peercall/internal/config"
	callHandler "peercall/internal/handler/http/callctl"
	"peercall/internal/keyexchange"
	"peercall/internal/middleware"
	"peercall/internal/relay"
	redisRepo "peercall/internal/repository/redis"
	"peercall/internal/signaling"
	"peercall/internal/transport"
	"peercall/pkg/constants"
	"peercall/pkg/env"
	"peercall/pkg/jwt"
	"peercall/pkg/logger"
	"peercall/pkg/metrics"
	"peercall/pkg/push"
)

func main() {
	// 1. Initialize logging
	if err := logger.Init(&logger.Config{
		Level:  env.GetString("LOG_LEVEL", "info"),
		Format: env.GetString("LOG_FORMAT", "json"),
		Output: "stdout",
	}); err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg := config.LoadConfig()
	if cfg.UserID == "" {
		logger.Fatal("USER_ID environment variable is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Open the relay store
	store, err := newRelayStore(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to open relay store",
			zap.String("backend", cfg.RelayBackend),
			zap.Error(err))
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}
	logger.Info("Relay store ready", zap.String("backend", cfg.RelayBackend))

	// 3. Initialize metrics
	appMetrics := metrics.NewMetrics("call-agent")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 4. Initialize push notifications
	pushProvider, err := push.NewProvider()
	if err != nil {
		logger.Fatal("Failed to initialize push provider", zap.Error(err))
	}

	var tokenRepo push.TokenRepository
	if rs, ok := store.(*relay.RedisStore); ok {
		tokenRepo = redisRepo.NewPushTokenRepository(rs.Client())
	} else {
		tokenRepo = push.NewMemoryTokenRepository()
	}
	pushSvc := push.NewService(pushProvider, tokenRepo, appMetrics)

	// 5. Wire signaling and the call orchestrator
	identity := signaling.Identity{
		UserID:      cfg.UserID,
		DisplayName: cfg.DisplayName,
	}
	sig := signaling.NewService(store, identity, keyexchange.NewCodec(), appMetrics, pushSvc)

	callSvc, err := call.NewService(sig, transport.NewStaticMediaProvider(), transport.Config{
		ICEServerURLs:        cfg.ICEServerURLs,
		MaxReconnectAttempts: cfg.MaxReconnectionAttempts,
		DisconnectedGrace:    cfg.DisconnectedGracePeriod,
		UnmuteRecheckDelays:  cfg.UnmuteRecheckDelays,
	}, call.Options{
		SettleDelay: cfg.SignalSettleDelay,
		LossGrace:   cfg.ConnectionLossGracePeriod,
		Metrics:     appMetrics,
	})
	if err != nil {
		logger.Fatal("Failed to initialize call service", zap.Error(err))
	}

	if err := callSvc.Start(ctx); err != nil {
		logger.Fatal("Failed to start call service", zap.Error(err))
	}
	defer callSvc.Stop(context.Background())

	// 6. Setup the control API router
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "call-agent",
			"user_id": cfg.UserID,
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	hdlr := callHandler.NewHandler(callSvc, sig, pushSvc)

	v1 := router.Group("/v1")
	if secret := env.GetStringFromFile("CONTROL_JWT_SECRET", ""); secret != "" {
		jwtManager := jwt.NewManager(secret, constants.RelayTokenLifetime)
		v1.Use(middleware.AuthMiddleware(jwtManager))
	} else if cfg.Env == "production" {
		logger.Fatal("CONTROL_JWT_SECRET is required in production mode")
	}
	{
		v1.POST("/call/start", hdlr.StartCall)
		v1.POST("/call/accept", hdlr.AcceptCall)
		v1.POST("/call/reject", hdlr.RejectCall)
		v1.POST("/call/end", hdlr.EndCall)
		v1.POST("/call/audio", hdlr.ToggleAudio)
		v1.POST("/call/video", hdlr.ToggleVideo)
		v1.GET("/call/state", hdlr.GetCallState)
		v1.GET("/calls/:id", hdlr.GetCall)

		v1.POST("/push/tokens", hdlr.RegisterPushToken)
		v1.DELETE("/push/tokens", hdlr.UnregisterPushTokens)
	}

	// 7. Start the server with graceful shutdown
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		logger.Info("Call agent starting",
			zap.String("addr", cfg.ListenAddr),
			zap.String("user_id", cfg.UserID))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

// newRelayStore opens the configured relay backend. Every backend honors
// the same Store contract, so the rest of the agent is backend-agnostic.
func newRelayStore(ctx context.Context, cfg *config.Config) (relay.Store, error) {
	switch cfg.RelayBackend {
	case "firestore":
		return relay.NewFirestoreStore(ctx, &relay.FirestoreConfig{
			ProjectID:       cfg.FirebaseProjectID,
			CredentialsPath: cfg.FirebaseCredentialsPath,
		})
	case "redis":
		return relay.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword)
	case "ws":
		return relay.NewWSStore(ctx, cfg.RelayBridgeURL, cfg.RelayBridgeSecret, cfg.UserID)
	default:
		return relay.NewMemoryStore(), nil
	}
}
