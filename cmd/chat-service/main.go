package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcore-backend/internal/database"
	"chatcore-backend/internal/events"
	wsHandler "chatcore-backend/internal/handler/ws"
	"chatcore-backend/internal/middleware"
	"chatcore-backend/internal/presence"
	"chatcore-backend/internal/repository"
	"chatcore-backend/internal/repository/memory"
	mongoStore "chatcore-backend/internal/repository/mongo"
	redisRepo "chatcore-backend/internal/repository/redis"
	"chatcore-backend/internal/service/call"
	"chatcore-backend/internal/service/chat"
	"chatcore-backend/internal/service/conversation"
	"chatcore-backend/internal/service/friend"
	"chatcore-backend/internal/service/group"
	"chatcore-backend/pkg/config"
	"chatcore-backend/pkg/constants"
	"chatcore-backend/pkg/jwt"
	"chatcore-backend/pkg/logger"
	"chatcore-backend/pkg/metrics"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		host, _ := os.Hostname()
		instanceID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	logger.Info("Starting chat service",
		zap.String("environment", cfg.Server.Environment),
		zap.String("instance_id", instanceID),
		zap.String("store", cfg.Store.Driver))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 3. Initialize metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	database.InitRedisMetrics()

	// 4. Open the document store
	var (
		store   *repository.Store
		mongoDB *database.MongoDB
	)
	switch cfg.Store.Driver {
	case "mongo":
		mongoDB, err = database.NewMongoDB(ctx, &database.MongoConfig{
			URI:      cfg.Mongo.URI,
			Database: cfg.Mongo.Database,
			Timeout:  cfg.Mongo.Timeout,
		})
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		indexCtx, cancel := context.WithTimeout(ctx, cfg.Mongo.Timeout)
		if err := mongoStore.EnsureIndexes(indexCtx, mongoDB.DB); err != nil {
			cancel()
			logger.Fatal("Failed to create MongoDB indexes", zap.Error(err))
		}
		cancel()
		store = mongoStore.NewStore(mongoDB.DB, cfg.Mongo.UseTransactions)
	default:
		logger.Warn("Using the in-memory store, data will not survive a restart")
		store = memory.New().Store()
	}

	// 5. Domain event stream
	var publisher events.Publisher = events.Noop{}
	if cfg.Kafka.Enabled {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		logger.Info("Kafka publisher enabled",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}

	// 6. Redis: presence mirror, cross-instance push relay and token revocation
	var (
		redisDB    *database.RedisClient
		relay      *wsHandler.Relay
		revocation middleware.RevocationChecker
		opts       []presence.Option
	)
	if cfg.Redis.Enabled {
		redisDB = database.NewRedisDB(ctx, &database.RedisConfig{
			Host:     cfg.Redis.Host,
			Port:     cfg.Redis.Port,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			Timeout:  cfg.Redis.Timeout,
		})
		redisDB.StartHealthCheck(ctx, 10*time.Second)

		opts = append(opts, presence.WithMirror(redisRepo.NewPresenceRepository(redisDB, instanceID)))
		relay = wsHandler.NewRelay(redisDB, instanceID)
		revocation = middleware.NewRedisRevocationChecker(redisDB)
		logger.Info("Redis enabled", zap.String("addr", cfg.Redis.RedisAddr()))
	}

	registry := presence.NewRegistry(opts...)
	pusher := wsHandler.NewPusher(registry, relay)

	// 7. Initialize services
	conversations := conversation.NewService(store, pusher, registry)
	calls := call.NewService(store, conversations, pusher, registry, publisher)
	router := wsHandler.NewRouter(wsHandler.Services{
		Conversations: conversations,
		Chat:          chat.NewService(store, conversations, pusher, publisher),
		Groups:        group.NewService(store, conversations, pusher, publisher),
		Friends:       friend.NewService(store, pusher),
		Calls:         calls,
	})

	// 8. Initialize the websocket hub
	hub := wsHandler.NewHub(wsHandler.Config{
		MaxConnections:  cfg.WebSocket.MaxConnections,
		PingInterval:    cfg.WebSocket.PingInterval,
		WriteWait:       cfg.WebSocket.WriteWait,
		MaxMessageSize:  cfg.WebSocket.MaxMessageSize,
		SendBuffer:      cfg.WebSocket.SendBuffer,
		EventsPerSecond: cfg.WebSocket.EventsPerSecond,
		EventBurst:      cfg.WebSocket.EventBurst,
		AllowedOrigins:  middleware.AllowedOrigins(cfg.Server.AllowedOrigins),
	}, registry, pusher, router, appMetrics, calls.Disconnected)

	go registry.RunHeartbeat(ctx, constants.PresenceHeartbeat)
	go pusher.RunRelay(ctx)

	// 9. Setup Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(middleware.Recovery())
	engine.Use(middleware.RequestLogger())
	engine.Use(middleware.SecurityHeaders())
	engine.Use(middleware.CORSMiddleware(middleware.AllowedOrigins(cfg.Server.AllowedOrigins)))
	engine.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":       "healthy",
			"service":      cfg.Server.ServiceName,
			"instance_id":  instanceID,
			"online_users": hub.OnlineCount(c.Request.Context()),
			"time":         time.Now().UTC(),
		})
	})
	engine.GET("/metrics", middleware.MetricsHandler(appMetrics))

	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.Audience, 15*time.Minute)
	v1 := engine.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocation))
	v1.GET("/ws", hub.ServeWS)

	// 10. Start server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Chat service listening",
			zap.Int("port", cfg.Server.Port),
			zap.String("websocket", "/v1/ws"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 11. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down chat service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	hub.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	stop()

	if err := publisher.Close(); err != nil {
		logger.Warn("Failed to close event publisher", zap.Error(err))
	}
	if mongoDB != nil {
		if err := mongoDB.Close(shutdownCtx); err != nil {
			logger.Warn("Failed to close MongoDB", zap.Error(err))
		}
	}
	if redisDB != nil {
		if err := redisDB.Close(); err != nil {
			logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}

	logger.Info("Chat service exited")
}
