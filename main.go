package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"rental-chat/internal/auth"
	"rental-chat/internal/config"
	"rental-chat/internal/db"
	grpcserver "rental-chat/internal/grpc"
	"rental-chat/internal/handlers"
	"rental-chat/internal/messaging"
	"rental-chat/internal/middleware"
	"rental-chat/internal/observability"
	"rental-chat/internal/rabbitmq"
	"rental-chat/internal/repositories"
	"rental-chat/internal/telemetry"
	"rental-chat/internal/uploads"
	"rental-chat/internal/ws"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Environment)
	if err != nil {
		log.Fatalf("failed to init tracing: %v", err)
	}

	health := grpcserver.NewHealthServer()

	var (
		chatRepo    repositories.ChatRepository
		messageRepo repositories.MessageRepository
		directory   repositories.DirectoryRepository
		database    *sqlx.DB
	)
	if cfg.Store == "memory" {
		store := repositories.NewMemoryStore()
		store.AutoProfiles = true
		chatRepo, messageRepo, directory = store, store, store
		log.Printf("store=memory")
	} else {
		database, err = db.Connect(cfg.DBDSN)
		if err != nil {
			log.Fatalf("failed to connect to db: %v", err)
		}
		chatRepo = repositories.NewChatRepo(database)
		messageRepo = repositories.NewMessageRepo(database)
		directory = repositories.NewDirectoryRepo(database)
		health.AddCheck("postgres", database.PingContext)
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.EventsExchange)
	observability.SetPublisher(publisher)
	log.Printf("event publisher mode=%s %s", rabbitmq.PublisherMode(publisher), rabbitmq.PublisherNoopReason(publisher))
	if rabbitmq.PublisherMode(publisher) == "amqp" {
		health.AddCheck("amqp", publisher.Check)
	}
	audit := telemetry.NewAuditEmitter(publisher, "audit.chat", cfg.ServiceName, cfg.Environment)

	var presence ws.PresenceTracker = ws.NewMemoryPresence()
	var redisPresence *ws.RedisPresence
	if cfg.RedisURL != "" {
		redisPresence, err = ws.NewRedisPresence(cfg.RedisURL)
		if err != nil {
			log.Fatalf("invalid REDIS_URL: %v", err)
		}
		presence = redisPresence
		health.AddCheck("redis", redisPresence.Ping)
	}

	hub := ws.NewHub()
	service := messaging.NewService(chatRepo, messageRepo, directory, hub,
		messaging.WithEventBus(publisher),
		messaging.WithPresence(presence),
	)

	storage, err := uploads.NewStorage(cfg.UploadDir, "/api/uploads", cfg.MaxUploadBytes)
	if err != nil {
		log.Fatalf("failed to prepare upload dir: %v", err)
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)
	gateway := ws.NewGateway(hub, service, verifier, presence, ws.Config{
		AuthCookie:  cfg.AuthCookie,
		SendQueue:   cfg.WSSendQueue,
		RateEvents:  cfg.WSRateEvents,
		RateWindow:  cfg.WSRateWindow,
		CheckOrigin: originChecker(cfg.CORSOrigins),
	})
	chatHandler := handlers.NewChatHandler(service, storage, audit)

	router := gin.New()

	// middlewares
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(middleware.RequestID())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Request-Id"},
		ExposeHeaders:    []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		if !health.Probe(c.Request.Context()) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, audit, hub, cfg.DebugRoutes)

	authMiddleware := middleware.AuthMiddleware(verifier, cfg.AuthCookie)
	chatHandler.Register(router.Group("/api/chats", authMiddleware))
	handlers.RegisterUploadRoutes(router.Group("/api/uploads", authMiddleware), storage.Dir())

	router.GET("/ws", gateway.Handle)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("http listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		log.Printf("grpc health listening on %s", cfg.GRPCAddr)
		return health.Serve(lis)
	})
	g.Go(func() error {
		health.Watch(gctx, 15*time.Second)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		hub.Close()
		err := srv.Shutdown(shutdownCtx)
		health.Stop()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("tracing shutdown: %v", err)
		}
		return err
	})

	if err := g.Wait(); err != nil {
		log.Printf("server error: %v", err)
	}

	if err := publisher.Close(); err != nil {
		log.Printf("publisher close: %v", err)
	}
	if redisPresence != nil {
		_ = redisPresence.Close()
	}
	if database != nil {
		_ = database.Close()
	}
	log.Printf("shutdown complete")
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
