package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"crewchat/internal/config"
	"crewchat/internal/db"
	"crewchat/internal/handlers"
	applog "crewchat/internal/log"
	"crewchat/internal/middleware"
	"crewchat/internal/observability"
	"crewchat/internal/rabbitmq"
	"crewchat/internal/repositories"
	"crewchat/internal/telemetry"
	"crewchat/internal/ws"
)

func main() {
	config.LoadDotEnv()
	cfg := config.LoadGateway()
	applog.Init(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.ServiceName, cfg.Env)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up tracing")
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	log.Info().
		Str("mode", rabbitmq.PublisherMode(publisher)).
		Str("reason", rabbitmq.PublisherNoopReason(publisher)).
		Msg("event publisher ready")
	observability.SetPublisher(publisher)
	auditEmitter := telemetry.NewAuditEmitter(publisher, "audit.crewchat", cfg.ServiceName, cfg.Env)

	hubOpts := []ws.HubOption{}
	var messageRepo repositories.MessageRepository
	if cfg.DatabaseDSN != "" {
		database, err := db.Connect(cfg.DatabaseDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to db")
		}
		defer database.Close()
		repo := repositories.NewMessageRepo(database)
		messageRepo = repo
		hubOpts = append(hubOpts, ws.WithMessageStore(repo), ws.WithAuditSink(auditEmitter))
	} else {
		log.Warn().Msg("DB_DSN not set, messages are relayed but not stored")
	}

	hub := ws.NewHub(hubOpts...)
	wsHandler := ws.NewWebSocketHandler(hub, cfg.JWTSecret)
	pollHandler := ws.NewPollHandler(hub, cfg.JWTSecret, cfg.PollTimeout)
	pollHandler.Start(ctx)
	presenceHandler := handlers.NewPresenceHandler(hub)

	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// middlewares
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(cfg.JWTSecret)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	if messageRepo != nil {
		roomHandler := handlers.NewRoomHandler(messageRepo, auditEmitter)
		router.GET("/rooms/:room_id/messages", authMiddleware, roomHandler.GetRoomMessages)
	}
	router.GET("/presence/online", authMiddleware, presenceHandler.ListOnline)

	router.GET("/ws", wsHandler.Handle)
	router.POST("/poll", pollHandler.Open)
	router.GET("/poll/:sid", pollHandler.Poll)
	router.POST("/poll/:sid", pollHandler.Push)
	router.DELETE("/poll/:sid", pollHandler.Close)

	handlers.RegisterDebugRoutes(router, auditEmitter, cfg.DebugRoutes)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
		// Long polls are held for PollTimeout.
		WriteTimeout: cfg.PollTimeout + 10*time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	hub.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown")
	}
}
