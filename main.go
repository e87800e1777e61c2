package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chatroom/internal/chat"
	"chatroom/internal/config"
	"chatroom/internal/db"
	grpcclient "chatroom/internal/grpc"
	"chatroom/internal/handlers"
	"chatroom/internal/middleware"
	"chatroom/internal/observability"
	"chatroom/internal/rabbitmq"
	"chatroom/internal/realtime"
	"chatroom/internal/repositories"
	"chatroom/internal/session"
	"chatroom/internal/storage"
	"chatroom/internal/telemetry"
	"chatroom/internal/ws"
)

var rootCmd = &cobra.Command{
	Use:   "chatd",
	Short: "Local chat daemon: one session, realtime rooms over websocket",
	RunE:  runDaemon,
}

var (
	flagConfig string
	flagPort   string
	flagDebug  bool
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagConfig, "config", os.Getenv("CHATD_CONFIG"), "optional YAML config file")
	flags.StringVar(&flagPort, "port", "", "HTTP port (overrides config)")
	flags.BoolVar(&flagDebug, "debug", false, "enable /debug routes")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute chatd command")
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagPort != "" {
		cfg.Port = flagPort
	}
	setupLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		log.Warn().Err(err).Msg("tracing disabled")
		shutdownTracing = func(context.Context) error { return nil }
	}

	database, err := db.Connect(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer database.Close()

	feed := realtime.NewFeed(cfg.Database.DSN, log.Logger)
	defer feed.Close()

	broadcaster := rabbitmq.NewBroadcaster(cfg.RabbitMQ.URL, cfg.RabbitMQ.TypingExchange, log.Logger)
	defer broadcaster.Close()

	publisher := rabbitmq.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.AuditExchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	audit := telemetry.NewAuditEmitter(publisher, cfg.RabbitMQ.AuditRoutingKey, cfg.ServiceName, cfg.Environment)

	bucket, err := storage.Open(cfg.Storage.Dir, cfg.Storage.Bucket, cfg.Storage.PublicBaseURL)
	if err != nil {
		return err
	}
	defer bucket.Close()

	identityConn, err := grpcclient.Dial(cfg.Identity.Addr)
	if err != nil {
		return err
	}
	defer identityConn.Close()
	sessions := session.NewManager(grpcclient.NewIdentityClient(identityConn), log.Logger).
		WithTokenStore(bucket.Sessions())
	if user, err := sessions.Resume(ctx); err != nil {
		log.Warn().Err(err).Msg("previous session not resumed")
	} else if user != nil {
		log.Info().Str("user_id", user.ID).Msg("previous session resumed")
	}

	messageRepo := repositories.NewMessageRepo(database)
	hideRepo := repositories.NewHideRepo(database)

	origins := middleware.NewOriginPolicy(cfg.HTTP.AllowedOrigins)

	hub := ws.NewHub()
	roomWS := ws.NewRoomWebSocketHandler(hub, func() ws.RoomService {
		return chat.NewService(chat.Deps{
			Messages:    messageRepo,
			Hides:       hideRepo,
			Storage:     bucket,
			Feed:        feed,
			Broadcaster: broadcaster,
			Logger:      log.Logger,
		})
	}, cfg.Storage.MaxUploadBytes, origins.Allows, log.Logger)

	sessionHandler := handlers.NewSessionHandler(sessions, audit)
	storageHandler := handlers.NewStorageHandler(bucket)
	roomHandler := handlers.NewRoomHandler(messageRepo, hideRepo)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(cfg.ServiceName), observability.HTTPMetricsMiddleware(), origins.Require())

	requireSession := middleware.SessionRequired(sessions)

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/session", sessionHandler.Current)
	router.POST("/session/login", sessionHandler.Login)
	router.POST("/session/refresh", requireSession, sessionHandler.Refresh)
	router.POST("/session/logout", requireSession, sessionHandler.Logout)

	router.GET("/storage/v1/object/public/:bucket/*name", storageHandler.GetPublicObject)
	router.GET("/rooms/:room/messages", requireSession, roomHandler.GetRoomMessages)
	router.DELETE("/rooms/:room/messages/:message_id/hide", requireSession, roomHandler.UnhideMessage)
	router.GET("/ws/rooms/:room", requireSession, roomWS.Handle)

	handlers.RegisterDebugRoutes(router, audit, handlers.DebugInfo{
		Broadcaster: rabbitmq.BroadcasterMode(broadcaster),
		Publisher:   rabbitmq.PublisherMode(publisher),
		Rooms:       hub.Rooms,
	}, flagDebug)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).
			Str("broadcaster", rabbitmq.BroadcasterMode(broadcaster)).
			Str("publisher", rabbitmq.PublisherMode(publisher)).
			Msg("chatd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub.CloseAll()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("http shutdown error")
	}
	if err := shutdownTracing(sctx); err != nil {
		log.Warn().Err(err).Msg("tracing shutdown error")
	}
	return nil
}

func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
