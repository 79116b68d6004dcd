package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/huddlechat/huddle-server/internal/api"
	"github.com/huddlechat/huddle-server/internal/auth"
	"github.com/huddlechat/huddle-server/internal/collab"
	"github.com/huddlechat/huddle-server/internal/config"
	"github.com/huddlechat/huddle-server/internal/gateway"
	"github.com/huddlechat/huddle-server/internal/httputil"
	"github.com/huddlechat/huddle-server/internal/huddle"
	"github.com/huddlechat/huddle-server/internal/message"
	"github.com/huddlechat/huddle-server/internal/notification"
	"github.com/huddlechat/huddle-server/internal/postgres"
	"github.com/huddlechat/huddle-server/internal/presence"
	"github.com/huddlechat/huddle-server/internal/room"
	"github.com/huddlechat/huddle-server/internal/state"
	"github.com/huddlechat/huddle-server/internal/user"
	"github.com/huddlechat/huddle-server/internal/valkey"
	"github.com/huddlechat/huddle-server/internal/wire"
)

const valkeyDialTimeout = 5 * time.Second

func main() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.IsDevelopment() {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}

	log.Info().Str("env", cfg.ServerEnv).Msg("Starting Huddle Server")

	if cfg.CORSAllowOrigins == "*" {
		log.Warn().Msg("CORS_ALLOW_ORIGINS is set to a wildcard \"*\". This allows any origin to open gateway connections. Set an explicit origin (e.g. https://your-client.example.com) for production deployments.")
	}

	ctx := context.Background()

	// Connect PostgreSQL
	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	log.Info().Msg("PostgreSQL connected")

	// Run migrations
	if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info().Msg("Database migrations complete")

	// Connect Valkey
	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, valkeyDialTimeout)
	if err != nil {
		return fmt.Errorf("connect valkey: %w", err)
	}
	defer func() { _ = rdb.Close() }()
	log.Info().Msg("Valkey connected")

	// Ephemeral state stores
	st := state.NewStore(rdb)
	presenceStore := presence.NewStore(st, cfg.PresenceTTL, cfg.TypingTTL)
	collabStore := collab.NewStore(st, cfg.NoteTTL, cfg.CursorTTL)
	huddleStore := huddle.NewStore(st, cfg.HuddleTTL, cfg.SFUStateTTL)

	// Durable repositories
	userRepo := user.NewPGRepository(db, log.Logger)
	roomRepo := room.NewPGRepository(db, log.Logger)
	messageRepo := message.NewPGRepository(db, log.Logger)
	notificationRepo := notification.NewPGRepository(db, log.Logger)

	verifier := auth.NewVerifier(cfg.JWTSecret, cfg.ServerURL)

	// SFU provider client. Without credentials huddles stay P2P and threshold upgrades are skipped.
	var sfu *huddle.CallsClient
	if cfg.SFUConfigured() {
		sfu = huddle.NewCallsClient(cfg.CallsBaseURL, cfg.CallsAppID, cfg.CallsAppSecret, cfg.SFURequestTimeout)
		log.Info().Str("base_url", cfg.CallsBaseURL).Msg("SFU provider configured")
	} else {
		log.Warn().Msg("SFU provider credentials not set, huddles will stay in P2P mode")
	}

	publisher := gateway.NewPublisher(rdb, log.Logger)
	hub := gateway.NewHub(rdb, cfg, verifier, userRepo, roomRepo, messageRepo, notificationRepo,
		presenceStore, collabStore, huddleStore, sfu, publisher, log.Logger)

	// Run the hub's pub/sub loop with reconnection. Dropped subscriptions would silently stop cross-process
	// delivery, so restart after a short pause.
	hubCtx, hubCancel := context.WithCancel(ctx)
	defer hubCancel()
	go func() {
		for {
			if err := hub.Run(hubCtx); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				log.Error().Err(err).Msg("Gateway hub stopped, restarting in 5s")
				select {
				case <-hubCtx.Done():
					return
				case <-time.After(5 * time.Second):
				}
				continue
			}
			return
		}
	}()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName: "Huddle",
		// ErrorHandler catches errors returned by handlers that are not already mapped to structured API responses
		// (e.g. Fiber's built-in 404/426). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			message := "An internal error occurred"
			code := wire.CodeInternal
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				message = e.Message
				code = fiberStatusToCode(e.Code)
			} else {
				log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return httputil.Fail(c, status, code, message)
		},
	})

	// Global middleware
	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger, cfg.LogHealthRequests))
	app.Use(cors.New(cors.Config{
		AllowOrigins:  []string{cfg.CORSAllowOrigins},
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"X-Request-ID"},
	}))

	// Routes
	health := &api.HealthHandler{DB: db, Valkey: redisPinger{client: rdb}}
	app.Get("/api/v1/health", health.Health)

	gw := api.NewGatewayHandler(hub)
	app.Get("/ws/stream/", gw.Upgrade)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Shutting down server")
		hub.Shutdown()
		hubCancel()
		_ = app.Shutdown()
	}()

	// Listen
	addr := fmt.Sprintf(":%d", cfg.ServerPort)
	log.Info().Str("addr", addr).Msg("Server listening")
	if err := app.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true}); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// redisPinger adapts *redis.Client to the api.Pinger interface.
type redisPinger struct{ client *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.client.Ping(ctx).Err() }

// fiberStatusToCode maps an HTTP status code from Fiber's built-in errors to the closest gateway error code.
func fiberStatusToCode(status int) string {
	switch {
	case status == fiber.StatusNotFound:
		return "NOT_FOUND"
	case status == fiber.StatusUpgradeRequired:
		return "UPGRADE_REQUIRED"
	case status >= 400 && status < 500:
		return wire.CodeInvalidEvent
	default:
		return wire.CodeInternal
	}
}
