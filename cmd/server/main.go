// Servoice - real-time voice receptionist server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/servoice/internal/api"
	"github.com/ashureev/servoice/internal/call"
	"github.com/ashureev/servoice/internal/config"
	"github.com/ashureev/servoice/internal/events"
	"github.com/ashureev/servoice/internal/hub"
	"github.com/ashureev/servoice/internal/ledger"
	"github.com/ashureev/servoice/internal/middleware"
	"github.com/ashureev/servoice/internal/persist"
	"github.com/ashureev/servoice/internal/policy"
	"github.com/ashureev/servoice/internal/retention"
	"github.com/ashureev/servoice/internal/store"
	"github.com/ashureev/servoice/internal/stt"
	"github.com/ashureev/servoice/internal/telemetry"
	"github.com/ashureev/servoice/internal/tts"
	"github.com/ashureev/servoice/internal/watchdog"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load("")
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Server.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.Shutdown(telemetry.Noop)
	if cfg.Telemetry.Enabled {
		shutdownTracer, err = telemetry.InitTracer(cfg.Telemetry.ServiceName, nil, logger)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			slog.Error("Failed to flush traces", "error", err)
		}
	}()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.Storage.Path)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	for i := range cfg.Lines {
		if err := repo.UpsertLine(ctx, &cfg.Lines[i]); err != nil {
			slog.Error("Failed to seed phone line", "e164", cfg.Lines[i].E164, "error", err)
			os.Exit(1)
		}
	}
	slog.Info("Phone lines seeded", "count", len(cfg.Lines))

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.AMQP.URL != "" {
		amqpPub, err := events.NewAMQPPublisher(ctx, events.AMQPOptions{
			URL:           cfg.AMQP.URL,
			Exchange:      cfg.AMQP.Exchange,
			RetryAttempts: 5,
			Delay:         2 * time.Second,
			Logger:        logger,
		})
		if err != nil {
			slog.Error("Failed to connect to broker", "error", err)
			os.Exit(1)
		}
		publisher = amqpPub
		slog.Info("Call events will be published", "exchange", cfg.AMQP.Exchange)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			slog.Error("Failed to close publisher", "error", err)
		}
	}()

	sessions := ledger.New(logger)
	committer := persist.New(sessions, repo, persist.Options{
		BatchSize: cfg.Persist.BatchSize,
		Publisher: publisher,
		Logger:    logger,
	})
	transcripts := hub.New(logger)
	registry := call.NewRegistry(logger)

	upstream := &http.Client{
		Timeout:   15 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	if cfg.Groq.APIKey == "" {
		slog.Warn("Groq API key not set, callers will hear fallback replies")
	}
	responder := policy.NewGroq(cfg.Groq.APIKey,
		policy.WithGroqBaseURL(cfg.Groq.BaseURL),
		policy.WithGroqModel(cfg.Groq.Model),
		policy.WithGroqHTTPClient(upstream),
		policy.WithGroqLogger(logger),
	)
	dialogue := policy.NewConversational(responder, policy.WithLogger(logger))

	speech := tts.NewDeepgramWithClient(cfg.Deepgram.APIKey, cfg.Deepgram.SpeakURL, &http.Client{
		Timeout:   30 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
	listener := stt.NewDeepgram(cfg.Deepgram.APIKey,
		stt.WithListenURL(cfg.Deepgram.ListenURL),
		stt.WithKeepAlive(cfg.Deepgram.KeepAlive),
		stt.WithLogger(logger),
	)

	callCfg := call.DefaultConfig()
	callCfg.Greeting = cfg.Greeting
	callCfg.ContextTurns = cfg.Policy.ContextTurns
	callCfg.QueueSize = cfg.Bridge.QueueSize
	callCfg.FlushTimeout = cfg.Persist.FlushTimeout
	callCfg.Watchdog = watchdog.Config{
		Interval:  cfg.Watchdog.Interval,
		Threshold: cfg.Watchdog.Threshold,
		Logger:    logger,
	}

	deps := call.Deps{
		Ledger:    sessions,
		Directory: repo,
		Committer: committer,
		Hub:       transcripts,
		Policy:    dialogue,
		STT:       listener,
		TTS:       speech,
		Publisher: publisher,
		Registry:  registry,
		Logger:    logger,
	}

	// Initialize handlers.
	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimit.Requests, cfg.RateLimit.Window)
	adminHandler := api.NewHandler(api.Options{
		Sessions:      sessions,
		Calls:         registry,
		Conversations: repo,
		Speech:        speech,
		Limiter:       limiter,
		Logger:        logger,
	})
	hubHandler := hub.NewHandler(transcripts, hub.HandlerOptions{})
	callCtx, cancelCalls := context.WithCancel(context.Background())
	defer cancelCalls()
	callHandler := call.NewHandler(callCtx, deps, callCfg, cfg.Server.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))

	adminHandler.RegisterHealth(r)
	adminHandler.RegisterRoutes(r)
	hubHandler.RegisterRoutes(r)

	// Media websocket.
	callHandler.RegisterRoutes(r)

	// Note: SSE and websocket connections require no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(r, "servoice"),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	retention.Start(ctx, sessions, committer, retention.Options{
		Interval:  cfg.Retention.Interval,
		Retention: cfg.Retention.TTL,
		Logger:    logger,
	})

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Persist.FlushTimeout+10*time.Second)
	defer cancel()

	ended, err := registry.EndAll(shutdownCtx, call.ReasonShutdown)
	if err != nil {
		slog.Error("Some calls did not finalize cleanly", "error", err)
	}
	slog.Info("Live calls finalized", "count", len(ended))
	cancelCalls()
	transcripts.CloseAll("server shutting down")

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
