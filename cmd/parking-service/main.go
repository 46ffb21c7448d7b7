package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"parking-service/internal/barrier"
	"parking-service/internal/config"
	"parking-service/internal/db"
	"parking-service/internal/detectionlog"
	httphandler "parking-service/internal/http"
	"parking-service/internal/logger"
	"parking-service/internal/metrics"
	"parking-service/internal/recognizer"
	"parking-service/internal/relay"
	"parking-service/internal/repository"
	"parking-service/internal/service"
	"parking-service/internal/storage"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a config file (yaml, toml or json)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}

	appLogger := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err := run(cfg, appLogger); err != nil {
		appLogger.Error().Err(err).Msg("parking service stopped")
		os.Exit(1)
	}
}

// run owns every resource it opens, so deferred closes run on all paths.
func run(cfg *config.Config, appLogger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, appLogger)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	images, err := storage.OpenBadger(cfg.Detections.ImagesDir, cfg.Detections.InMemory, appLogger)
	if err != nil {
		return fmt.Errorf("open image store: %w", err)
	}
	defer images.Close()

	frames, err := relay.New(relay.Config{
		StaleAfter: cfg.Relay.StaleAfter,
		Pace:       cfg.Relay.Pace,
		SpoolDir:   cfg.Relay.SpoolDir,
	}, appLogger)
	if err != nil {
		return fmt.Errorf("create frame relay: %w", err)
	}

	m := metrics.New()
	detections := detectionlog.New(cfg.Detections.Capacity, images, appLogger)
	hub := httphandler.NewHub(m, appLogger)
	defer hub.Close()

	opts := []service.Option{
		service.WithImageStore(images),
		service.WithNotifier(hub),
		service.WithMetrics(m),
	}
	var gateStats httphandler.BarrierStats
	if cfg.Barrier.Broker != "" {
		signaler, err := barrier.Connect(barrier.Config{
			Broker:   cfg.Barrier.Broker,
			Topic:    cfg.Barrier.Topic,
			ClientID: cfg.Barrier.ClientID,
			Timeout:  cfg.Barrier.Timeout,
		}, appLogger)
		if err != nil {
			return fmt.Errorf("connect barrier broker: %w", err)
		}
		defer signaler.Close()
		opts = append(opts, service.WithBarrier(signaler))
		gateStats = signaler
	} else {
		appLogger.Warn().Msg("barrier broker not configured, gate commands are dropped")
	}

	sessions := service.NewSessionService(store, detections, appLogger, opts...)

	deps := httphandler.Deps{
		Sessions:   sessions,
		Detections: detections,
		Relay:      frames,
		Images:     images,
		Barrier:    gateStats,
		Hub:        hub,
		Metrics:    m,
	}
	if cfg.Recognizer.Enabled {
		rek, err := recognizer.NewRekognition(ctx, cfg.Recognizer.Region, appLogger)
		if err != nil {
			return fmt.Errorf("create plate recognizer: %w", err)
		}
		deps.Recognizer = rek
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), httphandler.RequestLogger(appLogger))

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization")
	if len(cfg.HTTP.CORSOrigins) == 0 || (len(cfg.HTTP.CORSOrigins) == 1 && cfg.HTTP.CORSOrigins[0] == "*") {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = cfg.HTTP.CORSOrigins
	}
	router.Use(cors.New(corsCfg))

	if cfg.Auth.JWTSecret == "" {
		appLogger.Warn().Msg("auth.jwt_secret is empty, operator endpoints are unauthenticated")
	}
	handler := httphandler.NewHandler(deps, cfg, appLogger)
	handler.Register(router, httphandler.OperatorAuth(cfg.Auth.JWTSecret))

	// Cancelled on shutdown so open MJPEG streams end.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	srv := &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     router,
		BaseContext: func(net.Listener) context.Context { return baseCtx },
	}

	serveErr := make(chan error, 1)
	go func() {
		appLogger.Info().
			Str("addr", cfg.HTTP.Addr).
			Str("database", cfg.Database.Driver).
			Msg("parking service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		appLogger.Info().Msg("shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	cancelRequests()
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn().Err(err).Msg("forced shutdown, open streams were cut")
		srv.Close()
	}
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (repository.SessionStore, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn().Msg("using in-memory session store, sessions are lost on restart")
		return repository.NewMemoryStore(), nil
	}

	gdb, err := db.Open(ctx, cfg.Database, log)
	if err != nil {
		return nil, err
	}
	return repository.NewSessionRepository(gdb), nil
}
