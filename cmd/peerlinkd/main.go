package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peerlink/internal/core/domain"
	"peerlink/internal/core/ports"
	"peerlink/internal/core/services"
	httphandlers "peerlink/internal/handlers/http"
	"peerlink/internal/infrastructure/discovery"
	"peerlink/internal/infrastructure/distributed"
	"peerlink/internal/infrastructure/middleware"
	"peerlink/internal/infrastructure/monitoring"
	signalinfra "peerlink/internal/infrastructure/signal"
	webrtcinfra "peerlink/internal/infrastructure/webrtc"
	"peerlink/pkg/config"
	"peerlink/pkg/eventloop"
	"peerlink/pkg/logger"
	"peerlink/pkg/tracing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.New("info").Sugar().Fatalw("failed to load configuration", "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar().With("node_id", cfg.Node.ID)

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: "production",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metrics ports.MetricsRecorder = ports.NopMetrics{}
	if cfg.Monitoring.PrometheusEnabled {
		metrics = monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	// Signaling
	var auth *signalinfra.TokenAuth
	if cfg.Signal.AuthSecret != "" {
		auth = signalinfra.NewTokenAuth(cfg.Signal.AuthSecret, cfg.Signal.TokenTTL)
	}
	hub := signalinfra.NewHub(signalinfra.HubConfigFromConfig(cfg), auth, metrics, log)
	if err := hub.Listen(); err != nil {
		log.Fatalw("failed to start signaling listener", "address", cfg.Signal.Address, "error", err)
	}
	log.Infow("signaling listening", "address", hub.Addr().String(), "transport", cfg.Signal.Transport)

	factory, err := webrtcinfra.NewSessionFactory(webrtcinfra.ConfigFromConfig(cfg), log)
	if err != nil {
		log.Fatalw("failed to create session factory", "error", err)
	}

	// Coordinator loop
	loop := eventloop.New(nil, 1024)
	loopErr := make(chan error, 1)
	go func() {
		loopErr <- loop.Run(ctx)
	}()

	coord := services.NewCoordinator(services.CoordinatorConfigFromConfig(cfg), loop, factory, hub, metrics, log)
	coord.Start()
	go drainMessages(coord.Messages(), log)

	health := monitoring.NewHealthChecker()
	health.AddSignalCheck(hub.Addr)
	health.AddCoordinatorCheck(coord, 2*time.Second)

	// Transition publishing
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		health.AddRedisCheck(redisClient, 2*time.Second)

		bus := distributed.NewEventBus(redisClient, cfg.Node.ID, cfg.Redis.Channel, log)
		transitions, unsubscribe := coord.Subscribe(256)
		defer unsubscribe()
		go distributed.Forward(ctx, transitions, bus, log)
		log.Infow("publishing state transitions", "redis", cfg.Redis.Address, "channel", cfg.Redis.Channel)
	}

	// Static discovery
	go func() {
		for desc := range discovery.FromConfig(cfg, log).Peers(ctx) {
			if err := coord.Connect(ctx, desc); err != nil {
				log.Warnw("failed to connect configured peer", "peer_id", desc.ID, "error", err)
			}
		}
	}()

	// Control API
	var srv *http.Server
	serverErr := make(chan error, 1)
	if cfg.API.Enabled {
		if cfg.Logging.Level != "debug" {
			gin.SetMode(gin.ReleaseMode)
		}

		var apiAuth middleware.Authorizer
		if auth != nil {
			apiAuth = auth
		}
		handler := httphandlers.NewPeerHandler(coord, health, log)
		srv = &http.Server{
			Addr:              cfg.API.Address,
			Handler:           httphandlers.NewRouter(cfg, handler, apiAuth, log),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infow("control API listening", "address", cfg.API.Address)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Errorw("control API failed", "error", err)
	case err := <-loopErr:
		log.Errorw("coordinator loop stopped", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("error during API shutdown", "error", err)
		}
	}
	if err := coord.Release(shutdownCtx); err != nil {
		log.Errorw("error releasing coordinator", "error", err)
	}
	cancel()
	loop.Close()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.Errorw("error closing redis client", "error", err)
		}
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error shutting down tracer", "error", err)
	}

	log.Info("peerlink stopped")
}

// loadConfig uses the explicit path when given, otherwise the first of the
// usual locations that exists. With no file the defaults apply.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	for _, p := range []string{
		"configs/config.yaml",
		"/etc/peerlink/config.yaml",
		"config.yaml",
	} {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}
	return config.Load("")
}

func drainMessages(messages <-chan domain.PeerMessage, log *zap.SugaredLogger) {
	for msg := range messages {
		log.Debugw("payload received", "peer_id", msg.PeerID, "bytes", len(msg.Data))
	}
}
