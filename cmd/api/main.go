package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/reserveja/backend/internal/api/router"
	"github.com/reserveja/backend/internal/appointments"
	appconfig "github.com/reserveja/backend/internal/config"
	"github.com/reserveja/backend/internal/observability/metrics"
	"github.com/reserveja/backend/internal/templates"
	"github.com/reserveja/backend/internal/whatsapp"
	"github.com/reserveja/backend/internal/whatsapp/bridge"
	"github.com/reserveja/backend/pkg/logging"
)

func main() {
	// Load .env in development; ignored when the file is absent.
	_ = godotenv.Load()

	cfg := appconfig.Load()

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting reserveja API server",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		logger.Error("failed to reach database", "error", err)
		os.Exit(1)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, message log disabled", "error", err)
			redisClient = nil
		}
	}

	gatewayMetrics := metrics.NewGatewayMetrics(nil)

	connectionStore := whatsapp.NewConnectionStore(pool)
	appointmentRepo := appointments.NewRepository(pool)
	templateRepo := templates.NewRepository(pool)
	messageLog := whatsapp.NewMessageLog(redisClient)
	dispatcher := whatsapp.NewDispatcher(logger, gatewayMetrics)
	bridgeClient := bridge.NewClient(cfg.WhatsAppBridgeURL, bridge.WithLogger(logger))

	registry := whatsapp.NewRegistry(whatsapp.RegistryConfig{
		Dial:               whatsapp.BridgeDialer(bridgeClient),
		Store:              connectionStore,
		Dispatcher:         dispatcher,
		MessageLog:         messageLog,
		Metrics:            gatewayMetrics,
		Logger:             logger,
		WebhookIngressURL:  cfg.WebhookIngressURL(),
		PairingWaitTimeout: cfg.WhatsAppConnectTimeout,
	})

	service := whatsapp.NewService(whatsapp.ServiceConfig{
		Registry:     registry,
		Store:        connectionStore,
		Appointments: appointmentRepo,
		Templates:    templateRepo,
		MessageLog:   messageLog,
		Metrics:      gatewayMetrics,
		Logger:       logger,
		DefaultDDD:   cfg.WhatsAppDefaultDDD,
	})

	r := router.New(&router.Config{
		Logger:             logger,
		WhatsAppHandler:    whatsapp.NewHandler(service, logger),
		MetricsHandler:     promhttp.Handler(),
		CompanyJWTSecret:   cfg.CompanyJWTSecret,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
	})

	// Reopen previously paired sessions in the background.
	registry.ReconcileOnStartup(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	registry.Shutdown(shutdownCtx)
	if redisClient != nil {
		_ = redisClient.Close()
	}

	logger.Info("server stopped")
}
