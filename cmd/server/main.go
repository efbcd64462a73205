package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"iot-counter-backend/internal/api"
	"iot-counter-backend/internal/database"
	"iot-counter-backend/internal/locker"
	"iot-counter-backend/internal/metrics"
	"iot-counter-backend/internal/mqtt"
	"iot-counter-backend/internal/services"
	"iot-counter-backend/pkg/config"
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting counter tracking backend...")

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}
	loc, err := cfg.Location()
	if err != nil {
		logger.WithError(err).Fatal("Invalid timezone")
	}

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	// === Initialize ClickHouse (counter telemetry) ===
	telemetry, err := database.NewClickHouseDB(ctx, database.ClickHouseConfig{
		Addr:     cfg.ClickHouseAddr,
		Database: cfg.ClickHouseDB,
		Username: cfg.ClickHouseUser,
		Password: cfg.ClickHousePass,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize ClickHouse")
	}
	defer telemetry.Close()

	// === Initialize MySQL (devices, batches, reset log) ===
	gormDB, err := database.ConnectMySQLWithRetry(ctx, database.MySQLConfig{
		DSN:             cfg.MySQLDSN(),
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to MySQL")
	}
	if err := database.AutoMigrate(gormDB); err != nil {
		logger.WithError(err).Fatal("Failed to migrate MySQL tables")
	}
	store := database.NewStore(gormDB)
	defer func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	// === Device lock ===
	var deviceLocker locker.DeviceLocker = locker.NoopLocker{}
	if cfg.RedisEnabled() {
		rdb, err := locker.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, distributed device lock disabled")
		} else {
			defer rdb.Close()
			deviceLocker = locker.NewRedisLocker(rdb, cfg.DeviceLockTTL, cfg.DeviceLockTTL, logger)
			logger.WithField("addr", cfg.RedisAddr).Info("Distributed device lock enabled")
		}
	}

	// === Initialize MQTT ===
	mqttClient := mqtt.NewClient(mqtt.ClientConfig{
		Broker:         cfg.MQTTBroker,
		ClientID:       cfg.MQTTClientID,
		Username:       cfg.MQTTUsername,
		Password:       cfg.MQTTPassword,
		ConnectTimeout: cfg.MQTTConnectWait,
	}, logger)
	mqttClient.OnConnectionChange(m.SetMQTTConnected)

	connectCtx, cancelConnect := context.WithTimeout(ctx, cfg.MQTTConnectWait)
	if err := mqttClient.Connect(connectCtx); err != nil {
		// Auto-reconnect keeps trying; resets report transport unavailable meanwhile
		logger.WithError(err).Warn("MQTT broker not reachable yet")
	}
	cancelConnect()
	defer mqttClient.Close()

	topics := mqtt.Topics{
		Namespace:    cfg.MQTTNamespace,
		Class:        cfg.MQTTCommandClass,
		Verb:         cfg.MQTTCommandVerb,
		ResponseVerb: cfg.MQTTResponseVerb,
	}
	qos := byte(cfg.MQTTQoS)
	publisher := mqtt.NewPublisher(mqttClient, mqtt.PublisherConfig{Topics: topics, QoS: qos}, logger)

	var awaiter services.ResponseAwaiter
	if cfg.ConfirmResponses {
		correlator := mqtt.NewCorrelator()
		subscriber := mqtt.NewResponseSubscriber(mqttClient, topics, qos, correlator, logger)
		subCtx, cancelSub := context.WithTimeout(ctx, cfg.MQTTConnectWait)
		if err := subscriber.Subscribe(subCtx); err != nil {
			logger.WithError(err).Warn("Response subscription deferred until reconnect")
		}
		cancelSub()
		awaiter = correlator
	}

	// === Services ===
	actors := services.NewActorRegistry(deviceLocker, logger)
	defer actors.Close()

	resetService := services.NewResetService(store, store, telemetry, publisher, awaiter, services.ResetServiceConfig{
		PublishTimeout:   cfg.PublishTimeout,
		ResponseTimeout:  cfg.ResponseTimeout,
		ConfirmResponses: cfg.ConfirmResponses,
	}, m, logger)
	batchManager := services.NewBatchManager(store, store, store, telemetry, resetService, actors, m, logger)
	calculator := services.NewProductionCalculator(store, store, telemetry, loc, m, logger)
	pilotService := services.NewPilotService(store, actors, logger)

	scheduler := services.NewResetScheduler(store, batchManager, services.SchedulerConfig{
		Tick:      cfg.SchedulerTick,
		Tolerance: cfg.SchedulerTolerance,
		Location:  loc,
	}, m, logger)
	reconciler := services.NewStartReconciler(store, batchManager, cfg.ReconcileInterval, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scheduler.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		reconciler.Start(ctx)
	}()

	// === Admin HTTP ===
	gin.SetMode(cfg.GinMode)
	if err := api.RegisterValidators(); err != nil {
		logger.WithError(err).Fatal("Failed to register request validators")
	}
	handler := api.NewHandler(pilotService, batchManager, resetService, calculator, publisher, loc, logger)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(handler, api.RouterOptions{
			Metrics:        m.Handler(),
			AllowedOrigins: cfg.CORSAllowedOrigins,
		}, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	logger.WithFields(logrus.Fields{
		"http_addr":         cfg.HTTPAddr,
		"command_topic":     topics.Namespace + "/{device_id}/" + topics.Class + "/" + topics.Verb,
		"confirm_responses": cfg.ConfirmResponses,
		"timezone":          loc.String(),
	}).Info("=== Counter tracking backend is running ===")

	// Block until shutdown or server error
	select {
	case <-ctx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server stopped unexpectedly")
		}
		stop()
	}

	logger.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP graceful shutdown failed")
	}

	wg.Wait()
	logger.Info("Shutdown complete")
}
