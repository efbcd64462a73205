package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"iot-counter-backend/internal/models"
)

var (
	registerValidators    sync.Once
	registerValidatorsErr error
)

// RegisterValidators installs the custom binding rules on gin's validator.
// Request bodies tagged with an unregistered rule fail every bind, so the
// error is fatal for the server.
func RegisterValidators() error {
	registerValidators.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			registerValidatorsErr = fmt.Errorf("unexpected binding validator engine %T", binding.Validator.Engine())
			return
		}
		if err := v.RegisterValidation("clock", validateClock); err != nil {
			registerValidatorsErr = fmt.Errorf("failed to register clock validation: %w", err)
		}
	})
	return registerValidatorsErr
}

// validateClock accepts wall-clock "HH:MM"
func validateClock(fl validator.FieldLevel) bool {
	_, _, err := models.ParseClock(fl.Field().String())
	return err == nil
}

// RouterOptions carries the optional parts of the admin router
type RouterOptions struct {
	Metrics        http.Handler // nil disables /metrics
	AllowedOrigins []string     // empty allows every origin
}

// NewRouter builds the admin router
func NewRouter(h *Handler, opts RouterOptions, logger *logrus.Logger) *gin.Engine {
	if err := RegisterValidators(); err != nil {
		logger.WithError(err).Error("Custom request validation unavailable")
	}

	r := gin.New()
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())
	r.Use(cors.New(corsConfig(opts.AllowedOrigins)))

	r.GET("/healthz", h.Healthz)
	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	devices := r.Group("/devices")
	{
		devices.GET("", h.ListDevices)
		devices.PUT("/:id", h.RegisterDevice)

		devices.GET("/:id/pilot", h.GetPilot)
		devices.POST("/:id/pilot/enable", h.EnablePilot)
		devices.POST("/:id/pilot/disable", h.DisablePilot)
		devices.PUT("/:id/pilot/reset-time", h.SetResetTime)

		devices.POST("/:id/reset", h.Reset)
		devices.GET("/:id/resets", h.ListResets)

		devices.POST("/:id/batches", h.StartBatch)
		devices.POST("/:id/batches/stop", h.StopBatch)
		devices.GET("/:id/batches", h.ListBatches)
		devices.GET("/:id/batches/active", h.ActiveBatch)

		devices.GET("/:id/production", h.DeviceProduction)
	}

	batches := r.Group("/batches")
	{
		batches.GET("/:id", h.GetBatch)
		batches.GET("/:id/production", h.BatchProduction)
		batches.POST("/:id/reconcile", h.ReconcileBatch)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AddAllowMethods("GET", "POST", "PUT", "OPTIONS")
	cfg.AddAllowHeaders("Origin", "Content-Type", "Authorization")
	cfg.AddExposeHeaders("Content-Length")
	return cfg
}

// requestLogger logs each request once it completes; handler errors are attached
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"component": "admin_api",
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
		})
		if len(c.Errors) > 0 {
			entry.Warn(c.Errors.String())
			return
		}
		entry.Debug("Request served")
	}
}
