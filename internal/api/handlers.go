package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"iot-counter-backend/internal/errs"
	"iot-counter-backend/internal/models"
	"iot-counter-backend/internal/services"
)

// PilotAPI is the administrative device surface
type PilotAPI interface {
	RegisterDevice(ctx context.Context, deviceID, name string, ch models.Channel) (*models.Device, error)
	Enable(ctx context.Context, deviceID string, settings services.PilotSettings) (*models.PilotStatus, error)
	Disable(ctx context.Context, deviceID string) (*models.PilotStatus, error)
	SetDailyResetTime(ctx context.Context, deviceID string, clock *string) (*models.PilotStatus, error)
	GetPilot(ctx context.Context, deviceID string) (*models.PilotStatus, error)
	ListDevices(ctx context.Context) ([]services.DeviceView, error)
}

// BatchAPI is the batch lifecycle surface
type BatchAPI interface {
	StartBatch(ctx context.Context, deviceID, name string, resetCounter bool) (*models.Batch, error)
	StopBatch(ctx context.Context, deviceID, reason string) (*models.Batch, bool, error)
	GetBatch(ctx context.Context, batchID string) (*models.Batch, error)
	ActiveBatch(ctx context.Context, deviceID string) (*models.Batch, error)
	ListBatches(ctx context.Context, deviceID string, limit int) ([]models.Batch, error)
	CalculateProduction(ctx context.Context, batchID string) (uint64, error)
	ReconcileStart(ctx context.Context, batchID string) (*models.Batch, services.ReconcileOutcome, error)
	Reset(ctx context.Context, deviceID string, reason models.ResetReason, notes string) (*models.ResetLogEntry, error)
}

// ResetHistory lists reset attempts
type ResetHistory interface {
	History(ctx context.Context, deviceID string, limit int) ([]models.ResetLogEntry, error)
}

// ProductionAPI computes period production
type ProductionAPI interface {
	CalculatePeriod(ctx context.Context, deviceID string, from, to time.Time) (*services.ProductionResult, error)
	CalculateDay(ctx context.Context, deviceID string, date time.Time) (*services.ProductionResult, error)
}

// ConnectionState reports the command bus connection
type ConnectionState interface {
	IsConnected() bool
}

// Handler serves the admin endpoints
type Handler struct {
	pilots     PilotAPI
	batches    BatchAPI
	resets     ResetHistory
	production ProductionAPI
	transport  ConnectionState
	location   *time.Location
	logger     *logrus.Entry
}

// NewHandler creates the admin handler. loc is used to parse ?date=
func NewHandler(pilots PilotAPI, batches BatchAPI, resets ResetHistory, production ProductionAPI, transport ConnectionState, loc *time.Location, logger logrus.FieldLogger) *Handler {
	if loc == nil {
		loc = time.Local
	}
	return &Handler{
		pilots:     pilots,
		batches:    batches,
		resets:     resets,
		production: production,
		transport:  transport,
		location:   loc,
		logger:     logger.WithField("component", "admin_api"),
	}
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type registerDeviceRequest struct {
	Name    string `json:"name" binding:"max=128"`
	Channel int    `json:"channel" binding:"required,min=1,max=4"`
}

type enablePilotRequest struct {
	ResetBased        bool    `json:"reset_based"`
	BatchResetEnabled bool    `json:"batch_reset_enabled"`
	DailyResetTime    *string `json:"daily_reset_time" binding:"omitempty,clock"`
}

type resetTimeRequest struct {
	DailyResetTime *string `json:"daily_reset_time" binding:"omitempty,clock"`
}

type resetRequest struct {
	Reason string `json:"reason" binding:"required,oneof=manual maintenance"`
	Notes  string `json:"notes" binding:"max=1024"`
}

type startBatchRequest struct {
	Name         string `json:"name" binding:"required,max=128"`
	ResetCounter bool   `json:"reset_counter"`
}

type stopBatchRequest struct {
	Reason string `json:"reason" binding:"max=128"`
}

type resetResponse struct {
	ResetLogID uint                  `json:"reset_log_id"`
	Success    bool                  `json:"success"`
	Entry      *models.ResetLogEntry `json:"entry"`
	Error      string                `json:"error,omitempty"`
}

// Healthz reports liveness and the command bus state
func (h *Handler) Healthz(c *gin.Context) {
	connected := h.transport != nil && h.transport.IsConnected()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "mqtt_connected": connected})
}

func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.pilots.ListDevices(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (h *Handler) RegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if !h.bind(c, &req) {
		return
	}
	device, err := h.pilots.RegisterDevice(c.Request.Context(), c.Param("id"), req.Name, models.Channel(req.Channel))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

func (h *Handler) GetPilot(c *gin.Context) {
	pilot, err := h.pilots.GetPilot(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pilot)
}

func (h *Handler) EnablePilot(c *gin.Context) {
	var req enablePilotRequest
	if !h.bind(c, &req) {
		return
	}
	pilot, err := h.pilots.Enable(c.Request.Context(), c.Param("id"), services.PilotSettings{
		ResetBased:        req.ResetBased,
		BatchResetEnabled: req.BatchResetEnabled,
		DailyResetTime:    req.DailyResetTime,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pilot)
}

func (h *Handler) DisablePilot(c *gin.Context) {
	pilot, err := h.pilots.Disable(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pilot)
}

func (h *Handler) SetResetTime(c *gin.Context) {
	var req resetTimeRequest
	if !h.bind(c, &req) {
		return
	}
	pilot, err := h.pilots.SetDailyResetTime(c.Request.Context(), c.Param("id"), req.DailyResetTime)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pilot)
}

// Reset always answers with the reset log entry when one was written,
// even if the command could not be sent.
func (h *Handler) Reset(c *gin.Context) {
	var req resetRequest
	if !h.bind(c, &req) {
		return
	}
	entry, err := h.batches.Reset(c.Request.Context(), c.Param("id"), models.ResetReason(req.Reason), req.Notes)
	if entry == nil {
		h.fail(c, err)
		return
	}

	resp := resetResponse{ResetLogID: entry.ID, Success: entry.Success, Entry: entry}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		status = statusFor(err)
		_ = c.Error(err)
	}
	c.JSON(status, resp)
}

func (h *Handler) ListResets(c *gin.Context) {
	entries, err := h.resets.History(c.Request.Context(), c.Param("id"), listLimit(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resets": entries})
}

func (h *Handler) StartBatch(c *gin.Context) {
	var req startBatchRequest
	if !h.bind(c, &req) {
		return
	}
	batch, err := h.batches.StartBatch(c.Request.Context(), c.Param("id"), req.Name, req.ResetCounter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, batch)
}

func (h *Handler) StopBatch(c *gin.Context) {
	var req stopBatchRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	batch, found, err := h.batches.StopBatch(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	if !found {
		c.JSON(http.StatusOK, gin.H{"found": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"found": true, "batch": batch})
}

func (h *Handler) ListBatches(c *gin.Context) {
	batches, err := h.batches.ListBatches(c.Request.Context(), c.Param("id"), listLimit(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": batches})
}

func (h *Handler) ActiveBatch(c *gin.Context) {
	batch, err := h.batches.ActiveBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (h *Handler) GetBatch(c *gin.Context) {
	batch, err := h.batches.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (h *Handler) BatchProduction(c *gin.Context) {
	batchID := c.Param("id")
	qty, err := h.batches.CalculateProduction(c.Request.Context(), batchID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batch_id": batchID, "quantity": qty})
}

func (h *Handler) ReconcileBatch(c *gin.Context) {
	batch, outcome, err := h.batches.ReconcileStart(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcome": outcome, "batch": batch})
}

// DeviceProduction accepts ?date=YYYY-MM-DD or ?from=&to= in RFC3339
func (h *Handler) DeviceProduction(c *gin.Context) {
	ctx := c.Request.Context()
	deviceID := c.Param("id")

	if date := c.Query("date"); date != "" {
		day, err := time.ParseInLocation("2006-01-02", date, h.location)
		if err != nil {
			h.fail(c, errs.Invalid("date must be YYYY-MM-DD"))
			return
		}
		result, err := h.production.CalculateDay(ctx, deviceID, day)
		if err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
		return
	}

	from, err := time.Parse(time.RFC3339, c.Query("from"))
	if err != nil {
		h.fail(c, errs.Invalid("from must be RFC3339"))
		return
	}
	to, err := time.Parse(time.RFC3339, c.Query("to"))
	if err != nil {
		h.fail(c, errs.Invalid("to must be RFC3339"))
		return
	}
	result, err := h.production.CalculatePeriod(ctx, deviceID, from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		h.fail(c, errs.Invalid("invalid request: %v", err))
		return false
	}
	return true
}

func (h *Handler) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrInvalidChannel), errors.Is(err, errs.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrInconsistentState):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func listLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
