package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bissquit/webhook-garden/internal/domain"
	"github.com/bissquit/webhook-garden/internal/pkg/ctxlog"
	"github.com/bissquit/webhook-garden/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

// Request limits.
const (
	maxPayloadBytes    = 1 << 20
	maxSimulationBatch = 100
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrItemNotFound, Status: http.StatusNotFound, Message: "queue item not found"},
	{Error: ErrSourceRequired, Status: http.StatusBadRequest},
	{Error: ErrInvalidPayload, Status: http.StatusBadRequest},
	{Error: ErrInvalidPriority, Status: http.StatusBadRequest},
	{Error: ErrFieldTooLong, Status: http.StatusBadRequest},
	{Error: ErrInvalidPeriod, Status: http.StatusBadRequest},
}

// Handler handles HTTP requests for webhook ingestion and queue administration.
type Handler struct {
	service   *Service
	processor *Processor
	stats     *Stats
	validator *validator.Validate
}

// NewHandler creates a new webhooks handler.
func NewHandler(service *Service, processor *Processor, stats *Stats) *Handler {
	return &Handler{
		service:   service,
		processor: processor,
		stats:     stats,
		validator: validator.New(),
	}
}

// RegisterIngestRoutes registers the public provider callback route.
func (h *Handler) RegisterIngestRoutes(r chi.Router) {
	r.Post("/webhooks/{source}", h.Ingest)
}

// RegisterReadRoutes registers read-only queue routes (viewer role).
func (h *Handler) RegisterReadRoutes(r chi.Router) {
	r.Get("/stats", h.GetStats)
	r.Get("/stats/sources", h.GetSourceStats)
	r.Get("/stats/performance", h.GetPerformance)
	r.Get("/pending", h.ListPending)
	r.Get("/pending/count", h.CountPending)
	r.Get("/channels/{id}/pending", h.ListChannelPending)
	r.Get("/problematic", h.ListProblematic)
	r.Get("/items/{id}", h.GetItem)
	r.Get("/processor", h.GetProcessor)
}

// RegisterOperatorRoutes registers queue control routes (operator role).
func (h *Handler) RegisterOperatorRoutes(r chi.Router) {
	r.Post("/processor/start", h.StartProcessor)
	r.Post("/processor/stop", h.StopProcessor)
	r.Post("/rebalance", h.Rebalance)
	r.Post("/cleanup", h.Cleanup)
	r.Post("/simulate", h.Simulate)
	r.Post("/simulate/batch", h.SimulateBatch)
}

// StartProcessorRequest represents request body for starting the processor.
type StartProcessorRequest struct {
	IntervalMs int `json:"interval_ms" validate:"omitempty,min=100,max=3600000"`
}

// CleanupRequest represents request body for a manual cleanup run.
type CleanupRequest struct {
	MaxAgeDays int `json:"max_age_days" validate:"omitempty,min=1,max=3650"`
}

// SimulateRequest represents request body for enqueueing a synthetic webhook.
type SimulateRequest struct {
	Source    string          `json:"source" validate:"required,max=64"`
	Payload   json.RawMessage `json:"payload"`
	ChannelID *string         `json:"channel_id" validate:"omitempty,max=255"`
	Priority  *int            `json:"priority" validate:"omitempty,min=0"`
	Tags      []string        `json:"tags" validate:"omitempty,dive,min=1,max=64"`
}

// SimulateBatchRequest represents request body for enqueueing a batch of synthetic webhooks.
type SimulateBatchRequest struct {
	Source  string          `json:"source" validate:"required,max=64"`
	Count   int             `json:"count" validate:"required,min=1,max=100"`
	Payload json.RawMessage `json:"payload"`
}

// StatsResponse is the live processing view.
type StatsResponse struct {
	Running bool            `json:"running"`
	Stats   ProcessingStats `json:"stats"`
	Queue   *QueueCounts    `json:"queue"`
}

// BatchResponse is returned by batch simulation.
type BatchResponse struct {
	BatchID string      `json:"batch_id"`
	Items   interface{} `json:"items"`
}

// Ingest handles POST /webhooks/{source}.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		httputil.Error(w, http.StatusBadRequest, "failed to read body")
		return
	}

	query := r.URL.Query()
	opts := EnqueueOptions{Tags: query["tag"]}
	if channelID := query.Get("channel_id"); channelID != "" {
		opts.ChannelID = &channelID
	}

	item, err := h.service.Enqueue(r.Context(), chi.URLParam(r, "source"), payload, opts)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, item)
}

// GetStats handles GET /stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.service.QueueCounts(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, StatsResponse{
		Running: h.processor.IsRunning(),
		Stats:   h.stats.Snapshot(),
		Queue:   counts,
	})
}

// GetSourceStats handles GET /stats/sources.
func (h *Handler) GetSourceStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.QueueStatsBySource(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// GetPerformance handles GET /stats/performance.
func (h *Handler) GetPerformance(w http.ResponseWriter, r *http.Request) {
	period, err := ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	perf, err := h.service.PerformanceMetrics(r.Context(), period)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, perf)
}

// ListPending handles GET /pending.
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	filter := PendingFilter{
		Tags:    query["tag"],
		BatchID: query.Get("batch_id"),
	}
	if source := query.Get("source"); source != "" {
		filter.Source = domain.ParseSource(source)
	}

	items, err := h.service.PendingItems(r.Context(), limit, filter)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, items)
}

// CountPending handles GET /pending/count.
func (h *Handler) CountPending(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.CountPending(r.Context(), r.URL.Query().Get("source"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]int{"count": count})
}

// ListChannelPending handles GET /channels/{id}/pending.
func (h *Handler) ListChannelPending(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	items, err := h.service.PendingItemsByChannel(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, items)
}

// ListProblematic handles GET /problematic.
func (h *Handler) ListProblematic(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	items, err := h.service.ProblematicItems(r.Context(), limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, items)
}

// GetItem handles GET /items/{id}.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, item)
}

// GetProcessor handles GET /processor.
func (h *Handler) GetProcessor(w http.ResponseWriter, _ *http.Request) {
	httputil.Success(w, http.StatusOK, map[string]bool{"running": h.processor.IsRunning()})
}

// StartProcessor handles POST /processor/start.
func (h *Handler) StartProcessor(w http.ResponseWriter, r *http.Request) {
	var req StartProcessorRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httputil.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	// The loop must outlive the request.
	h.processor.Start(context.WithoutCancel(r.Context()), time.Duration(req.IntervalMs)*time.Millisecond)
	logOperatorAction(r, "processor start", "interval_ms", req.IntervalMs)
	httputil.Success(w, http.StatusOK, map[string]bool{"running": h.processor.IsRunning()})
}

// StopProcessor handles POST /processor/stop.
func (h *Handler) StopProcessor(w http.ResponseWriter, r *http.Request) {
	h.processor.Stop()
	logOperatorAction(r, "processor stop")
	httputil.Success(w, http.StatusOK, map[string]bool{"running": h.processor.IsRunning()})
}

// Rebalance handles POST /rebalance.
func (h *Handler) Rebalance(w http.ResponseWriter, r *http.Request) {
	touched, err := h.service.Rebalance(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	logOperatorAction(r, "rebalance", "updated", touched)
	httputil.Success(w, http.StatusOK, map[string]int64{"updated": touched})
}

// Cleanup handles POST /cleanup.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httputil.Error(w, http.StatusBadRequest, "invalid json")
			return
		}
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	deleted, err := h.service.Cleanup(r.Context(), req.MaxAgeDays)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	logOperatorAction(r, "cleanup", "deleted", deleted)
	httputil.Success(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// Simulate handles POST /simulate.
func (h *Handler) Simulate(w http.ResponseWriter, r *http.Request) {
	var req SimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	payload := req.Payload
	if isNullPayload(payload) {
		payload = syntheticPayload(req.Source, 0)
	}

	item, err := h.service.Enqueue(r.Context(), req.Source, payload, EnqueueOptions{
		ChannelID: req.ChannelID,
		Priority:  req.Priority,
		Tags:      append([]string{"simulated"}, req.Tags...),
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, item)
}

// SimulateBatch handles POST /simulate/batch.
func (h *Handler) SimulateBatch(w http.ResponseWriter, r *http.Request) {
	var req SimulateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	payloads := make([]json.RawMessage, 0, req.Count)
	for i := 0; i < req.Count && i < maxSimulationBatch; i++ {
		if !isNullPayload(req.Payload) {
			payloads = append(payloads, req.Payload)
			continue
		}
		payloads = append(payloads, syntheticPayload(req.Source, i))
	}

	items, err := h.service.EnqueueBatch(r.Context(), req.Source, payloads, EnqueueOptions{
		Tags: []string{"simulated"},
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, BatchResponse{
		BatchID: *items[0].BatchID,
		Items:   items,
	})
}

func logOperatorAction(r *http.Request, action string, args ...any) {
	if p, ok := httputil.PrincipalFromContext(r.Context()); ok {
		args = append(args, "role", p.Role)
	}
	ctxlog.FromContext(r.Context()).Info("operator action: "+action, args...)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		httputil.Error(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return limit, true
}

func syntheticPayload(source string, sequence int) json.RawMessage {
	payload, _ := json.Marshal(struct {
		Simulated bool   `json:"simulated"`
		Source    string `json:"source"`
		Sequence  int    `json:"sequence"`
	}{true, strings.TrimSpace(source), sequence})
	return payload
}
