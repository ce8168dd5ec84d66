package offline

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Handler exposes the queue and connectivity reports over HTTP.
type Handler struct {
	logger    *slog.Logger
	queue     *Queue
	monitor   *Monitor
	validator *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, queue *Queue, monitor *Monitor) *Handler {
	return &Handler{logger: logger, queue: queue, monitor: monitor, validator: validator.New()}
}

// MountRoutes registers offline routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/mutations", h.handleEnqueue)
	r.Get("/mutations", h.handleList)
	r.Post("/mutations/{id}/dismiss", h.handleDismiss)
	r.Post("/devices/{deviceID}/connectivity", h.handleConnectivity)
}

type enqueueRequest struct {
	DeviceID string  `json:"device_id" validate:"required,max=128"`
	Kind     string  `json:"kind" validate:"required,oneof=RESTOCK ADJUST UPDATE IMEI_ADD IMEI_REMOVE"`
	Payload  Payload `json:"payload"`
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return
	}
	if err := h.validator.Struct(req); err != nil {
		fields := map[string]string{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				fields[fieldErr.Field()] = fieldErr.Tag()
			}
		}
		httpx.ValidationProblem(w, fields)
		return
	}
	if actor, ok := shared.ActorFromContext(r.Context()); ok {
		if req.Payload.ActorID == 0 {
			req.Payload.ActorID = actor.ActorID
		}
		if req.Payload.ClientID == 0 {
			req.Payload.ClientID = actor.ClientID
		}
	}
	m, err := h.queue.Enqueue(r.Context(), req.DeviceID, Kind(req.Kind), req.Payload)
	if err != nil {
		h.logger.Warn("offline enqueue rejected", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Invalid Mutation", err.Error())
		return
	}
	httpx.JSON(w, http.StatusCreated, m)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := Filter{DeviceID: q.Get("device_id"), Status: Status(q.Get("status"))}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httpx.ValidationProblem(w, map[string]string{"limit": "must be a non-negative integer"})
			return
		}
		filter.Limit = limit
	}
	list, err := h.queue.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("offline list", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"mutations": list})
}

func (h *Handler) handleDismiss(w http.ResponseWriter, r *http.Request) {
	m, err := h.queue.Dismiss(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, ErrMutationNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case err != nil:
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		httpx.JSON(w, http.StatusOK, m)
	}
}

type connectivityRequest struct {
	Online bool `json:"online"`
}

func (h *Handler) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	var req connectivityRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return
	}
	deviceID := chi.URLParam(r, "deviceID")
	triggered, err := h.monitor.SetOnline(r.Context(), deviceID, req.Online)
	if err != nil {
		h.logger.Error("trigger offline drain", slog.String("device_id", deviceID), slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Drain Not Scheduled", err.Error())
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "online": req.Online, "drain_triggered": triggered})
}
