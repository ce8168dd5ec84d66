package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Handler wires HTTP endpoints for the ledger.
type Handler struct {
	logger    *slog.Logger
	engine    *Engine
	validator *validator.Validate
	reads     singleflight.Group
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, engine *Engine) *Handler {
	return &Handler{logger: logger, engine: engine, validator: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/movements", h.handleMovement)
	r.Post("/batches", h.handleBatch)
	r.Get("/aggregates/{warehouseID}/{productID}", h.handleAggregate)
	r.Get("/aggregates/{warehouseID}/{productID}/reconstruct", h.handleReconstruct)
	r.Get("/warehouses/{warehouseID}/totals", h.handleTotals)
	r.Get("/ledger", h.handleLedger)
	r.Get("/references/{ref}", h.handleReference)
	r.Get("/serials", h.handleSerials)
	r.Get("/serials/{warehouseID}/{serial}", h.handleSerial)
}

type movementRequest struct {
	WarehouseID            int64    `json:"warehouse_id" validate:"required,gt=0"`
	ProductID              int64    `json:"product_id" validate:"required,gt=0"`
	Type                   string   `json:"type" validate:"required,oneof=IN OUT ADJUST TRANSFER"`
	Subtype                string   `json:"subtype" validate:"omitempty,oneof=STANDARD RETURN_FROM_CLIENT RETURN_TO_SUPPLIER LOSS DAMAGE"`
	Quantity               int64    `json:"quantity"`
	Serials                []string `json:"serials" validate:"omitempty,dive,required,max=64"`
	Condition              string   `json:"condition" validate:"omitempty,oneof=GOOD DAMAGED EXPIRED"`
	ClientID               int64    `json:"client_id" validate:"gte=0"`
	Notes                  string   `json:"notes" validate:"max=500"`
	DestinationWarehouseID int64    `json:"destination_warehouse_id" validate:"gte=0"`
	TargetAvailable        *int64   `json:"target_available" validate:"omitempty,gte=0"`
	ReferenceType          string   `json:"reference_type" validate:"max=64"`
	ReferenceID            string   `json:"reference_id" validate:"max=128"`
}

type batchRequest struct {
	ReferenceType string            `json:"reference_type" validate:"max=64"`
	ReferenceID   string            `json:"reference_id" validate:"max=128"`
	Movements     []movementRequest `json:"movements" validate:"required,min=1,max=200,dive"`
}

func (m movementRequest) toInput(actor shared.Actor) MovementInput {
	clientID := m.ClientID
	if clientID == 0 {
		clientID = actor.ClientID
	}
	return MovementInput{
		WarehouseID:            m.WarehouseID,
		ProductID:              m.ProductID,
		Type:                   MovementType(m.Type),
		Subtype:                Subtype(m.Subtype),
		Quantity:               m.Quantity,
		Serials:                m.Serials,
		Condition:              Condition(m.Condition),
		ClientID:               clientID,
		Notes:                  m.Notes,
		ActorID:                actor.ActorID,
		DestinationWarehouseID: m.DestinationWarehouseID,
		TargetAvailable:        m.TargetAvailable,
		ReferenceType:          m.ReferenceType,
		ReferenceID:            m.ReferenceID,
	}
}

func (h *Handler) handleMovement(w http.ResponseWriter, r *http.Request) {
	var req movementRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	in := req.toInput(actor)
	in.IdempotencyKey = r.Header.Get("Idempotency-Key")
	posting, err := h.engine.ApplyMovement(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondPosting(w, posting)
}

func (h *Handler) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	actor, _ := shared.ActorFromContext(r.Context())
	batch := Batch{
		ReferenceType:  req.ReferenceType,
		ReferenceID:    req.ReferenceID,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}
	for _, m := range req.Movements {
		batch.Movements = append(batch.Movements, m.toInput(actor))
	}
	posting, err := h.engine.ApplyBatch(r.Context(), batch)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondPosting(w, posting)
}

func (h *Handler) respondPosting(w http.ResponseWriter, posting Posting) {
	status := http.StatusCreated
	if posting.Replayed {
		status = http.StatusOK
	}
	httpx.JSON(w, status, posting)
}

func (h *Handler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	warehouseID, productID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	key := fmt.Sprintf("aggregate:%d:%d", warehouseID, productID)
	v, err := h.coalesce(r.Context(), key, func(ctx context.Context) (any, error) {
		return h.engine.Aggregate(ctx, warehouseID, productID)
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

type reconstructResponse struct {
	Aggregate      Aggregate      `json:"aggregate"`
	Reconstruction Reconstruction `json:"reconstruction"`
	Consistent     bool           `json:"consistent"`
}

func (h *Handler) handleReconstruct(w http.ResponseWriter, r *http.Request) {
	warehouseID, productID, ok := pathIDs(w, r)
	if !ok {
		return
	}
	rec, agg, err := h.engine.Reconstruct(r.Context(), warehouseID, productID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	if !rec.Matches(agg) {
		h.logger.Error("aggregate drift detected",
			slog.Int64("warehouse_id", warehouseID),
			slog.Int64("product_id", productID),
			slog.Int64("stored_quantity", agg.Quantity),
			slog.Int64("ledger_quantity", rec.Quantity))
	}
	httpx.JSON(w, http.StatusOK, reconstructResponse{Aggregate: agg, Reconstruction: rec, Consistent: rec.Matches(agg)})
}

func (h *Handler) handleTotals(w http.ResponseWriter, r *http.Request) {
	warehouseID, err := strconv.ParseInt(chi.URLParam(r, "warehouseID"), 10, 64)
	if err != nil || warehouseID <= 0 {
		httpx.ValidationProblem(w, map[string]string{"warehouseID": "must be a positive integer"})
		return
	}
	v, err := h.coalesce(r.Context(), fmt.Sprintf("totals:%d", warehouseID), func(ctx context.Context) (any, error) {
		return h.engine.WarehouseTotals(ctx, warehouseID)
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) handleLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := map[string]string{}
	filter := LedgerFilter{
		WarehouseID: queryInt(q.Get("warehouse_id"), "warehouse_id", fields),
		ProductID:   queryInt(q.Get("product_id"), "product_id", fields),
		Limit:       int(queryInt(q.Get("limit"), "limit", fields)),
	}
	if filter.WarehouseID <= 0 {
		fields["warehouse_id"] = "required"
	}
	if filter.ProductID <= 0 {
		fields["product_id"] = "required"
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			fields["from"] = "expected YYYY-MM-DD"
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			fields["to"] = "expected YYYY-MM-DD"
		}
		// Inclusive of the whole day.
		filter.To = t.Add(24 * time.Hour)
	}
	if len(fields) > 0 {
		httpx.ValidationProblem(w, fields)
		return
	}
	entries, err := h.engine.Ledger(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleReference(w http.ResponseWriter, r *http.Request) {
	entries, err := h.engine.LedgerByReference(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	if len(entries) == 0 {
		httpx.RespondError(w, httpx.ErrNotFound)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleSerial(w http.ResponseWriter, r *http.Request) {
	warehouseID, err := strconv.ParseInt(chi.URLParam(r, "warehouseID"), 10, 64)
	if err != nil || warehouseID <= 0 {
		httpx.ValidationProblem(w, map[string]string{"warehouseID": "must be a positive integer"})
		return
	}
	item, err := h.engine.Serials().Lookup(r.Context(), warehouseID, chi.URLParam(r, "serial"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) handleSerials(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := map[string]string{}
	filter := SerialFilter{
		WarehouseID: queryInt(q.Get("warehouse_id"), "warehouse_id", fields),
		ProductID:   queryInt(q.Get("product_id"), "product_id", fields),
		State:       SerialState(q.Get("state")),
		Limit:       int(queryInt(q.Get("limit"), "limit", fields)),
	}
	if filter.WarehouseID <= 0 {
		fields["warehouse_id"] = "required"
	}
	if len(fields) > 0 {
		httpx.ValidationProblem(w, fields)
		return
	}
	items, err := h.engine.Serials().List(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"serials": items})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Body", err.Error())
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fieldErr := range verrs {
			fields[fieldErr.Namespace()] = fieldErr.Tag()
		}
		httpx.ValidationProblem(w, fields)
		return false
	}
	return true
}

// coalesce collapses concurrent identical reads into one store round trip.
func (h *Handler) coalesce(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := h.reads.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var bizErr *Error
	if errors.As(err, &bizErr) {
		status := http.StatusConflict
		switch bizErr.Code {
		case CodeInvalidMovement, CodeUnresolvedLineItems:
			status = http.StatusUnprocessableEntity
		}
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Movement Rejected",
			Status: status,
			Detail: bizErr.Error(),
			Code:   string(bizErr.Code),
		})
		return
	}
	if errors.Is(err, ErrSerialNotFound) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
		return
	}
	h.logger.Error("inventory request failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}

func pathIDs(w http.ResponseWriter, r *http.Request) (int64, int64, bool) {
	fields := map[string]string{}
	warehouseID := queryInt(chi.URLParam(r, "warehouseID"), "warehouseID", fields)
	productID := queryInt(chi.URLParam(r, "productID"), "productID", fields)
	if warehouseID <= 0 {
		fields["warehouseID"] = "must be a positive integer"
	}
	if productID <= 0 {
		fields["productID"] = "must be a positive integer"
	}
	if len(fields) > 0 {
		httpx.ValidationProblem(w, fields)
		return 0, 0, false
	}
	return warehouseID, productID, true
}

func queryInt(raw, name string, fields map[string]string) int64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		fields[name] = "must be an integer"
		return 0
	}
	return v
}
