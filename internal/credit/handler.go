package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-credit/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-credit/internal/shared"
)

// IdempotencyHeader carries the client supplied key for transaction posts.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes the ledger over JSON HTTP.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers the ledger endpoints on r.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/clients/{clientID}", func(r chi.Router) {
		r.Get("/", h.getView)
		r.Put("/limit", h.putLimit)
		r.Put("/status", h.putStatus)
		r.Post("/eligibility", h.postEligibility)
		r.Get("/transactions", h.listTransactions)
		r.Post("/transactions", h.postTransaction)
		r.Get("/applications", h.listApplications)
		r.Post("/applications", h.postApplication)
		r.Post("/risk", h.postRisk)
		r.Get("/ledger/verify", h.verifyLedger)
	})
	r.Get("/applications/{applicationID}", h.getApplication)
	r.Post("/applications/{applicationID}/decision", h.postDecision)
	r.Get("/settings", h.getSettings)
	r.Patch("/settings", h.patchSettings)
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", httpx.ErrValidation, name)
	}
	return id, nil
}

func actor(r *http.Request) (int64, error) {
	id, ok := shared.ActorFromContext(r.Context())
	if !ok {
		return 0, fmt.Errorf("%w: %w", httpx.ErrUnauthorized, shared.ErrActorRequired)
	}
	return id, nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := httpx.DecodeJSON(w, r, dst); err != nil {
		return err
	}
	if err := h.validator.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" "+fe.Tag())
			}
			return fmt.Errorf("%w: %s", httpx.ErrValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return nil
}

// toHTTPError tags ledger errors with the httpx sentinel that selects the status.
func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return fmt.Errorf("%w: %w", httpx.ErrValidation, err)
	case errors.Is(err, ErrNotFound):
		return fmt.Errorf("%w: %w", httpx.ErrNotFound, err)
	case errors.Is(err, ErrNotEligible):
		return fmt.Errorf("%w: %w", httpx.ErrUnprocessable, err)
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrConcurrentModification):
		return fmt.Errorf("%w: %w", httpx.ErrConflict, err)
	case errors.Is(err, ErrDuplicateRequest):
		return fmt.Errorf("%w: %w", httpx.ErrDuplicate, err)
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", httpx.ErrUnavailable, err)
	}
	return err
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	mapped := toHTTPError(err)
	if errors.Is(mapped, httpx.ErrUnavailable) || mapped == err {
		h.logger.ErrorContext(r.Context(), "credit request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	httpx.RespondError(w, mapped)
}

func (h *Handler) getView(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := h.service.View(r.Context(), clientID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if view.Limit == nil {
		h.fail(w, r, fmt.Errorf("%w: client %d has no credit limit", ErrNotFound, clientID))
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) putLimit(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	by, err := actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req SetLimitRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	in := SetLimitInput{ClientID: clientID, Actor: by, Notes: req.Notes, UseDefault: req.LimitAmount == nil}
	if req.LimitAmount != nil {
		in.LimitAmount = *req.LimitAmount
	}
	res, err := h.service.SetLimit(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	httpx.JSON(w, status, res)
}

func (h *Handler) putStatus(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	by, err := actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req SetStatusRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	limit, err := h.service.SetStatus(r.Context(), clientID, LimitStatus(req.Status), by, req.Notes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, limit)
}

func (h *Handler) postEligibility(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req EligibilityRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.CheckEligibility(r.Context(), clientID, req.Amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 1000 {
			h.fail(w, r, fmt.Errorf("%w: limit must be between 0 and 1000", httpx.ErrValidation))
			return
		}
		limit = n
	}
	items, err := h.service.ListTransactions(r.Context(), clientID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, TransactionListResponse{Items: items})
}

func (h *Handler) postTransaction(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	by, err := actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req RecordTransactionRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.RecordTransaction(r.Context(), RecordTransactionInput{
		ClientID:       clientID,
		Type:           TransactionType(req.Type),
		Amount:         req.Amount,
		Description:    req.Description,
		SaleID:         req.SaleID,
		Actor:          by,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) listApplications(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items, err := h.service.ListApplications(r.Context(), clientID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ApplicationListResponse{Items: items})
}

func (h *Handler) postApplication(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	by, err := actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req SubmitApplicationRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.service.SubmitApplication(r.Context(), SubmitInput{
		ClientID:       clientID,
		RequestedLimit: req.RequestedLimit,
		Reason:         req.Reason,
		Actor:          by,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, out)
}

func (h *Handler) getApplication(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "applicationID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	app, err := h.service.GetApplication(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, app)
}

func (h *Handler) postDecision(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "applicationID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	by, err := actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req DecisionRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.service.DecideApplication(r.Context(), DecideInput{
		ApplicationID:  id,
		Decision:       Decision(req.Decision),
		Actor:          by,
		ApprovedLimit:  req.ApprovedLimit,
		RejectedReason: req.RejectedReason,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) postRisk(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req RiskRequest
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.AnalyzeRisk(r.Context(), ClientProfile{ClientID: clientID, Name: req.Name, CreatedAt: req.CreatedAt}, req.History)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) verifyLedger(w http.ResponseWriter, r *http.Request) {
	clientID, err := pathID(r, "clientID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	check, err := h.service.VerifyLedger(r.Context(), clientID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, struct {
		*LedgerCheck
		Consistent bool `json:"consistent"`
	}{check, check.Consistent()})
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, h.service.Settings())
}

func (h *Handler) patchSettings(w http.ResponseWriter, r *http.Request) {
	by, err := actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req SettingsPatch
	if err := h.decode(w, r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.service.UpdateSettings(r.Context(), by, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}
