package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"qms/queue-engine/internal/admin"
	"qms/queue-engine/internal/logger"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/store"

	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

type QueueService interface {
	CreateToken(ctx context.Context, req queue.CreateTokenRequest) (queue.CreateTokenResult, error)
	GetToken(ctx context.Context, organizationID, tokenID string) (models.Token, error)
	TokenEvents(ctx context.Context, organizationID, tokenID string) ([]store.TokenEvent, error)
	CallNext(ctx context.Context, req queue.CallNextRequest) (models.Token, error)
	StartServing(ctx context.Context, req queue.TokenActionRequest) (models.Token, error)
	CompleteService(ctx context.Context, req queue.CompleteRequest) (queue.CompleteResult, error)
	MarkNoShow(ctx context.Context, req queue.TokenActionRequest) (models.Token, error)
	RecallToken(ctx context.Context, req queue.TokenActionRequest) (models.Token, error)
	CancelToken(ctx context.Context, req queue.TokenActionRequest) (models.Token, error)
	QueueStatus(ctx context.Context, organizationID, counterID string) (models.QueueStatus, error)
}

type AdminService interface {
	ListCounters(ctx context.Context, organizationID string, activeOnly bool) ([]models.Counter, error)
	CreateCounter(ctx context.Context, req admin.CreateCounterRequest) (models.Counter, error)
	UpdateCounter(ctx context.Context, req admin.UpdateCounterRequest) (models.Counter, error)
	AssignStaff(ctx context.Context, req admin.AssignStaffRequest) (models.Counter, error)
	DeleteCounter(ctx context.Context, organizationID, counterID, actorID string) error
	ListQueueSettings(ctx context.Context, organizationID string, activeOnly bool) ([]models.QueueSetting, error)
	UpsertQueueSetting(ctx context.Context, setting models.QueueSetting, actorID string) (models.QueueSetting, error)
	EndSession(ctx context.Context, organizationID, staffID, actorID string) (models.ServiceSession, error)
}

type Handler struct {
	queue    QueueService
	admin    AdminService
	validate *validator.Validate
	log      *logger.Logger
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(queueService QueueService, adminService AdminService, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		queue:    queueService,
		admin:    adminService,
		validate: newValidator(),
		log:      log.Component("httpapi"),
	}
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tokens", h.handleTokens)
	mux.HandleFunc("/api/tokens/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tokens/", h.handleToken)
	mux.HandleFunc("/api/queue/status", h.handleQueueStatus)
	mux.HandleFunc("/api/counters", h.handleCounters)
	mux.HandleFunc("/api/counters/", h.handleCounter)
	mux.HandleFunc("/api/queue-settings", h.handleQueueSettings)
	mux.HandleFunc("/api/sessions/end", h.handleEndSession)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type createTokenRequest struct {
	OrganizationID string                 `json:"organization_id" validate:"required"`
	CustomerType   string                 `json:"customer_type" validate:"required,oneof=instant browser retail"`
	Priority       int                    `json:"priority" validate:"min=0,max=100"`
	CounterID      string                 `json:"counter_id"`
	Notes          string                 `json:"notes" validate:"max=500"`
	Metadata       map[string]interface{} `json:"metadata"`
	StaffID        string                 `json:"staff_id"`
}

func (h *Handler) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req createTokenRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	result, err := h.queue.CreateToken(r.Context(), queue.CreateTokenRequest{
		OrganizationID: req.OrganizationID,
		CustomerType:   req.CustomerType,
		Priority:       req.Priority,
		CounterID:      req.CounterID,
		Notes:          req.Notes,
		Metadata:       req.Metadata,
		StaffID:        actorID(r, req.StaffID),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type callNextRequest struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	CounterID      string `json:"counter_id" validate:"required"`
	StaffID        string `json:"staff_id"`
	CustomerType   string `json:"customer_type" validate:"omitempty,oneof=instant browser retail"`
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req callNextRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	staffID := actorID(r, req.StaffID)
	if staffID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "staff_id is required")
		return
	}
	token, err := h.queue.CallNext(r.Context(), queue.CallNextRequest{
		OrganizationID: req.OrganizationID,
		CounterID:      req.CounterID,
		StaffID:        staffID,
		CustomerType:   req.CustomerType,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tokens/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	tokenID := parts[0]
	if tokenID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case len(parts) == 1:
		h.handleGetToken(w, r, tokenID)
	case len(parts) == 2 && parts[1] == "events":
		h.handleTokenEvents(w, r, tokenID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleTokenAction(w, r, tokenID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetToken(w http.ResponseWriter, r *http.Request, tokenID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	organizationID, ok := requireOrganization(w, r)
	if !ok {
		return
	}
	token, err := h.queue.GetToken(r.Context(), organizationID, tokenID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func (h *Handler) handleTokenEvents(w http.ResponseWriter, r *http.Request, tokenID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	organizationID, ok := requireOrganization(w, r)
	if !ok {
		return
	}
	events, err := h.queue.TokenEvents(r.Context(), organizationID, tokenID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []store.TokenEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

type tokenActionRequest struct {
	OrganizationID  string `json:"organization_id" validate:"required"`
	StaffID         string `json:"staff_id"`
	CounterID       string `json:"counter_id"`
	Notes           string `json:"notes" validate:"max=500"`
	Rating          *int   `json:"rating" validate:"omitempty,min=1,max=5"`
	ServiceDuration *int   `json:"service_duration" validate:"omitempty,min=0"`
}

func (h *Handler) handleTokenAction(w http.ResponseWriter, r *http.Request, tokenID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req tokenActionRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	input := queue.TokenActionRequest{
		OrganizationID: req.OrganizationID,
		TokenID:        tokenID,
		StaffID:        actorID(r, req.StaffID),
		CounterID:      req.CounterID,
		Notes:          req.Notes,
	}

	var (
		result interface{}
		err    error
	)
	switch action {
	case "start":
		result, err = h.queue.StartServing(r.Context(), input)
	case "complete":
		result, err = h.queue.CompleteService(r.Context(), queue.CompleteRequest{
			OrganizationID:  input.OrganizationID,
			TokenID:         tokenID,
			StaffID:         input.StaffID,
			Notes:           input.Notes,
			Rating:          req.Rating,
			ServiceDuration: req.ServiceDuration,
		})
	case "no-show":
		result, err = h.queue.MarkNoShow(r.Context(), input)
	case "recall":
		if input.CounterID == "" {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "counter_id is required")
			return
		}
		result, err = h.queue.RecallToken(r.Context(), input)
	case "cancel":
		result, err = h.queue.CancelToken(r.Context(), input)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	organizationID, ok := requireOrganization(w, r)
	if !ok {
		return
	}
	counterID := strings.TrimSpace(r.URL.Query().Get("counter_id"))
	status, err := h.queue.QueueStatus(r.Context(), organizationID, counterID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func requireOrganization(w http.ResponseWriter, r *http.Request) (string, bool) {
	organizationID := strings.TrimSpace(r.URL.Query().Get("organization_id"))
	if organizationID == "" {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "organization_id is required")
		return "", false
	}
	return organizationID, true
}

func (h *Handler) decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	requestID := requestIDFromRequest(r)
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		writeError(w, requestID, http.StatusBadRequest, "invalid_request", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return "invalid request payload"
	}
	fields := make([]string, 0, len(fieldErrors))
	for _, fe := range fieldErrors {
		fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
	}
	return "invalid fields: " + strings.Join(fields, ", ")
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, msg := mapError(err)
	if status >= http.StatusInternalServerError {
		h.log.WithError(err).Error("request failed", "method", r.Method, "path", r.URL.Path)
	}
	writeError(w, requestIDFromRequest(r), status, code, msg)
}

// mapError turns an error kind into a status; the code names the underlying
// cause where one is known.
func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, queue.ErrNotActive):
		if errors.Is(err, store.ErrCounterInactive) {
			return http.StatusConflict, "counter_inactive", "counter is not active"
		}
		return http.StatusConflict, "queue_not_active", "queue is not active"
	case errors.Is(err, queue.ErrNotFound):
		switch {
		case errors.Is(err, store.ErrInvalidState):
			return http.StatusNotFound, "invalid_state", "token not found in a state that allows this action"
		case errors.Is(err, store.ErrNoWaitingTokens):
			return http.StatusNotFound, "no_waiting_tokens", "no tokens in queue"
		case errors.Is(err, store.ErrCounterNotFound):
			return http.StatusNotFound, "counter_not_found", "counter not found"
		case errors.Is(err, store.ErrSessionNotFound):
			return http.StatusNotFound, "session_not_found", "no active session"
		default:
			return http.StatusNotFound, "token_not_found", "token not found"
		}
	case errors.Is(err, queue.ErrConflict):
		switch {
		case errors.Is(err, store.ErrStaffAssigned):
			return http.StatusConflict, "staff_assigned", "staff already assigned to another counter"
		case errors.Is(err, store.ErrCounterInUse):
			return http.StatusConflict, "counter_in_use", "counter has open tokens"
		default:
			return http.StatusConflict, "conflict", "record already exists"
		}
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
