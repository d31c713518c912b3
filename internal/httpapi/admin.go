package httpapi

import (
	"net/http"
	"strings"

	"qms/queue-engine/internal/admin"
	"qms/queue-engine/internal/models"
)

type createCounterRequest struct {
	OrganizationID  string `json:"organization_id" validate:"required"`
	Name            string `json:"name" validate:"required,max=100"`
	IsActive        *bool  `json:"is_active"`
	AssignedStaffID string `json:"assigned_staff_id"`
}

type updateCounterRequest struct {
	OrganizationID string  `json:"organization_id" validate:"required"`
	Name           *string `json:"name" validate:"omitempty,min=1,max=100"`
	IsActive       *bool   `json:"is_active"`
}

type assignStaffRequest struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	StaffID        string `json:"staff_id"`
}

type queueSettingRequest struct {
	OrganizationID     string  `json:"organization_id" validate:"required"`
	CustomerType       string  `json:"customer_type" validate:"required,oneof=instant browser retail"`
	Prefix             string  `json:"prefix" validate:"required,alphanum,max=5"`
	MaxNumber          int64   `json:"max_number" validate:"omitempty,min=1"`
	ResetDaily         bool    `json:"reset_daily"`
	ResetTime          string  `json:"reset_time" validate:"omitempty,datetime=15:04"`
	IsActive           *bool   `json:"is_active"`
	PriorityMultiplier float64 `json:"priority_multiplier" validate:"omitempty,gt=0"`
}

type endSessionRequest struct {
	OrganizationID string `json:"organization_id" validate:"required"`
	StaffID        string `json:"staff_id" validate:"required"`
}

func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		organizationID, ok := requireOrganization(w, r)
		if !ok {
			return
		}
		activeOnly := r.URL.Query().Get("active") == "true"
		counters, err := h.admin.ListCounters(r.Context(), organizationID, activeOnly)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, counters)
	case http.MethodPost:
		var req createCounterRequest
		if !h.decodeRequest(w, r, &req) {
			return
		}
		counter, err := h.admin.CreateCounter(r.Context(), admin.CreateCounterRequest{
			OrganizationID:  req.OrganizationID,
			Name:            req.Name,
			Inactive:        req.IsActive != nil && !*req.IsActive,
			AssignedStaffID: strings.TrimSpace(req.AssignedStaffID),
			ActorID:         actorID(r, ""),
		})
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, counter)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCounter(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/counters/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	counterID := parts[0]
	if counterID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if len(parts) == 2 && parts[1] == "assign" {
		h.handleAssignStaff(w, r, counterID)
		return
	}
	if len(parts) != 1 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodPatch:
		var req updateCounterRequest
		if !h.decodeRequest(w, r, &req) {
			return
		}
		counter, err := h.admin.UpdateCounter(r.Context(), admin.UpdateCounterRequest{
			OrganizationID: req.OrganizationID,
			CounterID:      counterID,
			Name:           req.Name,
			IsActive:       req.IsActive,
			ActorID:        actorID(r, ""),
		})
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, counter)
	case http.MethodDelete:
		organizationID, ok := requireOrganization(w, r)
		if !ok {
			return
		}
		if err := h.admin.DeleteCounter(r.Context(), organizationID, counterID, actorID(r, "")); err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleAssignStaff(w http.ResponseWriter, r *http.Request, counterID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req assignStaffRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	counter, err := h.admin.AssignStaff(r.Context(), admin.AssignStaffRequest{
		OrganizationID: req.OrganizationID,
		CounterID:      counterID,
		StaffID:        strings.TrimSpace(req.StaffID),
		ActorID:        actorID(r, ""),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counter)
}

func (h *Handler) handleQueueSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		organizationID, ok := requireOrganization(w, r)
		if !ok {
			return
		}
		settings, err := h.admin.ListQueueSettings(r.Context(), organizationID, r.URL.Query().Get("active") == "true")
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut:
		var req queueSettingRequest
		if !h.decodeRequest(w, r, &req) {
			return
		}
		setting, err := h.admin.UpsertQueueSetting(r.Context(), models.QueueSetting{
			OrganizationID:     req.OrganizationID,
			CustomerType:       req.CustomerType,
			Prefix:             req.Prefix,
			MaxNumber:          req.MaxNumber,
			ResetDaily:         req.ResetDaily,
			ResetTime:          req.ResetTime,
			IsActive:           req.IsActive == nil || *req.IsActive,
			PriorityMultiplier: req.PriorityMultiplier,
		}, actorID(r, ""))
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, setting)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req endSessionRequest
	if !h.decodeRequest(w, r, &req) {
		return
	}
	session, err := h.admin.EndSession(r.Context(), req.OrganizationID, req.StaffID, actorID(r, req.StaffID))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}
