package models

import "time"

type Counter struct {
	CounterID       string    `json:"counter_id"`
	OrganizationID  string    `json:"organization_id"`
	Name            string    `json:"name"`
	IsActive        bool      `json:"is_active"`
	AssignedStaffID *string   `json:"assigned_staff_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type ServiceSession struct {
	SessionID          string     `json:"session_id"`
	OrganizationID     string     `json:"organization_id"`
	StaffID            string     `json:"staff_id"`
	StartedAt          time.Time  `json:"started_at"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	TokensServed       int        `json:"tokens_served"`
	AverageServiceTime float64    `json:"average_service_time"`
}

type AuditEntry struct {
	AuditID        string    `json:"audit_id"`
	OrganizationID string    `json:"organization_id"`
	ActorID        string    `json:"actor_id,omitempty"`
	Action         string    `json:"action"`
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	Details        []byte    `json:"details,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
