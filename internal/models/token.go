package models

import "time"

type Token struct {
	TokenID         string                 `json:"token_id"`
	OrganizationID  string                 `json:"organization_id"`
	Number          string                 `json:"number"`
	Sequence        int64                  `json:"sequence"`
	CustomerType    string                 `json:"customer_type"`
	Status          string                 `json:"status"`
	Priority        int                    `json:"priority"`
	CounterID       *string                `json:"counter_id,omitempty"`
	ServedBy        *string                `json:"served_by,omitempty"`
	Notes           string                 `json:"notes,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	CalledAt        *time.Time             `json:"called_at,omitempty"`
	ServedAt        *time.Time             `json:"served_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	CancelledAt     *time.Time             `json:"cancelled_at,omitempty"`
	ActualWaitTime  *int                   `json:"actual_wait_time,omitempty"`
	ServiceDuration *int                   `json:"service_duration,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusServing   = "serving"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusNoShow    = "no_show"
)

const (
	CustomerInstant = "instant"
	CustomerBrowser = "browser"
	CustomerRetail  = "retail"
)

var CustomerTypes = []string{CustomerInstant, CustomerBrowser, CustomerRetail}

func IsCustomerType(value string) bool {
	for _, t := range CustomerTypes {
		if t == value {
			return true
		}
	}
	return false
}

// RanksBefore reports whether t is called ahead of other: higher priority
// first, then earlier arrival.
func (t Token) RanksBefore(other Token) bool {
	if t.Priority != other.Priority {
		return t.Priority > other.Priority
	}
	return t.CreatedAt.Before(other.CreatedAt)
}

// Open reports whether the token still occupies a place at a counter or in line.
func (t Token) Open() bool {
	switch t.Status {
	case StatusWaiting, StatusCalled, StatusServing:
		return true
	default:
		return false
	}
}
