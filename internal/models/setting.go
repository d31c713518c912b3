package models

import "time"

type QueueSetting struct {
	OrganizationID     string     `json:"organization_id"`
	CustomerType       string     `json:"customer_type"`
	Prefix             string     `json:"prefix"`
	CurrentNumber      int64      `json:"current_number"`
	MaxNumber          int64      `json:"max_number"`
	ResetDaily         bool       `json:"reset_daily"`
	ResetTime          string     `json:"reset_time"`
	LastResetOn        *time.Time `json:"last_reset_on,omitempty"`
	IsActive           bool       `json:"is_active"`
	PriorityMultiplier float64    `json:"priority_multiplier"`
}
