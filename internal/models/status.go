package models

import "time"

type QueueStatus struct {
	OrganizationID    string          `json:"organization_id"`
	GeneratedAt       time.Time       `json:"generated_at"`
	Counters          []CounterStatus `json:"counters"`
	CurrentlyServing  []Token         `json:"currently_serving"`
	RecentlyCompleted []Token         `json:"recently_completed"`
	RecentNoShows     []Token         `json:"recent_no_shows"`
	Stats             QueueStats      `json:"stats"`
	Settings          []QueueSetting  `json:"settings"`
}

type CounterStatus struct {
	Counter            Counter `json:"counter"`
	CurrentToken       *Token  `json:"current_token,omitempty"`
	NextInQueue        []Token `json:"next_in_queue"`
	WaitingCount       int     `json:"waiting_count"`
	AverageServiceTime float64 `json:"average_service_time"`
}

type QueueStats struct {
	TotalWaiting       int     `json:"total_waiting"`
	TotalServing       int     `json:"total_serving"`
	TotalCompleted     int     `json:"total_completed"`
	TotalNoShow        int     `json:"total_no_show"`
	AverageWaitTime    float64 `json:"average_wait_time"`
	AverageServiceTime float64 `json:"average_service_time"`
	PeakHour           *int    `json:"peak_hour,omitempty"`
	EstimatedWaitTime  int     `json:"estimated_wait_time"`
}
