package store

import (
	"context"
	"encoding/json"
	"time"

	"qms/queue-engine/internal/models"
)

// RankPoint is a position in queue order: priority, then arrival.
type RankPoint struct {
	Priority  int
	CreatedAt time.Time
}

type WaitingFilter struct {
	OrganizationID string
	CustomerType   string
	// CounterID restricts to tokens open to any counter or fixed to this one.
	CounterID string
	// Ahead keeps tokens ranked ahead of the point.
	Ahead *RankPoint
	// SamePriorityBefore keeps tokens with the same priority that arrived earlier.
	SamePriorityBefore *RankPoint
}

type RecentFilter struct {
	OrganizationID string
	Statuses       []string
	CounterID      string
	Since          time.Time
	Limit          int
}

type DurationFilter struct {
	OrganizationID string
	CustomerType   string
	CounterID      string
	Since          time.Time
	Limit          int
}

type DailyTotals struct {
	ByStatus           map[string]int
	AverageWaitTime    float64
	AverageServiceTime float64
	PeakHour           *int
}

type Sequence struct {
	Prefix    string
	Value     int64
	MaxNumber int64
}

// TokenUpdate is a conditional update: it applies only while the token is in
// one of From.
type TokenUpdate struct {
	OrganizationID   string
	TokenID          string
	From             []string
	To               string
	CalledAt         *time.Time
	ServedAt         *time.Time
	CompletedAt      *time.Time
	CancelledAt      *time.Time
	ClearCancelledAt bool
	ServedBy         *string
	CounterID        *string
	ActualWaitTime   *int
	ServiceDuration  *int
	Notes            *string
	Metadata         map[string]interface{}
}

type Queries interface {
	NextSequence(ctx context.Context, organizationID, customerType string) (Sequence, error)
	GetQueueSetting(ctx context.Context, organizationID, customerType string) (models.QueueSetting, error)
	ListQueueSettings(ctx context.Context, organizationID string, activeOnly bool) ([]models.QueueSetting, error)
	UpsertQueueSetting(ctx context.Context, setting models.QueueSetting) (models.QueueSetting, error)

	InsertToken(ctx context.Context, token models.Token) error
	GetToken(ctx context.Context, organizationID, tokenID string) (models.Token, error)
	UpdateToken(ctx context.Context, update TokenUpdate) (models.Token, error)
	ClaimCandidates(ctx context.Context, filter WaitingFilter, limit int) ([]models.Token, error)
	ListWaiting(ctx context.Context, filter WaitingFilter, limit int) ([]models.Token, error)
	CountWaiting(ctx context.Context, filter WaitingFilter) (int, error)
	ListRecent(ctx context.Context, filter RecentFilter) ([]models.Token, error)
	ServiceDurations(ctx context.Context, filter DurationFilter) ([]int, error)
	DailyTotals(ctx context.Context, organizationID string, since time.Time, loc *time.Location) (DailyTotals, error)

	GetCounter(ctx context.Context, organizationID, counterID string) (models.Counter, error)
	ListCounters(ctx context.Context, organizationID string, activeOnly bool) ([]models.Counter, error)
	CountActiveCounters(ctx context.Context, organizationID string) (int, error)
	InsertCounter(ctx context.Context, counter models.Counter) error
	UpdateCounter(ctx context.Context, counter models.Counter) (models.Counter, error)
	DeleteCounter(ctx context.Context, organizationID, counterID string) error
	CountOpenTokens(ctx context.Context, organizationID, counterID string) (int, error)
	FindCounterByStaff(ctx context.Context, organizationID, staffID string) (models.Counter, bool, error)

	GetActiveSession(ctx context.Context, organizationID, staffID string) (models.ServiceSession, bool, error)
	InsertSession(ctx context.Context, session models.ServiceSession) error
	UpdateSessionStats(ctx context.Context, sessionID string, tokensServed int, average float64) error
	EndSession(ctx context.Context, organizationID, staffID string, endedAt time.Time) (models.ServiceSession, error)

	AppendOutbox(ctx context.Context, event OutboxEvent) error
	InsertAudit(ctx context.Context, entry models.AuditEntry) error
	ListTokenEvents(ctx context.Context, organizationID, tokenID string) ([]TokenEvent, error)
}

// Repository runs Queries either directly or inside one transaction. A
// failing fn rolls back every write it made.
type Repository interface {
	Queries
	InTx(ctx context.Context, fn func(q Queries) error) error
}

type OutboxEvent struct {
	EventID        string          `json:"event_id"`
	Seq            int64           `json:"seq"`
	OrganizationID string          `json:"organization_id"`
	TokenID        string          `json:"token_id,omitempty"`
	Room           string          `json:"room"`
	Event          string          `json:"event"`
	Payload        json.RawMessage `json:"payload"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
}

type DeliveryResult struct {
	Delivered int
	Failed    int
}

// OutboxStore hands pending outbox rows to deliver in seq order and records
// the outcome of each attempt.
type OutboxStore interface {
	DeliverOutbox(ctx context.Context, limit, maxAttempts int, deliver func(context.Context, OutboxEvent) error) (DeliveryResult, error)
	PurgeOutbox(ctx context.Context, before time.Time) (int64, error)
}

type SequenceResetter interface {
	ResetDueSequences(ctx context.Context, day time.Time, clock string) (int64, error)
}
