package queue

import (
	"context"
	"errors"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
)

const (
	typeSampleSize    = 50
	typeSampleWindow  = 7 * 24 * time.Hour
	counterSampleSize = 20
	counterWindow     = 24 * time.Hour

	fallbackServiceMinutes = 5
)

var defaultServiceMinutes = map[string]float64{
	models.CustomerInstant: 3,
	models.CustomerBrowser: 5,
	models.CustomerRetail:  8,
}

func DefaultServiceTime(customerType string) float64 {
	if minutes, ok := defaultServiceMinutes[customerType]; ok {
		return minutes
	}
	return fallbackServiceMinutes
}

// SessionTracker keeps staff service sessions and service-time averages.
type SessionTracker struct{}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{}
}

// AverageForType is the mean duration of the last 50 completions of the type
// in the trailing 7 days, or the type's default when there are none.
func (t *SessionTracker) AverageForType(ctx context.Context, q store.Queries, organizationID, customerType string, now time.Time) (float64, error) {
	durations, err := q.ServiceDurations(ctx, store.DurationFilter{
		OrganizationID: organizationID,
		CustomerType:   customerType,
		Since:          now.Add(-typeSampleWindow),
		Limit:          typeSampleSize,
	})
	if err != nil {
		return 0, err
	}
	if len(durations) == 0 {
		return DefaultServiceTime(customerType), nil
	}
	return mean(durations), nil
}

// AverageForCounter is the mean of the last 20 completions at the counter in
// the trailing 24 hours, 0 when there are none.
func (t *SessionTracker) AverageForCounter(ctx context.Context, q store.Queries, organizationID, counterID string, now time.Time) (float64, error) {
	durations, err := q.ServiceDurations(ctx, store.DurationFilter{
		OrganizationID: organizationID,
		CounterID:      counterID,
		Since:          now.Add(-counterWindow),
		Limit:          counterSampleSize,
	})
	if err != nil {
		return 0, err
	}
	return mean(durations), nil
}

// Ensure returns the staff member's open session, starting one if needed.
func (t *SessionTracker) Ensure(ctx context.Context, q store.Queries, organizationID, staffID string, now time.Time) (models.ServiceSession, bool, error) {
	session, found, err := q.GetActiveSession(ctx, organizationID, staffID)
	if err != nil {
		return models.ServiceSession{}, false, err
	}
	if found {
		return session, false, nil
	}
	session = models.ServiceSession{
		SessionID:      uuid.NewString(),
		OrganizationID: organizationID,
		StaffID:        staffID,
		StartedAt:      now,
	}
	if err := q.InsertSession(ctx, session); err != nil {
		if !errors.Is(err, store.ErrDuplicate) {
			return models.ServiceSession{}, false, err
		}
		// A concurrent call opened it first.
		existing, found, rerr := q.GetActiveSession(ctx, organizationID, staffID)
		if rerr != nil {
			return models.ServiceSession{}, false, rerr
		}
		if !found {
			return models.ServiceSession{}, false, err
		}
		return existing, false, nil
	}
	return session, true, nil
}

// RecordCompletion folds one service duration into the open session's
// running mean. It reports false when the staff member has no open session.
func (t *SessionTracker) RecordCompletion(ctx context.Context, q store.Queries, organizationID, staffID string, duration int) (models.ServiceSession, bool, error) {
	session, found, err := q.GetActiveSession(ctx, organizationID, staffID)
	if err != nil || !found {
		return models.ServiceSession{}, false, err
	}
	session.TokensServed++
	session.AverageServiceTime = RunningAverage(session.AverageServiceTime, session.TokensServed, float64(duration))
	if err := q.UpdateSessionStats(ctx, session.SessionID, session.TokensServed, session.AverageServiceTime); err != nil {
		return models.ServiceSession{}, false, err
	}
	return session, true, nil
}

func (t *SessionTracker) End(ctx context.Context, q store.Queries, organizationID, staffID string, now time.Time) (models.ServiceSession, error) {
	return q.EndSession(ctx, organizationID, staffID, now)
}

// RunningAverage returns the mean after adding value as the n-th sample.
func RunningAverage(previous float64, n int, value float64) float64 {
	if n <= 1 {
		return value
	}
	return (previous*float64(n-1) + value) / float64(n)
}

func mean(values []int) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0
	for _, v := range values {
		sum += v
	}
	return float64(sum) / float64(len(values))
}
