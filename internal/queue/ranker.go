package queue

import (
	"context"
	"math"
	"sort"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

// QueueRanker orders waiting tokens by priority DESC, createdAt ASC and
// derives positions and wait estimates from that order.
type QueueRanker struct {
	sessions *SessionTracker
}

func NewQueueRanker(sessions *SessionTracker) *QueueRanker {
	return &QueueRanker{sessions: sessions}
}

// SelectNext picks the first token in queue order. Equal keys keep the
// order the candidates arrived in.
func (r *QueueRanker) SelectNext(candidates []models.Token) (models.Token, bool) {
	if len(candidates) == 0 {
		return models.Token{}, false
	}
	ranked := append([]models.Token(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].RanksBefore(ranked[j]) })
	return ranked[0], true
}

// Position is 1 plus the number of waiting tokens of the same customer type
// and the same priority that arrived earlier. Higher-priority tokens are not
// counted.
func (r *QueueRanker) Position(ctx context.Context, q store.Queries, token models.Token) (int, error) {
	ahead, err := q.CountWaiting(ctx, store.WaitingFilter{
		OrganizationID:     token.OrganizationID,
		CustomerType:       token.CustomerType,
		SamePriorityBefore: &store.RankPoint{Priority: token.Priority, CreatedAt: token.CreatedAt},
	})
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

// EstimatedWaitTime returns minutes until a token of the given type and
// priority arriving at `at` would be called.
func (r *QueueRanker) EstimatedWaitTime(ctx context.Context, q store.Queries, organizationID, customerType string, priority int, counterID string, at time.Time) (int, error) {
	ahead, err := q.CountWaiting(ctx, store.WaitingFilter{
		OrganizationID: organizationID,
		CustomerType:   customerType,
		CounterID:      counterID,
		Ahead:          &store.RankPoint{Priority: priority, CreatedAt: at},
	})
	if err != nil {
		return 0, err
	}
	if ahead == 0 {
		return 0, nil
	}
	avg, err := r.sessions.AverageForType(ctx, q, organizationID, customerType, at)
	if err != nil {
		return 0, err
	}
	active, err := activeCounters(ctx, q, organizationID, counterID)
	if err != nil {
		return 0, err
	}
	return EstimateWait(ahead, avg, active), nil
}

func activeCounters(ctx context.Context, q store.Queries, organizationID, counterID string) (int, error) {
	if counterID == "" {
		return q.CountActiveCounters(ctx, organizationID)
	}
	counter, err := q.GetCounter(ctx, organizationID, counterID)
	if err != nil {
		return 0, err
	}
	if !counter.IsActive {
		return 0, nil
	}
	return 1, nil
}

func EstimateWait(tokensAhead int, averageServiceTime float64, activeCounters int) int {
	if tokensAhead <= 0 || activeCounters <= 0 || averageServiceTime <= 0 {
		return 0
	}
	return int(math.Ceil(float64(tokensAhead) * averageServiceTime / float64(activeCounters)))
}
