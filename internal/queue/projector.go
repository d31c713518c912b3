package queue

import (
	"context"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"
)

const (
	nextInQueueLimit = 10
	recentListLimit  = 10
	recentWindow     = 24 * time.Hour
)

// QueueStatusProjector assembles QueueStatus snapshots. Given a transaction
// it sees that transaction's uncommitted writes.
type QueueStatusProjector struct {
	ranker   *QueueRanker
	sessions *SessionTracker
	loc      *time.Location
}

func NewQueueStatusProjector(ranker *QueueRanker, sessions *SessionTracker, loc *time.Location) *QueueStatusProjector {
	if loc == nil {
		loc = time.UTC
	}
	return &QueueStatusProjector{ranker: ranker, sessions: sessions, loc: loc}
}

func (p *QueueStatusProjector) Snapshot(ctx context.Context, q store.Queries, organizationID, counterID string, now time.Time) (models.QueueStatus, error) {
	status := models.QueueStatus{
		OrganizationID:    organizationID,
		GeneratedAt:       now,
		Counters:          []models.CounterStatus{},
		CurrentlyServing:  []models.Token{},
		RecentlyCompleted: []models.Token{},
		RecentNoShows:     []models.Token{},
		Settings:          []models.QueueSetting{},
	}

	var counters []models.Counter
	if counterID != "" {
		counter, err := q.GetCounter(ctx, organizationID, counterID)
		if err != nil {
			return models.QueueStatus{}, err
		}
		counters = []models.Counter{counter}
	} else {
		list, err := q.ListCounters(ctx, organizationID, true)
		if err != nil {
			return models.QueueStatus{}, err
		}
		counters = list
	}

	for _, counter := range counters {
		cs, err := p.counterStatus(ctx, q, counter, now)
		if err != nil {
			return models.QueueStatus{}, err
		}
		status.Counters = append(status.Counters, cs)
	}

	serving, err := q.ListRecent(ctx, store.RecentFilter{
		OrganizationID: organizationID,
		Statuses:       []string{models.StatusCalled, models.StatusServing},
		Limit:          recentListLimit,
	})
	if err != nil {
		return models.QueueStatus{}, err
	}
	status.CurrentlyServing = orEmpty(serving)

	since := now.Add(-recentWindow)
	completed, err := q.ListRecent(ctx, store.RecentFilter{
		OrganizationID: organizationID,
		Statuses:       []string{models.StatusCompleted},
		Since:          since,
		Limit:          recentListLimit,
	})
	if err != nil {
		return models.QueueStatus{}, err
	}
	status.RecentlyCompleted = orEmpty(completed)

	noShows, err := q.ListRecent(ctx, store.RecentFilter{
		OrganizationID: organizationID,
		Statuses:       []string{models.StatusNoShow},
		Since:          since,
		Limit:          recentListLimit,
	})
	if err != nil {
		return models.QueueStatus{}, err
	}
	status.RecentNoShows = orEmpty(noShows)

	stats, err := p.stats(ctx, q, organizationID, counterID, now)
	if err != nil {
		return models.QueueStatus{}, err
	}
	status.Stats = stats

	settings, err := q.ListQueueSettings(ctx, organizationID, true)
	if err != nil {
		return models.QueueStatus{}, err
	}
	if settings != nil {
		status.Settings = settings
	}
	return status, nil
}

func (p *QueueStatusProjector) counterStatus(ctx context.Context, q store.Queries, counter models.Counter, now time.Time) (models.CounterStatus, error) {
	cs := models.CounterStatus{Counter: counter}

	current, err := q.ListRecent(ctx, store.RecentFilter{
		OrganizationID: counter.OrganizationID,
		Statuses:       []string{models.StatusCalled, models.StatusServing},
		CounterID:      counter.CounterID,
		Limit:          1,
	})
	if err != nil {
		return cs, err
	}
	if len(current) > 0 {
		cs.CurrentToken = &current[0]
	}

	visible := store.WaitingFilter{OrganizationID: counter.OrganizationID, CounterID: counter.CounterID}
	next, err := q.ListWaiting(ctx, visible, nextInQueueLimit)
	if err != nil {
		return cs, err
	}
	cs.NextInQueue = orEmpty(next)

	if cs.WaitingCount, err = q.CountWaiting(ctx, visible); err != nil {
		return cs, err
	}
	if cs.AverageServiceTime, err = p.sessions.AverageForCounter(ctx, q, counter.OrganizationID, counter.CounterID, now); err != nil {
		return cs, err
	}
	return cs, nil
}

func (p *QueueStatusProjector) stats(ctx context.Context, q store.Queries, organizationID, counterID string, now time.Time) (models.QueueStats, error) {
	totals, err := q.DailyTotals(ctx, organizationID, p.startOfDay(now), p.loc)
	if err != nil {
		return models.QueueStats{}, err
	}
	stats := models.QueueStats{
		TotalWaiting:       totals.ByStatus[models.StatusWaiting],
		TotalServing:       totals.ByStatus[models.StatusCalled] + totals.ByStatus[models.StatusServing],
		TotalCompleted:     totals.ByStatus[models.StatusCompleted],
		TotalNoShow:        totals.ByStatus[models.StatusNoShow],
		AverageWaitTime:    totals.AverageWaitTime,
		AverageServiceTime: totals.AverageServiceTime,
		PeakHour:           totals.PeakHour,
	}

	// Estimate for a priority-0 arrival right now, across all customer types.
	ahead, err := q.CountWaiting(ctx, store.WaitingFilter{
		OrganizationID: organizationID,
		CounterID:      counterID,
		Ahead:          &store.RankPoint{Priority: 0, CreatedAt: now},
	})
	if err != nil {
		return models.QueueStats{}, err
	}
	avg := stats.AverageServiceTime
	if avg <= 0 {
		avg = fallbackServiceMinutes
	}
	active, err := activeCounters(ctx, q, organizationID, counterID)
	if err != nil {
		return models.QueueStats{}, err
	}
	stats.EstimatedWaitTime = EstimateWait(ahead, avg, active)
	return stats, nil
}

func (p *QueueStatusProjector) startOfDay(now time.Time) time.Time {
	local := now.In(p.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, p.loc)
}

func orEmpty(tokens []models.Token) []models.Token {
	if tokens == nil {
		return []models.Token{}
	}
	return tokens
}
