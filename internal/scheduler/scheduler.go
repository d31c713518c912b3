// Package scheduler runs periodic maintenance: daily sequence resets and
// outbox cleanup.
package scheduler

import (
	"context"
	"time"

	"qms/queue-engine/internal/logger"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/store"

	"github.com/robfig/cron/v3"
)

const jobTimeout = 30 * time.Second

type Scheduler struct {
	cron *cron.Cron
	log  *logger.Logger
}

func New(log *logger.Logger, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Scheduler{
		cron: cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		log:  log.Component("scheduler"),
	}
}

func (s *Scheduler) Start() {
	s.log.Info("starting scheduler")
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	s.log.Info("stopping scheduler")
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
		s.log.Info("scheduler stopped")
	case <-time.After(jobTimeout):
		s.log.Warn("scheduler stop timeout reached")
	}
}

func (s *Scheduler) AddJob(spec string, cmd func()) error {
	if _, err := s.cron.AddFunc(spec, cmd); err != nil {
		s.log.WithError(err).Error("error adding cron job", "spec", spec)
		return err
	}
	return nil
}

type Jobs struct {
	Resetter  store.SequenceResetter
	Outbox    store.OutboxStore
	Clock     queue.Clock
	Location  *time.Location
	Retention time.Duration
	Log       *logger.Logger
}

// ResetSequences zeroes every daily queue whose reset time has passed today
// and which has not been reset today yet.
func (j *Jobs) ResetSequences(ctx context.Context) (int64, error) {
	now := j.now()
	y, m, d := now.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	n, err := j.Resetter.ResetDueSequences(ctx, day, now.Format("15:04"))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger().Info("queue sequences reset", "count", n, "day", day.Format("2006-01-02"))
	}
	return n, nil
}

// PurgeOutbox deletes delivered outbox rows older than the retention.
func (j *Jobs) PurgeOutbox(ctx context.Context) (int64, error) {
	retention := j.Retention
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	n, err := j.Outbox.PurgeOutbox(ctx, j.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger().Info("outbox purged", "count", n)
	}
	return n, nil
}

// Register schedules both jobs. An empty spec disables its job.
func (j *Jobs) Register(s *Scheduler, resetSpec, purgeSpec string) error {
	if resetSpec != "" && j.Resetter != nil {
		if err := s.AddJob(resetSpec, j.wrap("reset_sequences", j.ResetSequences)); err != nil {
			return err
		}
	}
	if purgeSpec != "" && j.Outbox != nil {
		if err := s.AddJob(purgeSpec, j.wrap("purge_outbox", j.PurgeOutbox)); err != nil {
			return err
		}
	}
	return nil
}

func (j *Jobs) wrap(name string, fn func(context.Context) (int64, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		if _, err := fn(ctx); err != nil {
			j.logger().WithError(err).Error("job failed", "job", name)
		}
	}
}

func (j *Jobs) now() time.Time {
	clock := j.Clock
	if clock == nil {
		clock = queue.SystemClock
	}
	loc := j.Location
	if loc == nil {
		loc = time.UTC
	}
	return clock.Now().In(loc)
}

func (j *Jobs) logger() *logger.Logger {
	if j.Log == nil {
		return logger.Nop()
	}
	return j.Log
}
