// Package admin manages the configuration a queue runs against: counters,
// per-type queue settings and staff sessions.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"qms/queue-engine/internal/logger"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
)

const (
	defaultMaxNumber  = 999
	defaultResetTime  = "00:00"
	defaultMultiplier = 1.0
)

// Projector renders the queue snapshot published after counter changes.
type Projector interface {
	Snapshot(ctx context.Context, q store.Queries, organizationID, counterID string, now time.Time) (models.QueueStatus, error)
}

type Options struct {
	Clock     queue.Clock
	Logger    *logger.Logger
	Notifier  queue.Notifier
	Projector Projector
}

type Service struct {
	repo      store.Repository
	clock     queue.Clock
	log       *logger.Logger
	notifier  queue.Notifier
	projector Projector
}

type CreateCounterRequest struct {
	OrganizationID  string
	Name            string
	Inactive        bool
	AssignedStaffID string
	ActorID         string
}

type UpdateCounterRequest struct {
	OrganizationID string
	CounterID      string
	Name           *string
	IsActive       *bool
	ActorID        string
}

type AssignStaffRequest struct {
	OrganizationID string
	CounterID      string
	// StaffID empty clears the assignment.
	StaffID string
	ActorID string
}

func NewService(repo store.Repository, options Options) *Service {
	clock := options.Clock
	if clock == nil {
		clock = queue.SystemClock
	}
	log := options.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		repo:      repo,
		clock:     clock,
		log:       log.Component("admin"),
		notifier:  options.Notifier,
		projector: options.Projector,
	}
}

func (s *Service) ListCounters(ctx context.Context, organizationID string, activeOnly bool) ([]models.Counter, error) {
	counters, err := s.repo.ListCounters(ctx, organizationID, activeOnly)
	if err != nil {
		return nil, s.fail("list_counters", organizationID, "", err)
	}
	if counters == nil {
		counters = []models.Counter{}
	}
	return counters, nil
}

func (s *Service) CreateCounter(ctx context.Context, req CreateCounterRequest) (models.Counter, error) {
	counter := models.Counter{
		CounterID:      uuid.NewString(),
		OrganizationID: req.OrganizationID,
		Name:           strings.TrimSpace(req.Name),
		IsActive:       !req.Inactive,
	}
	if req.AssignedStaffID != "" {
		staff := req.AssignedStaffID
		counter.AssignedStaffID = &staff
	}
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		now := s.clock.Now()
		counter.CreatedAt = now
		if err := q.InsertCounter(ctx, counter); err != nil {
			return err
		}
		if err := s.audit(ctx, q, req.OrganizationID, req.ActorID, "counter.create", "counter", counter.CounterID, counter, now); err != nil {
			return err
		}
		return s.publish(ctx, q, req.OrganizationID, now)
	})
	if err != nil {
		return models.Counter{}, s.fail("create_counter", req.OrganizationID, req.Name, err)
	}
	s.notify()
	return counter, nil
}

func (s *Service) UpdateCounter(ctx context.Context, req UpdateCounterRequest) (models.Counter, error) {
	return s.modifyCounter(ctx, "update_counter", "counter.update", req.OrganizationID, req.CounterID, req.ActorID, func(counter *models.Counter) {
		if req.Name != nil {
			counter.Name = strings.TrimSpace(*req.Name)
		}
		if req.IsActive != nil {
			counter.IsActive = *req.IsActive
		}
	})
}

// AssignStaff binds a staff member to a counter. A staff member may hold at
// most one active counter per organization.
func (s *Service) AssignStaff(ctx context.Context, req AssignStaffRequest) (models.Counter, error) {
	return s.modifyCounter(ctx, "assign_staff", "counter.assign", req.OrganizationID, req.CounterID, req.ActorID, func(counter *models.Counter) {
		if req.StaffID == "" {
			counter.AssignedStaffID = nil
			return
		}
		staff := req.StaffID
		counter.AssignedStaffID = &staff
	})
}

func (s *Service) modifyCounter(ctx context.Context, op, action, organizationID, counterID, actorID string, apply func(*models.Counter)) (models.Counter, error) {
	var updated models.Counter
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		now := s.clock.Now()
		counter, err := q.GetCounter(ctx, organizationID, counterID)
		if err != nil {
			return err
		}
		apply(&counter)
		if updated, err = q.UpdateCounter(ctx, counter); err != nil {
			return err
		}
		if err := s.audit(ctx, q, organizationID, actorID, action, "counter", counterID, updated, now); err != nil {
			return err
		}
		return s.publish(ctx, q, organizationID, now)
	})
	if err != nil {
		return models.Counter{}, s.fail(op, organizationID, counterID, err)
	}
	s.notify()
	return updated, nil
}

// DeleteCounter refuses while tokens are waiting for, called to or served at
// the counter.
func (s *Service) DeleteCounter(ctx context.Context, organizationID, counterID, actorID string) error {
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		now := s.clock.Now()
		if _, err := q.GetCounter(ctx, organizationID, counterID); err != nil {
			return err
		}
		open, err := q.CountOpenTokens(ctx, organizationID, counterID)
		if err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("%w: %d open tokens", store.ErrCounterInUse, open)
		}
		if err := q.DeleteCounter(ctx, organizationID, counterID); err != nil {
			return err
		}
		if err := s.audit(ctx, q, organizationID, actorID, "counter.delete", "counter", counterID, nil, now); err != nil {
			return err
		}
		return s.publish(ctx, q, organizationID, now)
	})
	if err != nil {
		return s.fail("delete_counter", organizationID, counterID, err)
	}
	s.notify()
	return nil
}

func (s *Service) ListQueueSettings(ctx context.Context, organizationID string, activeOnly bool) ([]models.QueueSetting, error) {
	settings, err := s.repo.ListQueueSettings(ctx, organizationID, activeOnly)
	if err != nil {
		return nil, s.fail("list_queue_settings", organizationID, "", err)
	}
	if settings == nil {
		settings = []models.QueueSetting{}
	}
	return settings, nil
}

// UpsertQueueSetting writes the configuration of one customer type. The
// running counter and the last reset day are never overwritten.
func (s *Service) UpsertQueueSetting(ctx context.Context, setting models.QueueSetting, actorID string) (models.QueueSetting, error) {
	if setting.MaxNumber <= 0 {
		setting.MaxNumber = defaultMaxNumber
	}
	if setting.ResetTime == "" {
		setting.ResetTime = defaultResetTime
	}
	if setting.PriorityMultiplier <= 0 {
		setting.PriorityMultiplier = defaultMultiplier
	}
	setting.Prefix = strings.ToUpper(strings.TrimSpace(setting.Prefix))

	var saved models.QueueSetting
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		now := s.clock.Now()
		var err error
		if saved, err = q.UpsertQueueSetting(ctx, setting); err != nil {
			return err
		}
		return s.audit(ctx, q, setting.OrganizationID, actorID, "queue_setting.upsert", "queue_setting", setting.CustomerType, saved, now)
	})
	if err != nil {
		return models.QueueSetting{}, s.fail("upsert_queue_setting", setting.OrganizationID, setting.CustomerType, err)
	}
	return saved, nil
}

// EndSession closes the open session of a staff member.
func (s *Service) EndSession(ctx context.Context, organizationID, staffID, actorID string) (models.ServiceSession, error) {
	var ended models.ServiceSession
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		now := s.clock.Now()
		var err error
		if ended, err = q.EndSession(ctx, organizationID, staffID, now); err != nil {
			return err
		}
		if actorID == "" {
			actorID = staffID
		}
		return s.audit(ctx, q, organizationID, actorID, "session.end", "service_session", ended.SessionID, ended, now)
	})
	if err != nil {
		return models.ServiceSession{}, s.fail("end_session", organizationID, staffID, err)
	}
	return ended, nil
}

func (s *Service) publish(ctx context.Context, q store.Queries, organizationID string, now time.Time) error {
	if s.projector == nil {
		return nil
	}
	snapshot, err := s.projector.Snapshot(ctx, q, organizationID, "", now)
	if err != nil {
		return err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return q.AppendOutbox(ctx, store.OutboxEvent{
		EventID:        uuid.NewString(),
		OrganizationID: organizationID,
		Room:           queue.Room(organizationID),
		Event:          queue.EventQueueUpdated,
		Payload:        data,
		CreatedAt:      now,
	})
}

func (s *Service) audit(ctx context.Context, q store.Queries, organizationID, actorID, action, entityType, entityID string, details interface{}, now time.Time) error {
	var payload []byte
	if details != nil {
		var err error
		if payload, err = json.Marshal(details); err != nil {
			return err
		}
	}
	return q.InsertAudit(ctx, models.AuditEntry{
		AuditID:        uuid.NewString(),
		OrganizationID: organizationID,
		ActorID:        actorID,
		Action:         action,
		EntityType:     entityType,
		EntityID:       entityID,
		Details:        payload,
		CreatedAt:      now,
	})
}

func (s *Service) notify() {
	if s.notifier != nil && s.projector != nil {
		s.notifier.Notify()
	}
}

func (s *Service) fail(op, organizationID, entityID string, err error) error {
	err = queue.Classify(err)
	kind := queue.KindOf(err)
	log := s.log.WithError(err)
	if kind == "storage_failure" {
		log.Error("operation failed", "op", op, "organization_id", organizationID, "entity_id", entityID, "kind", kind)
	} else {
		log.Warn("operation rejected", "op", op, "organization_id", organizationID, "entity_id", entityID, "kind", kind)
	}
	return err
}
