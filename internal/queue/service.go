package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/queue-engine/internal/logger"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultClaimAttempts = 3

var tracer = otel.Tracer("qms/queue-engine/queue")

type CreateTokenRequest struct {
	OrganizationID string
	CustomerType   string
	Priority       int
	CounterID      string
	Notes          string
	Metadata       map[string]interface{}
	StaffID        string
}

type CreateTokenResult struct {
	Token             models.Token `json:"token"`
	Position          int          `json:"position"`
	EstimatedWaitTime int          `json:"estimated_wait_time"`
}

type CallNextRequest struct {
	OrganizationID string
	CounterID      string
	StaffID        string
	CustomerType   string
}

type TokenActionRequest struct {
	OrganizationID string
	TokenID        string
	StaffID        string
	CounterID      string
	Notes          string
}

type CompleteRequest struct {
	OrganizationID  string
	TokenID         string
	StaffID         string
	Notes           string
	Rating          *int
	ServiceDuration *int
}

type CompleteResult struct {
	Token           models.Token `json:"token"`
	ServiceDuration int          `json:"service_duration"`
}

type Options struct {
	Clock    Clock
	Logger   *logger.Logger
	Notifier Notifier
	Location *time.Location
	// ClaimAttempts bounds how often CallNext re-selects after losing a race.
	ClaimAttempts int
}

// Service enacts token transitions. Each operation runs in one repository
// transaction together with its audit entry and outbox events; delivery to
// subscribers happens after commit.
type Service struct {
	repo          store.Repository
	clock         Clock
	log           *logger.Logger
	notifier      Notifier
	allocator     *SequenceAllocator
	ranker        *QueueRanker
	sessions      *SessionTracker
	projector     *QueueStatusProjector
	claimAttempts int
}

func NewService(repo store.Repository, options Options) *Service {
	clock := options.Clock
	if clock == nil {
		clock = SystemClock
	}
	log := options.Logger
	if log == nil {
		log = logger.Nop()
	}
	notifier := options.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	attempts := options.ClaimAttempts
	if attempts <= 0 {
		attempts = defaultClaimAttempts
	}
	sessions := NewSessionTracker()
	ranker := NewQueueRanker(sessions)
	return &Service{
		repo:          repo,
		clock:         clock,
		log:           log.Component("queue"),
		notifier:      notifier,
		allocator:     NewSequenceAllocator(log.Component("allocator")),
		ranker:        ranker,
		sessions:      sessions,
		projector:     NewQueueStatusProjector(ranker, sessions, options.Location),
		claimAttempts: attempts,
	}
}

func (s *Service) Sessions() *SessionTracker {
	return s.sessions
}

func (s *Service) Projector() *QueueStatusProjector {
	return s.projector
}

func (s *Service) CreateToken(ctx context.Context, req CreateTokenRequest) (CreateTokenResult, error) {
	ctx, span := s.start(ctx, "queue.CreateToken", req.OrganizationID)
	defer span.End()

	var result CreateTokenResult
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		now := s.clock.Now()
		if req.CounterID != "" {
			if _, err := q.GetCounter(ctx, req.OrganizationID, req.CounterID); err != nil {
				return err
			}
		}
		number, seq, err := s.allocator.Next(ctx, q, req.OrganizationID, req.CustomerType)
		if err != nil {
			return err
		}
		token := models.Token{
			TokenID:        uuid.NewString(),
			OrganizationID: req.OrganizationID,
			Number:         number,
			Sequence:       seq,
			CustomerType:   req.CustomerType,
			Status:         models.StatusWaiting,
			Priority:       req.Priority,
			CounterID:      optional(req.CounterID),
			Notes:          req.Notes,
			Metadata:       req.Metadata,
			CreatedAt:      now,
		}
		if err := q.InsertToken(ctx, token); err != nil {
			return err
		}
		position, err := s.ranker.Position(ctx, q, token)
		if err != nil {
			return err
		}
		wait, err := s.ranker.EstimatedWaitTime(ctx, q, req.OrganizationID, req.CustomerType, req.Priority, req.CounterID, now)
		if err != nil {
			return err
		}
		if err := s.audit(ctx, q, token, req.StaffID, "token.create", now); err != nil {
			return err
		}
		if err := s.publish(ctx, q, EventTokenCreated, token, now); err != nil {
			return err
		}
		result = CreateTokenResult{Token: token, Position: position, EstimatedWaitTime: wait}
		return nil
	})
	if err != nil {
		return CreateTokenResult{}, s.fail(span, "create_token", map[string]interface{}{
			"organization_id": req.OrganizationID,
			"customer_type":   req.CustomerType,
		}, err)
	}
	s.notifier.Notify()
	return result, nil
}

func (s *Service) CallNext(ctx context.Context, req CallNextRequest) (models.Token, error) {
	ctx, span := s.start(ctx, "queue.CallNext", req.OrganizationID)
	defer span.End()

	var called models.Token
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		now := s.clock.Now()
		counter, err := q.GetCounter(ctx, req.OrganizationID, req.CounterID)
		if err != nil {
			return err
		}
		if !counter.IsActive {
			return store.ErrCounterInactive
		}
		filter := store.WaitingFilter{
			OrganizationID: req.OrganizationID,
			CustomerType:   req.CustomerType,
			CounterID:      req.CounterID,
		}
		claimed := false
		for attempt := 0; attempt < s.claimAttempts && !claimed; attempt++ {
			candidates, err := q.ClaimCandidates(ctx, filter, 1)
			if err != nil {
				return err
			}
			next, ok := s.ranker.SelectNext(candidates)
			if !ok {
				return store.ErrNoWaitingTokens
			}
			wait := wholeMinutes(now.Sub(next.CreatedAt))
			called, err = q.UpdateToken(ctx, store.TokenUpdate{
				OrganizationID: req.OrganizationID,
				TokenID:        next.TokenID,
				From:           store.SourceStates(store.ActionCallNext),
				To:             store.TargetState(store.ActionCallNext),
				CalledAt:       &now,
				ServedBy:       optional(req.StaffID),
				CounterID:      optional(req.CounterID),
				ActualWaitTime: &wait,
			})
			switch {
			case err == nil:
				claimed = true
			case errors.Is(err, store.ErrInvalidState):
				// Another caller took it first.
			default:
				return err
			}
		}
		if !claimed {
			return store.ErrNoWaitingTokens
		}
		if _, _, err := s.sessions.Ensure(ctx, q, req.OrganizationID, req.StaffID, now); err != nil {
			return err
		}
		if err := s.audit(ctx, q, called, req.StaffID, "token.call", now); err != nil {
			return err
		}
		return s.publish(ctx, q, EventTokenCalled, called, now)
	})
	if err != nil {
		return models.Token{}, s.fail(span, "call_next", map[string]interface{}{
			"organization_id": req.OrganizationID,
			"counter_id":      req.CounterID,
			"staff_id":        req.StaffID,
		}, err)
	}
	s.notifier.Notify()
	return called, nil
}

func (s *Service) StartServing(ctx context.Context, req TokenActionRequest) (models.Token, error) {
	return s.transition(ctx, "start_serving", store.ActionStart, EventTokenServing, req,
		func(now time.Time, token models.Token, update *store.TokenUpdate) {
			update.ServedAt = &now
		}, nil)
}

func (s *Service) CompleteService(ctx context.Context, req CompleteRequest) (CompleteResult, error) {
	var duration int
	token, err := s.transition(ctx, "complete_service", store.ActionComplete, EventTokenCompleted,
		TokenActionRequest{OrganizationID: req.OrganizationID, TokenID: req.TokenID, StaffID: req.StaffID, Notes: req.Notes},
		func(now time.Time, token models.Token, update *store.TokenUpdate) {
			switch {
			case req.ServiceDuration != nil:
				duration = *req.ServiceDuration
			case servedInCurrentCall(token):
				duration = wholeMinutes(now.Sub(*token.ServedAt))
			case token.CalledAt != nil:
				duration = wholeMinutes(now.Sub(*token.CalledAt))
			}
			update.CompletedAt = &now
			update.ServiceDuration = &duration
			update.ServedBy = optional(req.StaffID)
			if req.Notes != "" {
				update.Notes = &req.Notes
			}
			if req.Rating != nil {
				update.Metadata = map[string]interface{}{"rating": *req.Rating}
			}
		},
		func(ctx context.Context, q store.Queries, token models.Token, now time.Time) error {
			_, _, err := s.sessions.RecordCompletion(ctx, q, req.OrganizationID, req.StaffID, duration)
			return err
		})
	if err != nil {
		return CompleteResult{}, err
	}
	return CompleteResult{Token: token, ServiceDuration: duration}, nil
}

func (s *Service) MarkNoShow(ctx context.Context, req TokenActionRequest) (models.Token, error) {
	return s.transition(ctx, "mark_no_show", store.ActionNoShow, EventTokenNoShow, req,
		func(now time.Time, token models.Token, update *store.TokenUpdate) {
			update.CancelledAt = &now
			if req.Notes != "" {
				update.Notes = &req.Notes
			}
		}, nil)
}

// RecallToken returns a no-show token to the called state at a counter. The
// original arrival time is kept.
func (s *Service) RecallToken(ctx context.Context, req TokenActionRequest) (models.Token, error) {
	return s.transition(ctx, "recall_token", store.ActionRecall, EventTokenRecalled, req,
		func(now time.Time, token models.Token, update *store.TokenUpdate) {
			wait := wholeMinutes(now.Sub(token.CreatedAt))
			update.CalledAt = &now
			update.ClearCancelledAt = true
			update.ServedBy = optional(req.StaffID)
			update.CounterID = optional(req.CounterID)
			update.ActualWaitTime = &wait
		}, nil)
}

func (s *Service) CancelToken(ctx context.Context, req TokenActionRequest) (models.Token, error) {
	return s.transition(ctx, "cancel_token", store.ActionCancel, EventTokenCancelled, req,
		func(now time.Time, token models.Token, update *store.TokenUpdate) {
			update.CancelledAt = &now
			if req.Notes != "" {
				update.Notes = &req.Notes
			}
		}, nil)
}

func (s *Service) GetToken(ctx context.Context, organizationID, tokenID string) (models.Token, error) {
	ctx, span := s.start(ctx, "queue.GetToken", organizationID)
	defer span.End()

	token, err := s.repo.GetToken(ctx, organizationID, tokenID)
	if err != nil {
		return models.Token{}, s.fail(span, "get_token", map[string]interface{}{
			"organization_id": organizationID,
			"token_id":        tokenID,
		}, err)
	}
	return token, nil
}

func (s *Service) TokenEvents(ctx context.Context, organizationID, tokenID string) ([]store.TokenEvent, error) {
	ctx, span := s.start(ctx, "queue.TokenEvents", organizationID)
	defer span.End()

	events, err := s.repo.ListTokenEvents(ctx, organizationID, tokenID)
	if err != nil {
		return nil, s.fail(span, "token_events", map[string]interface{}{
			"organization_id": organizationID,
			"token_id":        tokenID,
		}, err)
	}
	return events, nil
}

func (s *Service) QueueStatus(ctx context.Context, organizationID, counterID string) (models.QueueStatus, error) {
	ctx, span := s.start(ctx, "queue.QueueStatus", organizationID)
	defer span.End()

	status, err := s.projector.Snapshot(ctx, s.repo, organizationID, counterID, s.clock.Now())
	if err != nil {
		return models.QueueStatus{}, s.fail(span, "queue_status", map[string]interface{}{
			"organization_id": organizationID,
			"counter_id":      counterID,
		}, err)
	}
	return status, nil
}

type mutateFunc func(now time.Time, token models.Token, update *store.TokenUpdate)

type afterFunc func(ctx context.Context, q store.Queries, token models.Token, now time.Time) error

func (s *Service) transition(ctx context.Context, op, action, event string, req TokenActionRequest, mutate mutateFunc, after afterFunc) (models.Token, error) {
	ctx, span := s.start(ctx, "queue."+op, req.OrganizationID)
	defer span.End()
	span.SetAttributes(attribute.String("token.id", req.TokenID))

	var updated models.Token
	err := s.repo.InTx(ctx, func(q store.Queries) error {
		now := s.clock.Now()
		token, err := q.GetToken(ctx, req.OrganizationID, req.TokenID)
		if err != nil {
			return err
		}
		if !store.ValidTransition(action, token.Status) {
			return fmt.Errorf("%w: token %s is %s", store.ErrInvalidState, token.TokenID, token.Status)
		}
		if action == store.ActionRecall {
			if _, err := q.GetCounter(ctx, req.OrganizationID, req.CounterID); err != nil {
				return err
			}
		}
		update := store.TokenUpdate{
			OrganizationID: req.OrganizationID,
			TokenID:        req.TokenID,
			From:           []string{token.Status},
			To:             store.TargetState(action),
		}
		mutate(now, token, &update)
		if updated, err = q.UpdateToken(ctx, update); err != nil {
			return err
		}
		if after != nil {
			if err := after(ctx, q, updated, now); err != nil {
				return err
			}
		}
		if err := s.audit(ctx, q, updated, req.StaffID, "token."+action, now); err != nil {
			return err
		}
		return s.publish(ctx, q, event, updated, now)
	})
	if err != nil {
		return models.Token{}, s.fail(span, op, map[string]interface{}{
			"organization_id": req.OrganizationID,
			"token_id":        req.TokenID,
			"staff_id":        req.StaffID,
		}, err)
	}
	s.notifier.Notify()
	return updated, nil
}

// publish queues the lifecycle event and a fresh snapshot in the outbox of
// the running transaction.
func (s *Service) publish(ctx context.Context, q store.Queries, event string, token models.Token, now time.Time) error {
	payload, err := json.Marshal(token)
	if err != nil {
		return err
	}
	room := Room(token.OrganizationID)
	if err := q.AppendOutbox(ctx, store.OutboxEvent{
		EventID:        uuid.NewString(),
		OrganizationID: token.OrganizationID,
		TokenID:        token.TokenID,
		Room:           room,
		Event:          event,
		Payload:        payload,
		CreatedAt:      now,
	}); err != nil {
		return err
	}

	snapshot, err := s.projector.Snapshot(ctx, q, token.OrganizationID, "", now)
	if err != nil {
		return err
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return q.AppendOutbox(ctx, store.OutboxEvent{
		EventID:        uuid.NewString(),
		OrganizationID: token.OrganizationID,
		Room:           room,
		Event:          EventQueueUpdated,
		Payload:        data,
		CreatedAt:      now,
	})
}

func (s *Service) audit(ctx context.Context, q store.Queries, token models.Token, actorID, action string, now time.Time) error {
	details, err := json.Marshal(map[string]interface{}{
		"number": token.Number,
		"status": token.Status,
	})
	if err != nil {
		return err
	}
	return q.InsertAudit(ctx, models.AuditEntry{
		AuditID:        uuid.NewString(),
		OrganizationID: token.OrganizationID,
		ActorID:        actorID,
		Action:         action,
		EntityType:     "token",
		EntityID:       token.TokenID,
		Details:        details,
		CreatedAt:      now,
	})
}

func (s *Service) start(ctx context.Context, name, organizationID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("organization.id", organizationID))
	return ctx, span
}

func (s *Service) fail(span trace.Span, op string, fields map[string]interface{}, err error) error {
	err = Classify(err)
	kind := KindOf(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, kind)
	log := s.log.WithFields(fields).WithError(err)
	if kind == "storage_failure" {
		log.Error("operation failed", "op", op, "kind", kind)
	} else {
		log.Warn("operation rejected", "op", op, "kind", kind)
	}
	return err
}

// servedInCurrentCall reports whether ServedAt belongs to the latest call. A
// recall resets CalledAt and leaves the earlier ServedAt behind.
func servedInCurrentCall(token models.Token) bool {
	if token.ServedAt == nil {
		return false
	}
	return token.CalledAt == nil || !token.ServedAt.Before(*token.CalledAt)
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
