package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store/memory"

	"github.com/google/uuid"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{now: start}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *manualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type countingNotifier struct {
	mu    sync.Mutex
	count int
}

func (n *countingNotifier) Notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.count++
}

func (n *countingNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.count
}

type fixture struct {
	svc      *Service
	store    *memory.Store
	clock    *manualClock
	notifier *countingNotifier
	org      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.NewStore()
	clock := newManualClock(time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC))
	notifier := &countingNotifier{}
	svc := NewService(st, Options{Clock: clock, Notifier: notifier})
	f := &fixture{svc: svc, store: st, clock: clock, notifier: notifier, org: uuid.NewString()}
	f.seedQueue(t, models.CustomerInstant, "I", true)
	return f
}

func (f *fixture) seedQueue(t *testing.T, customerType, prefix string, active bool) {
	t.Helper()
	_, err := f.store.UpsertQueueSetting(context.Background(), models.QueueSetting{
		OrganizationID: f.org,
		CustomerType:   customerType,
		Prefix:         prefix,
		MaxNumber:      999,
		IsActive:       active,
	})
	if err != nil {
		t.Fatalf("seed queue setting: %v", err)
	}
}

func (f *fixture) seedCounter(t *testing.T, name string, active bool) string {
	t.Helper()
	id := uuid.NewString()
	err := f.store.InsertCounter(context.Background(), models.Counter{
		CounterID:      id,
		OrganizationID: f.org,
		Name:           name,
		IsActive:       active,
		CreatedAt:      f.clock.Now(),
	})
	if err != nil {
		t.Fatalf("seed counter: %v", err)
	}
	return id
}

func (f *fixture) create(t *testing.T, customerType string, priority int) CreateTokenResult {
	t.Helper()
	result, err := f.svc.CreateToken(context.Background(), CreateTokenRequest{
		OrganizationID: f.org,
		CustomerType:   customerType,
		Priority:       priority,
	})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	return result
}

func (f *fixture) callNext(t *testing.T, counterID, staffID string) models.Token {
	t.Helper()
	token, err := f.svc.CallNext(context.Background(), CallNextRequest{
		OrganizationID: f.org,
		CounterID:      counterID,
		StaffID:        staffID,
	})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	return token
}
