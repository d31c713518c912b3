package scheduler

import (
	"context"
	"testing"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"
)

func seedSetting(t *testing.T, st *memory.Store, resetTime string, current int64) {
	t.Helper()
	ctx := context.Background()
	if _, err := st.UpsertQueueSetting(ctx, models.QueueSetting{
		OrganizationID: "org-1",
		CustomerType:   models.CustomerInstant,
		Prefix:         "I",
		ResetDaily:     true,
		ResetTime:      resetTime,
		IsActive:       true,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	for i := int64(0); i < current; i++ {
		if _, err := st.NextSequence(ctx, "org-1", models.CustomerInstant); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}
}

func currentNumber(t *testing.T, st *memory.Store) int64 {
	t.Helper()
	setting, err := st.GetQueueSetting(context.Background(), "org-1", models.CustomerInstant)
	if err != nil {
		t.Fatalf("get setting: %v", err)
	}
	return setting.CurrentNumber
}

func TestResetSequencesOncePerDay(t *testing.T) {
	st := memory.NewStore()
	seedSetting(t, st, "06:00", 12)
	jakarta := time.FixedZone("WIB", 7*3600)
	now := time.Date(2024, 5, 5, 22, 30, 0, 0, time.UTC) // 05:30 local on May 6
	jobs := &Jobs{
		Resetter: st,
		Clock:    queue.ClockFunc(func() time.Time { return now }),
		Location: jakarta,
	}
	ctx := context.Background()

	if n, err := jobs.ResetSequences(ctx); err != nil || n != 0 {
		t.Fatalf("expected nothing before 06:00 local, got %d (%v)", n, err)
	}
	now = now.Add(45 * time.Minute)
	if n, err := jobs.ResetSequences(ctx); err != nil || n != 1 {
		t.Fatalf("expected reset at 06:15 local, got %d (%v)", n, err)
	}
	if got := currentNumber(t, st); got != 0 {
		t.Fatalf("expected current number 0, got %d", got)
	}

	if _, err := st.NextSequence(ctx, "org-1", models.CustomerInstant); err != nil {
		t.Fatalf("next: %v", err)
	}
	now = now.Add(time.Hour)
	if n, _ := jobs.ResetSequences(ctx); n != 0 {
		t.Fatalf("expected no second reset on the same day")
	}
	if got := currentNumber(t, st); got != 1 {
		t.Fatalf("expected numbering to continue, got %d", got)
	}

	now = now.Add(24 * time.Hour)
	if n, _ := jobs.ResetSequences(ctx); n != 1 {
		t.Fatalf("expected reset on the next day")
	}
}

func TestPurgeOutboxHonoursRetention(t *testing.T) {
	st := memory.NewStore()
	ctx := context.Background()
	err := st.InTx(ctx, func(q store.Queries) error {
		return q.AppendOutbox(ctx, store.OutboxEvent{Room: "org:1", Event: "token:created", Payload: []byte(`{}`), CreatedAt: time.Now()})
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := st.DeliverOutbox(ctx, 10, 5, func(context.Context, store.OutboxEvent) error { return nil }); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	now := time.Now().UTC()
	jobs := &Jobs{Outbox: st, Retention: time.Hour, Clock: queue.ClockFunc(func() time.Time { return now })}
	if n, err := jobs.PurgeOutbox(ctx); err != nil || n != 0 {
		t.Fatalf("expected fresh rows kept, got %d (%v)", n, err)
	}
	now = now.Add(2 * time.Hour)
	if n, err := jobs.PurgeOutbox(ctx); err != nil || n != 1 {
		t.Fatalf("expected one purged row, got %d (%v)", n, err)
	}
}

func TestRegisterRejectsBadSpec(t *testing.T) {
	s := New(nil, time.UTC)
	jobs := &Jobs{Resetter: memory.NewStore()}
	if err := jobs.Register(s, "not a spec", ""); err == nil {
		t.Fatalf("expected invalid spec error")
	}
	if err := jobs.Register(s, "0 * * * * *", ""); err != nil {
		t.Fatalf("register: %v", err)
	}
	s.Start()
	s.Stop()
}
