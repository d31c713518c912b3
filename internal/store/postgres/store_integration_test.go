package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

func TestCallNextConcurrency(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	orgID := uuid.NewString()
	counterA := uuid.NewString()
	counterB := uuid.NewString()
	seedBaseData(t, ctx, st, orgID, counterA, counterB)

	svc := queue.NewService(st, queue.Options{})
	createToken(t, ctx, svc, orgID, 0)
	createToken(t, ctx, svc, orgID, 0)

	var wg sync.WaitGroup
	results := make(chan callResult, 2)
	for i, counterID := range []string{counterA, counterB} {
		wg.Add(1)
		go func(counterID, staffID string) {
			defer wg.Done()
			token, err := svc.CallNext(ctx, queue.CallNextRequest{OrganizationID: orgID, CounterID: counterID, StaffID: staffID})
			results <- callResult{tokenID: token.TokenID, err: err}
		}(counterID, "staff-"+string(rune('a'+i)))
	}
	wg.Wait()
	close(results)

	var ids []string
	for result := range results {
		if result.err != nil {
			t.Fatalf("call next error: %v", result.err)
		}
		ids = append(ids, result.tokenID)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 tokens, got %d", len(ids))
	}
	if ids[0] == ids[1] {
		t.Fatalf("expected distinct tokens, got %s", ids[0])
	}

	_, err := svc.CallNext(ctx, queue.CallNextRequest{OrganizationID: orgID, CounterID: counterA, StaffID: "staff-a"})
	if !errors.Is(err, store.ErrNoWaitingTokens) {
		t.Fatalf("expected empty queue, got %v", err)
	}
}

func TestCreateTokenNumberingAndRollback(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	orgID := uuid.NewString()
	seedBaseData(t, ctx, st, orgID, uuid.NewString(), uuid.NewString())
	svc := queue.NewService(st, queue.Options{})

	first := createToken(t, ctx, svc, orgID, 0)
	second := createToken(t, ctx, svc, orgID, 0)
	if first.Token.Number != "I001" || second.Token.Number != "I002" {
		t.Fatalf("expected I001, I002, got %s, %s", first.Token.Number, second.Token.Number)
	}

	err := st.InTx(ctx, func(q store.Queries) error {
		if _, err := q.NextSequence(ctx, orgID, models.CustomerInstant); err != nil {
			return err
		}
		return errors.New("abort")
	})
	if err == nil {
		t.Fatalf("expected aborted transaction")
	}
	var current int64
	if err := pool.QueryRow(ctx, `
		SELECT current_number FROM queue_settings WHERE organization_id = $1 AND customer_type = $2
	`, orgID, models.CustomerInstant).Scan(&current); err != nil {
		t.Fatalf("read current number: %v", err)
	}
	if current != 2 {
		t.Fatalf("expected current number 2 after rollback, got %d", current)
	}

	if _, err := svc.CreateToken(ctx, queue.CreateTokenRequest{OrganizationID: orgID, CustomerType: models.CustomerRetail}); !errors.Is(err, queue.ErrNotActive) {
		t.Fatalf("expected not active, got %v", err)
	}
}

func TestLifecycleOutboxAndChain(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	orgID := uuid.NewString()
	counterA := uuid.NewString()
	seedBaseData(t, ctx, st, orgID, counterA, uuid.NewString())
	svc := queue.NewService(st, queue.Options{})

	created := createToken(t, ctx, svc, orgID, 0)
	called, err := svc.CallNext(ctx, queue.CallNextRequest{OrganizationID: orgID, CounterID: counterA, StaffID: "staff-a"})
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if _, err := svc.CompleteService(ctx, queue.CompleteRequest{OrganizationID: orgID, TokenID: called.TokenID, StaffID: "staff-a"}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	events, err := svc.TokenEvents(ctx, orgID, created.Token.TokenID)
	if err != nil {
		t.Fatalf("token events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 token events, got %d", len(events))
	}
	if err := store.VerifyChain(events); err != nil {
		t.Fatalf("verify chain: %v", err)
	}

	var delivered []string
	result, err := st.DeliverOutbox(ctx, 100, 5, func(ctx context.Context, event store.OutboxEvent) error {
		delivered = append(delivered, event.Event)
		return nil
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	want := []string{
		queue.EventTokenCreated, queue.EventQueueUpdated,
		queue.EventTokenCalled, queue.EventQueueUpdated,
		queue.EventTokenCompleted, queue.EventQueueUpdated,
	}
	if result.Delivered != len(want) || strings.Join(delivered, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, delivered)
	}

	again, err := st.DeliverOutbox(ctx, 100, 5, func(ctx context.Context, event store.OutboxEvent) error {
		t.Fatalf("event %s delivered twice", event.Event)
		return nil
	})
	if err != nil || again.Delivered != 0 {
		t.Fatalf("expected nothing pending, got %+v (%v)", again, err)
	}

	purged, err := st.PurgeOutbox(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil || purged != int64(len(want)) {
		t.Fatalf("expected %d purged, got %d (%v)", len(want), purged, err)
	}
}

func TestDeliverOutboxBlocksRoomAfterFailure(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	orgID := uuid.NewString()
	seedBaseData(t, ctx, st, orgID, uuid.NewString(), uuid.NewString())
	svc := queue.NewService(st, queue.Options{})
	createToken(t, ctx, svc, orgID, 0)

	calls := 0
	result, err := st.DeliverOutbox(ctx, 100, 5, func(ctx context.Context, event store.OutboxEvent) error {
		calls++
		return errors.New("subscriber offline")
	})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if calls != 1 || result.Failed != 1 {
		t.Fatalf("expected the room to stop after the first failure, calls=%d result=%+v", calls, result)
	}

	var attempts int
	var lastError string
	if err := pool.QueryRow(ctx, `
		SELECT attempts, last_error FROM outbox_events ORDER BY seq ASC LIMIT 1
	`).Scan(&attempts, &lastError); err != nil {
		t.Fatalf("read outbox: %v", err)
	}
	if attempts != 1 || lastError != "subscriber offline" {
		t.Fatalf("expected recorded failure, got attempts=%d last_error=%q", attempts, lastError)
	}
}

func TestResetDueSequences(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	orgID := uuid.NewString()
	seedBaseData(t, ctx, st, orgID, uuid.NewString(), uuid.NewString())
	svc := queue.NewService(st, queue.Options{})
	createToken(t, ctx, svc, orgID, 0)

	day := time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)
	if n, err := st.ResetDueSequences(ctx, day, "07:59"); err != nil || n != 0 {
		t.Fatalf("expected nothing due before reset time, got %d (%v)", n, err)
	}
	if n, err := st.ResetDueSequences(ctx, day, "08:00"); err != nil || n != 1 {
		t.Fatalf("expected one reset, got %d (%v)", n, err)
	}
	if n, err := st.ResetDueSequences(ctx, day, "09:00"); err != nil || n != 0 {
		t.Fatalf("expected reset once per day, got %d (%v)", n, err)
	}
	if token := createToken(t, ctx, svc, orgID, 0); token.Token.Number != "I001" {
		t.Fatalf("expected numbering restart, got %s", token.Token.Number)
	}
}

func TestCounterConstraints(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	orgID := uuid.NewString()
	counterA := uuid.NewString()
	seedBaseData(t, ctx, st, orgID, counterA, uuid.NewString())

	err := st.InsertCounter(ctx, models.Counter{CounterID: uuid.NewString(), OrganizationID: orgID, Name: "Counter A", IsActive: true, CreatedAt: time.Now().UTC()})
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected duplicate name, got %v", err)
	}

	staff := "staff-1"
	counter, err := st.GetCounter(ctx, orgID, counterA)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	counter.AssignedStaffID = &staff
	if _, err := st.UpdateCounter(ctx, counter); err != nil {
		t.Fatalf("assign staff: %v", err)
	}
	err = st.InsertCounter(ctx, models.Counter{CounterID: uuid.NewString(), OrganizationID: orgID, Name: "Counter C", IsActive: true, AssignedStaffID: &staff, CreatedAt: time.Now().UTC()})
	if !errors.Is(err, store.ErrStaffAssigned) {
		t.Fatalf("expected staff already assigned, got %v", err)
	}
	found, ok, err := st.FindCounterByStaff(ctx, orgID, staff)
	if err != nil || !ok || found.CounterID != counterA {
		t.Fatalf("expected staff at counter A, ok=%v err=%v", ok, err)
	}
}

type callResult struct {
	tokenID string
	err     error
}

func TestInsertSessionConflictKeepsTransaction(t *testing.T) {
	ctx := context.Background()
	st, _, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	orgID := uuid.NewString()
	seedBaseData(t, ctx, st, orgID, uuid.NewString(), uuid.NewString())
	first := models.ServiceSession{SessionID: uuid.NewString(), OrganizationID: orgID, StaffID: "staff-1", StartedAt: time.Now().UTC()}
	if err := st.InsertSession(ctx, first); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	err := st.InTx(ctx, func(q store.Queries) error {
		second := first
		second.SessionID = uuid.NewString()
		if err := q.InsertSession(ctx, second); !errors.Is(err, store.ErrDuplicate) {
			t.Fatalf("expected duplicate, got %v", err)
		}
		session, found, err := q.GetActiveSession(ctx, orgID, "staff-1")
		if err != nil || !found {
			t.Fatalf("re-read after conflict: found=%v err=%v", found, err)
		}
		if session.SessionID != first.SessionID {
			t.Fatalf("expected %s, got %s", first.SessionID, session.SessionID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction must commit after a session conflict: %v", err)
	}
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return NewStore(pool), pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}

func seedBaseData(t *testing.T, ctx context.Context, st *Store, orgID, counterA, counterB string) {
	t.Helper()
	if _, err := st.pool.Exec(ctx, `
		INSERT INTO organizations (organization_id, name) VALUES ($1, 'Organization')
	`, orgID); err != nil {
		t.Fatalf("insert organization: %v", err)
	}
	if _, err := st.UpsertQueueSetting(ctx, models.QueueSetting{
		OrganizationID:     orgID,
		CustomerType:       models.CustomerInstant,
		Prefix:             "I",
		MaxNumber:          999,
		ResetDaily:         true,
		ResetTime:          "08:00",
		IsActive:           true,
		PriorityMultiplier: 1,
	}); err != nil {
		t.Fatalf("insert queue setting: %v", err)
	}
	for _, counter := range []models.Counter{
		{CounterID: counterA, OrganizationID: orgID, Name: "Counter A", IsActive: true, CreatedAt: time.Now().UTC()},
		{CounterID: counterB, OrganizationID: orgID, Name: "Counter B", IsActive: true, CreatedAt: time.Now().UTC()},
	} {
		if err := st.InsertCounter(ctx, counter); err != nil {
			t.Fatalf("insert counter %s: %v", counter.Name, err)
		}
	}
}

func createToken(t *testing.T, ctx context.Context, svc *queue.Service, orgID string, priority int) queue.CreateTokenResult {
	t.Helper()
	result, err := svc.CreateToken(ctx, queue.CreateTokenRequest{
		OrganizationID: orgID,
		CustomerType:   models.CustomerInstant,
		Priority:       priority,
	})
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	return result
}
