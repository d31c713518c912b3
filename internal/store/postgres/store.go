package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const tokenColumns = `token_id, organization_id, number, sequence, customer_type, status, priority,
	counter_id, served_by, notes, metadata, created_at, called_at, served_at, completed_at,
	cancelled_at, actual_wait_time, service_duration`

const settingColumns = `organization_id, customer_type, prefix, current_number, max_number,
	reset_daily, reset_time, last_reset_on, is_active, priority_multiplier`

const counterColumns = `counter_id, organization_id, name, is_active, assigned_staff_id, created_at`

const sessionColumns = `session_id, organization_id, staff_id, started_at, ended_at, tokens_served, average_service_time`

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type queries struct {
	db dbtx
}

type Store struct {
	*queries
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{queries: &queries{db: pool}, pool: pool}
}

func (s *Store) InTx(ctx context.Context, fn func(q store.Queries) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = fn(&queries{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (q *queries) NextSequence(ctx context.Context, organizationID, customerType string) (store.Sequence, error) {
	var seq store.Sequence
	row := q.db.QueryRow(ctx, `
		UPDATE queue_settings
		SET current_number = current_number + 1
		WHERE organization_id = $1 AND customer_type = $2 AND is_active
		RETURNING prefix, current_number, max_number
	`, organizationID, customerType)
	if err := row.Scan(&seq.Prefix, &seq.Value, &seq.MaxNumber); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Sequence{}, store.ErrQueueNotActive
		}
		return store.Sequence{}, err
	}
	return seq, nil
}

func (q *queries) GetQueueSetting(ctx context.Context, organizationID, customerType string) (models.QueueSetting, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+settingColumns+`
		FROM queue_settings
		WHERE organization_id = $1 AND customer_type = $2
	`, organizationID, customerType)
	setting, err := scanSetting(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QueueSetting{}, store.ErrQueueNotActive
	}
	return setting, err
}

func (q *queries) ListQueueSettings(ctx context.Context, organizationID string, activeOnly bool) ([]models.QueueSetting, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+settingColumns+`
		FROM queue_settings
		WHERE organization_id = $1 AND ($2 = FALSE OR is_active)
		ORDER BY customer_type
	`, organizationID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settings []models.QueueSetting
	for rows.Next() {
		setting, err := scanSetting(rows)
		if err != nil {
			return nil, err
		}
		settings = append(settings, setting)
	}
	return settings, rows.Err()
}

// UpsertQueueSetting leaves current_number and last_reset_on of an existing
// row untouched.
func (q *queries) UpsertQueueSetting(ctx context.Context, setting models.QueueSetting) (models.QueueSetting, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO queue_settings (
			organization_id, customer_type, prefix, max_number, reset_daily, reset_time, is_active, priority_multiplier
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (organization_id, customer_type) DO UPDATE SET
			prefix = EXCLUDED.prefix,
			max_number = EXCLUDED.max_number,
			reset_daily = EXCLUDED.reset_daily,
			reset_time = EXCLUDED.reset_time,
			is_active = EXCLUDED.is_active,
			priority_multiplier = EXCLUDED.priority_multiplier
		RETURNING `+settingColumns,
		setting.OrganizationID, setting.CustomerType, setting.Prefix, setting.MaxNumber,
		setting.ResetDaily, setting.ResetTime, setting.IsActive, setting.PriorityMultiplier)
	return scanSetting(row)
}

func (s *Store) ResetDueSequences(ctx context.Context, day time.Time, clock string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_settings
		SET current_number = 0, last_reset_on = $1
		WHERE reset_daily
			AND reset_time <> ''
			AND reset_time <= $2
			AND (last_reset_on IS NULL OR last_reset_on < $1)
	`, day, clock)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *queries) InsertToken(ctx context.Context, token models.Token) error {
	metadata, err := metadataJSON(token.Metadata)
	if err != nil {
		return err
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO tokens (
			token_id, organization_id, number, sequence, customer_type, status, priority,
			counter_id, served_by, notes, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, token.TokenID, token.OrganizationID, token.Number, token.Sequence, token.CustomerType, token.Status,
		token.Priority, token.CounterID, token.ServedBy, token.Notes, metadata, token.CreatedAt)
	return mapError(err)
}

func (q *queries) GetToken(ctx context.Context, organizationID, tokenID string) (models.Token, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+tokenColumns+`
		FROM tokens
		WHERE token_id = $1 AND organization_id = $2
	`, tokenID, organizationID)
	token, err := scanToken(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Token{}, store.ErrTokenNotFound
	}
	return token, err
}

// UpdateToken applies update only while the token is in one of update.From.
func (q *queries) UpdateToken(ctx context.Context, update store.TokenUpdate) (models.Token, error) {
	set := []string{"status = $1"}
	args := []interface{}{update.To}
	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if update.CalledAt != nil {
		add("called_at", *update.CalledAt)
	}
	if update.ServedAt != nil {
		add("served_at", *update.ServedAt)
	}
	if update.CompletedAt != nil {
		add("completed_at", *update.CompletedAt)
	}
	if update.ClearCancelledAt {
		set = append(set, "cancelled_at = NULL")
	} else if update.CancelledAt != nil {
		add("cancelled_at", *update.CancelledAt)
	}
	if update.ServedBy != nil {
		add("served_by", *update.ServedBy)
	}
	if update.CounterID != nil {
		add("counter_id", *update.CounterID)
	}
	if update.ActualWaitTime != nil {
		add("actual_wait_time", *update.ActualWaitTime)
	}
	if update.ServiceDuration != nil {
		add("service_duration", *update.ServiceDuration)
	}
	if update.Notes != nil {
		add("notes", *update.Notes)
	}
	if len(update.Metadata) > 0 {
		metadata, err := metadataJSON(update.Metadata)
		if err != nil {
			return models.Token{}, err
		}
		args = append(args, metadata)
		set = append(set, fmt.Sprintf("metadata = metadata || $%d::jsonb", len(args)))
	}

	n := len(args)
	args = append(args, update.TokenID, update.OrganizationID, update.From)
	query := fmt.Sprintf(`
		UPDATE tokens
		SET %s
		WHERE token_id = $%d AND organization_id = $%d AND status = ANY($%d)
		RETURNING `+tokenColumns, strings.Join(set, ", "), n+1, n+2, n+3)

	token, err := scanToken(q.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			exists, err := q.tokenExists(ctx, update.OrganizationID, update.TokenID)
			if err != nil {
				return models.Token{}, err
			}
			if !exists {
				return models.Token{}, store.ErrTokenNotFound
			}
			return models.Token{}, store.ErrInvalidState
		}
		return models.Token{}, err
	}
	return token, nil
}

func (q *queries) tokenExists(ctx context.Context, organizationID, tokenID string) (bool, error) {
	var status string
	row := q.db.QueryRow(ctx, `
		SELECT status FROM tokens WHERE token_id = $1 AND organization_id = $2
	`, tokenID, organizationID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func waitingWhere(filter store.WaitingFilter) (string, []interface{}) {
	where := []string{"organization_id = $1", "status = 'waiting'"}
	args := []interface{}{filter.OrganizationID}
	if filter.CustomerType != "" {
		args = append(args, filter.CustomerType)
		where = append(where, fmt.Sprintf("customer_type = $%d", len(args)))
	}
	if filter.CounterID != "" {
		args = append(args, filter.CounterID)
		where = append(where, fmt.Sprintf("(counter_id IS NULL OR counter_id = $%d)", len(args)))
	}
	if p := filter.Ahead; p != nil {
		args = append(args, p.Priority, p.CreatedAt)
		where = append(where, fmt.Sprintf("(priority > $%d OR (priority = $%d AND created_at < $%d))", len(args)-1, len(args)-1, len(args)))
	}
	if p := filter.SamePriorityBefore; p != nil {
		args = append(args, p.Priority, p.CreatedAt)
		where = append(where, fmt.Sprintf("priority = $%d AND created_at < $%d", len(args)-1, len(args)))
	}
	return strings.Join(where, " AND "), args
}

func (q *queries) listWaiting(ctx context.Context, filter store.WaitingFilter, limit int, lock bool) ([]models.Token, error) {
	where, args := waitingWhere(filter)
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE ` + where +
		` ORDER BY priority DESC, created_at ASC, arrival_seq ASC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if lock {
		query += " FOR UPDATE SKIP LOCKED"
	}
	return q.queryTokens(ctx, query, args...)
}

// ClaimCandidates locks the head of the queue; rows held by a concurrent
// caller are skipped.
func (q *queries) ClaimCandidates(ctx context.Context, filter store.WaitingFilter, limit int) ([]models.Token, error) {
	return q.listWaiting(ctx, filter, limit, true)
}

func (q *queries) ListWaiting(ctx context.Context, filter store.WaitingFilter, limit int) ([]models.Token, error) {
	return q.listWaiting(ctx, filter, limit, false)
}

func (q *queries) CountWaiting(ctx context.Context, filter store.WaitingFilter) (int, error) {
	where, args := waitingWhere(filter)
	var count int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM tokens WHERE `+where, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (q *queries) ListRecent(ctx context.Context, filter store.RecentFilter) ([]models.Token, error) {
	where := []string{"organization_id = $1", "status = ANY($2)"}
	args := []interface{}{filter.OrganizationID, filter.Statuses}
	if filter.CounterID != "" {
		args = append(args, filter.CounterID)
		where = append(where, fmt.Sprintf("counter_id = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		where = append(where, fmt.Sprintf("COALESCE(completed_at, cancelled_at, served_at, called_at, created_at) >= $%d", len(args)))
	}
	query := `SELECT ` + tokenColumns + ` FROM tokens WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY COALESCE(completed_at, cancelled_at, served_at, called_at, created_at) DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return q.queryTokens(ctx, query, args...)
}

func (q *queries) ServiceDurations(ctx context.Context, filter store.DurationFilter) ([]int, error) {
	where := []string{
		"organization_id = $1",
		"status = 'completed'",
		"service_duration IS NOT NULL",
		"completed_at IS NOT NULL",
	}
	args := []interface{}{filter.OrganizationID}
	if filter.CustomerType != "" {
		args = append(args, filter.CustomerType)
		where = append(where, fmt.Sprintf("customer_type = $%d", len(args)))
	}
	if filter.CounterID != "" {
		args = append(args, filter.CounterID)
		where = append(where, fmt.Sprintf("counter_id = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		where = append(where, fmt.Sprintf("completed_at >= $%d", len(args)))
	}
	query := `SELECT service_duration FROM tokens WHERE ` + strings.Join(where, " AND ") + ` ORDER BY completed_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var durations []int
	for rows.Next() {
		var duration int
		if err := rows.Scan(&duration); err != nil {
			return nil, err
		}
		durations = append(durations, duration)
	}
	return durations, rows.Err()
}

func (q *queries) DailyTotals(ctx context.Context, organizationID string, since time.Time, loc *time.Location) (store.DailyTotals, error) {
	if loc == nil {
		loc = time.UTC
	}
	totals := store.DailyTotals{ByStatus: make(map[string]int)}

	rows, err := q.db.Query(ctx, `
		SELECT status, COUNT(*)
		FROM tokens
		WHERE organization_id = $1 AND created_at >= $2
		GROUP BY status
	`, organizationID, since)
	if err != nil {
		return totals, err
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return totals, err
		}
		totals.ByStatus[status] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return totals, err
	}

	row := q.db.QueryRow(ctx, `
		SELECT
			COALESCE(AVG(actual_wait_time), 0)::float8,
			COALESCE(AVG(service_duration) FILTER (WHERE status = 'completed'), 0)::float8
		FROM tokens
		WHERE organization_id = $1 AND created_at >= $2
	`, organizationID, since)
	if err := row.Scan(&totals.AverageWaitTime, &totals.AverageServiceTime); err != nil {
		return totals, err
	}

	var hour int
	row = q.db.QueryRow(ctx, `
		SELECT EXTRACT(HOUR FROM completed_at AT TIME ZONE $3)::int AS hour
		FROM tokens
		WHERE organization_id = $1 AND completed_at >= $2
		GROUP BY hour
		ORDER BY COUNT(*) DESC, hour ASC
		LIMIT 1
	`, organizationID, since, loc.String())
	switch err := row.Scan(&hour); {
	case err == nil:
		totals.PeakHour = &hour
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return totals, err
	}
	return totals, nil
}

func (q *queries) GetCounter(ctx context.Context, organizationID, counterID string) (models.Counter, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+counterColumns+`
		FROM counters
		WHERE counter_id = $1 AND organization_id = $2
	`, counterID, organizationID)
	counter, err := scanCounter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return counter, err
}

func (q *queries) ListCounters(ctx context.Context, organizationID string, activeOnly bool) ([]models.Counter, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+counterColumns+`
		FROM counters
		WHERE organization_id = $1 AND ($2 = FALSE OR is_active)
		ORDER BY name
	`, organizationID, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counters []models.Counter
	for rows.Next() {
		counter, err := scanCounter(rows)
		if err != nil {
			return nil, err
		}
		counters = append(counters, counter)
	}
	return counters, rows.Err()
}

func (q *queries) CountActiveCounters(ctx context.Context, organizationID string) (int, error) {
	var count int
	row := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM counters WHERE organization_id = $1 AND is_active`, organizationID)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (q *queries) InsertCounter(ctx context.Context, counter models.Counter) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO counters (counter_id, organization_id, name, is_active, assigned_staff_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, counter.CounterID, counter.OrganizationID, counter.Name, counter.IsActive, counter.AssignedStaffID, counter.CreatedAt)
	return mapError(err)
}

func (q *queries) UpdateCounter(ctx context.Context, counter models.Counter) (models.Counter, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE counters
		SET name = $3, is_active = $4, assigned_staff_id = $5
		WHERE counter_id = $1 AND organization_id = $2
		RETURNING `+counterColumns,
		counter.CounterID, counter.OrganizationID, counter.Name, counter.IsActive, counter.AssignedStaffID)
	updated, err := scanCounter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, mapError(err)
	}
	return updated, nil
}

func (q *queries) DeleteCounter(ctx context.Context, organizationID, counterID string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM counters WHERE counter_id = $1 AND organization_id = $2`, counterID, organizationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrCounterNotFound
	}
	return nil
}

func (q *queries) CountOpenTokens(ctx context.Context, organizationID, counterID string) (int, error) {
	var count int
	row := q.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tokens
		WHERE organization_id = $1 AND counter_id = $2 AND status IN ('waiting','called','serving')
	`, organizationID, counterID)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (q *queries) FindCounterByStaff(ctx context.Context, organizationID, staffID string) (models.Counter, bool, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+counterColumns+`
		FROM counters
		WHERE organization_id = $1 AND assigned_staff_id = $2 AND is_active
	`, organizationID, staffID)
	counter, err := scanCounter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, false, nil
		}
		return models.Counter{}, false, err
	}
	return counter, true, nil
}

func (q *queries) GetActiveSession(ctx context.Context, organizationID, staffID string) (models.ServiceSession, bool, error) {
	row := q.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM service_sessions
		WHERE organization_id = $1 AND staff_id = $2 AND ended_at IS NULL
	`, organizationID, staffID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ServiceSession{}, false, nil
		}
		return models.ServiceSession{}, false, err
	}
	return session, true, nil
}

// InsertSession returns ErrDuplicate when the staff member already has an open
// session. The conflict does not abort the surrounding transaction.
func (q *queries) InsertSession(ctx context.Context, session models.ServiceSession) error {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO service_sessions (session_id, organization_id, staff_id, started_at, tokens_served, average_service_time)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (staff_id) WHERE ended_at IS NULL DO NOTHING
	`, session.SessionID, session.OrganizationID, session.StaffID, session.StartedAt, session.TokensServed, session.AverageServiceTime)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: open session for staff %s", store.ErrDuplicate, session.StaffID)
	}
	return nil
}

func (q *queries) UpdateSessionStats(ctx context.Context, sessionID string, tokensServed int, average float64) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE service_sessions
		SET tokens_served = $2, average_service_time = $3
		WHERE session_id = $1
	`, sessionID, tokensServed, average)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

func (q *queries) EndSession(ctx context.Context, organizationID, staffID string, endedAt time.Time) (models.ServiceSession, error) {
	row := q.db.QueryRow(ctx, `
		UPDATE service_sessions
		SET ended_at = $3
		WHERE organization_id = $1 AND staff_id = $2 AND ended_at IS NULL
		RETURNING `+sessionColumns, organizationID, staffID, endedAt)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ServiceSession{}, store.ErrSessionNotFound
	}
	return session, err
}

func (q *queries) AppendOutbox(ctx context.Context, event store.OutboxEvent) error {
	// timestamptz keeps microseconds; the chain hash must survive a round trip.
	createdAt := event.CreatedAt.UTC().Truncate(time.Microsecond)
	_, err := q.db.Exec(ctx, `
		INSERT INTO outbox_events (event_id, organization_id, token_id, room, event, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, event.EventID, event.OrganizationID, nullIfEmpty(event.TokenID), event.Room, event.Event, []byte(event.Payload), createdAt)
	if err != nil {
		return err
	}
	if event.TokenID == "" {
		return nil
	}
	return q.insertTokenEvent(ctx, event.TokenID, event.Event, event.Payload, createdAt)
}

func (q *queries) insertTokenEvent(ctx context.Context, tokenID, eventType string, payload json.RawMessage, createdAt time.Time) error {
	if _, err := q.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tokenID); err != nil {
		return err
	}

	var last *store.TokenEvent
	var lastSeq int
	var lastHash string
	row := q.db.QueryRow(ctx, `
		SELECT token_seq, hash
		FROM token_events
		WHERE token_id = $1
		ORDER BY token_seq DESC
		LIMIT 1
	`, tokenID)
	switch err := row.Scan(&lastSeq, &lastHash); {
	case err == nil:
		last = &store.TokenEvent{TokenSeq: lastSeq, Hash: lastHash}
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return err
	}

	event := store.NextTokenEvent(last, tokenID, eventType, payload, createdAt)
	_, err := q.db.Exec(ctx, `
		INSERT INTO token_events (token_id, token_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, event.TokenID, event.TokenSeq, event.Type, []byte(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func (q *queries) InsertAudit(ctx context.Context, entry models.AuditEntry) error {
	var details interface{}
	if len(entry.Details) > 0 {
		details = entry.Details
	}
	_, err := q.db.Exec(ctx, `
		INSERT INTO audit_logs (audit_id, organization_id, actor_id, action, entity_type, entity_id, details, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.AuditID, entry.OrganizationID, nullIfEmpty(entry.ActorID), entry.Action, entry.EntityType, entry.EntityID, details, entry.CreatedAt)
	return err
}

func (q *queries) ListTokenEvents(ctx context.Context, organizationID, tokenID string) ([]store.TokenEvent, error) {
	exists, err := q.tokenExists(ctx, organizationID, tokenID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, store.ErrTokenNotFound
	}

	rows, err := q.db.Query(ctx, `
		SELECT token_id, token_seq, type, payload, created_at, prev_hash, hash
		FROM token_events
		WHERE token_id = $1
		ORDER BY token_seq ASC
	`, tokenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TokenEvent
	for rows.Next() {
		var event store.TokenEvent
		var payload []byte
		if err := rows.Scan(&event.TokenID, &event.TokenSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.Payload = payload
		events = append(events, event)
	}
	return events, rows.Err()
}

// DeliverOutbox hands pending rows to deliver in seq order. Once a row of a
// room fails, later rows of that room wait for the next pass.
func (s *Store) DeliverOutbox(ctx context.Context, limit, maxAttempts int, deliver func(context.Context, store.OutboxEvent) error) (result store.DeliveryResult, err error) {
	if limit <= 0 {
		limit = 100
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return result, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		SELECT seq, event_id, organization_id, token_id, room, event, payload, attempts, created_at
		FROM outbox_events
		WHERE delivered_at IS NULL AND ($1 <= 0 OR attempts < $1)
		ORDER BY seq ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, maxAttempts, limit)
	if err != nil {
		return result, err
	}
	var pending []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var tokenID sql.NullString
		var payload []byte
		if err = rows.Scan(&event.Seq, &event.EventID, &event.OrganizationID, &tokenID, &event.Room, &event.Event, &payload, &event.Attempts, &event.CreatedAt); err != nil {
			rows.Close()
			return result, err
		}
		if tokenID.Valid {
			event.TokenID = tokenID.String
		}
		event.Payload = payload
		pending = append(pending, event)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return result, err
	}

	blocked := make(map[string]bool)
	for _, event := range pending {
		if blocked[event.Room] {
			continue
		}
		event.Attempts++
		if deliverErr := deliver(ctx, event); deliverErr != nil {
			blocked[event.Room] = true
			result.Failed++
			if _, err = tx.Exec(ctx, `
				UPDATE outbox_events SET attempts = $2, last_error = $3 WHERE seq = $1
			`, event.Seq, event.Attempts, deliverErr.Error()); err != nil {
				return result, err
			}
			continue
		}
		result.Delivered++
		if _, err = tx.Exec(ctx, `
			UPDATE outbox_events SET attempts = $2, last_error = NULL, delivered_at = $3 WHERE seq = $1
		`, event.Seq, event.Attempts, time.Now().UTC()); err != nil {
			return result, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Store) PurgeOutbox(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE delivered_at IS NOT NULL AND delivered_at < $1
	`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *queries) queryTokens(ctx context.Context, query string, args ...interface{}) ([]models.Token, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func scanToken(row pgx.Row) (models.Token, error) {
	var token models.Token
	var counterIDNull sql.NullString
	var servedByNull sql.NullString
	var metadata []byte
	var calledAtNull sql.NullTime
	var servedAtNull sql.NullTime
	var completedAtNull sql.NullTime
	var cancelledAtNull sql.NullTime
	var waitNull sql.NullInt32
	var durationNull sql.NullInt32
	if err := row.Scan(&token.TokenID, &token.OrganizationID, &token.Number, &token.Sequence, &token.CustomerType,
		&token.Status, &token.Priority, &counterIDNull, &servedByNull, &token.Notes, &metadata, &token.CreatedAt,
		&calledAtNull, &servedAtNull, &completedAtNull, &cancelledAtNull, &waitNull, &durationNull); err != nil {
		return models.Token{}, err
	}
	token.CounterID = nullStringPtr(counterIDNull)
	token.ServedBy = nullStringPtr(servedByNull)
	token.CalledAt = nullTimePtr(calledAtNull)
	token.ServedAt = nullTimePtr(servedAtNull)
	token.CompletedAt = nullTimePtr(completedAtNull)
	token.CancelledAt = nullTimePtr(cancelledAtNull)
	token.ActualWaitTime = nullIntPtr(waitNull)
	token.ServiceDuration = nullIntPtr(durationNull)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &token.Metadata); err != nil {
			return models.Token{}, err
		}
		if len(token.Metadata) == 0 {
			token.Metadata = nil
		}
	}
	return token, nil
}

func scanSetting(row pgx.Row) (models.QueueSetting, error) {
	var setting models.QueueSetting
	var lastResetNull sql.NullTime
	if err := row.Scan(&setting.OrganizationID, &setting.CustomerType, &setting.Prefix, &setting.CurrentNumber,
		&setting.MaxNumber, &setting.ResetDaily, &setting.ResetTime, &lastResetNull, &setting.IsActive,
		&setting.PriorityMultiplier); err != nil {
		return models.QueueSetting{}, err
	}
	setting.LastResetOn = nullTimePtr(lastResetNull)
	return setting, nil
}

func scanCounter(row pgx.Row) (models.Counter, error) {
	var counter models.Counter
	var staffNull sql.NullString
	if err := row.Scan(&counter.CounterID, &counter.OrganizationID, &counter.Name, &counter.IsActive, &staffNull, &counter.CreatedAt); err != nil {
		return models.Counter{}, err
	}
	counter.AssignedStaffID = nullStringPtr(staffNull)
	return counter, nil
}

func scanSession(row pgx.Row) (models.ServiceSession, error) {
	var session models.ServiceSession
	var endedNull sql.NullTime
	if err := row.Scan(&session.SessionID, &session.OrganizationID, &session.StaffID, &session.StartedAt, &endedNull,
		&session.TokensServed, &session.AverageServiceTime); err != nil {
		return models.ServiceSession{}, err
	}
	session.EndedAt = nullTimePtr(endedNull)
	return session, nil
}

// mapError turns unique violations into store sentinels.
func mapError(err error) error {
	var pgErr *pgconn.PgError
	if err == nil || !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return err
	}
	switch pgErr.ConstraintName {
	case "counters_active_staff_idx":
		return fmt.Errorf("%w: %s", store.ErrStaffAssigned, pgErr.Detail)
	default:
		return fmt.Errorf("%w: %s", store.ErrDuplicate, pgErr.ConstraintName)
	}
}

func metadataJSON(metadata map[string]interface{}) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(metadata)
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func nullIntPtr(value sql.NullInt32) *int {
	if !value.Valid {
		return nil
	}
	v := int(value.Int32)
	return &v
}
