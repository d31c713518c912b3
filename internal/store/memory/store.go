// Package memory is an in-process Repository. Transactions are serialized
// behind one mutex and run against a copy of the state that replaces the
// live state only when the transaction function succeeds.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/store"

	"github.com/google/uuid"
)

type state struct {
	settings  map[string]models.QueueSetting
	tokens    []models.Token
	counters  []models.Counter
	sessions  []models.ServiceSession
	outbox    []store.OutboxEvent
	outboxSeq int64
	audits    []models.AuditEntry
	events    map[string][]store.TokenEvent
}

func newState() *state {
	return &state{
		settings: make(map[string]models.QueueSetting),
		events:   make(map[string][]store.TokenEvent),
	}
}

func (s *state) clone() *state {
	out := &state{
		settings:  make(map[string]models.QueueSetting, len(s.settings)),
		tokens:    append([]models.Token(nil), s.tokens...),
		counters:  append([]models.Counter(nil), s.counters...),
		sessions:  append([]models.ServiceSession(nil), s.sessions...),
		outbox:    append([]store.OutboxEvent(nil), s.outbox...),
		outboxSeq: s.outboxSeq,
		audits:    append([]models.AuditEntry(nil), s.audits...),
		events:    make(map[string][]store.TokenEvent, len(s.events)),
	}
	for k, v := range s.settings {
		out.settings[k] = v
	}
	for k, v := range s.events {
		out.events[k] = append([]store.TokenEvent(nil), v...)
	}
	return out
}

// view implements store.Queries over a state. mu is nil inside a transaction,
// where the Store already holds the lock.
type view struct {
	mu *sync.Mutex
	d  *state
}

func (v *view) hold() func() {
	if v.mu == nil {
		return func() {}
	}
	v.mu.Lock()
	return v.mu.Unlock
}

type Store struct {
	*view
	mu sync.Mutex
}

func NewStore() *Store {
	s := &Store{}
	s.view = &view{mu: &s.mu, d: newState()}
	return s
}

func (s *Store) InTx(ctx context.Context, fn func(q store.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &view{d: s.d.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	*s.d = *tx.d
	return nil
}

func settingKey(organizationID, customerType string) string {
	return organizationID + "|" + customerType
}

func (v *view) NextSequence(ctx context.Context, organizationID, customerType string) (store.Sequence, error) {
	defer v.hold()()
	key := settingKey(organizationID, customerType)
	setting, ok := v.d.settings[key]
	if !ok || !setting.IsActive {
		return store.Sequence{}, store.ErrQueueNotActive
	}
	setting.CurrentNumber++
	v.d.settings[key] = setting
	return store.Sequence{Prefix: setting.Prefix, Value: setting.CurrentNumber, MaxNumber: setting.MaxNumber}, nil
}

func (v *view) GetQueueSetting(ctx context.Context, organizationID, customerType string) (models.QueueSetting, error) {
	defer v.hold()()
	setting, ok := v.d.settings[settingKey(organizationID, customerType)]
	if !ok {
		return models.QueueSetting{}, store.ErrQueueNotActive
	}
	return setting, nil
}

func (v *view) ListQueueSettings(ctx context.Context, organizationID string, activeOnly bool) ([]models.QueueSetting, error) {
	defer v.hold()()
	var out []models.QueueSetting
	for _, setting := range v.d.settings {
		if setting.OrganizationID != organizationID || (activeOnly && !setting.IsActive) {
			continue
		}
		out = append(out, setting)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CustomerType < out[j].CustomerType })
	return out, nil
}

func (v *view) UpsertQueueSetting(ctx context.Context, setting models.QueueSetting) (models.QueueSetting, error) {
	defer v.hold()()
	key := settingKey(setting.OrganizationID, setting.CustomerType)
	if existing, ok := v.d.settings[key]; ok {
		setting.CurrentNumber = existing.CurrentNumber
		setting.LastResetOn = existing.LastResetOn
	}
	v.d.settings[key] = setting
	return setting, nil
}

func (v *view) ResetDueSequences(ctx context.Context, day time.Time, clock string) (int64, error) {
	defer v.hold()()
	var count int64
	for key, setting := range v.d.settings {
		if !setting.ResetDaily || setting.ResetTime == "" || setting.ResetTime > clock {
			continue
		}
		if setting.LastResetOn != nil && !setting.LastResetOn.Before(day) {
			continue
		}
		resetOn := day
		setting.CurrentNumber = 0
		setting.LastResetOn = &resetOn
		v.d.settings[key] = setting
		count++
	}
	return count, nil
}

func (v *view) InsertToken(ctx context.Context, token models.Token) error {
	defer v.hold()()
	for _, existing := range v.d.tokens {
		if existing.TokenID == token.TokenID {
			return store.ErrDuplicate
		}
	}
	v.d.tokens = append(v.d.tokens, token)
	return nil
}

func (v *view) findToken(organizationID, tokenID string) int {
	for i, token := range v.d.tokens {
		if token.TokenID == tokenID && token.OrganizationID == organizationID {
			return i
		}
	}
	return -1
}

func (v *view) GetToken(ctx context.Context, organizationID, tokenID string) (models.Token, error) {
	defer v.hold()()
	idx := v.findToken(organizationID, tokenID)
	if idx < 0 {
		return models.Token{}, store.ErrTokenNotFound
	}
	return v.d.tokens[idx], nil
}

func (v *view) UpdateToken(ctx context.Context, update store.TokenUpdate) (models.Token, error) {
	defer v.hold()()
	idx := v.findToken(update.OrganizationID, update.TokenID)
	if idx < 0 {
		return models.Token{}, store.ErrTokenNotFound
	}
	token := v.d.tokens[idx]
	if !contains(update.From, token.Status) {
		return models.Token{}, store.ErrInvalidState
	}
	token.Status = update.To
	if update.CalledAt != nil {
		token.CalledAt = update.CalledAt
	}
	if update.ServedAt != nil {
		token.ServedAt = update.ServedAt
	}
	if update.CompletedAt != nil {
		token.CompletedAt = update.CompletedAt
	}
	if update.CancelledAt != nil {
		token.CancelledAt = update.CancelledAt
	}
	if update.ClearCancelledAt {
		token.CancelledAt = nil
	}
	if update.ServedBy != nil {
		token.ServedBy = update.ServedBy
	}
	if update.CounterID != nil {
		token.CounterID = update.CounterID
	}
	if update.ActualWaitTime != nil {
		token.ActualWaitTime = update.ActualWaitTime
	}
	if update.ServiceDuration != nil {
		token.ServiceDuration = update.ServiceDuration
	}
	if update.Notes != nil {
		token.Notes = *update.Notes
	}
	if len(update.Metadata) > 0 {
		merged := make(map[string]interface{}, len(token.Metadata)+len(update.Metadata))
		for k, val := range token.Metadata {
			merged[k] = val
		}
		for k, val := range update.Metadata {
			merged[k] = val
		}
		token.Metadata = merged
	}
	v.d.tokens[idx] = token
	return token, nil
}

func matchWaiting(filter store.WaitingFilter, token models.Token) bool {
	if token.Status != models.StatusWaiting || token.OrganizationID != filter.OrganizationID {
		return false
	}
	if filter.CustomerType != "" && token.CustomerType != filter.CustomerType {
		return false
	}
	if filter.CounterID != "" && token.CounterID != nil && *token.CounterID != filter.CounterID {
		return false
	}
	if p := filter.Ahead; p != nil {
		if !token.RanksBefore(models.Token{Priority: p.Priority, CreatedAt: p.CreatedAt}) {
			return false
		}
	}
	if p := filter.SamePriorityBefore; p != nil {
		if token.Priority != p.Priority || !token.CreatedAt.Before(p.CreatedAt) {
			return false
		}
	}
	return true
}

func (v *view) ListWaiting(ctx context.Context, filter store.WaitingFilter, limit int) ([]models.Token, error) {
	defer v.hold()()
	var out []models.Token
	for _, token := range v.d.tokens {
		if matchWaiting(filter, token) {
			out = append(out, token)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RanksBefore(out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (v *view) ClaimCandidates(ctx context.Context, filter store.WaitingFilter, limit int) ([]models.Token, error) {
	return v.ListWaiting(ctx, filter, limit)
}

func (v *view) CountWaiting(ctx context.Context, filter store.WaitingFilter) (int, error) {
	defer v.hold()()
	count := 0
	for _, token := range v.d.tokens {
		if matchWaiting(filter, token) {
			count++
		}
	}
	return count, nil
}

func recentAt(token models.Token) time.Time {
	for _, ts := range []*time.Time{token.CompletedAt, token.CancelledAt, token.ServedAt, token.CalledAt} {
		if ts != nil {
			return *ts
		}
	}
	return token.CreatedAt
}

func (v *view) ListRecent(ctx context.Context, filter store.RecentFilter) ([]models.Token, error) {
	defer v.hold()()
	var out []models.Token
	for _, token := range v.d.tokens {
		if token.OrganizationID != filter.OrganizationID || !contains(filter.Statuses, token.Status) {
			continue
		}
		if filter.CounterID != "" && (token.CounterID == nil || *token.CounterID != filter.CounterID) {
			continue
		}
		if !filter.Since.IsZero() && recentAt(token).Before(filter.Since) {
			continue
		}
		out = append(out, token)
	}
	sort.SliceStable(out, func(i, j int) bool { return recentAt(out[i]).After(recentAt(out[j])) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (v *view) ServiceDurations(ctx context.Context, filter store.DurationFilter) ([]int, error) {
	defer v.hold()()
	var done []models.Token
	for _, token := range v.d.tokens {
		if token.OrganizationID != filter.OrganizationID || token.Status != models.StatusCompleted {
			continue
		}
		if token.ServiceDuration == nil || token.CompletedAt == nil {
			continue
		}
		if filter.CustomerType != "" && token.CustomerType != filter.CustomerType {
			continue
		}
		if filter.CounterID != "" && (token.CounterID == nil || *token.CounterID != filter.CounterID) {
			continue
		}
		if !filter.Since.IsZero() && token.CompletedAt.Before(filter.Since) {
			continue
		}
		done = append(done, token)
	}
	sort.SliceStable(done, func(i, j int) bool { return done[i].CompletedAt.After(*done[j].CompletedAt) })
	if filter.Limit > 0 && len(done) > filter.Limit {
		done = done[:filter.Limit]
	}
	out := make([]int, 0, len(done))
	for _, token := range done {
		out = append(out, *token.ServiceDuration)
	}
	return out, nil
}

func (v *view) DailyTotals(ctx context.Context, organizationID string, since time.Time, loc *time.Location) (store.DailyTotals, error) {
	defer v.hold()()
	if loc == nil {
		loc = time.UTC
	}
	totals := store.DailyTotals{ByStatus: make(map[string]int)}
	var waitSum, waitN, serviceSum, serviceN int
	hours := make(map[int]int)
	for _, token := range v.d.tokens {
		if token.OrganizationID != organizationID {
			continue
		}
		if token.CompletedAt != nil && !token.CompletedAt.Before(since) {
			hours[token.CompletedAt.In(loc).Hour()]++
		}
		if token.CreatedAt.Before(since) {
			continue
		}
		totals.ByStatus[token.Status]++
		if token.ActualWaitTime != nil {
			waitSum += *token.ActualWaitTime
			waitN++
		}
		if token.Status == models.StatusCompleted && token.ServiceDuration != nil {
			serviceSum += *token.ServiceDuration
			serviceN++
		}
	}
	if waitN > 0 {
		totals.AverageWaitTime = float64(waitSum) / float64(waitN)
	}
	if serviceN > 0 {
		totals.AverageServiceTime = float64(serviceSum) / float64(serviceN)
	}
	best := -1
	for hour, count := range hours {
		if best < 0 || count > hours[best] || (count == hours[best] && hour < best) {
			best = hour
		}
	}
	if best >= 0 {
		totals.PeakHour = &best
	}
	return totals, nil
}

func (v *view) findCounter(organizationID, counterID string) int {
	for i, counter := range v.d.counters {
		if counter.CounterID == counterID && counter.OrganizationID == organizationID {
			return i
		}
	}
	return -1
}

func (v *view) GetCounter(ctx context.Context, organizationID, counterID string) (models.Counter, error) {
	defer v.hold()()
	idx := v.findCounter(organizationID, counterID)
	if idx < 0 {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return v.d.counters[idx], nil
}

func (v *view) ListCounters(ctx context.Context, organizationID string, activeOnly bool) ([]models.Counter, error) {
	defer v.hold()()
	var out []models.Counter
	for _, counter := range v.d.counters {
		if counter.OrganizationID != organizationID || (activeOnly && !counter.IsActive) {
			continue
		}
		out = append(out, counter)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (v *view) CountActiveCounters(ctx context.Context, organizationID string) (int, error) {
	defer v.hold()()
	count := 0
	for _, counter := range v.d.counters {
		if counter.OrganizationID == organizationID && counter.IsActive {
			count++
		}
	}
	return count, nil
}

func (v *view) checkCounterUnique(counter models.Counter) error {
	for _, existing := range v.d.counters {
		if existing.CounterID == counter.CounterID {
			continue
		}
		if existing.OrganizationID != counter.OrganizationID {
			continue
		}
		if existing.Name == counter.Name {
			return store.ErrDuplicate
		}
		if counter.IsActive && existing.IsActive && counter.AssignedStaffID != nil && existing.AssignedStaffID != nil &&
			*counter.AssignedStaffID == *existing.AssignedStaffID {
			return store.ErrStaffAssigned
		}
	}
	return nil
}

func (v *view) InsertCounter(ctx context.Context, counter models.Counter) error {
	defer v.hold()()
	if v.findCounter(counter.OrganizationID, counter.CounterID) >= 0 {
		return store.ErrDuplicate
	}
	if err := v.checkCounterUnique(counter); err != nil {
		return err
	}
	v.d.counters = append(v.d.counters, counter)
	return nil
}

func (v *view) UpdateCounter(ctx context.Context, counter models.Counter) (models.Counter, error) {
	defer v.hold()()
	idx := v.findCounter(counter.OrganizationID, counter.CounterID)
	if idx < 0 {
		return models.Counter{}, store.ErrCounterNotFound
	}
	if err := v.checkCounterUnique(counter); err != nil {
		return models.Counter{}, err
	}
	counter.CreatedAt = v.d.counters[idx].CreatedAt
	v.d.counters[idx] = counter
	return counter, nil
}

func (v *view) DeleteCounter(ctx context.Context, organizationID, counterID string) error {
	defer v.hold()()
	idx := v.findCounter(organizationID, counterID)
	if idx < 0 {
		return store.ErrCounterNotFound
	}
	v.d.counters = append(v.d.counters[:idx:idx], v.d.counters[idx+1:]...)
	return nil
}

func (v *view) CountOpenTokens(ctx context.Context, organizationID, counterID string) (int, error) {
	defer v.hold()()
	count := 0
	for _, token := range v.d.tokens {
		if token.OrganizationID != organizationID || token.CounterID == nil || *token.CounterID != counterID {
			continue
		}
		if token.Open() {
			count++
		}
	}
	return count, nil
}

func (v *view) FindCounterByStaff(ctx context.Context, organizationID, staffID string) (models.Counter, bool, error) {
	defer v.hold()()
	for _, counter := range v.d.counters {
		if counter.OrganizationID == organizationID && counter.IsActive && counter.AssignedStaffID != nil && *counter.AssignedStaffID == staffID {
			return counter, true, nil
		}
	}
	return models.Counter{}, false, nil
}

func (v *view) GetActiveSession(ctx context.Context, organizationID, staffID string) (models.ServiceSession, bool, error) {
	defer v.hold()()
	for _, session := range v.d.sessions {
		if session.OrganizationID == organizationID && session.StaffID == staffID && session.EndedAt == nil {
			return session, true, nil
		}
	}
	return models.ServiceSession{}, false, nil
}

func (v *view) InsertSession(ctx context.Context, session models.ServiceSession) error {
	defer v.hold()()
	for _, existing := range v.d.sessions {
		if existing.StaffID == session.StaffID && existing.EndedAt == nil {
			return store.ErrDuplicate
		}
	}
	v.d.sessions = append(v.d.sessions, session)
	return nil
}

func (v *view) UpdateSessionStats(ctx context.Context, sessionID string, tokensServed int, average float64) error {
	defer v.hold()()
	for i, session := range v.d.sessions {
		if session.SessionID == sessionID {
			v.d.sessions[i].TokensServed = tokensServed
			v.d.sessions[i].AverageServiceTime = average
			return nil
		}
	}
	return store.ErrSessionNotFound
}

func (v *view) EndSession(ctx context.Context, organizationID, staffID string, endedAt time.Time) (models.ServiceSession, error) {
	defer v.hold()()
	for i, session := range v.d.sessions {
		if session.OrganizationID == organizationID && session.StaffID == staffID && session.EndedAt == nil {
			ended := endedAt
			v.d.sessions[i].EndedAt = &ended
			return v.d.sessions[i], nil
		}
	}
	return models.ServiceSession{}, store.ErrSessionNotFound
}

func (v *view) AppendOutbox(ctx context.Context, event store.OutboxEvent) error {
	defer v.hold()()
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	v.d.outboxSeq++
	event.Seq = v.d.outboxSeq
	v.d.outbox = append(v.d.outbox, event)
	if event.TokenID == "" {
		return nil
	}
	chain := v.d.events[event.TokenID]
	var last *store.TokenEvent
	if len(chain) > 0 {
		last = &chain[len(chain)-1]
	}
	v.d.events[event.TokenID] = append(chain, store.NextTokenEvent(last, event.TokenID, event.Event, event.Payload, event.CreatedAt))
	return nil
}

func (v *view) InsertAudit(ctx context.Context, entry models.AuditEntry) error {
	defer v.hold()()
	v.d.audits = append(v.d.audits, entry)
	return nil
}

func (v *view) ListTokenEvents(ctx context.Context, organizationID, tokenID string) ([]store.TokenEvent, error) {
	defer v.hold()()
	if v.findToken(organizationID, tokenID) < 0 {
		return nil, store.ErrTokenNotFound
	}
	return append([]store.TokenEvent(nil), v.d.events[tokenID]...), nil
}

func (s *Store) DeliverOutbox(ctx context.Context, limit, maxAttempts int, deliver func(context.Context, store.OutboxEvent) error) (store.DeliveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result store.DeliveryResult
	blocked := make(map[string]bool)
	for i := range s.d.outbox {
		if limit > 0 && result.Delivered+result.Failed >= limit {
			break
		}
		event := &s.d.outbox[i]
		if event.DeliveredAt != nil || (maxAttempts > 0 && event.Attempts >= maxAttempts) {
			continue
		}
		if blocked[event.Room] {
			continue
		}
		event.Attempts++
		if err := deliver(ctx, *event); err != nil {
			event.LastError = err.Error()
			blocked[event.Room] = true
			result.Failed++
			continue
		}
		now := time.Now().UTC()
		event.DeliveredAt = &now
		event.LastError = ""
		result.Delivered++
	}
	return result, nil
}

func (s *Store) PurgeOutbox(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.d.outbox[:0]
	var purged int64
	for _, event := range s.d.outbox {
		if event.DeliveredAt != nil && event.DeliveredAt.Before(before) {
			purged++
			continue
		}
		kept = append(kept, event)
	}
	s.d.outbox = kept
	return purged, nil
}

// Outbox returns a copy of every outbox row, delivered or not.
func (s *Store) Outbox() []store.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.OutboxEvent(nil), s.d.outbox...)
}

// Audits returns a copy of the audit entries recorded so far.
func (s *Store) Audits() []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEntry(nil), s.d.audits...)
}

func contains(values []string, value string) bool {
	for _, item := range values {
		if item == value {
			return true
		}
	}
	return false
}
