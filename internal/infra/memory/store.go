package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	alertDomain "earnings-alerts/internal/domain/alert"
)

// Store 為記憶體版的資料存取，實作所有 repository 介面，供測試與本機開發使用。
type Store struct {
	mu          sync.RWMutex
	rules       []alertDomain.Rule // 保持寫入順序
	history     map[string]alertDomain.History
	historySeq  []string
	historyKeys map[string]string // dedupe_key -> id
	queue       map[string]alertDomain.EmailQueueItem
	queueSeq    []string
	queueKeys   map[string]string
	prefs       map[string]alertDomain.Preference
	users       map[string]alertDomain.User
	snapshots   map[string]alertDomain.EvaluationContext
	tracked     []string
}

// NewStore 建立新的記憶體 Store 實例。
func NewStore() *Store {
	return &Store{
		history:     make(map[string]alertDomain.History),
		historyKeys: make(map[string]string),
		queue:       make(map[string]alertDomain.EmailQueueItem),
		queueKeys:   make(map[string]string),
		prefs:       make(map[string]alertDomain.Preference),
		users:       make(map[string]alertDomain.User),
		snapshots:   make(map[string]alertDomain.EvaluationContext),
	}
}

func newID() string {
	return uuid.NewString()
}

// AddRule 新增規則，未給 ID 時自動產生。
func (s *Store) AddRule(rule alertDomain.Rule) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rule.ID == "" {
		rule.ID = newID()
	}
	s.rules = append(s.rules, rule)
	return rule.ID
}

// Rule 依 ID 取得規則。
func (s *Store) Rule(id string) (alertDomain.Rule, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rules {
		if r.ID == id {
			return r, true
		}
	}
	return alertDomain.Rule{}, false
}

// ListActiveForSymbol 回傳適用該標的的啟用規則。
func (s *Store) ListActiveForSymbol(ctx context.Context, symbol string) ([]alertDomain.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []alertDomain.Rule
	for _, r := range s.rules {
		if r.IsActive && r.AppliesTo(symbol) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ActiveSymbols 列出啟用規則涉及的標的。
func (s *Store) ActiveSymbols(ctx context.Context) ([]string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	marketWide := false
	for _, r := range s.rules {
		if !r.IsActive {
			continue
		}
		if r.Symbol == nil {
			marketWide = true
			continue
		}
		if _, ok := seen[*r.Symbol]; ok {
			continue
		}
		seen[*r.Symbol] = struct{}{}
		out = append(out, *r.Symbol)
	}
	sort.Strings(out)
	return out, marketWide, nil
}

// RecordTrigger 遞增觸發次數。
func (s *Store) RecordTrigger(ctx context.Context, ruleID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rules {
		if s.rules[i].ID == ruleID {
			s.rules[i].TriggerCount++
			t := at
			s.rules[i].LastTriggeredAt = &t
			return s.rules[i].TriggerCount, nil
		}
	}
	return 0, alertDomain.ErrNotFound
}

// Insert 寫入通知紀錄，冪等鍵重複時回傳 ErrDuplicate。
func (s *Store) Insert(ctx context.Context, h alertDomain.History) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.DedupeKey != "" {
		if _, ok := s.historyKeys[h.DedupeKey]; ok {
			return "", alertDomain.ErrDuplicate
		}
	}
	h.ID = newID()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	s.history[h.ID] = h
	s.historySeq = append(s.historySeq, h.ID)
	if h.DedupeKey != "" {
		s.historyKeys[h.DedupeKey] = h.ID
	}
	return h.ID, nil
}

// MarkSent 更新實際使用的通道。
func (s *Store) MarkSent(ctx context.Context, id string, sentVia []alertDomain.Channel, deliveredAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.history[id]
	if !ok {
		return alertDomain.ErrNotFound
	}
	h.SentVia = append([]alertDomain.Channel(nil), sentVia...)
	if deliveredAt != nil {
		t := *deliveredAt
		h.DeliveredAt = &t
	}
	s.history[id] = h
	return nil
}

// MarkDelivered 佇列寄出後補上送達時間。
func (s *Store) MarkDelivered(ctx context.Context, alertID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.history[alertID]
	if !ok {
		return alertDomain.ErrNotFound
	}
	h.DeliveredAt = &at
	s.history[alertID] = h
	return nil
}

// ListForUserSince 取得使用者自 since 之後的通知，依建立時間遞增。
func (s *Store) ListForUserSince(ctx context.Context, userID string, since time.Time) ([]alertDomain.History, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []alertDomain.History
	for _, id := range s.historySeq {
		h := s.history[id]
		if h.OwnerUserID == nil || *h.OwnerUserID != userID || h.CreatedAt.Before(since) {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// Histories 依寫入順序回傳全部通知紀錄。
func (s *Store) Histories() []alertDomain.History {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]alertDomain.History, 0, len(s.historySeq))
	for _, id := range s.historySeq {
		out = append(out, s.history[id])
	}
	return out
}

// Enqueue 寫入寄信工作，冪等鍵重複時回傳 ErrDuplicate。
func (s *Store) Enqueue(ctx context.Context, item alertDomain.EmailQueueItem) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.DedupeKey != nil {
		if _, ok := s.queueKeys[*item.DedupeKey]; ok {
			return "", alertDomain.ErrDuplicate
		}
	}
	item.ID = newID()
	if item.Status == "" {
		item.Status = alertDomain.QueuePending
	}
	if item.NextAttemptAt.IsZero() {
		item.NextAttemptAt = item.ScheduledAt
	}
	s.queue[item.ID] = item
	s.queueSeq = append(s.queueSeq, item.ID)
	if item.DedupeKey != nil {
		s.queueKeys[*item.DedupeKey] = item.ID
	}
	return item.ID, nil
}

// ListDue 取出到期的 pending 工作，依 scheduled_at 遞增。
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]alertDomain.EmailQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []alertDomain.EmailQueueItem
	for _, id := range s.queueSeq {
		if item := s.queue[id]; item.Due(now) {
			out = append(out, item)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ScheduledAt.Before(out[j].ScheduledAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) updateQueue(id string, fn func(*alertDomain.EmailQueueItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.queue[id]
	if !ok {
		return alertDomain.ErrNotFound
	}
	fn(&item)
	s.queue[id] = item
	return nil
}

// MarkSentItem 標記寄出。
func (s *Store) MarkSentItem(ctx context.Context, id string, sentAt time.Time) error {
	return s.updateQueue(id, func(item *alertDomain.EmailQueueItem) {
		item.Status = alertDomain.QueueSent
		item.SentAt = &sentAt
	})
}

// MarkRetry 記錄失敗並排定下次嘗試。
func (s *Store) MarkRetry(ctx context.Context, id string, retryCount int, errMsg string, nextAttemptAt time.Time) error {
	return s.updateQueue(id, func(item *alertDomain.EmailQueueItem) {
		item.RetryCount = retryCount
		item.ErrorMessage = &errMsg
		item.NextAttemptAt = nextAttemptAt
	})
}

// MarkFailed 標記為終止失敗。
func (s *Store) MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error {
	return s.updateQueue(id, func(item *alertDomain.EmailQueueItem) {
		item.Status = alertDomain.QueueFailed
		item.RetryCount = retryCount
		item.ErrorMessage = &errMsg
	})
}

// CountByStatus 統計各狀態數量。
func (s *Store) CountByStatus(ctx context.Context) (map[alertDomain.QueueStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[alertDomain.QueueStatus]int)
	for _, item := range s.queue {
		out[item.Status]++
	}
	return out, nil
}

// QueueItems 依寫入順序回傳全部寄信工作。
func (s *Store) QueueItems() []alertDomain.EmailQueueItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]alertDomain.EmailQueueItem, 0, len(s.queueSeq))
	for _, id := range s.queueSeq {
		out = append(out, s.queue[id])
	}
	return out
}

// UpsertPreference 新增或覆寫通知偏好。
func (s *Store) UpsertPreference(p alertDomain.Preference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[p.OwnerUserID] = p
}

// Preference 取得使用者偏好。
func (s *Store) Preference(userID string) (alertDomain.Preference, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[userID]
	return p, ok
}

// ListByFrequency 依頻率列出偏好，依使用者 ID 排序。
func (s *Store) ListByFrequency(ctx context.Context, freq alertDomain.DigestFrequency) ([]alertDomain.Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []alertDomain.Preference
	for _, p := range s.prefs {
		if p.DigestFrequency == freq {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerUserID < out[j].OwnerUserID })
	return out, nil
}

// MarkDigestSent 記錄最後一次寄出摘要的時間。
func (s *Store) MarkDigestSent(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[userID]
	if !ok {
		return alertDomain.ErrNotFound
	}
	p.LastDigestSentAt = &at
	s.prefs[userID] = p
	return nil
}

// AddUser 新增使用者。
func (s *Store) AddUser(u alertDomain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// FindUser 依 ID 查詢使用者。
func (s *Store) FindUser(ctx context.Context, id string) (alertDomain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return alertDomain.User{}, alertDomain.ErrNotFound
	}
	return u, nil
}

// SetSnapshot 設定標的的行情快照，並加入追蹤清單。
func (s *Store) SetSnapshot(ctx alertDomain.EvaluationContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[ctx.Symbol]; !ok {
		s.tracked = append(s.tracked, ctx.Symbol)
	}
	s.snapshots[ctx.Symbol] = ctx
}

// Snapshot 取得行情快照。
func (s *Store) Snapshot(ctx context.Context, symbol string) (alertDomain.EvaluationContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[symbol]
	if !ok {
		return alertDomain.EvaluationContext{}, alertDomain.ErrNotFound
	}
	return snap, nil
}

// TrackedSymbols 列出有行情快照的標的。
func (s *Store) TrackedSymbols(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.tracked...), nil
}
