package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	alertDomain "earnings-alerts/internal/domain/alert"
)

// RuleRepo 讀取 alert_rules 並維護觸發計數。
type RuleRepo struct {
	db *sql.DB
}

func NewRuleRepo(db *sql.DB) *RuleRepo {
	return &RuleRepo{db: db}
}

// ListActiveForSymbol 取 symbol 相符或為全市場的啟用規則；條件或通道不合法的規則不會被回傳。
func (r *RuleRepo) ListActiveForSymbol(ctx context.Context, symbol string) ([]alertDomain.Rule, error) {
	const q = `
SELECT id, user_id, symbol, rule_type, conditions, is_active, notification_channels, trigger_count, last_triggered_at
FROM alert_rules
WHERE is_active = TRUE AND (symbol = $1 OR symbol IS NULL)
ORDER BY created_at, id;
`
	rows, err := r.db.QueryContext(ctx, q, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alertDomain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			var verr *alertDomain.ValidationError
			if errors.As(err, &verr) {
				continue
			}
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func scanRule(rows *sql.Rows) (alertDomain.Rule, error) {
	var (
		rule       alertDomain.Rule
		userID     sql.NullString
		symbol     sql.NullString
		ruleType   string
		conditions []byte
		channels   []string
		lastAt     sql.NullTime
	)
	if err := rows.Scan(&rule.ID, &userID, &symbol, &ruleType, &conditions, &rule.IsActive, pq.Array(&channels), &rule.TriggerCount, &lastAt); err != nil {
		return alertDomain.Rule{}, err
	}
	rule.Type = alertDomain.RuleType(ruleType)
	if userID.Valid {
		rule.OwnerUserID = &userID.String
	}
	if symbol.Valid {
		rule.Symbol = &symbol.String
	}
	if lastAt.Valid {
		rule.LastTriggeredAt = &lastAt.Time
	}
	for _, ch := range channels {
		rule.Channels = append(rule.Channels, alertDomain.Channel(ch))
	}
	conds, err := alertDomain.DecodeConditions(rule.Type, conditions)
	if err != nil {
		return alertDomain.Rule{}, err
	}
	rule.Conditions = conds
	if err := rule.Validate(); err != nil {
		return alertDomain.Rule{}, err
	}
	return rule, nil
}

// ActiveSymbols 列出啟用規則的標的，並回報是否存在 symbol 為空的規則。
func (r *RuleRepo) ActiveSymbols(ctx context.Context) ([]string, bool, error) {
	const q = `
SELECT DISTINCT symbol
FROM alert_rules
WHERE is_active = TRUE
ORDER BY symbol NULLS FIRST;
`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var (
		symbols    []string
		marketWide bool
	)
	for rows.Next() {
		var s sql.NullString
		if err := rows.Scan(&s); err != nil {
			return nil, false, err
		}
		if !s.Valid {
			marketWide = true
			continue
		}
		symbols = append(symbols, s.String)
	}
	return symbols, marketWide, rows.Err()
}

// RecordTrigger 以單一 UPDATE 原子遞增計數，避免併發時遺失更新。
func (r *RuleRepo) RecordTrigger(ctx context.Context, ruleID string, at time.Time) (int, error) {
	const q = `
UPDATE alert_rules
SET trigger_count = trigger_count + 1, last_triggered_at = $2, updated_at = NOW()
WHERE id = $1
RETURNING trigger_count;
`
	var count int
	err := r.db.QueryRowContext(ctx, q, ruleID, at).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, alertDomain.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// HistoryRepo 讀寫 alert_history。
type HistoryRepo struct {
	db *sql.DB
}

func NewHistoryRepo(db *sql.DB) *HistoryRepo {
	return &HistoryRepo{db: db}
}

// Insert 以 dedupe_key 唯一約束擋下同日重複觸發，衝突時回傳 ErrDuplicate。
func (r *HistoryRepo) Insert(ctx context.Context, h alertDomain.History) (string, error) {
	const q = `
INSERT INTO alert_history (rule_id, user_id, symbol, alert_type, title, message, data, priority, is_read, sent_via, created_at, dedupe_key)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, '{}', $9, $10)
ON CONFLICT (dedupe_key) DO NOTHING
RETURNING id;
`
	data, err := json.Marshal(h.Data)
	if err != nil {
		return "", fmt.Errorf("marshal alert data: %w", err)
	}
	var id string
	err = r.db.QueryRowContext(ctx, q,
		h.RuleID,
		nullableString(h.OwnerUserID),
		nullableString(h.Symbol),
		string(h.AlertType),
		h.Title,
		h.Message,
		data,
		string(h.Priority),
		h.CreatedAt,
		h.DedupeKey,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", alertDomain.ErrDuplicate
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// MarkSent 寫入 sent_via，delivered_at 為 nil 時保留原值。
func (r *HistoryRepo) MarkSent(ctx context.Context, id string, sentVia []alertDomain.Channel, deliveredAt *time.Time) error {
	const q = `
UPDATE alert_history
SET sent_via = $2, delivered_at = COALESCE($3, delivered_at)
WHERE id = $1;
`
	channels := make([]string, 0, len(sentVia))
	for _, ch := range sentVia {
		channels = append(channels, string(ch))
	}
	var delivered interface{}
	if deliveredAt != nil {
		delivered = *deliveredAt
	}
	res, err := r.db.ExecContext(ctx, q, id, pq.Array(channels), delivered)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// MarkDelivered 佇列寄出後補上 delivered_at。
func (r *HistoryRepo) MarkDelivered(ctx context.Context, alertID string, at time.Time) error {
	const q = `UPDATE alert_history SET delivered_at = $2 WHERE id = $1;`
	res, err := r.db.ExecContext(ctx, q, alertID, at)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// ListForUserSince 取得使用者自 since 起的通知，依建立時間遞增。
func (r *HistoryRepo) ListForUserSince(ctx context.Context, userID string, since time.Time) ([]alertDomain.History, error) {
	const q = `
SELECT id, rule_id, user_id, symbol, alert_type, title, message, data, priority, is_read, sent_via, delivered_at, created_at, dedupe_key
FROM alert_history
WHERE user_id = $1 AND created_at >= $2
ORDER BY created_at;
`
	rows, err := r.db.QueryContext(ctx, q, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alertDomain.History
	for rows.Next() {
		var (
			h         alertDomain.History
			owner     sql.NullString
			symbol    sql.NullString
			alertType string
			priority  string
			data      []byte
			sentVia   []string
			delivered sql.NullTime
		)
		if err := rows.Scan(&h.ID, &h.RuleID, &owner, &symbol, &alertType, &h.Title, &h.Message, &data, &priority, &h.IsRead, pq.Array(&sentVia), &delivered, &h.CreatedAt, &h.DedupeKey); err != nil {
			return nil, err
		}
		h.AlertType = alertDomain.RuleType(alertType)
		h.Priority = alertDomain.Priority(priority)
		if owner.Valid {
			h.OwnerUserID = &owner.String
		}
		if symbol.Valid {
			h.Symbol = &symbol.String
		}
		if delivered.Valid {
			h.DeliveredAt = &delivered.Time
		}
		for _, ch := range sentVia {
			h.SentVia = append(h.SentVia, alertDomain.Channel(ch))
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &h.Data); err != nil {
				return nil, fmt.Errorf("decode alert data %s: %w", h.ID, err)
			}
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return alertDomain.ErrNotFound
	}
	return nil
}
