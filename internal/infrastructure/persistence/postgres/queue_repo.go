package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	alertDomain "earnings-alerts/internal/domain/alert"
)

// QueueRepo 讀寫 email_queue。
type QueueRepo struct {
	db *sql.DB
}

func NewQueueRepo(db *sql.DB) *QueueRepo {
	return &QueueRepo{db: db}
}

// Enqueue 寫入 pending 工作；dedupe_key 衝突時回傳 ErrDuplicate。
func (r *QueueRepo) Enqueue(ctx context.Context, item alertDomain.EmailQueueItem) (string, error) {
	const q = `
INSERT INTO email_queue (user_id, email, subject, html_content, text_content, alert_id, status, retry_count, scheduled_at, next_attempt_at, dedupe_key)
VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, $7, $8, $9)
ON CONFLICT (dedupe_key) DO NOTHING
RETURNING id;
`
	next := item.NextAttemptAt
	if next.IsZero() {
		next = item.ScheduledAt
	}
	var id string
	err := r.db.QueryRowContext(ctx, q,
		item.OwnerUserID,
		item.Email,
		item.Subject,
		item.HTMLContent,
		item.TextContent,
		nullableString(item.AlertID),
		item.ScheduledAt,
		next,
		nullableString(item.DedupeKey),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", alertDomain.ErrDuplicate
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// ListDue 取出到期的 pending 工作，sent / failed 不會被選到。
func (r *QueueRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]alertDomain.EmailQueueItem, error) {
	const q = `
SELECT id, user_id, email, subject, html_content, text_content, alert_id, status, retry_count, scheduled_at, next_attempt_at, error_message, dedupe_key, created_at
FROM email_queue
WHERE status = 'pending' AND next_attempt_at <= $1
ORDER BY scheduled_at
LIMIT $2;
`
	rows, err := r.db.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alertDomain.EmailQueueItem
	for rows.Next() {
		var (
			item    alertDomain.EmailQueueItem
			alertID sql.NullString
			status  string
			errMsg  sql.NullString
			dedupe  sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.OwnerUserID, &item.Email, &item.Subject, &item.HTMLContent, &item.TextContent,
			&alertID, &status, &item.RetryCount, &item.ScheduledAt, &item.NextAttemptAt, &errMsg, &dedupe, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.Status = alertDomain.QueueStatus(status)
		if alertID.Valid {
			item.AlertID = &alertID.String
		}
		if errMsg.Valid {
			item.ErrorMessage = &errMsg.String
		}
		if dedupe.Valid {
			item.DedupeKey = &dedupe.String
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *QueueRepo) MarkSentItem(ctx context.Context, id string, sentAt time.Time) error {
	const q = `
UPDATE email_queue
SET status = 'sent', sent_at = $2, updated_at = NOW()
WHERE id = $1;
`
	res, err := r.db.ExecContext(ctx, q, id, sentAt)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r *QueueRepo) MarkRetry(ctx context.Context, id string, retryCount int, errMsg string, nextAttemptAt time.Time) error {
	const q = `
UPDATE email_queue
SET retry_count = $2, error_message = $3, next_attempt_at = $4, updated_at = NOW()
WHERE id = $1;
`
	res, err := r.db.ExecContext(ctx, q, id, retryCount, errMsg, nextAttemptAt)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r *QueueRepo) MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error {
	const q = `
UPDATE email_queue
SET status = 'failed', retry_count = $2, error_message = $3, updated_at = NOW()
WHERE id = $1;
`
	res, err := r.db.ExecContext(ctx, q, id, retryCount, errMsg)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// CountByStatus 供管理 API 顯示佇列狀況。
func (r *QueueRepo) CountByStatus(ctx context.Context) (map[alertDomain.QueueStatus]int, error) {
	const q = `SELECT status, COUNT(*) FROM email_queue GROUP BY status;`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[alertDomain.QueueStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[alertDomain.QueueStatus(status)] = n
	}
	return out, rows.Err()
}
