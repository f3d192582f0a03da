package postgres

import (
	"context"
	"database/sql"
	"time"

	alertDomain "earnings-alerts/internal/domain/alert"
)

// PreferenceRepo 讀取 notification_preferences；只會寫入 last_digest_sent_at。
type PreferenceRepo struct {
	db *sql.DB
}

func NewPreferenceRepo(db *sql.DB) *PreferenceRepo {
	return &PreferenceRepo{db: db}
}

func (r *PreferenceRepo) ListByFrequency(ctx context.Context, freq alertDomain.DigestFrequency) ([]alertDomain.Preference, error) {
	const q = `
SELECT user_id, digest_frequency, digest_day, digest_time::text, last_digest_sent_at
FROM notification_preferences
WHERE digest_frequency = $1
ORDER BY user_id;
`
	rows, err := r.db.QueryContext(ctx, q, string(freq))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []alertDomain.Preference
	for rows.Next() {
		var (
			p         alertDomain.Preference
			frequency string
			lastSent  sql.NullTime
		)
		if err := rows.Scan(&p.OwnerUserID, &frequency, &p.DigestDay, &p.DigestTime, &lastSent); err != nil {
			return nil, err
		}
		p.DigestFrequency = alertDomain.DigestFrequency(frequency)
		if lastSent.Valid {
			p.LastDigestSentAt = &lastSent.Time
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PreferenceRepo) MarkDigestSent(ctx context.Context, userID string, at time.Time) error {
	const q = `
UPDATE notification_preferences
SET last_digest_sent_at = $2, updated_at = NOW()
WHERE user_id = $1;
`
	res, err := r.db.ExecContext(ctx, q, userID, at)
	if err != nil {
		return err
	}
	return expectAffected(res)
}
