package postgres

import (
	"context"
	"database/sql"
	"errors"

	alertDomain "earnings-alerts/internal/domain/alert"
)

// DirectoryRepo 提供使用者 email 與行情快照，兩者皆由其他模組維護。
type DirectoryRepo struct {
	db *sql.DB
}

func NewDirectoryRepo(db *sql.DB) *DirectoryRepo {
	return &DirectoryRepo{db: db}
}

func (r *DirectoryRepo) FindUser(ctx context.Context, id string) (alertDomain.User, error) {
	const q = `SELECT id, email, display_name FROM users WHERE id = $1;`
	var u alertDomain.User
	err := r.db.QueryRowContext(ctx, q, id).Scan(&u.ID, &u.Email, &u.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return alertDomain.User{}, alertDomain.ErrNotFound
	}
	if err != nil {
		return alertDomain.User{}, err
	}
	return u, nil
}

// Snapshot 讀取單一標的的行情快照，缺欄位以 nil 表示。
func (r *DirectoryRepo) Snapshot(ctx context.Context, symbol string) (alertDomain.EvaluationContext, error) {
	const q = `
SELECT symbol, current_price, previous_price, current_rating, previous_rating,
       target_price, previous_target_price, pe_ratio, pe_percentile, earnings_date
FROM market_snapshots
WHERE symbol = $1;
`
	var (
		snap                  alertDomain.EvaluationContext
		curPrice, prevPrice   sql.NullFloat64
		curRating, prevRating sql.NullString
		target, prevTarget    sql.NullFloat64
		pe, pePercentile      sql.NullFloat64
		earnings              sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, symbol).Scan(
		&snap.Symbol, &curPrice, &prevPrice, &curRating, &prevRating,
		&target, &prevTarget, &pe, &pePercentile, &earnings,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return alertDomain.EvaluationContext{}, alertDomain.ErrNotFound
	}
	if err != nil {
		return alertDomain.EvaluationContext{}, err
	}

	snap.CurrentPrice = floatPtr(curPrice)
	snap.PreviousPrice = floatPtr(prevPrice)
	snap.CurrentRating = stringPtr(curRating)
	snap.PreviousRating = stringPtr(prevRating)
	snap.TargetPrice = floatPtr(target)
	snap.PreviousTargetPrice = floatPtr(prevTarget)
	snap.PERatio = floatPtr(pe)
	snap.PEPercentile = floatPtr(pePercentile)
	if earnings.Valid {
		snap.EarningsDate = &earnings.Time
	}
	return snap, nil
}

// TrackedSymbols 列出所有有快照的標的，供全市場規則使用。
func (r *DirectoryRepo) TrackedSymbols(ctx context.Context) ([]string, error) {
	const q = `SELECT symbol FROM market_snapshots ORDER BY symbol;`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
