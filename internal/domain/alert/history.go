package alert

import (
	"fmt"
	"time"
)

// History 為一次觸發所產生的通知紀錄，每次觸發只會建立一筆。
type History struct {
	ID          string
	RuleID      string
	OwnerUserID *string
	Symbol      *string
	AlertType   RuleType
	Title       string
	Message     string
	Data        map[string]any
	Priority    Priority
	IsRead      bool
	SentVia     []Channel
	DeliveredAt *time.Time
	CreatedAt   time.Time
	DedupeKey   string
}

// NewHistory 由觸發結果建立尚未寫入的通知紀錄。
func NewHistory(rule Rule, symbol string, res EvaluationResult, now time.Time, loc *time.Location) History {
	var sym *string
	if symbol != "" {
		s := symbol
		sym = &s
	}
	return History{
		RuleID:      rule.ID,
		OwnerUserID: rule.OwnerUserID,
		Symbol:      sym,
		AlertType:   rule.Type,
		Title:       res.Title,
		Message:     res.Message,
		Data:        res.Data,
		Priority:    res.Priority,
		CreatedAt:   now,
		DedupeKey:   TriggerDedupeKey(rule.ID, symbol, now, loc),
	}
}

// TriggerDedupeKey 以規則、標的與當地日期組成冪等鍵，同一天重複觸發會被儲存層擋下。
func TriggerDedupeKey(ruleID, symbol string, at time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return fmt.Sprintf("%s|%s|%s", ruleID, symbol, at.In(loc).Format("2006-01-02"))
}
