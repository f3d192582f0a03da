package alert

import "time"

// EvaluationContext 為單次評估使用的行情快照，不會持久化；缺值以 nil 表示。
type EvaluationContext struct {
	Symbol              string
	Now                 time.Time
	CurrentPrice        *float64
	PreviousPrice       *float64
	CurrentRating       *string
	PreviousRating      *string
	TargetPrice         *float64
	PreviousTargetPrice *float64
	PERatio             *float64
	PEPercentile        *float64
	EarningsDate        *time.Time
}

// EvaluationResult 評估結果，未觸發時其餘欄位為零值。
type EvaluationResult struct {
	Triggered bool
	Title     string
	Message   string
	Data      map[string]any
	Priority  Priority
}

// User 由使用者目錄解析出的收件資訊。
type User struct {
	ID          string
	Email       string
	DisplayName string
}

// EmailMessage 為已套版、可直接交給寄信服務的郵件。
type EmailMessage struct {
	To             string
	Subject        string
	HTML           string
	Text           string
	IdempotencyKey string
}
