package alert

import "time"

// QueueStatus 寄信佇列狀態，sent 與 failed 為終止狀態。
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueSent    QueueStatus = "sent"
	QueueFailed  QueueStatus = "failed"
)

// MaxDeliveryAttempts 連續失敗達此次數即標記 failed。
const MaxDeliveryAttempts = 3

// EmailQueueItem 為持久化的寄信工作；摘要信沒有 AlertID。
type EmailQueueItem struct {
	ID            string
	OwnerUserID   string
	Email         string
	Subject       string
	HTMLContent   string
	TextContent   string
	AlertID       *string
	Status        QueueStatus
	RetryCount    int
	ScheduledAt   time.Time
	NextAttemptAt time.Time
	SentAt        *time.Time
	ErrorMessage  *string
	DedupeKey     *string
	CreatedAt     time.Time
}

// Due 是否可在 now 被取出寄送。
func (i EmailQueueItem) Due(now time.Time) bool {
	return i.Status == QueuePending && !i.NextAttemptAt.After(now)
}
