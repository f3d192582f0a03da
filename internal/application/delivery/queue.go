package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	alertDomain "earnings-alerts/internal/domain/alert"
	"earnings-alerts/internal/infrastructure/metrics"
)

// DefaultBatchSize 為 CLI 每次處理的筆數。
const DefaultBatchSize = 50

// QueueRepository 寄信佇列的讀寫。
type QueueRepository interface {
	// ListDue 取出 status=pending 且 next_attempt_at <= now 的工作，依 scheduled_at 遞增。
	ListDue(ctx context.Context, now time.Time, limit int) ([]alertDomain.EmailQueueItem, error)
	MarkSentItem(ctx context.Context, id string, sentAt time.Time) error
	MarkRetry(ctx context.Context, id string, retryCount int, errMsg string, nextAttemptAt time.Time) error
	MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error
}

// DeliveryRecorder 佇列寄出後回寫通知紀錄。
type DeliveryRecorder interface {
	MarkDelivered(ctx context.Context, alertID string, at time.Time) error
}

// Sender 寄信服務。
type Sender interface {
	Send(ctx context.Context, msg alertDomain.EmailMessage) error
	Name() string
}

// Backoff 指數退避：base * 2^(retry-1)，上限 max。
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay 回傳第 retryCount 次失敗後要等待的時間。
func (b Backoff) Delay(retryCount int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if retryCount < 1 {
		retryCount = 1
	}
	d := b.Base
	for i := 1; i < retryCount; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Summary 一次 drain 的統計。
type Summary struct {
	Processed int
	Sent      int
	Retried   int
	Failed    int
	Errors    int // 寄送結果無法寫回
}

func (s Summary) Counts() map[string]int {
	return map[string]int{
		"processed": s.Processed,
		"sent":      s.Sent,
		"retried":   s.Retried,
		"failed":    s.Failed,
		"errors":    s.Errors,
	}
}

// Options 佇列處理參數。
type Options struct {
	MaxAttempts  int
	Backoff      Backoff
	SendInterval time.Duration
	Logger       zerolog.Logger
}

// Queue 取出到期工作並寄送，失敗時依退避排程重試。
type Queue struct {
	repo        QueueRepository
	history     DeliveryRecorder
	sender      Sender
	maxAttempts int
	backoff     Backoff
	limiter     *rate.Limiter
	logger      zerolog.Logger
	now         func() time.Time
}

// NewQueue 建立佇列處理器；history 可為 nil。
func NewQueue(repo QueueRepository, history DeliveryRecorder, sender Sender, opts Options) *Queue {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = alertDomain.MaxDeliveryAttempts
	}
	limit := rate.Inf
	if opts.SendInterval > 0 {
		limit = rate.Every(opts.SendInterval)
	}
	return &Queue{
		repo:        repo,
		history:     history,
		sender:      sender,
		maxAttempts: maxAttempts,
		backoff:     opts.Backoff,
		limiter:     rate.NewLimiter(limit, 1),
		logger:      opts.Logger,
		now:         time.Now,
	}
}

// ProcessQueue 處理至多 batchSize 筆到期工作；單筆失敗不會中斷整批。
func (q *Queue) ProcessQueue(ctx context.Context, batchSize int) (Summary, error) {
	var sum Summary
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	items, err := q.repo.ListDue(ctx, q.now(), batchSize)
	if err != nil {
		return sum, fmt.Errorf("list due emails: %w", err)
	}

	for _, item := range items {
		if err := q.limiter.Wait(ctx); err != nil {
			return sum, err
		}
		sum.Processed++
		switch q.deliver(ctx, item) {
		case outcomeSent:
			sum.Sent++
		case outcomeRetry:
			sum.Retried++
		case outcomeFailed:
			sum.Failed++
		default:
			sum.Errors++
		}
	}

	q.logger.Info().
		Int("processed", sum.Processed).
		Int("sent", sum.Sent).
		Int("retried", sum.Retried).
		Int("failed", sum.Failed).
		Int("errors", sum.Errors).
		Msg("email queue drained")
	return sum, nil
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetry
	outcomeFailed
	outcomeError
)

func (q *Queue) deliver(ctx context.Context, item alertDomain.EmailQueueItem) outcome {
	log := q.logger.With().Str("queue_id", item.ID).Int("retry_count", item.RetryCount).Logger()
	msg := alertDomain.EmailMessage{
		To:             item.Email,
		Subject:        item.Subject,
		HTML:           item.HTMLContent,
		Text:           item.TextContent,
		IdempotencyKey: "queue-" + item.ID,
	}

	start := time.Now()
	sendErr := q.sender.Send(ctx, msg)
	metrics.NotificationSendDuration.WithLabelValues(q.sender.Name()).Observe(time.Since(start).Seconds())

	now := q.now()
	if sendErr == nil {
		metrics.NotificationsAttemptedTotal.WithLabelValues("email", "sent", q.sender.Name()).Inc()
		if err := q.repo.MarkSentItem(ctx, item.ID, now); err != nil {
			log.Error().Err(err).Msg("mark email sent failed")
			return outcomeError
		}
		metrics.QueueItemsTotal.WithLabelValues("sent").Inc()
		if item.AlertID != nil && q.history != nil {
			if err := q.history.MarkDelivered(ctx, *item.AlertID, now); err != nil {
				log.Warn().Err(err).Str("alert_id", *item.AlertID).Msg("mark alert delivered failed")
			}
		}
		return outcomeSent
	}

	metrics.NotificationsAttemptedTotal.WithLabelValues("email", "failed", q.sender.Name()).Inc()
	retryCount := item.RetryCount + 1
	errMsg := sendErr.Error()
	if retryCount >= q.maxAttempts {
		if err := q.repo.MarkFailed(ctx, item.ID, retryCount, errMsg); err != nil {
			log.Error().Err(err).Msg("mark email failed failed")
			return outcomeError
		}
		metrics.QueueItemsTotal.WithLabelValues("failed").Inc()
		log.Error().Err(sendErr).Msg("email delivery exhausted retries")
		return outcomeFailed
	}

	next := now.Add(q.backoff.Delay(retryCount))
	if err := q.repo.MarkRetry(ctx, item.ID, retryCount, errMsg, next); err != nil {
		log.Error().Err(err).Msg("mark email retry failed")
		return outcomeError
	}
	metrics.QueueItemsTotal.WithLabelValues("retried").Inc()
	log.Warn().Err(sendErr).Time("next_attempt_at", next).Msg("email delivery failed, will retry")
	return outcomeRetry
}
