package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	alertDomain "earnings-alerts/internal/domain/alert"
	"earnings-alerts/internal/infrastructure/metrics"
)

// EmailSender 寄信服務。
type EmailSender interface {
	Send(ctx context.Context, msg alertDomain.EmailMessage) error
	Name() string
}

// QueueWriter 寫入待寄佇列。
type QueueWriter interface {
	Enqueue(ctx context.Context, item alertDomain.EmailQueueItem) (string, error)
}

// Renderer 將通知紀錄套成郵件內容。
type Renderer interface {
	AlertEmail(h alertDomain.History, user alertDomain.User) (alertDomain.EmailMessage, error)
}

// RouteResult 描述實際使用的通道。
type RouteResult struct {
	SentVia   []alertDomain.Channel
	Immediate bool
	Queued    bool
}

// Router 依優先度決定即時寄送或排入佇列。
type Router struct {
	sender   EmailSender
	queue    QueueWriter
	history  HistoryRepository
	renderer Renderer
	logger   zerolog.Logger
	now      func() time.Time
}

// NewRouter 建立通知路由。
func NewRouter(sender EmailSender, queue QueueWriter, history HistoryRepository, renderer Renderer, logger zerolog.Logger) *Router {
	return &Router{
		sender:   sender,
		queue:    queue,
		history:  history,
		renderer: renderer,
		logger:   logger,
		now:      time.Now,
	}
}

// Route 依規則通道派送單筆通知，完成後回寫 sent_via / delivered_at。
func (r *Router) Route(ctx context.Context, rule alertDomain.Rule, h alertDomain.History, user alertDomain.User) (RouteResult, error) {
	var res RouteResult
	var deliveredAt *time.Time
	log := r.logger.With().Str("alert_id", h.ID).Str("user_id", user.ID).Logger()

	for _, ch := range rule.EffectiveChannels() {
		switch ch {
		case alertDomain.ChannelEmail:
			immediate, err := r.routeEmail(ctx, h, user)
			if err != nil {
				return res, err
			}
			res.SentVia = append(res.SentVia, alertDomain.ChannelEmail)
			if immediate {
				res.Immediate = true
				now := r.now()
				deliveredAt = &now
			} else {
				res.Queued = true
			}
		case alertDomain.ChannelPush:
			// 推播尚未接入，僅記錄
			log.Debug().Msg("push channel not supported, skipped")
		default:
			log.Warn().Str("channel", string(ch)).Msg("unknown channel")
		}
	}

	if len(res.SentVia) == 0 {
		return res, nil
	}
	if err := r.history.MarkSent(ctx, h.ID, res.SentVia, deliveredAt); err != nil {
		return res, fmt.Errorf("mark alert sent: %w", err)
	}
	return res, nil
}

// routeEmail 高優先度先嘗試即時寄送，失敗時退回佇列；其餘直接排入佇列。
func (r *Router) routeEmail(ctx context.Context, h alertDomain.History, user alertDomain.User) (bool, error) {
	msg, err := r.renderer.AlertEmail(h, user)
	if err != nil {
		return false, fmt.Errorf("render alert email: %w", err)
	}
	msg.To = user.Email

	if h.Priority == alertDomain.PriorityHigh {
		start := time.Now()
		sendErr := r.sender.Send(ctx, msg)
		metrics.NotificationSendDuration.WithLabelValues(r.sender.Name()).Observe(time.Since(start).Seconds())
		if sendErr == nil {
			metrics.NotificationsAttemptedTotal.WithLabelValues("email", "sent", r.sender.Name()).Inc()
			return true, nil
		}
		metrics.NotificationsAttemptedTotal.WithLabelValues("email", "failed", r.sender.Name()).Inc()
		r.logger.Warn().Err(sendErr).Str("alert_id", h.ID).Msg("immediate send failed, falling back to queue")
	}

	now := r.now()
	alertID := h.ID
	item := alertDomain.EmailQueueItem{
		OwnerUserID:   user.ID,
		Email:         user.Email,
		Subject:       msg.Subject,
		HTMLContent:   msg.HTML,
		TextContent:   msg.Text,
		AlertID:       &alertID,
		Status:        alertDomain.QueuePending,
		ScheduledAt:   now,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if _, err := r.queue.Enqueue(ctx, item); err != nil {
		return false, fmt.Errorf("enqueue email: %w", err)
	}
	metrics.NotificationsAttemptedTotal.WithLabelValues("email", "queued", r.sender.Name()).Inc()
	return false, nil
}
