package digest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	alertDomain "earnings-alerts/internal/domain/alert"
	"earnings-alerts/internal/infrastructure/metrics"
)

// PreferenceRepository 讀取摘要偏好並記錄最後寄送時間。
type PreferenceRepository interface {
	ListByFrequency(ctx context.Context, freq alertDomain.DigestFrequency) ([]alertDomain.Preference, error)
	MarkDigestSent(ctx context.Context, userID string, at time.Time) error
}

// HistoryReader 讀取使用者期間內的通知紀錄。
type HistoryReader interface {
	ListForUserSince(ctx context.Context, userID string, since time.Time) ([]alertDomain.History, error)
}

type UserDirectory interface {
	FindUser(ctx context.Context, id string) (alertDomain.User, error)
}

type QueueWriter interface {
	Enqueue(ctx context.Context, item alertDomain.EmailQueueItem) (string, error)
}

type Renderer interface {
	DigestEmail(user alertDomain.User, period alertDomain.DigestFrequency, alerts []alertDomain.History) (alertDomain.EmailMessage, error)
}

// Summary 一次摘要排程的統計。
type Summary struct {
	Considered int
	Enqueued   int
	Skipped    int
	Duplicates int
	Failed     int
}

func (s Summary) Counts() map[string]int {
	return map[string]int{
		"considered": s.Considered,
		"enqueued":   s.Enqueued,
		"skipped":    s.Skipped,
		"duplicates": s.Duplicates,
		"failed":     s.Failed,
	}
}

// Scheduler 依偏好彙整通知並排入寄信佇列。
type Scheduler struct {
	prefs    PreferenceRepository
	history  HistoryReader
	users    UserDirectory
	queue    QueueWriter
	renderer Renderer
	loc      *time.Location
	logger   zerolog.Logger
	now      func() time.Time
}

func NewScheduler(prefs PreferenceRepository, history HistoryReader, users UserDirectory, queue QueueWriter, renderer Renderer, loc *time.Location, logger zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		prefs:    prefs,
		history:  history,
		users:    users,
		queue:    queue,
		renderer: renderer,
		loc:      loc,
		logger:   logger,
		now:      time.Now,
	}
}

// WindowStart 回傳 now 所屬的摘要時窗起點；尚未到當天時間或 weekly 不是指定星期時回傳 false。
func WindowStart(pref alertDomain.Preference, period alertDomain.DigestFrequency, now time.Time, loc *time.Location) (time.Time, bool, error) {
	hour, minute, second, err := pref.ClockTime()
	if err != nil {
		return time.Time{}, false, err
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, second, 0, loc)

	if period == alertDomain.DigestWeekly && int(local.Weekday()) != pref.DigestDay {
		return time.Time{}, false, nil
	}
	if local.Before(start) {
		return time.Time{}, false, nil
	}
	return start, true, nil
}

// maxCatchUpPeriods 錯過時窗後補收通知最多回溯的期數。
const maxCatchUpPeriods = 2

// Since 回傳摘要要涵蓋的起點；上次寄送早於 lookback 時往回補到上次寄送，最多兩期。
func Since(pref alertDomain.Preference, period alertDomain.DigestFrequency, now time.Time) time.Time {
	since := now.Add(-period.Lookback())
	if pref.LastDigestSentAt == nil || !pref.LastDigestSentAt.Before(since) {
		return since
	}
	floor := now.Add(-maxCatchUpPeriods * period.Lookback())
	if pref.LastDigestSentAt.Before(floor) {
		return floor
	}
	return *pref.LastDigestSentAt
}

// DedupeKey 同一使用者同一時窗只會有一封摘要。
func DedupeKey(period alertDomain.DigestFrequency, userID string, windowStart time.Time) string {
	return fmt.Sprintf("digest|%s|%s|%s", period, userID, windowStart.Format(time.RFC3339))
}

// SendDigests 處理所有指定頻率的使用者；單一使用者失敗只記錄並計數。
func (s *Scheduler) SendDigests(ctx context.Context, period alertDomain.DigestFrequency) (Summary, error) {
	var sum Summary
	if _, err := alertDomain.ParseDigestFrequency(string(period)); err != nil {
		return sum, err
	}
	prefs, err := s.prefs.ListByFrequency(ctx, period)
	if err != nil {
		return sum, fmt.Errorf("list %s preferences: %w", period, err)
	}

	now := s.now()
	for _, pref := range prefs {
		sum.Considered++
		log := s.logger.With().Str("user_id", pref.OwnerUserID).Str("period", string(period)).Logger()

		sent, err := s.sendOne(ctx, pref, period, now, log)
		switch {
		case err != nil:
			sum.Failed++
			log.Error().Err(err).Msg("digest failed")
		case sent == resultEnqueued:
			sum.Enqueued++
		case sent == resultDuplicate:
			sum.Duplicates++
		default:
			sum.Skipped++
		}
	}

	s.logger.Info().
		Str("period", string(period)).
		Int("considered", sum.Considered).
		Int("enqueued", sum.Enqueued).
		Int("duplicates", sum.Duplicates).
		Int("failed", sum.Failed).
		Msg("digests processed")
	return sum, nil
}

type result int

const (
	resultSkipped result = iota
	resultEnqueued
	resultDuplicate
)

func (s *Scheduler) sendOne(ctx context.Context, pref alertDomain.Preference, period alertDomain.DigestFrequency, now time.Time, log zerolog.Logger) (result, error) {
	windowStart, due, err := WindowStart(pref, period, now, s.loc)
	if err != nil {
		return resultSkipped, err
	}
	if !due {
		log.Debug().Msg("not the configured digest day or time yet")
		return resultSkipped, nil
	}
	if pref.LastDigestSentAt != nil && !pref.LastDigestSentAt.Before(windowStart) {
		log.Debug().Time("window_start", windowStart).Msg("digest already sent for window")
		return resultSkipped, nil
	}

	user, err := s.users.FindUser(ctx, pref.OwnerUserID)
	if errors.Is(err, alertDomain.ErrNotFound) || (err == nil && user.Email == "") {
		log.Warn().Msg("user email not found, skipping digest")
		return resultSkipped, nil
	}
	if err != nil {
		return resultSkipped, fmt.Errorf("find user: %w", err)
	}

	alerts, err := s.history.ListForUserSince(ctx, pref.OwnerUserID, Since(pref, period, now))
	if err != nil {
		return resultSkipped, fmt.Errorf("list alerts: %w", err)
	}
	if len(alerts) == 0 {
		log.Debug().Msg("no alerts in period, digest skipped")
		return resultSkipped, nil
	}

	msg, err := s.renderer.DigestEmail(user, period, alerts)
	if err != nil {
		return resultSkipped, fmt.Errorf("render digest: %w", err)
	}
	key := DedupeKey(period, pref.OwnerUserID, windowStart)
	_, err = s.queue.Enqueue(ctx, alertDomain.EmailQueueItem{
		OwnerUserID:   pref.OwnerUserID,
		Email:         user.Email,
		Subject:       msg.Subject,
		HTMLContent:   msg.HTML,
		TextContent:   msg.Text,
		Status:        alertDomain.QueuePending,
		ScheduledAt:   now,
		NextAttemptAt: now,
		DedupeKey:     &key,
		CreatedAt:     now,
	})
	res := resultEnqueued
	switch {
	case errors.Is(err, alertDomain.ErrDuplicate):
		log.Info().Str("dedupe_key", key).Msg("digest already enqueued for window")
		res = resultDuplicate
	case err != nil:
		return resultSkipped, fmt.Errorf("enqueue digest: %w", err)
	default:
		metrics.DigestsEnqueuedTotal.WithLabelValues(string(period)).Inc()
	}

	if err := s.prefs.MarkDigestSent(ctx, pref.OwnerUserID, now); err != nil {
		return res, fmt.Errorf("mark digest sent: %w", err)
	}
	return res, nil
}
