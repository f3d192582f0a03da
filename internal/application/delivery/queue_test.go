package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alertDomain "earnings-alerts/internal/domain/alert"
	"earnings-alerts/internal/infra/memory"
)

type fakeSender struct {
	mu       sync.Mutex
	failures int // 前 N 次呼叫回傳錯誤
	calls    []alertDomain.EmailMessage
}

func (f *fakeSender) Name() string { return "fake" }

func (f *fakeSender) Send(ctx context.Context, msg alertDomain.EmailMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	if len(f.calls) <= f.failures {
		return &alertDomain.ProviderError{Provider: "fake", StatusCode: 503, Body: "unavailable"}
	}
	return nil
}

func newTestQueue(store *memory.Store, sender Sender, now *time.Time) *Queue {
	q := NewQueue(store, store, sender, Options{
		Backoff: Backoff{Base: time.Minute, Max: time.Hour},
		Logger:  zerolog.Nop(),
	})
	q.now = func() time.Time { return *now }
	return q
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Minute, Max: 5 * time.Minute}
	assert.Equal(t, time.Minute, b.Delay(1))
	assert.Equal(t, 2*time.Minute, b.Delay(2))
	assert.Equal(t, 4*time.Minute, b.Delay(3))
	assert.Equal(t, 5*time.Minute, b.Delay(4))
	assert.Equal(t, 5*time.Minute, b.Delay(30))
	assert.Equal(t, time.Duration(0), Backoff{}.Delay(2))
}

func TestQueue_FailsAfterThreeAttempts(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	id, err := store.Enqueue(ctx, alertDomain.EmailQueueItem{Email: "u@example.com", Subject: "s", ScheduledAt: now})
	require.NoError(t, err)

	sender := &fakeSender{failures: 100}
	q := newTestQueue(store, sender, &now)

	sum, err := q.ProcessQueue(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, Summary{Processed: 1, Retried: 1}, sum)

	// 退避時間未到不會再取出
	sum, err = q.ProcessQueue(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Processed)

	now = now.Add(time.Minute)
	sum, _ = q.ProcessQueue(ctx, 50)
	assert.Equal(t, 1, sum.Retried)

	now = now.Add(2 * time.Minute)
	sum, _ = q.ProcessQueue(ctx, 50)
	assert.Equal(t, 1, sum.Failed)

	item := store.QueueItems()[0]
	assert.Equal(t, id, item.ID)
	assert.Equal(t, alertDomain.QueueFailed, item.Status)
	assert.Equal(t, 3, item.RetryCount)
	require.NotNil(t, item.ErrorMessage)
	assert.Contains(t, *item.ErrorMessage, "503")

	now = now.Add(24 * time.Hour)
	sum, _ = q.ProcessQueue(ctx, 50)
	assert.Equal(t, 0, sum.Processed, "failed rows are never selected again")
	assert.Len(t, sender.calls, 3)
}

func TestQueue_SucceedsOnThirdAttempt(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	alertID, err := store.Insert(ctx, alertDomain.History{RuleID: "r1", DedupeKey: "r1|ACME|2026-10-19"})
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, alertDomain.EmailQueueItem{Email: "u@example.com", AlertID: &alertID, ScheduledAt: now})
	require.NoError(t, err)

	sender := &fakeSender{failures: 2}
	q := newTestQueue(store, sender, &now)

	for i := 0; i < 3; i++ {
		_, err := q.ProcessQueue(ctx, 50)
		require.NoError(t, err)
		now = now.Add(time.Hour)
	}

	item := store.QueueItems()[0]
	assert.Equal(t, alertDomain.QueueSent, item.Status)
	assert.Equal(t, 2, item.RetryCount)
	assert.NotNil(t, item.SentAt)

	h := store.Histories()[0]
	assert.NotNil(t, h.DeliveredAt, "queued alert should be marked delivered once sent")
}

func TestQueue_BatchLimitAndOrder(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := store.Enqueue(ctx, alertDomain.EmailQueueItem{
			Email:       "u@example.com",
			Subject:     string(rune('a' + i)),
			ScheduledAt: now.Add(-time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	sender := &fakeSender{}
	q := newTestQueue(store, sender, &now)
	sum, err := q.ProcessQueue(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Sent)
	require.Len(t, sender.calls, 2)
	assert.Equal(t, "e", sender.calls[0].Subject, "oldest scheduled first")
	assert.Equal(t, "d", sender.calls[1].Subject)
}

type brokenRepo struct {
	*memory.Store
}

func (b brokenRepo) MarkSentItem(ctx context.Context, id string, sentAt time.Time) error {
	return errors.New("connection reset")
}

func TestQueue_StorageErrorDoesNotAbortBatch(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		_, _ = store.Enqueue(ctx, alertDomain.EmailQueueItem{Email: "u@example.com", ScheduledAt: now})
	}

	q := NewQueue(brokenRepo{store}, nil, &fakeSender{}, Options{Logger: zerolog.Nop()})
	q.now = func() time.Time { return now }
	sum, err := q.ProcessQueue(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Processed)
	assert.Equal(t, 2, sum.Errors)
}
