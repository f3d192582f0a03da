package digest

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alertDomain "earnings-alerts/internal/domain/alert"
	"earnings-alerts/internal/infra/memory"
	"earnings-alerts/internal/infrastructure/notify"
)

var taipei = time.FixedZone("Asia/Taipei", 8*3600)

func strPtr(s string) *string { return &s }

type fixture struct {
	store *memory.Store
	sched *Scheduler
	now   time.Time
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{store: memory.NewStore(), now: now}
	f.store.AddUser(alertDomain.User{ID: "u1", Email: "u1@example.com", DisplayName: "Amy"})
	f.sched = NewScheduler(f.store, f.store, f.store, f.store, notify.NewRenderer(taipei), taipei, zerolog.Nop())
	f.sched.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) addAlert(t *testing.T, at time.Time) {
	t.Helper()
	_, err := f.store.Insert(context.Background(), alertDomain.History{
		RuleID:      "r1",
		OwnerUserID: strPtr("u1"),
		Title:       "ACME 評級上調",
		Message:     "ACME 評級由 hold 調整為 buy",
		CreatedAt:   at,
		DedupeKey:   at.Format(time.RFC3339Nano),
	})
	require.NoError(t, err)
}

func TestWindowStart(t *testing.T) {
	pref := alertDomain.Preference{DigestTime: "09:00:00", DigestDay: 1}
	monday := time.Date(2026, 10, 19, 10, 30, 0, 0, taipei)

	start, due, err := WindowStart(pref, alertDomain.DigestDaily, monday, taipei)
	require.NoError(t, err)
	assert.True(t, due)
	assert.Equal(t, time.Date(2026, 10, 19, 9, 0, 0, 0, taipei), start)

	early := time.Date(2026, 10, 19, 8, 0, 0, 0, taipei)
	_, due, _ = WindowStart(pref, alertDomain.DigestDaily, early, taipei)
	assert.False(t, due, "daily digest waits for today's time")

	_, due, _ = WindowStart(pref, alertDomain.DigestWeekly, early, taipei)
	assert.False(t, due, "weekly digest waits for the configured time")

	_, due, _ = WindowStart(pref, alertDomain.DigestWeekly, monday.AddDate(0, 0, 1), taipei)
	assert.False(t, due, "weekly digest only runs on the configured day")

	_, _, err = WindowStart(alertDomain.Preference{DigestTime: "9am"}, alertDomain.DigestDaily, monday, taipei)
	assert.Error(t, err)
}

func TestSendDigests_WeeklyWrongDayNeverEnqueues(t *testing.T) {
	// 2026-10-20 為週二
	for _, hour := range []int{0, 9, 12, 23} {
		tuesday := time.Date(2026, 10, 20, hour, 0, 0, 0, taipei)
		f := newFixture(t, tuesday)
		f.store.UpsertPreference(alertDomain.Preference{OwnerUserID: "u1", DigestFrequency: alertDomain.DigestWeekly, DigestDay: 1, DigestTime: "09:00:00"})
		f.addAlert(t, tuesday.Add(-time.Hour))

		sum, err := f.sched.SendDigests(context.Background(), alertDomain.DigestWeekly)
		require.NoError(t, err)
		assert.Equal(t, 0, sum.Enqueued)
		assert.Empty(t, f.store.QueueItems())
	}
}

func TestSendDigests_LateTickStillSends(t *testing.T) {
	late := time.Date(2026, 10, 19, 11, 47, 0, 0, taipei)
	f := newFixture(t, late)
	f.store.UpsertPreference(alertDomain.Preference{OwnerUserID: "u1", DigestFrequency: alertDomain.DigestDaily, DigestTime: "09:00:00"})
	f.addAlert(t, late.Add(-3*time.Hour))

	sum, err := f.sched.SendDigests(context.Background(), alertDomain.DigestDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Enqueued)

	items := f.store.QueueItems()
	require.Len(t, items, 1)
	assert.Nil(t, items[0].AlertID, "digests carry no alert id")
	assert.Equal(t, "u1@example.com", items[0].Email)
	require.NotNil(t, items[0].DedupeKey)
	assert.Equal(t, "digest|daily|u1|2026-10-19T09:00:00+08:00", *items[0].DedupeKey)

	pref, _ := f.store.Preference("u1")
	require.NotNil(t, pref.LastDigestSentAt)
	assert.True(t, pref.LastDigestSentAt.Equal(late))

	// 同一時窗再執行不會重寄
	f.now = late.Add(10 * time.Minute)
	sum, err = f.sched.SendDigests(context.Background(), alertDomain.DigestDaily)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Enqueued)
	assert.Equal(t, 1, sum.Skipped)
	assert.Len(t, f.store.QueueItems(), 1)

	// 隔天的時窗會再寄
	f.now = late.AddDate(0, 0, 1)
	f.addAlert(t, f.now.Add(-time.Hour))
	sum, _ = f.sched.SendDigests(context.Background(), alertDomain.DigestDaily)
	assert.Equal(t, 1, sum.Enqueued)
}

func TestSendDigests_EarlyTickThenOnTimeSendsOnce(t *testing.T) {
	early := time.Date(2026, 10, 19, 8, 0, 0, 0, taipei)
	f := newFixture(t, early)
	f.store.UpsertPreference(alertDomain.Preference{OwnerUserID: "u1", DigestFrequency: alertDomain.DigestDaily, DigestTime: "09:00:00"})
	f.addAlert(t, early.Add(-2*time.Hour))

	sum, err := f.sched.SendDigests(context.Background(), alertDomain.DigestDaily)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Enqueued)
	assert.Empty(t, f.store.QueueItems())

	f.now = time.Date(2026, 10, 19, 9, 1, 0, 0, taipei)
	sum, err = f.sched.SendDigests(context.Background(), alertDomain.DigestDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Enqueued)

	// 同日之後的排程都不再寄送
	f.now = time.Date(2026, 10, 19, 23, 59, 0, 0, taipei)
	_, err = f.sched.SendDigests(context.Background(), alertDomain.DigestDaily)
	require.NoError(t, err)
	assert.Len(t, f.store.QueueItems(), 1)
}

func TestSendDigests_SkippedDayAlertsCarryOver(t *testing.T) {
	lastSent := time.Date(2026, 10, 17, 9, 0, 0, 0, taipei)
	now := time.Date(2026, 10, 19, 9, 5, 0, 0, taipei)
	f := newFixture(t, now)
	f.store.UpsertPreference(alertDomain.Preference{OwnerUserID: "u1", DigestFrequency: alertDomain.DigestDaily, DigestTime: "09:00:00", LastDigestSentAt: &lastSent})
	// 10/18 整天的排程都沒有執行
	f.addAlert(t, time.Date(2026, 10, 17, 20, 0, 0, 0, taipei))

	sum, err := f.sched.SendDigests(context.Background(), alertDomain.DigestDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Enqueued)
	require.Len(t, f.store.QueueItems(), 1)
	assert.Equal(t, "digest|daily|u1|2026-10-19T09:00:00+08:00", *f.store.QueueItems()[0].DedupeKey)
}

func TestSince(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, taipei)
	at := func(d time.Duration) *time.Time { v := now.Add(-d); return &v }

	tests := []struct {
		name     string
		lastSent *time.Time
		want     time.Time
	}{
		{name: "never sent", want: now.Add(-24 * time.Hour)},
		{name: "sent inside lookback", lastSent: at(time.Hour), want: now.Add(-24 * time.Hour)},
		{name: "missed one day", lastSent: at(40 * time.Hour), want: now.Add(-40 * time.Hour)},
		{name: "capped at two periods", lastSent: at(10 * 24 * time.Hour), want: now.Add(-48 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pref := alertDomain.Preference{LastDigestSentAt: tt.lastSent}
			assert.Equal(t, tt.want, Since(pref, alertDomain.DigestDaily, now))
		})
	}
}

func TestSendDigests_NoAlertsSkipsWithoutMarking(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 1, 0, 0, taipei)
	f := newFixture(t, now)
	f.store.UpsertPreference(alertDomain.Preference{OwnerUserID: "u1", DigestFrequency: alertDomain.DigestDaily, DigestTime: "09:00:00"})
	f.addAlert(t, now.Add(-48*time.Hour))

	sum, err := f.sched.SendDigests(context.Background(), alertDomain.DigestDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Empty(t, f.store.QueueItems())

	pref, _ := f.store.Preference("u1")
	assert.Nil(t, pref.LastDigestSentAt)
}

func TestSendDigests_DuplicateWindowIsCounted(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 1, 0, 0, taipei)
	f := newFixture(t, now)
	f.store.UpsertPreference(alertDomain.Preference{OwnerUserID: "u1", DigestFrequency: alertDomain.DigestDaily, DigestTime: "09:00:00"})
	f.addAlert(t, now.Add(-time.Hour))

	// 另一個排程已先寫入同一時窗
	key := DedupeKey(alertDomain.DigestDaily, "u1", time.Date(2026, 10, 19, 9, 0, 0, 0, taipei))
	_, err := f.store.Enqueue(context.Background(), alertDomain.EmailQueueItem{Email: "u1@example.com", DedupeKey: &key, ScheduledAt: now})
	require.NoError(t, err)

	sum, err := f.sched.SendDigests(context.Background(), alertDomain.DigestDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Duplicates)
	assert.Len(t, f.store.QueueItems(), 1)

	pref, _ := f.store.Preference("u1")
	assert.NotNil(t, pref.LastDigestSentAt)
}

func TestSendDigests_MissingUserSkipped(t *testing.T) {
	now := time.Date(2026, 10, 19, 9, 1, 0, 0, taipei)
	f := newFixture(t, now)
	f.store.UpsertPreference(alertDomain.Preference{OwnerUserID: "ghost", DigestFrequency: alertDomain.DigestDaily, DigestTime: "09:00:00"})

	sum, err := f.sched.SendDigests(context.Background(), alertDomain.DigestDaily)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
}

func TestSendDigests_InvalidPeriod(t *testing.T) {
	f := newFixture(t, time.Now())
	_, err := f.sched.SendDigests(context.Background(), alertDomain.DigestFrequency("hourly"))
	var verr *alertDomain.ValidationError
	assert.ErrorAs(t, err, &verr)
}
