package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	alertDomain "earnings-alerts/internal/domain/alert"
)

func strPtr(s string) *string { return &s }

func TestStore_Rules(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	acme := s.AddRule(alertDomain.Rule{Symbol: strPtr("ACME"), Type: alertDomain.RulePriceThreshold, IsActive: true})
	s.AddRule(alertDomain.Rule{Symbol: strPtr("BETA"), Type: alertDomain.RulePriceThreshold, IsActive: false})
	s.AddRule(alertDomain.Rule{Type: alertDomain.RuleRatingChange, IsActive: true})

	t.Run("ListActiveForSymbol", func(t *testing.T) {
		rules, err := s.ListActiveForSymbol(ctx, "ACME")
		if err != nil {
			t.Fatal(err)
		}
		if len(rules) != 2 {
			t.Fatalf("expected symbol rule plus market-wide rule, got %d", len(rules))
		}
		if rules[0].ID != acme {
			t.Errorf("expected insertion order, got %s first", rules[0].ID)
		}
		beta, _ := s.ListActiveForSymbol(ctx, "BETA")
		if len(beta) != 1 {
			t.Errorf("inactive rule should be excluded, got %d", len(beta))
		}
	})

	t.Run("ActiveSymbols", func(t *testing.T) {
		symbols, marketWide, err := s.ActiveSymbols(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(symbols) != 1 || symbols[0] != "ACME" {
			t.Errorf("unexpected symbols %v", symbols)
		}
		if !marketWide {
			t.Error("expected market-wide flag")
		}
	})

	t.Run("RecordTrigger", func(t *testing.T) {
		now := time.Now()
		for i := 1; i <= 2; i++ {
			n, err := s.RecordTrigger(ctx, acme, now)
			if err != nil {
				t.Fatal(err)
			}
			if n != i {
				t.Errorf("expected count %d, got %d", i, n)
			}
		}
		if _, err := s.RecordTrigger(ctx, "missing", now); !errors.Is(err, alertDomain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_HistoryDedupe(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	h := alertDomain.History{RuleID: "r1", OwnerUserID: strPtr("u1"), DedupeKey: "r1|ACME|2026-10-19", CreatedAt: time.Now()}

	id, err := s.Insert(ctx, h)
	if err != nil || id == "" {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := s.Insert(ctx, h); !errors.Is(err, alertDomain.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	at := time.Now()
	if err := s.MarkSent(ctx, id, []alertDomain.Channel{alertDomain.ChannelEmail}, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkDelivered(ctx, id, at); err != nil {
		t.Fatal(err)
	}
	got := s.Histories()[0]
	if len(got.SentVia) != 1 || got.DeliveredAt == nil {
		t.Errorf("unexpected history %+v", got)
	}

	list, _ := s.ListForUserSince(ctx, "u1", at.Add(-time.Hour))
	if len(list) != 1 {
		t.Errorf("expected 1 alert for user, got %d", len(list))
	}
	list, _ = s.ListForUserSince(ctx, "u2", at.Add(-time.Hour))
	if len(list) != 0 {
		t.Errorf("expected no alerts for other user, got %d", len(list))
	}
}

func TestStore_Queue(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

	later, _ := s.Enqueue(ctx, alertDomain.EmailQueueItem{Email: "a@example.com", ScheduledAt: now.Add(-time.Minute)})
	first, _ := s.Enqueue(ctx, alertDomain.EmailQueueItem{Email: "b@example.com", ScheduledAt: now.Add(-time.Hour)})
	s.Enqueue(ctx, alertDomain.EmailQueueItem{Email: "c@example.com", ScheduledAt: now.Add(time.Hour)})

	due, err := s.ListDue(ctx, now, 50)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 || due[0].ID != first || due[1].ID != later {
		t.Fatalf("unexpected due order %+v", due)
	}

	if err := s.MarkRetry(ctx, first, 1, "timeout", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed(ctx, later, 3, "bounced"); err != nil {
		t.Fatal(err)
	}
	due, _ = s.ListDue(ctx, now, 50)
	if len(due) != 0 {
		t.Errorf("expected nothing due, got %d", len(due))
	}
	due, _ = s.ListDue(ctx, now.Add(time.Minute), 50)
	if len(due) != 1 || due[0].RetryCount != 1 {
		t.Errorf("expected retried item after backoff, got %+v", due)
	}

	if err := s.MarkSentItem(ctx, first, now); err != nil {
		t.Fatal(err)
	}
	counts, _ := s.CountByStatus(ctx)
	if counts[alertDomain.QueueSent] != 1 || counts[alertDomain.QueueFailed] != 1 || counts[alertDomain.QueuePending] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}

	key := "digest|daily|u1|2026-10-19T09:00:00+08:00"
	if _, err := s.Enqueue(ctx, alertDomain.EmailQueueItem{DedupeKey: &key}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Enqueue(ctx, alertDomain.EmailQueueItem{DedupeKey: &key}); !errors.Is(err, alertDomain.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestStore_Preferences(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	s.UpsertPreference(alertDomain.Preference{OwnerUserID: "u2", DigestFrequency: alertDomain.DigestDaily})
	s.UpsertPreference(alertDomain.Preference{OwnerUserID: "u1", DigestFrequency: alertDomain.DigestDaily})
	s.UpsertPreference(alertDomain.Preference{OwnerUserID: "u3", DigestFrequency: alertDomain.DigestWeekly})

	daily, _ := s.ListByFrequency(ctx, alertDomain.DigestDaily)
	if len(daily) != 2 || daily[0].OwnerUserID != "u1" {
		t.Fatalf("unexpected daily prefs %+v", daily)
	}

	at := time.Now()
	if err := s.MarkDigestSent(ctx, "u1", at); err != nil {
		t.Fatal(err)
	}
	p, _ := s.Preference("u1")
	if p.LastDigestSentAt == nil || !p.LastDigestSentAt.Equal(at) {
		t.Errorf("expected last digest time recorded, got %v", p.LastDigestSentAt)
	}
	if err := s.MarkDigestSent(ctx, "nobody", at); !errors.Is(err, alertDomain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_UsersAndSnapshots(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	s.AddUser(alertDomain.User{ID: "u1", Email: "u1@example.com"})
	if u, err := s.FindUser(ctx, "u1"); err != nil || u.Email != "u1@example.com" {
		t.Errorf("FindUser failed: %v", err)
	}
	if _, err := s.FindUser(ctx, "u2"); !errors.Is(err, alertDomain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	price := 105.0
	s.SetSnapshot(alertDomain.EvaluationContext{Symbol: "ACME", CurrentPrice: &price})
	s.SetSnapshot(alertDomain.EvaluationContext{Symbol: "ACME", CurrentPrice: &price})
	tracked, _ := s.TrackedSymbols(ctx)
	if len(tracked) != 1 {
		t.Errorf("expected one tracked symbol, got %v", tracked)
	}
	if _, err := s.Snapshot(ctx, "NOPE"); !errors.Is(err, alertDomain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
