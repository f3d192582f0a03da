package httpapi

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	alertapp "earnings-alerts/internal/application/alert"
	"earnings-alerts/internal/application/delivery"
	alertDomain "earnings-alerts/internal/domain/alert"
	authinfra "earnings-alerts/internal/infrastructure/auth"
	"earnings-alerts/internal/infrastructure/config"
)

func TestJobEndpointsRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	for _, path := range []string{"/api/admin/jobs/alerts", "/api/admin/jobs/digests/daily", "/api/admin/jobs/emails"} {
		if w := ts.do("POST", path, "", false); w.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, w.Code)
		}
	}
	if ts.alerts.symbols != nil || len(ts.digests.periods) != 0 || ts.queue.batch != 0 {
		t.Error("jobs should not run without a token")
	}
}

func TestProcessAlertsJob(t *testing.T) {
	ts := newTestServer(t)
	ts.alerts.sum = alertapp.RunSummary{Symbols: 2, Evaluated: 5, Triggered: 1, Routed: 1}

	w := ts.do("POST", "/api/admin/jobs/alerts", `{"symbols":[" acme ","","beta"]}`, true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(ts.alerts.symbols) != 2 || ts.alerts.symbols[0] != "ACME" || ts.alerts.symbols[1] != "BETA" {
		t.Errorf("unexpected symbols %v", ts.alerts.symbols)
	}
	data := decode(t, w)["data"].(map[string]interface{})
	counts := data["counts"].(map[string]interface{})
	if counts["triggered"] != 1.0 || data["triggered_by"] != "ops" {
		t.Errorf("unexpected job data %v", data)
	}

	t.Run("no_body", func(t *testing.T) {
		if w := ts.do("POST", "/api/admin/jobs/alerts", "", true); w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if len(ts.alerts.symbols) != 0 {
			t.Errorf("expected empty symbol list, got %v", ts.alerts.symbols)
		}
	})

	t.Run("bad_body", func(t *testing.T) {
		if w := ts.do("POST", "/api/admin/jobs/alerts", `{"symbols":`, true); w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("job_error", func(t *testing.T) {
		ts.alerts.err = errors.New("db down")
		defer func() { ts.alerts.err = nil }()
		if w := ts.do("POST", "/api/admin/jobs/alerts", "", true); w.Code != http.StatusInternalServerError {
			t.Errorf("expected 500, got %d", w.Code)
		}
	})
}

func TestSendDigestsJob(t *testing.T) {
	ts := newTestServer(t)

	if w := ts.do("POST", "/api/admin/jobs/digests/weekly", "", true); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(ts.digests.periods) != 1 || ts.digests.periods[0] != alertDomain.DigestWeekly {
		t.Errorf("unexpected periods %v", ts.digests.periods)
	}

	w := ts.do("POST", "/api/admin/jobs/digests/monthly", "", true)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid period, got %d", w.Code)
	}
	if len(ts.digests.periods) != 1 {
		t.Error("invalid period must not reach the scheduler")
	}
}

func TestSendPendingEmailsJob(t *testing.T) {
	ts := newTestServer(t)
	ts.queue.sum = delivery.Summary{Processed: 3, Sent: 2, Retried: 1}

	w := ts.do("POST", "/api/admin/jobs/emails", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ts.queue.batch != delivery.DefaultBatchSize {
		t.Errorf("expected batch %d, got %d", delivery.DefaultBatchSize, ts.queue.batch)
	}
}

func TestQueueStats(t *testing.T) {
	ts := newTestServer(t)
	ts.queue.stats = map[alertDomain.QueueStatus]int{alertDomain.QueuePending: 4, alertDomain.QueueFailed: 1}

	w := ts.do("GET", "/api/admin/queue/stats", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	data := decode(t, w)["data"].(map[string]interface{})
	if data["pending"] != 4.0 || data["failed"] != 1.0 || data["sent"] != 0.0 {
		t.Errorf("unexpected stats %v", data)
	}

	ts.queue.err = errors.New("boom")
	if w := ts.do("GET", "/api/admin/queue/stats", "", true); w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}

func TestJobsHistory(t *testing.T) {
	ts := newTestServer(t)
	ts.do("POST", "/api/admin/jobs/emails", "", true)
	ts.do("POST", "/api/admin/jobs/digests/daily", "", true)

	w := ts.do("GET", "/api/admin/jobs/history", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	data := decode(t, w)["data"].([]interface{})
	if len(data) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(data))
	}
	latest := data[0].(map[string]interface{})
	if latest["kind"] != "send_digests_daily" || latest["success"] != true {
		t.Errorf("expected newest run first, got %v", latest)
	}
}

func TestTypedNilDependencyIsUnconfigured(t *testing.T) {
	tokens := authinfra.NewJWTIssuer("test-secret", time.Hour)
	token, _, _ := tokens.Issue("ops")
	var queue *delivery.Queue

	srv := NewServer(config.Config{}, Deps{Queue: queue, Tokens: tokens, Logger: zerolog.Nop()})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/admin/jobs/emails", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}
