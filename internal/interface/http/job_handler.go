package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	alertDomain "earnings-alerts/internal/domain/alert"
	"earnings-alerts/internal/infrastructure/metrics"
)

type jobRun struct {
	Kind        string
	TriggeredBy string
	Start       time.Time
	End         time.Time
	OK          bool
	Err         string
	Counts      map[string]int
}

type processAlertsRequest struct {
	Symbols []string `json:"symbols"`
}

func (s *Server) handleProcessAlerts(c *gin.Context) {
	if s.alerts == nil {
		respondError(c, http.StatusServiceUnavailable, errCodeInternal, "alert processing not configured")
		return
	}
	var req processAlertsRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, errCodeBadRequest, "invalid body")
			return
		}
	}
	symbols := make([]string, 0, len(req.Symbols))
	for _, sym := range req.Symbols {
		if sym = strings.TrimSpace(sym); sym != "" {
			symbols = append(symbols, strings.ToUpper(sym))
		}
	}

	start := time.Now()
	sum, err := s.alerts.ProcessAlerts(c.Request.Context(), symbols)
	s.finishJob(c, "process_alerts", start, sum.Counts(), sum.Failed, err)
}

func (s *Server) handleSendDigests(c *gin.Context) {
	if s.digests == nil {
		respondError(c, http.StatusServiceUnavailable, errCodeInternal, "digest scheduling not configured")
		return
	}
	period, err := alertDomain.ParseDigestFrequency(c.Param("period"))
	if err != nil {
		respondError(c, http.StatusBadRequest, errCodeBadRequest, err.Error())
		return
	}

	start := time.Now()
	sum, err := s.digests.SendDigests(c.Request.Context(), period)
	s.finishJob(c, "send_digests_"+string(period), start, sum.Counts(), sum.Failed, err)
}

func (s *Server) handleSendPendingEmails(c *gin.Context) {
	if s.queue == nil {
		respondError(c, http.StatusServiceUnavailable, errCodeInternal, "email queue not configured")
		return
	}
	start := time.Now()
	sum, err := s.queue.ProcessQueue(c.Request.Context(), s.batchSize)
	s.finishJob(c, "send_pending_emails", start, sum.Counts(), sum.Failed, err)
}

// finishJob 記錄執行歷史與指標後回應。
func (s *Server) finishJob(c *gin.Context, kind string, start time.Time, counts map[string]int, failed int, err error) {
	run := jobRun{
		Kind:        kind,
		TriggeredBy: c.GetString("subject"),
		Start:       start,
		End:         time.Now(),
		OK:          err == nil,
		Counts:      counts,
	}
	if err != nil {
		run.Err = err.Error()
	}
	s.recordJob(run)
	metrics.RecordJob(kind, failed, err)

	if err != nil {
		s.logger.Error().Err(err).Str("job", kind).Msg("admin job failed")
		var vErr *alertDomain.ValidationError
		if errors.As(err, &vErr) {
			respondError(c, http.StatusBadRequest, errCodeBadRequest, err.Error())
			return
		}
		respondError(c, http.StatusInternalServerError, errCodeInternal, "job failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    jobRunToMap(run),
	})
}

func (s *Server) recordJob(run jobRun) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()
	s.jobHistory = append(s.jobHistory, run)
	if len(s.jobHistory) > maxJobHistory {
		s.jobHistory = s.jobHistory[len(s.jobHistory)-maxJobHistory:]
	}
}

func (s *Server) handleJobsHistory(c *gin.Context) {
	s.jobMu.Lock()
	history := make([]jobRun, len(s.jobHistory))
	copy(history, s.jobHistory)
	s.jobMu.Unlock()

	data := make([]map[string]interface{}, len(history))
	for i, j := range history {
		// 新的在前
		data[len(history)-1-i] = jobRunToMap(j)
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}

func (s *Server) handleQueueStats(c *gin.Context) {
	if s.stats == nil {
		respondError(c, http.StatusServiceUnavailable, errCodeInternal, "queue stats not configured")
		return
	}
	counts, err := s.stats.CountByStatus(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("count queue by status")
		respondError(c, http.StatusInternalServerError, errCodeInternal, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"pending": counts[alertDomain.QueuePending],
			"sent":    counts[alertDomain.QueueSent],
			"failed":  counts[alertDomain.QueueFailed],
		},
	})
}

func jobRunToMap(j jobRun) map[string]interface{} {
	var errMsg interface{}
	if j.Err != "" {
		errMsg = j.Err
	}
	return map[string]interface{}{
		"kind":         j.Kind,
		"triggered_by": j.TriggeredBy,
		"start":        j.Start.Format(time.RFC3339),
		"end":          j.End.Format(time.RFC3339),
		"duration_ms":  j.End.Sub(j.Start).Milliseconds(),
		"success":      j.OK,
		"error":        errMsg,
		"counts":       j.Counts,
	}
}
