package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"earnings-alerts/internal"
	alertapp "earnings-alerts/internal/application/alert"
	"earnings-alerts/internal/application/delivery"
	"earnings-alerts/internal/application/digest"
	alertDomain "earnings-alerts/internal/domain/alert"
	authinfra "earnings-alerts/internal/infrastructure/auth"
	"earnings-alerts/internal/infrastructure/config"
	"earnings-alerts/internal/infrastructure/metrics"
)

const (
	errCodeBadRequest   = "BAD_REQUEST"
	errCodeUnauthorized = "AUTH_UNAUTHORIZED"
	errCodeNotFound     = "NOT_FOUND"
	errCodeInternal     = "INTERNAL_ERROR"
)

// maxJobHistory 保留最近幾次手動觸發紀錄。
const maxJobHistory = 50

type AlertProcessor interface {
	ProcessAlerts(ctx context.Context, symbols []string) (alertapp.RunSummary, error)
}

type DigestSender interface {
	SendDigests(ctx context.Context, period alertDomain.DigestFrequency) (digest.Summary, error)
}

type QueueProcessor interface {
	ProcessQueue(ctx context.Context, batchSize int) (delivery.Summary, error)
}

type QueueStats interface {
	CountByStatus(ctx context.Context) (map[alertDomain.QueueStatus]int, error)
}

// Deps 為管理 API 需要的服務；DB 為 nil 時 health 回報 using_memory。
type Deps struct {
	Alerts  AlertProcessor
	Digests DigestSender
	Queue   QueueProcessor
	Stats   QueueStats
	DB      *sql.DB
	Tokens  *authinfra.JWTIssuer
	Logger  zerolog.Logger
}

// Server 封裝 gin 路由與依賴。
type Server struct {
	engine    *gin.Engine
	alerts    AlertProcessor
	digests   DigestSender
	queue     QueueProcessor
	stats     QueueStats
	db        *sql.DB
	tokenSvc  *authinfra.JWTIssuer
	batchSize int
	logger    zerolog.Logger

	jobMu      sync.Mutex
	jobHistory []jobRun
}

// NewServer 建立管理 API 伺服器。
func NewServer(cfg config.Config, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	tokens := deps.Tokens
	if tokens == nil {
		tokens = authinfra.NewJWTIssuer(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	}
	batch := cfg.Queue.BatchSize
	if batch <= 0 {
		batch = delivery.DefaultBatchSize
	}

	// 包著 nil 指標的依賴視為未設定
	if internal.IsNil(deps.Alerts) {
		deps.Alerts = nil
	}
	if internal.IsNil(deps.Digests) {
		deps.Digests = nil
	}
	if internal.IsNil(deps.Queue) {
		deps.Queue = nil
	}
	if internal.IsNil(deps.Stats) {
		deps.Stats = nil
	}

	s := &Server{
		engine:    gin.New(),
		alerts:    deps.Alerts,
		digests:   deps.Digests,
		queue:     deps.Queue,
		stats:     deps.Stats,
		db:        deps.DB,
		tokenSvc:  tokens,
		batchSize: batch,
		logger:    deps.Logger,
	}
	s.registerRoutes()
	return s
}

// Handler 回傳路由處理器，供 HTTP server 掛載。
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	r := s.engine
	r.Use(gin.Recovery(), s.ginLogger(), corsMiddleware())

	r.GET("/api/ping", s.handlePing)
	r.GET("/api/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	admin := r.Group("/api/admin", s.requireAuth())
	admin.POST("/jobs/alerts", s.handleProcessAlerts)
	admin.POST("/jobs/digests/:period", s.handleSendDigests)
	admin.POST("/jobs/emails", s.handleSendPendingEmails)
	admin.GET("/jobs/history", s.handleJobsHistory)
	admin.GET("/queue/stats", s.handleQueueStats)

	r.NoRoute(func(c *gin.Context) {
		respondError(c, http.StatusNotFound, errCodeNotFound, "not found")
	})
}
