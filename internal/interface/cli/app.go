// Package cli 提供 alertctl 指令列工具，每個指令都是一次性的批次工作。
package cli

import (
	"context"
	"database/sql"
	"strings"

	"github.com/rs/zerolog"

	alertapp "earnings-alerts/internal/application/alert"
	"earnings-alerts/internal/application/delivery"
	"earnings-alerts/internal/application/digest"
	alertDomain "earnings-alerts/internal/domain/alert"
	"earnings-alerts/internal/infrastructure/config"
	"earnings-alerts/internal/infrastructure/db"
	"earnings-alerts/internal/infrastructure/logging"
	"earnings-alerts/internal/infrastructure/notify"
	"earnings-alerts/internal/infrastructure/persistence/postgres"
)

// HistoryStore 通知紀錄需同時支援派送、摘要與佇列回寫。
type HistoryStore interface {
	alertapp.HistoryRepository
	digest.HistoryReader
	delivery.DeliveryRecorder
}

// QueueStore 寄信佇列的完整操作。
type QueueStore interface {
	alertapp.QueueWriter
	delivery.QueueRepository
	CountByStatus(ctx context.Context) (map[alertDomain.QueueStatus]int, error)
}

// Repositories 為各服務共用的儲存層。
type Repositories struct {
	Rules    alertapp.RuleRepository
	History  HistoryStore
	Contexts alertapp.ContextProvider
	Users    alertapp.UserDirectory
	Queue    QueueStore
	Prefs    digest.PreferenceRepository
	DB       *sql.DB
}

// PostgresRepositories 以同一個連線池建立所有 repository。
func PostgresRepositories(pool *sql.DB) Repositories {
	directory := postgres.NewDirectoryRepo(pool)
	return Repositories{
		Rules:    postgres.NewRuleRepo(pool),
		History:  postgres.NewHistoryRepo(pool),
		Contexts: directory,
		Users:    directory,
		Queue:    postgres.NewQueueRepo(pool),
		Prefs:    postgres.NewPreferenceRepo(pool),
		DB:       pool,
	}
}

// Services 為指令實際執行的應用服務；sender 未設定時 Alerts 與 Queue 為 nil。
type Services struct {
	Alerts  *alertapp.Dispatcher
	Digests *digest.Scheduler
	Queue   *delivery.Queue
	Stats   QueueStore
	DB      *sql.DB
	Ops     *notify.TelegramClient
}

// Close 釋放資料庫連線。
func (s *Services) Close() {
	if s != nil && s.DB != nil {
		_ = s.DB.Close()
	}
}

// NewServices 依設定組裝派送器、佇列與摘要排程。
func NewServices(cfg config.Config, logger zerolog.Logger, repos Repositories, sender notify.Sender) *Services {
	alertLoc := config.Location(cfg.Alerts.Timezone)
	digestLoc := config.Location(cfg.Digest.Timezone)
	renderer := notify.NewRenderer(alertLoc)

	svc := &Services{
		Digests: digest.NewScheduler(repos.Prefs, repos.History, repos.Users, repos.Queue, renderer, digestLoc, logging.WithComponent(logger, "digest")),
		Stats:   repos.Queue,
		DB:      repos.DB,
		Ops:     notify.NewOpsNotifier(cfg.Notifier.Telegram),
	}
	if sender == nil {
		return svc
	}

	router := alertapp.NewRouter(sender, repos.Queue, repos.History, renderer, logging.WithComponent(logger, "router"))
	svc.Alerts = alertapp.NewDispatcher(repos.Rules, repos.History, repos.Contexts, repos.Users, router, alertapp.Options{
		Evaluator:      alertDomain.Evaluator{EarningsMode: alertDomain.EarningsMatchMode(strings.ToLower(strings.TrimSpace(cfg.Alerts.EarningsMatchMode)))},
		SymbolInterval: cfg.Alerts.SymbolInterval,
		Location:       alertLoc,
		Logger:         logging.WithComponent(logger, "dispatcher"),
	})
	svc.Queue = delivery.NewQueue(repos.Queue, repos.History, sender, delivery.Options{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		Backoff:      delivery.Backoff{Base: cfg.Queue.BackoffBase, Max: cfg.Queue.BackoffMax},
		SendInterval: cfg.Queue.SendInterval,
		Logger:       logging.WithComponent(logger, "delivery"),
	})
	return svc
}

// openServices 檢查設定後連線 Postgres；缺少設定時回傳 ConfigurationError。
func openServices(ctx context.Context, app *App, reqs ...config.Requirement) (*Services, error) {
	cfg := app.Config
	if err := cfg.Require(append([]config.Requirement{config.NeedDB}, reqs...)...); err != nil {
		return nil, err
	}

	var sender notify.Sender
	if cfg.Email.APIKey != "" && cfg.Email.From != "" {
		s, err := notify.NewSender(cfg.Email)
		if err != nil {
			return nil, err
		}
		sender = s
	}

	pool, err := db.Connect(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	return NewServices(cfg, app.Logger, PostgresRepositories(pool), sender), nil
}
