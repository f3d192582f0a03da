package alert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	alertDomain "earnings-alerts/internal/domain/alert"
	"earnings-alerts/internal/infrastructure/metrics"
)

// RuleRepository 管理規則讀取與觸發計數。
type RuleRepository interface {
	// ListActiveForSymbol 回傳 symbol 相符或 symbol 為空的啟用規則，依讀取順序。
	ListActiveForSymbol(ctx context.Context, symbol string) ([]alertDomain.Rule, error)
	// ActiveSymbols 回傳啟用規則涉及的標的，以及是否存在全市場規則。
	ActiveSymbols(ctx context.Context) ([]string, bool, error)
	// RecordTrigger 原子地遞增 trigger_count 並回傳新值。
	RecordTrigger(ctx context.Context, ruleID string, at time.Time) (int, error)
}

// HistoryRepository 寫入通知紀錄。
type HistoryRepository interface {
	// Insert 遇到相同冪等鍵時回傳 ErrDuplicate。
	Insert(ctx context.Context, h alertDomain.History) (string, error)
	MarkSent(ctx context.Context, id string, sentVia []alertDomain.Channel, deliveredAt *time.Time) error
}

// ContextProvider 提供行情快照，為外部協作者。
type ContextProvider interface {
	Snapshot(ctx context.Context, symbol string) (alertDomain.EvaluationContext, error)
	TrackedSymbols(ctx context.Context) ([]string, error)
}

// UserDirectory 解析使用者 email。
type UserDirectory interface {
	FindUser(ctx context.Context, id string) (alertDomain.User, error)
}

// Trigger 為一組觸發的規則與結果。
type Trigger struct {
	Rule   alertDomain.Rule
	Result alertDomain.EvaluationResult
}

// RunSummary 彙總一次 process-alerts 的結果。
type RunSummary struct {
	Symbols        int
	SkippedSymbols int
	Evaluated      int
	Triggered      int
	Duplicates     int
	Routed         int
	Undelivered    int
	Failed         int
}

// Counts 以 map 形式輸出，供 API 與維運通知使用。
func (s RunSummary) Counts() map[string]int {
	return map[string]int{
		"symbols":     s.Symbols,
		"skipped":     s.SkippedSymbols,
		"evaluated":   s.Evaluated,
		"triggered":   s.Triggered,
		"duplicates":  s.Duplicates,
		"routed":      s.Routed,
		"undelivered": s.Undelivered,
		"failed":      s.Failed,
	}
}

// Options 可調整的派送參數。
type Options struct {
	Evaluator      alertDomain.Evaluator
	SymbolInterval time.Duration
	Location       *time.Location
	Logger         zerolog.Logger
}

// Dispatcher 讀取規則、評估、寫入通知紀錄並交給 Router 派送。
type Dispatcher struct {
	rules     RuleRepository
	history   HistoryRepository
	contexts  ContextProvider
	users     UserDirectory
	router    *Router
	evaluator alertDomain.Evaluator
	limiter   *rate.Limiter
	loc       *time.Location
	logger    zerolog.Logger
	now       func() time.Time
}

// NewDispatcher 建立派送器。
func NewDispatcher(rules RuleRepository, history HistoryRepository, contexts ContextProvider, users UserDirectory, router *Router, opts Options) *Dispatcher {
	limit := rate.Inf
	if opts.SymbolInterval > 0 {
		limit = rate.Every(opts.SymbolInterval)
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Dispatcher{
		rules:     rules,
		history:   history,
		contexts:  contexts,
		users:     users,
		router:    router,
		evaluator: opts.Evaluator,
		limiter:   rate.NewLimiter(limit, 1),
		loc:       loc,
		logger:    opts.Logger,
		now:       time.Now,
	}
}

// ProcessAlerts 依序處理每個標的；symbols 為空時由啟用規則推導。
// 單一標的或規則失敗只記錄並計數，不會中斷整批。
func (d *Dispatcher) ProcessAlerts(ctx context.Context, symbols []string) (RunSummary, error) {
	var sum RunSummary
	if len(symbols) == 0 {
		var err error
		symbols, err = d.symbolSet(ctx)
		if err != nil {
			return sum, err
		}
	}

	for _, symbol := range symbols {
		if err := d.limiter.Wait(ctx); err != nil {
			return sum, err
		}
		sum.Symbols++
		log := d.logger.With().Str("symbol", symbol).Logger()

		evalCtx, err := d.contexts.Snapshot(ctx, symbol)
		if err != nil {
			sum.SkippedSymbols++
			if errors.Is(err, alertDomain.ErrNotFound) {
				log.Warn().Msg("no market context, skipping symbol")
			} else {
				log.Error().Err(err).Msg("load market context failed")
			}
			continue
		}

		triggers, evaluated, err := d.evaluate(ctx, symbol, evalCtx)
		sum.Evaluated += evaluated
		if err != nil {
			sum.SkippedSymbols++
			log.Error().Err(err).Msg("list rules failed")
			continue
		}

		for _, trig := range triggers {
			sum.Triggered++
			outcome, err := d.Dispatch(ctx, symbol, trig)
			switch {
			case err != nil:
				sum.Failed++
				log.Error().Err(err).Str("rule_id", trig.Rule.ID).Msg("dispatch failed")
			case outcome == OutcomeDuplicate:
				sum.Duplicates++
			case outcome == OutcomeRouted:
				sum.Routed++
			default:
				sum.Undelivered++
			}
		}
	}

	d.logger.Info().
		Int("symbols", sum.Symbols).
		Int("triggered", sum.Triggered).
		Int("duplicates", sum.Duplicates).
		Int("failed", sum.Failed).
		Msg("process alerts finished")
	return sum, nil
}

// EvaluateRulesForSymbol 取得適用該標的的啟用規則並回傳觸發者。
func (d *Dispatcher) EvaluateRulesForSymbol(ctx context.Context, symbol string, evalCtx alertDomain.EvaluationContext) ([]Trigger, error) {
	triggers, _, err := d.evaluate(ctx, symbol, evalCtx)
	return triggers, err
}

func (d *Dispatcher) evaluate(ctx context.Context, symbol string, evalCtx alertDomain.EvaluationContext) ([]Trigger, int, error) {
	rules, err := d.rules.ListActiveForSymbol(ctx, symbol)
	if err != nil {
		return nil, 0, fmt.Errorf("list rules for %s: %w", symbol, err)
	}
	if evalCtx.Symbol == "" {
		evalCtx.Symbol = symbol
	}
	if evalCtx.Now.IsZero() {
		evalCtx.Now = d.now()
	}

	var out []Trigger
	for _, rule := range rules {
		if !rule.IsActive || !rule.AppliesTo(symbol) {
			continue
		}
		metrics.RulesEvaluatedTotal.WithLabelValues(string(rule.Type)).Inc()
		res := d.evaluator.Evaluate(rule, evalCtx)
		if !res.Triggered {
			continue
		}
		metrics.AlertsTriggeredTotal.WithLabelValues(string(rule.Type), string(res.Priority)).Inc()
		out = append(out, Trigger{Rule: rule, Result: res})
	}
	return out, len(rules), nil
}

// Outcome 單一觸發的派送結果。
type Outcome int

const (
	OutcomeUndelivered Outcome = iota
	OutcomeDuplicate
	OutcomeRouted
)

// Dispatch 寫入通知紀錄、更新規則計數，並在找得到收件者時派送。
func (d *Dispatcher) Dispatch(ctx context.Context, symbol string, trig Trigger) (Outcome, error) {
	now := d.now()
	h := alertDomain.NewHistory(trig.Rule, symbol, trig.Result, now, d.loc)
	log := d.logger.With().Str("symbol", symbol).Str("rule_id", trig.Rule.ID).Logger()

	id, err := d.history.Insert(ctx, h)
	if errors.Is(err, alertDomain.ErrDuplicate) {
		metrics.AlertDuplicatesTotal.Inc()
		log.Info().Str("dedupe_key", h.DedupeKey).Msg("alert already recorded for this day")
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return OutcomeUndelivered, fmt.Errorf("insert alert history: %w", err)
	}
	h.ID = id

	count, err := d.rules.RecordTrigger(ctx, trig.Rule.ID, now)
	if err != nil {
		return OutcomeUndelivered, fmt.Errorf("record trigger: %w", err)
	}
	trig.Rule.TriggerCount = count
	trig.Rule.LastTriggeredAt = &now

	if trig.Rule.OwnerUserID == nil {
		log.Debug().Msg("market-wide rule has no owner, alert stored only")
		return OutcomeUndelivered, nil
	}
	user, err := d.users.FindUser(ctx, *trig.Rule.OwnerUserID)
	if errors.Is(err, alertDomain.ErrNotFound) || (err == nil && user.Email == "") {
		log.Warn().Str("user_id", *trig.Rule.OwnerUserID).Msg("user email not found, skipping delivery")
		return OutcomeUndelivered, nil
	}
	if err != nil {
		return OutcomeUndelivered, fmt.Errorf("find user: %w", err)
	}

	if _, err := d.router.Route(ctx, trig.Rule, h, user); err != nil {
		return OutcomeUndelivered, fmt.Errorf("route alert %s: %w", h.ID, err)
	}
	return OutcomeRouted, nil
}

func (d *Dispatcher) symbolSet(ctx context.Context) ([]string, error) {
	symbols, marketWide, err := d.rules.ActiveSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active symbols: %w", err)
	}
	if !marketWide {
		return symbols, nil
	}
	tracked, err := d.contexts.TrackedSymbols(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tracked symbols: %w", err)
	}
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		seen[s] = struct{}{}
	}
	for _, s := range tracked {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	return symbols, nil
}
