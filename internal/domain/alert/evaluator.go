package alert

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ratingOrder 評級由低到高的順序。
var ratingOrder = []string{"sell", "hold", "buy"}

// Evaluator 為純函式評估器；EarningsMode 為規則未指定比較方式時的預設值。
type Evaluator struct {
	EarningsMode EarningsMatchMode
}

// Evaluate 以預設設定評估單一規則。
func Evaluate(rule Rule, ctx EvaluationContext) EvaluationResult {
	return Evaluator{}.Evaluate(rule, ctx)
}

// Evaluate 將規則套用到行情快照。缺少必要欄位或條件不合法時回傳未觸發，不會 panic。
func (e Evaluator) Evaluate(rule Rule, ctx EvaluationContext) EvaluationResult {
	conds := rule.Conditions
	if conds == nil {
		conds = zeroConditions(rule.Type)
	}
	if conds == nil || conds.RuleType() != rule.Type {
		return EvaluationResult{}
	}

	switch c := conds.(type) {
	case RatingChangeConditions:
		return evalRatingChange(ctx)
	case TargetPriceConditions:
		return evalTargetPrice(c, ctx)
	case ValuationAnomalyConditions:
		return evalValuationAnomaly(c, ctx)
	case EarningsDateConditions:
		if c.Mode == "" {
			c.Mode = e.EarningsMode
		}
		return evalEarningsDate(c, ctx)
	case PriceThresholdConditions:
		return evalPriceThreshold(c, ctx)
	}
	return EvaluationResult{}
}

func zeroConditions(t RuleType) Conditions {
	switch t {
	case RuleRatingChange:
		return RatingChangeConditions{}
	case RuleTargetPrice:
		return TargetPriceConditions{}
	case RuleValuationAnomaly:
		return ValuationAnomalyConditions{}
	case RuleEarningsDate:
		return EarningsDateConditions{}
	case RulePriceThreshold:
		return PriceThresholdConditions{}
	}
	return nil
}

func ratingIndex(r string) int {
	r = strings.ToLower(strings.TrimSpace(r))
	for i, v := range ratingOrder {
		if v == r {
			return i
		}
	}
	return -1
}

// finite 回報所有欄位皆存在且為有限數值；NaN 或 ±Inf 視為缺值。
func finite(vals ...*float64) bool {
	for _, v := range vals {
		if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
			return false
		}
	}
	return true
}

func evalRatingChange(ctx EvaluationContext) EvaluationResult {
	if ctx.CurrentRating == nil || ctx.PreviousRating == nil {
		return EvaluationResult{}
	}
	prev, cur := *ctx.PreviousRating, *ctx.CurrentRating
	if prev == cur {
		return EvaluationResult{}
	}

	direction, label := "adjusted", "調整"
	pi, ci := ratingIndex(prev), ratingIndex(cur)
	if pi >= 0 && ci >= 0 {
		switch {
		case ci > pi:
			direction, label = "upgrade", "上調"
		case ci < pi:
			direction, label = "downgrade", "下調"
		}
	}

	return EvaluationResult{
		Triggered: true,
		Title:     fmt.Sprintf("%s 評級%s", ctx.Symbol, label),
		Message:   fmt.Sprintf("%s 分析師評級由 %s %s為 %s", ctx.Symbol, prev, label, cur),
		Data: map[string]any{
			"symbol":         ctx.Symbol,
			"previousRating": prev,
			"currentRating":  cur,
			"direction":      direction,
		},
		Priority: PriorityHigh,
	}
}

func evalTargetPrice(c TargetPriceConditions, ctx EvaluationContext) EvaluationResult {
	if !finite(ctx.TargetPrice, ctx.PreviousTargetPrice) || *ctx.PreviousTargetPrice == 0 {
		return EvaluationResult{}
	}
	oldP := decimal.NewFromFloat(*ctx.PreviousTargetPrice)
	newP := decimal.NewFromFloat(*ctx.TargetPrice)
	pct := newP.Sub(oldP).Div(oldP).Mul(decimal.NewFromInt(100))
	t := c.ThresholdOrDefault()
	if !finite(&t) {
		return EvaluationResult{}
	}
	threshold := decimal.NewFromFloat(t)
	if pct.Abs().LessThan(threshold) {
		return EvaluationResult{}
	}

	label := "上調"
	if pct.IsNegative() {
		label = "下調"
	}
	change, _ := pct.Round(2).Float64()
	return EvaluationResult{
		Triggered: true,
		Title:     fmt.Sprintf("%s 目標價%s %s%%", ctx.Symbol, label, pct.Abs().StringFixed(2)),
		Message:   fmt.Sprintf("%s 目標價由 %.2f 調整至 %.2f（%s%%）", ctx.Symbol, *ctx.PreviousTargetPrice, *ctx.TargetPrice, pct.StringFixed(2)),
		Data: map[string]any{
			"symbol":              ctx.Symbol,
			"previousTargetPrice": *ctx.PreviousTargetPrice,
			"targetPrice":         *ctx.TargetPrice,
			"changePercent":       change,
		},
		Priority: PriorityHigh,
	}
}

func evalValuationAnomaly(c ValuationAnomalyConditions, ctx EvaluationContext) EvaluationResult {
	if !finite(ctx.PERatio, ctx.PEPercentile) {
		return EvaluationResult{}
	}
	p := *ctx.PEPercentile
	t := c.ThresholdOrDefault()

	var status, label string
	switch {
	case p >= t:
		status, label = "overvalued", "偏高"
	case p <= 100-t:
		status, label = "undervalued", "偏低"
	default:
		return EvaluationResult{}
	}

	return EvaluationResult{
		Triggered: true,
		Title:     fmt.Sprintf("%s 估值%s", ctx.Symbol, label),
		Message:   fmt.Sprintf("%s 本益比 %.2f 位於歷史第 %.0f 百分位，估值%s", ctx.Symbol, *ctx.PERatio, p, label),
		Data: map[string]any{
			"symbol":          ctx.Symbol,
			"peRatio":         *ctx.PERatio,
			"pePercentile":    p,
			"valuationStatus": status,
		},
		Priority: PriorityMedium,
	}
}

// DaysUntil 以 ceil((target-now)/1d) 計算剩餘天數。
func DaysUntil(target, now time.Time) int {
	return int(math.Ceil(float64(target.Sub(now)) / float64(24*time.Hour)))
}

func evalEarningsDate(c EarningsDateConditions, ctx EvaluationContext) EvaluationResult {
	if ctx.EarningsDate == nil {
		return EvaluationResult{}
	}
	days := DaysUntil(*ctx.EarningsDate, ctx.Now)
	want := c.DaysBeforeOrDefault()

	hit := days == want
	if c.Mode == EarningsWithin {
		hit = days >= 0 && days <= want
	}
	if !hit {
		return EvaluationResult{}
	}

	date := ctx.EarningsDate.Format("2006-01-02")
	return EvaluationResult{
		Triggered: true,
		Title:     fmt.Sprintf("%s 將於 %d 天後公布財報", ctx.Symbol, days),
		Message:   fmt.Sprintf("%s 預計於 %s 公布財報", ctx.Symbol, date),
		Data: map[string]any{
			"symbol":       ctx.Symbol,
			"earningsDate": date,
			"daysUntil":    days,
		},
		Priority: PriorityMedium,
	}
}

func evalPriceThreshold(c PriceThresholdConditions, ctx EvaluationContext) EvaluationResult {
	if !finite(c.Threshold, ctx.CurrentPrice, ctx.PreviousPrice) {
		return EvaluationResult{}
	}
	t, prev, cur := *c.Threshold, *ctx.PreviousPrice, *ctx.CurrentPrice

	crossedUp := prev < t && cur >= t
	crossedDown := prev > t && cur <= t

	var dir Direction
	switch {
	case crossedUp && (c.Direction == DirectionAny || c.Direction == DirectionUp):
		dir = DirectionUp
	case crossedDown && (c.Direction == DirectionAny || c.Direction == DirectionDown):
		dir = DirectionDown
	default:
		return EvaluationResult{}
	}

	label := "突破"
	if dir == DirectionDown {
		label = "跌破"
	}
	return EvaluationResult{
		Triggered: true,
		Title:     fmt.Sprintf("%s 股價%s %.2f", ctx.Symbol, label, t),
		Message:   fmt.Sprintf("%s 股價由 %.2f 變動至 %.2f，%s門檻 %.2f", ctx.Symbol, prev, cur, label, t),
		Data: map[string]any{
			"symbol":        ctx.Symbol,
			"previousPrice": prev,
			"currentPrice":  cur,
			"threshold":     t,
			"direction":     string(dir),
		},
		Priority: PriorityLow,
	}
}
