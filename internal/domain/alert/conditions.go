package alert

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Direction 價格穿越方向；空字串代表兩個方向都通知。
type Direction string

const (
	DirectionAny  Direction = ""
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// EarningsMatchMode 控制財報日提醒的比較方式。
type EarningsMatchMode string

const (
	// EarningsExact 僅在剩餘天數剛好等於 daysBefore 時觸發。
	EarningsExact EarningsMatchMode = "exact"
	// EarningsWithin 在 0 <= 剩餘天數 <= daysBefore 期間皆觸發。
	EarningsWithin EarningsMatchMode = "within"
)

const (
	DefaultTargetPriceThreshold = 10.0
	DefaultValuationThreshold   = 95.0
	DefaultEarningsDaysBefore   = 3
)

// Conditions 為依規則類型區分的條件內容，每個評估器只會看到自己的欄位。
type Conditions interface {
	RuleType() RuleType
}

// RatingChangeConditions 評級變動不需額外參數。
type RatingChangeConditions struct{}

func (RatingChangeConditions) RuleType() RuleType { return RuleRatingChange }

// TargetPriceConditions 目標價變動百分比門檻。
type TargetPriceConditions struct {
	Threshold *float64
}

func (TargetPriceConditions) RuleType() RuleType { return RuleTargetPrice }

// ThresholdOrDefault 未設定時使用 10%。
func (c TargetPriceConditions) ThresholdOrDefault() float64 {
	if c.Threshold == nil {
		return DefaultTargetPriceThreshold
	}
	return *c.Threshold
}

// ValuationAnomalyConditions 本益比百分位門檻。
type ValuationAnomalyConditions struct {
	Threshold *float64
}

func (ValuationAnomalyConditions) RuleType() RuleType { return RuleValuationAnomaly }

// ThresholdOrDefault 未設定時使用第 95 百分位。
func (c ValuationAnomalyConditions) ThresholdOrDefault() float64 {
	if c.Threshold == nil {
		return DefaultValuationThreshold
	}
	return *c.Threshold
}

// EarningsDateConditions 財報日前 N 天提醒。
type EarningsDateConditions struct {
	DaysBefore *int
	Mode       EarningsMatchMode
}

func (EarningsDateConditions) RuleType() RuleType { return RuleEarningsDate }

// DaysBeforeOrDefault 未設定時為 3 天。
func (c EarningsDateConditions) DaysBeforeOrDefault() int {
	if c.DaysBefore == nil {
		return DefaultEarningsDaysBefore
	}
	return *c.DaysBefore
}

// PriceThresholdConditions 價格穿越門檻，Threshold 為必填。
type PriceThresholdConditions struct {
	Threshold *float64
	Direction Direction
}

func (PriceThresholdConditions) RuleType() RuleType { return RulePriceThreshold }

// conditionsPayload 為資料庫 JSONB 欄位的格式。
type conditionsPayload struct {
	Threshold  *float64 `json:"threshold,omitempty"`
	Direction  string   `json:"direction,omitempty"`
	DaysBefore *int     `json:"daysBefore,omitempty"`
	Mode       string   `json:"mode,omitempty"`
}

// DecodeConditions 依規則類型將 JSON 轉為對應的條件型別。
func DecodeConditions(ruleType RuleType, raw []byte) (Conditions, error) {
	var p conditionsPayload
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, NewValidationError("conditions", fmt.Sprintf("invalid json: %v", err))
		}
	}

	switch ruleType {
	case RuleRatingChange:
		return RatingChangeConditions{}, nil
	case RuleTargetPrice:
		return TargetPriceConditions{Threshold: p.Threshold}, nil
	case RuleValuationAnomaly:
		return ValuationAnomalyConditions{Threshold: p.Threshold}, nil
	case RuleEarningsDate:
		mode := EarningsMatchMode(strings.ToLower(p.Mode))
		switch mode {
		case "", EarningsExact, EarningsWithin:
		default:
			return nil, NewValidationError("conditions.mode", fmt.Sprintf("unsupported %q", p.Mode))
		}
		return EarningsDateConditions{DaysBefore: p.DaysBefore, Mode: mode}, nil
	case RulePriceThreshold:
		dir := Direction(strings.ToLower(p.Direction))
		switch dir {
		case DirectionAny, DirectionUp, DirectionDown:
		default:
			return nil, NewValidationError("conditions.direction", fmt.Sprintf("unsupported %q", p.Direction))
		}
		return PriceThresholdConditions{Threshold: p.Threshold, Direction: dir}, nil
	default:
		return nil, NewValidationError("rule_type", fmt.Sprintf("unsupported %q", ruleType))
	}
}

// EncodeConditions 為 DecodeConditions 的反向操作。
func EncodeConditions(c Conditions) ([]byte, error) {
	var p conditionsPayload
	switch v := c.(type) {
	case nil, RatingChangeConditions:
	case TargetPriceConditions:
		p.Threshold = v.Threshold
	case ValuationAnomalyConditions:
		p.Threshold = v.Threshold
	case EarningsDateConditions:
		p.DaysBefore = v.DaysBefore
		p.Mode = string(v.Mode)
	case PriceThresholdConditions:
		p.Threshold = v.Threshold
		p.Direction = string(v.Direction)
	default:
		return nil, fmt.Errorf("unknown conditions type %T", c)
	}
	return json.Marshal(p)
}
