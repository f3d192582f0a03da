package alert

import (
	"fmt"
	"time"
)

// RuleType 列舉規則類型。
type RuleType string

const (
	RuleRatingChange     RuleType = "rating_change"
	RuleTargetPrice      RuleType = "target_price"
	RuleValuationAnomaly RuleType = "valuation_anomaly"
	RuleEarningsDate     RuleType = "earnings_date"
	RulePriceThreshold   RuleType = "price_threshold"
)

// Valid 判斷是否為已知類型。
func (t RuleType) Valid() bool {
	switch t {
	case RuleRatingChange, RuleTargetPrice, RuleValuationAnomaly, RuleEarningsDate, RulePriceThreshold:
		return true
	}
	return false
}

// Channel 支援的通知通道。
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

// Priority 觸發後決定的緊急程度。
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rule 為常駐的監控條件；OwnerUserID 為 nil 代表全市場規則，Symbol 為 nil 代表適用所有標的。
type Rule struct {
	ID              string
	OwnerUserID     *string
	Symbol          *string
	Type            RuleType
	Conditions      Conditions
	IsActive        bool
	Channels        []Channel
	TriggerCount    int
	LastTriggeredAt *time.Time
}

// MarketWide 回傳是否為不限標的的規則。
func (r Rule) MarketWide() bool {
	return r.Symbol == nil
}

// AppliesTo 判斷規則是否適用該標的。
func (r Rule) AppliesTo(symbol string) bool {
	return r.Symbol == nil || *r.Symbol == symbol
}

// EffectiveChannels 未設定通道時預設只走 email；重複的通道只保留第一個。
func (r Rule) EffectiveChannels() []Channel {
	if len(r.Channels) == 0 {
		return []Channel{ChannelEmail}
	}
	out := make([]Channel, 0, len(r.Channels))
	seen := make(map[Channel]struct{}, len(r.Channels))
	for _, ch := range r.Channels {
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}

// Validate 基本欄位檢查。
func (r Rule) Validate() error {
	if r.ID == "" {
		return NewValidationError("id", "required")
	}
	if !r.Type.Valid() {
		return NewValidationError("rule_type", fmt.Sprintf("unsupported %q", r.Type))
	}
	if r.Conditions != nil && r.Conditions.RuleType() != r.Type {
		return NewValidationError("conditions", fmt.Sprintf("payload for %s attached to %s rule", r.Conditions.RuleType(), r.Type))
	}
	for _, ch := range r.Channels {
		switch ch {
		case ChannelEmail, ChannelPush:
		default:
			return NewValidationError("notification_channels", fmt.Sprintf("unsupported channel %q", ch))
		}
	}
	return nil
}
