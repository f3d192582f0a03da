package alert

import (
	"errors"
	"testing"
	"time"
)

func TestDecodeConditions(t *testing.T) {
	t.Run("price threshold", func(t *testing.T) {
		c, err := DecodeConditions(RulePriceThreshold, []byte(`{"threshold":50,"direction":"UP"}`))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		pc, ok := c.(PriceThresholdConditions)
		if !ok {
			t.Fatalf("unexpected type %T", c)
		}
		if pc.Threshold == nil || *pc.Threshold != 50 || pc.Direction != DirectionUp {
			t.Errorf("unexpected conditions: %+v", pc)
		}
	})

	t.Run("earnings defaults", func(t *testing.T) {
		c, err := DecodeConditions(RuleEarningsDate, nil)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := c.(EarningsDateConditions).DaysBeforeOrDefault(); got != 3 {
			t.Errorf("daysBefore = %d, want 3", got)
		}
	})

	t.Run("bad direction", func(t *testing.T) {
		_, err := DecodeConditions(RulePriceThreshold, []byte(`{"threshold":50,"direction":"sideways"}`))
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		if _, err := DecodeConditions("momentum", []byte(`{}`)); err == nil {
			t.Error("expected error for unknown rule type")
		}
	})

	t.Run("encode round trip keeps fields", func(t *testing.T) {
		raw, err := EncodeConditions(EarningsDateConditions{DaysBefore: intp(5), Mode: EarningsWithin})
		if err != nil {
			t.Fatal(err)
		}
		if string(raw) != `{"daysBefore":5,"mode":"within"}` {
			t.Errorf("unexpected payload %s", raw)
		}
	})
}

func TestRule_Validate(t *testing.T) {
	ok := Rule{ID: "r1", Type: RulePriceThreshold, Conditions: PriceThresholdConditions{}, Channels: []Channel{ChannelEmail}}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	bad := []Rule{
		{Type: RulePriceThreshold},
		{ID: "r1", Type: "momentum"},
		{ID: "r1", Type: RuleTargetPrice, Conditions: PriceThresholdConditions{}},
		{ID: "r1", Type: RuleTargetPrice, Channels: []Channel{"sms"}},
	}
	for _, r := range bad {
		if err := r.Validate(); err == nil {
			t.Errorf("expected error for %+v", r)
		}
	}
}

func TestRule_EffectiveChannels(t *testing.T) {
	tests := []struct {
		name     string
		channels []Channel
		want     []Channel
	}{
		{name: "default email", want: []Channel{ChannelEmail}},
		{name: "kept in order", channels: []Channel{ChannelPush, ChannelEmail}, want: []Channel{ChannelPush, ChannelEmail}},
		{name: "duplicates dropped", channels: []Channel{ChannelEmail, ChannelPush, ChannelEmail}, want: []Channel{ChannelEmail, ChannelPush}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Rule{Channels: tt.channels}.EffectiveChannels()
			if len(got) != len(tt.want) {
				t.Fatalf("channels = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("channels = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestPreference_ClockTime(t *testing.T) {
	h, m, s, err := Preference{DigestTime: "08:30:15"}.ClockTime()
	if err != nil || h != 8 || m != 30 || s != 15 {
		t.Errorf("got %d:%d:%d err=%v", h, m, s, err)
	}
	if _, _, _, err := (Preference{DigestTime: "8pm"}).ClockTime(); err == nil {
		t.Error("expected error for invalid time")
	}
}

func TestTriggerDedupeKey(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*3600)
	at := time.Date(2024, 12, 2, 20, 0, 0, 0, time.UTC)
	if got := TriggerDedupeKey("r1", "ACME", at, loc); got != "r1|ACME|2024-12-03" {
		t.Errorf("unexpected key %s", got)
	}
}
