package alert

import (
	"fmt"
	"time"
)

// DigestFrequency 摘要信頻率。
type DigestFrequency string

const (
	DigestNone   DigestFrequency = "none"
	DigestDaily  DigestFrequency = "daily"
	DigestWeekly DigestFrequency = "weekly"
)

// ParseDigestFrequency 僅接受 daily / weekly 兩種排程週期。
func ParseDigestFrequency(s string) (DigestFrequency, error) {
	switch DigestFrequency(s) {
	case DigestDaily, DigestWeekly:
		return DigestFrequency(s), nil
	}
	return "", NewValidationError("period", fmt.Sprintf("must be daily or weekly, got %q", s))
}

// Lookback 摘要要涵蓋的時間長度。
func (f DigestFrequency) Lookback() time.Duration {
	if f == DigestWeekly {
		return 7 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// Preference 使用者的通知偏好，本核心只讀取，唯一寫入的是 LastDigestSentAt。
type Preference struct {
	OwnerUserID      string
	DigestFrequency  DigestFrequency
	DigestDay        int    // 0 = 週日，僅 weekly 使用
	DigestTime       string // HH:MM:SS
	LastDigestSentAt *time.Time
}

// ClockTime 解析 DigestTime，容許省略秒數。
func (p Preference) ClockTime() (hour, minute, second int, err error) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		t, perr := time.Parse(layout, p.DigestTime)
		if perr == nil {
			return t.Hour(), t.Minute(), t.Second(), nil
		}
	}
	return 0, 0, 0, NewValidationError("digest_time", fmt.Sprintf("invalid %q", p.DigestTime))
}
