package alert

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 參照的使用者、行情或規則不存在，呼叫端跳過該項目。
	ErrNotFound = errors.New("not found")
	// ErrDuplicate 儲存層唯一鍵衝突，代表同一事件已被處理過。
	ErrDuplicate = errors.New("duplicate")
)

// ValidationError 規則條件或資料格式不正確；評估時一律視為未觸發。
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// NewValidationError 建立 ValidationError。
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ProviderError 寄信服務回應失敗。
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s send failed: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("%s send failed status=%d body=%s", e.Provider, e.StatusCode, e.Body)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
