package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"earnings-alerts/internal/infrastructure/config"
)

// TelegramClient 將批次工作的摘要推送到維運頻道。
type TelegramClient struct {
	token   string
	chatID  int64
	prefix  string
	baseURL string
	client  *resty.Client
}

func NewTelegramClient(token string, chatID int64, prefix string) *TelegramClient {
	return &TelegramClient{
		token:   token,
		chatID:  chatID,
		prefix:  prefix,
		baseURL: "https://api.telegram.org",
		client:  resty.New().SetTimeout(10 * time.Second),
	}
}

// NewOpsNotifier 依設定建立維運通知；未啟用時回傳 nil。
func NewOpsNotifier(cfg config.TelegramConfig) *TelegramClient {
	if !cfg.Enabled {
		return nil
	}
	return NewTelegramClient(cfg.Token, cfg.ChatID, cfg.Prefix)
}

// SendMessage 將文字訊息推送到指定 chat。
func (c *TelegramClient) SendMessage(ctx context.Context, text string) error {
	if c == nil {
		return fmt.Errorf("telegram client is nil")
	}
	if c.token == "" || c.chatID == 0 {
		return fmt.Errorf("telegram token or chat_id missing")
	}

	fullText := text
	if c.prefix != "" {
		fullText = fmt.Sprintf("[%s] %s", c.prefix, text)
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"chat_id": c.chatID,
			"text":    fullText,
		}).
		Post(fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token))
	if err != nil {
		return err
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("telegram send failed status=%d body=%s", resp.StatusCode(), resp.String())
	}
	return nil
}

// NotifyJob 當批次有失敗項目時送出一行摘要，沒有失敗則不送。
func (c *TelegramClient) NotifyJob(ctx context.Context, job string, failed int, counts map[string]int) error {
	if c == nil || failed == 0 {
		return nil
	}
	return c.SendMessage(ctx, FormatJobSummary(job, counts))
}

// FormatJobSummary 產生 "job: a=1 b=2" 形式的摘要，欄位依名稱排序。
func FormatJobSummary(job string, counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return fmt.Sprintf("%s: %s", job, strings.Join(parts, " "))
}
