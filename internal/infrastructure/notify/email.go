package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	alertDomain "earnings-alerts/internal/domain/alert"
	"earnings-alerts/internal/infrastructure/config"
)

// Sender 寄出一封已套版的郵件。
type Sender interface {
	Send(ctx context.Context, msg alertDomain.EmailMessage) error
	Name() string
}

// NewSender 依設定建立寄信服務。
func NewSender(cfg config.EmailConfig) (Sender, error) {
	if cfg.APIKey == "" || cfg.From == "" {
		return nil, &config.ConfigurationError{Missing: []string{"EMAIL_API_KEY", "EMAIL_FROM"}}
	}
	switch cfg.Provider {
	case "", "http":
		return NewHTTPMailer(cfg.APIURL, cfg.APIKey, cfg.From, cfg.FromName, cfg.Timeout), nil
	case "sendgrid":
		return NewSendGridMailer(cfg.APIKey, cfg.From, cfg.FromName), nil
	}
	return nil, fmt.Errorf("unsupported email provider %q", cfg.Provider)
}

// HTTPMailer 以 JSON + Bearer token 呼叫交易型郵件 API（Resend 相容格式）。
type HTTPMailer struct {
	client   *resty.Client
	url      string
	apiKey   string
	from     string
	fromName string
}

type httpMailPayload struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html,omitempty"`
	Text    string   `json:"text,omitempty"`
}

func NewHTTPMailer(url, apiKey, from, fromName string, timeout time.Duration) *HTTPMailer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPMailer{
		client:   resty.New().SetTimeout(timeout),
		url:      url,
		apiKey:   apiKey,
		from:     from,
		fromName: fromName,
	}
}

func (m *HTTPMailer) Name() string { return "http" }

func (m *HTTPMailer) Send(ctx context.Context, msg alertDomain.EmailMessage) error {
	from := m.from
	if m.fromName != "" {
		from = fmt.Sprintf("%s <%s>", m.fromName, m.from)
	}
	req := m.client.R().
		SetContext(ctx).
		SetAuthToken(m.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(httpMailPayload{
			From:    from,
			To:      []string{msg.To},
			Subject: msg.Subject,
			HTML:    msg.HTML,
			Text:    msg.Text,
		})
	if msg.IdempotencyKey != "" {
		req.SetHeader("Idempotency-Key", msg.IdempotencyKey)
	}

	resp, err := req.Post(m.url)
	if err != nil {
		return &alertDomain.ProviderError{Provider: m.Name(), Err: err}
	}
	if resp.IsError() {
		return &alertDomain.ProviderError{Provider: m.Name(), StatusCode: resp.StatusCode(), Body: resp.String()}
	}
	return nil
}

// SendGridMailer 透過 SendGrid v3 mail/send 寄信。
type SendGridMailer struct {
	apiKey   string
	host     string
	from     string
	fromName string
}

func NewSendGridMailer(apiKey, from, fromName string) *SendGridMailer {
	return &SendGridMailer{
		apiKey:   apiKey,
		host:     "https://api.sendgrid.com",
		from:     from,
		fromName: fromName,
	}
}

func (s *SendGridMailer) Name() string { return "sendgrid" }

func (s *SendGridMailer) Send(ctx context.Context, msg alertDomain.EmailMessage) error {
	message := mail.NewV3Mail()
	message.SetFrom(mail.NewEmail(s.fromName, s.from))
	message.Subject = msg.Subject

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail("", msg.To))
	message.AddPersonalizations(p)

	if msg.Text != "" {
		message.AddContent(mail.NewContent("text/plain", msg.Text))
	}
	if msg.HTML != "" {
		message.AddContent(mail.NewContent("text/html", msg.HTML))
	}

	request := sendgrid.GetRequest(s.apiKey, "/v3/mail/send", s.host)
	request.Method = "POST"
	request.Body = mail.GetRequestBody(message)
	if msg.IdempotencyKey != "" {
		request.Headers["Idempotency-Key"] = msg.IdempotencyKey
	}

	resp, err := sendgrid.MakeRequestWithContext(ctx, request)
	if err != nil {
		return &alertDomain.ProviderError{Provider: s.Name(), Err: err}
	}
	if resp.StatusCode >= 400 {
		return &alertDomain.ProviderError{Provider: s.Name(), StatusCode: resp.StatusCode, Body: resp.Body}
	}
	return nil
}
