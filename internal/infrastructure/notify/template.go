package notify

import (
	"bytes"
	"fmt"
	html "html/template"
	"math"
	"sort"
	text "text/template"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	alertDomain "earnings-alerts/internal/domain/alert"
)

// fieldLabels 依顯示順序排列，未列出的欄位排在後面並依名稱排序。
var fieldLabels = []struct {
	Key   string
	Label string
}{
	{"symbol", "股票代號"},
	{"previousRating", "原評級"},
	{"currentRating", "最新評級"},
	{"direction", "方向"},
	{"previousTargetPrice", "原目標價"},
	{"targetPrice", "最新目標價"},
	{"changePercent", "變動幅度 (%)"},
	{"previousPrice", "前次價格"},
	{"currentPrice", "目前價格"},
	{"threshold", "門檻"},
	{"peRatio", "本益比"},
	{"pePercentile", "本益比百分位"},
	{"valuationStatus", "估值狀態"},
	{"earningsDate", "財報日期"},
	{"daysUntil", "距離天數"},
}

var labelIndex = func() map[string]int {
	m := make(map[string]int, len(fieldLabels))
	for i, f := range fieldLabels {
		m[f.Key] = i
	}
	return m
}()

var printer = message.NewPrinter(language.English)

// Row 為郵件表格中的一列。
type Row struct {
	Label string
	Value string
}

// DataRows 將通知資料轉成穩定排序的表格列。
func DataRows(data map[string]any) []Row {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		ai, aok := labelIndex[keys[i]]
		bi, bok := labelIndex[keys[j]]
		switch {
		case aok && bok:
			return ai < bi
		case aok != bok:
			return aok
		default:
			return keys[i] < keys[j]
		}
	})

	rows := make([]Row, 0, len(keys))
	for _, k := range keys {
		label := k
		if i, ok := labelIndex[k]; ok {
			label = fieldLabels[i].Label
		}
		rows = append(rows, Row{Label: label, Value: FormatValue(data[k])})
	}
	return rows
}

// FormatValue 數值 >= 1000 加上千分位，其餘數值固定兩位小數。
func FormatValue(v any) string {
	switch n := v.(type) {
	case float64:
		return formatNumber(n)
	case float32:
		return formatNumber(float64(n))
	case int:
		return formatNumber(float64(n))
	case int64:
		return formatNumber(float64(n))
	case int32:
		return formatNumber(float64(n))
	case nil:
		return "-"
	case time.Time:
		return n.Format("2006-01-02 15:04")
	default:
		return fmt.Sprint(n)
	}
}

func formatNumber(f float64) string {
	if f >= 1000 {
		if f == math.Trunc(f) {
			return printer.Sprintf("%d", int64(f))
		}
		return printer.Sprintf("%.2f", f)
	}
	return fmt.Sprintf("%.2f", f)
}

const alertHTML = `<!DOCTYPE html>
<html><body style="font-family:sans-serif">
<h2>{{.Title}}</h2>
<p>{{.Greeting}}</p>
<p>{{.Message}}</p>
{{if .Rows}}<table cellpadding="6" style="border-collapse:collapse">
{{range .Rows}}<tr><th align="left">{{.Label}}</th><td>{{.Value}}</td></tr>
{{end}}</table>{{end}}
<p style="color:#888">觸發時間：{{.CreatedAt}}</p>
</body></html>`

const alertText = `{{.Title}}

{{.Greeting}}
{{.Message}}
{{range .Rows}}
{{.Label}}: {{.Value}}{{end}}

觸發時間：{{.CreatedAt}}
`

const digestHTML = `<!DOCTYPE html>
<html><body style="font-family:sans-serif">
<h2>{{.Heading}}</h2>
<p>{{.Greeting}}</p>
<ul>
{{range .Items}}<li><strong>{{.Title}}</strong> ({{.CreatedAt}})<br>{{.Message}}</li>
{{end}}</ul>
</body></html>`

const digestText = `{{.Heading}}

{{.Greeting}}
{{range .Items}}
- [{{.CreatedAt}}] {{.Title}}
  {{.Message}}{{end}}
`

var (
	alertHTMLTmpl  = html.Must(html.New("alert_html").Parse(alertHTML))
	alertTextTmpl  = text.Must(text.New("alert_text").Parse(alertText))
	digestHTMLTmpl = html.Must(html.New("digest_html").Parse(digestHTML))
	digestTextTmpl = text.Must(text.New("digest_text").Parse(digestText))
)

// Renderer 產生提醒與摘要郵件，時間以 loc 顯示。
type Renderer struct {
	loc *time.Location
}

func NewRenderer(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{loc: loc}
}

func greeting(user alertDomain.User) string {
	if user.DisplayName != "" {
		return fmt.Sprintf("%s 您好，", user.DisplayName)
	}
	return "您好，"
}

// AlertEmail 將單筆通知套版成 HTML 與純文字兩種內容。
func (r *Renderer) AlertEmail(h alertDomain.History, user alertDomain.User) (alertDomain.EmailMessage, error) {
	view := struct {
		Title     string
		Greeting  string
		Message   string
		Rows      []Row
		CreatedAt string
	}{
		Title:     h.Title,
		Greeting:  greeting(user),
		Message:   h.Message,
		Rows:      DataRows(h.Data),
		CreatedAt: h.CreatedAt.In(r.loc).Format("2006-01-02 15:04"),
	}

	var htmlBuf, textBuf bytes.Buffer
	if err := alertHTMLTmpl.Execute(&htmlBuf, view); err != nil {
		return alertDomain.EmailMessage{}, fmt.Errorf("render alert html: %w", err)
	}
	if err := alertTextTmpl.Execute(&textBuf, view); err != nil {
		return alertDomain.EmailMessage{}, fmt.Errorf("render alert text: %w", err)
	}

	subject := h.Title
	if h.Symbol != nil {
		subject = fmt.Sprintf("[%s] %s", *h.Symbol, h.Title)
	}
	msg := alertDomain.EmailMessage{
		To:      user.Email,
		Subject: subject,
		HTML:    htmlBuf.String(),
		Text:    textBuf.String(),
	}
	if h.ID != "" {
		msg.IdempotencyKey = "alert-" + h.ID
	}
	return msg, nil
}

type digestItem struct {
	Title     string
	Message   string
	CreatedAt string
}

// DigestEmail 將期間內的通知彙整成一封摘要信。
func (r *Renderer) DigestEmail(user alertDomain.User, period alertDomain.DigestFrequency, alerts []alertDomain.History) (alertDomain.EmailMessage, error) {
	heading := "每日提醒摘要"
	if period == alertDomain.DigestWeekly {
		heading = "每週提醒摘要"
	}
	items := make([]digestItem, 0, len(alerts))
	for _, a := range alerts {
		items = append(items, digestItem{
			Title:     a.Title,
			Message:   a.Message,
			CreatedAt: a.CreatedAt.In(r.loc).Format("2006-01-02 15:04"),
		})
	}
	view := struct {
		Heading  string
		Greeting string
		Items    []digestItem
	}{
		Heading:  heading,
		Greeting: fmt.Sprintf("%s以下是您這段期間的 %d 則提醒：", greeting(user), len(alerts)),
		Items:    items,
	}

	var htmlBuf, textBuf bytes.Buffer
	if err := digestHTMLTmpl.Execute(&htmlBuf, view); err != nil {
		return alertDomain.EmailMessage{}, fmt.Errorf("render digest html: %w", err)
	}
	if err := digestTextTmpl.Execute(&textBuf, view); err != nil {
		return alertDomain.EmailMessage{}, fmt.Errorf("render digest text: %w", err)
	}
	return alertDomain.EmailMessage{
		To:      user.Email,
		Subject: fmt.Sprintf("%s（%d 則）", heading, len(alerts)),
		HTML:    htmlBuf.String(),
		Text:    textBuf.String(),
	}, nil
}
