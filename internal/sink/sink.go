package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"
)

// DefaultTemplate renders the alert the way the console shows it.
const DefaultTemplate = "🔹 Block #{{.Height}}: {{.Module}}.{{.Event}} on {{.Network}}\n{{pretty_json .Attributes}}"

const (
	slackSectionLimit = 3000
	teamsThemeColor   = "E6007A"
)

type Sender interface {
	Send(ctx context.Context, alert Alert) error
}

// StatusSender is implemented by sinks that also take batch and throughput lines.
type StatusSender interface {
	SendStatus(ctx context.Context, network, text string) error
}

// bodyFunc shapes the JSON document one chat service expects from the rendered
// alert text.
type bodyFunc func(alert Alert, text string) any

// HTTPSender posts rendered alerts to a webhook endpoint.
type HTTPSender struct {
	url     string
	method  string
	render  *template.Template
	body    bodyFunc
	client  *http.Client
	headers map[string]string
}

var jsonHeaders = map[string]string{"Content-Type": "application/json"}

func newHTTPSender(url, method, tmpl string, headers map[string]string, body bodyFunc) (*HTTPSender, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &HTTPSender{
		url:     url,
		method:  strings.ToUpper(method),
		render:  t,
		body:    body,
		client:  defaultClient(),
		headers: headers,
	}, nil
}

// NewWebhookSender posts {"text", "alert"} so receivers get the rendered line and
// the structured event together.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sender, error) {
	return senderOrNil(newHTTPSender(url, method, tmpl, headers, webhookBody))
}

// NewSlackSender posts Block Kit messages to an incoming webhook.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return senderOrNil(newHTTPSender(url, http.MethodPost, tmpl, jsonHeaders, slackBody))
}

// NewTeamsSender posts legacy MessageCards to an Office 365 connector.
func NewTeamsSender(url, tmpl string) (Sender, error) {
	return senderOrNil(newHTTPSender(url, http.MethodPost, tmpl, jsonHeaders, teamsBody))
}

// senderOrNil keeps a failed constructor from yielding a non-nil interface.
func senderOrNil(s *HTTPSender, err error) (Sender, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *HTTPSender) Send(ctx context.Context, alert Alert) error {
	text, err := executeTemplate(s.render, alert)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(s.body(alert, text))
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: http status %d", s.url, resp.StatusCode)
	}
	return nil
}

type webhookMessage struct {
	Text  string `json:"text"`
	Alert Alert  `json:"alert"`
}

func webhookBody(alert Alert, text string) any {
	return webhookMessage{Text: text, Alert: alert}
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackMessage struct {
	// Text is the notification fallback when blocks cannot be shown.
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

func slackBody(alert Alert, text string) any {
	return slackMessage{
		Text: text,
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: alert.Name()}},
			{Type: "section", Text: &slackText{Type: "mrkdwn", Text: truncate(text, slackSectionLimit)}},
			{Type: "context", Elements: []slackText{{
				Type: "mrkdwn",
				Text: fmt.Sprintf("*%s* · block #%d · event %d", alert.Network, alert.Height, alert.Index),
			}}},
		},
	}
}

type teamsCard struct {
	Type       string `json:"@type"`
	Context    string `json:"@context"`
	Summary    string `json:"summary"`
	Title      string `json:"title"`
	Text       string `json:"text"`
	ThemeColor string `json:"themeColor"`
}

func teamsBody(alert Alert, text string) any {
	return teamsCard{
		Type:       "MessageCard",
		Context:    "https://schema.org/extensions",
		Summary:    alert.Name(),
		Title:      fmt.Sprintf("%s on %s #%d", alert.Name(), alert.Network, alert.Height),
		Text:       text,
		ThemeColor: teamsThemeColor,
	}
}

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = DefaultTemplate
	}
	t, err := template.New("alert").Funcs(template.FuncMap{
		"pretty_json": prettyJSON,
		"short_hash":  shortHash,
	}).Parse(tmpl)
	if err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return t, nil
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func prettyJSON(v any) string {
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

// shortHash keeps the 0x prefix, four leading and four trailing digits.
func shortHash(hash string) string {
	if len(hash) <= 10 {
		return hash
	}
	return hash[:6] + "..." + hash[len(hash)-4:]
}

func defaultClient() *http.Client {
	return &http.Client{Timeout: 8 * time.Second}
}
