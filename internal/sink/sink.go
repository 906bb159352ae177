package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/devblac/tokenwatch/internal/config"
	"github.com/devblac/tokenwatch/internal/transfer"
)

// Sender delivers one newly stored transfer.
type Sender interface {
	Send(ctx context.Context, t transfer.Transfer) error
}

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	client  *http.Client
	headers map[string]string
}

// NewWebhookSender builds a generic HTTP sink.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sender, error) {
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
	return &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		render:  t,
		client:  defaultClient(),
		headers: headers,
	}, nil
}

// NewSlackSender builds a Slack-compatible webhook sink.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

// NewTeamsSender builds a Teams-compatible webhook sink.
func NewTeamsSender(url, tmpl string) (Sender, error) {
	// Teams accepts simple {text: "..."} payloads.
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

func (s *httpSender) Send(ctx context.Context, t transfer.Transfer) error {
	bodyStr, err := executeTemplate(s.render, t)
	if err != nil {
		return err
	}
	reqBody, err := json.Marshal(map[string]any{
		"text":     bodyStr,
		"transfer": t,
	})
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, s.method, s.url, bytes.NewReader(reqBody))
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
		return fmt.Errorf("sink http status %d", resp.StatusCode)
	}
	return nil
}

// Build constructs senders for the configured sinks, keyed by sink id.
// watched is the synced address, used by direction filters.
func Build(sinks []config.Sink, watched string) (map[string]Sender, error) {
	out := make(map[string]Sender, len(sinks))
	for _, s := range sinks {
		var (
			sender Sender
			err    error
		)
		switch strings.ToLower(s.Type) {
		case "slack":
			sender, err = NewSlackSender(s.WebhookURL, s.Template)
		case "teams":
			sender, err = NewTeamsSender(s.WebhookURL, s.Template)
		case "webhook":
			sender, err = NewWebhookSender(s.URL, s.Method, s.Template, map[string]string{
				"Content-Type": "application/json",
			})
		case "kafka":
			sender, err = NewKafkaSender(s.Brokers, s.Topic)
		default:
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("sink %s: %w", s.ID, err)
		}
		if len(s.Where) > 0 {
			preds, err := CompilePredicates(s.Where, watched)
			if err != nil {
				return nil, fmt.Errorf("sink %s where: %w", s.ID, err)
			}
			sender = &filtered{next: sender, preds: preds}
		}
		out[s.ID] = sender
	}
	return out, nil
}

// Fanout delivers to every sender and joins their errors.
type Fanout struct {
	senders map[string]Sender
}

// NewFanout wraps a set of senders.
func NewFanout(senders map[string]Sender) *Fanout {
	return &Fanout{senders: senders}
}

// Notify sends t to all sinks. One failing sink does not stop the others.
func (f *Fanout) Notify(ctx context.Context, t transfer.Transfer) error {
	if f == nil {
		return nil
	}
	var errs []error
	for id, s := range f.senders {
		if err := s.Send(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of senders.
func (f *Fanout) Len() int {
	if f == nil {
		return 0
	}
	return len(f.senders)
}

// Close releases senders holding connections.
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, s := range f.senders {
		if c, ok := s.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = "TRANSFER {{symbol .}} {{.ValueString}} {{short_addr .From}} -> {{short_addr .To}} tx {{short_addr .TxHash}}"
	}
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"short_addr": func(addr string) string {
			if len(addr) <= 10 {
				return addr
			}
			return addr[:6] + "..." + addr[len(addr)-4:]
		},
		"symbol": func(t transfer.Transfer) string {
			if t.TokenSymbol == nil {
				return t.Contract
			}
			return *t.TokenSymbol
		},
	}
	return template.New("msg").Funcs(funcs).Parse(tmpl)
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
	}
}
