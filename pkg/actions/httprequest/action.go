// Package httprequest calls an external HTTP endpoint from integration steps.
package httprequest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/absamo/triven-workflow/pkg/engine"
	"github.com/absamo/triven-workflow/pkg/models"
	"github.com/absamo/triven-workflow/pkg/template"
)

// Name is the action name steps refer to.
const Name = "http.request"

const (
	defaultTimeout = 30 * time.Second
	headerPrefix   = "header."
)

var (
	ErrHTTPRequestURLInvalid = errors.New("invalid HTTP request url")
	ErrHTTPServerError       = errors.New("server error during HTTP request")
	ErrHTTPClientError       = errors.New("client error during HTTP request")
)

// Action sends one request per run. Step config keys: url, method, body,
// attempts, delay_seconds and header.<Name>. url, body and header values are
// templates over the instance, entity and step.
type Action struct {
	client *http.Client
	logger *slog.Logger
	sleep  func(time.Duration)
}

var _ engine.Action = (*Action)(nil)

type Option func(*Action)

func WithClient(client *http.Client) Option {
	return func(a *Action) { a.client = client }
}

func WithSleep(sleep func(time.Duration)) Option {
	return func(a *Action) { a.sleep = sleep }
}

func New(logger *slog.Logger, opts ...Option) *Action {
	a := &Action{
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger.With("module", "http_request_action"),
		sleep:  time.Sleep,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

type request struct {
	method   string
	url      string
	body     string
	headers  map[string]string
	attempts int
	delay    time.Duration
}

func parse(cfg models.Payload) (request, error) {
	req := request{
		method:   http.MethodPost,
		headers:  map[string]string{},
		attempts: 1,
	}

	if v, ok := cfg["url"].AsString(); ok {
		req.url = v
	}

	if req.url == "" {
		return req, ErrHTTPRequestURLInvalid
	}

	if v, ok := cfg["method"].AsString(); ok && v != "" {
		req.method = strings.ToUpper(v)
	}

	if v, ok := cfg["body"].AsString(); ok {
		req.body = v
	}

	if n, ok := cfg["attempts"].AsNumber(); ok && n >= 1 {
		req.attempts = int(n)
	}

	if n, ok := cfg["delay_seconds"].AsNumber(); ok && n > 0 {
		req.delay = time.Duration(n * float64(time.Second))
	}

	for key, value := range cfg {
		if name, found := strings.CutPrefix(key, headerPrefix); found && name != "" {
			req.headers[name] = value.String()
		}
	}

	return req, nil
}

// templateData exposes the run to url, body and header templates.
func templateData(in engine.ActionInput) map[string]any {
	fields := make(map[string]any, len(in.Snapshot.Fields))
	for k, v := range in.Snapshot.Fields {
		fields[k] = v.Any()
	}

	data := map[string]any{
		"fields":     fields,
		"step":       in.Step.StepNumber,
		"step_name":  in.Step.Name,
		"created_by": in.Snapshot.CreatedBy,
	}

	if in.Instance != nil {
		data["instance_id"] = in.Instance.ID
		data["company_id"] = in.Instance.CompanyID
		data["entity_type"] = string(in.Instance.EntityType)
		data["entity_id"] = in.Instance.EntityID
	}

	return data
}

// Run fails on transport errors and non-2xx answers. 5xx answers are retried.
func (a *Action) Run(ctx context.Context, in engine.ActionInput) error {
	req, err := parse(in.Config)
	if err != nil {
		return err
	}

	data := templateData(in)

	url, err := template.Render(req.url, data)
	if err != nil {
		return fmt.Errorf("failed to render url template: %w", err)
	}

	body, err := template.Render(req.body, data)
	if err != nil {
		return fmt.Errorf("failed to render body template: %w", err)
	}

	headers := make(map[string]string, len(req.headers))
	for k, v := range req.headers {
		if headers[k], err = template.Render(v, data); err != nil {
			return fmt.Errorf("failed to render header '%s' template: %w", k, err)
		}
	}

	logger := a.logger.With("method", req.method, "url", url, "step", in.Step.StepNumber)

	var lastErr error

	for attempt := 1; attempt <= req.attempts; attempt++ {
		if attempt > 1 {
			logger.InfoContext(ctx, "retrying http request", "attempt", attempt, "attempts", req.attempts)
			a.sleep(req.delay)
		}

		status, err := a.do(ctx, req.method, url, body, headers)
		if err != nil {
			lastErr = err

			continue
		}

		switch {
		case status >= 500:
			lastErr = fmt.Errorf("%w: status %d", ErrHTTPServerError, status)

			continue
		case status >= 400:
			return fmt.Errorf("%w: status %d", ErrHTTPClientError, status)
		}

		logger.InfoContext(ctx, "http request completed", "status", status)

		return nil
	}

	return fmt.Errorf("all retry attempts failed, last error: %w", lastErr)
}

func (a *Action) do(ctx context.Context, method, url, body string, headers map[string]string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, strings.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create http request: %w", err)
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("http request failed: %w", err)
	}

	defer func() { _ = resp.Body.Close() }()

	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
