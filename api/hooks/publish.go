package hooks

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"

	"kiln/api/logging"
)

const (
	DefaultAttempts = 3
	DefaultDelay    = time.Second
	DefaultTimeout  = 10 * time.Second
)

// Publisher POSTs events to subscribed hooks.
type Publisher struct {
	Hooks    *Manager
	Attempts int
	Delay    time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger

	client   *http.Client
	insecure *http.Client
}

func NewPublisher(m *Manager, logger *slog.Logger) *Publisher {
	return &Publisher{
		Hooks:    m,
		Attempts: DefaultAttempts,
		Delay:    DefaultDelay,
		Timeout:  DefaultTimeout,
		Logger:   logging.Ensure(logger).With("component", "hooks"),
		client:   &http.Client{},
		insecure: insecureClient(),
	}
}

func insecureClient() *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &http.Client{Transport: tr}
}

// Publish delivers payload to every subscriber of event. Delivery failures
// are logged and joined into the returned error; they never stop the other
// deliveries.
func (p *Publisher) Publish(ctx context.Context, event string, payload any) error {
	subs, err := p.Hooks.Subscribers(ctx, event)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}

	var errs []error
	results := make(map[string]string, len(subs))
	for _, h := range subs {
		err := p.deliver(ctx, h, event, body)
		if err != nil {
			p.Logger.Warn("hook delivery failed", "hook", h.ID, "url", h.URL, "event", event, "error", err)
			results[h.ID] = "failed: " + err.Error()
			errs = append(errs, fmt.Errorf("hook %s: %w", h.URL, err))
			continue
		}
		p.Logger.Info("hook delivered", "hook", h.ID, "event", event)
		results[h.ID] = "ok"
	}
	if err := p.Hooks.recordStatus(context.WithoutCancel(ctx), results); err != nil {
		p.Logger.Warn("record hook status", "error", err)
	}
	return errors.Join(errs...)
}

func (p *Publisher) deliver(ctx context.Context, h Hook, event string, body []byte) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(p.Delay))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		return p.post(ctx, h, event, body)
	})
}

func (p *Publisher) post(ctx context.Context, h Hook, event string, body []byte) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kiln-Event", event)
	req.Header.Set("User-Agent", "kiln-hooks")

	resp, err := p.httpClient(h.InsecureSSL).Do(req)
	if err != nil {
		return retry.RetryableError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return retry.RetryableError(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

func (p *Publisher) httpClient(insecure bool) *http.Client {
	if insecure && p.insecure != nil {
		return p.insecure
	}
	if p.client != nil {
		return p.client
	}
	return http.DefaultClient
}
