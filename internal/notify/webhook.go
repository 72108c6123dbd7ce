package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/radoslaw-sz/guardio/pkg/contracts"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// ── Webhook Sink ────────────────────────────────────────────
// Config: { "url": "https://...", "secret": "...", "timeout": "10s",
//           "maxRetries": 2, "headers": {...},
//           "auth": { "type": "bearer", "token": "..." } }

type webhookConfig struct {
	URL        string                 `json:"url"`
	Secret     string                 `json:"secret,omitempty"`
	Timeout    string                 `json:"timeout,omitempty"`
	MaxRetries *int                   `json:"maxRetries,omitempty"`
	Headers    map[string]string      `json:"headers,omitempty"`
	Auth       map[string]interface{} `json:"auth,omitempty"`
}

// WebhookSink posts each event as JSON with optional HMAC-SHA256 signing.
type WebhookSink struct {
	url        string
	secret     string
	headers    map[string]string
	auth       map[string]interface{}
	maxRetries int
	client     *http.Client

	// newBackOff returns the retry schedule for one delivery.
	newBackOff func() backoff.BackOff
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(raw json.RawMessage, _ contracts.PluginContext) (contracts.EventSink, error) {
	var cfg webhookConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("webhook sink: url %q must be an absolute http(s) URL", cfg.URL)
	}

	timeout := 10 * time.Second
	if cfg.Timeout != "" {
		if timeout, err = time.ParseDuration(cfg.Timeout); err != nil {
			return nil, fmt.Errorf("webhook sink: timeout: %w", err)
		}
	}
	maxRetries := 2
	if cfg.MaxRetries != nil {
		if *cfg.MaxRetries < 0 {
			return nil, fmt.Errorf("webhook sink: maxRetries must not be negative")
		}
		maxRetries = *cfg.MaxRetries
	}

	return &WebhookSink{
		url:        cfg.URL,
		secret:     cfg.Secret,
		headers:    cfg.Headers,
		auth:       cfg.Auth,
		maxRetries: maxRetries,
		client:     &http.Client{Timeout: timeout},
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			return b
		},
	}, nil
}

func (s *WebhookSink) Name() string { return "webhook" }

// Emit posts the event, retrying transport errors and non-2xx responses
// with exponential backoff. 4xx responses other than 429 are not retried.
func (s *WebhookSink) Emit(ctx context.Context, e *models.GuardioEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var signature string
	if s.secret != "" {
		mac := hmac.New(sha256.New, []byte(s.secret))
		mac.Write(body)
		signature = "sha256=" + hex.EncodeToString(mac.Sum(nil))
	}

	attempt := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Guardio-Webhook/1.0")
		req.Header.Set("X-Guardio-Event", e.EventType)
		req.Header.Set("X-Guardio-Decision", e.Decision)
		if signature != "" {
			req.Header.Set("X-Guardio-Signature", signature)
		}
		for k, v := range s.headers {
			req.Header.Set(k, v)
		}
		applyAuth(req, s.auth)

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		statusErr := fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, s.url)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(statusErr)
		}
		return statusErr
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.maxRetries)), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return fmt.Errorf("webhook failed after %d attempts: %w", s.maxRetries+1, err)
	}
	return nil
}

// applyAuth adds authentication headers to the request based on the auth config.
func applyAuth(req *http.Request, authConfig map[string]interface{}) {
	if authConfig == nil {
		return
	}
	authType, _ := authConfig["type"].(string)
	switch authType {
	case "bearer":
		if token, ok := authConfig["token"].(string); ok {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	case "api_key":
		header, _ := authConfig["header"].(string)
		key, _ := authConfig["key"].(string)
		if header != "" && key != "" {
			req.Header.Set(header, key)
		}
	case "basic":
		user, _ := authConfig["username"].(string)
		pass, _ := authConfig["password"].(string)
		req.SetBasicAuth(user, pass)
	}
}
