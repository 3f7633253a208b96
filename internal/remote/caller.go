package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gridsight/consentgate/internal/config"
	"github.com/gridsight/consentgate/internal/observability/logger"
	"github.com/gridsight/consentgate/internal/observability/metrics"
)

var (
	// ErrThrottled is returned when the outbound token bucket has no
	// capacity left for the call.
	ErrThrottled = errors.New("remote_throttled")

	// ErrRemoteUnavailable is returned when the remote endpoint cannot be
	// reached or answers with a non-2xx status.
	ErrRemoteUnavailable = errors.New("remote_unavailable")
)

// SubscribeResult carries the remote-assigned identity of a subscription
// call. CallID is what the remote side expects back on unsubscribe.
type SubscribeResult struct {
	CallID    int64
	ExpiresAt time.Time
}

// Caller is the outbound face of the remote metering webservice. Every
// invocation goes through the call ledger, never directly.
type Caller interface {
	GetMeasurements(ctx context.Context, series, usagePointID string, start, end time.Time) (json.RawMessage, error)
	Subscribe(ctx context.Context, callType CallType, usagePointID string, expiresAt time.Time) (*SubscribeResult, error)
	Unsubscribe(ctx context.Context, callID int64) error
}

type httpCaller struct {
	baseURL  string
	login    string
	secret   string
	client   *http.Client
	throttle *Throttle
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewCaller builds the HTTP caller from configuration. Throttle and metrics
// are optional; a nil throttle means unthrottled.
func NewCaller(cfg config.Config, throttle *Throttle, m *metrics.Metrics, log *zap.Logger) Caller {
	if log == nil {
		log = zap.NewNop()
	}
	return &httpCaller{
		baseURL:  strings.TrimRight(cfg.RemoteBaseURL, "/"),
		login:    cfg.RemoteLogin,
		secret:   cfg.RemoteSecret,
		client:   &http.Client{Timeout: cfg.RemoteCallTimeout},
		throttle: throttle,
		metrics:  m,
		log:      log,
	}
}

func (c *httpCaller) GetMeasurements(ctx context.Context, series, usagePointID string, start, end time.Time) (json.RawMessage, error) {
	if err := c.allow(ctx, "measurements"); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"series":      series,
		"usage_point": usagePointID,
		"start":       start.UTC().Format(time.RFC3339),
		"end":         end.UTC().Format(time.RFC3339),
	}

	body, err := c.post(ctx, "/measurements", payload)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

func (c *httpCaller) Subscribe(ctx context.Context, callType CallType, usagePointID string, expiresAt time.Time) (*SubscribeResult, error) {
	if !callType.Valid() {
		return nil, fmt.Errorf("invalid call type %q", callType)
	}
	if err := c.allow(ctx, "subscribe"); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"call_type":   string(callType),
		"usage_point": usagePointID,
		"expires_at":  expiresAt.UTC().Format(time.RFC3339),
	}

	body, err := c.post(ctx, "/subscriptions", payload)
	if err != nil {
		return nil, err
	}

	var resp struct {
		CallID    int64     `json:"call_id"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode subscribe response: %s", ErrRemoteUnavailable, err)
	}
	if resp.ExpiresAt.IsZero() {
		resp.ExpiresAt = expiresAt
	}
	return &SubscribeResult{CallID: resp.CallID, ExpiresAt: resp.ExpiresAt.UTC()}, nil
}

func (c *httpCaller) Unsubscribe(ctx context.Context, callID int64) error {
	if err := c.allow(ctx, "unsubscribe"); err != nil {
		return err
	}

	_, err := c.post(ctx, "/unsubscribe", map[string]any{"call_id": callID})
	return err
}

func (c *httpCaller) allow(ctx context.Context, endpoint string) error {
	if c.throttle == nil {
		return nil
	}
	res, err := c.throttle.Allow(ctx, "remote:"+endpoint)
	if err != nil {
		logger.FromContext(ctx).Warn("throttle check failed, allowing call", zap.Error(err))
		return nil
	}
	if !res.Allowed {
		if c.metrics != nil {
			c.metrics.RecordThrottleDeferred(ctx, endpoint, "bucket_empty")
		}
		return fmt.Errorf("%w: retry after %s", ErrThrottled, res.RetryAfter)
	}
	if c.metrics != nil {
		c.metrics.RecordThrottleAllowed(ctx, endpoint)
	}
	return nil
}

func (c *httpCaller) post(ctx context.Context, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.login != "" {
		req.SetBasicAuth(c.login, c.secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %s", ErrRemoteUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return nil, fmt.Errorf("%w: %s %s: %s", ErrRemoteUnavailable, path, resp.Status, msg)
	}
	return body, nil
}
