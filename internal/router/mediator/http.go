// Package mediator delivers messages to their HTTP targets and
// classifies the outcome for the pools.
package mediator

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"go.flowcatalyst.tech/router/internal/common/metrics"
	"go.flowcatalyst.tech/router/internal/router/breaker"
	"go.flowcatalyst.tech/router/internal/router/model"
	"go.flowcatalyst.tech/router/internal/router/pool"
)

// Mode selects transport behaviour.
type Mode string

const (
	// ModeDev uses HTTP/1.1, a 30 second total timeout, and relaxed TLS.
	ModeDev Mode = "dev"

	// ModeProduction uses an HTTP/2 keep-alive pool and a 15 minute total
	// timeout to accommodate long synchronous webhooks.
	ModeProduction Mode = "production"
)

const (
	DevTimeout        = 30 * time.Second
	ProductionTimeout = 15 * time.Minute

	defaultConnectionRetries = 2
	connectionRetryBackoff   = 500 * time.Millisecond

	maxResponseBody = 64 * 1024
)

// Config holds mediator settings.
type Config struct {
	Mode    Mode
	Timeout time.Duration

	// ConnectionRetries is the number of in-call retries for transport
	// errors before returning ErrorConnection.
	ConnectionRetries int

	Breaker *breaker.Config
}

// DefaultConfig returns production settings.
func DefaultConfig() *Config {
	return &Config{
		Mode:              ModeProduction,
		Timeout:           ProductionTimeout,
		ConnectionRetries: defaultConnectionRetries,
		Breaker:           breaker.DefaultConfig(),
	}
}

// HTTPMediator posts message payloads to their mediation targets.
type HTTPMediator struct {
	client   *http.Client
	cfg      *Config
	breakers *breaker.Registry
}

// New creates a mediator with the transport implied by the mode.
func New(cfg *Config) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Timeout <= 0 {
		if cfg.Mode == ModeDev {
			cfg.Timeout = DevTimeout
		} else {
			cfg.Timeout = ProductionTimeout
		}
	}
	if cfg.ConnectionRetries < 0 {
		cfg.ConnectionRetries = 0
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}
	if cfg.Mode == ModeDev {
		// Forcing an empty TLSNextProto map disables HTTP/2 negotiation.
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	} else {
		transport.ForceAttemptHTTP2 = true
	}

	registry := breaker.NewRegistry(cfg.Breaker)
	registry.OnStateChange = func(key string, state breaker.State) {
		metrics.CircuitBreakerState.WithLabelValues(key).Set(float64(state))
		if state == breaker.StateOpen {
			metrics.CircuitBreakerTrips.WithLabelValues(key).Inc()
		}
	}

	return &HTTPMediator{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		cfg:      cfg,
		breakers: registry,
	}
}

// Breakers exposes circuit snapshots for the monitoring API.
func (m *HTTPMediator) Breakers() *breaker.Registry { return m.breakers }

// Mediate delivers one message and classifies the result.
func (m *HTTPMediator) Mediate(ctx context.Context, msg *model.Message) *pool.MediationOutcome {
	if err := msg.Validate(); err != nil {
		return &pool.MediationOutcome{Result: pool.ErrorConfig, ErrorMessage: err.Error()}
	}

	key := m.breakers.KeyFor(msg.MediationTarget)
	if allowed, remaining := m.breakers.Allow(key); !allowed {
		delay := int(remaining.Seconds())
		if delay < 1 {
			delay = 1
		}
		return &pool.MediationOutcome{
			Result:       pool.ErrorProcess,
			ErrorMessage: fmt.Sprintf("circuit open for %s", key),
			DelaySeconds: &delay,
		}
	}

	outcome := m.execute(ctx, msg, key)
	if outcome.Result == pool.Success {
		m.breakers.RecordSuccess(key)
	} else {
		m.breakers.RecordFailure(key)
	}
	return outcome
}

// execute performs the POST, retrying transport errors a bounded number
// of times within the call.
func (m *HTTPMediator) execute(ctx context.Context, msg *model.Message, key string) *pool.MediationOutcome {
	body := []byte(msg.Payload)
	if len(body) == 0 {
		body = []byte("{}")
	}

	var lastErr error
	for attempt := 0; attempt <= m.cfg.ConnectionRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return connectionOutcome(ctx.Err())
			case <-time.After(connectionRetryBackoff * time.Duration(attempt)):
			}
		}

		outcome, err := m.executeOnce(ctx, msg, key, body)
		if err == nil {
			return outcome
		}
		lastErr = err
		slog.Debug("Mediation transport error", "target", key, "attempt", attempt+1, "error", err)
	}
	return connectionOutcome(lastErr)
}

func (m *HTTPMediator) executeOnce(ctx context.Context, msg *model.Message, key string, body []byte) (*pool.MediationOutcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, msg.MediationTarget, bytes.NewReader(body))
	if err != nil {
		return &pool.MediationOutcome{Result: pool.ErrorConfig, ErrorMessage: fmt.Sprintf("build request: %v", err)}, nil
	}

	req.Header.Set("Content-Type", "application/json")
	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	}
	if msg.SigningSecret != "" {
		req.Header.Set("X-Signature", sign(msg.SigningSecret, body))
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	metrics.MediatorDuration.WithLabelValues(key).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	metrics.MediatorRequests.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	return m.classify(msg, resp), nil
}

// sign computes the HMAC-SHA256 body signature header value.
func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (m *HTTPMediator) classify(msg *model.Message, resp *http.Response) *pool.MediationOutcome {
	status := resp.StatusCode
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	switch {
	case status >= 200 && status < 300:
		return successOutcome(msg, respBody)

	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		outcome := &pool.MediationOutcome{
			Result:       pool.ErrorProcess,
			ErrorMessage: fmt.Sprintf("target returned %d", status),
		}
		if retryAfter := parseRetryAfter(resp.Header.Get("Retry-After")); retryAfter > 0 {
			outcome.DelaySeconds = &retryAfter
		}
		return outcome

	case status >= 400 && status < 500:
		return &pool.MediationOutcome{
			Result:       pool.ErrorConfig,
			ErrorMessage: fmt.Sprintf("target returned %d: %s", status, truncate(respBody, 200)),
		}

	default:
		return &pool.MediationOutcome{
			Result:       pool.ErrorProcess,
			ErrorMessage: fmt.Sprintf("target returned %d", status),
		}
	}
}

// successOutcome honours an optional response body overriding the ack.
func successOutcome(msg *model.Message, respBody []byte) *pool.MediationOutcome {
	if len(respBody) == 0 {
		return &pool.MediationOutcome{Result: pool.Success}
	}

	// Targets are not required to speak the response protocol; only an
	// explicit "ack": false requests redelivery.
	var mr struct {
		Ack          *bool  `json:"ack"`
		Message      string `json:"message"`
		DelaySeconds *int   `json:"delaySeconds"`
	}
	if err := json.Unmarshal(respBody, &mr); err != nil || mr.Ack == nil || *mr.Ack {
		return &pool.MediationOutcome{Result: pool.Success}
	}

	slog.Info("Target requested redelivery", "messageId", msg.ID, "reason", mr.Message)
	outcome := &pool.MediationOutcome{
		Result:       pool.ErrorProcess,
		ErrorMessage: mr.Message,
	}
	if mr.DelaySeconds != nil {
		delay := model.ClampDelay(*mr.DelaySeconds)
		outcome.DelaySeconds = &delay
	}
	return outcome
}

func connectionOutcome(err error) *pool.MediationOutcome {
	msg := "connection error"
	if err != nil {
		msg = classifyTransportError(err)
	}
	return &pool.MediationOutcome{Result: pool.ErrorConnection, ErrorMessage: msg}
}

func classifyTransportError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Sprintf("network timeout: %v", err)
	}

	s := err.Error()
	switch {
	case strings.Contains(s, "connection refused"):
		return "connection refused"
	case strings.Contains(s, "no such host"):
		return "dns lookup failed"
	case strings.Contains(s, "broken pipe"), strings.Contains(s, "connection reset"):
		return "connection dropped"
	default:
		return s
	}
}

func parseRetryAfter(header string) int {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return model.ClampDelay(seconds)
	}
	if t, err := http.ParseTime(header); err == nil {
		return model.ClampDelay(int(time.Until(t).Seconds()))
	}
	return 0
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
