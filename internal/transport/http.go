package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/livetemplate/wizard"
)

const (
	defaultTimeout  = 30 * time.Second
	maxResponseSize = 10 * 1024 * 1024
)

// Options configures an HTTPTransport.
type Options struct {
	Endpoint  string        // Backend URL, e.g. https://host/api/wizard
	SessionID string        // Sent as SessionHeader on every request
	Timeout   time.Duration // Used when PostOptions.Timeout is zero (default: 30s)
	Client    *http.Client
	Breaker   *CircuitBreaker
	Retry     RetryConfig // Backoff and logging for PostOptions.RetryLimit retries
	Debug     bool
}

// HTTPTransport posts wizard actions as JSON envelopes.
type HTTPTransport struct {
	endpoint string
	session  string
	timeout  time.Duration
	client   *http.Client
	breaker  *CircuitBreaker
	retry    RetryConfig
	debug    bool
}

// NewHTTP creates an HTTP transport.
func NewHTTP(opts Options) *HTTPTransport {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Breaker == nil {
		opts.Breaker = NewCircuitBreaker("wizard", DefaultCircuitBreakerConfig())
	}
	if opts.Retry.Backoff <= 0 {
		opts.Retry.Backoff = DefaultRetryConfig().Backoff
	}
	return &HTTPTransport{
		endpoint: opts.Endpoint,
		session:  opts.SessionID,
		timeout:  opts.Timeout,
		client:   opts.Client,
		breaker:  opts.Breaker,
		retry:    opts.Retry,
		debug:    opts.Debug,
	}
}

// Post sends action with payload and returns the unwrapped response data.
// Every attempt is bounded by a timeout; an expired timeout is a transient
// failure like any other network error.
func (t *HTTPTransport) Post(ctx context.Context, action string, payload interface{}, opts wizard.PostOptions) (json.RawMessage, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = t.timeout
	}
	retry := t.retry
	retry.MaxRetries = opts.RetryLimit
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}

	return WithRetry(ctx, action, retry, func(ctx context.Context) (json.RawMessage, error) {
		return t.breaker.Execute(ctx, func(ctx context.Context) (json.RawMessage, error) {
			return t.do(ctx, action, payload, timeout)
		})
	})
}

func (t *HTTPTransport) do(ctx context.Context, action string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return nil, &wizard.Error{Kind: wizard.KindValidation, Message: "payload cannot be encoded", Code: "encode", Err: err}
	}
	body, err := json.Marshal(Request{Action: action, Payload: rawPayload})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &wizard.Error{Kind: wizard.KindServer, Message: "invalid endpoint", Code: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if t.session != "" {
		req.Header.Set(SessionHeader, t.session)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, wizard.Classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, wizard.Classify(err)
	}
	if t.debug {
		log.Printf("[transport] %s -> %d (%d bytes, %v)", action, resp.StatusCode, len(respBody), time.Since(start).Round(time.Millisecond))
	}

	return decodeResponse(resp.StatusCode, respBody)
}

func decodeResponse(status int, body []byte) (json.RawMessage, error) {
	text := strings.TrimSpace(string(body))

	var env Envelope
	jsonErr := json.Unmarshal([]byte(text), &env)

	if status < 200 || status >= 300 {
		if jsonErr == nil && env.Error != nil {
			e := ErrorFromEnvelope(status, env.Error)
			e.Raw = text
			return nil, e
		}
		kind := wizard.KindForStatus(status)
		if kind == wizard.KindUnknown {
			kind = wizard.KindServer
		}
		return nil, &wizard.Error{Kind: kind, Status: status, Message: http.StatusText(status), Raw: text}
	}

	if jsonErr != nil {
		return nil, &wizard.Error{
			Kind:    wizard.KindServer,
			Status:  status,
			Code:    CodeInvalidResponse,
			Message: "the server returned an unreadable response",
			Raw:     text,
			Err:     jsonErr,
		}
	}
	if !env.Success {
		e := ErrorFromEnvelope(status, env.Error)
		if e.Message == "" {
			e.Message = "request failed"
		}
		e.Raw = text
		return nil, e
	}
	if len(env.Data) == 0 {
		return json.RawMessage("null"), nil
	}
	return env.Data, nil
}
