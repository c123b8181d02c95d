package enforce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	v1 "keygate/pkg/contracts/v1"
)

// Validator is the transport to the license authority. Production clients
// use HTTPValidator; tests inject deterministic implementations.
type Validator interface {
	Validate(ctx context.Context, req *v1.ValidateRequest) (*v1.ValidationResult, error)
}

const (
	validatePath    = "/api/v1/license/validate"
	maxResponseBody = 1 << 20
	clientUserAgent = "keygate-enforce/1.0"
)

// HTTPValidator calls the authority's validate endpoint with bounded
// retries. Transient failures (network errors, 429, 5xx) are retried;
// denials arrive inside a 200 response and are never retried.
type HTTPValidator struct {
	endpoint string
	client   *retryablehttp.Client
}

// NewHTTPValidator builds a validator against baseURL. HTTPS is required
// except for localhost, since the request body carries the raw license key.
func NewHTTPValidator(baseURL string, logger *slog.Logger) (*HTTPValidator, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid authority URL: %w", err)
	}
	host := parsed.Hostname()
	isLocal := strings.EqualFold(host, "localhost") || host == "127.0.0.1" || host == "::1"
	if !strings.EqualFold(parsed.Scheme, "https") && !isLocal {
		return nil, fmt.Errorf("authority URL must use https: %s", baseURL)
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = &retryLogger{logger: logger}

	return &HTTPValidator{
		endpoint: strings.TrimRight(baseURL, "/") + validatePath,
		client:   client,
	}, nil
}

// Validate posts the request and decodes the authority's answer. Any status
// other than 200 is an infrastructure fault, not a denial.
func (v *HTTPValidator) Validate(ctx context.Context, req *v1.ValidateRequest) (*v1.ValidationResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal validate request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, v.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build validate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", clientUserAgent)

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("reach authority: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read authority response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authority answered %d: %s", resp.StatusCode, problemDetail(payload))
	}

	var result v1.ValidationResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decode authority response: %w", err)
	}
	return &result, nil
}

// problemDetail extracts a human-readable message from an RFC 7807 body,
// falling back to a truncated raw dump.
func problemDetail(payload []byte) string {
	var problem struct {
		Title  string `json:"title"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(payload, &problem); err == nil {
		if problem.Detail != "" {
			return problem.Detail
		}
		if problem.Title != "" {
			return problem.Title
		}
	}
	s := strings.TrimSpace(string(payload))
	if len(s) > 200 {
		s = s[:200]
	}
	if s == "" {
		return "no response body"
	}
	return s
}

// retryLogger adapts the retry client's leveled logger onto slog. Retry
// chatter lands at debug so a flaky network does not flood host app logs.
type retryLogger struct {
	logger *slog.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, keysAndValues...)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn(msg, keysAndValues...)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}
