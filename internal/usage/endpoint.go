package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultUsageEndpoint  = "https://api.anthropic.com/api/oauth/usage"
	DefaultRequestTimeout = 30 * time.Second

	userAgent = "quota-monitor/0.1"
)

// usageClient performs a single bearer-authenticated usage request.
type usageClient struct {
	httpClient *http.Client
	endpoint   string
	now        func() time.Time
}

func newUsageClient(endpoint string, timeout time.Duration) *usageClient {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = DefaultUsageEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &usageClient{
		httpClient: &http.Client{Timeout: timeout},
		endpoint:   endpoint,
		now:        time.Now,
	}
}

func (c *usageClient) get(ctx context.Context, token string) (*Snapshot, *FetchError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, &FetchError{Type: ErrorUnknown, Message: fmt.Sprintf("build usage request: %v", err), Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("anthropic-beta", "oauth-2025-04-20")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1_000_000))
	if err != nil {
		return nil, classifyTransport(fmt.Errorf("read usage response: %w", err))
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, classifyStatus(res.StatusCode, body)
	}

	var payload usagePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &FetchError{Type: ErrorUnknown, Message: fmt.Sprintf("decode usage response: %v", err), Retryable: true, Err: err}
	}
	snapshot, err := normalizeSnapshot(payload, c.now())
	if err != nil {
		return nil, &FetchError{Type: ErrorUnknown, Message: err.Error(), Retryable: true, Err: err}
	}
	return snapshot, nil
}

func summarizeBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 180 {
		return s[:180] + "..."
	}
	return s
}
