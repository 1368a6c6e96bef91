// Package httpclient talks to an authoritative usage store over HTTP/JSON.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/smallbiznis/usagebuffer/internal/metering/domain"
)

const (
	consumePath = "/v1/usage/consume"
	usagePath   = "/v1/usage"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// quotaCodes are the error codes that turn a 403 or 422 into a denial.
// Any other code on those statuses is an auth or request problem and is
// retried.
var quotaCodes = map[string]struct{}{
	"quota_exceeded":       {},
	"limit_exceeded":       {},
	"usage_limit_exceeded": {},
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type usageResponse struct {
	Usage []domain.RemoteUsage `json:"usage"`
}

// Client implements domain.Authority. Every failure is mapped onto the remote
// error taxonomy; unknown statuses are transient so events are retried.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("authority_url_required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid authority url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: base,
		token:   strings.TrimSpace(cfg.Token),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (c *Client) Consume(ctx context.Context, req domain.ConsumeRequest) (domain.ConsumeResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.ConsumeResult{}, err
	}

	var result domain.ConsumeResult
	if err := c.do(ctx, http.MethodPost, consumePath, bytes.NewReader(body), req.IdempotencyKey, &result); err != nil {
		return domain.ConsumeResult{}, err
	}
	return result, nil
}

func (c *Client) QueryUsage(ctx context.Context, scope domain.Scope, tenantID, subScopeID string) ([]domain.RemoteUsage, error) {
	values := url.Values{}
	values.Set("scope", string(scope))
	values.Set("tenant_id", tenantID)
	if subScopeID != "" {
		values.Set("sub_scope_id", subScopeID)
	}

	var resp usageResponse
	if err := c.do(ctx, http.MethodGet, usagePath+"?"+values.Encode(), nil, "", &resp); err != nil {
		return nil, err
	}
	return resp.Usage, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, idempotencyKey string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRemoteTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return classify(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrRemoteTransient, err)
	}
	return nil
}

func classify(resp *http.Response) error {
	var apiErr errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
	message := strings.TrimSpace(apiErr.Error.Message)
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrRemoteDuplicate, message)
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", domain.ErrRemoteRejected, message)
	case http.StatusForbidden, http.StatusUnprocessableEntity:
		if isQuotaCode(apiErr.Error.Code) {
			return fmt.Errorf("%w: %s", domain.ErrRemoteRejected, message)
		}
	}
	return fmt.Errorf("%w: status %d: %s", domain.ErrRemoteTransient, resp.StatusCode, message)
}

func isQuotaCode(code string) bool {
	_, ok := quotaCodes[strings.ToLower(strings.TrimSpace(code))]
	return ok
}
