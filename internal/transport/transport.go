// Package transport wraps outbound REST requests: it attaches the bearer
// credential, retries transient failures with the shared backoff policy,
// and refreshes the credential on authorization failure. Every terminal
// failure is a typed error from the policy package, never a bare one.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/deskbot/godesk/internal/credential"
	"github.com/deskbot/godesk/internal/policy"
	"github.com/deskbot/godesk/pkg/logger"
)

// refreshEndpoint 凭证刷新端点
const refreshEndpoint = "/auth/refresh"

// Client 出站 REST 传输层
type Client struct {
	rc          *resty.Client
	creds       credential.Store
	backoff     policy.Backoff
	maxAttempts int
	// refreshGroup serializes token refresh: a request arriving while a
	// refresh is in flight joins it instead of starting a second one.
	refreshGroup singleflight.Group
	log          *logrus.Entry
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.rc.SetTimeout(d) }
}

// WithBackoff overrides the retry backoff.
func WithBackoff(b policy.Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithMaxAttempts overrides the overall attempt ceiling. The 401-refresh
// replay counts against the same ceiling as network retries.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// NewClient 创建传输层客户端
// Retries are driven by the policy package, so resty's built-in retry is
// left disabled.
func NewClient(baseURL string, creds credential.Store, opts ...Option) *Client {
	rc := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(30 * time.Second).
		SetRetryCount(0).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "godesk-client")

	c := &Client{
		rc:          rc,
		creds:       creds,
		backoff:     policy.DefaultBackoff(),
		maxAttempts: 3,
		log:         logger.Component("transport"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request performs one logical request. body is JSON-encoded when non-nil;
// a 2xx response body is decoded into out when out is non-nil.
//
// Behavior on failure:
//   - no response at all: retried with backoff up to the attempt ceiling,
//     then *policy.NetworkError
//   - 401: exactly one credential refresh, then one replay; a second 401
//     (or a rejected refresh) clears credentials and yields
//     ErrUnauthenticated. Without replay budget left the 401 is returned
//     as-is and no refresh is attempted
//   - other 4xx: *policy.HTTPError immediately
//   - 5xx: retried within the same ceiling, then *policy.HTTPError
func (c *Client) Request(ctx context.Context, method, path string, body, out any) error {
	reqID := uuid.NewString()
	log := c.log.WithFields(logrus.Fields{"req_id": reqID, "method": method, "path": path})

	refreshed := false
	for attempt := 1; ; attempt++ {
		resp, err := c.do(ctx, method, path, body)
		if err != nil {
			if ctx.Err() != nil {
				return errors.Wrap(ctx.Err(), "request abandoned")
			}
			netErr := &policy.NetworkError{Cause: err}
			if attempt >= c.maxAttempts {
				log.WithField("attempts", attempt).WithError(err).Warn("request failed, retries exhausted")
				return netErr
			}
			if err := c.wait(ctx, attempt); err != nil {
				return err
			}
			continue
		}

		if resp.StatusCode() == http.StatusUnauthorized {
			if refreshed {
				// 刷新后仍然 401：凭证已不可用
				_ = c.creds.Clear()
				log.Warn("401 after refresh, clearing credentials")
				return policy.ErrUnauthenticated
			}
			if attempt >= c.maxAttempts {
				// 没有重放预算了，刷新也救不了这一次请求
				return &policy.HTTPError{Status: http.StatusUnauthorized, Body: string(resp.Body())}
			}
			if err := c.refreshCredential(ctx); err != nil {
				return err
			}
			refreshed = true
			continue
		}

		if !resp.IsSuccess() {
			httpErr := &policy.HTTPError{Status: resp.StatusCode(), Body: string(resp.Body())}
			if policy.Classify(httpErr) != policy.Retryable || attempt >= c.maxAttempts {
				return httpErr
			}
			log.WithFields(logrus.Fields{"status": resp.StatusCode(), "attempt": attempt}).Debug("retrying server error")
			if err := c.wait(ctx, attempt); err != nil {
				return err
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return errors.Wrapf(err, "decode %s %s response", method, path)
			}
		}
		return nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*resty.Response, error) {
	req := c.rc.R().SetContext(ctx)
	// 每次尝试都重新读取凭证：并发请求刷新后本次重试要带新 token
	if cred := c.creds.Get(); cred != nil && cred.AccessToken != "" {
		req.SetHeader("Authorization", "Bearer "+cred.AccessToken)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json")
		req.SetBody(body)
	}
	return req.Execute(method, path)
}

func (c *Client) wait(ctx context.Context, attempt int) error {
	delay := c.backoff.NextDelay(attempt)
	select {
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "request abandoned")
	case <-time.After(delay):
		return nil
	}
}

// refreshResponse 刷新端点返回体
type refreshResponse struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// refreshCredential exchanges the refresh token for a new access token.
// Only one refresh is ever in flight; concurrent callers await its result.
// A refresh the backend rejected clears the credential store and returns
// ErrUnauthenticated, after which requests fail fast until a new login. A
// refresh that never reached the backend keeps the credential and returns
// a retryable NetworkError instead.
func (c *Client) refreshCredential(ctx context.Context) error {
	_, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		cred := c.creds.Get()
		if cred == nil || cred.RefreshToken == "" {
			_ = c.creds.Clear()
			return nil, policy.ErrUnauthenticated
		}

		c.log.Info("access token rejected, refreshing credential")
		resp, err := c.rc.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(map[string]string{"refreshToken": cred.RefreshToken}).
			Post(refreshEndpoint)
		if err != nil {
			// 请求没到达后端：refresh token 未必失效，不能清掉。
			// singleflight 的同行者拿到的也是这个可重试错误。
			c.log.WithError(err).Warn("credential refresh failed")
			return nil, &policy.NetworkError{Cause: err}
		}
		if !resp.IsSuccess() {
			_ = c.creds.Clear()
			c.log.WithField("status", resp.StatusCode()).Warn("credential refresh rejected")
			return nil, policy.ErrUnauthenticated
		}

		var rr refreshResponse
		if err := json.Unmarshal(resp.Body(), &rr); err != nil || rr.Token == "" {
			_ = c.creds.Clear()
			return nil, policy.ErrUnauthenticated
		}

		next := credential.Credential{
			AccessToken:  rr.Token,
			RefreshToken: rr.RefreshToken,
			Expiry:       rr.Expiry,
		}
		if next.RefreshToken == "" {
			// 后端未轮换 refresh token 时沿用旧值
			next.RefreshToken = cred.RefreshToken
		}
		if err := c.creds.Set(next); err != nil {
			return nil, errors.Wrap(err, "persist refreshed credential")
		}
		c.log.Info("credential refreshed")
		return nil, nil
	})
	return err
}
