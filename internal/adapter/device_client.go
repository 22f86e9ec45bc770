package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/station-recovery/internal/config"
	"github.com/station-recovery/internal/errors"
	"github.com/station-recovery/internal/logging"
	"github.com/station-recovery/internal/metrics"
	"github.com/station-recovery/internal/models"
	"github.com/station-recovery/internal/ratelimit"
	"github.com/station-recovery/internal/retry"
)

const (
	deviceProvider    = "device"
	refreshPath       = "/v2/user/refresh"
	maxLoggedBodySize = 4096
)

// Vendor error codes that mean the access token was rejected
var authErrorCodes = map[int]bool{
	401: true,
	402: true,
}

// DeviceClient talks to the relay vendor API. Every request is rate limited
// and logged. A rejected access token is refreshed once, shared by every
// request that saw the same stale token, and the request is replayed once.
type DeviceClient struct {
	baseURL    string
	appID      string
	httpClient *http.Client
	limiter    *rate.Limiter
	budget     CallBudget
	tokens     TokenStore
	calls      CallRecorder
	metrics    metrics.Recorder
	logger     *logging.Logger
	callRetry  *retry.RetryConfig
	now        func() time.Time

	// refreshTimeout bounds a shared refresh, which outlives its first caller
	refreshTimeout time.Duration

	mu           sync.RWMutex
	loaded       bool
	accessToken  string
	refreshToken string
	refreshGroup singleflight.Group
}

// DeviceClientOption customises a DeviceClient
type DeviceClientOption func(*DeviceClient)

// WithCallRecorder sets where call logs are sent
func WithCallRecorder(r CallRecorder) DeviceClientOption {
	return func(c *DeviceClient) { c.calls = r }
}

// WithMetrics sets the metrics recorder
func WithMetrics(m metrics.Recorder) DeviceClientOption {
	return func(c *DeviceClient) { c.metrics = metrics.OrNoop(m) }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) DeviceClientOption {
	return func(c *DeviceClient) { c.logger = l.WithComponent("device_client") }
}

// WithCallBudget charges every vendor request to a shared call budget
func WithCallBudget(b CallBudget) DeviceClientOption {
	return func(c *DeviceClient) { c.budget = b }
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(hc *http.Client) DeviceClientOption {
	return func(c *DeviceClient) { c.httpClient = hc }
}

// WithRetryWait replaces the wait between inner control attempts
func WithRetryWait(wait func(ctx context.Context, d time.Duration) error) DeviceClientOption {
	return func(c *DeviceClient) { c.callRetry.Wait = wait }
}

// NewDeviceClient creates a new relay vendor client
func NewDeviceClient(cfg *config.DeviceConfig, tokens TokenStore, opts ...DeviceClientOption) *DeviceClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		burst = int(math.Ceil(cfg.RequestsPerSecond))
	}

	attempts := cfg.CallAttempts
	if attempts <= 0 {
		attempts = 5
	}
	delay := cfg.CallRetryDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}

	c := &DeviceClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		appID:        cfg.AppID,
		httpClient:   &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(limit, burst),
		tokens:       tokens,
		metrics:      metrics.NoopRecorder{},
		logger:       logging.GetGlobalLogger().WithComponent("device_client"),
		callRetry:    retry.FixedDelay(attempts, delay),
		now:          time.Now,
		accessToken:  cfg.AccessToken,
		refreshToken: cfg.RefreshToken,

		refreshTimeout: timeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// vendorResponse is the vendor's common envelope
type vendorResponse struct {
	Error int             `json:"error"`
	Msg   string          `json:"msg"`
	Data  json.RawMessage `json:"data"`
}

func (c *DeviceClient) currentAccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// loadTokens prefers a persisted pair over the configured one
func (c *DeviceClient) loadTokens(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded || c.tokens == nil {
		c.loaded = true
		return
	}

	pair, err := c.tokens.LoadTokens(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to load stored device tokens, using configured tokens")
		return
	}
	c.loaded = true
	if pair != nil && pair.AccessToken != "" {
		c.accessToken = pair.AccessToken
		c.refreshToken = pair.RefreshToken
	}
}

// call performs one authenticated request and decodes the data field into out
func (c *DeviceClient) call(ctx context.Context, method, path string, query url.Values, body interface{}, out interface{}) error {
	c.loadTokens(ctx)

	token := c.currentAccessToken()
	resp, status, err := c.send(ctx, method, path, query, body, token)
	if err != nil {
		return err
	}

	if isAuthFailure(status, resp) {
		if err := c.refresh(ctx, token); err != nil {
			return err
		}
		resp, status, err = c.send(ctx, method, path, query, body, c.currentAccessToken())
		if err != nil {
			return err
		}
		if isAuthFailure(status, resp) {
			return errors.NewUpstreamAuthError(deviceProvider, resp.Error, "access token rejected after refresh")
		}
	}

	if status < 200 || status >= 300 || resp.Error != 0 {
		return &VendorError{Path: path, HTTPStatus: status, Code: resp.Error, Message: resp.Msg}
	}

	if out != nil && len(resp.Data) > 0 && string(resp.Data) != "null" {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", path, err)
		}
	}
	return nil
}

func isAuthFailure(status int, resp *vendorResponse) bool {
	return status == http.StatusUnauthorized || authErrorCodes[resp.Error]
}

// send performs one HTTP round trip. A non-JSON body on an error status is
// returned as an empty envelope.
func (c *DeviceClient) send(ctx context.Context, method, path string, query url.Values, body interface{}, token string) (*vendorResponse, int, error) {
	if c.budget != nil {
		priority := ratelimit.PriorityFromContext(ctx)
		if ok, wait := c.budget.TryConsume(ctx, 1, priority); !ok {
			c.logger.WithFields(map[string]interface{}{
				"path":     path,
				"priority": priority.String(),
				"wait":     wait.String(),
			}).Warn("Device call budget exhausted")
			return nil, 0, errors.NewRateLimitError(int(math.Ceil(wait.Seconds())))
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, err
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	started := c.now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(method, path, string(payload), 0, err.Error(), started)
		return nil, 0, errors.NewUpstreamError(deviceProvider, err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	raw, err := io.ReadAll(httpResp.Body)
	c.record(method, path, string(payload), httpResp.StatusCode, string(raw), started)
	if err != nil {
		return nil, 0, errors.NewUpstreamError(deviceProvider, fmt.Errorf("failed to read response: %w", err))
	}

	var resp vendorResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
			return nil, 0, errors.NewUpstreamError(deviceProvider, fmt.Errorf("failed to decode response: %w", err))
		}
		resp = vendorResponse{}
	}
	return &resp, httpResp.StatusCode, nil
}

// refresh exchanges the refresh token for a new pair. Concurrent callers
// that saw the same stale token share one refresh; a caller whose token was
// already replaced skips it. The shared refresh is detached from the caller
// that started it, so cancelling one waiter does not fail the others.
func (c *DeviceClient) refresh(ctx context.Context, staleToken string) error {
	ch := c.refreshGroup.DoChan("refresh", func() (interface{}, error) {
		if c.currentAccessToken() != staleToken {
			return nil, nil
		}
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
		defer cancel()
		return nil, c.doRefresh(refreshCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceRefresh refreshes the token pair regardless of its state
func (c *DeviceClient) ForceRefresh(ctx context.Context) error {
	c.loadTokens(ctx)
	return c.refresh(ctx, c.currentAccessToken())
}

type refreshData struct {
	AccessToken  string `json:"at"`
	RefreshToken string `json:"rt"`
}

func (c *DeviceClient) doRefresh(ctx context.Context) error {
	c.logger.Info("Device access token rejected, refreshing")

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	c.mu.RLock()
	rt := c.refreshToken
	c.mu.RUnlock()

	payload, _ := json.Marshal(map[string]string{"rt": rt})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+refreshPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CK-Appid", c.appID)

	started := c.now()
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.record(http.MethodPost, refreshPath, "token_refresh", 0, err.Error(), started)
		c.metrics.RecordTokenRefresh(metrics.ResultError)
		return errors.NewUpstreamError(deviceProvider, err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	raw, _ := io.ReadAll(httpResp.Body)
	c.record(http.MethodPost, refreshPath, "token_refresh", httpResp.StatusCode, "", started)

	var resp vendorResponse
	var data refreshData
	if err := json.Unmarshal(raw, &resp); err == nil && resp.Error == 0 && len(resp.Data) > 0 {
		_ = json.Unmarshal(resp.Data, &data)
	}
	if data.AccessToken == "" {
		c.metrics.RecordTokenRefresh(metrics.ResultError)
		msg := resp.Msg
		if msg == "" {
			msg = fmt.Sprintf("http status %d", httpResp.StatusCode)
		}
		c.logger.WithField("vendorCode", resp.Error).Error("Device token refresh rejected, new credentials are required")
		return errors.NewUpstreamAuthError(deviceProvider, resp.Error, msg)
	}

	pair := models.TokenPair{AccessToken: data.AccessToken, RefreshToken: data.RefreshToken, RefreshedAt: c.now().UTC()}
	if pair.RefreshToken == "" {
		pair.RefreshToken = rt
	}

	c.mu.Lock()
	c.accessToken = pair.AccessToken
	c.refreshToken = pair.RefreshToken
	c.mu.Unlock()

	if c.tokens != nil {
		if err := c.tokens.SaveTokens(ctx, pair); err != nil {
			c.logger.WithError(err).Warn("Failed to persist refreshed device tokens")
		}
	}

	c.metrics.RecordTokenRefresh(metrics.ResultOK)
	c.logger.Info("Device access token refreshed")
	return nil
}

func (c *DeviceClient) record(method, path, payload string, status int, body string, started time.Time) {
	result := metrics.ResultOK
	if status < 200 || status >= 300 {
		result = metrics.ResultError
	}
	c.metrics.RecordDeviceCall(path, result)

	if c.calls == nil {
		return
	}
	if len(body) > maxLoggedBodySize {
		body = body[:maxLoggedBodySize]
	}
	c.calls.Record(&models.DeviceCallLog{
		ID:           uuid.NewString(),
		Method:       method,
		Endpoint:     path,
		Payload:      payload,
		ResponseCode: int32(status), // #nosec G115 - HTTP status codes fit
		ResponseBody: body,
		DurationMs:   c.now().Sub(started).Milliseconds(),
		CreatedAt:    started.UTC(),
	})
}
