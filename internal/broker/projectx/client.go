package projectx

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"ordersentry/internal/broker"
	"ordersentry/internal/metrics"
	"ordersentry/internal/types"
)

// Client implements the broker.Gateway interface over the ProjectX REST API.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	http     *http.Client
	recorder *metrics.Recorder

	// Rate limiting
	limiter *rate.Limiter

	// Session token
	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a new ProjectX client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if cfg.MaxRequestsPerSecond <= 0 {
		cfg.MaxRequestsPerSecond = DefaultConfig().MaxRequestsPerSecond
	}
	if cfg.TokenRefreshMargin <= 0 {
		cfg.TokenRefreshMargin = DefaultConfig().TokenRefreshMargin
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		recorder: metrics.NewRecorder(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), cfg.MaxRequestsPerSecond),
	}
}

// envelope is the common response wrapper every ProjectX endpoint uses.
type envelope struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e envelope) err(op string) error {
	if e.Success {
		return nil
	}
	msg := e.ErrorMessage
	if msg == "" {
		msg = fmt.Sprintf("error code %d", e.ErrorCode)
	}
	return fmt.Errorf("%s: %s", op, msg)
}

// Authenticate obtains a session token with the configured API key.
// It is called lazily by the request path but may be invoked up front
// to fail fast on bad credentials.
func (c *Client) Authenticate(ctx context.Context) error {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	return c.refreshTokenLocked(ctx)
}

func (c *Client) refreshTokenLocked(ctx context.Context) error {
	if c.cfg.Username == "" || c.cfg.APIKey == "" {
		return types.ErrNotAuthenticated
	}

	payload := map[string]string{
		"userName": c.cfg.Username,
		"apiKey":   c.cfg.APIKey,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/api/Auth/loginKey", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("auth: http %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result struct {
		envelope
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	if !result.Success || result.Token == "" {
		return fmt.Errorf("%w: %s", types.ErrNotAuthenticated, result.ErrorMessage)
	}

	c.token = result.Token
	c.tokenExpiry = tokenExpiry(result.Token)
	c.logger.Info("authenticated with broker",
		"base_url", c.cfg.BaseURL,
		"token_expires", c.tokenExpiry,
	)
	return nil
}

// tokenExpiry pulls the exp claim out of the JWT payload without
// verifying the signature. Falls back to one hour if the token cannot
// be decoded.
func tokenExpiry(token string) time.Time {
	fallback := time.Now().Add(time.Hour)
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return fallback
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return fallback
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return fallback
	}
	return time.Unix(claims.Exp, 0)
}

// currentToken returns a valid session token, refreshing if it is
// missing or within the refresh margin of expiry.
func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.token != "" && time.Until(c.tokenExpiry) > c.cfg.TokenRefreshMargin {
		return c.token, nil
	}
	if err := c.refreshTokenLocked(ctx); err != nil {
		return "", err
	}
	return c.token, nil
}

// post sends an authenticated JSON request and decodes the response
// into out. A 401 triggers one token refresh and retry.
func (c *Client) post(ctx context.Context, endpoint string, payload, out any) error {
	timer := metrics.NewTimer()
	err := c.doPost(ctx, endpoint, payload, out)
	c.recorder.RecordBrokerRequest(endpoint, err, timer.Elapsed())
	return err
}

func (c *Client) doPost(ctx context.Context, endpoint string, payload, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.currentToken(ctx)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.cfg.BaseURL+"/api"+endpoint, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%s: %w", endpoint, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.logger.Warn("session rejected, refreshing token", "endpoint", endpoint)
			c.tokenMu.Lock()
			c.token = ""
			c.tokenMu.Unlock()
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			return fmt.Errorf("%s: %w", endpoint, broker.ErrRateLimited)
		}

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return fmt.Errorf("%s: http %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(data)))
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode %s response: %w", endpoint, err)
		}
		return nil
	}

	return fmt.Errorf("%s: %w", endpoint, broker.ErrSessionExpired)
}

// SearchOpenPositions returns all open positions for the account.
func (c *Client) SearchOpenPositions(ctx context.Context, accountID int64) ([]broker.Position, error) {
	var result struct {
		envelope
		Positions []broker.Position `json:"positions"`
	}
	payload := map[string]int64{"accountId": accountID}
	if err := c.post(ctx, "/Position/searchOpen", payload, &result); err != nil {
		return nil, err
	}
	if err := result.err("search positions"); err != nil {
		return nil, err
	}
	return result.Positions, nil
}

// SearchOpenOrders returns all working orders for the account.
func (c *Client) SearchOpenOrders(ctx context.Context, accountID int64) ([]broker.OpenOrder, error) {
	var result struct {
		envelope
		Orders []broker.OpenOrder `json:"orders"`
	}
	payload := map[string]int64{"accountId": accountID}
	if err := c.post(ctx, "/Order/searchOpen", payload, &result); err != nil {
		return nil, err
	}
	if err := result.err("search orders"); err != nil {
		return nil, err
	}
	return result.Orders, nil
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID int64) error {
	var result envelope
	payload := map[string]int64{
		"accountId": accountID,
		"orderId":   orderID,
	}
	if err := c.post(ctx, "/Order/cancel", payload, &result); err != nil {
		return err
	}
	return result.err("cancel order")
}

// ModifyOrder changes the stop price of a working stop order. The
// other price fields are sent as explicit nulls, which the API reads
// as "leave unchanged".
func (c *Client) ModifyOrder(ctx context.Context, accountID, orderID int64, stopPrice decimal.Decimal) error {
	var result envelope
	payload := map[string]any{
		"accountId":  accountID,
		"orderId":    orderID,
		"stopPrice":  stopPrice,
		"limitPrice": nil,
		"trailPrice": nil,
	}
	if err := c.post(ctx, "/Order/modify", payload, &result); err != nil {
		return err
	}
	return result.err("modify order")
}

// contract is the contract search result shape.
type contract struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	TickSize decimal.Decimal `json:"tickSize"`
}

// GetTickSize returns the minimum price increment for a contract id
// such as "CON.F.US.ENQ.H25".
func (c *Client) GetTickSize(ctx context.Context, contractID string) (decimal.Decimal, error) {
	var result struct {
		envelope
		Contracts []contract `json:"contracts"`
	}
	payload := map[string]any{
		"searchText": contractSearchText(contractID),
		"live":       false,
	}
	if err := c.post(ctx, "/Contract/search", payload, &result); err != nil {
		return decimal.Zero, err
	}
	if err := result.err("search contracts"); err != nil {
		return decimal.Zero, err
	}

	for _, con := range result.Contracts {
		if con.ID == contractID && con.TickSize.IsPositive() {
			return con.TickSize, nil
		}
	}
	// The exact id may be absent when the front month rolled; fall back
	// to the first match since tick size is stable across expiries.
	for _, con := range result.Contracts {
		if con.TickSize.IsPositive() {
			c.logger.Debug("tick size from sibling contract",
				"requested", contractID,
				"matched", con.ID,
			)
			return con.TickSize, nil
		}
	}
	return decimal.Zero, fmt.Errorf("%w: %s", types.ErrTickSizeUnavailable, contractID)
}

// contractSearchText extracts the product code from a structured
// contract id: "CON.F.US.ENQ.H25" yields "ENQ". Anything without the
// expected shape is searched as-is.
func contractSearchText(contractID string) string {
	parts := strings.Split(contractID, ".")
	if len(parts) >= 4 && parts[0] == "CON" {
		return parts[3]
	}
	return contractID
}
