package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/splitpay/internal/retry"
)

// Config holds the configuration for connecting to the splitpay API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	// Payer is the devnet account pay_intent submits from when the tool
	// call names none.
	Payer string
}

// Client is a pure HTTP client for the splitpay API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	// GETs are retried on transport errors and 5xx responses.
	getAttempts int
	retryBase   time.Duration
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		getAttempts: 3,
		retryBase:   250 * time.Millisecond,
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest calls the API and returns the response body. Error statuses
// become errors carrying the API's message.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	attempts := 1
	if method == http.MethodGet {
		attempts = c.getAttempts
	}
	var out json.RawMessage
	err = retry.Do(ctx, attempts, c.retryBase, func() error {
		out, err = c.send(ctx, method, u.String(), payload)
		return err
	})
	return out, err
}

// send makes one attempt. Client errors are permanent.
func (c *Client) send(ctx context.Context, method, target string, payload []byte) (json.RawMessage, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 400 {
		return json.RawMessage(respBody), nil
	}

	msg := string(respBody)
	var apiErr apiError
	if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
		msg = apiErr.Message
	}
	err = fmt.Errorf("API error (%d): %s", resp.StatusCode, msg)
	if resp.StatusCode < 500 {
		return nil, retry.Permanent(err)
	}
	return nil, err
}

// CreateIntent opens a payment intent.
func (c *Client) CreateIntent(ctx context.Context, referenceID, amount, provider, beneficiary string) (json.RawMessage, error) {
	body := map[string]string{
		"referenceId": referenceID,
		"amount":      amount,
		"provider":    provider,
		"beneficiary": beneficiary,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/intents", nil, body)
}

// GetIntent returns one payment intent.
func (c *Client) GetIntent(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/intents/"+url.PathEscape(id), nil, nil)
}

// GetInstruction returns the calls that settle an intent.
func (c *Client) GetInstruction(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/intents/"+url.PathEscape(id)+"/instruction", nil, nil)
}

// ListSettlements finds settlements by reference or transaction hash.
func (c *Client) ListSettlements(ctx context.Context, referenceID, txHash string) (json.RawMessage, error) {
	q := url.Values{}
	if referenceID != "" {
		q.Set("referenceId", referenceID)
	}
	if txHash != "" {
		q.Set("txHash", txHash)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/settlements", q, nil)
}

// GetStake returns a participant's stake and capacity tier.
func (c *Client) GetStake(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/stakes/"+address, nil, nil)
}

// GetSlashCase returns one slash case.
func (c *Client) GetSlashCase(ctx context.Context, id string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/slash-cases/"+url.PathEscape(id), nil, nil)
}

// GetListenerStatus returns the settlement listener's progress.
func (c *Client) GetListenerStatus(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/listener/status", nil, nil)
}

// SubmitTransaction executes calldata as a devnet account.
func (c *Client) SubmitTransaction(ctx context.Context, from, to, data string) (json.RawMessage, error) {
	body := map[string]string{"from": from, "to": to, "data": data}
	return c.doRequest(ctx, http.MethodPost, "/v1/devnet/transactions", nil, body)
}
