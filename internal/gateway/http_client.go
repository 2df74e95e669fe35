package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPConfig configures the HTTP gateway client.
type HTTPConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// HTTPClient talks to a redirect-based payment gateway over HTTP.
type HTTPClient struct {
	baseURL  string
	clientID string
	secret   string
	http     *http.Client
}

// NewHTTPClient constructs an HTTP gateway client.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base url required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("gateway base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL:  cfg.BaseURL,
		clientID: cfg.ClientID,
		secret:   cfg.ClientSecret,
		http:     &http.Client{Timeout: timeout},
	}, nil
}

type initiateBody struct {
	MerchantOrderID string `json:"merchantOrderId"`
	Amount          int64  `json:"amount"`
	CallbackURL     string `json:"callbackUrl"`
	RedirectURL     string `json:"redirectUrl"`
}

type initiateResponse struct {
	TransactionID string `json:"transactionId"`
	Redirect      struct {
		URL string `json:"url"`
	} `json:"redirect"`
}

// Initiate registers the payment with the gateway and returns the user-facing
// redirect URL.
func (c *HTTPClient) Initiate(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	body, err := json.Marshal(initiateBody{
		MerchantOrderID: req.MerchantOrderID,
		Amount:          req.AmountCents,
		CallbackURL:     req.CallbackURL,
		RedirectURL:     req.RedirectURL,
	})
	if err != nil {
		return InitiateResult{}, err
	}

	var resp initiateResponse
	if err := c.post(ctx, "/v1/pay", body, &resp); err != nil {
		return InitiateResult{}, err
	}
	if resp.Redirect.URL == "" {
		return InitiateResult{}, fmt.Errorf("gateway initiate: empty redirect url")
	}
	return InitiateResult{
		RedirectURL:          resp.Redirect.URL,
		GatewayCorrelationID: resp.TransactionID,
	}, nil
}

type statusResponse struct {
	MerchantOrderID string `json:"merchantOrderId"`
	TransactionID   string `json:"transactionId"`
	Amount          int64  `json:"amount"`
	Status          string `json:"status"`
}

// QueryStatus asks the gateway for the current outcome of a payment.
func (c *HTTPClient) QueryStatus(ctx context.Context, merchantOrderID string) (StatusResult, error) {
	var resp statusResponse
	if err := c.get(ctx, "/v1/status/"+url.PathEscape(merchantOrderID), &resp); err != nil {
		return StatusResult{}, err
	}
	if resp.MerchantOrderID == "" {
		resp.MerchantOrderID = merchantOrderID
	}
	return StatusResult{
		MerchantOrderID:      resp.MerchantOrderID,
		GatewayCorrelationID: resp.TransactionID,
		AmountCents:          resp.Amount,
		Status:               resp.Status,
	}, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	req.SetBasicAuth(c.clientID, c.secret)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: gateway returned %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, data)
	}
	return json.Unmarshal(data, out)
}
