package fragment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nullpaw/fragment-shop/internal/credentials"
)

// Client talks to the upstream marketplace's purchase APIs. Every buy call
// returns a normalized Result; transport errors and unparseable bodies map to
// Indeterminate rather than surfacing raw.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// NewClient creates a new marketplace client
func NewClient(baseURL string, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log,
	}
}

// --- Purchases ---

// BuyNumber purchases a virtual phone number.
func (c *Client) BuyNumber(ctx context.Context, req BuyNumberRequest, creds credentials.Set) (*Result, error) {
	body := map[string]interface{}{
		"country": req.Country,
		"price":   req.Price,
	}
	return c.buy(ctx, "/buyNumber", body, creds)
}

// BuyStars purchases stars for a recipient.
func (c *Client) BuyStars(ctx context.Context, req BuyStarsRequest, creds credentials.Set) (*Result, error) {
	body := map[string]interface{}{
		"recipient": req.Recipient,
		"quantity":  req.Quantity,
		"price":     req.Price,
	}
	return c.buy(ctx, "/buyStars", body, creds)
}

// BuyPremium gifts a premium subscription to a recipient.
func (c *Client) BuyPremium(ctx context.Context, req BuyPremiumRequest, creds credentials.Set) (*Result, error) {
	body := map[string]interface{}{
		"recipient": req.Recipient,
		"months":    req.Months,
		"price":     req.Price,
	}
	return c.buy(ctx, "/buyPremium", body, creds)
}

func (c *Client) buy(ctx context.Context, path string, body interface{}, creds credentials.Set) (*Result, error) {
	status, data, err := c.doRequest(ctx, http.MethodPost, path, body, creds)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		// Timeouts and transport failures: the upstream may or may not have
		// seen the request.
		c.log.Warn("marketplace call indeterminate", "path", path, "error", err)
		return &Result{Outcome: OutcomeIndeterminate, Message: err.Error()}, nil
	}

	if status == http.StatusUnauthorized {
		return &Result{Outcome: OutcomeRejected, Reason: ReasonAuth, HTTPStatus: status}, nil
	}

	var resp purchaseResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		// HTML error page or other non-JSON body.
		c.log.Warn("marketplace returned non-JSON body", "path", path, "status", status)
		return &Result{Outcome: OutcomeIndeterminate, HTTPStatus: status}, nil
	}

	if !resp.OK || status >= 400 {
		return &Result{
			Outcome:    OutcomeRejected,
			Reason:     ReasonUpstream,
			Message:    resp.Error,
			HTTPStatus: status,
		}, nil
	}

	if len(resp.Transactions) == 0 {
		return &Result{
			Outcome:    OutcomeRejected,
			Reason:     ReasonNoSettlement,
			HTTPStatus: status,
		}, nil
	}

	return &Result{
		Outcome:      OutcomeAccepted,
		HTTPStatus:   status,
		ExternalTxID: resp.ReqID,
		Instructions: resp.Transactions,
	}, nil
}

// --- Read endpoints ---

// SearchRecipient resolves a username for stars delivery.
func (c *Client) SearchRecipient(ctx context.Context, query string, creds credentials.Set) (*Recipient, error) {
	return c.search(ctx, "/searchStarsRecipient?query="+query, creds)
}

// SearchPremiumRecipient resolves a username eligible for a premium gift.
func (c *Client) SearchPremiumRecipient(ctx context.Context, query string, creds credentials.Set) (*Recipient, error) {
	return c.search(ctx, "/searchPremiumGiftRecipient?query="+query, creds)
}

func (c *Client) search(ctx context.Context, path string, creds credentials.Set) (*Recipient, error) {
	status, data, err := c.doRequest(ctx, http.MethodGet, path, nil, creds)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("marketplace error %d: %s", status, string(data))
	}

	var resp recipientsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("marketplace: %s", resp.Error)
	}
	if len(resp.Found) == 0 {
		return nil, errors.New("recipient not found")
	}

	return &resp.Found[0], nil
}

// GetStarsPrice returns the quoted price in nanoTON for a stars quantity.
func (c *Client) GetStarsPrice(ctx context.Context, quantity int, creds credentials.Set) (int64, error) {
	status, data, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/updateStarsPrices?quantity=%d", quantity), nil, creds)
	if err != nil {
		return 0, err
	}
	if status >= 400 {
		return 0, fmt.Errorf("marketplace error %d: %s", status, string(data))
	}

	var resp priceResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, fmt.Errorf("unmarshal: %w", err)
	}
	if !resp.OK {
		return 0, fmt.Errorf("marketplace: %s", resp.Error)
	}

	return resp.Price, nil
}

// --- Capability validation (used by the credential scheduler) ---

// ValidateUserLookup exercises recipient search with the given set.
func (c *Client) ValidateUserLookup(ctx context.Context, creds credentials.Set, probe string) error {
	_, err := c.SearchRecipient(ctx, probe, creds)
	return err
}

// ValidatePriceLookup exercises price lookup with the given set.
func (c *Client) ValidatePriceLookup(ctx context.Context, creds credentials.Set) error {
	_, err := c.GetStarsPrice(ctx, 50, creds)
	return err
}

// ValidatePremiumLookup exercises premium recipient search with the given set.
func (c *Client) ValidatePremiumLookup(ctx context.Context, creds credentials.Set, probe string) error {
	_, err := c.SearchPremiumRecipient(ctx, probe, creds)
	return err
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, creds credentials.Set) (int, []byte, error) {
	url := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if header := creds.CookieHeader(); header != "" {
		req.Header.Set("Cookie", header)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read body: %w", err)
	}

	return resp.StatusCode, data, nil
}
