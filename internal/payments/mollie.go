// Package payments is the payment-provider client. The provider only sends
// a payment id to the webhook; the payment itself is fetched back.
package payments

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

	"github.com/shopspring/decimal"
)

// Provider payment statuses.
const (
	StatusOpen       = "open"
	StatusPending    = "pending"
	StatusAuthorized = "authorized"
	StatusPaid       = "paid"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
	StatusExpired    = "expired"
)

var ErrPaymentNotFound = errors.New("payment not found")

var errNotFound = errors.New("mollie: not found")

// CheckoutRequest describes one checkout for a pending purchase.
type CheckoutRequest struct {
	PurchaseID  string
	IdentityID  string
	PlanCode    string
	Credits     int
	Amount      decimal.Decimal
	Currency    string
	Description string
	Email       string
	RedirectURL string
	WebhookURL  string
}

type Checkout struct {
	PaymentID   string
	CheckoutURL string
}

// Payment is the provider's view of a payment.
type Payment struct {
	ID       string
	Status   string
	Amount   decimal.Decimal
	Currency string
	Metadata map[string]string
}

// IsFinalFailure reports whether the payment can no longer be paid.
func (p *Payment) IsFinalFailure() bool {
	return p.Status == StatusFailed || p.Status == StatusCanceled || p.Status == StatusExpired
}

type Client interface {
	Name() string
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
}

// MollieClient speaks the Mollie v2 payments API. BaseURL is the API host;
// a trailing /v2 is accepted and folded into the request paths.
type MollieClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewMollieClient(baseURL, apiKey string) *MollieClient {
	if baseURL == "" {
		baseURL = "https://api.mollie.com"
	}
	return &MollieClient{
		BaseURL:    strings.TrimSuffix(strings.TrimRight(baseURL, "/"), "/v2"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

var _ Client = (*MollieClient)(nil)

// New returns the client for the named provider.
func New(provider, baseURL, apiKey string) (Client, error) {
	switch strings.ToLower(provider) {
	case "mollie", "":
		return NewMollieClient(baseURL, apiKey), nil
	default:
		return nil, fmt.Errorf("unsupported payment provider %q", provider)
	}
}

func (c *MollieClient) Name() string { return "mollie" }

type mollieAmount struct {
	Currency string `json:"currency"`
	Value    string `json:"value"`
}

type molliePayment struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Amount   mollieAmount      `json:"amount"`
	Metadata map[string]string `json:"metadata"`
	Links    struct {
		Checkout struct {
			Href string `json:"href"`
		} `json:"checkout"`
	} `json:"_links"`
}

func (c *MollieClient) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	body := map[string]any{
		"amount":      mollieAmount{Currency: req.Currency, Value: req.Amount.StringFixed(2)},
		"description": req.Description,
		"redirectUrl": req.RedirectURL,
		"webhookUrl":  req.WebhookURL,
		"metadata": map[string]string{
			"purchase_id": req.PurchaseID,
			"identity_id": req.IdentityID,
			"plan_code":   req.PlanCode,
			"credits":     fmt.Sprint(req.Credits),
			"email":       req.Email,
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal checkout: %w", err)
	}
	var p molliePayment
	if err := c.do(ctx, http.MethodPost, "/v2/payments", raw, &p); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, fmt.Errorf("mollie: payments endpoint not found at %s", c.BaseURL)
		}
		return nil, err
	}
	if p.ID == "" || p.Links.Checkout.Href == "" {
		return nil, errors.New("mollie: checkout response missing id or checkout link")
	}
	return &Checkout{PaymentID: p.ID, CheckoutURL: p.Links.Checkout.Href}, nil
}

func (c *MollieClient) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var p molliePayment
	if err := c.do(ctx, http.MethodGet, "/v2/payments/"+url.PathEscape(paymentID), nil, &p); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	amount, err := decimal.NewFromString(p.Amount.Value)
	if err != nil {
		return nil, fmt.Errorf("mollie: invalid amount %q: %w", p.Amount.Value, err)
	}
	return &Payment{ID: p.ID, Status: p.Status, Amount: amount, Currency: p.Amount.Currency, Metadata: p.Metadata}, nil
}

func (c *MollieClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("mollie %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mollie %s %s: status %d: %s", method, path, resp.StatusCode, b)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("mollie returned invalid JSON: %w", err)
	}
	return nil
}
