// Package purchases runs checkout and turns confirmed payments into wallet
// credits exactly once per (provider, provider_payment_id).
package purchases

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/timrx/backend/internal/metrics"
	"github.com/timrx/backend/internal/models"
	"github.com/timrx/backend/internal/payments"
	"github.com/timrx/backend/internal/wallets"
)

var (
	// ErrAlreadyProcessed is returned by Finalize for a purchase that is
	// already paid. Nothing is mutated.
	ErrAlreadyProcessed = errors.New("purchase already processed")
	ErrPurchaseNotFound = errors.New("purchase not found")
	// ErrPaymentNotPaid is returned by Confirm while the provider has not
	// settled the payment yet.
	ErrPaymentNotPaid = errors.New("payment is not paid")
	ErrNotOwner       = errors.New("purchase belongs to another identity")
	// ErrCheckoutFailed wraps payment-provider errors from StartCheckout.
	ErrCheckoutFailed = errors.New("checkout could not be created")
)

const placeholderPrefix = "pending:"

var tracer = otel.Tracer("github.com/timrx/backend/internal/purchases")

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PurchaseStore interface {
	Create(ctx context.Context, p *models.Purchase) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Purchase, error)
	GetByProviderPaymentIDForUpdateTx(ctx context.Context, tx pgx.Tx, provider, providerPaymentID string) (*models.Purchase, error)
	SetProviderPaymentID(ctx context.Context, id uuid.UUID, providerPaymentID string) error
	MarkPaidTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, paidAmount decimal.Decimal, paidAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID) (bool, error)
	ListByIdentity(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*models.Purchase, error)
}

// Crediter applies a credit under the wallet lock. *wallets.Service satisfies it.
type Crediter interface {
	CreditTx(ctx context.Context, tx pgx.Tx, identityID uuid.UUID, c wallets.Credit) (*models.Wallet, error)
	Invalidate(ctx context.Context, identityID uuid.UUID)
}

type PlanLookup interface {
	Plan(code string) (models.Plan, error)
}

// EmailAttacher links a checkout email to an identity that has none.
type EmailAttacher interface {
	AttachEmail(ctx context.Context, identityID uuid.UUID, email string) error
}

type Service struct {
	DB        TxBeginner
	Purchases PurchaseStore
	Wallets   Crediter
	Plans     PlanLookup
	Payments  payments.Client
	Emails    EmailAttacher
	Metrics   *metrics.CreditMetrics
	Logger    *slog.Logger
	Now       func() time.Time

	// RedirectURL is where the provider sends the buyer after checkout.
	RedirectURL string
	// WebhookURL is the provider's callback for payment status changes.
	WebhookURL string
}

func NewService(db TxBeginner, purchases PurchaseStore, w Crediter, plans PlanLookup, pay payments.Client) *Service {
	return &Service{
		DB:        db,
		Purchases: purchases,
		Wallets:   w,
		Plans:     plans,
		Payments:  pay,
		Metrics:   metrics.Get(),
		Logger:    slog.Default(),
		Now:       time.Now,
	}
}

// CheckoutResult is returned by StartCheckout.
type CheckoutResult struct {
	PurchaseID  uuid.UUID `json:"purchase_id"`
	CheckoutURL string    `json:"checkout_url"`
}

// StartCheckout records a pending purchase with a snapshot of the plan and
// opens a checkout with the payment provider. The provider call happens
// outside any transaction.
func (s *Service) StartCheckout(ctx context.Context, identityID uuid.UUID, planCode, email string) (*CheckoutResult, error) {
	plan, err := s.Plans.Plan(planCode)
	if err != nil {
		return nil, err
	}
	p := &models.Purchase{
		ID:         uuid.New(),
		IdentityID: identityID,
		PlanCode:   plan.Code,
		PlanName:   plan.Name,
		Price:      plan.Price,
		Currency:   plan.Currency,
		Credits:    plan.Credits,
		Provider:   s.Payments.Name(),
		Status:     models.PurchaseStatusPending,
	}
	p.ProviderPaymentID = placeholderPrefix + p.ID.String()
	if email = normalizeEmail(email); email != "" {
		p.Email = &email
	}
	if err := s.Purchases.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create purchase: %w", err)
	}

	checkout, err := s.Payments.CreateCheckout(ctx, payments.CheckoutRequest{
		PurchaseID:  p.ID.String(),
		IdentityID:  identityID.String(),
		PlanCode:    plan.Code,
		Credits:     plan.Credits,
		Amount:      plan.Price,
		Currency:    plan.Currency,
		Description: fmt.Sprintf("%s (%d credits)", plan.Name, plan.Credits),
		Email:       email,
		RedirectURL: s.RedirectURL,
		WebhookURL:  s.WebhookURL,
	})
	if err != nil {
		if _, markErr := s.Purchases.MarkFailed(ctx, p.ID); markErr != nil {
			s.Logger.Error("mark purchase failed after checkout error", "purchase_id", p.ID, "error", markErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrCheckoutFailed, err)
	}
	if err := s.Purchases.SetProviderPaymentID(ctx, p.ID, checkout.PaymentID); err != nil {
		return nil, fmt.Errorf("store provider payment id: %w", err)
	}
	s.Logger.Info("checkout started", "purchase_id", p.ID, "identity_id", identityID, "plan", plan.Code, "payment_id", checkout.PaymentID)
	return &CheckoutResult{PurchaseID: p.ID, CheckoutURL: checkout.CheckoutURL}, nil
}

// Finalize marks the purchase paid, credits the wallet and appends the
// purchase ledger entry in one transaction. A purchase that is already paid
// yields ErrAlreadyProcessed.
//
// The wallet always receives the plan snapshot's credits, copied at checkout.
// expectedCredits is only compared with that snapshot: a mismatch is logged
// and does not change the amount. Pass 0 to skip the comparison.
func (s *Service) Finalize(ctx context.Context, provider, providerPaymentID string, paidAmount decimal.Decimal, expectedCredits int) (*models.Purchase, error) {
	ctx, span := tracer.Start(ctx, "purchases.Finalize", trace.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("payment_id", providerPaymentID),
	))
	defer span.End()

	p, err := s.finalize(ctx, provider, providerPaymentID, paidAmount, expectedCredits)
	if err != nil && !errors.Is(err, ErrAlreadyProcessed) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return p, err
}

func (s *Service) finalize(ctx context.Context, provider, providerPaymentID string, paidAmount decimal.Decimal, expectedCredits int) (*models.Purchase, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := s.Purchases.GetByProviderPaymentIDForUpdateTx(ctx, tx, provider, providerPaymentID)
	if errors.Is(err, pgx.ErrNoRows) {
		s.Metrics.PurchasesTotal.WithLabelValues("not_found").Inc()
		return nil, fmt.Errorf("%w: %s/%s", ErrPurchaseNotFound, provider, providerPaymentID)
	}
	if err != nil {
		return nil, fmt.Errorf("lock purchase: %w", err)
	}
	if p.Status == models.PurchaseStatusPaid {
		s.Metrics.PurchasesTotal.WithLabelValues("already_processed").Inc()
		s.Logger.Info("purchase already processed", "purchase_id", p.ID, "provider", provider, "payment_id", providerPaymentID)
		return p, ErrAlreadyProcessed
	}

	credits := p.Credits
	if expectedCredits > 0 && expectedCredits != credits {
		s.Logger.Warn("expected credits differ from plan snapshot, using snapshot",
			"purchase_id", p.ID, "expected", expectedCredits, "snapshot", credits)
	}
	if !paidAmount.IsZero() && !paidAmount.Equal(p.Price) {
		s.Logger.Warn("paid amount differs from plan price",
			"purchase_id", p.ID, "paid", paidAmount.String(), "price", p.Price.String())
	}

	paidAt := s.Now()
	ok, err := s.Purchases.MarkPaidTx(ctx, tx, p.ID, paidAmount, paidAt)
	if err != nil {
		return nil, fmt.Errorf("mark purchase paid: %w", err)
	}
	if !ok {
		s.Metrics.PurchasesTotal.WithLabelValues("already_processed").Inc()
		return p, ErrAlreadyProcessed
	}
	if _, err := s.Wallets.CreditTx(ctx, tx, p.IdentityID, wallets.Credit{
		EntryType: models.LedgerEntryPurchaseCredit,
		Amount:    credits,
		RefType:   models.LedgerRefPurchase,
		RefID:     p.ID.String(),
		Meta: map[string]any{
			"plan_code":  p.PlanCode,
			"provider":   provider,
			"payment_id": providerPaymentID,
			"amount":     paidAmount.StringFixed(2),
			"currency":   p.Currency,
		},
	}); err != nil {
		return nil, fmt.Errorf("credit wallet: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.Wallets.Invalidate(ctx, p.IdentityID)
	s.Metrics.PurchasesTotal.WithLabelValues("paid").Inc()
	s.Logger.Info("purchase finalized", "purchase_id", p.ID, "identity_id", p.IdentityID, "credits", credits)

	if p.Email != nil && s.Emails != nil {
		if err := s.Emails.AttachEmail(ctx, p.IdentityID, *p.Email); err != nil {
			s.Logger.Info("checkout email not attached", "identity_id", p.IdentityID, "error", err)
		}
	}

	p.Status = models.PurchaseStatusPaid
	p.PaidAmount = &paidAmount
	p.PaidAt = &paidAt
	return p, nil
}

// WebhookOutcome says what a webhook delivery did. Every outcome is
// acknowledged to the provider; only returned errors are retried.
type WebhookOutcome string

const (
	OutcomeCredited         WebhookOutcome = "credited"
	OutcomeAlreadyProcessed WebhookOutcome = "already_processed"
	OutcomeFailed           WebhookOutcome = "marked_failed"
	OutcomeIgnored          WebhookOutcome = "ignored"
)

// HandleWebhook fetches the payment named by the webhook and applies its
// status. Unknown payments and non-final statuses are ignored.
func (s *Service) HandleWebhook(ctx context.Context, paymentID string) (WebhookOutcome, error) {
	provider := s.Payments.Name()
	outcome, err := s.handleWebhook(ctx, paymentID)
	result := string(outcome)
	if err != nil {
		result = "error"
	}
	s.Metrics.WebhooksTotal.WithLabelValues(provider, result).Inc()
	return outcome, err
}

func (s *Service) handleWebhook(ctx context.Context, paymentID string) (WebhookOutcome, error) {
	payment, err := s.Payments.GetPayment(ctx, paymentID)
	if errors.Is(err, payments.ErrPaymentNotFound) {
		s.Logger.Warn("webhook for unknown payment", "payment_id", paymentID)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("fetch payment: %w", err)
	}
	return s.apply(ctx, payment)
}

// Confirm re-checks a payment when the buyer returns from checkout, so
// credits land even if the webhook is late.
func (s *Service) Confirm(ctx context.Context, identityID uuid.UUID, paymentID string) (WebhookOutcome, error) {
	payment, err := s.Payments.GetPayment(ctx, paymentID)
	if err != nil {
		return "", fmt.Errorf("fetch payment: %w", err)
	}
	if owner := payment.Metadata["identity_id"]; owner != "" && owner != identityID.String() {
		return "", ErrNotOwner
	}
	if payment.Status != payments.StatusPaid && !payment.IsFinalFailure() {
		return "", ErrPaymentNotPaid
	}
	return s.apply(ctx, payment)
}

func (s *Service) apply(ctx context.Context, payment *payments.Payment) (WebhookOutcome, error) {
	provider := s.Payments.Name()
	switch {
	case payment.Status == payments.StatusPaid:
		_, err := s.Finalize(ctx, provider, payment.ID, payment.Amount, 0)
		switch {
		case errors.Is(err, ErrAlreadyProcessed):
			return OutcomeAlreadyProcessed, nil
		case errors.Is(err, ErrPurchaseNotFound):
			s.Logger.Warn("paid payment has no purchase", "payment_id", payment.ID)
			return OutcomeIgnored, nil
		case err != nil:
			return "", err
		}
		return OutcomeCredited, nil
	case payment.IsFinalFailure():
		p, err := s.purchaseFor(ctx, payment)
		if err != nil || p == nil {
			return OutcomeIgnored, err
		}
		if _, err := s.Purchases.MarkFailed(ctx, p.ID); err != nil {
			return "", fmt.Errorf("mark purchase failed: %w", err)
		}
		s.Logger.Info("payment not completed", "purchase_id", p.ID, "status", payment.Status)
		return OutcomeFailed, nil
	default:
		return OutcomeIgnored, nil
	}
}

func (s *Service) purchaseFor(ctx context.Context, payment *payments.Payment) (*models.Purchase, error) {
	id, err := uuid.Parse(payment.Metadata["purchase_id"])
	if err != nil {
		return nil, nil
	}
	p, err := s.Purchases.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// List returns the identity's purchases, newest first.
func (s *Service) List(ctx context.Context, identityID uuid.UUID, limit, offset int) ([]*models.Purchase, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	list, err := s.Purchases.ListByIdentity(ctx, identityID, limit, offset)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*models.Purchase{}
	}
	return list, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
