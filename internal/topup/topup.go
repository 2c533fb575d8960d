// Package topup funds client wallets by card through Stripe and records
// withdrawals back out. The ledger deposit is keyed on the PaymentIntent
// id, so duplicate webhook deliveries never credit twice.
package topup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/nexlance/wallet-service/internal/logging"
	"github.com/nexlance/wallet-service/internal/wallet"
)

var ErrTopUpUnavailable = errors.New("card top-ups are not configured")

// Ledger abstracts the wallet store operations top-ups need.
type Ledger interface {
	Deposit(ctx context.Context, userID, currency string, amount int64, reference, description string) (*wallet.Wallet, *wallet.Transaction, error)
	Withdraw(ctx context.Context, userID string, amount int64, reference string) (*wallet.Wallet, *wallet.Transaction, error)
	HasDeposit(ctx context.Context, reference string) (bool, error)
}

// intentCreator creates a Stripe PaymentIntent. Var so tests can stub the
// network call.
type intentCreator func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)

// eventVerifier verifies a webhook payload signature and parses the event.
type eventVerifier func(payload []byte, sigHeader, secret string) (stripe.Event, error)

// Service creates card top-ups and settles their webhook outcomes.
type Service struct {
	ledger        Ledger
	currency      string
	webhookSecret string
	createIntent  intentCreator
	verifyEvent   eventVerifier
}

// NewService creates a top-up service. secretKey empty disables card
// top-ups (deposits then only arrive through other rails).
func NewService(ledger Ledger, secretKey, webhookSecret, currency string) *Service {
	if secretKey != "" {
		stripe.Key = secretKey
	}
	s := &Service{
		ledger:        ledger,
		currency:      currency,
		webhookSecret: webhookSecret,
		verifyEvent:   webhook.ConstructEvent,
	}
	if secretKey != "" {
		s.createIntent = paymentintent.New
	}
	return s
}

// TopUp is a pending card payment awaiting confirmation on the client.
type TopUp struct {
	PaymentIntentID string `json:"paymentIntentId"`
	ClientSecret    string `json:"clientSecret"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

// CreateTopUp creates a Stripe PaymentIntent for crediting the user's
// wallet. The wallet user travels in the intent metadata so the webhook
// can route the deposit.
func (s *Service) CreateTopUp(ctx context.Context, userID string, amount int64) (*TopUp, error) {
	if s.createIntent == nil {
		return nil, ErrTopUpUnavailable
	}
	if amount <= 0 {
		return nil, wallet.ErrInvalidAmount
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(strings.ToLower(s.currency)),
	}
	params.Context = ctx
	params.AddMetadata("wallet_user_id", userID)

	pi, err := s.createIntent(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	logging.L(ctx).Info("top-up created",
		"user_id", userID, "amount", amount, "payment_intent_id", pi.ID)
	return &TopUp{
		PaymentIntentID: pi.ID,
		ClientSecret:    pi.ClientSecret,
		Amount:          amount,
		Currency:        s.currency,
	}, nil
}

// HandleWebhook verifies and settles a Stripe webhook delivery. Returns
// the event type handled. Duplicate deliveries of the same succeeded
// intent are no-ops.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, sigHeader string) (string, error) {
	event, err := s.verifyEvent(payload, sigHeader, s.webhookSecret)
	if err != nil {
		return "", fmt.Errorf("verify webhook signature: %w", err)
	}

	switch event.Type {
	case "payment_intent.succeeded":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return string(event.Type), fmt.Errorf("parse payment intent: %w", err)
		}
		return string(event.Type), s.settleSucceeded(ctx, &pi)
	default:
		// Everything else is delivered but irrelevant to the wallet.
		return string(event.Type), nil
	}
}

// settleSucceeded credits the wallet for a confirmed payment.
func (s *Service) settleSucceeded(ctx context.Context, pi *stripe.PaymentIntent) error {
	userID := pi.Metadata["wallet_user_id"]
	if userID == "" {
		logging.L(ctx).Warn("payment intent without wallet metadata, ignoring",
			"payment_intent_id", pi.ID)
		return nil
	}

	_, _, err := s.ledger.Deposit(ctx, userID, s.currency, pi.Amount, pi.ID, "card top-up")
	if errors.Is(err, wallet.ErrDuplicateDeposit) {
		logging.L(ctx).Info("duplicate top-up delivery ignored",
			"payment_intent_id", pi.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("credit top-up: %w", err)
	}

	logging.L(ctx).Info("top-up credited",
		"user_id", userID, "amount", pi.Amount, "payment_intent_id", pi.ID)
	return nil
}

// Withdraw debits the user's available balance and records a withdrawal.
// The actual payout rails live outside this service.
func (s *Service) Withdraw(ctx context.Context, userID string, amount int64, reference string) (*wallet.Wallet, *wallet.Transaction, error) {
	w, tx, err := s.ledger.Withdraw(ctx, userID, amount, reference)
	if err != nil {
		return nil, nil, err
	}
	logging.L(ctx).Info("withdrawal recorded",
		"user_id", userID, "amount", amount, "transaction_id", tx.ID)
	return w, tx, nil
}
