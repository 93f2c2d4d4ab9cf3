package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient sets the process-wide stripe key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// The idempotency key makes a retried hold return the same intent.
func (s *StripeClient) Hold(ctx context.Context, h Hold) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(h.AmountCents),
		Currency:    stripe.String(h.Currency),
		Description: stripe.String(h.Description),
	}
	params.Context = ctx
	if h.CustomerID != "" {
		params.Customer = stripe.String(h.CustomerID)
	}
	for k, v := range h.Metadata {
		params.AddMetadata(k, v)
	}
	if h.IdempotencyKey != "" {
		params.SetIdempotencyKey(h.IdempotencyKey)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}
