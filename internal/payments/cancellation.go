// Package payments charges requesters a fee for late session cancellations.
package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/care-matching/internal/models"
	"github.com/example/care-matching/internal/observability"
)

// Hold describes funds to reserve before capture.
type Hold struct {
	AmountCents    int64
	Currency       string
	CustomerID     string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Gateway is the hold/capture/cancel surface of a card processor.
type Gateway interface {
	Hold(ctx context.Context, h Hold) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// CancellationFee charges a flat fee by holding and immediately capturing
// it. A failed capture releases the hold.
type CancellationFee struct {
	Gateway     Gateway
	AmountCents int64
	Currency    string
}

func (f *CancellationFee) ChargeCancellation(ctx context.Context, req *models.ServiceRequest) (string, error) {
	if f.AmountCents <= 0 {
		return "", nil
	}
	id, err := f.Gateway.Hold(ctx, Hold{
		AmountCents:    f.AmountCents,
		Currency:       f.Currency,
		CustomerID:     req.RequesterID,
		Description:    "late cancellation of care session " + req.ID,
		Metadata:       map[string]string{"request_id": req.ID, "requester_id": req.RequesterID},
		IdempotencyKey: "cancel-fee-" + req.ID,
	})
	if err != nil {
		observability.CancellationFees.WithLabelValues("hold_failed").Inc()
		return "", fmt.Errorf("hold cancellation fee: %w", err)
	}
	if err := f.Gateway.Capture(ctx, id); err != nil {
		observability.CancellationFees.WithLabelValues("capture_failed").Inc()
		if cerr := f.Gateway.Cancel(ctx, id); cerr != nil {
			err = errors.Join(err, fmt.Errorf("release hold %s: %w", id, cerr))
		}
		return "", fmt.Errorf("capture cancellation fee: %w", err)
	}
	observability.CancellationFees.WithLabelValues("charged").Inc()
	return id, nil
}
