package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/example/care-matching/internal/models"
)

type fakeGateway struct {
	holds      []Hold
	captureErr error
	captured   []string
	cancelled  []string
}

func (f *fakeGateway) Hold(_ context.Context, h Hold) (string, error) {
	f.holds = append(f.holds, h)
	return "pi_1", nil
}

func (f *fakeGateway) Capture(_ context.Context, id string) error {
	if f.captureErr != nil {
		return f.captureErr
	}
	f.captured = append(f.captured, id)
	return nil
}

func (f *fakeGateway) Cancel(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func TestChargeCancellationHoldsAndCaptures(t *testing.T) {
	gw := &fakeGateway{}
	fee := &CancellationFee{Gateway: gw, AmountCents: 1500, Currency: "usd"}
	id, err := fee.ChargeCancellation(context.Background(), &models.ServiceRequest{ID: "r1", RequesterID: "cus_9"})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if id != "pi_1" || len(gw.captured) != 1 {
		t.Fatalf("expected captured pi_1, got %q %v", id, gw.captured)
	}
	h := gw.holds[0]
	if h.AmountCents != 1500 || h.CustomerID != "cus_9" || h.IdempotencyKey != "cancel-fee-r1" || h.Metadata["request_id"] != "r1" {
		t.Fatalf("unexpected hold %+v", h)
	}
}

func TestChargeCancellationReleasesHoldOnCaptureFailure(t *testing.T) {
	gw := &fakeGateway{captureErr: errors.New("card declined")}
	fee := &CancellationFee{Gateway: gw, AmountCents: 1500, Currency: "usd"}
	if _, err := fee.ChargeCancellation(context.Background(), &models.ServiceRequest{ID: "r1"}); err == nil {
		t.Fatal("expected error")
	}
	if len(gw.cancelled) != 1 || gw.cancelled[0] != "pi_1" {
		t.Fatalf("hold not released: %v", gw.cancelled)
	}
}

func TestZeroFeeChargesNothing(t *testing.T) {
	gw := &fakeGateway{}
	id, err := (&CancellationFee{Gateway: gw}).ChargeCancellation(context.Background(), &models.ServiceRequest{ID: "r1"})
	if err != nil || id != "" || len(gw.holds) != 0 {
		t.Fatalf("expected no charge, got %q %v %v", id, err, gw.holds)
	}
}
