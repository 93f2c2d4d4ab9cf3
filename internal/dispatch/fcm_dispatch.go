package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// FCMNotifier posts a data message to an FCM HTTP v1 endpoint. Each
// caregiver's devices subscribe to the topic "caregiver_<id>".
type FCMNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMNotifier(endpoint, key string) *FCMNotifier {
	return &FCMNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMNotifier) Notify(ctx context.Context, caregiverID string, ev Event) error {
	// FCM data values must be strings
	data := map[string]string{
		"type":          string(ev.Type),
		"assignment_id": ev.AssignmentID,
		"request_id":    ev.RequestID,
		"at":            ev.At.UTC().Format(time.RFC3339),
	}
	if ev.Deadline != nil {
		data["response_deadline"] = ev.Deadline.UTC().Format(time.RFC3339)
	}
	body := map[string]any{"message": map[string]any{"topic": "caregiver_" + caregiverID, "data": data}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return fmt.Errorf("fcm %s: %w", ev.Type, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("fcm %s: unexpected status %d", ev.Type, resp.StatusCode)
	}
	return nil
}
