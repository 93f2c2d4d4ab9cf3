package dispatch

import (
	"context"
	"errors"
	"log/slog"
)

// PushDispatcher tries the caregiver's websocket first and falls back to
// the remote push backend when there is no live session or the write fails.
type PushDispatcher struct {
	WS       *WSRegistry
	Fallback Notifier
	Logger   *slog.Logger
}

func NewPushDispatcher(ws *WSRegistry, fallback Notifier, logger *slog.Logger) *PushDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushDispatcher{WS: ws, Fallback: fallback, Logger: logger}
}

func (p *PushDispatcher) Notify(ctx context.Context, caregiverID string, ev Event) error {
	if p.WS != nil {
		err := p.WS.Notify(ctx, caregiverID, ev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) {
			p.Logger.Warn("ws send failed, falling back", "caregiver_id", caregiverID, "err", err)
		}
		if p.Fallback == nil {
			return err
		}
	}
	if p.Fallback == nil {
		return ErrNoSession
	}
	return p.Fallback.Notify(ctx, caregiverID, ev)
}
