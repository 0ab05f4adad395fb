package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/devblac/gov-watch/internal/storage"
)

// AlertWriter persists alerts; *storage.Store satisfies it.
type AlertWriter interface {
	InsertAlert(ctx context.Context, a storage.Alert) error
}

// StoreSender keeps an alert log in SQLite for the export command.
type StoreSender struct {
	w AlertWriter
}

func NewStoreSender(w AlertWriter) *StoreSender {
	return &StoreSender{w: w}
}

func (s *StoreSender) Send(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	return s.w.InsertAlert(ctx, storage.Alert{
		ID:          alert.ID,
		Network:     alert.Network,
		Height:      alert.Height,
		BlockHash:   alert.BlockHash,
		Module:      alert.Module,
		Event:       alert.Event,
		PayloadJSON: string(payload),
		CreatedAt:   alert.Time,
	})
}
