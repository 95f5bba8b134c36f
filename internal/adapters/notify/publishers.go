package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alejandrodnm/forecast/internal/domain"
	"github.com/alejandrodnm/forecast/internal/ports"
)

// Slog publica cada evento como un registro de log estructurado.
type Slog struct {
	level slog.Level
}

// NewSlog crea un publisher que loguea con el logger global.
func NewSlog(level slog.Level) *Slog { return &Slog{level: level} }

// Publish logs every event.
func (s *Slog) Publish(ctx context.Context, marketID string, events []domain.Event) error {
	for _, ev := range events {
		attrs := []any{"market", marketID, "id", ev.ID}
		if ev.EpochID != 0 {
			attrs = append(attrs, "epoch", ev.EpochID)
		}
		if ev.Wallet != "" {
			attrs = append(attrs, "wallet", ev.Wallet)
		}
		if ev.Amount != 0 {
			attrs = append(attrs, "amount", ev.Amount)
		}
		for _, k := range sortedKeys(ev.Attrs) {
			attrs = append(attrs, k, ev.Attrs[k])
		}
		slog.Log(ctx, s.level, "event: "+string(ev.Kind), attrs...)
	}
	return nil
}

// Fanout entrega los eventos a varios publishers. Un fallo no impide la
// entrega al resto; los errores se combinan.
type Fanout []ports.EventPublisher

// Publish calls every publisher in order.
func (f Fanout) Publish(ctx context.Context, marketID string, events []domain.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, marketID, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
