package storage

// events.go: auditoría append-only de eventos por mercado.

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/alejandrodnm/forecast/internal/domain"
	"github.com/alejandrodnm/forecast/internal/ports"
)

func (t *sqlTx) AppendEvent(ctx context.Context, marketID string, ev domain.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("storage.AppendEvent: encode: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO events (id, market_id, kind, epoch_id, wallet, amount, ts, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, marketID, string(ev.Kind), int64(ev.EpochID), ev.Wallet,
		int64(min(ev.Amount, math.MaxInt64)), ev.Timestamp, string(raw),
	); err != nil {
		return fmt.Errorf("storage.AppendEvent: insert %s: %w", ev.Kind, err)
	}
	return nil
}

// ListEvents devuelve los eventos en orden de emisión.
func (t *sqlTx) ListEvents(ctx context.Context, marketID string, f ports.EventFilter) ([]domain.Event, error) {
	var (
		where = []string{"market_id = ?"}
		args  = []any{marketID}
	)
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.EpochID != 0 {
		where = append(where, "epoch_id = ?")
		args = append(args, int64(f.EpochID))
	}
	if f.Wallet != "" {
		where = append(where, "wallet = ?")
		args = append(args, f.Wallet)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	query := `SELECT data FROM events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq LIMIT ?`
	var out []domain.Event
	err := t.listJSON(ctx, func(raw []byte) error {
		var ev domain.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	}, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListEvents: %w", err)
	}
	return out, nil
}
