package ports

import (
	"context"

	"github.com/alejandrodnm/forecast/internal/domain"
)

// PriceFeed obtiene reportes de precio ya firmados para el cierre de una época.
type PriceFeed interface {
	// FetchReports returns one report per source observed at or after
	// the epoch end. Sources that fail are skipped.
	FetchReports(ctx context.Context, marketID string, epoch domain.Epoch) ([]domain.OraclePrice, error)
}
