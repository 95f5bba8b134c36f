package ports

import (
	"context"

	"github.com/alejandrodnm/forecast/internal/domain"
)

// EventPublisher entrega los eventos de una operación ya confirmada.
type EventPublisher interface {
	// Publish is called once per committed operation with its events in
	// emission order. A failure does not undo the operation.
	Publish(ctx context.Context, marketID string, events []domain.Event) error
}
