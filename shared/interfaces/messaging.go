package interfaces

import (
	"context"

	"tta-server/shared/models"
)

// TurnEventPublisher defines the interface for publishing turn-completed events.
type TurnEventPublisher interface {
	// PublishTurnEvent sends the event to the designated queue.
	PublishTurnEvent(ctx context.Context, event models.TurnEvent) error
}
