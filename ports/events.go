package ports

import (
	"context"

	"github.com/layer-3/warden/core"
)

// EventPublisher publishes session lifecycle events to other instances.
type EventPublisher interface {
	Publish(ctx context.Context, event core.SessionEvent) error
}
