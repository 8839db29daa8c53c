package realtime

import (
	"context"

	"github.com/benmeehan/hybrid-tracker/internal/models"
)

// Sink is anything that accepts reconciled events.
type Sink interface {
	Publish(ctx context.Context, ev models.Event)
}

// Fanout publishes each event to every sink in order.
type Fanout []Sink

func (f Fanout) Publish(ctx context.Context, ev models.Event) {
	for _, s := range f {
		s.Publish(ctx, ev)
	}
}
