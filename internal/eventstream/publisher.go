package eventstream

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/latticerun/host/internal/bus"
	"github.com/latticerun/host/internal/events"
)

// Publisher relays every CloudEvent published on the bus adapter's event
// subjects into the local Hub, so the dev-console stream mirrors the
// control-plane event traffic without subscribing a websocket per bus
// subject.
type Publisher struct {
	hub    *Hub
	logger *slog.Logger
}

// NewPublisher constructs a Publisher bound to hub.
func NewPublisher(hub *Hub, logger *slog.Logger) *Publisher {
	return &Publisher{hub: hub, logger: logger.With("component", "eventstream_publisher")}
}

// Run subscribes to the lattice's wildcard event subject and forwards every
// decodable CloudEvent to the Hub until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context, adapter bus.Adapter, lattice string) error {
	sub, err := adapter.Subscribe(ctx, "wasmbus.evt."+lattice+".>", "")
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.Messages:
			if !ok {
				return nil
			}
			var ev events.CloudEvent
			if err := json.Unmarshal(msg.Data, &ev); err != nil {
				p.logger.Warn("dropping malformed event on dev-console relay", "subject", msg.Subject, "error", err)
				continue
			}
			p.hub.Publish(ev)
		}
	}
}
