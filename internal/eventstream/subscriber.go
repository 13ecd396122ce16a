package eventstream

import (
	"context"

	"github.com/latticerun/host/internal/events"
)

// Subscriber is anything that can receive a fanned-out CloudEvent: a
// websocket connection, a test probe, or a future SSE writer.
type Subscriber interface {
	ID() string
	Send(ev events.CloudEvent) error
	Close() error
	Context() context.Context
}

// baseSubscriber is embedded by concrete Subscriber implementations for the
// bookkeeping every one of them needs.
type baseSubscriber struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
}

func newBaseSubscriber(parent context.Context, id string) baseSubscriber {
	ctx, cancel := context.WithCancel(parent)
	return baseSubscriber{id: id, ctx: ctx, cancel: cancel}
}

func (b *baseSubscriber) ID() string             { return b.id }
func (b *baseSubscriber) Context() context.Context { return b.ctx }
func (b *baseSubscriber) Close() error            { b.cancel(); return nil }
