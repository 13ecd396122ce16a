package eventstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/latticerun/host/internal/events"
)

// Hub fans CloudEvents out to every active Subscriber: a buffered intake
// channel drained by a single worker, dispatching to subscribers
// concurrently so one slow consumer cannot stall the others.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber

	intake  chan events.CloudEvent
	stop    chan struct{}
	wg      sync.WaitGroup
	logger  *slog.Logger
	metrics *Metrics
}

// NewHub constructs a Hub. buffer sizes the intake channel; zero or negative
// falls back to 1000 events.
func NewHub(logger *slog.Logger, metrics *Metrics, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 1000
	}
	return &Hub{
		subscribers: make(map[string]Subscriber),
		intake:      make(chan events.CloudEvent, buffer),
		stop:        make(chan struct{}),
		logger:      logger.With("component", "eventstream_hub"),
		metrics:     metrics,
	}
}

// Start launches the broadcast worker. Call once.
func (h *Hub) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.broadcastWorker(ctx)
}

// Stop drains in-flight broadcasts and returns once the worker exits or ctx
// expires, whichever comes first.
func (h *Hub) Stop(ctx context.Context) error {
	close(h.stop)
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish enqueues ev for broadcast. Non-blocking: if the intake buffer is
// full the event is dropped and counted as an error, since the dev-console
// stream is best-effort and must never backpressure the bus adapter it
// mirrors.
func (h *Hub) Publish(ev events.CloudEvent) {
	select {
	case h.intake <- ev:
	default:
		h.logger.Warn("eventstream intake full, dropping event", "type", ev.Type)
		if h.metrics != nil {
			h.metrics.ErrorsTotal.WithLabelValues("intake_full").Inc()
		}
	}
}

// Subscribe registers sub to receive every subsequent broadcast.
func (h *Hub) Subscribe(sub Subscriber) {
	h.mu.Lock()
	h.subscribers[sub.ID()] = sub
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ConnectionsActive.Inc()
	}
}

// Unsubscribe removes sub from the broadcast set.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	_, existed := h.subscribers[id]
	delete(h.subscribers, id)
	h.mu.Unlock()
	if existed && h.metrics != nil {
		h.metrics.ConnectionsActive.Dec()
	}
}

// ActiveSubscribers returns the number of currently registered subscribers.
func (h *Hub) ActiveSubscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) broadcastWorker(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stop:
			return
		case ev := <-h.intake:
			h.broadcast(ev)
		}
	}
}

func (h *Hub) broadcast(ev events.CloudEvent) {
	start := time.Now()
	h.mu.RLock()
	targets := make([]Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	var failedMu sync.Mutex
	var failed []string

	for _, sub := range targets {
		wg.Add(1)
		go func(s Subscriber) {
			defer wg.Done()
			if s.Context().Err() != nil {
				failedMu.Lock()
				failed = append(failed, s.ID())
				failedMu.Unlock()
				return
			}
			if err := s.Send(ev); err != nil {
				h.logger.Warn("dropping eventstream subscriber after send error", "subscriber", s.ID(), "error", err)
				if h.metrics != nil {
					h.metrics.ErrorsTotal.WithLabelValues("send_failed").Inc()
				}
				failedMu.Lock()
				failed = append(failed, s.ID())
				failedMu.Unlock()
			}
		}(sub)
	}
	wg.Wait()

	for _, id := range failed {
		h.Unsubscribe(id)
	}

	if h.metrics != nil {
		h.metrics.EventsTotal.WithLabelValues(ev.Type).Inc()
		h.metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	}
}
