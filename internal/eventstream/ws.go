package eventstream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/latticerun/host/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// websocketSubscriber adapts a gorilla/websocket connection to the
// Subscriber interface. Writes are serialized through a buffered channel so
// the Hub's concurrent broadcast goroutine never touches the connection
// directly — gorilla/websocket connections support at most one writer.
type websocketSubscriber struct {
	baseSubscriber
	conn   *websocket.Conn
	outbox chan events.CloudEvent
	logger *slog.Logger
}

func newWebsocketSubscriber(ctx context.Context, conn *websocket.Conn, logger *slog.Logger) *websocketSubscriber {
	sub := &websocketSubscriber{
		baseSubscriber: newBaseSubscriber(ctx, uuid.NewString()),
		conn:           conn,
		outbox:         make(chan events.CloudEvent, 32),
		logger:         logger,
	}
	go sub.writeLoop()
	return sub
}

func (s *websocketSubscriber) Send(ev events.CloudEvent) error {
	if s.Context().Err() != nil {
		return ErrSubscriberClosed
	}
	select {
	case s.outbox <- ev:
		return nil
	default:
		return ErrChannelFull
	}
}

func (s *websocketSubscriber) Close() error {
	s.baseSubscriber.Close()
	return s.conn.Close()
}

func (s *websocketSubscriber) writeLoop() {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	defer s.conn.Close()

	for {
		select {
		case <-s.Context().Done():
			return
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev := <-s.outbox:
			raw, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames (the dev console is receive-only) but
// must keep reading so gorilla/websocket processes control frames and
// detects the connection closing.
func (s *websocketSubscriber) readPump() {
	defer s.Close()
	s.conn.SetReadLimit(512)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ServeHTTP upgrades r to a websocket and streams CloudEvents from hub
// until the client disconnects.
func ServeHTTP(hub *Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("dev-console websocket upgrade failed", "error", err)
			return
		}
		sub := newWebsocketSubscriber(r.Context(), conn, logger)
		hub.Subscribe(sub)
		defer hub.Unsubscribe(sub.ID())

		sub.readPump()
	}
}
