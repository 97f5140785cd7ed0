package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/irislabs/iris/internal/common/logger"
	"github.com/irislabs/iris/internal/events"
	"github.com/irislabs/iris/internal/events/bus"
	ws "github.com/irislabs/iris/pkg/websocket"
)

// StreamBridge subscribes to the event bus and rebroadcasts process,
// session and permission events to every connected client. The bus
// event type doubles as the websocket action.
type StreamBridge struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// NewStreamBridge wires the bus wildcards onto the hub.
func NewStreamBridge(eventBus bus.EventBus, hub *Hub, log *logger.Logger) *StreamBridge {
	b := &StreamBridge{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-bridge")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribe(eventBus, events.BuildProcessWildcardSubject())
	b.subscribe(eventBus, events.BuildSessionWildcardSubject())
	b.subscribe(eventBus, events.BuildPermissionWildcardSubject())

	return b
}

// Close drops the bus subscriptions. Events published afterwards no
// longer reach websocket clients.
func (b *StreamBridge) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *StreamBridge) subscribe(eventBus bus.EventBus, subject string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(event.Type, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification",
				zap.String("event_type", event.Type), zap.Error(err))
			return nil
		}
		b.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe to events", zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}
