package remote

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kiwari-pos/terminal/internal/bus"
)

// Routing keys the order-of-record publishes on its topic exchange.
const (
	routeExternalOrder   = "order.created.external"
	routeIdentityChanged = "terminal.identity.changed"
)

const reconnectDelay = 5 * time.Second

// EventFeed consumes the upstream AMQP event stream and republishes it on
// the in-process bus, so core components never touch AMQP types. A
// successful reconnect after an outage also publishes a connectivity
// restored event, which wakes the retry queue and the sync store.
type EventFeed struct {
	url      string
	exchange string
	queue    string
	events   *bus.Bus
	log      *zap.Logger
}

// NewEventFeed creates a feed consuming queue bound to exchange at url.
func NewEventFeed(url, exchange, queue string, events *bus.Bus, log *zap.Logger) *EventFeed {
	return &EventFeed{url: url, exchange: exchange, queue: queue, events: events, log: log}
}

// Run consumes until ctx is cancelled, redialing after connection loss.
func (f *EventFeed) Run(ctx context.Context) {
	wasDown := false
	for {
		if ctx.Err() != nil {
			return
		}

		err := f.consume(ctx, wasDown)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			f.log.Warn("event feed disconnected", zap.Error(err))
		}
		wasDown = true

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// consume dials, declares topology, and pumps deliveries onto the bus
// until the connection drops or ctx is cancelled.
func (f *EventFeed) consume(ctx context.Context, afterOutage bool) error {
	conn, err := amqp.Dial(f.url)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(f.exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := ch.QueueDeclare(f.queue, true, false, false, false, nil)
	if err != nil {
		return err
	}
	for _, key := range []string{routeExternalOrder, routeIdentityChanged} {
		if err := ch.QueueBind(q.Name, key, f.exchange, false, nil); err != nil {
			return err
		}
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	// The broker being reachable again is the terminal's connectivity
	// signal: drain deferred work now instead of waiting for a timer tick.
	if afterOutage {
		f.events.Publish(bus.TopicConnectivityRestored, struct{}{})
	}

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return nil
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			f.dispatch(d)
		}
	}
}

func (f *EventFeed) dispatch(d amqp.Delivery) {
	switch d.RoutingKey {
	case routeExternalOrder:
		f.events.Publish(bus.TopicExternalOrderCreated, json.RawMessage(d.Body))
	case routeIdentityChanged:
		f.events.Publish(bus.TopicIdentityChanged, json.RawMessage(d.Body))
	default:
		f.log.Debug("ignoring delivery", zap.String("routing_key", d.RoutingKey))
	}
	_ = d.Ack(false)
}
