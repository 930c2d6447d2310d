package bus

import (
	"context"
	"sync"
)

const defaultQueueDepth = 256

// MessageBus is the in-process fan-in/fan-out hub: adapters publish inbound
// envelopes, the scheduler consumes them; the dispatcher publishes outbound
// messages, the channel manager consumes them; events broadcast to all
// subscribers.
type MessageBus struct {
	inbound  chan *Envelope
	outbound chan OutboundMessage

	subs   map[string]EventHandler
	subsMu sync.RWMutex
}

// New creates a MessageBus with bounded queues.
func New() *MessageBus {
	return &MessageBus{
		inbound:  make(chan *Envelope, defaultQueueDepth),
		outbound: make(chan OutboundMessage, defaultQueueDepth),
		subs:     make(map[string]EventHandler),
	}
}

// PublishInbound enqueues an envelope from a channel adapter.
// Blocks when the queue is full — adapters provide the backpressure.
func (b *MessageBus) PublishInbound(e *Envelope) {
	b.inbound <- e
}

// ConsumeInbound blocks until an envelope arrives or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*Envelope, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case e := <-b.inbound:
		return e, true
	}
}

// PublishOutbound enqueues a message for channel delivery.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// SubscribeOutbound blocks until an outbound message arrives or ctx is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}

// Subscribe registers an event handler under an id (usually a client id).
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.subs[id] = handler
}

// Unsubscribe removes a handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	delete(b.subs, id)
}

// Broadcast delivers an event to all subscribers. Handlers must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.subsMu.RLock()
	handlers := make([]EventHandler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.subsMu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
