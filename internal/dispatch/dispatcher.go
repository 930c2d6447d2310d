// Package dispatch owns the outbound side of a run: a per-run reply queue
// with pending-reply reservations, serialized deliveries, and the
// process-wide registry the restart gate observes.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nextlevelbuilder/switchboard/internal/bus"
)

// NoReplyToken suppresses delivery while retaining bookkeeping.
const NoReplyToken = "NO_REPLY"

// sentTextWindow bounds the dedupe window of texts the agent already sent
// through its own messaging tool.
const sentTextWindow = 64

// ReplyToMode is the channel threading capability filter.
type ReplyToMode string

const (
	ReplyToOff          ReplyToMode = "off"           // channel cannot thread
	ReplyToFirst        ReplyToMode = "first"         // only the first delivery threads
	ReplyToAll          ReplyToMode = "all"           // every delivery may thread
	ReplyToExplicitOnly ReplyToMode = "explicit-only" // only [[reply:...]] tags thread
)

// DeliverFunc performs the adapter side effect for one payload.
type DeliverFunc func(ctx context.Context, payload bus.ReplyPayload) error

// Options configures a Dispatcher.
type Options struct {
	// Deliver is the adapter call. Required.
	Deliver DeliverFunc

	// OriginMessageID threads implicit replies back to the triggering
	// message when the mode allows.
	OriginMessageID string

	// Mode is the channel's threading capability (default ReplyToAll).
	Mode ReplyToMode

	// Status receives typing indicator transitions. Nil drops them.
	Status bus.StatusSink

	// StatusChannel/StatusChatID address the indicator.
	StatusChannel string
	StatusChatID  string

	// OnRecord is called with the final delivered (or suppressed) text so
	// callers can persist session metadata. Optional.
	OnRecord func(text string, suppressed bool)
}

// Dispatcher serializes deliveries for one run and tracks pending-reply
// reservations. On creation the reservation is 1 so a command that
// completes before any reply enqueues still holds the restart gate.
type Dispatcher struct {
	opts Options

	mu         sync.Mutex
	cond       *sync.Cond
	queue      []queued
	pending    int  // reservations + queued-but-not-delivered
	delivering bool
	completed  bool
	closed     bool
	delivered  int // count of delivered payloads (for ReplyToFirst)

	sentTexts *lru.Cache[string, struct{}]
}

type queued struct {
	payload bus.ReplyPayload
	partial bool
}

// New creates a dispatcher and registers it in the process-wide set.
func New(opts Options) *Dispatcher {
	if opts.Mode == "" {
		opts.Mode = ReplyToAll
	}
	cache, _ := lru.New[string, struct{}](sentTextWindow)
	d := &Dispatcher{opts: opts, pending: 1, sentTexts: cache}
	d.cond = sync.NewCond(&d.mu)
	defaultRegistry.register(d)
	d.pushStatus(bus.StatusTyping)
	return d
}

// SendFinalReply enqueues a terminal payload and starts a delivery task.
// Non-renderable payloads are dropped after threading normalization.
func (d *Dispatcher) SendFinalReply(payload bus.ReplyPayload) {
	d.enqueue(payload, false)
}

// SendPartialReply enqueues an interim/streaming payload.
func (d *Dispatcher) SendPartialReply(payload bus.ReplyPayload) {
	d.enqueue(payload, true)
}

func (d *Dispatcher) enqueue(payload bus.ReplyPayload, partial bool) {
	// NO_REPLY: suppress delivery and typing, release bookkeeping, record.
	if strings.TrimSpace(payload.Text) == NoReplyToken && !partial {
		d.pushStatus(bus.StatusIdle)
		if d.opts.OnRecord != nil {
			d.opts.OnRecord(payload.Text, true)
		}
		return
	}

	p, ok := d.prepare(payload)
	if !ok {
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, queued{payload: p, partial: partial})
	d.pending++
	starting := !d.delivering
	if starting {
		d.delivering = true
	}
	d.mu.Unlock()

	if starting {
		go d.drain()
	}
}

// drain delivers queued payloads strictly in order. Each delivery releases
// its reservation in a defer so failures cannot leak the restart gate.
func (d *Dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.delivering = false
			completed := d.completed
			d.mu.Unlock()
			if completed {
				d.finishComplete()
			}
			return
		}
		item := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		d.deliverOne(item)
	}
}

func (d *Dispatcher) deliverOne(item queued) {
	defer func() {
		d.mu.Lock()
		d.pending--
		d.delivered++
		d.cond.Broadcast()
		d.mu.Unlock()
	}()

	if err := d.opts.Deliver(context.Background(), item.payload); err != nil {
		slog.Error("reply delivery failed", "partial", item.partial, "error", err)
		return
	}
	if d.opts.OnRecord != nil && !item.partial {
		d.opts.OnRecord(item.payload.Text, false)
	}
}

// MarkComplete declares that no further replies will be enqueued. The
// initial reservation releases once the last delivery finishes (or
// immediately when nothing is queued or in flight).
func (d *Dispatcher) MarkComplete() {
	d.mu.Lock()
	if d.completed {
		d.mu.Unlock()
		return
	}
	d.completed = true
	idle := !d.delivering && len(d.queue) == 0
	d.mu.Unlock()

	if idle {
		d.finishComplete()
	}
}

func (d *Dispatcher) finishComplete() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.pending-- // the creation reservation
	d.cond.Broadcast()
	d.mu.Unlock()
	d.pushStatus(bus.StatusIdle)
}

// Pending returns reservations plus queued-but-not-delivered payloads.
// This is the value the restart gate observes.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending < 0 {
		return 0
	}
	return d.pending
}

// WaitForIdle blocks until Pending reaches zero.
func (d *Dispatcher) WaitForIdle() {
	d.mu.Lock()
	for d.pending > 0 {
		d.cond.Wait()
	}
	d.mu.Unlock()
}

// Unregister removes the dispatcher from the process-wide set. Call after
// MarkComplete once the run's bookkeeping is finished.
func (d *Dispatcher) Unregister() {
	defaultRegistry.unregister(d)
}

// RecordAgentSent remembers a text the agent already delivered through its
// own messaging tool, so the terminal reply does not duplicate it.
func (d *Dispatcher) RecordAgentSent(text string) {
	t := normalizeForDedupe(text)
	if t == "" {
		return
	}
	d.sentTexts.Add(t, struct{}{})
}

func (d *Dispatcher) pushStatus(kind bus.StatusKind) {
	if d.opts.Status == nil {
		return
	}
	d.opts.Status.PushStatus(bus.StatusUpdate{
		Channel: d.opts.StatusChannel,
		ChatID:  d.opts.StatusChatID,
		Kind:    kind,
	})
}
