// Package gateway implements the Event Bus and WebSocket transport: the
// single broadcaster that fans typed events out to every connected UI
// client in strict per-client order, and the WS frame layer that turns
// those events into wire bytes and inbound frames into orchestrator calls.
package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// clientSendBuffer bounds how many undelivered events a single slow client
// can accumulate before the bus gives up on it. This must never block
// broadcast — a producer-blocking client defeats the whole point of a
// per-client buffer.
const clientSendBuffer = 256

// Client is anything the bus can deliver marshaled event bytes to. The
// WebSocket connection wrapper (see ws.go) is the only production
// implementation; tests can supply a channel-backed fake.
type Client interface {
	// ID uniquely identifies this client for Disconnect and logging.
	ID() string
	// Send hands raw bytes to the client for delivery. The bus calls it
	// only from that client's own delivery goroutine, so a Send that waits
	// for room stalls neither Broadcast nor delivery to other clients.
	Send(data []byte) error
}

// Bus is the single process-wide Event Bus. broadcast calls are totally
// ordered: the bus serializes them under one mutex and hands each
// connected client its bytes in that same order, via a per-client queue so
// one slow reader cannot stall delivery to the others.
type Bus struct {
	order   sync.Mutex // serializes Broadcast and Connect's replay
	mu      sync.Mutex
	clients map[string]*clientQueue
	logger  *slog.Logger
}

type clientQueue struct {
	client Client
	queue  chan []byte
	done   chan struct{}
}

// New constructs an empty Event Bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		clients: make(map[string]*clientQueue),
		logger:  logger.With("component", "eventbus"),
	}
}

// Connect registers a client and starts its delivery goroutine. replay, if
// non-nil, is sent to this client only, before it is eligible to receive
// broadcasts, so a newly-connected client sees replayable state (e.g. the
// current attached-screenshot list) ahead of anything broadcast after it
// joined.
func (b *Bus) Connect(c Client, replay []Event) {
	cq := &clientQueue{
		client: c,
		queue:  make(chan []byte, clientSendBuffer),
		done:   make(chan struct{}),
	}

	b.order.Lock()
	defer b.order.Unlock()

	b.mu.Lock()
	b.clients[c.ID()] = cq
	b.mu.Unlock()

	go b.drain(cq)

	for _, ev := range replay {
		b.enqueue(cq, ev)
	}
}

// Disconnect deregisters a client and stops its delivery goroutine.
func (b *Bus) Disconnect(clientID string) {
	b.mu.Lock()
	cq, ok := b.clients[clientID]
	delete(b.clients, clientID)
	b.mu.Unlock()

	if ok {
		close(cq.done)
	}
}

// Broadcast enqueues an event for delivery to every currently connected
// client, preserving arrival order across the whole bus and within each
// client's own stream. Delivery to a failing or saturated client removes
// that client (after emitting a best-effort error marker to the others is
// not attempted here — the removal itself is the signal) and never blocks
// delivery to the rest.
func (b *Bus) Broadcast(ev Event) {
	b.order.Lock()
	defer b.order.Unlock()

	b.mu.Lock()
	targets := make([]*clientQueue, 0, len(b.clients))
	for _, cq := range b.clients {
		targets = append(targets, cq)
	}
	b.mu.Unlock()

	for _, cq := range targets {
		b.enqueue(cq, ev)
	}
}

func (b *Bus) enqueue(cq *clientQueue, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	select {
	case cq.queue <- data:
	case <-cq.done:
	default:
		// Buffer full: drop this client rather than stall the producer.
		b.logger.Warn("dropping slow client", "client", cq.client.ID())
		b.Disconnect(cq.client.ID())
	}
}

func (b *Bus) drain(cq *clientQueue) {
	for {
		select {
		case data := <-cq.queue:
			if err := cq.client.Send(data); err != nil {
				b.logger.Warn("client send failed, disconnecting", "client", cq.client.ID(), "error", err)
				b.Disconnect(cq.client.ID())
				return
			}
		case <-cq.done:
			return
		}
	}
}

// ClientCount reports how many clients are currently connected. Used by
// tests and diagnostics only.
func (b *Bus) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
