// Package broadcast fans sequenced state changes out to live dashboard
// connections and other consumers.
package broadcast

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kabili207/phone-presence-server/pkg/metrics"
)

// Message types carried in the payload's "type" field.
const (
	TypeConnected           = "connected"
	TypeHeartbeat           = "heartbeat"
	TypePresenceUpdate      = "presence_update"
	TypeStatusMessageUpdate = "status_message_update"
	TypeCallStatusUpdate    = "call_status_update"
	TypeConnectionClosing   = "connection_closing"
)

// ErrSlowSubscriber is returned when a subscriber's buffer is full.
var ErrSlowSubscriber = errors.New("broadcast: subscriber buffer full")

// Payload is the JSON object delivered to clients.
type Payload map[string]any

// Type returns the payload's message type.
func (p Payload) Type() string {
	t, _ := p["type"].(string)
	return t
}

// Envelope is one sequenced message. Sequence numbers start over when the
// process restarts.
type Envelope struct {
	Sequence  uint64
	Payload   Payload
	Timestamp time.Time
}

// MarshalJSON writes the payload with the sequence as eventId and a
// timestamp when the payload has none.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Payload)+2)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["eventId"] = e.Sequence
	if _, ok := out["timestamp"]; !ok {
		out["timestamp"] = e.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// Sink is a long-lived consumer of published envelopes. Send is called with
// the hub locked and must not block. A Sink returning an error is removed.
type Sink interface {
	Send(env Envelope) error
}

// Options configures a Hub. Zero values take the defaults.
type Options struct {
	HeartbeatInterval time.Duration
	Lifetime          time.Duration
	BufferSize        int
	Logger            *slog.Logger
	Now               func() time.Time
}

// Hub is the registry of subscribers and sinks.
type Hub struct {
	mu    sync.Mutex
	seq   uint64
	subs  map[string]*Subscription
	sinks map[string]Sink

	heartbeat time.Duration
	lifetime  time.Duration
	buffer    int
	log       *slog.Logger
	now       func() time.Time
}

func NewHub(opts Options) *Hub {
	h := &Hub{
		subs:      make(map[string]*Subscription),
		sinks:     make(map[string]Sink),
		heartbeat: opts.HeartbeatInterval,
		lifetime:  opts.Lifetime,
		buffer:    opts.BufferSize,
		log:       opts.Logger,
		now:       opts.Now,
	}
	if h.heartbeat <= 0 {
		h.heartbeat = 2500 * time.Millisecond
	}
	if h.lifetime <= 0 {
		h.lifetime = 55 * time.Second
	}
	if h.buffer <= 0 {
		h.buffer = 64
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	h.log = h.log.With("component", "broadcast")
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// nextLocked assigns the next sequence number. Callers hold h.mu, which
// keeps delivery order identical to sequence order on every channel.
func (h *Hub) nextLocked(p Payload) Envelope {
	h.seq++
	metrics.BroadcastSequence.Set(float64(h.seq))
	return Envelope{Sequence: h.seq, Payload: p, Timestamp: h.now().UTC()}
}

// Subscribe registers a new subscription and queues its "connected"
// envelope. lastSeen is the client's last received sequence; nothing is
// replayed.
func (h *Hub) Subscribe(lastSeen uint64) *Subscription {
	ch := make(chan Envelope, h.buffer)
	sub := &Subscription{
		ID:       uuid.New().String(),
		LastSeen: lastSeen,
		C:        ch,
		ch:       ch,
		done:     make(chan struct{}),
		hub:      h,
	}

	h.mu.Lock()
	h.subs[sub.ID] = sub
	n := len(h.subs)
	env := h.nextLocked(Payload{"type": TypeConnected, "connectionId": sub.ID})
	_ = sub.Send(env)
	h.mu.Unlock()

	metrics.Subscribers.Set(float64(n))
	h.log.Info("subscriber connected", "connection_id", sub.ID, "last_event_id", lastSeen, "sequence", env.Sequence, "subscribers", n)

	go h.runTimers(sub)
	return sub
}

// runTimers drives the subscription's heartbeat and lifetime ceiling. Both
// stop when the subscription is removed.
func (h *Hub) runTimers(sub *Subscription) {
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	lifetime := time.NewTimer(h.lifetime)
	defer lifetime.Stop()

	for {
		select {
		case <-sub.done:
			return
		case <-heartbeat.C:
			h.sendTo(sub.ID, Payload{"type": TypeHeartbeat})
		case <-lifetime.C:
			h.log.Debug("closing subscription at lifetime ceiling", "connection_id", sub.ID)
			h.closeWith(sub.ID, Payload{"type": TypeConnectionClosing, "reason": "timeout_prevention"})
			return
		}
	}
}

func (h *Hub) sendTo(id string, p Payload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	if err := sub.Send(h.nextLocked(p)); err != nil {
		h.log.Warn("dropping subscriber", "connection_id", id, "error", err)
		metrics.DroppedSubscribers.Inc()
		h.removeLocked(id)
	}
}

func (h *Hub) closeWith(id string, p Payload) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	_ = sub.Send(h.nextLocked(p))
	h.removeLocked(id)
}

func (h *Hub) removeLocked(id string) {
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	close(sub.done)
	close(sub.ch)
	metrics.Subscribers.Set(float64(len(h.subs)))
}

// Unsubscribe removes a subscription and stops its timers. Safe to call more
// than once.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	_, ok := h.subs[id]
	h.removeLocked(id)
	n := len(h.subs)
	h.mu.Unlock()

	if ok {
		h.log.Info("subscriber disconnected", "connection_id", id, "subscribers", n)
	}
}

// Publish assigns the next sequence number and delivers the payload to every
// subscriber and sink. A failed delivery removes only that consumer.
func (h *Hub) Publish(p Payload) Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()

	env := h.nextLocked(p)
	for id, sub := range h.subs {
		if err := sub.Send(env); err != nil {
			h.log.Warn("dropping subscriber", "connection_id", id, "error", err)
			metrics.DroppedSubscribers.Inc()
			h.removeLocked(id)
		}
	}
	for name, sink := range h.sinks {
		if err := sink.Send(env); err != nil {
			h.log.Warn("removing sink", "sink", name, "error", err)
			delete(h.sinks, name)
		}
	}

	h.log.Debug("broadcast", "type", p.Type(), "sequence", env.Sequence, "subscribers", len(h.subs))
	return env
}

// AddSink registers a consumer that receives published envelopes only, with
// no heartbeat or lifetime ceiling.
func (h *Hub) AddSink(name string, sink Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks[name] = sink
}

func (h *Hub) RemoveSink(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sinks, name)
}

// Close ends every subscription with a closing envelope.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		_ = sub.Send(h.nextLocked(Payload{"type": TypeConnectionClosing, "reason": "server_shutdown"}))
		h.removeLocked(id)
	}
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Subscribers  int      `json:"subscribers"`
	Sinks        []string `json:"sinks"`
	LastSequence uint64   `json:"lastEventId"`
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Stats{Subscribers: len(h.subs), LastSequence: h.seq, Sinks: []string{}}
	for name := range h.sinks {
		st.Sinks = append(st.Sinks, name)
	}
	return st
}

// Subscription is one live connection. C is closed when the subscription ends.
type Subscription struct {
	ID       string
	LastSeen uint64
	C        <-chan Envelope

	ch   chan Envelope
	done chan struct{}
	hub  *Hub
}

// Send queues an envelope without blocking.
func (s *Subscription) Send(env Envelope) error {
	select {
	case s.ch <- env:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

// Close unsubscribes.
func (s *Subscription) Close() {
	s.hub.Unsubscribe(s.ID)
}
