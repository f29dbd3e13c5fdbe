// Package forwarding republishes broadcast envelopes to MQTT so that other
// systems can follow presence changes without holding an event stream open.
package forwarding

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/phone-presence-server/pkg/broadcast"
	"github.com/kabili207/phone-presence-server/pkg/metrics"
)

// Publisher delivers one encoded message to a broker.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
	Status() Status
	Close()
}

// Status reports the publisher's connection for the status endpoint.
type Status struct {
	Name          string     `json:"name"`
	Address       string     `json:"address"`
	Connected     bool       `json:"connected"`
	ConnectedAt   *time.Time `json:"connectedAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	LastErrorTime *time.Time `json:"lastErrorTime,omitempty"`
	Topic         string     `json:"topic"`
	Forwarded     uint64     `json:"forwarded"`
	Dropped       uint64     `json:"dropped"`
}

type Options struct {
	TopicPrefix string
	QoS         byte
	Format      string
	BufferSize  int
	Logger      *slog.Logger
}

// Forwarder is a broadcast.Sink. Send never blocks the hub: envelopes are
// queued and published by Run, and dropped when the queue is full.
type Forwarder struct {
	pub  Publisher
	opts Options
	log  *slog.Logger
	ch   chan broadcast.Envelope

	mu        sync.Mutex
	forwarded uint64
	dropped   uint64
}

func New(pub Publisher, opts Options) *Forwarder {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "presence"
	}
	if opts.Format == "" {
		opts.Format = FormatJSON
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Forwarder{
		pub:  pub,
		opts: opts,
		log:  opts.Logger.With("component", "forwarding"),
		ch:   make(chan broadcast.Envelope, opts.BufferSize),
	}
}

// Send queues an envelope. Heartbeats and connection messages never reach a
// sink, so everything queued is a state change.
func (f *Forwarder) Send(env broadcast.Envelope) error {
	select {
	case f.ch <- env:
	default:
		f.mu.Lock()
		f.dropped++
		f.mu.Unlock()
		metrics.ForwardedMessages.WithLabelValues("dropped").Inc()
		f.log.Warn("forwarding queue full, dropping message", "event_id", env.Sequence, "type", env.Payload.Type())
	}
	return nil
}

// Run publishes queued envelopes until ctx is done, then closes the publisher.
func (f *Forwarder) Run(ctx context.Context) {
	defer f.pub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-f.ch:
			f.forward(env)
		}
	}
}

func (f *Forwarder) forward(env broadcast.Envelope) {
	payload, err := Encode(env, f.opts.Format)
	if err != nil {
		metrics.ForwardedMessages.WithLabelValues("encode_error").Inc()
		f.log.Error("unable to encode envelope", "event_id", env.Sequence, "error", err)
		return
	}
	topic := Topic(f.opts.TopicPrefix, env)
	if err := f.pub.Publish(topic, f.opts.QoS, payload); err != nil {
		metrics.ForwardedMessages.WithLabelValues("error").Inc()
		f.log.Error("unable to forward envelope", "topic", topic, "event_id", env.Sequence, "error", err)
		return
	}
	f.mu.Lock()
	f.forwarded++
	f.mu.Unlock()
	metrics.ForwardedMessages.WithLabelValues("ok").Inc()
}

// Status merges the publisher's connection state with forwarding counters.
func (f *Forwarder) Status() Status {
	st := f.pub.Status()
	st.Topic = f.opts.TopicPrefix + "/#"
	f.mu.Lock()
	st.Forwarded = f.forwarded
	st.Dropped = f.dropped
	f.mu.Unlock()
	return st
}
