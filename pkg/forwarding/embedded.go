package forwarding

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"
)

type EmbeddedOptions struct {
	ListenAddr  string
	TopicPrefix string
	Users       []Credential
	Logger      *slog.Logger
}

// EmbeddedPublisher runs an in-process broker that clients can subscribe to.
type EmbeddedPublisher struct {
	server *mqtt.Server
	addr   string
	log    *slog.Logger

	mu      sync.Mutex
	started time.Time
	lastErr error
	errAt   time.Time
}

// NewEmbeddedPublisher starts the broker listening on opts.ListenAddr.
func NewEmbeddedPublisher(opts EmbeddedOptions) (*EmbeddedPublisher, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("component", "forwarding", "broker", "embedded")

	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
		Logger:       log,
	})
	err := server.AddHook(new(ReadOnlyHook), &ReadOnlyHookOptions{
		TopicPrefix: opts.TopicPrefix,
		Users:       opts.Users,
	})
	if err != nil {
		return nil, fmt.Errorf("adding broker hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{ID: "presence-tcp", Address: opts.ListenAddr})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("adding broker listener: %w", err)
	}
	if err := server.Serve(); err != nil {
		return nil, fmt.Errorf("starting broker: %w", err)
	}
	log.Info("embedded broker listening", "address", tcp.Address())

	return &EmbeddedPublisher{
		server:  server,
		addr:    tcp.Address(),
		log:     log,
		started: time.Now().UTC(),
	}, nil
}

func (p *EmbeddedPublisher) Publish(topic string, qos byte, payload []byte) error {
	if err := p.server.Publish(topic, payload, false, qos); err != nil {
		p.mu.Lock()
		p.lastErr, p.errAt = err, time.Now().UTC()
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *EmbeddedPublisher) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	started := p.started
	st := Status{
		Name:        "embedded",
		Address:     p.addr,
		Connected:   true,
		ConnectedAt: &started,
	}
	if p.lastErr != nil {
		at := p.errAt
		st.LastError = p.lastErr.Error()
		st.LastErrorTime = &at
	}
	return st
}

func (p *EmbeddedPublisher) Close() {
	if err := p.server.Close(); err != nil {
		p.log.Error("closing embedded broker", "error", err)
	}
}
