package forwarding

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

var ErrNotConnected = errors.New("forwarding: broker not connected")

type BrokerOptions struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	PublishTimeout time.Duration
	Logger         *slog.Logger
}

// BrokerPublisher publishes to an external broker and reconnects on its own.
type BrokerPublisher struct {
	client  paho.Client
	opts    BrokerOptions
	log     *slog.Logger
	mu      sync.Mutex
	status  Status
	timeout time.Duration
}

// NewBrokerPublisher starts connecting in the background. Publishing fails
// with ErrNotConnected until the first connection succeeds.
func NewBrokerPublisher(opts BrokerOptions) *BrokerPublisher {
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &BrokerPublisher{
		opts:    opts,
		log:     opts.Logger.With("component", "forwarding", "broker", opts.Broker),
		timeout: opts.PublishTimeout,
		status:  Status{Name: opts.ClientID, Address: opts.Broker},
	}

	co := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(co)
	p.client.Connect()
	return p
}

func (p *BrokerPublisher) onConnect(paho.Client) {
	now := time.Now().UTC()
	p.mu.Lock()
	p.status.Connected = true
	p.status.ConnectedAt = &now
	p.mu.Unlock()
	p.log.Info("connected to broker")
}

func (p *BrokerPublisher) onConnectionLost(_ paho.Client, err error) {
	p.recordError(err)
	p.mu.Lock()
	p.status.Connected = false
	p.mu.Unlock()
	p.log.Warn("lost broker connection", "error", err)
}

func (p *BrokerPublisher) recordError(err error) {
	now := time.Now().UTC()
	p.mu.Lock()
	p.status.LastError = err.Error()
	p.status.LastErrorTime = &now
	p.mu.Unlock()
}

func (p *BrokerPublisher) Publish(topic string, qos byte, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	tok := p.client.Publish(topic, qos, false, payload)
	if !tok.WaitTimeout(p.timeout) {
		err := fmt.Errorf("publish to %s timed out after %s", topic, p.timeout)
		p.recordError(err)
		return err
	}
	if err := tok.Error(); err != nil {
		p.recordError(err)
		return err
	}
	return nil
}

func (p *BrokerPublisher) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *BrokerPublisher) Close() {
	p.client.Disconnect(250)
	p.mu.Lock()
	p.status.Connected = false
	p.mu.Unlock()
	p.log.Info("disconnected from broker")
}
