// Package mqtt bridges bus events to an MQTT broker with automatic
// reconnection and buffering through broker outages.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/ElementAstro/lithium-next-sub000/internal/domain"
	"github.com/ElementAstro/lithium-next-sub000/internal/eventbus"
	"github.com/ElementAstro/lithium-next-sub000/internal/metrics"
)

// Config holds MQTT bridge configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	Retain         bool
	CleanSession   bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	PublishTimeout time.Duration
	BufferSize     int
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSCAFile      string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "lithium-devmanager",
		TopicPrefix:    "observatory",
		QoS:            1,
		CleanSession:   true,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		PublishTimeout: 5 * time.Second,
		BufferSize:     4096,
	}
}

// Stats is a point-in-time bridge snapshot.
type Stats struct {
	Published  uint64 `json:"published"`
	Failed     uint64 `json:"failed"`
	Buffered   uint64 `json:"buffered"`
	Dropped    uint64 `json:"dropped"`
	BytesSent  uint64 `json:"bytesSent"`
	Reconnects uint64 `json:"reconnects"`
	Backlog    int    `json:"backlog"`
}

type bridgeStats struct {
	published  atomic.Uint64
	failed     atomic.Uint64
	buffered   atomic.Uint64
	dropped    atomic.Uint64
	bytesSent  atomic.Uint64
	reconnects atomic.Uint64
}

// outbound is one serialized event waiting for the broker.
type outbound struct {
	topic   string
	payload []byte
}

// Bridge subscribes to the event bus and publishes every event as JSON
// under <TopicPrefix>/<event topic with slashes>. Events arriving while
// the broker is unreachable are buffered; when the buffer fills the
// oldest event is dropped.
type Bridge struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Registry
	bus     *eventbus.Bus

	mu        sync.RWMutex
	client    pahomqtt.Client
	connected atomic.Bool
	started   atomic.Bool
	subID     uint64
	events    <-chan domain.Event
	buffer    chan outbound
	done      chan struct{}
	wg        sync.WaitGroup
	stats     bridgeStats
}

// New creates an MQTT bridge reading from bus. metricsReg may be nil.
func New(cfg Config, bus *eventbus.Bus, logger zerolog.Logger, metricsReg *metrics.Registry) *Bridge {
	if cfg.BrokerURL == "" {
		cfg.BrokerURL = "tcp://localhost:1883"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "lithium-devmanager"
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "observatory"
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}

	return &Bridge{
		cfg:     cfg,
		logger:  logger.With().Str("component", "mqtt-bridge").Logger(),
		metrics: metricsReg,
		bus:     bus,
		buffer:  make(chan outbound, cfg.BufferSize),
		done:    make(chan struct{}),
	}
}

// Start connects to the broker, subscribes to the bus, and launches the
// pump and flush goroutines.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("mqtt bridge already started")
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(b.cfg.BrokerURL)
	opts.SetClientID(b.cfg.ClientID)
	opts.SetCleanSession(b.cfg.CleanSession)
	opts.SetKeepAlive(b.cfg.KeepAlive)
	opts.SetConnectTimeout(b.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(b.cfg.ReconnectDelay)

	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	if b.cfg.TLSEnabled {
		tlsConfig, err := b.tlsConfig()
		if err != nil {
			b.started.Store(false)
			return fmt.Errorf("mqtt tls config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)
	opts.SetReconnectingHandler(b.onReconnecting)

	client := pahomqtt.NewClient(opts)
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()

	b.logger.Info().Str("broker", b.cfg.BrokerURL).Msg("Connecting to MQTT broker")
	token := client.Connect()
	connectDone := make(chan bool, 1)
	go func() { connectDone <- token.WaitTimeout(b.cfg.ConnectTimeout) }()
	select {
	case ok := <-connectDone:
		if !ok {
			b.started.Store(false)
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if err := token.Error(); err != nil {
			b.started.Store(false)
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, err)
		}
	case <-ctx.Done():
		b.started.Store(false)
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}
	b.connected.Store(true)

	if b.bus != nil {
		b.events, b.subID = b.bus.SubscribeChannel(b.cfg.BufferSize, eventbus.Filter{})
		b.wg.Add(1)
		go b.pump()
	}
	b.wg.Add(1)
	go b.flush()

	b.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// Stop unsubscribes from the bus, drains what it can, and disconnects.
func (b *Bridge) Stop() {
	if !b.started.Load() {
		return
	}
	b.logger.Info().Msg("Disconnecting from MQTT broker")

	if b.bus != nil {
		b.bus.Unsubscribe(b.subID)
	}
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	b.wg.Wait()

	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(1000)
	}
	b.connected.Store(false)
	b.logger.Info().Msg("Disconnected from MQTT broker")
}

// eventTopic maps a bus event to its broker topic: dots in the routing
// key become slashes under the prefix.
func (b *Bridge) eventTopic(ev domain.Event) string {
	return b.cfg.TopicPrefix + "/" + strings.ReplaceAll(ev.Type.Topic(), ".", "/")
}

// pump serializes bus events into the outbound buffer.
func (b *Bridge) pump() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case ev, ok := <-b.events:
			if !ok {
				return
			}
			payload, err := ev.ToJSON()
			if err != nil {
				b.logger.Error().Err(err).Str("topic", ev.Type.Topic()).Msg("Failed to serialize event")
				continue
			}
			b.enqueue(outbound{topic: b.eventTopic(ev), payload: payload})
		}
	}
}

// enqueue buffers one message, dropping the oldest when full.
func (b *Bridge) enqueue(msg outbound) {
	select {
	case b.buffer <- msg:
		b.stats.buffered.Add(1)
	default:
		select {
		case <-b.buffer:
			b.stats.dropped.Add(1)
			b.logger.Warn().Msg("Event buffer full, dropped oldest message")
		default:
		}
		select {
		case b.buffer <- msg:
			b.stats.buffered.Add(1)
		default:
			b.stats.dropped.Add(1)
		}
	}
	if b.metrics != nil {
		b.metrics.UpdateMQTTBufferSize(len(b.buffer))
	}
}

// flush publishes buffered messages while connected and parks while the
// broker is away.
func (b *Bridge) flush() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			b.drain()
			return
		case msg := <-b.buffer:
			if b.connected.Load() {
				if err := b.publish(msg); err != nil {
					b.logger.Warn().Err(err).Str("topic", msg.topic).Msg("Failed to publish event")
				}
			} else {
				b.requeue(msg)
				select {
				case <-b.done:
					b.drain()
					return
				case <-time.After(100 * time.Millisecond):
				}
			}
			if b.metrics != nil {
				b.metrics.UpdateMQTTBufferSize(len(b.buffer))
			}
		}
	}
}

// requeue puts a message back without blocking; if the buffer refilled
// in the meantime the message is dropped.
func (b *Bridge) requeue(msg outbound) {
	select {
	case b.buffer <- msg:
	default:
		b.stats.dropped.Add(1)
	}
}

// drain gives pending messages a bounded window to reach the broker.
func (b *Bridge) drain() {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-b.buffer:
			if !b.connected.Load() {
				b.stats.dropped.Add(1)
				continue
			}
			if err := b.publish(msg); err != nil {
				b.logger.Warn().Err(err).Str("topic", msg.topic).Msg("Failed to drain buffered message")
			}
		case <-timeout:
			if remaining := len(b.buffer); remaining > 0 {
				b.logger.Warn().Int("count", remaining).Msg("Timeout draining buffer, messages dropped")
			}
			return
		default:
			return
		}
	}
}

func (b *Bridge) publish(msg outbound) error {
	b.mu.RLock()
	client := b.client
	b.mu.RUnlock()
	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	token := client.Publish(msg.topic, b.cfg.QoS, b.cfg.Retain, msg.payload)
	if !token.WaitTimeout(b.cfg.PublishTimeout) {
		b.stats.failed.Add(1)
		if b.metrics != nil {
			b.metrics.RecordMQTTPublish(false)
		}
		return fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
	}
	if err := token.Error(); err != nil {
		b.stats.failed.Add(1)
		if b.metrics != nil {
			b.metrics.RecordMQTTPublish(false)
		}
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, err)
	}

	b.stats.published.Add(1)
	b.stats.bytesSent.Add(uint64(len(msg.payload)))
	if b.metrics != nil {
		b.metrics.RecordMQTTPublish(true)
	}
	return nil
}

// tlsConfig builds the TLS client configuration from the configured
// certificate files.
func (b *Bridge) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if b.cfg.TLSCAFile != "" {
		caCert, err := os.ReadFile(b.cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("parse CA certificate")
		}
		cfg.RootCAs = pool
	}
	if b.cfg.TLSCertFile != "" && b.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(b.cfg.TLSCertFile, b.cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func (b *Bridge) onConnect(pahomqtt.Client) {
	b.connected.Store(true)
	b.logger.Info().Msg("MQTT connection established")
}

func (b *Bridge) onConnectionLost(_ pahomqtt.Client, err error) {
	b.connected.Store(false)
	b.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (b *Bridge) onReconnecting(pahomqtt.Client, *pahomqtt.ClientOptions) {
	b.stats.reconnects.Add(1)
	b.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected reports whether the broker connection is up.
func (b *Bridge) IsConnected() bool {
	return b.connected.Load()
}

// Stats returns a snapshot of bridge activity.
func (b *Bridge) Stats() Stats {
	return Stats{
		Published:  b.stats.published.Load(),
		Failed:     b.stats.failed.Load(),
		Buffered:   b.stats.buffered.Load(),
		Dropped:    b.stats.dropped.Load(),
		BytesSent:  b.stats.bytesSent.Load(),
		Reconnects: b.stats.reconnects.Load(),
		Backlog:    len(b.buffer),
	}
}

// HealthCheck implements the health checker interface.
func (b *Bridge) HealthCheck(context.Context) error {
	if !b.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}
