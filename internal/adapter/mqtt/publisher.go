// Package mqtt publishes cycle readings to an MQTT broker with
// automatic reconnection and message buffering.
package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/nexus-edge/modbus-monitor/internal/domain"
	"github.com/nexus-edge/modbus-monitor/internal/metrics"
)

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	CleanSession   bool
	QoS            byte
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	TLSEnabled     bool
	TLSCertFile    string
	TLSKeyFile     string
	TLSCAFile      string
	BufferSize     int
	PublishTimeout time.Duration
	RetainMessages bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "modbus-monitor",
		TopicPrefix:    "modbus",
		CleanSession:   true,
		QoS:            1,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     10000,
		PublishTimeout: 5 * time.Second,
	}
}

// bufferedMessage is a payload waiting for the broker to come back.
type bufferedMessage struct {
	topic   string
	payload []byte
}

// Stats tracks publisher activity.
type Stats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesBuffered  atomic.Uint64
}

// Publisher publishes readings to the MQTT broker. Each reading goes to
// <prefix>/<register name> as a JSON document. While the broker is
// unreachable messages are buffered and the oldest are dropped when the
// buffer fills.
type Publisher struct {
	config  Config
	client  pahomqtt.Client
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu        sync.RWMutex
	connected atomic.Bool
	buffer    chan bufferedMessage
	done      chan struct{}
	wg        sync.WaitGroup
	stats     Stats
}

// NewPublisher creates a publisher. Call Connect before delivering.
func NewPublisher(config Config, logger zerolog.Logger, reg *metrics.Registry) *Publisher {
	if config.BufferSize <= 0 {
		config.BufferSize = 10000
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.TopicPrefix == "" {
		config.TopicPrefix = "modbus"
	}
	return &Publisher{
		config:  config,
		logger:  logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics: reg,
		buffer:  make(chan bufferedMessage, config.BufferSize),
		done:    make(chan struct{}),
	}
}

// Connect establishes the broker connection and starts the buffer
// processor.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(p.config.CleanSession)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	if p.config.TLSEnabled {
		tlsConfig, err := p.createTLSConfig()
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)

	p.mu.Lock()
	p.client = pahomqtt.NewClient(opts)
	client := p.client
	p.mu.Unlock()

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	token := client.Connect()
	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case ok := <-connectDone:
		if !ok {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	p.connected.Store(true)
	p.wg.Add(1)
	go p.processBuffer()

	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// Disconnect stops the buffer processor and closes the connection.
func (p *Publisher) Disconnect() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil && p.client.IsConnected() {
		p.client.Disconnect(1000)
	}
	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// IsConnected reports the broker connection state.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// readingMessage is the wire shape of one published reading.
type readingMessage struct {
	Name      string        `json:"name"`
	Address   uint16        `json:"address"`
	Kind      string        `json:"kind"`
	Values    []interface{} `json:"values"`
	Timestamp time.Time     `json:"timestamp"`
}

// Deliver publishes every reading of the outcome, one message per
// register. Readings that fail to publish are buffered; the first
// publish error is returned.
func (p *Publisher) Deliver(ctx context.Context, outcome domain.CycleOutcome) error {
	var firstErr error
	for _, reading := range outcome.Readings {
		if err := p.publishReading(ctx, reading); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Publisher) publishReading(ctx context.Context, reading domain.Reading) error {
	payload, err := json.Marshal(readingMessage{
		Name:      reading.Name,
		Address:   reading.Address,
		Kind:      string(reading.Kind),
		Values:    reading.Values,
		Timestamp: reading.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, err)
	}

	topic := p.config.TopicPrefix + "/" + sanitizeTopic(reading.Name)
	if !p.connected.Load() {
		p.bufferMessage(topic, payload)
		return nil
	}
	if err := p.publishRaw(ctx, topic, payload); err != nil {
		// Keep the reading for replay once the broker recovers.
		p.bufferMessage(topic, payload)
		return err
	}
	return nil
}

// publishRaw publishes one payload and waits for broker acknowledgment.
func (p *Publisher) publishRaw(ctx context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	token := client.Publish(topic, p.config.QoS, p.config.RetainMessages, payload)
	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	select {
	case ok := <-publishDone:
		if !ok {
			p.recordFailure()
			return fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		}
		if token.Error() != nil {
			p.recordFailure()
			return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
		}
	case <-ctx.Done():
		p.recordFailure()
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	p.stats.MessagesPublished.Add(1)
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(true)
	}
	return nil
}

func (p *Publisher) recordFailure() {
	p.stats.MessagesFailed.Add(1)
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(false)
	}
}

// bufferMessage queues a payload, dropping the oldest entry when full.
// Only messages that actually make it into the buffer are counted.
func (p *Publisher) bufferMessage(topic string, payload []byte) {
	msg := bufferedMessage{topic: topic, payload: payload}
	enqueued := false
	select {
	case p.buffer <- msg:
		enqueued = true
	default:
		select {
		case <-p.buffer:
			p.logger.Warn().Msg("Buffer full, dropped oldest message")
		default:
		}
		select {
		case p.buffer <- msg:
			enqueued = true
		default:
			p.logger.Warn().Str("topic", topic).Msg("Buffer full, message dropped")
		}
	}
	if enqueued {
		p.stats.MessagesBuffered.Add(1)
	}
	if p.metrics != nil {
		p.metrics.UpdateMQTTBufferSize(len(p.buffer))
	}
}

// processBuffer replays buffered messages once the broker is back.
func (p *Publisher) processBuffer() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case msg := <-p.buffer:
			if !p.connected.Load() {
				// Broker still down, put it back and wait.
				select {
				case p.buffer <- msg:
				default:
				}
				select {
				case <-p.done:
					return
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
			if err := p.publishRaw(ctx, msg.topic, msg.payload); err != nil {
				p.logger.Warn().Err(err).Str("topic", msg.topic).Msg("Failed to publish buffered message")
			}
			cancel()
			if p.metrics != nil {
				p.metrics.UpdateMQTTBufferSize(len(p.buffer))
			}
		}
	}
}

// createTLSConfig builds the TLS configuration for secure brokers.
func (p *Publisher) createTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if p.config.TLSCAFile != "" {
		caCert, err := os.ReadFile(p.config.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	if p.config.TLSCertFile != "" && p.config.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(p.config.TLSCertFile, p.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func (p *Publisher) onConnect(pahomqtt.Client) {
	p.connected.Store(true)
	p.logger.Info().Msg("MQTT connection established")
}

func (p *Publisher) onConnectionLost(_ pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// sanitizeTopic replaces characters with special meaning in MQTT topic
// filters.
func sanitizeTopic(name string) string {
	r := strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_")
	return r.Replace(name)
}
