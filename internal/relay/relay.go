// Package relay mirrors race telemetry to an MQTT broker and accepts game
// commands from it.
//
// Topics, under the configured prefix:
//
//	<prefix>/telemetry/<car>     telemetry sample per car (1-based)
//	<prefix>/log                 non-telemetry device lines
//	<prefix>/command             incoming commands {"command","correlation_id"}
//	<prefix>/command/response    command results
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/segmentio/ksuid"
	"go.uber.org/atomic"

	"github.com/shaunagostinho/olr-bridge/internal/protocol"
)

// Config holds MQTT connection settings.
type Config struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"`             // e.g. "tcp://localhost:1883"
	Username    string `yaml:"username" json:"username"`         // Optional
	Password    string `yaml:"password" json:"-"`                // Optional
	ClientID    string `yaml:"client_id" json:"clientId"`        // Generated when empty
	TopicPrefix string `yaml:"topic_prefix" json:"topicPrefix"`  // Root of every topic
	QoS         byte   `yaml:"qos" json:"qos"`                   // 0, 1 or 2
	KeepAlive   int    `yaml:"keep_alive_s" json:"keepAliveS"`   // Seconds
}

// DefaultConfig returns a disabled relay pointed at a local broker.
func DefaultConfig() Config {
	return Config{
		Broker:      "tcp://localhost:1883",
		TopicPrefix: "olr",
		KeepAlive:   60,
	}
}

// Sender executes a command token against the device.
type Sender interface {
	Send(ctx context.Context, token string) (string, error)
}

// CommandMessage is an incoming command.
type CommandMessage struct {
	Command       string `json:"command"`
	CorrelationID string `json:"correlation_id"`
}

// CommandResponse is published for every command received.
type CommandResponse struct {
	CorrelationID string    `json:"correlation_id"`
	Command       string    `json:"command"`
	Status        string    `json:"status"` // "success" or "error"
	Response      string    `json:"response"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// TelemetryMessage is the payload of a telemetry topic.
type TelemetryMessage struct {
	Car       int       `json:"car"` // 1-based
	Lap       int       `json:"lap"`
	Position  int       `json:"position"`
	Battery   int       `json:"battery"`
	Timestamp time.Time `json:"timestamp"`
}

// LogMessage is the payload of the log topic.
type LogMessage struct {
	Line      string    `json:"line"`
	Timestamp time.Time `json:"timestamp"`
}

// publisher is the part of mqtt.Client the relay publishes through.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

type outbound struct {
	topic   string
	payload []byte
}

const (
	queueSize      = 256
	publishTimeout = 2 * time.Second
	commandTimeout = 5 * time.Second
)

// Relay is a bridge.Listener that forwards output to MQTT.
type Relay struct {
	cfg    Config
	sender Sender
	client mqtt.Client
	pub    publisher

	queue   chan outbound
	stop    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Int64
	now     func() time.Time
}

// New creates a relay. Nothing connects until Start.
func New(cfg Config, sender Sender) *Relay {
	if cfg.ClientID == "" {
		cfg.ClientID = "olr-bridge-" + ksuid.New().String()
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = DefaultConfig().TopicPrefix
	}
	return &Relay{
		cfg:    cfg,
		sender: sender,
		queue:  make(chan outbound, queueSize),
		stop:   make(chan struct{}),
		now:    time.Now,
	}
}

// Start connects to the broker, subscribes to the command topic and starts
// publishing.
func (r *Relay) Start() error {
	log.Printf("[mqtt] connecting to %s as %s", r.cfg.Broker, r.cfg.ClientID)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(r.cfg.Broker)
	opts.SetClientID(r.cfg.ClientID)
	opts.SetKeepAlive(time.Duration(r.cfg.KeepAlive) * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	if r.cfg.Username != "" {
		opts.SetUsername(r.cfg.Username)
		opts.SetPassword(r.cfg.Password)
	}
	opts.SetOnConnectHandler(r.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[mqtt] connection lost: %v", err)
	})

	r.client = mqtt.NewClient(opts)
	if token := r.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqtt: connect %s: %w", r.cfg.Broker, token.Error())
	}
	r.pub = r.client

	r.run()
	return nil
}

// run starts the publish loop.
func (r *Relay) run() {
	r.wg.Add(1)
	go r.publishLoop()
}

// Stop drains nothing further and disconnects.
func (r *Relay) Stop() {
	close(r.stop)
	r.wg.Wait()
	if r.client != nil && r.client.IsConnected() {
		r.client.Disconnect(250)
		log.Printf("[mqtt] disconnected")
	}
}

// Dropped returns how many messages were discarded because the queue was full.
func (r *Relay) Dropped() int64 { return r.dropped.Load() }

// Telemetry queues a sample for publishing.
func (r *Relay) Telemetry(s protocol.Sample) {
	r.enqueue(r.topic(fmt.Sprintf("telemetry/%d", s.Car+1)), TelemetryMessage{
		Car:       s.Car + 1,
		Lap:       s.Lap,
		Position:  s.Position,
		Battery:   s.Battery,
		Timestamp: r.now(),
	})
}

// Line queues a device line for publishing.
func (r *Relay) Line(line string) {
	r.enqueue(r.topic("log"), LogMessage{Line: line, Timestamp: r.now()})
}

func (r *Relay) topic(suffix string) string {
	return r.cfg.TopicPrefix + "/" + suffix
}

func (r *Relay) enqueue(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("[mqtt] marshal %s: %v", topic, err)
		return
	}
	select {
	case r.queue <- outbound{topic: topic, payload: payload}:
	default:
		r.dropped.Inc()
	}
}

func (r *Relay) publishLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case msg := <-r.queue:
			if err := r.publish(msg.topic, msg.payload); err != nil {
				log.Printf("[mqtt] %v", err)
			}
		}
	}
}

func (r *Relay) publish(topic string, payload []byte) error {
	token := r.pub.Publish(topic, r.cfg.QoS, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s: timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (r *Relay) onConnect(client mqtt.Client) {
	topic := r.topic("command")
	token := client.Subscribe(topic, r.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		go r.handleCommand(msg.Payload())
	})
	if token.Wait() && token.Error() != nil {
		log.Printf("[mqtt] subscribe %s: %v", topic, token.Error())
		return
	}
	log.Printf("[mqtt] subscribed to %s", topic)
}

// handleCommand runs one command message and publishes the result.
func (r *Relay) handleCommand(payload []byte) CommandResponse {
	var cmd CommandMessage
	resp := CommandResponse{Status: "success"}

	if err := json.Unmarshal(payload, &cmd); err != nil {
		resp.Status = "error"
		resp.Error = fmt.Sprintf("invalid command message: %v", err)
	}
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = ksuid.New().String()
	}
	resp.CorrelationID = cmd.CorrelationID
	resp.Command = cmd.Command

	if resp.Status == "success" {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		out, err := r.sender.Send(ctx, cmd.Command)
		cancel()
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
		}
		resp.Response = out
	}
	resp.Timestamp = r.now()

	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("[mqtt] marshal response: %v", err)
		return resp
	}
	if err := r.publish(r.topic("command/response"), data); err != nil {
		log.Printf("[mqtt] %v", err)
	}
	return resp
}
