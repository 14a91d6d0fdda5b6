// Package mqtt publishes DFS status events to an MQTT broker.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"github.com/markus-lassfolk/dfsd/pkg"
	"github.com/markus-lassfolk/dfsd/pkg/logx"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("not connected to MQTT broker")

// Client publishes every status event to <prefix>/<iface>/event and keeps
// a retained interface summary on <prefix>/<iface>/state.
type Client struct {
	client MQTT.Client
	logger *logx.Logger
	config *Config

	mu          sync.Mutex
	connected   bool
	lastPublish time.Time
	states      map[string]*State
	dropped     int

	queue   chan *QueuedMessage
	limiter *rate.Limiter

	// publish delivers one message; replaced in tests
	publish func(msg *QueuedMessage) error
}

// Config holds MQTT configuration
type Config struct {
	Broker      string  `json:"broker"`
	Port        int     `json:"port"`
	ClientID    string  `json:"client_id"`
	Username    string  `json:"username"`
	Password    string  `json:"-"`
	TopicPrefix string  `json:"topic_prefix"`
	QoS         int     `json:"qos"`
	Retain      bool    `json:"retain"`
	Enabled     bool    `json:"enabled"`
	QueueSize   int     `json:"queue_size"`
	RateLimit   float64 `json:"rate_limit"` // messages per second
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:      "localhost",
		Port:        1883,
		ClientID:    "dfsd",
		TopicPrefix: "dfsd",
		QoS:         1,
		QueueSize:   256,
		RateLimit:   10,
	}
}

// QueuedMessage is a message waiting to be published
type QueuedMessage struct {
	Topic   string
	Payload []byte
	QoS     int
	Retain  bool
	Time    time.Time
}

// State is the retained per-interface summary.
type State struct {
	Iface     string        `json:"iface"`
	Status    string        `json:"status"`
	Freq      int           `json:"freq,omitempty"`
	Channel   int           `json:"chan,omitempty"`
	Width     int           `json:"width,omitempty"`
	CF1       int           `json:"cf1,omitempty"`
	CF2       int           `json:"cf2,omitempty"`
	LastEvent pkg.EventType `json:"last_event"`
	Updated   time.Time     `json:"updated"`
}

// NewClient creates a new MQTT client
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	size := config.QueueSize
	if size <= 0 {
		size = 256
	}
	limit := rate.Limit(config.RateLimit)
	if config.RateLimit <= 0 {
		limit = rate.Inf
	}
	c := &Client{
		logger:  logger,
		config:  config,
		states:  make(map[string]*State),
		queue:   make(chan *QueuedMessage, size),
		limiter: rate.NewLimiter(limit, 5),
	}
	c.publish = c.publishDirect
	return c
}

// Connect establishes connection to MQTT broker
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = MQTT.NewClient(opts)

	// With connect retry the token only completes once connected, so do
	// not wait for it here.
	c.client.Connect()
	c.logger.Info("MQTT client connecting", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect disconnects from MQTT broker
func (c *Client) Disconnect() {
	if c.client == nil {
		return
	}
	c.client.Disconnect(250)
	c.setConnected(false)
	c.logger.Info("MQTT client disconnected")
}

func (c *Client) onConnect(client MQTT.Client) {
	c.setConnected(true)
	c.logger.Info("MQTT connection established")
	c.republishStates()
}

func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.setConnected(false)
	c.logger.Error("MQTT connection lost", "error", err)
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && c.client != nil && c.client.IsConnected()
}

// GetLastPublish returns the timestamp of the last publish
func (c *Client) GetLastPublish() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPublish
}

// Dropped returns how many messages were dropped on a full queue.
func (c *Client) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// EventTopic returns the topic events of iface are published on.
func (c *Client) EventTopic(iface string) string {
	return fmt.Sprintf("%s/%s/event", c.config.TopicPrefix, iface)
}

// StateTopic returns the retained state topic of iface.
func (c *Client) StateTopic(iface string) string {
	return fmt.Sprintf("%s/%s/state", c.config.TopicPrefix, iface)
}

// Publish implements pkg.EventSink. It never blocks: messages are queued
// for Run and dropped when the queue is full.
func (c *Client) Publish(e *pkg.Event) {
	if !c.config.Enabled || e == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		c.logger.Warn("Failed to marshal event", "event", string(e.Type), "error", err)
		return
	}
	c.enqueue(&QueuedMessage{Topic: c.EventTopic(e.Iface), Payload: data, QoS: c.config.QoS, Retain: c.config.Retain, Time: e.Timestamp})

	c.mu.Lock()
	st := c.states[e.Iface]
	if st == nil {
		st = &State{Iface: e.Iface, Status: "unknown"}
		c.states[e.Iface] = st
	}
	changed := applyEvent(st, e)
	snapshot := *st
	c.mu.Unlock()

	if changed {
		c.enqueueState(&snapshot)
	}
}

func (c *Client) enqueueState(st *State) {
	data, err := json.Marshal(st)
	if err != nil {
		c.logger.Warn("Failed to marshal state", "iface", st.Iface, "error", err)
		return
	}
	c.enqueue(&QueuedMessage{Topic: c.StateTopic(st.Iface), Payload: data, QoS: c.config.QoS, Retain: true, Time: st.Updated})
}

// republishStates queues every retained state again after a reconnect.
func (c *Client) republishStates() {
	c.mu.Lock()
	states := make([]State, 0, len(c.states))
	for _, st := range c.states {
		states = append(states, *st)
	}
	c.mu.Unlock()
	for i := range states {
		c.enqueueState(&states[i])
	}
}

func (c *Client) enqueue(msg *QueuedMessage) {
	select {
	case c.queue <- msg:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		c.logger.Warn("Message queue full, dropping message", "topic", msg.Topic)
	}
}

// applyEvent folds e into st and reports whether the summary changed.
func applyEvent(st *State, e *pkg.Event) bool {
	status := st.Status
	switch e.Type {
	case pkg.EventAPEnabled:
		status = "enabled"
	case pkg.EventAPDisabled:
		status = "disabled"
	case pkg.EventCACStart:
		if e.Background {
			return false
		}
		status = "dfs"
	case pkg.EventACSStarted:
		status = "acs"
	case pkg.EventNoChannel:
		status = "no-channel"
	case pkg.EventCSAFinished, pkg.EventNewChannel:
	default:
		return false
	}
	st.Status = status
	if e.Freq != 0 {
		st.Freq, st.Channel, st.Width, st.CF1, st.CF2 = e.Freq, e.Channel, e.Width, e.CF1, e.CF2
	}
	st.LastEvent = e.Type
	st.Updated = e.Timestamp
	return true
}

// Run publishes queued messages until ctx is cancelled, then disconnects.
func (c *Client) Run(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	defer c.Disconnect()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.queue:
			if err := c.send(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Debug("MQTT publish failed", "topic", msg.Topic, "error", err)
			}
		}
	}
}

func (c *Client) send(ctx context.Context, msg *QueuedMessage) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := c.publish(msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastPublish = time.Now()
	c.mu.Unlock()
	return nil
}

// publishDirect publishes a single message directly
func (c *Client) publishDirect(msg *QueuedMessage) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(msg.Topic, byte(msg.QoS), msg.Retain, msg.Payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", msg.Topic, token.Error())
	}
	return nil
}
