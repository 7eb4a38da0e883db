package mesh

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// PlanMessage is a planning request received over MQTT or HTTP. Rooms come
// either from POI ids or from a building floor. Grid resolution and loss
// budget are required; only the command line fills them from configuration.
type PlanMessage struct {
	RequestID      string  `json:"requestId,omitempty"`
	PoiIDs         []int   `json:"poiIds,omitempty"`
	BuildingID     int     `json:"buildingId,omitempty"`
	Z              *int    `json:"z,omitempty"`
	GridResolution float64 `json:"gridResolution,omitempty"`
	MaxPathLoss    float64 `json:"maxPathLoss,omitempty"`
}

// Validate checks that the message names a room source and carries a
// positive grid resolution and loss budget
func (m PlanMessage) Validate() error {
	if err := m.ValidateSource(); err != nil {
		return err
	}
	// Negated so NaN is rejected too
	if !(m.GridResolution > 0) {
		return fmt.Errorf("plan message: gridResolution must be positive, got %v: %w", m.GridResolution, ErrInvalidInput)
	}
	if !(m.MaxPathLoss > 0) {
		return fmt.Errorf("plan message: maxPathLoss must be positive, got %v: %w", m.MaxPathLoss, ErrInvalidInput)
	}
	return nil
}

// ValidateSource checks only the room source, for views that do not plan
func (m PlanMessage) ValidateSource() error {
	if len(m.PoiIDs) == 0 && m.BuildingID == 0 {
		return fmt.Errorf("plan message: poiIds or buildingId is required: %w", ErrInvalidInput)
	}
	if len(m.PoiIDs) == 0 && m.Z == nil {
		return fmt.Errorf("plan message: z is required with buildingId: %w", ErrInvalidInput)
	}
	return nil
}

// RequestHandler is called for every plan request received over MQTT.
// A decode error is passed with a nil message.
type RequestHandler func(msg *PlanMessage, err error)

// Service availability payloads on the status topic
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// MQTTClient manages the MQTT connection, the request subscription and the
// underlying client used for publishing.
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	requestHandler RequestHandler
	isConnected    bool
	mu             sync.RWMutex

	stop     chan struct{}
	stopOnce sync.Once
}

// mqttSettings is the broker configuration after environment overrides
type mqttSettings struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// mqttSettings resolves the MQTT_* environment over the mqtt config section
func (c *Config) mqttSettings() mqttSettings {
	s := mqttSettings{
		Broker:   firstNonEmpty(os.Getenv("MQTT_BROKER"), c.MQTT.Broker),
		ClientID: firstNonEmpty(os.Getenv("MQTT_CLIENT_ID"), c.MQTT.ClientID, "apmesh"),
		Username: firstNonEmpty(os.Getenv("MQTT_USERNAME"), c.MQTT.Username),
		Prefix:   firstNonEmpty(os.Getenv("MQTT_PUBLISH_PREFIX"), c.MQTT.PublishPrefix, "apmesh"),
	}
	if s.Username != "" {
		s.Password = firstNonEmpty(os.Getenv("MQTT_PASSWORD"), c.MQTT.Password)
	}
	return s
}

// RequestTopic returns the topic plan requests arrive on
func (c *Config) RequestTopic() string {
	return c.mqttSettings().Prefix + "/requests"
}

// StatusTopic returns the retained service availability topic
func (c *Config) StatusTopic() string {
	return c.mqttSettings().Prefix + "/status"
}

// clientOptions builds the paho options for s. The broker marks the service
// offline through the will when the connection drops.
func (c *MQTTClient) clientOptions(s mqttSettings) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.Broker)
	opts.SetClientID(s.ClientID)
	if s.Username != "" {
		opts.SetUsername(s.Username)
		opts.SetPassword(s.Password)
	}

	opts.SetWill(s.Prefix+"/status", StatusOffline, 1, true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	// Keep the request subscription across reconnects
	opts.SetCleanSession(false)
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(c.onReconnecting)
	return opts
}

// InitMQTT creates the MQTT client and starts connecting in the background.
// With neither MQTT_BROKER nor mqtt.broker set MQTT is disabled and it
// returns nil, nil.
func InitMQTT(config *Config, handler RequestHandler) (*MQTTClient, error) {
	if config == nil {
		return nil, fmt.Errorf("MQTT: no configuration provided")
	}

	s := config.mqttSettings()
	if s.Broker == "" {
		log.Println("[MQTT] disabled: MQTT_BROKER not set")
		return nil, nil
	}

	c := &MQTTClient{
		config:         config,
		requestHandler: handler,
		stop:           make(chan struct{}),
	}
	c.client = mqtt.NewClient(c.clientOptions(s))

	go c.connectWithRetry(time.Second, 60*time.Second)

	return c, nil
}

// connectWithRetry connects with exponential backoff until it succeeds or
// Disconnect is called
func (c *MQTTClient) connectWithRetry(delay, maxDelay time.Duration) {
	for {
		log.Println("[MQTT] Connecting to broker...")

		token := c.client.Connect()
		switch {
		case !token.WaitTimeout(10 * time.Second):
			log.Println("[MQTT] connection timeout")
		case token.Error() != nil:
			log.Printf("[MQTT] connection failed: %v", token.Error())
		default:
			log.Println("[MQTT] Connected to broker")
			c.setConnected(true)
			return
		}

		log.Printf("[MQTT] Retrying connection in %v...", delay)
		select {
		case <-c.stop:
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, maxDelay)
	}
}

// onConnect marks the service online and (re)subscribes to requests
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	status := c.config.StatusTopic()
	if token := client.Publish(status, 1, true, StatusOnline); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] Error publishing %s: %v", status, token.Error())
	}

	if c.requestHandler == nil {
		return
	}
	topic := c.config.RequestTopic()
	log.Printf("[MQTT] Subscribing to %s", topic)
	token := client.Subscribe(topic, 1, c.handleRequest)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] Error subscribing to %s: %v", topic, token.Error())
	}
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] connection lost (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] reconnecting...")
}

// handleRequest decodes a plan request and hands it to the request handler
func (c *MQTTClient) handleRequest(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	log.Printf("[MQTT] Received plan request (topic: %s, size: %d bytes)", msg.Topic(), len(payload))

	var req PlanMessage
	if err := json.Unmarshal(payload, &req); err != nil {
		c.requestHandler(nil, fmt.Errorf("decoding plan request: %w: %w", err, ErrInvalidInput))
		return
	}
	if err := req.Validate(); err != nil {
		c.requestHandler(&req, err)
		return
	}
	c.requestHandler(&req, nil)
}

// IsConnected reports whether the broker connection is up
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect stops a pending connect loop, marks the service offline and
// closes the connection
func (c *MQTTClient) Disconnect() {
	c.stopOnce.Do(func() {
		if c.stop != nil {
			close(c.stop)
		}
	})
	if c.client == nil || !c.client.IsConnected() {
		return
	}

	log.Println("[MQTT] Disconnecting from broker...")
	if c.config != nil {
		token := c.client.Publish(c.config.StatusTopic(), 1, true, StatusOffline)
		token.WaitTimeout(2 * time.Second)
	}
	c.client.Disconnect(250)
	c.setConnected(false)
}

// GetClient returns the underlying client for the Publisher
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps an existing client, for tests
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler RequestHandler) *MQTTClient {
	return &MQTTClient{
		client:         client,
		config:         config,
		requestHandler: handler,
		stop:           make(chan struct{}),
	}
}
