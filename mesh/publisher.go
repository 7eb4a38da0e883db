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

// APSummary is one access point as published
type APSummary struct {
	Index     int     `json:"index"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Covers    int     `json:"covers"`
}

// PlanSummary is the JSON payload published for a finished plan
type PlanSummary struct {
	ID           string           `json:"id"`
	RequestID    string           `json:"requestId,omitempty"`
	Timestamp    int64            `json:"timestamp"`
	Rooms        int              `json:"rooms"`
	Samples      int              `json:"samples"`
	Unreached    int              `json:"unreached"`
	FloorArea    float64          `json:"floorArea"`
	MinIntensity *float64         `json:"minIntensity,omitempty"`
	DurationsMs  map[string]int64 `json:"durationsMs"`
	APs          []APSummary      `json:"aps"`
}

// PlanFailure is published when a requested plan fails
type PlanFailure struct {
	RequestID string `json:"requestId,omitempty"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error"`
	Timestamp int64  `json:"timestamp"`
}

// Summarize converts a plan result into its published form
func Summarize(res *PlanResult, requestID string) *PlanSummary {
	s := &PlanSummary{
		ID:          res.ID,
		RequestID:   requestID,
		Timestamp:   res.CreatedAt.Unix(),
		Rooms:       res.Stats.Rooms,
		Samples:     res.Stats.Samples,
		Unreached:   res.Stats.Unreached,
		FloorArea:   res.Stats.FloorArea,
		DurationsMs: make(map[string]int64, len(res.Stats.Durations)),
		APs:         make([]APSummary, 0, res.Stats.APs),
	}
	for stage, d := range res.Stats.Durations {
		s.DurationsMs[stage] = d.Milliseconds()
	}
	if v, ok := res.Intensity.Min(); ok {
		s.MinIntensity = &v
	}

	covers := res.CoverageOf()
	for _, ap := range res.APs() {
		geo := Unproject(res.Floor.Origin, ap.Point)
		s.APs = append(s.APs, APSummary{
			Index:     ap.Index,
			X:         ap.Point[0],
			Y:         ap.Point[1],
			Longitude: geo.Longitude,
			Latitude:  geo.Latitude,
			Covers:    len(covers[ap.Index]),
		})
	}
	return s
}

// Publisher publishes plan summaries to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	latest        *PlanSummary
	mu            sync.RWMutex
}

// NewPublisher creates a new plan publisher
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client) *Publisher {
	prefix := os.Getenv("MQTT_PUBLISH_PREFIX")
	if prefix == "" {
		prefix = "apmesh"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           1,    // Plans are rare and worth delivering
		retain:        true, // Retain for latest plan
	}
}

// SetPrefix overrides the topic prefix
func (p *Publisher) SetPrefix(prefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prefix != "" {
		p.publishPrefix = prefix
	}
}

// Prefix returns the topic prefix
func (p *Publisher) Prefix() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.publishPrefix
}

// PublishPlan publishes a plan to {prefix}/plans/{id} and {prefix}/plans/latest
func (p *Publisher) PublishPlan(res *PlanResult, requestID string) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	summary := Summarize(res, requestID)
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshaling plan summary: %w", err)
	}

	p.mu.Lock()
	p.latest = summary
	prefix := p.publishPrefix
	p.mu.Unlock()

	if err := p.publish(fmt.Sprintf("%s/plans/%s", prefix, summary.ID), payload); err != nil {
		log.Printf("[MQTT] Error publishing plan %s: %v", summary.ID, err)
		return err
	}
	if err := p.publish(fmt.Sprintf("%s/plans/latest", prefix), payload); err != nil {
		log.Printf("[MQTT] Error publishing latest plan: %v", err)
		return err
	}

	log.Printf("[MQTT] Published plan %s: %d APs", summary.ID, len(summary.APs))
	return nil
}

// PublishFailure publishes a failed request to {prefix}/plans/errors
func (p *Publisher) PublishFailure(requestID string, planErr error) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(PlanFailure{
		RequestID: requestID,
		Outcome:   Outcome(planErr),
		Error:     planErr.Error(),
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshaling plan failure: %w", err)
	}

	// Failures are events, not state
	topic := fmt.Sprintf("%s/plans/errors", p.Prefix())
	token := p.client.Publish(topic, p.qos, false, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

func (p *Publisher) publish(topic string, payload []byte) error {
	p.mu.RLock()
	qos, retain := p.qos, p.retain
	p.mu.RUnlock()

	token := p.client.Publish(topic, qos, retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// Latest returns the last published plan summary
func (p *Publisher) Latest() (*PlanSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.latest != nil
}

// SetQoS sets the QoS level for publishing
func (p *Publisher) SetQoS(qos byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.qos = qos
}

// SetRetain sets whether messages should be retained
func (p *Publisher) SetRetain(retain bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retain = retain
}
