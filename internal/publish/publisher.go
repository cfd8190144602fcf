// Package publish forwards calibration events to MQTT.
package publish

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"probe-calib/internal/calib"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// DefaultPrefix is the topic prefix used when none is configured.
const DefaultPrefix = "probecalib"

const publishTimeout = 2 * time.Second

// Message is the JSON payload of every published event.
type Message struct {
	ID        string        `json:"id"`
	Serial    string        `json:"sn"`
	Kind      string        `json:"kind"`
	Axis      string        `json:"axis,omitempty"`
	Result    *ResultFields `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// ResultFields is the wire form of calib.Result.
type ResultFields struct {
	Transform    [4][4]float64 `json:"transform"`
	Scale        [3]float64    `json:"scale"`
	Residual     float64       `json:"residual"`
	MeanResidual float64       `json:"meanResidual"`
	StdResidual  float64       `json:"stdResidual"`
	Ranges       [3]float64    `json:"ranges"`
	Points       int           `json:"points"`
	Refined      bool          `json:"refined"`
}

func resultFields(r *calib.Result) *ResultFields {
	if r == nil {
		return nil
	}
	return &ResultFields{
		Transform:    r.Matrix,
		Scale:        [3]float64{r.Scale.X, r.Scale.Y, r.Scale.Z},
		Residual:     r.Residual,
		MeanResidual: r.MeanResidual,
		StdResidual:  r.StdResidual,
		Ranges:       [3]float64{r.Ranges.X, r.Ranges.Y, r.Ranges.Z},
		Points:       r.Points,
		Refined:      r.Refined,
	}
}

// Publisher publishes calibration events under a topic prefix:
//
//	<prefix>/<sn>/axis/<x|y|z>
//	<prefix>/<sn>/progress
//	<prefix>/<sn>/complete
//	<prefix>/<sn>/error
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	retain bool
	logger *log.Logger

	mu   sync.Mutex
	sent int
}

// NewPublisher creates a publisher. A nil logger uses log.Default().
func NewPublisher(client mqtt.Client, prefix string, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.Default()
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{
		client: client,
		prefix: prefix,
		qos:    1,
		retain: false,
		logger: logger,
	}
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}

// Topic returns the topic an event is published on.
func (p *Publisher) Topic(ev calib.Event) string {
	switch ev.Kind {
	case calib.EventAxisComplete:
		return fmt.Sprintf("%s/%s/axis/%s", p.prefix, ev.Serial, ev.Axis)
	case calib.EventConverged:
		return fmt.Sprintf("%s/%s/complete", p.prefix, ev.Serial)
	}
	return fmt.Sprintf("%s/%s/progress", p.prefix, ev.Serial)
}

// PublishEvent publishes one calibration event.
func (p *Publisher) PublishEvent(ev calib.Event) error {
	msg := Message{
		Serial: ev.Serial,
		Kind:   ev.Kind.String(),
		Result: resultFields(ev.Result),
	}
	if ev.Kind == calib.EventAxisComplete {
		msg.Axis = ev.Axis.String()
	}
	return p.publish(p.Topic(ev), msg)
}

// PublishError reports a condition that halted calibration of serial.
func (p *Publisher) PublishError(serial string, cause error) error {
	msg := Message{Serial: serial, Kind: "error", Error: cause.Error()}
	return p.publish(fmt.Sprintf("%s/%s/error", p.prefix, serial), msg)
}

func (p *Publisher) publish(topic string, msg Message) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}
	msg.ID = uuid.New().String()
	msg.Timestamp = time.Now().Unix()

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling %s event: %w", msg.Kind, err)
	}

	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}

	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
	if msg.Kind != calib.EventProgress.String() {
		p.logger.Printf("Published %s for %s to %s", msg.Kind, msg.Serial, topic)
	}
	return nil
}

// Sent returns the number of messages published.
func (p *Publisher) Sent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent
}
