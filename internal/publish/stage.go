package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/golang/geo/r3"
)

// StageMessage is a stage controller report on <prefix>/<sn>/stage.
type StageMessage struct {
	Local     [3]float64 `json:"local"`
	Timestamp time.Time  `json:"timestamp"`
	Clear     bool       `json:"clear,omitempty"` // Discard collected data for this stage
}

// StageHandler receives decoded stage reports.
type StageHandler interface {
	SelectStage(serial string)
	Serial() string
	UpdateStage(serial string, local r3.Vector, ts time.Time)
}

// StageClearer is optionally implemented by a StageHandler.
type StageClearer interface {
	ClearStage(ctx context.Context, serial string) error
}

// SubscribeStage routes stage reports to h. A report for a stage other than
// the selected one switches detection to it.
func SubscribeStage(client mqtt.Client, prefix string, h StageHandler, logger *log.Logger) error {
	if client == nil {
		return fmt.Errorf("MQTT client not configured")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = log.Default()
	}

	topic := prefix + "/+/stage"
	token := client.Subscribe(topic, 1, func(_ mqtt.Client, m mqtt.Message) {
		serial, ok := stageSerial(prefix, m.Topic())
		if !ok {
			logger.Printf("MQTT: ignoring stage message on %s", m.Topic())
			return
		}
		var msg StageMessage
		if err := json.Unmarshal(m.Payload(), &msg); err != nil {
			logger.Printf("MQTT: bad stage payload for %s: %v", serial, err)
			return
		}

		if msg.Clear {
			if c, ok := h.(StageClearer); ok {
				if err := c.ClearStage(context.Background(), serial); err != nil {
					logger.Printf("MQTT: clear %s: %v", serial, err)
				}
			}
			return
		}

		if h.Serial() != serial {
			h.SelectStage(serial)
		}
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		h.UpdateStage(serial, r3.Vector{X: msg.Local[0], Y: msg.Local[1], Z: msg.Local[2]}, ts)
	})
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("subscribe to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	logger.Printf("MQTT: subscribed to %s", topic)
	return nil
}

// StageOnConnect returns an on-connect hook for NewClient that (re)subscribes
// h to stage reports each time the client connects.
func StageOnConnect(prefix string, h StageHandler, logger *log.Logger) func(mqtt.Client) {
	if logger == nil {
		logger = log.Default()
	}
	return func(c mqtt.Client) {
		if err := SubscribeStage(c, prefix, h, logger); err != nil {
			logger.Printf("MQTT: stage positions unavailable: %v", err)
		}
	}
}

// stageSerial extracts <sn> from <prefix>/<sn>/stage.
func stageSerial(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", false
	}
	serial, ok := strings.CutSuffix(rest, "/stage")
	if !ok || serial == "" || strings.Contains(serial, "/") {
		return "", false
	}
	return serial, true
}
