package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// defaultIngressTimeout bounds one MQTT-triggered device call.
const defaultIngressTimeout = 10 * time.Second

// MQTTIngress feeds MQTT command messages through the same dispatch table
// as client channels. The last topic segment is the message type and the
// payload is the data object:
//
//	robotbridge/command/move  {"pan": 10, "tilt": 5}
//
// There is no reply path; status changes show up on the status mirror.
type MQTTIngress struct {
	dispatcher *Dispatcher
	timeout    time.Duration
	logger     Logger
}

// NewMQTTIngress creates an ingress bound to device.
func NewMQTTIngress(device Device, logger Logger) (*MQTTIngress, error) {
	dispatcher, err := NewDispatcher(device)
	if err != nil {
		return nil, err
	}
	return &MQTTIngress{
		dispatcher: dispatcher,
		timeout:    defaultIngressTimeout,
		logger:     logger,
	}, nil
}

// HandleMessage matches the mqtt package's MessageHandler signature.
// Bad payloads and unknown types are logged and dropped; it never returns
// an error so the broker does not see a failed handler.
func (m *MQTTIngress) HandleMessage(topic string, payload []byte) error {
	msgType := topic
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		msgType = topic[i+1:]
	}

	data := map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			m.logDebug("ignoring malformed mqtt command", "topic", topic, "error", err)
			return nil
		}
		if data == nil {
			data = map[string]any{}
		}
	}

	msg := ClientMessage{Type: msgType, Data: data}
	if !m.dispatcher.Known(msg.Type) {
		m.logDebug("ignoring unknown mqtt command", "topic", topic)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.dispatcher.Dispatch(ctx, msg)
	m.logDebug("mqtt command dispatched", "type", msg.Type)
	return nil
}

func (m *MQTTIngress) logDebug(msg string, keysAndValues ...any) {
	if m.logger != nil {
		m.logger.Debug(msg, keysAndValues...)
	}
}
