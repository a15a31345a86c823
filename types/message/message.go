package message

import (
	"time"

	"github.com/mqttcore/broker/encoding"
)

// Message is the stored form of a retained message (spec §4.4/C4): it is
// written once by a PUBLISH with the retain flag set and handed back
// unmodified to every future subscriber that matches its topic, until a
// zero-length payload deletes it or MessageExpiryInterval elapses. Unlike
// an inflight outbound publish it is never redelivered with backoff, so it
// carries no DUP/attempt bookkeeping — that lives on session.PendingMessage
// for the QoS retry path instead.
type Message struct {
	PacketID         uint16
	Topic            string
	Payload          []byte
	QoS              encoding.QoS
	Retain           bool
	Properties       map[string]interface{}
	CreatedAt        time.Time
	ExpiryInterval   uint32
	MessageExpirySet bool
}

// NewMessage creates a retained-message record. packetID is retained only
// for parity with the PUBLISH that produced it; retained storage itself is
// keyed by topic, not packet-id.
func NewMessage(packetID uint16, topic string, payload []byte, qos encoding.QoS, retain bool, properties map[string]interface{}) *Message {
	msg := &Message{
		PacketID:   packetID,
		Topic:      topic,
		Payload:    payload,
		QoS:        qos,
		Retain:     retain,
		Properties: properties,
		CreatedAt:  time.Now(),
	}

	if properties != nil {
		if expiry, ok := properties["MessageExpiryInterval"].(uint32); ok {
			msg.ExpiryInterval = expiry
			msg.MessageExpirySet = true
		}
	}

	return msg
}

// IsExpired checks if the message has expired
func (m *Message) IsExpired() bool {
	if !m.MessageExpirySet || m.ExpiryInterval == 0 {
		return false
	}
	return time.Since(m.CreatedAt) >= time.Duration(m.ExpiryInterval)*time.Second
}

// RemainingExpiry returns the remaining expiry time in seconds
func (m *Message) RemainingExpiry() uint32 {
	if !m.MessageExpirySet || m.ExpiryInterval == 0 {
		return 0
	}
	elapsed := uint32(time.Since(m.CreatedAt).Seconds())
	if elapsed >= m.ExpiryInterval {
		return 0
	}
	return m.ExpiryInterval - elapsed
}

// Clone creates a deep copy of the message. The retained store returns
// the same *Message to every matching subscriber; callers that need to
// mutate a copy (e.g. to cap QoS per-subscriber before delivery) use this
// instead of touching the stored original.
func (m *Message) Clone() *Message {
	payload := make([]byte, len(m.Payload))
	copy(payload, m.Payload)

	properties := make(map[string]interface{})
	for k, v := range m.Properties {
		properties[k] = v
	}

	return &Message{
		PacketID:         m.PacketID,
		Topic:            m.Topic,
		Payload:          payload,
		QoS:              m.QoS,
		Retain:           m.Retain,
		Properties:       properties,
		CreatedAt:        m.CreatedAt,
		ExpiryInterval:   m.ExpiryInterval,
		MessageExpirySet: m.MessageExpirySet,
	}
}
