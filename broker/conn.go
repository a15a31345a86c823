package broker

import (
	"time"

	"github.com/mqttcore/broker/alias"
)

// ConnState is the per-connection lifecycle state (spec §4.7). The core
// never performs the handshake itself (network/TLS/websocket upgrade is
// out of scope); a transport adapter drives these transitions by calling
// Broker methods in order.
type ConnState byte

const (
	StateListening     ConnState = iota // accepted, no bytes exchanged yet
	StateHandshakeDone                  // transport/TLS handshake complete
	StateWaitConnect                    // waiting for the first CONNECT packet
	StateConnected                      // CONNECT accepted, session attached
	StateDisconnecting                  // DISCONNECT sent or received, tearing down
	StateClosed                         // connection fully torn down
)

// Deliverer is implemented by the transport adapter (out of scope for the
// core) to push an encoded packet to a live connection. Deliver returns an
// error if the underlying transport is gone; the broker treats that as
// "no connection" and falls back to the session's inflight/offline queues.
type Deliverer interface {
	Deliver(clientID string, out *OutboundPublish) error
}

// OutboundPublish is the broker's transport-agnostic view of a PUBLISH
// destined for a specific connection.
type OutboundPublish struct {
	PacketID   uint16
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	DUP        bool
	Properties map[string]interface{}
}

// Conn is the broker's per-connection state: negotiated protocol options
// and the topic-alias caches, which are connection-scoped (spec §4.5) even
// though the session they are attached to may outlive any one connection.
type Conn struct {
	ClientID        string
	Username        string
	ProtocolVersion byte
	State           ConnState
	ConnectedAt     time.Time

	ReceiveMaximum  uint16
	SendAliasMax    uint16
	RecvAliasMax    uint16
	AliasSend       *alias.Send
	AliasRecv       *alias.Recv

	deliverer Deliverer

	// recvPubrec tracks packet-ids this connection has sent PUBREC for but
	// not yet received PUBREL, mirroring session.PendingPubrel for the
	// currently attached connection (spec §4.6 become_offline capture set).
	recvPubrec map[uint16]struct{}
}

// newConn builds the per-connection state after a successful CONNECT,
// negotiating topic-alias maximums down to whichever side asked for less.
func newConn(clientID, username string, protocolVersion byte, receiveMaximum, sendAliasMax, recvAliasMax uint16, deliverer Deliverer) *Conn {
	return &Conn{
		ClientID:        clientID,
		Username:        username,
		ProtocolVersion: protocolVersion,
		State:           StateConnected,
		ConnectedAt:     time.Now(),
		ReceiveMaximum:  receiveMaximum,
		SendAliasMax:    sendAliasMax,
		RecvAliasMax:    recvAliasMax,
		AliasSend:       alias.NewSend(sendAliasMax),
		AliasRecv:       alias.NewRecv(recvAliasMax),
		deliverer:       deliverer,
		recvPubrec:      make(map[uint16]struct{}),
	}
}
