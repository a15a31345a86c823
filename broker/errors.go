package broker

import "errors"

var (
	// ErrProtocolViolation is returned when a client breaks the MQTT state
	// machine (e.g. any packet before CONNECT, a second CONNECT).
	ErrProtocolViolation = errors.New("broker: protocol violation")

	// ErrSessionTakenOver is returned to the losing side when a new CONNECT
	// for the same client-id displaces an already-connected session.
	ErrSessionTakenOver = errors.New("broker: session taken over by new connection")

	// ErrMaxStoredTopics is returned when a retained-message write would
	// exceed the configured ceiling on distinct retained topics.
	ErrMaxStoredTopics = errors.New("broker: maximum stored retained topics reached")

	// ErrNotConnected is returned when an operation requires an attached
	// connection but the session is currently offline.
	ErrNotConnected = errors.New("broker: session has no active connection")

	// ErrAuthFailed is returned when CONNECT authentication is rejected by
	// the configured hooks.
	ErrAuthFailed = errors.New("broker: authentication failed")

	// ErrACLDenied is returned when a PUBLISH or SUBSCRIBE is rejected by
	// the configured ACL hooks.
	ErrACLDenied = errors.New("broker: access denied by ACL")

	// ErrInvalidClientID is returned for a v3.1.1 CONNECT with an empty
	// client-id (v5 instead assigns one, see Broker.Connect).
	ErrInvalidClientID = errors.New("broker: client identifier rejected")
)
