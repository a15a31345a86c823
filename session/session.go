package session

import (
	"sync"
	"time"

	"github.com/mqttcore/broker/idalloc"
)

// State represents the session state
type State byte

const (
	StateNew          State = iota // Session is newly created
	StateActive                    // Session is active with a connected client
	StateDisconnected              // Session is disconnected but not expired
	StateExpired                   // Session has expired
)

// WillMessage represents the MQTT will message
type WillMessage struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	Properties map[string]interface{}
}

// Session represents an MQTT session
type Session struct {
	mu sync.RWMutex

	ClientID          string
	CleanStart        bool
	State             State
	ExpiryInterval    uint32 // Session expiry interval in seconds (0 = no expiry for persistent session)
	CreatedAt         time.Time
	LastAccessedAt    time.Time
	DisconnectedAt    time.Time
	WillMessage       *WillMessage
	WillDelayInterval uint32 // Will delay interval in seconds

	// Subscription data
	Subscriptions map[string]*Subscription // topic filter -> subscription

	// QoS message state
	PendingPublish map[uint16]*PendingMessage // PacketID -> message (QoS 1,2 outbound not acked)
	PendingPubrel  map[uint16]struct{}        // PacketID -> marker (QoS 2 inbound waiting for PUBREL)
	PendingPubcomp map[uint16]struct{}        // PacketID -> marker (QoS 2 outbound waiting for PUBCOMP)

	// inflightSeq is the secondary sequence index over PendingPublish (§4.6:
	// inflight messages are indexable by sequence, packet-id, and expiry
	// timer simultaneously). Appended to on every AddPendingPublish; an entry
	// is removed by RemovePendingPublish as soon as its ack arrives, so the
	// FIFO replay order of the rest survives acks arriving out of order.
	inflightSeq []uint16

	// OfflineQueue holds messages queued while the session has no connection
	// or its packet-id pool is exhausted; drained FIFO on reconnect.
	OfflineQueue []*PendingMessage

	// packetIDs is the interval-compressed free pool backing packet-id
	// allocation (spec §4.2), shared by QoS 1 and QoS 2 outbound messages.
	packetIDs *idalloc.Pool

	// expiryTimer fires BecomeOffline's onExpire callback once the session
	// has been disconnected for ExpiryInterval seconds. Cancelled by Renew.
	expiryTimer *time.Timer

	// Maximum packet size
	MaxPacketSize uint32

	// Receive maximum (max inflight)
	ReceiveMaximum uint16

	// Protocol version
	ProtocolVersion byte
}

// Subscription represents a topic subscription
type Subscription struct {
	TopicFilter            string
	QoS                    byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32
	SubscribedAt           time.Time
}

// PendingMessage represents a message waiting for acknowledgment
type PendingMessage struct {
	PacketID      uint16
	Topic         string
	Payload       []byte
	QoS           byte
	Retain        bool
	DUP           bool
	Properties    map[string]interface{}
	Timestamp     time.Time
	AttemptCount  int
	LastAttemptAt time.Time
}

// MarkAttempt records a (re)send attempt, used by the broker's retry sweep
// to pace exponential backoff between resends of an unacked message.
func (m *PendingMessage) MarkAttempt() {
	m.AttemptCount++
	m.LastAttemptAt = time.Now()
	m.DUP = m.AttemptCount > 1
}

// New creates a new session
func New(clientID string, cleanStart bool, expiryInterval uint32, protocolVersion byte) *Session {
	now := time.Now()
	return &Session{
		ClientID:        clientID,
		CleanStart:      cleanStart,
		State:           StateNew,
		ExpiryInterval:  expiryInterval,
		CreatedAt:       now,
		LastAccessedAt:  now,
		Subscriptions:   make(map[string]*Subscription),
		PendingPublish:  make(map[uint16]*PendingMessage),
		PendingPubrel:   make(map[uint16]struct{}),
		PendingPubcomp:  make(map[uint16]struct{}),
		packetIDs:       idalloc.NewPacketIDPool(),
		ReceiveMaximum:  65535, // Default maximum
		ProtocolVersion: protocolVersion,
	}
}

// SetActive marks the session as active
func (s *Session) SetActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateActive
	s.LastAccessedAt = time.Now()
}

// SetDisconnected marks the session as disconnected
func (s *Session) SetDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateDisconnected
	s.DisconnectedAt = time.Now()
}

// SetExpired marks the session as expired
func (s *Session) SetExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateExpired
}

// IsExpired checks if the session has expired
func (s *Session) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.ExpiryInterval == 0 && !s.CleanStart {
		return false // Persistent session with no expiry
	}

	if s.State == StateDisconnected && s.ExpiryInterval > 0 {
		return time.Since(s.DisconnectedAt) > time.Duration(s.ExpiryInterval)*time.Second
	}

	return s.State == StateExpired
}

// Touch updates the last accessed time
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastAccessedAt = time.Now()
}

// SetWillMessage sets the will message for the session
func (s *Session) SetWillMessage(will *WillMessage, delayInterval uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WillMessage = will
	s.WillDelayInterval = delayInterval
}

// ClearWillMessage clears the will message
func (s *Session) ClearWillMessage() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WillMessage = nil
}

// GetWillMessage returns the will message if present
func (s *Session) GetWillMessage() *WillMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.WillMessage
}

// ShouldPublishWill checks if will message should be published
func (s *Session) ShouldPublishWill() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.WillMessage == nil {
		return false
	}

	if s.WillDelayInterval == 0 {
		return true
	}

	return time.Since(s.DisconnectedAt) >= time.Duration(s.WillDelayInterval)*time.Second
}

// BecomeOffline transitions the session out of its active connection,
// recording the moment of disconnect and arming a one-shot expiry timer
// when ExpiryInterval is finite and non-zero (spec §4.6). Inflight and
// received-but-unreleased state (PendingPublish/PendingPubrel) is already
// indexed independently of the connection, so no copy is needed here.
// onExpire runs on the timer's own goroutine once the deadline passes;
// callers typically use it to drop the session from the registry.
func (s *Session) BecomeOffline(onExpire func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.State = StateDisconnected
	s.DisconnectedAt = time.Now()

	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
	if s.ExpiryInterval > 0 && onExpire != nil {
		s.expiryTimer = time.AfterFunc(time.Duration(s.ExpiryInterval)*time.Second, onExpire)
	}
}

// Renew reattaches a new connection to a session that may have been
// offline. It cancels any pending expiry timer. When cleanStart is true,
// the will is handed to sendWill immediately and QoS 2 receive-side state
// is cleared (the new connection starts from a clean slate); otherwise
// PendingPubrel/PendingPubcomp are left intact for replay and the will is
// suppressed, per spec §4.6.
func (s *Session) Renew(cleanStart bool, sendWill func(*WillMessage)) {
	s.mu.Lock()
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}

	var will *WillMessage
	if cleanStart {
		will = s.WillMessage
		s.WillMessage = nil
		s.PendingPubrel = make(map[uint16]struct{})
		s.PendingPubcomp = make(map[uint16]struct{})
	}
	s.State = StateActive
	s.LastAccessedAt = time.Now()
	s.mu.Unlock()

	if will != nil && sendWill != nil {
		sendWill(will)
	}
}

// AddSubscription adds a subscription to the session
func (s *Session) AddSubscription(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions[sub.TopicFilter] = sub
}

// RemoveSubscription removes a subscription from the session
func (s *Session) RemoveSubscription(topicFilter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.Subscriptions, topicFilter)
}

// GetSubscription returns a subscription by topic filter
func (s *Session) GetSubscription(topicFilter string) (*Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.Subscriptions[topicFilter]
	return sub, ok
}

// GetAllSubscriptions returns all subscriptions
func (s *Session) GetAllSubscriptions() map[string]*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := make(map[string]*Subscription, len(s.Subscriptions))
	for k, v := range s.Subscriptions {
		subs[k] = v
	}
	return subs
}

// ClearSubscriptions removes all subscriptions
func (s *Session) ClearSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions = make(map[string]*Subscription)
}

// NextPacketID allocates the next packet ID from the interval-compressed
// free pool (spec §4.2). It returns (0, false) when the pool is exhausted;
// callers must fall back to offline-queueing the message (spec §4.6).
func (s *Session) NextPacketID() (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packetIDs.Allocate()
}

// ReleasePacketID returns a packet ID to the free pool. Called on terminal
// ack: PUBACK for QoS 1, PUBCOMP for QoS 2.
func (s *Session) ReleasePacketID(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packetIDs.Release(id)
}

// AddPendingPublish adds a pending publish message, appending its packet-id
// to the sequence index (§4.6) unless it is already inflight.
func (s *Session) AddPendingPublish(msg *PendingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.PendingPublish[msg.PacketID]; !exists {
		s.inflightSeq = append(s.inflightSeq, msg.PacketID)
	}
	s.PendingPublish[msg.PacketID] = msg
}

// RemovePendingPublish removes a pending publish message and its entry in
// the sequence index.
func (s *Session) RemovePendingPublish(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.PendingPublish, packetID)
	for i, id := range s.inflightSeq {
		if id == packetID {
			s.inflightSeq = append(s.inflightSeq[:i], s.inflightSeq[i+1:]...)
			break
		}
	}
}

// SendInflightMessages returns pending publishes in their original send
// order, for replay on reconnect before the offline queue is drained
// (spec §4.6).
func (s *Session) SendInflightMessages() []*PendingMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*PendingMessage, 0, len(s.inflightSeq))
	for _, id := range s.inflightSeq {
		if msg, ok := s.PendingPublish[id]; ok {
			out = append(out, msg)
		}
	}
	return out
}

// EnqueueOffline appends a message to the offline queue, used when the
// session has no connection or its packet-id pool is exhausted.
func (s *Session) EnqueueOffline(msg *PendingMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OfflineQueue = append(s.OfflineQueue, msg)
}

// SendAllOfflineMessages drains the offline queue FIFO, for replay after
// inflight messages on reconnect (spec §4.6).
func (s *Session) SendAllOfflineMessages() []*PendingMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.OfflineQueue
	s.OfflineQueue = nil
	return out
}

// HasOfflineMessages reports whether messages are queued offline.
func (s *Session) HasOfflineMessages() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.OfflineQueue) > 0
}

// GetPendingPublish returns a pending publish message
func (s *Session) GetPendingPublish(packetID uint16) (*PendingMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.PendingPublish[packetID]
	return msg, ok
}

// GetAllPendingPublish returns all pending publish messages
func (s *Session) GetAllPendingPublish() map[uint16]*PendingMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := make(map[uint16]*PendingMessage, len(s.PendingPublish))
	for k, v := range s.PendingPublish {
		msgs[k] = v
	}
	return msgs
}

// AddPendingPubrel adds a pending PUBREL marker
func (s *Session) AddPendingPubrel(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PendingPubrel[packetID] = struct{}{}
}

// RemovePendingPubrel removes a pending PUBREL marker
func (s *Session) RemovePendingPubrel(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.PendingPubrel, packetID)
}

// HasPendingPubrel checks if a PUBREL is pending
func (s *Session) HasPendingPubrel(packetID uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.PendingPubrel[packetID]
	return ok
}

// AddPendingPubcomp adds a pending PUBCOMP marker
func (s *Session) AddPendingPubcomp(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PendingPubcomp[packetID] = struct{}{}
}

// RemovePendingPubcomp removes a pending PUBCOMP marker
func (s *Session) RemovePendingPubcomp(packetID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.PendingPubcomp, packetID)
}

// HasPendingPubcomp checks if a PUBCOMP is pending
func (s *Session) HasPendingPubcomp(packetID uint16) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.PendingPubcomp[packetID]
	return ok
}

// Clear clears all session data
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions = make(map[string]*Subscription)
	s.PendingPublish = make(map[uint16]*PendingMessage)
	s.PendingPubrel = make(map[uint16]struct{})
	s.PendingPubcomp = make(map[uint16]struct{})
	s.inflightSeq = nil
	s.OfflineQueue = nil
	s.WillMessage = nil
	if s.expiryTimer != nil {
		s.expiryTimer.Stop()
		s.expiryTimer = nil
	}
}

// GetState returns the current state
func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// GetClientID returns the client ID
func (s *Session) GetClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ClientID
}

// GetCleanStart returns the clean start flag
func (s *Session) GetCleanStart() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.CleanStart
}

// GetExpiryInterval returns the expiry interval
func (s *Session) GetExpiryInterval() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ExpiryInterval
}

// UpdateExpiryInterval updates the session expiry interval
func (s *Session) UpdateExpiryInterval(interval uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExpiryInterval = interval
}
