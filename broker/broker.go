package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/mqttcore/broker/encoding"
	"github.com/mqttcore/broker/hook"
	"github.com/mqttcore/broker/session"
	"github.com/mqttcore/broker/topic"
	"github.com/mqttcore/broker/types/message"
	"golang.org/x/sync/errgroup"
)

// Retain-handling options for SUBSCRIBE (MQTT5 §3.8.3.1).
const (
	RetainHandlingSendAll byte = iota
	RetainHandlingSendIfNew
	RetainHandlingNever
)

// Config holds broker-wide limits enforced by the dispatcher (spec §6's
// BrokerConfig, minus transport/TLS/CLI fields which belong to pkg/config).
type Config struct {
	ReceiveMaximum          uint16
	TopicAliasMaximum       uint16
	SessionExpiryCeiling    uint32
	MaxStoredTopics         int
	MaximumQoS              byte
	RetainedCleanupInterval time.Duration

	// Retry sweep parameters for unacked QoS 1/2 outbound messages (spec §9
	// open question 1 — re-send behavior for a lost PUBREC), grounded on the
	// teacher's qos.Handler exponential-backoff retry loop.
	RetryInterval    time.Duration
	RetryBackoff     float64
	MaxRetryInterval time.Duration
	MaxRetries       int
}

// DefaultConfig returns sensible broker-level defaults.
func DefaultConfig() Config {
	return Config{
		ReceiveMaximum:          65535,
		TopicAliasMaximum:       65535,
		SessionExpiryCeiling:    0, // 0 = no ceiling
		MaxStoredTopics:         0, // 0 = unbounded
		MaximumQoS:              2,
		RetainedCleanupInterval: 5 * time.Minute,
		RetryInterval:           5 * time.Second,
		RetryBackoff:            2.0,
		MaxRetryInterval:        2 * time.Minute,
		MaxRetries:              5,
	}
}

// Broker is the session-and-routing dispatcher (C7): it owns the session
// registry, delegates C3 subscription matching to topic.Router and C4
// retained-message lookup to topic.RetainedManager, and drives the
// per-connection protocol state machine described in spec §4.7.
type Broker struct {
	mu sync.RWMutex

	config       Config
	sessions     map[string]*session.Session // clientID -> session (registry by client-id)
	conns        map[string]*Conn            // clientID -> live connection, absent when offline
	router       *topic.Router
	retained     *topic.RetainedManager
	sessionStore session.Store
	hooks        *hook.Manager

	retryTicker *time.Ticker
	retryStop   chan struct{}
	retryWG     sync.WaitGroup
	closeOnce   sync.Once
}

// New creates a Broker. sessionStore may be a session.MemoryStore or a
// pluggable Pebble/Redis-backed session.Store (session package, §11); hooks
// may be nil to run without any auth/ACL/rate-limit hook installed. The
// retained store runs its own background expiry sweep at
// cfg.RetainedCleanupInterval (spec §4.4 cleanup_expired).
func New(cfg Config, sessionStore session.Store, hooks *hook.Manager) *Broker {
	if hooks == nil {
		hooks = hook.NewManager()
	}
	b := &Broker{
		config:       cfg,
		sessions:     make(map[string]*session.Session),
		conns:        make(map[string]*Conn),
		router:       topic.NewRouter(),
		sessionStore: sessionStore,
		hooks:        hooks,
		retryStop:    make(chan struct{}),
	}
	b.retained = topic.NewRetainedManager(&topic.RetainedConfig{
		CleanupInterval: cfg.RetainedCleanupInterval,
		OnExpired: func(topics []string) {
			for _, t := range topics {
				b.hooks.OnRetainedExpired(t)
			}
		},
	})

	if cfg.RetryInterval > 0 {
		b.retryTicker = time.NewTicker(cfg.RetryInterval)
		b.retryWG.Add(1)
		go b.retryLoop()
	}

	return b
}

// Close stops the retained-message cleanup sweep and the retry loop.
// Callers that own a Broker's lifetime should call this on shutdown.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.retryTicker != nil {
			close(b.retryStop)
			b.retryTicker.Stop()
			b.retryWG.Wait()
		}
		err = b.retained.Close()
	})
	return err
}

// retryLoop periodically resends unacked QoS 1/2 outbound messages across
// every connected session, per spec §9 open question 1.
func (b *Broker) retryLoop() {
	defer b.retryWG.Done()
	for {
		select {
		case <-b.retryTicker.C:
			b.resendOverdue()
		case <-b.retryStop:
			return
		}
	}
}

// resendOverdue walks every session with a live connection and resends any
// PendingPublish entry whose backoff interval has elapsed, marking it DUP.
// Entries past MaxRetries are dropped from PendingPublish and their
// packet-id released; the teacher's qos.Handler drops silently at that
// point too (no further redelivery guarantee beyond MaxRetries).
func (b *Broker) resendOverdue() {
	b.mu.RLock()
	type target struct {
		sess *session.Session
		conn *Conn
	}
	targets := make([]target, 0, len(b.sessions))
	for clientID, sess := range b.sessions {
		if conn, ok := b.conns[clientID]; ok {
			targets = append(targets, target{sess: sess, conn: conn})
		}
	}
	b.mu.RUnlock()

	now := time.Now()
	for _, t := range targets {
		for _, msg := range t.sess.GetAllPendingPublish() {
			interval := b.calculateRetryInterval(msg.AttemptCount)
			if msg.AttemptCount > 0 && now.Sub(msg.LastAttemptAt) < interval {
				continue
			}
			if msg.AttemptCount >= b.config.MaxRetries {
				t.sess.RemovePendingPublish(msg.PacketID)
				t.sess.ReleasePacketID(msg.PacketID)
				continue
			}

			msg.MarkAttempt()
			out := &OutboundPublish{
				PacketID: msg.PacketID, Topic: msg.Topic, Payload: msg.Payload,
				QoS: msg.QoS, Retain: msg.Retain, DUP: msg.DUP, Properties: msg.Properties,
			}
			_ = t.conn.deliverer.Deliver(t.sess.ClientID, out)
		}
	}
}

// calculateRetryInterval applies exponential backoff to RetryInterval,
// capped at MaxRetryInterval, mirroring the teacher's qos.Handler.
func (b *Broker) calculateRetryInterval(attemptCount int) time.Duration {
	if attemptCount == 0 {
		return b.config.RetryInterval
	}
	backoff := 1.0
	for i := 0; i < attemptCount-1; i++ {
		backoff *= b.config.RetryBackoff
	}
	interval := time.Duration(float64(b.config.RetryInterval) * backoff)
	if interval > b.config.MaxRetryInterval {
		interval = b.config.MaxRetryInterval
	}
	return interval
}

// ConnectRequest carries the fields of a CONNECT packet the dispatcher
// needs; byte framing and decoding are a transport-adapter concern, out
// of scope here (spec §1).
type ConnectRequest struct {
	ClientID          string
	Username          string
	Password          []byte
	CleanStart        bool
	ProtocolVersion   byte
	KeepAlive         uint16
	ExpiryInterval    uint32
	ReceiveMaximum    uint16
	TopicAliasMaximum uint16
	Will              *session.WillMessage
	WillDelayInterval uint32
	Deliverer         Deliverer
}

// ConnectResult is returned to the caller after a successful CONNECT so it
// can populate the CONNACK.
type ConnectResult struct {
	Conn           *Conn
	SessionPresent bool

	// AssignedClientID is set when req.ClientID was empty (MQTT5 §3.1.3.1);
	// the caller must echo it back via CONNACK's Assigned Client Identifier
	// property.
	AssignedClientID string
}

// Connect runs the CONNECT branch of the protocol state machine (spec
// §4.7): authenticate, resolve or create the session, and negotiate
// connection-scoped limits. Authentication is delegated to OnConnectAuthenticate
// on the configured hooks; ErrAuthFailed is returned when any hook rejects it.
func (b *Broker) Connect(ctx context.Context, req ConnectRequest) (*ConnectResult, error) {
	var assignedClientID string
	if req.ClientID == "" {
		if req.ProtocolVersion < 5 {
			return nil, ErrInvalidClientID
		}
		generated, err := b.generateClientID()
		if err != nil {
			return nil, err
		}
		req.ClientID = generated
		assignedClientID = generated
	}

	hookClient := &hook.Client{
		ID:              req.ClientID,
		Username:        req.Username,
		CleanStart:      req.CleanStart,
		ProtocolVersion: req.ProtocolVersion,
		KeepAlive:       req.KeepAlive,
	}
	hookConnect := &hook.ConnectPacket{
		ProtocolVersion: req.ProtocolVersion,
		CleanStart:      req.CleanStart,
		KeepAlive:       req.KeepAlive,
		ClientID:        req.ClientID,
		Username:        req.Username,
		Password:        req.Password,
	}
	if !b.hooks.OnConnectAuthenticate(hookClient, hookConnect) {
		return nil, ErrAuthFailed
	}

	expiryInterval := req.ExpiryInterval
	if b.config.SessionExpiryCeiling > 0 && expiryInterval > b.config.SessionExpiryCeiling {
		expiryInterval = b.config.SessionExpiryCeiling
	}

	b.mu.Lock()

	// Session takeover: an existing live connection for this client-id is
	// displaced (spec §4.7 CONNECT handling).
	if existingConn, ok := b.conns[req.ClientID]; ok {
		existingConn.State = StateDisconnecting
		delete(b.conns, req.ClientID)
	}

	sess, sessionPresent := b.sessions[req.ClientID]
	if sessionPresent && req.CleanStart {
		sess.Clear()
		sess.CleanStart = true
		sess.ExpiryInterval = expiryInterval
		sessionPresent = false
	} else if !sessionPresent {
		sess = session.New(req.ClientID, req.CleanStart, expiryInterval, req.ProtocolVersion)
	}
	b.sessions[req.ClientID] = sess
	b.mu.Unlock()

	sess.Renew(req.CleanStart, func(will *session.WillMessage) {
		b.publishWill(ctx, req.ClientID, will)
	})
	if req.Will != nil {
		sess.SetWillMessage(req.Will, req.WillDelayInterval)
	}

	receiveMaximum := req.ReceiveMaximum
	if receiveMaximum == 0 || receiveMaximum > b.config.ReceiveMaximum {
		receiveMaximum = b.config.ReceiveMaximum
	}
	aliasMax := req.TopicAliasMaximum
	if aliasMax > b.config.TopicAliasMaximum {
		aliasMax = b.config.TopicAliasMaximum
	}

	conn := newConn(req.ClientID, req.Username, req.ProtocolVersion, receiveMaximum, aliasMax, aliasMax, req.Deliverer)

	b.mu.Lock()
	b.conns[req.ClientID] = conn
	b.mu.Unlock()

	if b.sessionStore != nil {
		_ = b.sessionStore.Save(ctx, sess)
	}

	b.replayOnReconnect(conn, sess)

	return &ConnectResult{Conn: conn, SessionPresent: sessionPresent, AssignedClientID: assignedClientID}, nil
}

// generateClientID produces a server-assigned client identifier for MQTT5
// clients that CONNECT with an empty Client Identifier (spec §3.1.3.1:
// Assigned Client Identifier). Grounded on session.Manager.GenerateClientID:
// 16 random bytes, hex-encoded, retried against a collision with a live
// session up to 10 times before giving up.
func (b *Broker) generateClientID() (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		candidate := hex.EncodeToString(buf)

		b.mu.RLock()
		_, exists := b.sessions[candidate]
		b.mu.RUnlock()
		if !exists {
			return candidate, nil
		}
	}
	return "", ErrInvalidClientID
}

// replayOnReconnect sends inflight messages then drains the offline queue,
// in that order, per spec §4.6 send_inflight_messages/send_all_offline_messages.
func (b *Broker) replayOnReconnect(conn *Conn, sess *session.Session) {
	for _, msg := range sess.SendInflightMessages() {
		b.deliverNow(conn, sess, msg)
	}
	for _, msg := range sess.SendAllOfflineMessages() {
		b.deliverNow(conn, sess, msg)
	}
}

// SubscribeEntry is one SUBSCRIBE payload entry.
type SubscribeEntry struct {
	Filter                 string
	QoS                    byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32
}

// SubscribeResult reports per-entry outcome for a SUBACK.
type SubscribeResult struct {
	GrantedQoS byte
	Err        error
}

// Subscribe runs the SUBSCRIBE branch (spec §4.6 subscribe / §4.7 SUBSCRIBE):
// registers with the router, replays retained messages per RetainHandling,
// and reports a granted QoS (capped at the broker's MaximumQoS) per entry.
func (b *Broker) Subscribe(ctx context.Context, conn *Conn, sess *session.Session, entries []SubscribeEntry) []SubscribeResult {
	results := make([]SubscribeResult, len(entries))
	hookClient := &hook.Client{ID: conn.ClientID, Username: conn.Username, ProtocolVersion: conn.ProtocolVersion}

	for i, entry := range entries {
		if !b.hooks.OnACLCheck(hookClient, entry.Filter, hook.AccessTypeRead) {
			results[i] = SubscribeResult{Err: ErrACLDenied}
			continue
		}

		grantedQoS := entry.QoS
		if grantedQoS > b.config.MaximumQoS {
			grantedQoS = b.config.MaximumQoS
		}

		_, alreadySubscribed := sess.GetSubscription(entry.Filter)

		sub := &topic.Subscription{
			ClientID:               conn.ClientID,
			TopicFilter:            entry.Filter,
			QoS:                    grantedQoS,
			NoLocal:                entry.NoLocal,
			RetainAsPublished:      entry.RetainAsPublished,
			RetainHandling:         entry.RetainHandling,
			SubscriptionIdentifier: entry.SubscriptionIdentifier,
		}
		if err := b.router.Subscribe(sub); err != nil {
			results[i] = SubscribeResult{Err: err}
			continue
		}

		sess.AddSubscription(&session.Subscription{
			TopicFilter:            entry.Filter,
			QoS:                    grantedQoS,
			NoLocal:                entry.NoLocal,
			RetainAsPublished:      entry.RetainAsPublished,
			RetainHandling:         entry.RetainHandling,
			SubscriptionIdentifier: entry.SubscriptionIdentifier,
			SubscribedAt:           time.Now(),
		})

		results[i] = SubscribeResult{GrantedQoS: grantedQoS}

		replay := entry.RetainHandling == RetainHandlingSendAll ||
			(entry.RetainHandling == RetainHandlingSendIfNew && !alreadySubscribed)
		if replay {
			b.replayRetained(ctx, conn, sess, entry)
		}
	}

	return results
}

// replayRetained sends every retained message matching filter to conn,
// honoring RetainAsPublished and capping QoS at the granted subscription QoS.
func (b *Broker) replayRetained(ctx context.Context, conn *Conn, sess *session.Session, entry SubscribeEntry) {
	matches, err := b.retained.Match(ctx, entry.Filter, topic.NewTopicMatcher())
	if err != nil {
		return
	}
	for _, msg := range matches {
		pending := &session.PendingMessage{
			Topic:      msg.Topic,
			Payload:    msg.Payload,
			QoS:        minByte(byte(msg.QoS), entry.QoS),
			Retain:     entry.RetainAsPublished,
			Properties: msg.Properties,
			Timestamp:  time.Now(),
		}
		b.deliverNow(conn, sess, pending)
	}
}

// Unsubscribe runs the UNSUBSCRIBE branch (spec §4.6 unsubscribe).
func (b *Broker) Unsubscribe(sess *session.Session, clientID string, filters []string) {
	for _, filter := range filters {
		b.router.Unsubscribe(clientID, filter)
		sess.RemoveSubscription(filter)
	}
}

// PublishRequest carries an inbound PUBLISH's fields after alias resolution.
type PublishRequest struct {
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	PacketID   uint16
	Properties map[string]interface{}
}

// Publish runs the PUBLISH branch (spec §4.7): stores/clears the retained
// message, then fans out to every matching subscriber via C3, picking one
// session per shared-subscription group.
func (b *Broker) Publish(ctx context.Context, conn *Conn, req PublishRequest) error {
	hookClient := &hook.Client{ID: conn.ClientID, Username: conn.Username, ProtocolVersion: conn.ProtocolVersion}
	if !b.hooks.OnACLCheck(hookClient, req.Topic, hook.AccessTypeWrite) {
		return ErrACLDenied
	}
	if err := b.hooks.OnPublish(hookClient, &hook.PublishPacket{
		PacketID: req.PacketID, Topic: req.Topic, Payload: req.Payload,
		QoS: req.QoS, Retain: req.Retain, Properties: hook.Properties(req.Properties),
		ProtocolVersion: conn.ProtocolVersion, Origin: conn.ClientID,
	}); err != nil {
		return err
	}

	if req.QoS == 2 {
		sess := b.Session(conn.ClientID)
		if sess != nil {
			if sess.HasPendingPubrel(req.PacketID) {
				// Re-sent QoS 2 PUBLISH (e.g. the PUBREC we sent for it was
				// lost): the packet-id is already received-but-unreleased, so
				// the caller should re-send PUBREC but the payload must not
				// be fanned out to subscribers a second time (spec §4.7, P5).
				return nil
			}
			sess.AddPendingPubrel(req.PacketID)
			conn.recvPubrec[req.PacketID] = struct{}{}
		}
	}

	if req.Retain {
		msg := message.NewMessage(0, req.Topic, req.Payload, encoding.QoS(req.QoS), true, req.Properties)
		if b.config.MaxStoredTopics > 0 {
			count, _ := b.retained.Count(ctx)
			if len(req.Payload) > 0 {
				if _, err := b.retained.Get(ctx, req.Topic); err != nil && int(count) >= b.config.MaxStoredTopics {
					return ErrMaxStoredTopics
				}
			}
		}
		if err := b.retained.Set(ctx, req.Topic, msg); err != nil {
			return err
		}
	}

	subscribers := b.router.MatchWithPublisher(req.Topic, conn.ClientID)

	g, _ := errgroup.WithContext(ctx)
	for _, sub := range subscribers {
		sub := sub
		g.Go(func() error {
			b.deliverToSubscriber(ctx, sub, req)
			return nil
		})
	}
	_ = g.Wait()

	return nil
}

// deliverToSubscriber resolves sub.ClientID to a live session and delivers
// req to it, respecting the subscriber's granted QoS.
func (b *Broker) deliverToSubscriber(ctx context.Context, sub topic.SubscriberInfo, req PublishRequest) {
	b.mu.RLock()
	sess, ok := b.sessions[sub.ClientID]
	conn := b.conns[sub.ClientID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	qos := minByte(req.QoS, sub.QoS)
	retain := req.Retain && sub.RetainAsPublished

	pending := &session.PendingMessage{
		Topic:      req.Topic,
		Payload:    req.Payload,
		QoS:        qos,
		Retain:     retain,
		Properties: req.Properties,
		Timestamp:  time.Now(),
	}

	b.deliverNow(conn, sess, pending)
}

// deliverNow attempts immediate delivery over conn (allocating a packet-id
// for QoS >= 1); on any failure — no connection, transport error, or
// packet-id exhaustion — it falls back to the session's offline queue,
// matching spec §4.6's publish(msg) operation.
func (b *Broker) deliverNow(conn *Conn, sess *session.Session, msg *session.PendingMessage) {
	if conn == nil || conn.deliverer == nil {
		sess.EnqueueOffline(msg)
		return
	}

	out := &OutboundPublish{
		Topic:      msg.Topic,
		Payload:    msg.Payload,
		QoS:        msg.QoS,
		Retain:     msg.Retain,
		DUP:        msg.DUP,
		Properties: msg.Properties,
	}

	if msg.QoS > 0 {
		id, ok := sess.NextPacketID()
		if !ok {
			sess.EnqueueOffline(msg)
			return
		}
		msg.PacketID = id
		out.PacketID = id
		sess.AddPendingPublish(msg)
	}

	if err := conn.deliverer.Deliver(sess.ClientID, out); err != nil {
		if msg.QoS > 0 {
			sess.RemovePendingPublish(msg.PacketID)
			sess.ReleasePacketID(msg.PacketID)
		}
		sess.EnqueueOffline(msg)
	}
}

// Puback runs the PUBACK branch: release the packet-id and drain one
// offline message if queued (spec §4.7).
func (b *Broker) Puback(conn *Conn, sess *session.Session, packetID uint16) {
	sess.RemovePendingPublish(packetID)
	sess.ReleasePacketID(packetID)
	b.drainOneOffline(conn, sess)
}

// Pubrec runs the PUBREC branch for a QoS 2 outbound message: the entry
// stays inflight (transitioned to pubrel-expected) until PUBCOMP.
func (b *Broker) Pubrec(sess *session.Session, packetID uint16) {
	sess.AddPendingPubcomp(packetID)
}

// Pubrel runs the PUBREL branch for a QoS 2 inbound message: it is no
// longer "received but unreleased".
func (b *Broker) Pubrel(conn *Conn, sess *session.Session, packetID uint16) {
	sess.RemovePendingPubrel(packetID)
	if conn != nil {
		delete(conn.recvPubrec, packetID)
	}
}

// Pubcomp runs the PUBCOMP branch: release the packet-id and drain.
func (b *Broker) Pubcomp(conn *Conn, sess *session.Session, packetID uint16) {
	sess.RemovePendingPublish(packetID)
	sess.RemovePendingPubcomp(packetID)
	sess.ReleasePacketID(packetID)
	b.drainOneOffline(conn, sess)
}

// drainOneOffline sends a single queued offline message now that a
// packet-id has freed up, mirroring the teacher's step-at-a-time ack-driven
// draining instead of flushing the whole queue inline on the ack path.
func (b *Broker) drainOneOffline(conn *Conn, sess *session.Session) {
	if !sess.HasOfflineMessages() {
		return
	}
	queued := sess.SendAllOfflineMessages()
	if len(queued) == 0 {
		return
	}
	b.deliverNow(conn, sess, queued[0])
	for _, msg := range queued[1:] {
		sess.EnqueueOffline(msg)
	}
}

// DisconnectReason mirrors the MQTT5 DISCONNECT reason-code table (§3.14.2.1),
// grounded on the teacher's network.DisconnectReason.
type DisconnectReason byte

const (
	DisconnectReasonNormal           DisconnectReason = 0x00
	DisconnectReasonServerShutdown   DisconnectReason = 0x8B
	DisconnectReasonKeepAlive        DisconnectReason = 0x8D
	DisconnectReasonSessionTakenOver DisconnectReason = 0x8E
)

// ServerDisconnector is an optional capability a Deliverer may implement to
// accept a server-initiated DISCONNECT (MQTT5 §3.14), e.g. on keep-alive
// timeout or graceful shutdown. A Deliverer that only implements Deliverer
// is still fully functional: Shutdown simply skips the wire notification for
// it and moves straight to tearing down the local connection state.
type ServerDisconnector interface {
	DisconnectServer(clientID string, reason DisconnectReason, reasonString string) error
}

// Shutdown broadcasts a server-shutdown DISCONNECT to every live connection
// and then closes each one, per spec §11's adaptation of the teacher's
// network.GracefulShutdown/DisconnectManager: best-effort notification
// within ctx's deadline, followed by unconditional local teardown so no
// connection is left dangling in the registry.
func (b *Broker) Shutdown(ctx context.Context) error {
	b.mu.RLock()
	conns := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	var g errgroup.Group
	for _, conn := range conns {
		conn := conn
		g.Go(func() error {
			if sd, ok := conn.deliverer.(ServerDisconnector); ok {
				_ = sd.DisconnectServer(conn.ClientID, DisconnectReasonServerShutdown, "server shutting down")
			}
			b.Disconnect(ctx, conn, true)
			return nil
		})
	}
	_ = g.Wait()

	return b.Close()
}

// DisconnectKeepAliveTimeout tears down a connection that missed its
// keep-alive deadline (spec §4.6 become_offline trigger), grounded on the
// teacher's network.KeepAliveManager. The transport adapter (out of scope)
// owns the actual timer and calls this once it fires.
func (b *Broker) DisconnectKeepAliveTimeout(ctx context.Context, conn *Conn) {
	if sd, ok := conn.deliverer.(ServerDisconnector); ok {
		_ = sd.DisconnectServer(conn.ClientID, DisconnectReasonKeepAlive, "keep alive timeout")
	}
	b.Disconnect(ctx, conn, true)
}

// Disconnect runs the DISCONNECT branch (spec §4.7): detach the connection
// and move the session to become_offline, optionally sending the will.
func (b *Broker) Disconnect(ctx context.Context, conn *Conn, sendWill bool) {
	b.mu.Lock()
	if current, ok := b.conns[conn.ClientID]; ok && current == conn {
		delete(b.conns, conn.ClientID)
	}
	b.mu.Unlock()

	conn.State = StateClosed

	sess := b.Session(conn.ClientID)
	if sess == nil {
		return
	}

	if !sendWill {
		sess.ClearWillMessage()
	}

	sess.BecomeOffline(func() {
		b.expireSession(ctx, conn.ClientID)
	})

	if sendWill && sess.WillMessage != nil && sess.ShouldPublishWill() {
		will := sess.GetWillMessage()
		sess.ClearWillMessage()
		b.publishWill(ctx, conn.ClientID, will)
	}
}

// publishWill publishes a will message as an ordinary PUBLISH originating
// from clientID (spec §4.6 send_will).
func (b *Broker) publishWill(ctx context.Context, clientID string, will *session.WillMessage) {
	if will == nil {
		return
	}
	b.dispatchFromServer(ctx, clientID, will.Topic, will.Payload, will.QoS, will.Retain, will.Properties)
}

// dispatchFromServer runs the retain+fanout half of Publish without
// requiring an inbound connection, used for will delivery.
func (b *Broker) dispatchFromServer(ctx context.Context, originClientID, topicName string, payload []byte, qos byte, retain bool, properties map[string]interface{}) {
	req := PublishRequest{Topic: topicName, Payload: payload, QoS: qos, Retain: retain, Properties: properties}

	if retain {
		msg := message.NewMessage(0, topicName, payload, encoding.QoS(qos), true, properties)
		_ = b.retained.Set(ctx, topicName, msg)
	}

	subscribers := b.router.MatchWithPublisher(topicName, originClientID)
	g, _ := errgroup.WithContext(ctx)
	for _, sub := range subscribers {
		sub := sub
		g.Go(func() error {
			b.deliverToSubscriber(ctx, sub, req)
			return nil
		})
	}
	_ = g.Wait()
}

// expireSession drops a session whose expiry timer fired, per spec §4.6
// become_offline's on_expire callback.
func (b *Broker) expireSession(ctx context.Context, clientID string) {
	b.mu.Lock()
	sess, ok := b.sessions[clientID]
	if ok {
		sess.SetExpired()
		delete(b.sessions, clientID)
	}
	delete(b.conns, clientID)
	b.mu.Unlock()

	if ok {
		b.router.UnsubscribeAll(clientID)
		b.hooks.OnClientExpired(clientID)
		if b.sessionStore != nil {
			_ = b.sessionStore.Delete(ctx, clientID)
		}
	}
}

// Session returns the registered session for clientID, or nil.
func (b *Broker) Session(clientID string) *session.Session {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.sessions[clientID]
}

// Conn returns the live connection for clientID, or nil if offline.
func (b *Broker) Conn(clientID string) *Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conns[clientID]
}

// SessionCount returns the number of registered sessions.
func (b *Broker) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

func minByte(a, b byte) byte {
	if a < b {
		return a
	}
	return b
}
