package topic

import (
	"sync"
	"time"

	"github.com/mqttcore/broker/types/message"
)

// Subscription represents an active subscription with all MQTT 5.0 features
type Subscription struct {
	ClientID               string
	TopicFilter            string
	QoS                    byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32
	SharedGroup            string // For shared subscriptions ($share/groupname/topic)
}

// RetainedMessage represents a retained message
type RetainedMessage struct {
	Message *message.Message
}

// SubscriberInfo contains subscriber metadata for routing
type SubscriberInfo struct {
	ClientID               string
	QoS                    byte
	NoLocal                bool
	RetainAsPublished      bool
	RetainHandling         byte
	SubscriptionIdentifier uint32
}

// sharedMember is one session's membership in a shared-subscription group,
// tracking the last time a publish was routed to it.
type sharedMember struct {
	info         SubscriberInfo
	lastDelivery time.Time
}

// SharedSubscriptionGroup selects one session per publish among the members
// of a $share/<group>/<filter>, picking whichever member received a message
// longest ago (LRU-by-last-delivery), per shared_target.hpp's (share_name, tp)
// ordered index.
type SharedSubscriptionGroup struct {
	groupName string
	members   []*sharedMember
	mu        sync.RWMutex
}

// NewSharedSubscriptionGroup creates a new shared subscription group
func NewSharedSubscriptionGroup(groupName string) *SharedSubscriptionGroup {
	return &SharedSubscriptionGroup{
		groupName: groupName,
		members:   make([]*sharedMember, 0),
	}
}

// AddSubscriber adds a subscriber to the group. A freshly joined member is
// treated as the least-recently-delivered so it receives the next publish
// before any member that already has a delivery history.
func (g *SharedSubscriptionGroup) AddSubscriber(sub SubscriberInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append(g.members, &sharedMember{info: sub})
}

// RemoveSubscriber removes a subscriber from the group
func (g *SharedSubscriptionGroup) RemoveSubscriber(clientID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, m := range g.members {
		if m.info.ClientID == clientID {
			g.members = append(g.members[:i], g.members[i+1:]...)
			return true
		}
	}
	return false
}

// NextSubscriber returns the member with the oldest lastDelivery timestamp
// (zero value sorts first, so never-delivered members win ties) and marks it
// as delivered-to now.
func (g *SharedSubscriptionGroup) NextSubscriber() (SubscriberInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.members) == 0 {
		return SubscriberInfo{}, false
	}

	lru := g.members[0]
	for _, m := range g.members[1:] {
		if m.lastDelivery.Before(lru.lastDelivery) {
			lru = m
		}
	}
	lru.lastDelivery = time.Now()
	return lru.info, true
}

// Size returns the number of subscribers in the group
func (g *SharedSubscriptionGroup) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// GetSubscribers returns all subscribers in the group
func (g *SharedSubscriptionGroup) GetSubscribers() []SubscriberInfo {
	g.mu.RLock()
	defer g.mu.RUnlock()
	result := make([]SubscriberInfo, len(g.members))
	for i, m := range g.members {
		result[i] = m.info
	}
	return result
}
