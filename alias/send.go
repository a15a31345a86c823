package alias

import (
	"time"

	"github.com/mqttcore/broker/idalloc"
)

// sendEntry is one alias assignment on the send side, carrying the
// timestamp of its last use for LRU eviction (grounded on
// topic_alias_send.hpp's tag_tp ordered index).
type sendEntry struct {
	topic        string
	lastAccessed time.Time
}

// Send is the send-side topic-alias cache (spec §4.5): a bidirectional
// alias<->topic map plus an LRU timestamp per alias and a free-pool giving
// FirstVacant, so a new topic can be assigned an unused alias before the
// cache resorts to evicting the least-recently-used one.
type Send struct {
	max     uint16
	byAlias map[uint16]*sendEntry
	byTopic map[string]uint16
	pool    *idalloc.Pool
}

// NewSend creates a send-side cache honoring topic_alias_maximum = max.
// Aliases run 1..max (0 is reserved, per invariant I5).
func NewSend(max uint16) *Send {
	var pool *idalloc.Pool
	if max > 0 {
		pool = idalloc.New(1, max)
	}
	return &Send{
		max:     max,
		byAlias: make(map[uint16]*sendEntry),
		byTopic: make(map[string]uint16),
		pool:    pool,
	}
}

// InsertOrUpdate assigns alias to topic, declaring the alias in use in the
// free pool and refreshing its LRU timestamp. Returns ErrOutOfRange if alias
// is 0 or exceeds max.
func (s *Send) InsertOrUpdate(topic string, alias uint16) error {
	if alias == 0 || alias > s.max {
		return ErrOutOfRange
	}
	s.pool.Use(alias) // no-op (false) if already in use by this same alias

	if prev, ok := s.byAlias[alias]; ok && prev.topic != topic {
		delete(s.byTopic, prev.topic)
	}
	s.byAlias[alias] = &sendEntry{topic: topic, lastAccessed: time.Now()}
	s.byTopic[topic] = alias
	return nil
}

// FindByAlias returns the topic registered under alias, refreshing its LRU
// timestamp (mirrors topic_alias_send::find(topic_alias_t)).
func (s *Send) FindByAlias(alias uint16) (string, bool) {
	e, ok := s.byAlias[alias]
	if !ok {
		return "", false
	}
	e.lastAccessed = time.Now()
	return e.topic, true
}

// FindByTopic reports the alias currently assigned to topic, if any — used
// to decide whether an existing assignment can be reused instead of minting
// a new one.
func (s *Send) FindByTopic(topic string) (uint16, bool) {
	alias, ok := s.byTopic[topic]
	return alias, ok
}

// GetLRUAlias returns the first vacant alias if one exists; otherwise the
// alias whose entry was least recently accessed. It does not mark anything
// used — callers still call InsertOrUpdate with the chosen alias.
func (s *Send) GetLRUAlias() uint16 {
	if s.max == 0 {
		return 0
	}
	if v, ok := s.pool.FirstVacant(); ok {
		return v
	}

	var lru uint16
	var oldest time.Time
	first := true
	for a, e := range s.byAlias {
		if first || e.lastAccessed.Before(oldest) {
			lru = a
			oldest = e.lastAccessed
			first = false
		}
	}
	return lru
}

// Max returns the negotiated topic_alias_maximum.
func (s *Send) Max() uint16 {
	return s.max
}

// Clear resets the cache, e.g. on reconnect with a fresh session.
func (s *Send) Clear() {
	s.byAlias = make(map[uint16]*sendEntry)
	s.byTopic = make(map[string]uint16)
	if s.max > 0 {
		s.pool = idalloc.New(1, s.max)
	}
}
