package topic

import (
	"context"
	"sync"
	"time"

	"github.com/mqttcore/broker/store"
	"github.com/mqttcore/broker/types/message"
)

type RetainedManager struct {
	store           *store.RetainedStore
	cleanupTicker   *time.Ticker
	cleanupInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
	onExpired       func(topics []string)
}

type RetainedConfig struct {
	CleanupInterval time.Duration
	// OnExpired is called with the topic name of every retained message
	// CleanupExpired removed on a sweep (spec §4.4 cleanup_expired), letting
	// the broker fire an OnRetainedExpired hook event per topic.
	OnExpired func(topics []string)
}

func DefaultRetainedConfig() *RetainedConfig {
	return &RetainedConfig{
		CleanupInterval: 5 * time.Minute,
	}
}

func NewRetainedManager(config *RetainedConfig) *RetainedManager {
	if config == nil {
		config = DefaultRetainedConfig()
	}

	if config.CleanupInterval == 0 {
		config.CleanupInterval = 5 * time.Minute
	}

	rm := &RetainedManager{
		store:           store.NewRetainedStore(),
		cleanupInterval: config.CleanupInterval,
		cleanupTicker:   time.NewTicker(config.CleanupInterval),
		stopCh:          make(chan struct{}),
		onExpired:       config.OnExpired,
	}

	rm.wg.Add(1)
	go rm.cleanupLoop()

	return rm
}

func (rm *RetainedManager) Set(ctx context.Context, topic string, msg *message.Message) error {
	return rm.store.Set(ctx, topic, msg)
}

func (rm *RetainedManager) Get(ctx context.Context, topic string) (*message.Message, error) {
	return rm.store.Get(ctx, topic)
}

func (rm *RetainedManager) Delete(ctx context.Context, topic string) error {
	return rm.store.Delete(ctx, topic)
}

func (rm *RetainedManager) Match(ctx context.Context, topicFilter string, matcher store.TopicMatcher) ([]*message.Message, error) {
	return rm.store.Match(ctx, topicFilter, matcher)
}

func (rm *RetainedManager) Count(ctx context.Context) (int64, error) {
	return rm.store.Count(ctx)
}

func (rm *RetainedManager) cleanupLoop() {
	defer rm.wg.Done()

	for {
		select {
		case <-rm.cleanupTicker.C:
			rm.cleanup()
		case <-rm.stopCh:
			return
		}
	}
}

func (rm *RetainedManager) cleanup() {
	ctx := context.Background()
	expired, err := rm.store.CleanupExpired(ctx)
	if err == nil && len(expired) > 0 && rm.onExpired != nil {
		rm.onExpired(expired)
	}
}

func (rm *RetainedManager) Close() error {
	close(rm.stopCh)
	rm.cleanupTicker.Stop()
	rm.wg.Wait()
	return rm.store.Close()
}
