// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles outbound publishes.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds publish rate limiting settings.
type Config struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"`  // publishes per second across all topics, 0 for no global limit
	Burst   int     `yaml:"burst"` // burst allowance

	// Per-topic limits. Zero TopicRate disables them.
	TopicRate       float64       `yaml:"topic_rate"`
	TopicBurst      int           `yaml:"topic_burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns a disabled limiter configuration with sane values.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		Rate:            10,
		Burst:           10,
		CleanupInterval: 5 * time.Minute,
	}
}

// PublishLimiter limits publishes overall and, optionally, per topic.
type PublishLimiter struct {
	global *rate.Limiter

	mu         sync.Mutex
	topics     map[string]*topicEntry
	topicRate  rate.Limit
	topicBurst int
	cleanup    time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
}

type topicEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a publish limiter. A disabled config yields a nil limiter,
// which allows everything.
func New(cfg Config) *PublishLimiter {
	if !cfg.Enabled {
		return nil
	}

	l := &PublishLimiter{stopCh: make(chan struct{})}
	if cfg.Rate > 0 {
		l.global = rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst)
	}

	if cfg.TopicRate > 0 {
		l.topics = make(map[string]*topicEntry)
		l.topicRate = rate.Limit(cfg.TopicRate)
		l.topicBurst = cfg.TopicBurst
		l.cleanup = cfg.CleanupInterval
		if l.cleanup <= 0 {
			l.cleanup = DefaultConfig().CleanupInterval
		}
		go l.cleanupLoop()
	}

	return l
}

// Allow reports whether a publish to topic may go out now.
func (l *PublishLimiter) Allow(topic string) bool {
	if l == nil {
		return true
	}

	if l.topics != nil && !l.topicLimiter(topic).Allow() {
		return false
	}
	return l.global == nil || l.global.Allow()
}

func (l *PublishLimiter) topicLimiter(topic string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.topics[topic]
	if !ok {
		entry = &topicEntry{limiter: rate.NewLimiter(l.topicRate, l.topicBurst)}
		l.topics[topic] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter
}

// cleanupLoop periodically removes topics not published to recently.
func (l *PublishLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *PublishLimiter) removeStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for topic, entry := range l.topics {
		if entry.lastSeen.Before(threshold) {
			delete(l.topics, topic)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *PublishLimiter) Stop() {
	if l == nil {
		return
	}
	l.stopOnce.Do(func() { close(l.stopCh) })
}
