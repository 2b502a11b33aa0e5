package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthSource samples store health; read-only.
type HealthSource interface {
	SampleHealth(ctx context.Context) (HealthSample, error)
}

// HealthThresholds classifies a sample as degraded.
type HealthThresholds struct {
	MaxLockWaiters    int
	MaxActiveSessions int
	MaxQueryLatency   time.Duration
}

// Flags returns the degradation flags raised by a sample, or nil when
// the store looks healthy.
func (t HealthThresholds) Flags(s HealthSample) []string {
	var flags []string
	if t.MaxLockWaiters > 0 && s.LockWaiters > t.MaxLockWaiters {
		flags = append(flags, fmt.Sprintf("lock_contention:%d", s.LockWaiters))
	}
	if t.MaxQueryLatency > 0 && s.QueryLatency > t.MaxQueryLatency {
		flags = append(flags, fmt.Sprintf("query_latency:%s", s.QueryLatency))
	}
	if t.MaxActiveSessions > 0 && s.ActiveSessions > t.MaxActiveSessions {
		flags = append(flags, fmt.Sprintf("active_sessions:%d", s.ActiveSessions))
	}
	return flags
}

const (
	healthCacheKey = "roleshift:health:latest"
	healthCacheTTL = 30 * time.Second
)

// HealthCache publishes the latest sample to redis so status consumers
// do not hit the store being migrated for health reads.
type HealthCache struct {
	client *redis.Client
}

// NewHealthCache wraps a redis client. A nil client disables caching.
func NewHealthCache(client *redis.Client) *HealthCache {
	return &HealthCache{client: client}
}

type cachedHealth struct {
	Sample HealthSample `json:"sample"`
	Flags  []string     `json:"flags,omitempty"`
}

// Publish stores the sample with a short TTL.
func (c *HealthCache) Publish(ctx context.Context, sample HealthSample, flags []string) error {
	if c == nil || c.client == nil {
		return nil
	}
	data, err := json.Marshal(cachedHealth{Sample: sample, Flags: flags})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, healthCacheKey, data, healthCacheTTL).Err()
}

// Latest returns the most recently published sample.
func (c *HealthCache) Latest(ctx context.Context) (HealthSample, []string, error) {
	if c == nil || c.client == nil {
		return HealthSample{}, nil, redis.Nil
	}
	data, err := c.client.Get(ctx, healthCacheKey).Bytes()
	if err != nil {
		return HealthSample{}, nil, err
	}
	var cached cachedHealth
	if err := json.Unmarshal(data, &cached); err != nil {
		return HealthSample{}, nil, err
	}
	return cached.Sample, cached.Flags, nil
}

// HealthSampler polls store health at a fixed interval during
// execution. It never mutates migration state; degraded samples are
// reported through the callback, which the orchestrator uses to cancel
// the in-flight transaction and enter the rollback path.
type HealthSampler struct {
	source     HealthSource
	cache      *HealthCache
	thresholds HealthThresholds
	interval   time.Duration
	logger     *slog.Logger
}

// NewHealthSampler constructs the sampler.
func NewHealthSampler(source HealthSource, cache *HealthCache, thresholds HealthThresholds, interval time.Duration, logger *slog.Logger) *HealthSampler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HealthSampler{source: source, cache: cache, thresholds: thresholds, interval: interval, logger: logger}
}

// Run samples until ctx is cancelled. onDegraded fires at most once per
// degraded sample.
func (s *HealthSampler) Run(ctx context.Context, onDegraded func(HealthSample, []string)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		sample, err := s.source.SampleHealth(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("health sample failed", slog.Any("error", err))
			continue
		}
		flags := s.thresholds.Flags(sample)
		if err := s.cache.Publish(ctx, sample, flags); err != nil && ctx.Err() == nil {
			s.logger.Warn("health publish failed", slog.Any("error", err))
		}
		if len(flags) > 0 {
			s.logger.Warn("store health degraded", slog.Any("flags", flags))
			if onDegraded != nil {
				onDegraded(sample, flags)
			}
		}
	}
}
