// Package cache stores extracted speaker embeddings keyed by the digest of
// the reference audio they were computed from.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/bobarin/voicegate/internal/models"
)

const keyPrefix = "voicegate:embedding:"

// Store is a speaker embedding cache tier.
type Store interface {
	Get(ctx context.Context, key string) (*models.SpeakerEmbedding, bool, error)
	Set(ctx context.Context, key string, emb *models.SpeakerEmbedding) error
	Close() error
}

// Key derives the cache key for a reference payload. The VAD flag is part of
// the key because it changes which frames contribute to the embedding.
func Key(audio []byte, vad bool) string {
	sum := sha256.Sum256(audio)
	return fmt.Sprintf("%s:vad=%t", hex.EncodeToString(sum[:]), vad)
}

// MemoryStore is a bounded in-process LRU with per-entry expiry.
type MemoryStore struct {
	lru *expirable.LRU[string, *models.SpeakerEmbedding]
}

func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = 1
	}
	return &MemoryStore{lru: expirable.NewLRU[string, *models.SpeakerEmbedding](size, nil, ttl)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*models.SpeakerEmbedding, bool, error) {
	emb, ok := m.lru.Get(key)
	return emb, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, emb *models.SpeakerEmbedding) error {
	m.lru.Add(key, emb)
	return nil
}

func (m *MemoryStore) Close() error {
	m.lru.Purge()
	return nil
}

// Len reports the number of cached embeddings.
func (m *MemoryStore) Len() int {
	return m.lru.Len()
}

// RedisStore shares embeddings across gateway processes.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, ttl: ttl}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (*models.SpeakerEmbedding, bool, error) {
	data, err := r.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read embedding: %w", err)
	}

	var emb models.SpeakerEmbedding
	if err := json.Unmarshal(data, &emb); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal embedding: %w", err)
	}
	return &emb, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, emb *models.SpeakerEmbedding) error {
	data, err := json.Marshal(emb)
	if err != nil {
		return fmt.Errorf("failed to marshal embedding: %w", err)
	}
	return r.client.Set(ctx, keyPrefix+key, data, r.ttl).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Tiered consults the in-process tier first and falls back to a shared
// tier, back-filling the local tier on a shared hit. Shared-tier failures
// are logged and treated as misses so a Redis outage never fails synthesis.
type Tiered struct {
	local  Store
	shared Store
	logger *zap.Logger
}

// NewTiered builds a cache; shared may be nil.
func NewTiered(local, shared Store, logger *zap.Logger) *Tiered {
	return &Tiered{
		local:  local,
		shared: shared,
		logger: logger.With(zap.String("component", "embedding_cache")),
	}
}

func (t *Tiered) Get(ctx context.Context, key string) (*models.SpeakerEmbedding, bool, error) {
	if emb, ok, _ := t.local.Get(ctx, key); ok {
		return emb, true, nil
	}
	if t.shared == nil {
		return nil, false, nil
	}

	emb, ok, err := t.shared.Get(ctx, key)
	if err != nil {
		t.logger.Warn("shared embedding cache read failed", zap.Error(err))
		return nil, false, nil
	}
	if ok {
		_ = t.local.Set(ctx, key, emb)
	}
	return emb, ok, nil
}

func (t *Tiered) Set(ctx context.Context, key string, emb *models.SpeakerEmbedding) error {
	_ = t.local.Set(ctx, key, emb)
	if t.shared == nil {
		return nil
	}
	if err := t.shared.Set(ctx, key, emb); err != nil {
		t.logger.Warn("shared embedding cache write failed", zap.Error(err))
	}
	return nil
}

func (t *Tiered) Close() error {
	_ = t.local.Close()
	if t.shared != nil {
		return t.shared.Close()
	}
	return nil
}
