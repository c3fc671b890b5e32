package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "tts:audio:"
	DefaultTTL = 24 * time.Hour
)

var ErrMiss = errors.New("cache miss")

type AudioCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewAudioCache(redisClient *redis.Client, ttl time.Duration) *AudioCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &AudioCache{redis: redisClient, ttl: ttl}
}

// Key derives a cache key from everything that changes the rendered audio.
func Key(voiceID string, params map[string]string, text string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(voiceID)
	b.WriteByte('|')
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
		b.WriteByte('&')
	}
	b.WriteByte('|')
	b.WriteString(text)

	sum := sha256.Sum256([]byte(b.String()))
	return keyPrefix + hex.EncodeToString(sum[:])
}

func (c *AudioCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *AudioCache) Set(ctx context.Context, key string, audio []byte) error {
	return c.redis.Set(ctx, key, audio, c.ttl).Err()
}
