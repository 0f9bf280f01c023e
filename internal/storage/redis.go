package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"MnemoEvolve/server/internal/config"
	"MnemoEvolve/server/internal/generators"
)

const audioKeyPrefix = "tts:audio:"

type RedisStore struct {
	client   *redis.Client
	audioTTL time.Duration
}

func NewRedisStore(cfg config.RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client, audioTTL: cfg.AudioTTL}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// GetAudio returns cached audio for req. A miss is not an error.
func (s *RedisStore) GetAudio(ctx context.Context, req generators.SpeechRequest) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, audioKey(req)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached audio: %w", err)
	}
	return data, true, nil
}

// SetAudio caches audio for req for the configured TTL.
func (s *RedisStore) SetAudio(ctx context.Context, req generators.SpeechRequest, audio []byte) error {
	if err := s.client.Set(ctx, audioKey(req), audio, s.audioTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache audio: %w", err)
	}
	return nil
}

// audioKey hashes the fields that determine the synthesized audio.
func audioKey(req generators.SpeechRequest) string {
	h := sha256.New()
	for _, part := range []string{req.Language, req.Speaker, req.Text} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return audioKeyPrefix + hex.EncodeToString(h.Sum(nil))
}
