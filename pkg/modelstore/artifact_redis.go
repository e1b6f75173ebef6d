package modelstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisArtifactStore keeps the two artifact documents under <prefix>:scalers and <prefix>:forests.
type RedisArtifactStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisArtifactStore connects to Redis and verifies the connection.
func NewRedisArtifactStore(addr, password string, db int, prefix string, logger *zap.Logger) (*RedisArtifactStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, &ArtifactIOError{Op: "connect", Location: addr, Err: err}
	}

	return NewRedisArtifactStoreWithClient(client, prefix, logger), nil
}

// NewRedisArtifactStoreWithClient wraps an existing client.
func NewRedisArtifactStoreWithClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisArtifactStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "ledgerguard:models"
	}
	return &RedisArtifactStore{client: client, prefix: prefix, logger: logger, now: time.Now}
}

func (s *RedisArtifactStore) scalersKey() string { return s.prefix + ":scalers" }
func (s *RedisArtifactStore) forestsKey() string { return s.prefix + ":forests" }

// Save writes both documents in one MULTI/EXEC transaction.
func (s *RedisArtifactStore) Save(ctx context.Context, snap *Snapshot) error {
	scalers, forests, err := EncodeSnapshot(snap, s.now())
	if err != nil {
		return &ArtifactIOError{Op: "encode", Location: s.prefix, Err: err}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.forestsKey(), forests, 0)
		pipe.Set(ctx, s.scalersKey(), scalers, 0)
		return nil
	})
	if err != nil {
		return &ArtifactIOError{Op: "write", Location: s.prefix, Err: err}
	}

	s.logger.Info("Model artifact written",
		zap.String("prefix", s.prefix),
		zap.Int("tenants", snap.Len()),
		zap.Uint64("snapshot_version", snap.Version()))
	return nil
}

// Load reads both documents; if either key is absent the snapshot is empty.
func (s *RedisArtifactStore) Load(ctx context.Context) (*Snapshot, error) {
	vals, err := s.client.MGet(ctx, s.scalersKey(), s.forestsKey()).Result()
	if err != nil {
		return nil, &ArtifactIOError{Op: "read", Location: s.prefix, Err: err}
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		s.logger.Info("No model artifact in redis, starting empty", zap.String("prefix", s.prefix))
		return NewSnapshot(nil), nil
	}

	scalers, ok1 := vals[0].(string)
	forests, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return nil, &ArtifactIOError{Op: "read", Location: s.prefix, Err: fmt.Errorf("unexpected value types %T/%T", vals[0], vals[1])}
	}

	snap, dropped, err := DecodeSnapshot([]byte(scalers), []byte(forests))
	if err != nil {
		return nil, &ArtifactIOError{Op: "decode", Location: s.prefix, Err: err}
	}
	logDropped(s.logger, dropped)
	return snap, nil
}

// Close releases the client.
func (s *RedisArtifactStore) Close() error {
	return s.client.Close()
}
