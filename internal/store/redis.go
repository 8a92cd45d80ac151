package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of go-redis, following the teacher's
// RedisCache wrapping conventions (internal/infrastructure/cache/redis.go).
type RedisStore struct {
	client *redis.Client
	logger *slog.Logger
}

// Config mirrors the teacher's CacheConfig connection knobs.
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisStore connects to Redis and verifies the connection with a Ping,
// exactly as the teacher's NewRedisCache does.
func NewRedisStore(cfg Config, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		return nil, ErrInvalidConfig
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to store", "error", err, "addr", cfg.Addr)
		return nil, newError("failed to connect to store", "CONNECTION_ERROR").WithCause(err)
	}

	logger.Info("connected to store", "addr", cfg.Addr, "db", cfg.DB)
	return &RedisStore{client: client, logger: logger}, nil
}

// NewRedisStoreFromClient wraps an already-constructed client (used by
// tests against miniredis).
func NewRedisStoreFromClient(client *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{client: client, logger: logger}
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, newError("hgetall failed", "HGETALL_ERROR").WithCause(err)
	}
	return m, nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, newError("hget failed", "HGET_ERROR").WithCause(err)
	}
	return v, true, nil
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := s.client.HSet(ctx, key, args...).Err(); err != nil {
		return newError("hset failed", "HSET_ERROR").WithCause(err)
	}
	return nil
}

func (s *RedisStore) HDel(ctx context.Context, key string, fields ...string) error {
	if err := s.client.HDel(ctx, key, fields...).Err(); err != nil {
		return newError("hdel failed", "HDEL_ERROR").WithCause(err)
	}
	return nil
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, newError("exists failed", "EXISTS_ERROR").WithCause(err)
	}
	return n > 0, nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, newError("ttl failed", "TTL_ERROR").WithCause(err)
	}
	return d, nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	ok, err := s.client.Expire(ctx, key, ttl).Result()
	if err != nil {
		return newError("expire failed", "EXPIRE_ERROR").WithCause(err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return newError("del failed", "DEL_ERROR").WithCause(err)
	}
	return nil
}

func (s *RedisStore) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return newError("sadd failed", "SADD_ERROR").WithCause(err)
	}
	return nil
}

func (s *RedisStore) SCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, newError("scard failed", "SCARD_ERROR").WithCause(err)
	}
	return n, nil
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, newError("smembers failed", "SMEMBERS_ERROR").WithCause(err)
	}
	return members, nil
}

func (s *RedisStore) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		return newError("srem failed", "SREM_ERROR").WithCause(err)
	}
	return nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return newError("zadd failed", "ZADD_ERROR").WithCause(err)
	}
	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, newError("setnx failed", "SETNX_ERROR").WithCause(err)
	}
	return ok, nil
}

// delIfMatchScript atomically deletes a key only if its value matches,
// mirroring the teacher's lock-release Lua script
// (internal/infrastructure/lock/distributed.go).
const delIfMatchScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

func (s *RedisStore) DelIfMatch(ctx context.Context, key, value string) (bool, error) {
	res, err := s.client.Eval(ctx, delIfMatchScript, []string{key}, value).Result()
	if err != nil {
		return false, newError("del-if-match failed", "DELIFMATCH_ERROR").WithCause(err)
	}
	n, _ := res.(int64)
	return n == 1, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	if err := s.client.Publish(ctx, channel, message).Err(); err != nil {
		return newError("publish failed", "PUBLISH_ERROR").WithCause(err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) Subscription {
	ps := s.client.Subscribe(ctx, channel)
	return &redisSubscription{ps: ps}
}

func (s *RedisStore) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	keys, next, err := s.client.Scan(ctx, cursor, pattern, count).Result()
	if err != nil {
		return nil, 0, newError("scan failed", "SCAN_ERROR").WithCause(err)
	}
	return keys, next, nil
}

func (s *RedisStore) Tx(ctx context.Context, fn func(tx Tx) error) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return fn(&redisTx{pipe: pipe})
	})
	if err != nil {
		return newError("transaction failed", "TX_ERROR").WithCause(err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return newError("close failed", "CLOSE_ERROR").WithCause(err)
	}
	return nil
}

// Client exposes the underlying go-redis client for callers (the worker's
// job queue) that need primitives Store does not abstract.
func (s *RedisStore) Client() *redis.Client { return s.client }

type redisTx struct {
	pipe redis.Pipeliner
}

func (t *redisTx) HSet(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	t.pipe.HSet(context.Background(), key, args...)
}

func (t *redisTx) SAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	t.pipe.SAdd(context.Background(), key, args...)
}

func (t *redisTx) Expire(key string, ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	t.pipe.Expire(context.Background(), key, ttl)
}

func (t *redisTx) ZAdd(key string, score float64, member string) {
	t.pipe.ZAdd(context.Background(), key, redis.Z{Score: score, Member: member})
}

func (t *redisTx) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	t.pipe.Del(context.Background(), keys...)
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (r *redisSubscription) Receive(ctx context.Context, timeout time.Duration) (string, bool) {
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := r.ps.ReceiveMessage(rctx)
	if err != nil {
		return "", false
	}
	return msg.Payload, true
}

func (r *redisSubscription) Close() error {
	return r.ps.Close()
}
