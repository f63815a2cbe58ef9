package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rentalhub-sale-api/internal/clock"
	"rentalhub-sale-api/internal/model"
	"rentalhub-sale-api/pkg/uid"
)

// restoreScript claims a checkpoint only if it is unused, unreleased and
// unexpired, all in one step.
var restoreScript = redis.NewScript(`
	local cp = redis.call("HMGET", KEYS[1], "snapshot", "expires_at", "used", "released")
	if not cp[1] then
		return {"missing", ""}
	end
	if cp[3] == "1" or cp[4] == "1" then
		return {"used", ""}
	end
	if tonumber(cp[2]) <= tonumber(ARGV[1]) then
		return {"expired", ""}
	end
	redis.call("HSET", KEYS[1], "used", "1", "used_at", ARGV[1])
	return {"ok", cp[1]}
`)

var releaseScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return 0
	end
	redis.call("HSET", KEYS[1], "released", "1")
	return 1
`)

// RedisConfig holds connection settings for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     20,
		MinIdleConns: 5,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// RedisStore keeps checkpoints in Redis hashes so any instance can restore them.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	clock     clock.Clock
}

// NewRedisStore creates a checkpoint store on an existing client.
func NewRedisStore(client *redis.Client, keyPrefix string, ttl time.Duration, clk clock.Clock, logger *zap.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "rentalhub:sale"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	if logger != nil {
		logger.Named("checkpoint").Info("redis checkpoint store ready",
			zap.String("prefix", keyPrefix), zap.Duration("ttl", ttl))
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, ttl: ttl, clock: clk}
}

func (s *RedisStore) key(id string) string {
	return s.keyPrefix + ":checkpoint:" + id
}

func (s *RedisStore) Create(ctx context.Context, requestID string, snap model.Snapshot) (*model.Checkpoint, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	now := s.clock.Now()
	cp := &model.Checkpoint{
		ID:        uid.New(),
		RequestID: requestID,
		Snapshot:  snap,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(cp.ID), map[string]interface{}{
		"request_id": requestID,
		"snapshot":   string(data),
		"created_at": now.UnixMilli(),
		"expires_at": cp.ExpiresAt.UnixMilli(),
		"used":       "0",
		"released":   "0",
	})
	pipe.Expire(ctx, s.key(cp.ID), s.ttl+retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("store checkpoint: %w", err)
	}
	return cp, nil
}

func (s *RedisStore) Restore(ctx context.Context, id string) (model.Snapshot, error) {
	res, err := restoreScript.Run(ctx, s.client, []string{s.key(id)}, s.clock.Now().UnixMilli()).Slice()
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("restore checkpoint: %w", err)
	}
	if len(res) != 2 {
		return model.Snapshot{}, fmt.Errorf("restore checkpoint: unexpected reply %v", res)
	}

	status, _ := res[0].(string)
	switch status {
	case "ok":
	case "missing":
		return model.Snapshot{}, model.NotFoundErrorf("checkpoint %s", id)
	default:
		return model.Snapshot{}, model.NotFoundErrorf("checkpoint %s is %s", id, status)
	}

	raw, _ := res[1].(string)
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *RedisStore) Release(ctx context.Context, id string) error {
	n, err := releaseScript.Run(ctx, s.client, []string{s.key(id)}).Int()
	if err != nil {
		return fmt.Errorf("release checkpoint: %w", err)
	}
	if n == 0 {
		return model.NotFoundErrorf("checkpoint %s", id)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.Checkpoint, error) {
	fields, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	if len(fields) == 0 {
		return nil, model.NotFoundErrorf("checkpoint %s", id)
	}

	cp := &model.Checkpoint{
		ID:        id,
		RequestID: fields["request_id"],
		CreatedAt: fromMillis(fields["created_at"]),
		ExpiresAt: fromMillis(fields["expires_at"]),
		Used:      fields["used"] == "1",
		Released:  fields["released"] == "1",
	}
	if usedAt, ok := fields["used_at"]; ok {
		t := fromMillis(usedAt)
		cp.UsedAt = &t
	}
	if err := json.Unmarshal([]byte(fields["snapshot"]), &cp.Snapshot); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return cp, nil
}

func fromMillis(v string) time.Time {
	ms, _ := strconv.ParseInt(v, 10, 64)
	return time.UnixMilli(ms).UTC()
}

var _ Store = (*RedisStore)(nil)
