package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the correlation graph in Redis.
//
// Key layout, under the configured prefix:
//
//	forward:<id>  sorted set of parent ids, scored by insertion order
//	record:<id>   hash with recorded_at and metadata
//	reverse:<id>  set of child ids
//
// Every key carries a TTL; a Link call writes all of them in one Lua script.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	ownsClient bool
}

// RedisConfig configures a Redis connection for DialRedis.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// linkScript merges parents into the forward set, adds the child to every
// reverse set, and refreshes all TTLs atomically.
//
// KEYS[1] forward set, KEYS[2] record hash, KEYS[3..] reverse sets
// ARGV[1] ttl ms, ARGV[2] child id, ARGV[3] recorded_at, ARGV[4] metadata, ARGV[5..] parent ids
var linkScript = redis.NewScript(`
local ttl = tonumber(ARGV[1])
if redis.call('EXISTS', KEYS[1]) == 0 then
	redis.call('DEL', KEYS[2])
end
local seq = redis.call('ZCARD', KEYS[1])
for i = 5, #ARGV do
	if not redis.call('ZSCORE', KEYS[1], ARGV[i]) then
		seq = seq + 1
		redis.call('ZADD', KEYS[1], seq, ARGV[i])
	end
end
redis.call('HSETNX', KEYS[2], 'recorded_at', ARGV[3])
if ARGV[4] ~= '' then
	redis.call('HSET', KEYS[2], 'metadata', ARGV[4])
end
redis.call('PEXPIRE', KEYS[1], ttl)
redis.call('PEXPIRE', KEYS[2], ttl)
for i = 3, #KEYS do
	redis.call('SADD', KEYS[i], ARGV[2])
	redis.call('PEXPIRE', KEYS[i], ttl)
end
return seq
`)

// NewRedisStore wraps an existing client. The caller keeps ownership of the
// client; Close does not close it.
func NewRedisStore(client redis.UniversalClient, opts ...StoreOption) *RedisStore {
	o := newStoreOptions(opts)
	return &RedisStore{client: client, prefix: o.prefix}
}

// DialRedis creates a client for cfg and a store that owns it.
// No connection is made until the first command.
func DialRedis(cfg RedisConfig, opts ...StoreOption) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	s := NewRedisStore(client, opts...)
	s.ownsClient = true
	return s
}

func (s *RedisStore) forwardKey(id string) string { return s.prefix + "forward:" + id }
func (s *RedisStore) recordKey(id string) string  { return s.prefix + "record:" + id }
func (s *RedisStore) reverseKey(id string) string { return s.prefix + "reverse:" + id }

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Link implements Store.
func (s *RedisStore) Link(ctx context.Context, rec Record, ttl time.Duration) error {
	if len(rec.Parents) == 0 {
		return nil
	}

	var metadata string
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(b)
	}

	child := rec.EventID.String()
	keys := make([]string, 0, 2+len(rec.Parents))
	keys = append(keys, s.forwardKey(child), s.recordKey(child))

	args := make([]any, 0, 4+len(rec.Parents))
	args = append(args,
		ttl.Milliseconds(),
		child,
		rec.RecordedAt.UTC().Format(time.RFC3339Nano),
		metadata,
	)
	for _, p := range rec.Parents {
		keys = append(keys, s.reverseKey(p.String()))
		args = append(args, p.String())
	}

	if err := linkScript.Run(ctx, s.client, keys, args...).Err(); err != nil {
		return fmt.Errorf("link %s: %w", child, err)
	}
	return nil
}

// Parents implements Store.
func (s *RedisStore) Parents(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	raw, err := s.client.ZRange(ctx, s.forwardKey(id.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get parents: %w", err)
	}
	return parseIDs(raw)
}

// Children implements Store.
func (s *RedisStore) Children(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	raw, err := s.client.SMembers(ctx, s.reverseKey(id.String())).Result()
	if err != nil {
		return nil, fmt.Errorf("get children: %w", err)
	}
	return parseIDs(raw)
}

// Record implements Store.
func (s *RedisStore) Record(ctx context.Context, id uuid.UUID) (*Record, error) {
	key := id.String()

	var (
		parentsCmd *redis.StringSliceCmd
		fieldsCmd  *redis.MapStringStringCmd
	)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		parentsCmd = p.ZRange(ctx, s.forwardKey(key), 0, -1)
		fieldsCmd = p.HGetAll(ctx, s.recordKey(key))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get record: %w", err)
	}

	parents, err := parseIDs(parentsCmd.Val())
	if err != nil {
		return nil, err
	}
	if len(parents) == 0 {
		return nil, ErrNotFound
	}

	fields := fieldsCmd.Val()
	rec := &Record{EventID: id, Parents: parents}
	if ts, ok := fields["recorded_at"]; ok {
		if rec.RecordedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse recorded_at %q: %w", ts, err)
		}
	}
	if meta := fields["metadata"]; meta != "" {
		if err := json.Unmarshal([]byte(meta), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return rec, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

func parseIDs(raw []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(raw))
	for _, r := range raw {
		id, err := uuid.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("parse id %q: %w", r, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
