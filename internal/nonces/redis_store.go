package nonces

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// retention keeps a record around after its authorization expires so
// that late duplicates still read as replays in logs.
const retention = time.Hour

var reserveScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if s and s ~= 'released' then
  return 0
end
if not s then
  redis.call('HSET', KEYS[1],
    'payer', ARGV[1], 'nonce', ARGV[2], 'recipient', ARGV[3], 'asset', ARGV[4],
    'resource', ARGV[5], 'amount', ARGV[6], 'valid_before', ARGV[7],
    'status', 'pending', 'releases', 0, 'created_at', ARGV[8], 'updated_at', ARGV[8])
  redis.call('EXPIREAT', KEYS[1], ARGV[9])
else
  redis.call('HSET', KEYS[1], 'status', 'pending', 'updated_at', ARGV[8])
end
return 1
`)

var commitScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if not s then
  return -1
end
if s ~= 'pending' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'consumed', 'updated_at', ARGV[1])
return 1
`)

var releaseScript = redis.NewScript(`
local s = redis.call('HGET', KEYS[1], 'status')
if not s then
  return -2
end
if s ~= 'pending' then
  return -1
end
local n = tonumber(redis.call('HGET', KEYS[1], 'releases') or '0')
local nxt = 'consumed'
if n < tonumber(ARGV[1]) then
  nxt = 'released'
end
redis.call('HSET', KEYS[1], 'status', nxt, 'releases', n + 1, 'updated_at', ARGV[2])
if nxt == 'released' then
  return 1
end
return 0
`)

// RedisStore keeps the nonce set in Redis. Every transition runs as a
// Lua script, so it is atomic on the server. Keys expire on their own
// an hour after the authorization's validBefore.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	opts   options
}

// NewRedisStore creates a Redis-backed nonce store.
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	return &RedisStore{client: client, prefix: "x402:nonce:", opts: buildOptions(opts)}
}

func (s *RedisStore) key(payer, nonce string) string {
	return s.prefix + payer + ":" + nonce
}

func (s *RedisStore) Reserve(ctx context.Context, r *Record) error {
	payer, nonce := normalize(r.Payer, r.Nonce)
	now := time.Now().UTC()
	n, err := reserveScript.Run(ctx, s.client, []string{s.key(payer, nonce)},
		payer, nonce, r.Recipient, r.Asset, r.Resource,
		strconv.FormatUint(r.Amount, 10),
		r.ValidBefore.UTC().Format(time.RFC3339),
		now.Format(time.RFC3339Nano),
		r.ValidBefore.Add(retention).Unix(),
	).Int()
	if err != nil {
		return fmt.Errorf("nonces: redis reserve: %w", err)
	}
	if n == 0 {
		return ErrAlreadyUsed
	}
	return nil
}

func (s *RedisStore) Commit(ctx context.Context, payer, nonce string) error {
	payer, nonce = normalize(payer, nonce)
	n, err := commitScript.Run(ctx, s.client, []string{s.key(payer, nonce)},
		time.Now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("nonces: redis commit: %w", err)
	}
	switch n {
	case -1:
		return ErrNotFound
	case 0:
		return ErrNotPending
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, payer, nonce string) (bool, error) {
	payer, nonce = normalize(payer, nonce)
	n, err := releaseScript.Run(ctx, s.client, []string{s.key(payer, nonce)},
		s.opts.maxReleases,
		time.Now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return false, fmt.Errorf("nonces: redis release: %w", err)
	}
	switch n {
	case -2:
		return false, ErrNotFound
	case -1:
		return false, ErrNotPending
	}
	return n == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, payer, nonce string) (*Record, error) {
	payer, nonce = normalize(payer, nonce)
	fields, err := s.client.HGetAll(ctx, s.key(payer, nonce)).Result()
	if err != nil {
		return nil, fmt.Errorf("nonces: redis get: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return recordFromHash(fields)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func recordFromHash(h map[string]string) (*Record, error) {
	r := &Record{
		Payer:     h["payer"],
		Nonce:     h["nonce"],
		Recipient: h["recipient"],
		Asset:     h["asset"],
		Resource:  h["resource"],
		Status:    Status(h["status"]),
	}
	var err error
	if r.Amount, err = strconv.ParseUint(h["amount"], 10, 64); err != nil {
		return nil, fmt.Errorf("nonces: bad amount in redis: %w", err)
	}
	if r.Releases, err = strconv.Atoi(h["releases"]); err != nil {
		return nil, fmt.Errorf("nonces: bad releases in redis: %w", err)
	}
	if r.ValidBefore, err = time.Parse(time.RFC3339, h["valid_before"]); err != nil {
		return nil, fmt.Errorf("nonces: bad valid_before in redis: %w", err)
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, h["created_at"])
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, h["updated_at"])
	return r, nil
}

var _ Store = (*RedisStore)(nil)
