// Package redis implements store.Store on a Redis-compatible server.
//
// Conditional operations (CAS, conditional delete, conditional expire) run
// as Lua scripts so the compare happens server-side in one atomic step.
// Transactions use WATCH + MULTI/EXEC; a concurrent write to any watched key
// discards the staged pipeline and surfaces as store.ErrTxConflict.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/profsync/store"
)

var ErrNilClient = errors.New("redis store: nil client")

// value compare, then SET preserving TTL unless a new one is given
var casScript = goredis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == ARGV[1] then
  local ttl = tonumber(ARGV[3])
  if ttl > 0 then
    redis.call("SET", KEYS[1], ARGV[2], "PX", ttl)
  else
    redis.call("SET", KEYS[1], ARGV[2], "KEEPTTL")
  end
  return 1
end
return 0
`)

var cadScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var caxScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type Store struct {
	rdb         goredis.UniversalClient
	closeClient bool
}

var _ store.Store = (*Store)(nil)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this store exclusively owns the client
}

func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &Store{rdb: cfg.Client, closeClient: cfg.CloseClient}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0 // no expiry
	}
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = 0
	}
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte, ttl time.Duration) (bool, error) {
	ms := int64(0)
	if ttl > 0 {
		ms = ttl.Milliseconds()
	}
	n, err := casScript.Run(ctx, s.rdb, []string{key}, expected, value, ms).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
	n, err := cadScript.Run(ctx, s.rdb, []string{key}, expected).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) CompareAndExpire(ctx context.Context, key string, expected []byte, ttl time.Duration) (bool, error) {
	n, err := caxScript.Run(ctx, s.rdb, []string{key}, expected, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key).Err()
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.rdb.PExpire(ctx, key, ttl).Result()
}

func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *Store) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.rdb.SAdd(ctx, key, toAny(members)...).Err()
}

func (s *Store) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.rdb.SRem(ctx, key, toAny(members)...).Err()
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

func (s *Store) Tx(ctx context.Context, keys []string, fn func(store.Tx) error) error {
	txf := func(rtx *goredis.Tx) error {
		t := &tx{rtx: rtx}
		if err := fn(t); err != nil {
			return err
		}
		_, err := rtx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			for _, w := range t.writes {
				if w.del {
					p.Del(ctx, w.key)
					continue
				}
				ttl := w.ttl
				if ttl <= 0 {
					ttl = 0
				}
				p.Set(ctx, w.key, w.value, ttl)
			}
			return nil
		})
		return err
	}

	err := s.rdb.Watch(ctx, txf, keys...)
	if err == goredis.TxFailedErr {
		return store.ErrTxConflict
	}
	return err
}

// Close releases the underlying client only when this store owns it.
func (s *Store) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

type stagedWrite struct {
	key   string
	value []byte
	ttl   time.Duration
	del   bool
}

type tx struct {
	rtx    *goredis.Tx
	writes []stagedWrite
}

var _ store.Tx = (*tx)(nil)

func (t *tx) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := t.rtx.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (t *tx) Set(key string, value []byte, ttl time.Duration) {
	t.writes = append(t.writes, stagedWrite{key: key, value: value, ttl: ttl})
}

func (t *tx) Delete(key string) {
	t.writes = append(t.writes, stagedWrite{key: key, del: true})
}

func toAny(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}
