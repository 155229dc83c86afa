package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/scribehub-backend/internal/logger"
)

// KV is the coordination contract the control plane runs on: hashes, sets,
// FIFO queues with visibility leases, atomic counters, pub/sub and TTL'd
// keys. High-churn, recoverable data only; never the store of record.
type KV interface {
	HashSet(ctx context.Context, key string, fields map[string]any) error
	HashGet(ctx context.Context, key, field string) (string, bool, error)
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	HashSetIfFieldBefore(ctx context.Context, key, tsField string, cutoff time.Time, updates map[string]any) (bool, error)

	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	Push(ctx context.Context, queue string, payload []byte) error
	PopLease(ctx context.Context, queue string, lease, block time.Duration) (*LeasedEntry, error)
	Ack(ctx context.Context, entry *LeasedEntry) error
	ReclaimExpired(ctx context.Context, queue string) (int, error)
	QueueLen(ctx context.Context, queue string) (int64, error)

	Incr(ctx context.Context, key string, delta int64) (int64, error)

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error

	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error

	Publish(ctx context.Context, channel string, v any) error
	Subscribe(ctx context.Context, channels ...string) (*Subscription, error)

	Close() error
}

// LeasedEntry is a popped queue element hidden from other consumers until
// Ack or lease expiry.
type LeasedEntry struct {
	Queue   string
	Token   string
	Payload []byte
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription wraps a redis pub/sub stream.
type Subscription struct {
	sub *goredis.PubSub
	ch  chan Message
}

func (s *Subscription) C() <-chan Message { return s.ch }

func (s *Subscription) Close() error { return s.sub.Close() }

type kvService struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewKV(log *logger.Logger, addr string) (KV, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
		ReadTimeout: 30 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &kvService{log: log.With("service", "KV"), rdb: rdb}, nil
}

// NewKVFromClient wraps an existing client. Test helper (miniredis).
func NewKVFromClient(log *logger.Logger, rdb *goredis.Client) KV {
	return &kvService{log: log.With("service", "KV"), rdb: rdb}
}

func (s *kvService) Close() error { return s.rdb.Close() }

// -------------------- hashes --------------------

func (s *kvService) HashSet(ctx context.Context, key string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	flat := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		flat = append(flat, k, v)
	}
	return s.rdb.HSet(ctx, key, flat...).Err()
}

func (s *kvService) HashGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *kvService) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

// hashSetIfBeforeScript guards the registry sweeper against racing a
// resurrected engine: only apply updates when the stored timestamp field is
// still older than the cutoff.
var hashSetIfBeforeScript = goredis.NewScript(`
local ts = redis.call('HGET', KEYS[1], ARGV[1])
if not ts then return 0 end
if tonumber(ts) >= tonumber(ARGV[2]) then return 0 end
for i = 3, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i+1])
end
return 1
`)

func (s *kvService) HashSetIfFieldBefore(ctx context.Context, key, tsField string, cutoff time.Time, updates map[string]any) (bool, error) {
	args := []any{tsField, cutoff.UnixMilli()}
	for k, v := range updates {
		args = append(args, k, fmt.Sprint(v))
	}
	n, err := hashSetIfBeforeScript.Run(ctx, s.rdb, []string{key}, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// -------------------- sets --------------------

func (s *kvService) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	vals := make([]any, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return s.rdb.SAdd(ctx, key, vals...).Err()
}

func (s *kvService) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	vals := make([]any, len(members))
	for i, m := range members {
		vals[i] = m
	}
	return s.rdb.SRem(ctx, key, vals...).Err()
}

func (s *kvService) SetMembers(ctx context.Context, key string) ([]string, error) {
	return s.rdb.SMembers(ctx, key).Result()
}

// -------------------- FIFO queue with visibility lease --------------------
//
// Push LPUSHes onto the queue; PopLease moves the oldest element into a
// per-queue processing list and sets a TTL'd lease key. Ack removes both.
// ReclaimExpired returns processing entries whose lease key lapsed back to
// the head of the queue, so a crashed consumer's work becomes poppable again.

func processingList(queue string) string { return queue + ":processing" }

func leaseKey(queue, token string) string { return "lease:" + queue + ":" + token }

func entryToken(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:16])
}

func (s *kvService) Push(ctx context.Context, queue string, payload []byte) error {
	return s.rdb.LPush(ctx, queue, payload).Err()
}

func (s *kvService) PopLease(ctx context.Context, queue string, lease, block time.Duration) (*LeasedEntry, error) {
	var (
		raw string
		err error
	)
	if block > 0 {
		raw, err = s.rdb.BLMove(ctx, queue, processingList(queue), "RIGHT", "LEFT", block).Result()
	} else {
		raw, err = s.rdb.LMove(ctx, queue, processingList(queue), "RIGHT", "LEFT").Result()
	}
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry := &LeasedEntry{Queue: queue, Token: entryToken([]byte(raw)), Payload: []byte(raw)}
	if err := s.rdb.Set(ctx, leaseKey(queue, entry.Token), "1", lease).Err(); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *kvService) Ack(ctx context.Context, entry *LeasedEntry) error {
	if entry == nil {
		return nil
	}
	if err := s.rdb.LRem(ctx, processingList(entry.Queue), 1, entry.Payload).Err(); err != nil {
		return err
	}
	return s.rdb.Del(ctx, leaseKey(entry.Queue, entry.Token)).Err()
}

func (s *kvService) ReclaimExpired(ctx context.Context, queue string) (int, error) {
	items, err := s.rdb.LRange(ctx, processingList(queue), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, raw := range items {
		token := entryToken([]byte(raw))
		n, err := s.rdb.Exists(ctx, leaseKey(queue, token)).Result()
		if err != nil {
			return reclaimed, err
		}
		if n > 0 {
			continue
		}
		if err := s.rdb.LRem(ctx, processingList(queue), 1, raw).Err(); err != nil {
			return reclaimed, err
		}
		// Back to the head so the retried entry pops next.
		if err := s.rdb.RPush(ctx, queue, raw).Err(); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

func (s *kvService) QueueLen(ctx context.Context, queue string) (int64, error) {
	return s.rdb.LLen(ctx, queue).Result()
}

// -------------------- counters / keys --------------------

func (s *kvService) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	return s.rdb.IncrBy(ctx, key, delta).Result()
}

func (s *kvService) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *kvService) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *kvService) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *kvService) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.rdb.Expire(ctx, key, ttl).Err()
}

// -------------------- locks --------------------

var renewLockScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseLockScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (s *kvService) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, owner, ttl).Result()
}

func (s *kvService) RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	n, err := renewLockScript.Run(ctx, s.rdb, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *kvService) ReleaseLock(ctx context.Context, key, owner string) error {
	return releaseLockScript.Run(ctx, s.rdb, []string{key}, owner).Err()
}

// -------------------- pub/sub --------------------

func (s *kvService) Publish(ctx context.Context, channel string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, channel, raw).Err()
}

func (s *kvService) Subscribe(ctx context.Context, channels ...string) (*Subscription, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("at least one channel required")
	}
	sub := s.rdb.Subscribe(ctx, channels...)
	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	out := &Subscription{sub: sub, ch: make(chan Message, 64)}
	go func() {
		defer close(out.ch)
		src := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-src:
				if !ok || m == nil {
					return
				}
				select {
				case out.ch <- Message{Channel: m.Channel, Payload: []byte(m.Payload)}:
				default:
					s.log.Warn("Dropping pub/sub message; subscriber buffer full", "channel", m.Channel)
				}
			}
		}
	}()
	return out, nil
}
