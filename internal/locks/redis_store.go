package locks

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "docvault:lock:"

// Each script is a single atomic transition. Expiry is judged against the caller's clock
// (ARGV[2], unix milliseconds) so every process applies the same window; PEXPIRE only reclaims memory.
var (
	acquireScript = redis.NewScript(`
local current = redis.call('HMGET', KEYS[1], 'holder', 'acquired', 'refreshed')
local acquired = ARGV[2]
if current[1] then
  local live = (tonumber(current[3]) or 0) + tonumber(ARGV[3]) > tonumber(ARGV[2])
  if live and current[1] ~= ARGV[1] then
    return {current[1], current[2], current[3]}
  end
  if live and current[2] then
    acquired = current[2]
  end
end
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'acquired', acquired, 'refreshed', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return {ARGV[1], acquired, ARGV[2]}
`)

	overrideScript = redis.NewScript(`
local current = redis.call('HMGET', KEYS[1], 'holder', 'acquired', 'refreshed')
local previous = {}
if current[1] and (tonumber(current[3]) or 0) + tonumber(ARGV[3]) > tonumber(ARGV[2]) then
  previous = {current[1], current[2], current[3]}
end
redis.call('HSET', KEYS[1], 'holder', ARGV[1], 'acquired', ARGV[2], 'refreshed', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return previous
`)

	releaseScript = redis.NewScript(`
local current = redis.call('HMGET', KEYS[1], 'holder', 'refreshed')
if not current[1] then
  return 0
end
local live = (tonumber(current[2]) or 0) + tonumber(ARGV[3]) > tonumber(ARGV[2])
if current[1] == ARGV[1] then
  redis.call('DEL', KEYS[1])
  if live then
    return 1
  end
  return 0
end
if live then
  return -1
end
return 0
`)
)

// RedisStore keeps locks in Redis hashes for deployments that share locks across processes
// without a shared database.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore connects to the Redis server at redisURL.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisStore{client: client, prefix: defaultKeyPrefix}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: defaultKeyPrefix}
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + documentID
}

func (s *RedisStore) Acquire(ctx context.Context, documentID, holder string, now time.Time, window time.Duration) (State, error) {
	result, err := acquireScript.Run(ctx, s.client, []string{s.key(documentID)}, scriptArgs(holder, now, window)...).StringSlice()
	if err != nil {
		return State{}, fmt.Errorf("acquire lock: %w", err)
	}
	state, _ := stateFromReply(documentID, result, now, window)
	return state, nil
}

func (s *RedisStore) Override(ctx context.Context, documentID, holder string, now time.Time, window time.Duration) (State, State, error) {
	result, err := overrideScript.Run(ctx, s.client, []string{s.key(documentID)}, scriptArgs(holder, now, window)...).StringSlice()
	if err != nil {
		return State{}, State{}, fmt.Errorf("override lock: %w", err)
	}
	previous, _ := stateFromReply(documentID, result, now, window)
	truncated := time.UnixMilli(now.UnixMilli()).UTC()
	current, _ := liveState(documentID, holder, truncated, truncated, now, window)
	return previous, current, nil
}

func (s *RedisStore) Release(ctx context.Context, documentID, holder string, now time.Time, window time.Duration) (ReleaseOutcome, error) {
	result, err := releaseScript.Run(ctx, s.client, []string{s.key(documentID)}, scriptArgs(holder, now, window)...).Int64()
	if err != nil {
		return ReleaseNotHeld, fmt.Errorf("release lock: %w", err)
	}
	switch result {
	case 1:
		return Released, nil
	case -1:
		return ReleaseHeldByOther, nil
	default:
		return ReleaseNotHeld, nil
	}
}

func (s *RedisStore) Current(ctx context.Context, documentID string, now time.Time, window time.Duration) (State, error) {
	values, err := s.client.HMGet(ctx, s.key(documentID), "holder", "acquired", "refreshed").Result()
	if err != nil {
		return State{}, fmt.Errorf("read lock: %w", err)
	}
	fields := make([]string, 0, len(values))
	for _, value := range values {
		text, ok := value.(string)
		if !ok {
			return State{DocumentID: documentID}, nil
		}
		fields = append(fields, text)
	}
	state, _ := stateFromReply(documentID, fields, now, window)
	return state, nil
}

func (s *RedisStore) Clear(ctx context.Context, documentID string) error {
	if err := s.client.Del(ctx, s.key(documentID)).Err(); err != nil {
		return fmt.Errorf("clear lock: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func scriptArgs(holder string, now time.Time, window time.Duration) []any {
	return []any{holder, strconv.FormatInt(now.UnixMilli(), 10), strconv.FormatInt(window.Milliseconds(), 10)}
}

func stateFromReply(documentID string, fields []string, now time.Time, window time.Duration) (State, bool) {
	if len(fields) != 3 {
		return State{DocumentID: documentID}, false
	}
	acquired, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return State{DocumentID: documentID}, false
	}
	refreshed, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return State{DocumentID: documentID}, false
	}
	return liveState(documentID, fields[0], time.UnixMilli(acquired).UTC(), time.UnixMilli(refreshed).UTC(), now, window)
}
