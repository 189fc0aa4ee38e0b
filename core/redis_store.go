package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "activity:"

// Aux key suffixes. Counters live in their own keys so that increments are
// plain INCRBY calls; the JSON record keeps the values captured at Start.
const (
	fieldUsedPerMinute = "usedPerMinute"
	fieldUsedPerDay    = "usedPerDay"
	fieldTotalUsage    = "totalUsage"
	fieldLastActivity  = "lastActivity"
	fieldDay           = "day"
)

var createScript = redis.NewScript(`
if redis.call("SETNX", KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call("SET", KEYS[2], ARGV[2])
redis.call("SET", KEYS[3], ARGV[3])
redis.call("SET", KEYS[4], ARGV[4])
redis.call("SET", KEYS[5], ARGV[5])
redis.call("SET", KEYS[6], ARGV[6])
return 1
`)

var incrementScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
local last = tonumber(redis.call("GET", KEYS[5]) or "0") or 0
if tonumber(ARGV[2]) - last > tonumber(ARGV[4]) then
  redis.call("SET", KEYS[2], ARGV[1])
else
  redis.call("INCRBY", KEYS[2], ARGV[1])
end
if redis.call("GET", KEYS[6]) == ARGV[3] then
  redis.call("INCRBY", KEYS[3], ARGV[1])
else
  redis.call("SET", KEYS[3], ARGV[1])
  redis.call("SET", KEYS[6], ARGV[3])
end
redis.call("INCRBY", KEYS[4], ARGV[1])
redis.call("SET", KEYS[5], ARGV[2])
return 1
`)

var resetMinuteScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("GET", KEYS[3]) ~= ARGV[1] then
  return 2
end
redis.call("SET", KEYS[2], "0")
return 1
`)

type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisStore) key(userID string) string {
	return s.keyPrefix + userID
}

func (s *RedisStore) aux(userID, field string) string {
	return fmt.Sprintf("%s%s:%s", s.keyPrefix, userID, field)
}

// keys returns the record key followed by the aux keys in script order.
func (s *RedisStore) keys(userID string) []string {
	return []string{
		s.key(userID),
		s.aux(userID, fieldUsedPerMinute),
		s.aux(userID, fieldUsedPerDay),
		s.aux(userID, fieldTotalUsage),
		s.aux(userID, fieldLastActivity),
		s.aux(userID, fieldDay),
	}
}

func (s *RedisStore) Create(ctx context.Context, rec Record) (bool, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}
	res, err := createScript.Run(ctx, s.client, s.keys(rec.UserID),
		string(raw),
		rec.UsedPerMinute,
		rec.UsedPerDay,
		rec.TotalUsage,
		rec.LastActivity.UnixMilli(),
		rec.Day,
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *RedisStore) Get(ctx context.Context, userID string) (*Record, error) {
	vals, err := s.client.MGet(ctx, s.keys(userID)...).Result()
	if err != nil {
		return nil, err
	}
	if vals[0] == nil {
		return nil, ErrNoSession
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, fmt.Errorf("%w: %s: unexpected value type %T", ErrMalformedRecord, userID, vals[0])
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, userID, err)
	}
	if rec.UserID != userID {
		return nil, fmt.Errorf("%w: %s: record belongs to %q", ErrMalformedRecord, userID, rec.UserID)
	}

	counters := []*int64{&rec.UsedPerMinute, &rec.UsedPerDay, &rec.TotalUsage}
	for i, dst := range counters {
		v, err := auxInt(vals[i+1])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, userID, err)
		}
		if v != nil {
			*dst = *v
		}
	}
	last, err := auxInt(vals[4])
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRecord, userID, err)
	}
	if last != nil {
		rec.LastActivity = time.UnixMilli(*last).UTC()
	}
	if day, ok := vals[5].(string); ok {
		rec.Day = day
	}
	return &rec, nil
}

func auxInt(v interface{}) (*int64, error) {
	if v == nil {
		return nil, nil
	}
	str, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected value type %T", v)
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *RedisStore) Exists(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Increment(ctx context.Context, userID string, cost int64, at time.Time, window time.Duration) error {
	res, err := incrementScript.Run(ctx, s.client, s.keys(userID),
		cost,
		at.UnixMilli(),
		DayOf(at),
		window.Milliseconds(),
	).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNoSession
	}
	return nil
}

func (s *RedisStore) ResetMinute(ctx context.Context, userID string, staleAt time.Time) error {
	keys := []string{
		s.key(userID),
		s.aux(userID, fieldUsedPerMinute),
		s.aux(userID, fieldLastActivity),
	}
	res, err := resetMinuteScript.Run(ctx, s.client, keys, strconv.FormatInt(staleAt.UnixMilli(), 10)).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrNoSession
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	return s.client.Del(ctx, s.keys(userID)...).Err()
}

// UserIDs walks the keyspace with SCAN. Keys created or removed during the
// walk may or may not be reported; duplicates are folded.
func (s *RedisStore) UserIDs(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			id := strings.TrimPrefix(k, s.keyPrefix)
			if id == "" || strings.Contains(id, ":") {
				continue
			}
			seen[id] = struct{}{}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
