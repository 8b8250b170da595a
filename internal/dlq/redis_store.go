package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on go-redis. Read-modify-write operations run
// as Lua scripts so they are atomic across keys; write-only multi-key
// operations use MULTI/EXEC pipelines.
type RedisStore struct {
	rdb        *redis.Client
	maxRetries int
	logger     *slog.Logger
}

// NewRedisStore wraps an already-connected client.
func NewRedisStore(rdb *redis.Client, maxRetries int) *RedisStore {
	return &RedisStore{
		rdb:        rdb,
		maxRetries: maxRetries,
		logger:     slog.Default().With("component", "dlq"),
	}
}

// upsertScript: if the payload exists, bump attempt_count and refresh the
// retry fields; otherwise insert. Either way, upsert the schedule member.
// KEYS[1]=entry KEYS[2]=schedule
// ARGV: rid, payloadJSON, nextAtMs, reason, responseStatus("" for none), ttlSec
var upsertScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
local doc
if existing then
  doc = cjson.decode(existing)
  doc['attempt_count'] = doc['attempt_count'] + 1
  doc['next_attempt_at'] = cjson.decode(ARGV[2])['next_attempt_at']
  doc['reason'] = ARGV[4]
  if ARGV[5] ~= '' then
    doc['response_status'] = tonumber(ARGV[5])
  end
else
  doc = cjson.decode(ARGV[2])
end
redis.call('SET', KEYS[1], cjson.encode(doc), 'EX', tonumber(ARGV[6]))
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[1])
return doc['attempt_count']
`)

// incrementScript: read payload, bump attempt_count, rewrite preserving the
// remaining TTL, update the schedule member.
// KEYS[1]=entry KEYS[2]=schedule  ARGV: rid, nextAtIso, nextAtMs
var incrementScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if not existing then
  return redis.error_reply('no payload for ' .. ARGV[1])
end
local doc = cjson.decode(existing)
doc['attempt_count'] = doc['attempt_count'] + 1
doc['next_attempt_at'] = ARGV[2]
local ttl = redis.call('TTL', KEYS[1])
if ttl > 0 then
  redis.call('SET', KEYS[1], cjson.encode(doc), 'EX', ttl)
else
  redis.call('SET', KEYS[1], cjson.encode(doc))
end
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[1])
return doc['attempt_count']
`)

// terminalScript: move payload to the terminal keyspace, clear active keys.
// KEYS[1]=entry KEYS[2]=schedule KEYS[3]=lock KEYS[4]=terminal
// ARGV: rid, terminalTTLSec
var terminalScript = redis.NewScript(`
local existing = redis.call('GET', KEYS[1])
if existing then
  redis.call('SET', KEYS[4], existing, 'EX', tonumber(ARGV[2]))
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
return existing and 1 or 0
`)

func (s *RedisStore) Upsert(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("dlq upsert %s: %w", e.ReservationID, err)
	}
	status := ""
	if e.ResponseStatus != nil {
		status = strconv.Itoa(*e.ResponseStatus)
	}
	ttl := int(EntryTTL(s.maxRetries).Seconds())
	err = upsertScript.Run(ctx, s.rdb,
		[]string{entryKey(e.ReservationID), scheduleKey},
		e.ReservationID, string(payload), e.NextAttemptAt.UnixMilli(), e.Reason, status, ttl,
	).Err()
	if err != nil {
		return fmt.Errorf("dlq upsert %s: %w", e.ReservationID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, rid string) error {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, entryKey(rid))
		p.ZRem(ctx, scheduleKey, rid)
		p.Del(ctx, lockKey(rid))
		return nil
	})
	if err != nil {
		return fmt.Errorf("dlq delete %s: %w", rid, err)
	}
	return nil
}

func (s *RedisStore) IncrementAttempt(ctx context.Context, rid string, nextAt time.Time) (int, error) {
	n, err := incrementScript.Run(ctx, s.rdb,
		[]string{entryKey(rid), scheduleKey},
		rid, nextAt.UTC().Format(time.RFC3339Nano), nextAt.UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("dlq increment %s: %w", rid, err)
	}
	return n, nil
}

func (s *RedisStore) TerminalDrop(ctx context.Context, rid string) error {
	err := terminalScript.Run(ctx, s.rdb,
		[]string{entryKey(rid), scheduleKey, lockKey(rid), terminalKey(rid)},
		rid, int(TerminalTTL.Seconds()),
	).Err()
	if err != nil {
		return fmt.Errorf("dlq terminal drop %s: %w", rid, err)
	}
	return nil
}

func (s *RedisStore) GetReady(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	rids, err := s.rdb.ZRangeByScore(ctx, scheduleKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq schedule scan: %w", err)
	}

	out := make([]Entry, 0, len(rids))
	for _, rid := range rids {
		raw, err := s.rdb.Get(ctx, entryKey(rid)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Payload TTL expired under a lingering schedule member;
			// repair atomically and move on.
			if remErr := s.rdb.ZRem(ctx, scheduleKey, rid).Err(); remErr != nil {
				return nil, fmt.Errorf("dlq orphan repair %s: %w", rid, remErr)
			}
			s.logger.Warn("repaired orphaned schedule member", "reservation_id", rid)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("dlq read %s: %w", rid, err)
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("dlq decode %s: %w", rid, err)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *RedisStore) ClaimForReplay(ctx context.Context, rid string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, lockKey(rid), "1", LockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("dlq claim %s: %w", rid, err)
	}
	return ok, nil
}

func (s *RedisStore) ReleaseClaim(ctx context.Context, rid string) error {
	return s.rdb.Del(ctx, lockKey(rid)).Err()
}

func (s *RedisStore) Get(ctx context.Context, rid string) (*Entry, bool, error) {
	raw, err := s.rdb.Get(ctx, entryKey(rid)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, err
	}
	return &e, true, nil
}

func (s *RedisStore) Depth(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, scheduleKey).Result()
}

// CheckPersistence probes CONFIG GET appendonly. Managed redis offerings
// often restrict CONFIG; that maps to check-restricted, never an error.
func (s *RedisStore) CheckPersistence(ctx context.Context) PersistenceStatus {
	res, err := s.rdb.ConfigGet(ctx, "appendonly").Result()
	if err != nil {
		s.logger.Warn("persistence check restricted", "error", err)
		return PersistenceCheckRestricted
	}
	if v, ok := res["appendonly"]; ok && v == "yes" {
		return PersistenceVerified
	}
	return PersistenceNotEnabled
}
