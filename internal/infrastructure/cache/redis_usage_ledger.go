package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tiersync/backend/internal/domain/integration"
	"github.com/tiersync/backend/internal/infrastructure/config"
)

// admitScript counts the trailing windows of one target and appends the
// call only when every window has headroom. Scores are passed as strings:
// Lua numbers print unix micros with too few digits.
//
// KEYS[1] usage sorted set of the target
// ARGV[1] score, ARGV[2] member, ARGV[3] key ttl (ms), ARGV[4] prune bound
// ARGV[5..] pairs of exclusive window start and cap
//
// Returns {admitted, count_1, ..., count_n}.
var admitScript = redis.NewScript(`
local key = KEYS[1]
local windows = (#ARGV - 4) / 2

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[4])

local result = {1}
for i = 1, windows do
  local count = redis.call('ZCOUNT', key, ARGV[3 + 2 * i], '+inf')
  result[i + 1] = count
  if count >= tonumber(ARGV[4 + 2 * i]) then
    result[1] = 0
  end
end

if result[1] == 1 then
  redis.call('ZADD', key, ARGV[1], ARGV[2])
  redis.call('PEXPIRE', key, ARGV[3])
end
return result
`)

// RedisUsageLedger keeps one sorted set per target, scored by call time in
// unix microseconds. Admission runs as a single Lua script so several
// scheduler processes can share one budget.
type RedisUsageLedger struct {
	client    *redis.Client
	keyPrefix string
	retention time.Duration
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisUsageLedger creates a ledger on client. retention bounds how long
// an idle target key survives; it is raised to one hour if shorter.
func NewRedisUsageLedger(client *redis.Client, keyPrefix string, retention time.Duration) *RedisUsageLedger {
	if keyPrefix == "" {
		keyPrefix = "tiersync:"
	}
	if retention < time.Hour {
		retention = time.Hour
	}
	return &RedisUsageLedger{
		client:    client,
		keyPrefix: keyPrefix,
		retention: retention,
	}
}

func (l *RedisUsageLedger) key(target integration.TargetCode) string {
	return l.keyPrefix + "usage:" + target.String()
}

func member(rec integration.UsageRecord, i int) string {
	if i == 0 {
		return rec.Tier.String() + ":" + rec.ID.String()
	}
	return rec.Tier.String() + ":" + rec.ID.String() + ":" + strconv.Itoa(i)
}

// Record appends rec. A record with CallCount n is stored as n members.
func (l *RedisUsageLedger) Record(ctx context.Context, rec integration.UsageRecord) error {
	n := rec.CallCount
	if n <= 0 {
		n = 1
	}
	score := float64(rec.Timestamp.UnixMicro())
	members := make([]redis.Z, n)
	for i := range members {
		members[i] = redis.Z{Score: score, Member: member(rec, i)}
	}

	key := l.key(rec.Target)
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, key, members...)
	pipe.PExpire(ctx, key, l.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// CountSince counts calls of target strictly after since
func (l *RedisUsageLedger) CountSince(ctx context.Context, target integration.TargetCode, since time.Time) (int, error) {
	n, err := l.client.ZCount(ctx, l.key(target), exclusive(since), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count usage: %w", err)
	}
	return int(n), nil
}

// AdmitAndRecord implements integration.AdmissionLedger
func (l *RedisUsageLedger) AdmitAndRecord(ctx context.Context, rec integration.UsageRecord, limits []integration.WindowLimit) (bool, []integration.WindowUsage, error) {
	args := make([]any, 0, 4+2*len(limits))
	args = append(args,
		strconv.FormatInt(rec.Timestamp.UnixMicro(), 10),
		member(rec, 0),
		l.retention.Milliseconds(),
		exclusive(rec.Timestamp.Add(-l.retention)),
	)
	for _, lim := range limits {
		args = append(args, exclusive(rec.Timestamp.Add(-lim.Span)), lim.Cap)
	}

	raw, err := admitScript.Run(ctx, l.client, []string{l.key(rec.Target)}, args...).Int64Slice()
	if err != nil {
		return false, nil, fmt.Errorf("failed to run admission script: %w", err)
	}
	if len(raw) != len(limits)+1 {
		return false, nil, fmt.Errorf("admission script returned %d values, want %d", len(raw), len(limits)+1)
	}

	counts := make([]int, len(limits))
	for i := range limits {
		counts[i] = int(raw[i+1])
	}
	_, usage := integration.EvaluateWindows(limits, counts)
	return raw[0] == 1, usage, nil
}

// PruneBefore removes calls older than before from every target key
func (l *RedisUsageLedger) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	var removed int64
	iter := l.client.Scan(ctx, 0, l.keyPrefix+"usage:*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := l.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", exclusive(before)).Result()
		if err != nil {
			return removed, fmt.Errorf("failed to prune usage: %w", err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan usage keys: %w", err)
	}
	return removed, nil
}

// Close closes the Redis client
func (l *RedisUsageLedger) Close() error {
	return l.client.Close()
}

func exclusive(t time.Time) string {
	return "(" + strconv.FormatInt(t.UnixMicro(), 10)
}

var (
	_ integration.AdmissionLedger = (*RedisUsageLedger)(nil)
	_ integration.UsagePruner     = (*RedisUsageLedger)(nil)
)
