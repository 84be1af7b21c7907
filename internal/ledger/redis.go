package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisLedger implements the capacity ledger on Redis, used as the Pro
// tier ledger shared across nodes. The reserve path is a single Lua
// script, so the capacity check and the increment are atomic per
// (counterparty, day) key, and the per-proposal result is stored under
// a dedup key for idempotent retries.
type RedisLedger struct {
	client         *redis.Client
	reserveTimeout time.Duration
	entryTTL       time.Duration
}

// reserveScript arguments: KEYS[1]=day counter, KEYS[2]=proposal dedup.
// ARGV: amount, capacity (-1 = uncapped), ttl millis.
// Returns {okFlag, reservedAfter, dedupFlag}; floats travel as strings
// because Lua numbers truncate to integers on the Redis reply path.
var reserveScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local prior = redis.call('GET', KEYS[2])
if prior then
	local reserved = tonumber(redis.call('GET', KEYS[1]) or '0')
	return {tonumber(prior), tostring(reserved), 1}
end

local reserved = tonumber(redis.call('GET', KEYS[1]) or '0')
local ok = 1
if capacity >= 0 and reserved + amount > capacity then
	ok = 0
else
	reserved = reserved + amount
	redis.call('SET', KEYS[1], tostring(reserved), 'PX', ttl)
end

redis.call('SET', KEYS[2], tostring(ok), 'PX', ttl)
return {ok, tostring(reserved), 0}
`)

// NewRedisLedger creates a Redis-backed capacity ledger.
func NewRedisLedger(cfg domain.LedgerConfig) (*RedisLedger, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	reserveTimeout := cfg.ReserveTimeout
	if reserveTimeout == 0 {
		reserveTimeout = 2 * time.Second
	}
	entryTTL := cfg.EntryTTL
	if entryTTL == 0 {
		entryTTL = 48 * time.Hour
	}

	return &RedisLedger{
		client:         client,
		reserveTimeout: reserveTimeout,
		entryTTL:       entryTTL,
	}, nil
}

// Reserve runs the atomic reserve script with a bounded timeout. A
// deadline hit surfaces as context.DeadlineExceeded; the caller treats
// the candidate as exhausted rather than failing the evaluation.
func (l *RedisLedger) Reserve(ctx context.Context, tenantID, counterpartyID, operatingDay string, amount float64, capacity *float64, proposalID string) (domain.Reservation, error) {
	if tenantID == "" {
		return domain.Reservation{}, fmt.Errorf("tenantID is required")
	}
	if proposalID == "" {
		return domain.Reservation{}, fmt.Errorf("proposalID is required")
	}

	ctx, cancel := context.WithTimeout(ctx, l.reserveTimeout)
	defer cancel()

	capArg := -1.0
	if capacity != nil {
		capArg = *capacity
	}

	counterKey := l.counterKey(tenantID, counterpartyID, operatingDay)
	dedupKey := l.dedupKey(tenantID, counterpartyID, operatingDay, proposalID)

	raw, err := reserveScript.Run(ctx, l.client,
		[]string{counterKey, dedupKey},
		amount, capArg, l.entryTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("reserve script failed: %w", err)
	}
	if len(raw) != 3 {
		return domain.Reservation{}, fmt.Errorf("reserve script returned %d values", len(raw))
	}

	okFlag, err := toInt64(raw[0])
	if err != nil {
		return domain.Reservation{}, err
	}
	reserved, err := toFloat(raw[1])
	if err != nil {
		return domain.Reservation{}, err
	}
	dupFlag, err := toInt64(raw[2])
	if err != nil {
		return domain.Reservation{}, err
	}

	res := domain.Reservation{
		OK:        okFlag == 1,
		Duplicate: dupFlag == 1,
	}
	if capacity == nil {
		res.Uncapped = true
	} else {
		res.Remaining = *capacity - reserved
	}
	return res, nil
}

// Reserved returns the committed total for the key.
func (l *RedisLedger) Reserved(ctx context.Context, tenantID, counterpartyID, operatingDay string) (float64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("tenantID is required")
	}

	val, err := l.client.Get(ctx, l.counterKey(tenantID, counterpartyID, operatingDay)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(val, 64)
}

// Snapshot reads reserved totals with a single MGET so routing sees a
// consistent view.
func (l *RedisLedger) Snapshot(ctx context.Context, tenantID string, counterpartyIDs []string, operatingDay string) (map[string]float64, error) {
	if len(counterpartyIDs) == 0 {
		return map[string]float64{}, nil
	}

	keys := make([]string, len(counterpartyIDs))
	for i, id := range counterpartyIDs {
		keys[i] = l.counterKey(tenantID, id, operatingDay)
	}

	vals, err := l.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]float64, len(counterpartyIDs))
	for i, v := range vals {
		if v == nil {
			snapshot[counterpartyIDs[i]] = 0
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected snapshot value type %T", v)
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		snapshot[counterpartyIDs[i]] = f
	}
	return snapshot, nil
}

// Ping checks Redis connectivity.
func (l *RedisLedger) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (l *RedisLedger) Close() error {
	return l.client.Close()
}

func (l *RedisLedger) counterKey(tenantID, counterpartyID, operatingDay string) string {
	return "kestrel:" + tenantID + ":ledger:" + counterpartyID + ":" + operatingDay
}

func (l *RedisLedger) dedupKey(tenantID, counterpartyID, operatingDay, proposalID string) string {
	return l.counterKey(tenantID, counterpartyID, operatingDay) + ":proposal:" + proposalID
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected script value type %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case string:
		return strconv.ParseFloat(n, 64)
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("unexpected script value type %T", v)
	}
}
