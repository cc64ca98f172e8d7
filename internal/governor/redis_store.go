package governor

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gonzaloobispo/Bioengine-v3/internal/models"
	"github.com/gonzaloobispo/Bioengine-v3/internal/storage"
)

// RedisStore implements UsageStore with one hash per provider, a set of
// provider ids and a hash for the paid window. Multi-field updates run as
// Lua scripts so concurrent gateways never lose increments.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a store whose keys are namespaced by prefix
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "governor"
	}
	return &RedisStore{client: client, prefix: prefix}
}

var ensureProviderScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		redis.call('HSET', KEYS[1],
			'provider_id', ARGV[1],
			'cost_class', ARGV[2],
			'usage_count', 0,
			'estimated_cost_usd', 0,
			'allow_usage', ARGV[3],
			'updated_at', ARGV[4])
	elseif redis.call('HGET', KEYS[1], 'cost_class') ~= ARGV[2] then
		redis.call('HSET', KEYS[1],
			'cost_class', ARGV[2],
			'allow_usage', ARGV[3],
			'updated_at', ARGV[4])
	end
	redis.call('SADD', KEYS[2], ARGV[1])
	return 1
`)

var setAllowScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	redis.call('HSET', KEYS[1], 'allow_usage', ARGV[1], 'updated_at', ARGV[2])
	return 1
`)

var addUsageScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 0
	end
	redis.call('HINCRBY', KEYS[1], 'usage_count', 1)
	redis.call('HINCRBYFLOAT', KEYS[1], 'estimated_cost_usd', ARGV[1])
	redis.call('HSET', KEYS[1], 'last_used_at', ARGV[2], 'updated_at', ARGV[2])
	return 1
`)

func (s *RedisStore) providerKey(id string) string {
	return fmt.Sprintf("%s:provider:%s", s.prefix, id)
}

func (s *RedisStore) indexKey() string  { return s.prefix + ":providers" }
func (s *RedisStore) windowKey() string { return s.prefix + ":paid_window" }

func (s *RedisStore) EnsureProvider(ctx context.Context, providerID string, class models.CostClass, initial models.AllowState, at time.Time) error {
	keys := []string{s.providerKey(providerID), s.indexKey()}
	if err := ensureProviderScript.Run(ctx, s.client, keys, providerID, string(class), int(initial), storage.ToMillis(at)).Err(); err != nil {
		return fmt.Errorf("failed to register provider %s: %w", providerID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, providerID string) (*models.UsageRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.providerKey(providerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get usage record: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrUsageRecordNotFound
	}
	return parseRecord(providerID, fields)
}

func (s *RedisStore) List(ctx context.Context) ([]*models.UsageRecord, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	sort.Strings(ids)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.providerKey(id))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to list usage records: %w", err)
		}
	}

	out := make([]*models.UsageRecord, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		rec, err := parseRecord(id, fields)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *RedisStore) SetAllowState(ctx context.Context, providerID string, state models.AllowState, at time.Time) error {
	n, err := setAllowScript.Run(ctx, s.client, []string{s.providerKey(providerID)}, int(state), storage.ToMillis(at)).Int()
	if err != nil {
		return fmt.Errorf("failed to set allow state: %w", err)
	}
	if n == 0 {
		return storage.ErrUsageRecordNotFound
	}
	return nil
}

func (s *RedisStore) AddUsage(ctx context.Context, providerID string, costUSD float64, at time.Time) error {
	cost := strconv.FormatFloat(costUSD, 'f', -1, 64)
	n, err := addUsageScript.Run(ctx, s.client, []string{s.providerKey(providerID)}, cost, storage.ToMillis(at)).Int()
	if err != nil {
		return fmt.Errorf("failed to add usage: %w", err)
	}
	if n == 0 {
		return storage.ErrUsageRecordNotFound
	}
	return nil
}

func (s *RedisStore) GetWindow(ctx context.Context) (*models.PaidWindow, error) {
	fields, err := s.client.HGetAll(ctx, s.windowKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get paid window: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNoPaidWindow
	}

	w := &models.PaidWindow{}
	enabled, err := parseInt(fields, "enabled_at")
	if err != nil {
		return nil, err
	}
	w.EnabledAt = storage.FromMillis(enabled)
	if expires, err := parseInt(fields, "expires_at"); err != nil {
		return nil, err
	} else if expires > 0 {
		w.ExpiresAt = storage.FromMillis(expires)
	}
	if w.MaxCostUSD, err = parseFloat(fields, "max_cost_usd"); err != nil {
		return nil, err
	}
	if w.CostBaselineUSD, err = parseFloat(fields, "cost_baseline_usd"); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *RedisStore) SaveWindow(ctx context.Context, w *models.PaidWindow) error {
	var expires int64
	if !w.ExpiresAt.IsZero() {
		expires = storage.ToMillis(w.ExpiresAt)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.windowKey())
	pipe.HSet(ctx, s.windowKey(),
		"enabled_at", storage.ToMillis(w.EnabledAt),
		"expires_at", expires,
		"max_cost_usd", strconv.FormatFloat(w.MaxCostUSD, 'f', -1, 64),
		"cost_baseline_usd", strconv.FormatFloat(w.CostBaselineUSD, 'f', -1, 64),
	)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save paid window: %w", err)
	}
	return nil
}

func (s *RedisStore) ClearWindow(ctx context.Context) error {
	if err := s.client.Del(ctx, s.windowKey()).Err(); err != nil {
		return fmt.Errorf("failed to clear paid window: %w", err)
	}
	return nil
}

func parseRecord(providerID string, fields map[string]string) (*models.UsageRecord, error) {
	rec := &models.UsageRecord{
		ProviderID: providerID,
		CostClass:  models.CostClass(fields["cost_class"]),
	}
	var err error
	if rec.UsageCount, err = parseInt(fields, "usage_count"); err != nil {
		return nil, err
	}
	if rec.EstimatedCostUSD, err = parseFloat(fields, "estimated_cost_usd"); err != nil {
		return nil, err
	}
	allow, err := parseInt(fields, "allow_usage")
	if err != nil {
		return nil, err
	}
	rec.AllowUsage = models.AllowState(allow)

	updated, err := parseInt(fields, "updated_at")
	if err != nil {
		return nil, err
	}
	rec.UpdatedAt = storage.FromMillis(updated)

	if _, ok := fields["last_used_at"]; ok {
		used, err := parseInt(fields, "last_used_at")
		if err != nil {
			return nil, err
		}
		t := storage.FromMillis(used)
		rec.LastUsedAt = &t
	}
	return rec, nil
}

func parseInt(fields map[string]string, name string) (int64, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return n, nil
}

func parseFloat(fields map[string]string, name string) (float64, error) {
	v, ok := fields[name]
	if !ok || v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return f, nil
}
