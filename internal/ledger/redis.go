package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/listing-harvester/internal/crawler"
)

// DefaultRedisKey is the list key used when none is configured.
const DefaultRedisKey = "harvest:retry"

// Redis keeps the ledger in a list; each element is one JSON-encoded work item.
type Redis struct {
	client redis.Cmdable
	key    string
}

// NewRedis returns a ledger stored under key.
func NewRedis(client redis.Cmdable, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

// Append pushes targets onto the tail of the list.
func (r *Redis) Append(ctx context.Context, targets []crawler.WorkItem) error {
	if len(targets) == 0 {
		return nil
	}
	values, err := encodeAll(targets)
	if err != nil {
		return err
	}
	if err := r.client.RPush(ctx, r.key, values...).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", r.key, err)
	}
	return nil
}

// Load reads the whole list.
func (r *Redis) Load(ctx context.Context) ([]crawler.WorkItem, error) {
	raw, err := r.client.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange %s: %w", r.key, err)
	}
	items := make([]crawler.WorkItem, 0, len(raw))
	for _, s := range raw {
		var item crawler.WorkItem
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			return nil, fmt.Errorf("decode ledger entry %q: %w", s, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// Replace swaps the list contents in one transaction.
func (r *Redis) Replace(ctx context.Context, items []crawler.WorkItem) error {
	values, err := encodeAll(items)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		if len(values) > 0 {
			pipe.RPush(ctx, r.key, values...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace %s: %w", r.key, err)
	}
	return nil
}

func encodeAll(items []crawler.WorkItem) ([]any, error) {
	values := make([]any, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("encode ledger entry: %w", err)
		}
		values = append(values, string(data))
	}
	return values, nil
}
