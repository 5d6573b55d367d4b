package receipts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Receipt is the record cached for each successfully dispatched job, giving
// operators a fast recent-sends view without a store round trip.
type Receipt struct {
	JobID       string    `json:"jobId"`
	Recipient   string    `json:"recipient"`
	StatusCode  int       `json:"statusCode"`
	ProcessedAt time.Time `json:"processedAt"`
}

type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

func (c *Cache) StoreSent(ctx context.Context, r Receipt) error {
	key := fmt.Sprintf("job:%s", r.JobID)
	r.ProcessedAt = r.ProcessedAt.UTC()

	b, err := json.Marshal(r)
	if err != nil {
		return err
	}

	return c.rdb.Set(ctx, key, b, c.ttl).Err()
}
