package redisx

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Dedup remembers processed ids for TTLDedup. Seen before Mark is check-then-act;
// callers must tolerate an occasional repeat.
type Dedup struct {
	Client  redis.Cmdable
	Service string
}

func (d *Dedup) key(id string) string { return fmt.Sprintf(KeyDedup, d.Service, id) }

func (d *Dedup) Seen(ctx context.Context, id string) (bool, error) {
	return Exists(ctx, d.Client, d.key(id))
}

func (d *Dedup) Mark(ctx context.Context, id string) error {
	return d.Client.Set(ctx, d.key(id), 1, TTLDedup).Err()
}
