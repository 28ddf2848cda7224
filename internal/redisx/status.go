package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-mpesa-orders/internal/orders"
	"github.com/redis/go-redis/v9"
)

// StatusCache keeps the latest order status for cheap polling.
type StatusCache struct {
	Client redis.Cmdable
}

func (c *StatusCache) GetStatus(ctx context.Context, orderID string) (*orders.StatusView, error) {
	s, err := c.Client.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v orders.StatusView
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *StatusCache) SetStatus(ctx context.Context, v orders.StatusView) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Client.Set(ctx, fmt.Sprintf(KeyOrderStatus, v.OrderID), b, TTLStatusCache).Err()
}

// FillStatus writes v only if no entry exists, so a read-through fill never
// replaces a status written by a transition.
func (c *StatusCache) FillStatus(ctx context.Context, v orders.StatusView) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Client.SetNX(ctx, fmt.Sprintf(KeyOrderStatus, v.OrderID), b, TTLStatusCache).Err()
}
