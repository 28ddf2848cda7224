package redisx

import "time"

const (
	// order_status:{order_id} -> StatusView JSON
	KeyOrderStatus = "order_status:%s"

	// dedup:{service}:{id}, id = notifier event id or mpesa checkout id + result code
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
