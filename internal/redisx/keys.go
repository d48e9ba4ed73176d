package redisx

import "time"

const (
	// Fast-path order status: order_status:{order_no} -> {"status": "..."}.
	// Written by the API on transitions and by the event projector.
	KeyOrderStatus = "order_status:%s"

	// Dedup for event processing: dedup:{service}:{event_id}.
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
