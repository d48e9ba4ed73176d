package projector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/kbtrade/go-market-orders/internal/kafka"
	"github.com/kbtrade/go-market-orders/internal/orders"
	"github.com/kbtrade/go-market-orders/internal/redisx"
)

// Service projects the order event stream into the redis status cache,
// so status reads skip the database. Plugged in as a consumer handler.
type Service struct {
	Redis       *redis.Client
	ServiceName string
}

func (s *Service) HandleOrderEvent(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}

	// dedup on event id; redelivery is normal with manual commits
	dkey := fmt.Sprintf(redisx.KeyDedup, s.ServiceName, env.EventID)
	if exists, _ := redisx.Exists(ctx, s.Redis, dkey); exists {
		return nil
	}
	_ = s.Redis.Set(ctx, dkey, "1", redisx.TTLDedup).Err()

	orderNo := env.CorrelationID
	if orderNo == "" {
		return nil
	}
	key := fmt.Sprintf(redisx.KeyOrderStatus, orderNo)

	switch env.EventType {
	case orders.EventOrderDeleted:
		return s.Redis.Del(ctx, key).Err()
	case orders.EventOrderCreated:
		return s.cache(ctx, key, orders.StatusPendingPayment)
	case orders.EventRefundApplied, orders.EventRefundResolved:
		p, err := kafkax.UnwrapPayload[orders.RefundPayload](env.Payload)
		if err != nil {
			return err
		}
		return s.cache(ctx, key, p.Status)
	default:
		p, err := kafkax.UnwrapPayload[orders.OrderStatusPayload](env.Payload)
		if err != nil {
			return err
		}
		return s.cache(ctx, key, p.Status)
	}
}

func (s *Service) cache(ctx context.Context, key string, st orders.Status) error {
	body, _ := json.Marshal(map[string]any{"status": st})
	return s.Redis.Set(ctx, key, body, redisx.TTLStatusCache).Err()
}
