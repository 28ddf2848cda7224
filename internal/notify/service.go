package notify

import (
	"context"
	"fmt"

	kafkax "github.com/ariefcatur/go-mpesa-orders/internal/kafka"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Repository interface {
	SaveNotification(ctx context.Context, eventID string, n Notification) error
}

type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// Service persists consumed notifications. Plugged in as the consumer handler.
type Service struct {
	Repo  Repository
	Dedup Deduper
	Log   *zap.Logger
}

func (s *Service) HandleNotification(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		// poison message: committing it is better than blocking the partition
		s.Log.Warn("notification_undecodable", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != EventNotification {
		return nil
	}

	key := "notifier:" + env.EventID
	if seen, _ := s.Dedup.Seen(ctx, key); seen {
		return nil
	}

	n, err := kafkax.UnwrapPayload[Notification](env.Payload)
	if err != nil {
		s.Log.Warn("notification_payload_invalid", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	if err := s.Repo.SaveNotification(ctx, env.EventID, n); err != nil {
		return fmt.Errorf("save notification %s: %w", env.EventID, err)
	}
	if err := s.Dedup.Mark(ctx, key); err != nil {
		s.Log.Debug("notification_dedup_mark_failed", zap.Error(err))
	}
	s.Log.Info("notification_stored",
		zap.String("event_id", env.EventID), zap.String("kind", n.Kind), zap.String("audience", n.Audience))
	return nil
}
