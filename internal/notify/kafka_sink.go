package notify

import (
	"context"
	"time"

	kafkax "github.com/ariefcatur/go-mpesa-orders/internal/kafka"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

type publisher interface {
	TryPublish(key, value []byte, headers ...kafkago.Header) error
}

// KafkaSink publishes notifications as envelopes on the notification topic.
type KafkaSink struct {
	Producer publisher
	Service  string
}

func (s *KafkaSink) Notify(_ context.Context, n Notification) error {
	key := n.OrderID
	if key == "" {
		key = n.ProductID
	}
	ev := kafkax.Envelope{
		EventID:       uuid.NewString(),
		EventType:     EventNotification,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.Service,
		CorrelationID: key,
		Payload:       kafkax.MustMarshal(n),
	}
	return s.Producer.TryPublish([]byte(key), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(EventNotification)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
