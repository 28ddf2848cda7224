package notify

import (
	"context"
	"errors"
	"testing"

	kafkax "github.com/ariefcatur/go-mpesa-orders/internal/kafka"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type capturePublisher struct {
	key, value []byte
	headers    []kafkago.Header
	err        error
}

func (p *capturePublisher) TryPublish(key, value []byte, headers ...kafkago.Header) error {
	p.key, p.value, p.headers = key, value, headers
	return p.err
}

type memRepo struct {
	saved map[string]Notification
	err   error
}

func (r *memRepo) SaveNotification(_ context.Context, eventID string, n Notification) error {
	if r.err != nil {
		return r.err
	}
	r.saved[eventID] = n
	return nil
}

type memDedup map[string]bool

func (d memDedup) Seen(_ context.Context, key string) (bool, error) { return d[key], nil }
func (d memDedup) Mark(_ context.Context, key string) error {
	d[key] = true
	return nil
}

func publish(t *testing.T, n Notification) kafkago.Message {
	t.Helper()
	pub := &capturePublisher{}
	sink := &KafkaSink{Producer: pub, Service: "order-api"}
	require.NoError(t, sink.Notify(context.Background(), n))
	return kafkago.Message{Key: pub.key, Value: pub.value, Headers: pub.headers}
}

func TestKafkaSink_Envelope(t *testing.T) {
	m := publish(t, Notification{Kind: KindLowStock, ProductID: "p-1", Audience: AudienceAdmin, Message: "Sugar 2kg has 2 left"})

	assert.Equal(t, "p-1", string(m.Key))
	env, err := kafkax.UnmarshalEnvelope(m.Value)
	require.NoError(t, err)
	assert.Equal(t, EventNotification, env.EventType)
	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, "order-api", env.Producer)
}

func TestKafkaSink_PropagatesBufferFull(t *testing.T) {
	sink := &KafkaSink{Producer: &capturePublisher{err: kafkax.ErrBufferFull}}
	err := sink.Notify(context.Background(), Notification{OrderID: "o-1"})
	assert.ErrorIs(t, err, kafkax.ErrBufferFull)
}

func TestService_HandleNotification(t *testing.T) {
	repo := &memRepo{saved: map[string]Notification{}}
	dedup := memDedup{}
	svc := &Service{Repo: repo, Dedup: dedup, Log: zap.NewNop()}
	ctx := context.Background()

	m := publish(t, Notification{Kind: KindOrderStatus, OrderID: "o-1", Audience: "cust-1", Title: "Order paid"})
	require.NoError(t, svc.HandleNotification(ctx, m))
	require.Len(t, repo.saved, 1)

	// redelivery of the same event is skipped
	require.NoError(t, svc.HandleNotification(ctx, m))
	assert.Len(t, repo.saved, 1)
}

func TestService_HandleNotification_Errors(t *testing.T) {
	repo := &memRepo{saved: map[string]Notification{}, err: errors.New("db down")}
	svc := &Service{Repo: repo, Dedup: memDedup{}, Log: zap.NewNop()}
	ctx := context.Background()

	assert.NoError(t, svc.HandleNotification(ctx, kafkago.Message{Value: []byte("not json")}), "poison messages are skipped")

	m := publish(t, Notification{Kind: KindOrderStatus, OrderID: "o-2"})
	assert.Error(t, svc.HandleNotification(ctx, m), "store failures keep the offset uncommitted")
}
