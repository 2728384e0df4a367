package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"order-pipeline/internal/models"
	"order-pipeline/internal/util"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func newTestProducer(w *fakeWriter) *Producer {
	return &Producer{writer: w, topic: "orders", logger: util.GetLogger()}
}

type fakeReader struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []int64
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.pending) > 0 {
		msg := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestEventPublisherKeysByOrder(t *testing.T) {
	w := &fakeWriter{}
	ep := NewEventPublisher(newTestProducer(w))

	err := ep.PublishStageChanged(context.Background(), &models.OrderStageChangedEvent{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeOrderStageChanged},
		OrderID:   "abc",
		From:      models.StageCheckingStock,
		To:        models.StageProcessingPayment,
		Status:    models.StatusProcessing,
	})
	require.NoError(t, err)
	err = ep.PublishCustomerPromoted(context.Background(), &models.CustomerPromotedEvent{
		BaseEvent:  models.BaseEvent{EventType: models.EventTypeCustomerPromoted},
		CustomerID: "c1",
		TotalSpent: decimal.NewFromInt(2000),
	})
	require.NoError(t, err)

	require.Len(t, w.msgs, 2)
	assert.Equal(t, "order-abc", string(w.msgs[0].Key))
	assert.Equal(t, "customer-c1", string(w.msgs[1].Key))

	var decoded models.OrderStageChangedEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, models.StageProcessingPayment, decoded.To)
	assert.Equal(t, models.StatusProcessing, decoded.Status)
}

func TestProducerWrapsWriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	err := newTestProducer(w).PublishEvent(context.Background(), "k", map[string]string{"a": "b"})
	assert.ErrorContains(t, err, "broker down")
}

func TestQueuePublisherRoundTrip(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, NewQueuePublisher(newTestProducer(w)).Dispatch(context.Background(), "o-1"))
	require.Len(t, w.msgs, 1)

	var got []string
	h := NewEventHandler()
	h.OnOrderQueued(func(_ context.Context, e *models.OrderQueuedEvent) error {
		got = append(got, e.OrderID)
		return nil
	})
	require.NoError(t, h.HandleMessage(context.Background(), w.msgs[0]))
	assert.Equal(t, []string{"o-1"}, got)
}

func TestEventHandlerSkipsUnknownAndRejectsGarbage(t *testing.T) {
	h := NewEventHandler()
	h.OnOrderQueued(func(context.Context, *models.OrderQueuedEvent) error {
		t.Fatal("unexpected dispatch")
		return nil
	})

	assert.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte(`{"event_type":"SOMETHING_ELSE"}`)}))
	assert.Error(t, h.HandleMessage(context.Background(), kafka.Message{Value: []byte(`not json`)}))
}

// consume runs the consumer over r until every pending message is committed
func consume(t *testing.T, r *fakeReader, attempts int, handler MessageHandler) {
	t.Helper()
	want := len(r.pending)
	c := &Consumer{reader: r, topic: "order-queue", logger: util.GetLogger(),
		retryDelay: time.Millisecond, handleAttempts: attempts}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.StartConsuming(ctx, handler) }()

	assert.Eventually(t, func() bool { return len(r.commits()) == want }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestConsumerRetriesRejectedMessage(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}}}
	var mu sync.Mutex
	var seen []int64
	failed := false

	consume(t, r, 3, func(_ context.Context, msg kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msg.Offset)
		if msg.Offset == 2 && !failed {
			failed = true
			return errors.New("pool closed")
		}
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 2, 2, 3}, seen)
	assert.Equal(t, []int64{1, 2, 3}, r.commits())
}

func TestConsumerCommitsPastExhaustedMessage(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}}}
	var mu sync.Mutex
	calls := map[int64]int{}

	consume(t, r, 3, func(_ context.Context, msg kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		calls[msg.Offset]++
		if msg.Offset == 2 {
			return errors.New("poison")
		}
		return nil
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[int64]int{1: 1, 2: 3, 3: 1}, calls)
	assert.Equal(t, []int64{1, 2, 3}, r.commits(), "offsets stay in order")
}

func TestConsumerStopsRetryingOnCancel(t *testing.T) {
	r := &fakeReader{pending: []kafka.Message{{Offset: 1}}}
	c := &Consumer{reader: r, topic: "order-queue", logger: util.GetLogger(),
		retryDelay: time.Hour, handleAttempts: 3}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.StartConsuming(ctx, func(context.Context, kafka.Message) error {
			cancel()
			return errors.New("shutting down")
		})
	}()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Empty(t, r.commits())
}

type closedReader struct{ fakeReader }

func (*closedReader) FetchMessage(context.Context) (kafka.Message, error) {
	return kafka.Message{}, io.EOF
}

func TestConsumerStopsWhenReaderClosed(t *testing.T) {
	c := &Consumer{reader: &closedReader{}, topic: "order-queue", logger: util.GetLogger(), retryDelay: time.Millisecond}
	err := c.StartConsuming(context.Background(), func(context.Context, kafka.Message) error { return nil })
	assert.ErrorIs(t, err, io.EOF)
}
