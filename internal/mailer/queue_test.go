package mailer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/PaulBabatuyi/anonymous-messages/internal/logging"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	key string
	msg amqp.Publishing
	err error
}

func (p *recordingPublisher) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	p.key, p.msg = key, msg
	return p.err
}

func TestQueuePublishesPersistentJSON(t *testing.T) {
	pub := &recordingPublisher{}
	q := NewQueue(pub, logging.Discard())

	v := Verification{Email: "a@example.com", Username: "alice", Code: "123456"}
	require.NoError(t, q.SendVerification(context.Background(), v))

	assert.Equal(t, QueueName, pub.key)
	assert.Equal(t, amqp.Persistent, pub.msg.DeliveryMode)
	assert.Equal(t, "application/json", pub.msg.ContentType)
	assert.NotEmpty(t, pub.msg.MessageId)

	var decoded Verification
	require.NoError(t, json.Unmarshal(pub.msg.Body, &decoded))
	assert.Equal(t, v, decoded)
}

func TestQueuePublishFailure(t *testing.T) {
	q := NewQueue(&recordingPublisher{err: errors.New("channel closed")}, logging.Discard())
	assert.Error(t, q.SendVerification(context.Background(), Verification{}))
}

type stubSender struct {
	calls int
	err   error
}

func (s *stubSender) SendVerification(ctx context.Context, v Verification) error {
	s.calls++
	return s.err
}

func TestConsumerHandle(t *testing.T) {
	body, _ := json.Marshal(Verification{Email: "a@example.com", Username: "alice", Code: "1"})
	ctx := context.Background()

	ok := &stubSender{}
	c := NewConsumer(ok, 6000, time.Second, logging.Discard())
	assert.Equal(t, ack, c.handle(ctx, body, false))
	assert.Equal(t, 1, ok.calls)

	failing := &stubSender{err: errors.New("smtp down")}
	c = NewConsumer(failing, 6000, time.Second, logging.Discard())
	assert.Equal(t, requeue, c.handle(ctx, body, false))
	assert.Equal(t, drop, c.handle(ctx, body, true))

	assert.Equal(t, drop, c.handle(ctx, []byte("{not json"), false))
}

func TestConsumerPacing(t *testing.T) {
	body, _ := json.Marshal(Verification{Username: "alice"})
	sender := &stubSender{}
	// one email per 100ms
	c := NewConsumer(sender, 600, time.Second, logging.Discard())

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.Equal(t, ack, c.handle(context.Background(), body, false))
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, requeue, c.handle(ctx, body, false))
}
