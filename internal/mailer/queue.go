package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"golang.org/x/time/rate"
)

// QueueName is the durable queue holding pending verification emails.
const QueueName = "verification_email"

// Broker owns the AMQP connection and channel.
type Broker struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Dial connects to url and declares the mail queue.
func Dial(url string) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(QueueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare %s: %w", QueueName, err)
	}
	return &Broker{conn: conn, channel: ch}, nil
}

// Channel returns the broker channel.
func (b *Broker) Channel() *amqp.Channel { return b.channel }

// Close closes the channel and the connection.
func (b *Broker) Close() error {
	var errs []error
	if err := b.channel.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}
	if err := b.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close broker: %v", errs)
	}
	return nil
}

// Publisher is the part of *amqp.Channel the queue needs.
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Queue is a Sender that defers delivery to a Consumer through the broker.
type Queue struct {
	pub Publisher
	log *logrus.Entry
}

// NewQueue returns a Queue publishing through pub.
func NewQueue(pub Publisher, log *logrus.Entry) *Queue {
	return &Queue{pub: pub, log: log}
}

// SendVerification enqueues v as a persistent JSON message.
func (q *Queue) SendVerification(ctx context.Context, v Verification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal verification: %w", err)
	}

	id := uuid.NewString()
	err = q.pub.Publish("", QueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    id,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish verification: %w", err)
	}

	q.log.WithFields(logrus.Fields{"username": v.Username, "amqp_message_id": id}).Info("verification email queued")
	return nil
}

// Consumer drains the mail queue into a Sender at a bounded rate.
type Consumer struct {
	sender  Sender
	limiter *rate.Limiter
	timeout time.Duration
	log     *logrus.Entry
}

// NewConsumer returns a Consumer sending at most perMinute emails a minute.
func NewConsumer(sender Sender, perMinute int, timeout time.Duration, log *logrus.Entry) *Consumer {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &Consumer{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		timeout: timeout,
		log:     log,
	}
}

type disposition int

const (
	ack disposition = iota
	requeue
	drop
)

// handle sends one queued message. Failed deliveries are retried once.
func (c *Consumer) handle(ctx context.Context, body []byte, redelivered bool) disposition {
	var v Verification
	if err := json.Unmarshal(body, &v); err != nil {
		c.log.WithError(err).Warn("dropping malformed mail message")
		return drop
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return requeue
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.sender.SendVerification(sendCtx, v); err != nil {
		log := c.log.WithError(err).WithField("username", v.Username)
		if redelivered {
			log.Error("verification email failed twice, dropping")
			return drop
		}
		log.Warn("verification email failed, requeueing")
		return requeue
	}
	return ack
}

// Run consumes the queue on ch until ctx is done or the channel closes.
func (c *Consumer) Run(ctx context.Context, ch *amqp.Channel) error {
	deliveries, err := ch.Consume(QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", QueueName, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			var err error
			switch c.handle(ctx, d.Body, d.Redelivered) {
			case ack:
				err = d.Ack(false)
			case requeue:
				err = d.Nack(false, true)
			case drop:
				err = d.Nack(false, false)
			}
			if err != nil {
				c.log.WithError(err).Warn("acknowledging mail message failed")
			}
		}
	}
}
