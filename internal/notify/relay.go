package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"github.com/Kecupro/SoftwareManage-sub001/internal/config"
	"github.com/Kecupro/SoftwareManage-sub001/internal/domain"
)

// NewRelay builds the relay selected by cfg.Relay. It returns nil for "none".
func NewRelay(cfg config.NotifyConfig) (Relay, error) {
	switch cfg.Relay {
	case "", "none":
		return nil, nil
	case "nats":
		return NewNATSRelay(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
	case "kafka":
		return NewKafkaRelay(cfg.Kafka.Brokers, cfg.Kafka.Topic), nil
	case "amqp":
		return NewAMQPRelay(cfg.AMQP.URL, cfg.AMQP.Queue)
	default:
		return nil, fmt.Errorf("unsupported notification relay %q", cfg.Relay)
	}
}

// Publisher is the subset of *nats.Conn the relay needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSRelay publishes each notification on <prefix>.<recipient>.
type NATSRelay struct {
	conn   Publisher
	closer func()
	prefix string
}

func NewNATSRelay(url, prefix string) (*NATSRelay, error) {
	conn, err := nats.Connect(url, nats.Name("sm-notify"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSRelay{conn: conn, closer: conn.Close, prefix: prefix}, nil
}

// NewNATSRelayWithConn allows injecting a test publisher.
func NewNATSRelayWithConn(conn Publisher, prefix string) *NATSRelay {
	return &NATSRelay{conn: conn, prefix: prefix}
}

func (r *NATSRelay) Subject(n domain.Notification) string {
	if r.prefix == "" {
		return n.RecipientUserID
	}
	return r.prefix + "." + n.RecipientUserID
}

func (r *NATSRelay) Publish(_ context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.conn.Publish(r.Subject(n), data)
}

func (r *NATSRelay) Close() error {
	if r.closer != nil {
		r.closer()
	}
	return nil
}

// KafkaWriter is the subset of *kafka.Writer the relay needs.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaRelay writes notifications keyed by recipient so one user's
// notifications stay ordered within a partition.
type KafkaRelay struct {
	writer KafkaWriter
}

func NewKafkaRelay(brokers []string, topic string) *KafkaRelay {
	return &KafkaRelay{writer: &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}}
}

// NewKafkaRelayWithWriter allows injecting a test writer.
func NewKafkaRelayWithWriter(w KafkaWriter) *KafkaRelay {
	return &KafkaRelay{writer: w}
}

func (r *KafkaRelay) Publish(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(n.RecipientUserID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Type)},
		},
	})
}

func (r *KafkaRelay) Close() error {
	return r.writer.Close()
}

// AMQPRelay publishes persistent messages to a durable queue.
type AMQPRelay struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewAMQPRelay(url, queue string) (*AMQPRelay, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &AMQPRelay{conn: conn, ch: ch, queue: queue}, nil
}

func (r *AMQPRelay) Publish(ctx context.Context, n domain.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.ch.PublishWithContext(ctx, "", r.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    n.ID,
		Type:         n.Type,
		Body:         data,
	})
}

func (r *AMQPRelay) Close() error {
	if err := r.ch.Close(); err != nil {
		return err
	}
	return r.conn.Close()
}
