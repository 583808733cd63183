package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hitoshi/feedsub/internal/metrics"
)

// ErrDeliveriesClosed は配信チャネルがブローカー側で閉じられた場合に返される。
var ErrDeliveriesClosed = errors.New("jobs: 配信チャネルが閉じられました")

// Channel は *amqp.Channel のうちジョブキューが使用するメソッド。
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// Config はRabbitMQの接続設定。
type Config struct {
	URL        string
	Exchange   string
	QueueName  string
	RoutingKey string
	Prefetch   int
}

// RabbitMQ はdirect exchangeと永続キューを使ったジョブキュー。
type RabbitMQ struct {
	conn    *amqp.Connection
	channel Channel
	cfg     Config
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

var _ Publisher = (*RabbitMQ)(nil)

// Dial はRabbitMQに接続し、exchangeとキューを宣言する。
func Dial(cfg Config, logger *slog.Logger, m metrics.MetricsCollector) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	q, err := NewWithChannel(ch, cfg, logger, m)
	if err != nil {
		conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

// NewWithChannel は既存のチャネルからジョブキューを生成し、exchangeとキューを宣言する。
func NewWithChannel(ch Channel, cfg Config, logger *slog.Logger, m metrics.MetricsCollector) (*RabbitMQ, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	logger.Info("ジョブキューに接続しました",
		slog.String("exchange", cfg.Exchange),
		slog.String("queue", q.Name),
		slog.String("routing_key", cfg.RoutingKey),
	)

	cfg.QueueName = q.Name
	return &RabbitMQ{channel: ch, cfg: cfg, logger: logger, metrics: m}, nil
}

// Publish はジョブを永続メッセージとして投入する。
func (r *RabbitMQ) Publish(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	err = r.channel.PublishWithContext(ctx, r.cfg.Exchange, r.cfg.RoutingKey, false, false,
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Type:         string(job.Type),
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}

	r.metrics.RecordJobPublished(string(job.Type))
	r.logger.DebugContext(ctx, "ジョブを投入しました",
		slog.String("type", string(job.Type)),
		slog.String("user_id", job.UserID),
	)
	return nil
}

// Consume はctxがキャンセルされるまでジョブを受信し、handlerで処理する。
//
// 処理に成功したジョブはAckする。解析できないジョブは再投入せずに破棄する。
// handlerが失敗したジョブは初回のみ再投入し、再配信でも失敗した場合は破棄する。
func (r *RabbitMQ) Consume(ctx context.Context, handler Handler) error {
	prefetch := r.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := r.channel.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := r.channel.Consume(r.cfg.QueueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			r.handle(ctx, d, handler)
		}
	}
}

func (r *RabbitMQ) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	var job Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		r.logger.ErrorContext(ctx, "ジョブの解析に失敗しました", slog.String("error", err.Error()))
		r.metrics.RecordJobFailed("malformed")
		_ = d.Nack(false, false)
		return
	}
	if err := job.Validate(); err != nil {
		r.logger.ErrorContext(ctx, "不正なジョブを破棄しました",
			slog.String("type", string(job.Type)),
			slog.String("error", err.Error()),
		)
		r.metrics.RecordJobFailed("malformed")
		_ = d.Nack(false, false)
		return
	}

	if err := handler(ctx, job); err != nil {
		requeue := !d.Redelivered
		r.logger.ErrorContext(ctx, "ジョブの処理に失敗しました",
			slog.String("type", string(job.Type)),
			slog.String("user_id", job.UserID),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
		r.metrics.RecordJobFailed(string(job.Type))
		_ = d.Nack(false, requeue)
		return
	}

	_ = d.Ack(false)
}

// Close はチャネルと接続を閉じる。
func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
