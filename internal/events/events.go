// Package events はジョブの終端イベントを外部へ通知します。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/yourusername/catalog-vision/internal/jobs"
)

// イベント種別（ルーティングキー）
const (
	TypeJobCompleted = "job.completed"
	TypeJobFailed    = "job.failed"
)

// Event はジョブの終端イベントです。
type Event struct {
	Type       string          `json:"type"`
	JobID      string          `json:"jobId"`
	Kind       jobs.Kind       `json:"kind"`
	Status     jobs.Status     `json:"status"`
	Owner      jobs.OwnerRef   `json:"owner"`
	Error      *jobs.ErrorInfo `json:"error,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// FromRecord は終端状態のレコードからイベントを作成します。終端でなければ false を返します。
func FromRecord(rec jobs.Record) (Event, bool) {
	var typ string
	switch rec.Status {
	case jobs.StatusCompleted:
		typ = TypeJobCompleted
	case jobs.StatusFailed:
		typ = TypeJobFailed
	default:
		return Event{}, false
	}
	occurred := rec.UpdatedAt
	if rec.CompletedAt != nil {
		occurred = *rec.CompletedAt
	}
	return Event{
		Type:       typ,
		JobID:      rec.ID,
		Kind:       rec.Kind,
		Status:     rec.Status,
		Owner:      rec.Owner,
		Error:      rec.Error,
		OccurredAt: occurred,
	}, true
}

// Publisher はイベントの送信先です。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop は何も送信しない Publisher です。
type Nop struct{}

func (Nop) Publish(ctx context.Context, event Event) error { return nil }
func (Nop) Close() error                                  { return nil }

// RabbitPublisher は RabbitMQ の topic exchange へイベントを送信します。
type RabbitPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
}

// NewRabbitPublisher は接続し、exchange を宣言します。
func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &RabbitPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

// Publish はイベント種別をルーティングキーとして送信します。
func (p *RabbitPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		event.Type,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    event.JobID,
			Timestamp:    event.OccurredAt,
			Body:         body,
		},
	)
}

// Close はチャネルと接続を閉じます。
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
