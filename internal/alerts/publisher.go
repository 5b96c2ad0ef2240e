// Package alerts forwards high-severity security events to a RabbitMQ topic
// exchange so an on-call consumer can react to them.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type Alert struct {
	Type       string         `json:"type"`
	Severity   string         `json:"severity"`
	UserID     string         `json:"userId,omitempty"`
	RequestID  string         `json:"requestId,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// RoutingKey is "security.<type>".
func (a Alert) RoutingKey() string {
	return "security." + a.Type
}

type Publisher interface {
	Publish(ctx context.Context, alert Alert) error
	Close()
}

// LogPublisher is used when no broker is configured or reachable at startup.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(ctx context.Context, alert Alert) error {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("security alert",
		zap.String("routing_key", alert.RoutingKey()),
		zap.String("severity", alert.Severity),
		zap.String("user_id", alert.UserID),
		zap.String("request_id", alert.RequestID),
		zap.Any("details", alert.Details),
	)
	return nil
}

func (LogPublisher) Close() {}

type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url scheme must be amqp or amqps")
	}
	return clean, nil
}

func NewAMQPPublisher(amqpURL, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if exchange == "" {
		exchange = "attendance.security"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	p := &AMQPPublisher{conn: conn, exchange: exchange, logger: logger}
	if err := p.reopen(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) reopen() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return err
	}
	p.channel = ch
	return nil
}

// Publish sends the alert as JSON. A failed publish reopens the channel and
// retries once.
func (p *AMQPPublisher) Publish(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx, p.exchange, alert.RoutingKey(), false, false, msg)
	if err == nil {
		return nil
	}
	p.logger.Warn("alert publish failed, reopening channel", zap.String("exchange", p.exchange), zap.Error(err))
	if reopenErr := p.reopen(); reopenErr != nil {
		return errors.Join(err, reopenErr)
	}
	return p.channel.PublishWithContext(ctx, p.exchange, alert.RoutingKey(), false, false, msg)
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
