// Package rabbitmq wraps the AMQP connection export jobs are queued through.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned by operations on a closed client
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	DeadLetterExchange string
	RoutingKey         string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// URL returns the amqp:// URL for the configured broker
func (c *Config) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.VHost,
	}
	return u.String()
}

// queueArgs returns the declare arguments for the job queue
func (c *Config) queueArgs() amqp.Table {
	if c.DeadLetterExchange == "" {
		return nil
	}
	return amqp.Table{"x-dead-letter-exchange": c.DeadLetterExchange}
}

// backoff describes how an operation is retried
type backoff struct {
	attempts int
	delay    time.Duration
	factor   float64
}

func (c *Config) connectBackoff() backoff {
	b := backoff{attempts: c.RetryAttempts, delay: c.RetryInterval, factor: 1}
	if b.attempts <= 0 {
		b.attempts = 1
	}
	return b
}

func (c *Config) publishBackoff() backoff {
	b := backoff{attempts: c.PublishRetries + 1, delay: c.PublishRetryDelay, factor: c.PublishBackoffMult}
	if c.PublishRetries <= 0 {
		b.attempts = 4
	}
	if b.delay <= 0 {
		b.delay = 100 * time.Millisecond
	}
	if b.factor <= 0 {
		b.factor = 2.0
	}
	return b
}

// retry runs fn until it succeeds, the attempts run out or ctx is done.
// onRetry is told about every failure that will be retried.
func (b backoff) retry(ctx context.Context, fn func() error, onRetry func(attempt int, wait time.Duration, err error)) (int, error) {
	wait := b.delay
	var err error
	for attempt := 1; attempt <= b.attempts; attempt++ {
		if err = fn(); err == nil {
			return attempt, nil
		}
		if attempt == b.attempts {
			break
		}

		onRetry(attempt, wait, err)
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(wait):
		}
		wait = time.Duration(float64(wait) * b.factor)
	}
	return b.attempts, err
}

// Client represents a RabbitMQ client
type Client struct {
	config    *Config
	logger    *slog.Logger
	mu        sync.RWMutex
	conn      *amqp.Connection
	channel   *amqp.Channel
	closeChan chan *amqp.Error
}

// NewClient connects to RabbitMQ and declares the job exchange and queue
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
	}

	if err := client.connect(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

func (c *Client) connect(ctx context.Context) error {
	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	b := c.config.connectBackoff()
	var conn *amqp.Connection
	attempts, err := b.retry(ctx, func() error {
		var dialErr error
		conn, dialErr = amqp.DialConfig(c.config.URL(), amqpConfig)
		return dialErr
	}, func(attempt int, wait time.Duration, err error) {
		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", b.attempts),
			slog.Duration("retry_after", wait),
		)
	})
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.declareTopology(channel); err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to setup exchange and queue: %w", err)
	}

	closeChan := make(chan *amqp.Error, 1)
	channel.NotifyClose(closeChan)

	c.mu.Lock()
	c.conn, c.channel, c.closeChan = conn, channel, closeChan
	c.mu.Unlock()

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
		slog.Int("attempts", attempts),
	)
	return nil
}

// declareTopology declares the exchange and job queue and binds them
func (c *Client) declareTopology(ch *amqp.Channel) error {
	cfg := c.config

	if err := ch.ExchangeDeclare(cfg.ExchangeName, cfg.ExchangeType, cfg.ExchangeDurable, cfg.ExchangeAutoDelete, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(cfg.QueueName, cfg.QueueDurable, cfg.QueueAutoDelete, cfg.QueueExclusive, false, cfg.queueArgs()); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(cfg.QueueName, cfg.RoutingKey, cfg.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	return nil
}

// openChannel returns the live channel or ErrNotConnected
func (c *Client) openChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.channel == nil || c.channel.IsClosed() {
		return nil, ErrNotConnected
	}
	return c.channel, nil
}

func (c *Client) publish(ctx context.Context, body []byte, contentType string) error {
	ch, err := c.openChannel()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, c.config.ExchangeName, c.config.RoutingKey, false, false, amqp.Publishing{
		ContentType:  contentType,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

// Publish publishes a persistent message once
func (c *Client) Publish(ctx context.Context, body []byte, contentType string) error {
	if err := c.publish(ctx, body, contentType); err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ", slog.Any("error", err))
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.Int("body_size", len(body)),
		slog.String("content_type", contentType),
	)
	return nil
}

// PublishWithRetry publishes a persistent message with exponential backoff between attempts
func (c *Client) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	if _, err := c.openChannel(); err != nil {
		return err
	}

	b := c.config.publishBackoff()
	attempts, err := b.retry(ctx, func() error {
		return c.publish(ctx, body, contentType)
	}, func(attempt int, wait time.Duration, err error) {
		c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", b.attempts),
			slog.Duration("retry_after", wait),
			slog.Any("error", err),
		)
	})
	if err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ after all retries",
			slog.Int("attempts", attempts),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message after %d attempts: %w", attempts, err)
	}

	if attempts > 1 {
		c.logger.Info("Successfully published message to RabbitMQ after retry", slog.Int("attempt", attempts))
	}
	return nil
}

// Consume starts consuming the job queue with manual acknowledgement
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	ch, err := c.openChannel()
	if err != nil {
		return nil, err
	}

	messages, err := ch.Consume(c.config.QueueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}
	return messages, nil
}

// NotifyClose returns the channel that receives the AMQP channel's close error
func (c *Client) NotifyClose() <-chan *amqp.Error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeChan
}

// Close closes the channel and the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Info("Closing RabbitMQ connection")

	if c.channel != nil && !c.channel.IsClosed() {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel", slog.Any("error", err))
		}
	}
	c.channel = nil

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection", slog.Any("error", err))
			return err
		}
	}
	c.conn = nil

	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.conn.IsClosed() && c.channel != nil && !c.channel.IsClosed()
}

// GetChannel returns the channel for advanced operations, or nil when closed
func (c *Client) GetChannel() *amqp.Channel {
	ch, err := c.openChannel()
	if err != nil {
		return nil
	}
	return ch
}
