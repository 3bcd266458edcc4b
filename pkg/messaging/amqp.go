package messaging

import (
	"context"
	"sync"
	"time"

	"ai-voice-connector/pkg/errors"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// AMQPConfig holds AMQP client configuration
type AMQPConfig struct {
	URL          string
	QueueName    string
	ExchangeName string
	RoutingKey   string
	Durable      bool
	AutoDelete   bool
}

// AMQPClient handles AMQP connections and message publishing
type AMQPClient struct {
	logger    *logrus.Logger
	config    AMQPConfig
	conn      *amqp.Connection
	channel   *amqp.Channel
	connected bool
	connMutex sync.RWMutex
	stopChan  chan struct{}
}

// NewAMQPClient creates a new AMQP client
func NewAMQPClient(logger *logrus.Logger, config AMQPConfig) *AMQPClient {
	if config.RoutingKey == "" {
		config.RoutingKey = config.QueueName
	}
	config.Durable = true
	config.AutoDelete = false

	return &AMQPClient{
		logger:   logger,
		config:   config,
		stopChan: make(chan struct{}),
	}
}

// Connect establishes a connection to the AMQP server and declares the
// queue, plus the exchange and binding when an exchange is configured.
func (c *AMQPClient) Connect() error {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.connected {
		return nil
	}

	if c.config.URL == "" || c.config.QueueName == "" {
		return errors.NewInvalidInput("AMQP URL or queue name not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type dialResult struct {
		conn *amqp.Connection
		err  error
	}
	connChan := make(chan dialResult, 1)
	go func() {
		conn, err := amqp.Dial(c.config.URL)
		select {
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		case connChan <- dialResult{conn, err}:
		}
	}()

	var result dialResult
	select {
	case result = <-connChan:
	case <-ctx.Done():
		return errors.Wrap(errors.ErrTimeout, "connecting to AMQP server")
	}
	if result.err != nil {
		return errors.Wrap(result.err, "failed to connect to AMQP server")
	}
	conn := result.conn

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return errors.Wrap(err, "failed to open AMQP channel")
	}

	if err := c.declare(channel); err != nil {
		channel.Close()
		conn.Close()
		return err
	}

	c.conn = conn
	c.channel = channel
	c.connected = true
	c.logger.WithFields(logrus.Fields{
		"queue":    c.config.QueueName,
		"exchange": c.config.ExchangeName,
	}).Info("Connected to AMQP server")

	c.stopChan = make(chan struct{})
	go c.monitorConnection(conn, c.stopChan)

	return nil
}

func (c *AMQPClient) declare(channel *amqp.Channel) error {
	_, err := channel.QueueDeclare(
		c.config.QueueName,
		c.config.Durable,
		c.config.AutoDelete,
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return errors.Wrap(err, "failed to declare AMQP queue")
	}

	if c.config.ExchangeName == "" {
		return nil
	}
	if err := channel.ExchangeDeclare(c.config.ExchangeName, "topic", true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "failed to declare AMQP exchange")
	}
	// Every dialog event lands in the queue; consumers can bind narrower keys.
	if err := channel.QueueBind(c.config.QueueName, "dialog.#", c.config.ExchangeName, false, nil); err != nil {
		return errors.Wrap(err, "failed to bind AMQP queue")
	}
	return nil
}

// Disconnect closes the AMQP connection
func (c *AMQPClient) Disconnect() {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if !c.connected {
		return
	}

	close(c.stopChan)
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}

	c.connected = false
	c.logger.Info("Disconnected from AMQP server")
}

// IsConnected returns the connection status
func (c *AMQPClient) IsConnected() bool {
	c.connMutex.RLock()
	defer c.connMutex.RUnlock()
	return c.connected
}

// RoutingKey returns the key used for a message of the given topic. With no
// exchange configured messages go straight to the queue.
func (c *AMQPClient) RoutingKey(topic string) string {
	if c.config.ExchangeName == "" || topic == "" {
		return c.config.RoutingKey
	}
	return topic
}

// Publish sends msg with the given routing key. It gives up when ctx is done.
func (c *AMQPClient) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	done := make(chan error, 1)
	go func() {
		c.connMutex.RLock()
		defer c.connMutex.RUnlock()

		if !c.connected || c.channel == nil {
			done <- errors.Wrap(errors.ErrUnavailable, "not connected to AMQP server")
			return
		}
		done <- c.channel.Publish(c.config.ExchangeName, routingKey, false, false, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return errors.Wrap(err, "failed to publish to AMQP")
		}
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.ErrTimeout, "publishing to AMQP")
	}
}

// PublishToDeadLetterQueue publishes a message that could not be delivered
// to <queue>.dead_letter on the default exchange.
func (c *AMQPClient) PublishToDeadLetterQueue(body []byte, callID, reason string) error {
	c.connMutex.RLock()
	channel := c.channel
	connected := c.connected
	c.connMutex.RUnlock()

	if !connected || channel == nil {
		return errors.Wrap(errors.ErrUnavailable, "AMQP client is not connected")
	}

	deadLetterQueueName := c.config.QueueName + ".dead_letter"
	if _, err := channel.QueueDeclare(deadLetterQueueName, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "failed to declare dead letter queue")
	}

	err := channel.Publish("", deadLetterQueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers: amqp.Table{
			"x-dead-letter-reason": reason,
			"x-call-id":            callID,
		},
	})
	if err != nil {
		return errors.Wrap(err, "failed to publish to dead letter queue")
	}

	c.logger.WithFields(logrus.Fields{
		"call_id":           callID,
		"dead_letter_queue": deadLetterQueueName,
	}).Info("Message published to dead letter queue")
	return nil
}

// monitorConnection reconnects with exponential backoff when the broker
// drops the connection.
func (c *AMQPClient) monitorConnection(conn *amqp.Connection, stop chan struct{}) {
	closeChan := conn.NotifyClose(make(chan *amqp.Error, 1))

	select {
	case <-stop:
		return
	case closeErr, ok := <-closeChan:
		if !ok {
			return
		}
		c.connMutex.Lock()
		c.connected = false
		c.connMutex.Unlock()
		c.logger.WithError(closeErr).Warn("AMQP connection closed, attempting to reconnect")
	}

	for attempt := 1; attempt <= 10; attempt++ {
		err := c.Connect()
		if err == nil {
			c.logger.WithField("attempt", attempt).Info("Reconnected to AMQP server")
			return
		}
		c.logger.WithError(err).WithField("attempt", attempt).Error("Failed to reconnect to AMQP server")

		backoff := time.Duration(1<<uint(attempt-1)) * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		select {
		case <-stop:
			return
		case <-time.After(backoff):
		}
	}
}
