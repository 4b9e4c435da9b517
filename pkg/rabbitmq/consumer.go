package rabbitmq

import (
	"context"
	"log/slog"
)

// Consumer binds a handler and a set of topic patterns to a Transport.
type Consumer struct {
	transport Transport
	topics    []string
	handler   MessageHandler
	log       *slog.Logger
}

// NewConsumer creates a consumer over the shared transport.
func NewConsumer(t Transport, topics []string, handler MessageHandler, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{transport: t, topics: topics, handler: handler, log: log}
}

func (c *Consumer) SetHandler(handler MessageHandler) {
	c.handler = handler
}

// ConsumeMessage installs the handler, registers every topic and connects.
// It blocks until ctx is cancelled, then closes the transport.
func (c *Consumer) ConsumeMessage(ctx context.Context) {
	if c.handler == nil {
		c.log.Warn("rabbitmq: consumer started without handler")
	}
	c.transport.OnMessage(c.handler)
	for _, topic := range c.topics {
		if err := c.transport.Subscribe(topic); err != nil {
			c.log.Error("rabbitmq: subscribe", "topic", topic, "error", err)
		}
	}
	c.transport.Connect()

	<-ctx.Done()
	c.transport.Close()
}
