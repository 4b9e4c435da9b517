package rabbitmq

// IPublisher publishes to a fixed topic.
type IPublisher interface {
	PublishMessage(payload []byte) error
	Topic() string
}

// Publisher binds a topic to a shared Transport.
type Publisher struct {
	transport Transport
	topic     string
}

func NewPublisher(t Transport, topic string) *Publisher {
	return &Publisher{transport: t, topic: topic}
}

// PublishMessage is fire-and-forget: it fails only when the transport is
// not connected or already closed.
func (p *Publisher) PublishMessage(payload []byte) error {
	return p.transport.Publish(p.topic, payload)
}

func (p *Publisher) Topic() string { return p.topic }

// Close releases the underlying transport. Only call it when the
// publisher owns the transport.
func (p *Publisher) Close() { p.transport.Close() }
