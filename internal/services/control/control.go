// Package control pushes configuration documents to field nodes over the
// broker's control topic.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/LeonardoBeccarini/brisa_telemetry/pkg/rabbitmq"
)

// ErrInvalidPayload is wrapped when a configuration document is rejected.
var ErrInvalidPayload = errors.New("control: invalid configuration")

// Validate checks that payload is a JSON object naming its target node and
// returns that node id.
func Validate(payload []byte) (string, error) {
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if doc == nil {
		return "", fmt.Errorf("%w: not a JSON object", ErrInvalidPayload)
	}
	for _, k := range []string{"node_id", "nodeId"} {
		switch v := doc[k].(type) {
		case string:
			if id := strings.TrimSpace(v); id != "" {
				return id, nil
			}
		case json.Number:
			return v.String(), nil
		}
	}
	return "", fmt.Errorf("%w: node_id is required", ErrInvalidPayload)
}

// Pusher publishes validated configuration to the control topic.
type Pusher struct {
	transport rabbitmq.Transport
	topic     string
	perNode   bool
	log       *slog.Logger
}

// NewPusher publishes to topic, or to topic/<node_id> when perNode is set.
func NewPusher(t rabbitmq.Transport, topic string, perNode bool, log *slog.Logger) *Pusher {
	if log == nil {
		log = slog.Default()
	}
	return &Pusher{transport: t, topic: strings.TrimRight(topic, "/"), perNode: perNode, log: log}
}

// Push validates payload and hands it to the broker without waiting for
// delivery. It returns the node id the document was addressed to.
func (p *Pusher) Push(ctx context.Context, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	node, err := Validate(payload)
	if err != nil {
		return "", err
	}
	topic := p.topic
	if p.perNode {
		topic += "/" + node
	}
	if err := p.transport.Publish(topic, payload); err != nil {
		return "", fmt.Errorf("control: publish to %s: %w", topic, err)
	}
	p.log.Info("control: configuration pushed", "topic", topic, "node_id", node, "bytes", len(payload))
	return node, nil
}
