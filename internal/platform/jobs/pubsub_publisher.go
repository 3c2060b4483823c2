package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/rrgs/catalog-api/internal/services"
)

// PubSubRecalculationPublisher publishes category recalculation events to a Pub/Sub topic.
type PubSubRecalculationPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubRecalculationPublisher constructs a Pub/Sub backed recalculation event publisher.
func NewPubSubRecalculationPublisher(topic *pubsub.Topic) (*PubSubRecalculationPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub recalculation publisher: topic is required")
	}
	return &PubSubRecalculationPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishRecalculationEvent enqueues a recalculation event message on the configured topic.
func (p *PubSubRecalculationPublisher) PublishRecalculationEvent(ctx context.Context, message services.RecalculationEventMessage) (string, error) {
	if p == nil || p.topic == nil {
		return "", errors.New("pubsub recalculation publisher: not initialised")
	}

	data, err := p.marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal recalculation event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "runId", message.RunID)
	setAttr(attrs, "category", message.CategoryName)
	setAttr(attrs, "status", message.Status)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish recalculation event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
