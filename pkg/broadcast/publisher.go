package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-contentsync/pkg/messagepipeline"
	"github.com/illmade-knight/go-contentsync/pkg/types"
)

// PublisherClient forwards events to a message topic so clients outside
// this process can follow update progress.
type PublisherClient struct {
	id        string
	publisher messagepipeline.SimplePublisher
}

// NewPublisherClient wraps publisher. id names the client in logs.
func NewPublisherClient(id string, publisher messagepipeline.SimplePublisher) *PublisherClient {
	return &PublisherClient{id: id, publisher: publisher}
}

// ID returns the client id.
func (p *PublisherClient) ID() string { return p.id }

// Post publishes event as JSON with its type as an attribute.
func (p *PublisherClient) Post(ctx context.Context, event types.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	attributes := map[string]string{"type": string(event.Type)}
	if event.State != "" {
		attributes["state"] = string(event.State)
	}
	return p.publisher.Publish(ctx, payload, attributes)
}
