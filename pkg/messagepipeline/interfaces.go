package messagepipeline

import (
	"context"
)

// --- Stage 1: Consumer ---

// MessageConsumer defines the interface for a command source (Pub/Sub, the
// websocket hub, the HTTP command endpoint). It hands messages to the
// streaming workers.
type MessageConsumer interface {
	// Messages returns a read-only channel from which pipeline workers will receive messages.
	Messages() <-chan Message
	// Start begins the consumption process (e.g., by calling subscription.Receive).
	Start(ctx context.Context) error
	// Stop gracefully ceases message consumption and waits for background tasks to finish.
	Stop(ctx context.Context) error
	// Done returns a channel that is closed when the consumer has completely shut down.
	Done() <-chan struct{}
}

// --- Stage 2: Transformer ---

// MessageTransformer decodes a generic Message into a payload of type T.
//
// The 'skip' return value can be set to true to signal that this message should
// be acknowledged and not processed further, effectively filtering it from the pipeline.
type MessageTransformer[T any] func(ctx context.Context, msg *Message) (payload *T, skip bool, err error)

// MessageAdmitter runs on the intake goroutine, in the order messages
// arrive, after a message is decoded and before a worker picks it up. It
// must not block. Returning false acknowledges the message without
// processing it.
type MessageAdmitter[T any] func(ctx context.Context, msg *Message, payload *T) bool

// --- Stage 3: Processor ---

// StreamProcessor handles decoded messages of type T one by one. Returning
// an error causes the pipeline to Nack the message.
type StreamProcessor[T any] func(ctx context.Context, original Message, payload *T) error
