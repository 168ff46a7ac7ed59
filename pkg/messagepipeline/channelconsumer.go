package messagepipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrConsumerStopped is returned by Submit once the consumer has stopped.
var ErrConsumerStopped = errors.New("consumer stopped")

// ChannelConsumer is an in-process MessageConsumer. Commands that arrive on
// the worker's own transports (websocket frames, POST /commands) are
// submitted to it and flow through the same streaming workers as Pub/Sub
// commands.
type ChannelConsumer struct {
	msgChan  chan Message
	stopping chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex
	stopped  bool
	logger   zerolog.Logger
}

// NewChannelConsumer creates a consumer whose queue holds bufferSize
// commands before Submit blocks.
func NewChannelConsumer(bufferSize int, logger zerolog.Logger) *ChannelConsumer {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &ChannelConsumer{
		msgChan:  make(chan Message, bufferSize),
		stopping: make(chan struct{}),
		doneChan: make(chan struct{}),
		logger:   logger.With().Str("component", "ChannelConsumer").Logger(),
	}
}

// Messages returns the read-only channel for consuming messages.
func (c *ChannelConsumer) Messages() <-chan Message { return c.msgChan }

// Start stops the consumer when ctx is cancelled.
func (c *ChannelConsumer) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Stop(context.Background())
		case <-c.doneChan:
		}
	}()
	return nil
}

// Submit queues payload as a new message and returns its id. It blocks
// while the queue is full until ctx is done or the consumer stops.
func (c *ChannelConsumer) Submit(ctx context.Context, payload []byte, attributes map[string]string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return "", ErrConsumerStopped
	}

	id := uuid.NewString()
	log := c.logger.With().Str("msg_id", id).Logger()
	msg := Message{
		MessageData: MessageData{
			ID:          id,
			Payload:     append([]byte(nil), payload...),
			PublishTime: time.Now().UTC(),
		},
		Attributes: attributes,
		Ack:        func() { log.Debug().Msg("Command acknowledged.") },
		Nack:       func() { log.Warn().Msg("Command failed and will not be redelivered.") },
	}

	select {
	case c.msgChan <- msg:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.stopping:
		return "", ErrConsumerStopped
	}
}

// Stop closes the queue. Commands still buffered are drained by the workers.
func (c *ChannelConsumer) Stop(_ context.Context) error {
	c.stopOnce.Do(func() {
		close(c.stopping)
		c.mu.Lock()
		c.stopped = true
		close(c.msgChan)
		c.mu.Unlock()
		close(c.doneChan)
		c.logger.Info().Msg("Channel consumer stopped.")
	})
	return nil
}

// Done returns a channel that is closed when the consumer has stopped.
func (c *ChannelConsumer) Done() <-chan struct{} { return c.doneChan }
