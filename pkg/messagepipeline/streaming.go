package messagepipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// StreamingServiceConfig holds configuration for a StreamingService.
type StreamingServiceConfig struct {
	// NumWorkers bounds how many commands are handled at once. More than one
	// lets a ping be answered while an update session is in flight.
	NumWorkers int `mapstructure:"num_workers"`
}

// NewStreamingServiceDefaults provides a config with sensible defaults.
func NewStreamingServiceDefaults() StreamingServiceConfig {
	return StreamingServiceConfig{NumWorkers: 4}
}

// StreamingOption configures optional StreamingService behaviour.
type StreamingOption[T any] func(*StreamingService[T])

// WithAdmitter runs admit for every decoded message in arrival order,
// before the message reaches the worker pool.
func WithAdmitter[T any](admit MessageAdmitter[T]) StreamingOption[T] {
	return func(s *StreamingService[T]) { s.admitter = admit }
}

// StreamingService consumes messages on a single intake goroutine, which
// decodes and admits them in arrival order, then hands each to a pool of
// processors. A message is acknowledged only after its processor returns.
type StreamingService[T any] struct {
	numWorkers  int
	consumer    MessageConsumer
	transformer MessageTransformer[T]
	admitter    MessageAdmitter[T]
	processor   StreamProcessor[T]
	logger      zerolog.Logger
	jobs        chan decoded[T]
	wg          sync.WaitGroup
}

type decoded[T any] struct {
	msg     Message
	payload *T
}

// NewStreamingService creates a new StreamingService.
func NewStreamingService[T any](
	cfg StreamingServiceConfig,
	consumer MessageConsumer,
	transformer MessageTransformer[T],
	processor StreamProcessor[T],
	logger zerolog.Logger,
	opts ...StreamingOption[T],
) (*StreamingService[T], error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = NewStreamingServiceDefaults().NumWorkers
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if transformer == nil {
		return nil, fmt.Errorf("transformer cannot be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}

	s := &StreamingService[T]{
		numWorkers:  cfg.NumWorkers,
		consumer:    consumer,
		transformer: transformer,
		processor:   processor,
		logger:      logger.With().Str("service", "StreamingService").Logger(),
		jobs:        make(chan decoded[T]),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start starts the consumer and then spawns the intake goroutine and the
// worker pool.
func (s *StreamingService[T]) Start(ctx context.Context) error {
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message consumer: %w", err)
	}

	s.logger.Info().Int("worker_count", s.numWorkers).Msg("Starting command workers.")
	s.wg.Add(s.numWorkers + 1)
	go s.intake(ctx)
	for i := 0; i < s.numWorkers; i++ {
		go s.worker(ctx, i)
	}
	return nil
}

// Stop stops the consumer first so no new commands arrive, then waits for
// in-flight commands to finish or ctx to expire.
func (s *StreamingService[T]) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping streaming service...")

	if err := s.consumer.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Error during consumer stop, continuing shutdown.")
	}

	workerDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(workerDone)
	}()

	select {
	case <-workerDone:
		s.logger.Info().Msg("Streaming service stopped.")
		return nil
	case <-ctx.Done():
		s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for command workers to finish.")
		return ctx.Err()
	}
}

// intake is the only reader of the consumer, so decoding and admission see
// messages in the order they were delivered. The jobs channel is
// unbuffered; a message is admitted only once the previous one has been
// taken by a worker.
func (s *StreamingService[T]) intake(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.jobs)
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Msg("Intake shutting down due to context cancellation.")
			return
		case msg, ok := <-s.consumer.Messages():
			if !ok {
				s.logger.Debug().Msg("Consumer channel closed, intake exiting.")
				return
			}
			job, ok := s.decode(ctx, msg)
			if !ok {
				continue
			}
			select {
			case s.jobs <- job:
			case <-ctx.Done():
				// Whatever the admitter claimed must still be released,
				// so the message is processed here rather than dropped.
				s.process(ctx, job, -1)
				return
			}
		}
	}
}

func (s *StreamingService[T]) decode(ctx context.Context, msg Message) (decoded[T], bool) {
	log := s.logger.With().Str("msg_id", msg.ID).Logger()

	payload, skip, err := s.transformer(ctx, &msg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to decode message, Nacking.")
		nack(msg)
		return decoded[T]{}, false
	}
	if skip {
		log.Debug().Msg("Transformer signaled to skip message, Acking.")
		ack(msg)
		return decoded[T]{}, false
	}
	if s.admitter != nil && !s.admitter(ctx, &msg, payload) {
		log.Debug().Msg("Message not admitted, Acking.")
		ack(msg)
		return decoded[T]{}, false
	}
	return decoded[T]{msg: msg, payload: payload}, true
}

func (s *StreamingService[T]) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Int("worker_id", workerID).Msg("Worker shutting down due to context cancellation.")
			return
		case job, ok := <-s.jobs:
			if !ok {
				s.logger.Debug().Int("worker_id", workerID).Msg("Intake closed, worker exiting.")
				return
			}
			s.process(ctx, job, workerID)
		}
	}
}

func (s *StreamingService[T]) process(ctx context.Context, job decoded[T], workerID int) {
	if err := s.processor(ctx, job.msg, job.payload); err != nil {
		s.logger.Error().Err(err).Int("worker_id", workerID).Str("msg_id", job.msg.ID).Msg("Processor failed to handle message, Nacking.")
		nack(job.msg)
		return
	}
	ack(job.msg)
}

func ack(msg Message) {
	if msg.Ack != nil {
		msg.Ack()
	}
}

func nack(msg Message) {
	if msg.Nack != nil {
		msg.Nack()
	}
}
