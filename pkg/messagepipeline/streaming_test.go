package messagepipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-contentsync/pkg/messagepipeline"
	"github.com/illmade-knight/go-contentsync/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueConsumer is a MessageConsumer over a plain channel.
type queueConsumer struct {
	msgs      chan messagepipeline.Message
	closeOnce sync.Once
	mu        sync.Mutex
	starts    int
	stops     int
}

func newQueueConsumer(size int) *queueConsumer {
	return &queueConsumer{msgs: make(chan messagepipeline.Message, size)}
}

func (q *queueConsumer) Messages() <-chan messagepipeline.Message { return q.msgs }

func (q *queueConsumer) Start(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.starts++
	return nil
}

func (q *queueConsumer) Stop(context.Context) error {
	q.mu.Lock()
	q.stops++
	q.mu.Unlock()
	q.closeOnce.Do(func() { close(q.msgs) })
	return nil
}

func (q *queueConsumer) Done() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

func (q *queueConsumer) counts() (int, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.starts, q.stops
}

// commandMessage builds a message carrying a raw command payload. ack and
// nack may be nil.
func commandMessage(id, payload string, ack, nack func()) messagepipeline.Message {
	return messagepipeline.Message{
		MessageData: messagepipeline.MessageData{ID: id, Payload: []byte(payload), PublishTime: time.Now()},
		Attributes:  map[string]string{messagepipeline.AttributeSource: "test"},
		Ack:         ack,
		Nack:        nack,
	}
}

// decodeCommand fails on malformed JSON and skips command types the
// worker does not know.
func decodeCommand(_ context.Context, msg *messagepipeline.Message) (*types.Command, bool, error) {
	cmd, err := types.DecodeCommand(msg.Payload)
	if err != nil {
		return nil, false, err
	}
	switch cmd.Type {
	case types.CommandUpdate, types.CommandClear, types.CommandPing:
		return &cmd, false, nil
	default:
		return nil, true, nil
	}
}

func newCommandService(
	t *testing.T,
	workers int,
	processor messagepipeline.StreamProcessor[types.Command],
	opts ...messagepipeline.StreamingOption[types.Command],
) (*messagepipeline.StreamingService[types.Command], *queueConsumer) {
	t.Helper()
	consumer := newQueueConsumer(32)
	svc, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: workers},
		consumer, decodeCommand, processor, zerolog.Nop(), opts...,
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = svc.Stop(stopCtx)
		cancel()
	})
	return svc, consumer
}

func TestNewStreamingService_Validation(t *testing.T) {
	noop := func(context.Context, messagepipeline.Message, *types.Command) error { return nil }

	_, err := messagepipeline.NewStreamingService[types.Command](messagepipeline.NewStreamingServiceDefaults(), nil, decodeCommand, noop, zerolog.Nop())
	assert.Error(t, err)
	_, err = messagepipeline.NewStreamingService[types.Command](messagepipeline.NewStreamingServiceDefaults(), newQueueConsumer(1), nil, noop, zerolog.Nop())
	assert.Error(t, err)
	_, err = messagepipeline.NewStreamingService[types.Command](messagepipeline.NewStreamingServiceDefaults(), newQueueConsumer(1), decodeCommand, nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestStreamingService_StartAndStop(t *testing.T) {
	// Arrange
	consumer := newQueueConsumer(1)
	svc, err := messagepipeline.NewStreamingService(messagepipeline.StreamingServiceConfig{}, consumer, decodeCommand,
		func(context.Context, messagepipeline.Message, *types.Command) error { return nil }, zerolog.Nop())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Act
	require.NoError(t, svc.Start(ctx))
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	err = svc.Stop(stopCtx)

	// Assert
	require.NoError(t, err)
	starts, stops := consumer.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, stops)
}

func TestStreamingService_DecodedCommandIsProcessedThenAcked(t *testing.T) {
	// Arrange
	var mu sync.Mutex
	var got *types.Command
	var gotSource string
	_, consumer := newCommandService(t, 1, func(_ context.Context, original messagepipeline.Message, cmd *types.Command) error {
		mu.Lock()
		defer mu.Unlock()
		got = cmd
		gotSource = original.Attributes[messagepipeline.AttributeSource]
		return nil
	})

	var acked atomic.Bool
	msg := commandMessage("update-1", `{"type":"update","current":"v1","latest":"v2","date":"2024-01-02"}`,
		func() { acked.Store(true) }, func() { t.Error("Nack was called unexpectedly") })

	// Act
	consumer.msgs <- msg

	// Assert
	require.Eventually(t, acked.Load, time.Second, 5*time.Millisecond, "Ack was not called")
	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, types.VersionDescriptor{Current: "v1", Latest: "v2", Date: "2024-01-02"}, got.Descriptor())
	assert.Equal(t, "test", gotSource)
}

func TestStreamingService_MessageOutcomes(t *testing.T) {
	testCases := []struct {
		name       string
		payload    string
		processErr error
		wantAck    bool
		wantCalled bool
	}{
		{name: "Malformed command is nacked", payload: `{"type":`, wantAck: false},
		{name: "Unknown command is skipped and acked", payload: `{"type":"reboot"}`, wantAck: true},
		{name: "Processor failure is nacked", payload: `{"type":"clear"}`, processErr: errors.New("delete failed"), wantCalled: true},
		{name: "Ping is processed and acked", payload: `{"type":"ping"}`, wantAck: true, wantCalled: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Arrange
			var called atomic.Bool
			_, consumer := newCommandService(t, 1, func(context.Context, messagepipeline.Message, *types.Command) error {
				called.Store(true)
				return tc.processErr
			})
			settled := make(chan bool, 1)

			// Act
			consumer.msgs <- commandMessage("m", tc.payload, func() { settled <- true }, func() { settled <- false })

			// Assert
			select {
			case acked := <-settled:
				assert.Equal(t, tc.wantAck, acked)
			case <-time.After(time.Second):
				t.Fatal("message was neither acked nor nacked")
			}
			assert.Equal(t, tc.wantCalled, called.Load())
		})
	}
}

func TestStreamingService_PingIsNotBlockedByAnUpdate(t *testing.T) {
	// Arrange
	release := make(chan struct{})
	defer close(release)
	var ponged atomic.Bool
	_, consumer := newCommandService(t, 2, func(_ context.Context, _ messagepipeline.Message, cmd *types.Command) error {
		if cmd.Type == types.CommandUpdate {
			<-release
			return nil
		}
		ponged.Store(true)
		return nil
	})

	// Act
	consumer.msgs <- commandMessage("update", `{"type":"update","latest":"v2"}`, nil, nil)
	consumer.msgs <- commandMessage("ping", `{"type":"ping"}`, nil, nil)

	// Assert
	require.Eventually(t, ponged.Load, time.Second, 5*time.Millisecond, "a running update must not block a ping")
}

func TestStreamingService_AdmitterSeesArrivalOrder(t *testing.T) {
	// Arrange
	var mu sync.Mutex
	var admitted []string
	admit := func(_ context.Context, _ *messagepipeline.Message, cmd *types.Command) bool {
		mu.Lock()
		defer mu.Unlock()
		admitted = append(admitted, cmd.Latest)
		return true
	}
	var processed atomic.Int32
	_, consumer := newCommandService(t, 4, func(context.Context, messagepipeline.Message, *types.Command) error {
		processed.Add(1)
		return nil
	}, messagepipeline.WithAdmitter(admit))

	var want []string
	for i := 0; i < 20; i++ {
		want = append(want, fmt.Sprintf("v%d", i))
	}

	// Act
	for _, v := range want {
		consumer.msgs <- commandMessage(v, fmt.Sprintf(`{"type":"update","latest":%q}`, v), nil, nil)
	}

	// Assert
	require.Eventually(t, func() bool { return processed.Load() == 20 }, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, admitted)
}

func TestStreamingService_DeclinedMessageIsAckedUnprocessed(t *testing.T) {
	// Arrange
	admit := func(_ context.Context, _ *messagepipeline.Message, cmd *types.Command) bool {
		return cmd.Type != types.CommandClear
	}
	var processed atomic.Int32
	_, consumer := newCommandService(t, 2, func(context.Context, messagepipeline.Message, *types.Command) error {
		processed.Add(1)
		return nil
	}, messagepipeline.WithAdmitter(admit))
	settled := make(chan bool, 1)

	// Act
	consumer.msgs <- commandMessage("clear", `{"type":"clear"}`, func() { settled <- true }, func() { settled <- false })

	// Assert
	select {
	case acked := <-settled:
		assert.True(t, acked)
	case <-time.After(time.Second):
		t.Fatal("declined message was not settled")
	}
	assert.Zero(t, processed.Load())
}

func TestStreamingService_StopDrainsQueuedCommands(t *testing.T) {
	// Arrange
	consumer := newQueueConsumer(8)
	var processed atomic.Int32
	svc, err := messagepipeline.NewStreamingService(messagepipeline.StreamingServiceConfig{NumWorkers: 2}, consumer, decodeCommand,
		func(context.Context, messagepipeline.Message, *types.Command) error {
			processed.Add(1)
			return nil
		}, zerolog.Nop())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		consumer.msgs <- commandMessage(fmt.Sprint(i), `{"type":"ping"}`, nil, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Act
	require.NoError(t, svc.Start(ctx))
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, svc.Stop(stopCtx))

	// Assert
	assert.Equal(t, int32(5), processed.Load())
}
