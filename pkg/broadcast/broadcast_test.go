package broadcast_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/illmade-knight/go-contentsync/pkg/broadcast"
	"github.com/illmade-knight/go-contentsync/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingClient keeps every event posted to it.
type recordingClient struct {
	id      string
	mu      sync.Mutex
	events  []types.Event
	PostErr error
}

func (c *recordingClient) ID() string { return c.id }

func (c *recordingClient) Post(_ context.Context, event types.Event) error {
	if c.PostErr != nil {
		return c.PostErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *recordingClient) Events() []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.Event(nil), c.events...)
}

func TestBroadcaster_Broadcast(t *testing.T) {
	t.Run("Posts to every client of every lister", func(t *testing.T) {
		// Arrange
		a := &recordingClient{id: "a"}
		b := &recordingClient{id: "b"}
		c := &recordingClient{id: "c"}
		b2 := broadcast.NewBroadcaster(zerolog.Nop(), broadcast.NewClientSet(a, b), broadcast.NewClientSet(c))

		// Act
		delivered := b2.Broadcast(context.Background(), types.PongEvent())

		// Assert
		assert.Equal(t, 3, delivered)
		for _, client := range []*recordingClient{a, b, c} {
			require.Len(t, client.Events(), 1)
			assert.Equal(t, types.EventPong, client.Events()[0].Type)
		}
	})

	t.Run("A failing client does not stop delivery", func(t *testing.T) {
		broken := &recordingClient{id: "broken", PostErr: errors.New("connection reset")}
		healthy := &recordingClient{id: "healthy"}
		b := broadcast.NewBroadcaster(zerolog.Nop(), broadcast.NewClientSet(broken, healthy))

		delivered := b.Broadcast(context.Background(), types.StatusEvent(types.StateDownloading, 0))

		assert.Equal(t, 1, delivered)
		assert.Len(t, healthy.Events(), 1)
	})

	t.Run("No clients is not an error", func(t *testing.T) {
		b := broadcast.NewBroadcaster(zerolog.Nop(), broadcast.NewClientSet())
		assert.Equal(t, 0, b.Broadcast(context.Background(), types.PongEvent()))
	})

	t.Run("Client set is read on every broadcast", func(t *testing.T) {
		set := broadcast.NewClientSet()
		b := broadcast.NewBroadcaster(zerolog.Nop(), set)
		assert.Equal(t, 0, b.Broadcast(context.Background(), types.PongEvent()))

		late := &recordingClient{id: "late"}
		set.Add(late)
		assert.Equal(t, 1, b.Broadcast(context.Background(), types.PongEvent()))
	})

	t.Run("Events reach a client in broadcast order", func(t *testing.T) {
		client := &recordingClient{id: "ordered"}
		b := broadcast.NewBroadcaster(zerolog.Nop(), broadcast.NewClientSet(client))

		b.Broadcast(context.Background(), types.StatusEvent(types.StateDownloading, 0))
		b.Broadcast(context.Background(), types.StatusEvent(types.StateUnpacking, 0.5))
		b.Broadcast(context.Background(), types.InitEvent("v2", "2024-01-01"))

		events := client.Events()
		require.Len(t, events, 3)
		assert.Equal(t, types.StateDownloading, events[0].State)
		assert.Equal(t, types.StateUnpacking, events[1].State)
		assert.Equal(t, types.StateInit, events[2].State)
	})
}

func TestFuncClient(t *testing.T) {
	var got types.Event
	client := broadcast.FuncClient{Name: "purge", PostFunc: func(_ context.Context, event types.Event) error {
		got = event
		return nil
	}}

	require.NoError(t, client.Post(context.Background(), types.ClearedEvent()))
	assert.Equal(t, "purge", client.ID())
	assert.Equal(t, types.StateInit, got.State)
}
