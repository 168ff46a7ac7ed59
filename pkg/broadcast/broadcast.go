// Package broadcast delivers worker events to every attached client.
package broadcast

import (
	"context"
	"sync"

	"github.com/illmade-knight/go-contentsync/pkg/types"
	"github.com/rs/zerolog"
)

// Client is one destination for events.
type Client interface {
	ID() string
	Post(ctx context.Context, event types.Event) error
}

// ClientLister enumerates the clients attached right now.
type ClientLister interface {
	Clients(ctx context.Context) []Client
}

// Broadcaster posts an event to every client of every lister. The client set
// is queried fresh on each call. Delivery is best effort: a failing client
// is logged and skipped.
type Broadcaster struct {
	listers []ClientLister
	logger  zerolog.Logger
}

// NewBroadcaster creates a broadcaster over listers.
func NewBroadcaster(logger zerolog.Logger, listers ...ClientLister) *Broadcaster {
	return &Broadcaster{
		listers: listers,
		logger:  logger.With().Str("component", "Broadcaster").Logger(),
	}
}

// Broadcast posts event to each client in turn and returns how many
// accepted it. Posts happen in the caller's goroutine so successive
// broadcasts reach each client in order.
func (b *Broadcaster) Broadcast(ctx context.Context, event types.Event) int {
	delivered := 0
	for _, lister := range b.listers {
		for _, client := range lister.Clients(ctx) {
			if err := client.Post(ctx, event); err != nil {
				b.logger.Warn().Err(err).
					Str("client_id", client.ID()).
					Str("event_type", string(event.Type)).
					Msg("Failed to post event to client.")
				continue
			}
			delivered++
		}
	}
	return delivered
}

// ClientSet is a fixed, mutable set of clients such as the event publisher
// or in-process listeners.
type ClientSet struct {
	mu      sync.RWMutex
	clients []Client
}

// NewClientSet creates a set holding clients.
func NewClientSet(clients ...Client) *ClientSet {
	return &ClientSet{clients: clients}
}

// Add appends client to the set.
func (s *ClientSet) Add(client Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = append(s.clients, client)
}

// Clients returns a snapshot of the set.
func (s *ClientSet) Clients(_ context.Context) []Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Client(nil), s.clients...)
}

// FuncClient adapts a function to the Client interface.
type FuncClient struct {
	Name     string
	PostFunc func(ctx context.Context, event types.Event) error
}

// ID returns the client name.
func (f FuncClient) ID() string { return f.Name }

// Post calls PostFunc.
func (f FuncClient) Post(ctx context.Context, event types.Event) error {
	return f.PostFunc(ctx, event)
}
