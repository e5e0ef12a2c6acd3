// Package journal records lifecycle events of audit requests.
package journal

import (
	"context"

	"github.com/tkingovr/isnad/api"
)

// Store defines the interface for lifecycle event persistence and retrieval.
type Store interface {
	// Write appends an event, filling in its ID and timestamp if unset.
	Write(ctx context.Context, event *api.Event) error

	// Query retrieves retained events matching the filter, oldest first.
	Query(ctx context.Context, filter api.QueryFilter) ([]*api.Event, error)

	// History returns the retained timeline of one audit.
	History(ctx context.Context, auditID string) ([]*api.Event, error)

	// Stats returns aggregate statistics.
	Stats(ctx context.Context) (*api.JournalStats, error)

	// Subscribe delivers new events matching filter until ctx is done or
	// the returned function is called. Slow subscribers miss events.
	Subscribe(ctx context.Context, filter api.QueryFilter) (<-chan *api.Event, func())

	// Close flushes the journal and ends all subscriptions.
	Close() error
}

// Discard is a Store that drops every event.
var Discard Store = discard{}

type discard struct{}

func (discard) Write(context.Context, *api.Event) error { return nil }

func (discard) Query(context.Context, api.QueryFilter) ([]*api.Event, error) { return nil, nil }

func (discard) History(context.Context, string) ([]*api.Event, error) { return nil, nil }

func (discard) Stats(context.Context) (*api.JournalStats, error) {
	return &api.JournalStats{ByKind: map[api.EventKind]int{}, ByComponent: map[string]int{}}, nil
}

func (discard) Subscribe(context.Context, api.QueryFilter) (<-chan *api.Event, func()) {
	ch := make(chan *api.Event)
	close(ch)
	return ch, func() {}
}

func (discard) Close() error { return nil }
