package client

import (
	"context"

	"github.com/thenoetrevino/boardsync/internal/events"
	"github.com/thenoetrevino/boardsync/internal/reconciler"
)

// Syncer is the client surface commands depend on
type Syncer interface {
	// Run connects and keeps reconnecting until ctx is done
	Run(ctx context.Context) error

	// Join starts tracking a project
	Join(projectID string) error

	// Submit applies an intent locally and sends it
	Submit(in events.Intent) (events.Intent, error)

	// Board returns the local state of a joined project
	Board(projectID string) (*reconciler.Reconciler, bool)

	// Updates delivers applied changes
	Updates() <-chan Update

	// Close persists state and releases the connection
	Close() error
}

// Compile-time verification that *Client implements Syncer
var _ Syncer = (*Client)(nil)
