// Package eventstore defines the append-only per-stream event log that gives
// the streamable HTTP transport its resumability. Every message pushed over
// SSE is first recorded here; a client reconnecting with a Last-Event-ID
// header replays everything it missed. Because the store is the sole source
// of ordering truth, any process holding a handle to the same store can
// perform a correct replay — this is what lets a session roam between
// interchangeable server instances.
package eventstore

import (
	"context"
	"errors"
	"time"
)

// ErrEventNotFound is returned by ReplayEventsAfter when the given event ID
// is unknown (never stored, or trimmed out of retention).
var ErrEventNotFound = errors.New("event not found")

// Event is one recorded message. Immutable once written.
type Event struct {
	// ID is opaque to callers but monotonically orderable within a stream.
	ID       string
	StreamID string
	Message  []byte
	// StoredAt is the append time, informational only.
	StoredAt time.Time
}

// DeliverFunc receives replayed events in storage order. Returning an error
// aborts the replay.
type DeliverFunc func(ctx context.Context, evt Event) error

// Store is the pluggable event log contract.
//
// Implementations must assign event IDs that are strictly increasing in
// store order per stream, support concurrent writers from multiple
// transports or processes, and keep a single stream's append order
// linearizable. Streams are trimmed to a retention bound: once a stream
// exceeds the configured maximum, the oldest entries become unreplayable.
type Store interface {
	// StoreEvent appends message to the stream and returns the assigned
	// event ID.
	StoreEvent(ctx context.Context, streamID string, message []byte) (eventID string, err error)

	// ReplayEventsAfter looks up the stream owning lastEventID and delivers,
	// in original order, every event recorded after it. It returns the
	// stream ID so the caller can attach to the stream for live delivery,
	// or ErrEventNotFound if the ID is unknown.
	ReplayEventsAfter(ctx context.Context, lastEventID string, deliver DeliverFunc) (streamID string, err error)
}
