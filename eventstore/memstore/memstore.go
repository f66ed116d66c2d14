// Package memstore provides the in-memory reference implementation of
// eventstore.Store. It is suitable for single-process deployments and tests;
// use redistore when sessions must roam across instances.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mcplane/mcp-session-go/eventstore"
)

const defaultMaxEventsPerStream = 512

type storedEvent struct {
	id       string
	seq      int64
	message  []byte
	storedAt time.Time
}

type stream struct {
	nextSeq int64
	events  []storedEvent
}

// Store is a bounded in-memory event log. A single mutex guards all streams;
// appends within one stream are therefore trivially linearizable.
type Store struct {
	mu      sync.Mutex
	streams map[string]*stream
	// index maps live event IDs back to their stream. Entries are removed
	// when trimming discards the event.
	index map[string]string

	maxEventsPerStream int
}

// Option configures a Store.
type Option func(*Store)

// WithMaxEventsPerStream bounds per-stream retention. Once a stream exceeds
// the bound, the oldest events are trimmed and can no longer be replayed.
func WithMaxEventsPerStream(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxEventsPerStream = n
		}
	}
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		streams:            make(map[string]*stream),
		index:              make(map[string]string),
		maxEventsPerStream: defaultMaxEventsPerStream,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ eventstore.Store = (*Store)(nil)

// StoreEvent appends message to streamID and returns the new event's ID.
func (s *Store) StoreEvent(ctx context.Context, streamID string, message []byte) (string, error) {
	if streamID == "" {
		return "", fmt.Errorf("stream id required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[streamID]
	if !ok {
		st = &stream{}
		s.streams[streamID] = st
	}

	st.nextSeq++
	evt := storedEvent{
		id:       fmt.Sprintf("%s#%d", streamID, st.nextSeq),
		seq:      st.nextSeq,
		message:  append([]byte(nil), message...),
		storedAt: time.Now().UTC(),
	}
	st.events = append(st.events, evt)
	s.index[evt.id] = streamID

	for len(st.events) > s.maxEventsPerStream {
		delete(s.index, st.events[0].id)
		st.events = st.events[1:]
	}

	return evt.id, nil
}

// ReplayEventsAfter delivers every event recorded after lastEventID on its
// owning stream, in storage order.
func (s *Store) ReplayEventsAfter(ctx context.Context, lastEventID string, deliver eventstore.DeliverFunc) (string, error) {
	s.mu.Lock()
	streamID, ok := s.index[lastEventID]
	if !ok {
		s.mu.Unlock()
		return "", eventstore.ErrEventNotFound
	}
	st := s.streams[streamID]

	// Snapshot under the lock; deliver without it so a slow consumer cannot
	// block writers.
	var replay []storedEvent
	found := false
	for _, evt := range st.events {
		if found {
			replay = append(replay, evt)
			continue
		}
		if evt.id == lastEventID {
			found = true
		}
	}
	s.mu.Unlock()

	for _, evt := range replay {
		if err := deliver(ctx, eventstore.Event{
			ID:       evt.id,
			StreamID: streamID,
			Message:  append([]byte(nil), evt.message...),
			StoredAt: evt.storedAt,
		}); err != nil {
			return streamID, err
		}
	}
	return streamID, nil
}
