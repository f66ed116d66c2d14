// Package storetest provides a conformance suite run against every
// eventstore.Store implementation.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/mcplane/mcp-session-go/eventstore"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) eventstore.Store

// RunStoreTests exercises the Store contract: per-stream ordering, replay
// boundaries, and cross-stream isolation.
func RunStoreTests(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("ReplayAfterMiddleDeliversTail", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store := newStore(t)

		ids := make([]string, 0, 5)
		for i := 1; i <= 5; i++ {
			id, err := store.StoreEvent(ctx, "s1", []byte(fmt.Sprintf("e%d", i)))
			if err != nil {
				t.Fatalf("StoreEvent: %v", err)
			}
			ids = append(ids, id)
		}

		var got []string
		streamID, err := store.ReplayEventsAfter(ctx, ids[1], func(ctx context.Context, evt eventstore.Event) error {
			got = append(got, string(evt.Message))
			return nil
		})
		if err != nil {
			t.Fatalf("ReplayEventsAfter: %v", err)
		}
		if want := "s1"; streamID != want {
			t.Fatalf("stream id: want %q got %q", want, streamID)
		}
		if want := []string{"e3", "e4", "e5"}; !equal(got, want) {
			t.Fatalf("replayed events: want %v got %v", want, got)
		}
	})

	t.Run("ReplayAfterLastDeliversNothing", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store := newStore(t)

		var last string
		for i := 1; i <= 3; i++ {
			id, err := store.StoreEvent(ctx, "s1", []byte(fmt.Sprintf("e%d", i)))
			if err != nil {
				t.Fatalf("StoreEvent: %v", err)
			}
			last = id
		}

		count := 0
		if _, err := store.ReplayEventsAfter(ctx, last, func(ctx context.Context, evt eventstore.Event) error {
			count++
			return nil
		}); err != nil {
			t.Fatalf("ReplayEventsAfter: %v", err)
		}
		if count != 0 {
			t.Fatalf("expected no replayed events, got %d", count)
		}
	})

	t.Run("StreamsAreIsolated", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store := newStore(t)

		a1, err := store.StoreEvent(ctx, "a", []byte("a1"))
		if err != nil {
			t.Fatalf("StoreEvent: %v", err)
		}
		if _, err := store.StoreEvent(ctx, "b", []byte("b1")); err != nil {
			t.Fatalf("StoreEvent: %v", err)
		}
		if _, err := store.StoreEvent(ctx, "a", []byte("a2")); err != nil {
			t.Fatalf("StoreEvent: %v", err)
		}
		if _, err := store.StoreEvent(ctx, "b", []byte("b2")); err != nil {
			t.Fatalf("StoreEvent: %v", err)
		}

		var got []string
		streamID, err := store.ReplayEventsAfter(ctx, a1, func(ctx context.Context, evt eventstore.Event) error {
			got = append(got, string(evt.Message))
			return nil
		})
		if err != nil {
			t.Fatalf("ReplayEventsAfter: %v", err)
		}
		if want := "a"; streamID != want {
			t.Fatalf("stream id: want %q got %q", want, streamID)
		}
		if want := []string{"a2"}; !equal(got, want) {
			t.Fatalf("replayed events: want %v got %v", want, got)
		}
	})

	t.Run("UnknownEventID", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store := newStore(t)

		if _, err := store.StoreEvent(ctx, "s1", []byte("e1")); err != nil {
			t.Fatalf("StoreEvent: %v", err)
		}
		_, err := store.ReplayEventsAfter(ctx, "no-such-event", func(ctx context.Context, evt eventstore.Event) error {
			t.Fatal("deliver must not be called for unknown event id")
			return nil
		})
		if err == nil {
			t.Fatal("expected error for unknown event id")
		}
		if err != eventstore.ErrEventNotFound {
			t.Fatalf("want ErrEventNotFound, got %v", err)
		}
	})

	t.Run("ManyEventsKeepStoreOrder", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		store := newStore(t)

		first, err := store.StoreEvent(ctx, "big", []byte("m0"))
		if err != nil {
			t.Fatalf("StoreEvent: %v", err)
		}
		const n = 100
		for i := 1; i <= n; i++ {
			if _, err := store.StoreEvent(ctx, "big", []byte(fmt.Sprintf("m%d", i))); err != nil {
				t.Fatalf("StoreEvent: %v", err)
			}
		}

		idx := 1
		if _, err := store.ReplayEventsAfter(ctx, first, func(ctx context.Context, evt eventstore.Event) error {
			if want := fmt.Sprintf("m%d", idx); string(evt.Message) != want {
				t.Fatalf("event %d: want %q got %q", idx, want, string(evt.Message))
			}
			idx++
			return nil
		}); err != nil {
			t.Fatalf("ReplayEventsAfter: %v", err)
		}
		if idx != n+1 {
			t.Fatalf("replayed %d events, want %d", idx-1, n)
		}
	})
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
