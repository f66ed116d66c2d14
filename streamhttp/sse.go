package streamhttp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one `event: message` frame. An empty eventID omits the
// id line, which keeps the client's resumption cursor unchanged.
func writeSSEEvent(wf *lockedWriteFlusher, eventID string, payload []byte) error {
	if _, err := wf.Write([]byte("event: message\n")); err != nil {
		return fmt.Errorf("failed to write SSE event name: %w", err)
	}
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// writeSSEComment writes a comment line, used as a keep-alive ping. Comments
// carry no data and are ignored by conforming consumers.
func writeSSEComment(wf *lockedWriteFlusher, comment string) error {
	if _, err := fmt.Fprintf(wf, ": %s\n\n", comment); err != nil {
		return err
	}
	wf.Flush()
	return nil
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	id   string
	name string
	data []byte
}

// readSSEEvents parses a text/event-stream body and invokes yield for each
// complete event. It returns nil at clean end of stream, or the first error
// from the reader or from yield.
func readSSEEvents(r io.Reader, yield func(evt sseEvent) error) error {
	br := bufio.NewReader(r)
	var evt sseEvent
	dispatch := func() error {
		if len(evt.data) == 0 && evt.id == "" && evt.name == "" {
			return nil
		}
		// Trailing newline joins multi-line data fields; strip the last one.
		evt.data = bytes.TrimSuffix(evt.data, []byte("\n"))
		err := yield(evt)
		evt = sseEvent{}
		return err
	}

	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			line = bytes.TrimRight(line, "\r\n")
			switch {
			case len(line) == 0:
				if dErr := dispatch(); dErr != nil {
					return dErr
				}
			case line[0] == ':':
				// Comment / keep-alive; ignore.
			default:
				field, value, _ := bytes.Cut(line, []byte(":"))
				value = bytes.TrimPrefix(value, []byte(" "))
				switch string(field) {
				case "id":
					evt.id = string(value)
				case "event":
					evt.name = string(value)
				case "data":
					evt.data = append(evt.data, value...)
					evt.data = append(evt.data, '\n')
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return dispatch()
			}
			return err
		}
	}
}
