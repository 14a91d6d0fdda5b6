// Package journal persists status events so DFS history survives restarts.
package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/markus-lassfolk/dfsd/pkg"
	"github.com/markus-lassfolk/dfsd/pkg/logx"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown journal backend")

// Query selects journal entries. Zero fields match everything.
type Query struct {
	Iface string
	Since time.Time
	Types []pkg.EventType
	Limit int // most recent entries only
}

func (q Query) matches(e *pkg.Event) bool {
	if q.Iface != "" && e.Iface != q.Iface {
		return false
	}
	if !q.Since.IsZero() && !e.Timestamp.After(q.Since) {
		return false
	}
	if len(q.Types) == 0 {
		return true
	}
	for _, t := range q.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// Journal is an append-only event log.
type Journal interface {
	Append(e *pkg.Event) error
	// Query returns matching events, oldest first.
	Query(q Query) ([]*pkg.Event, error)
	// Prune deletes events older than before.
	Prune(before time.Time) (int, error)
	Close() error
}

// Open opens the journal backend at path. Backend is "bolt" or "sqlite".
func Open(backend, path string) (Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	switch backend {
	case "bolt":
		return OpenBolt(path)
	case "sqlite":
		return OpenSQLite(path)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
}

// DefaultQueueSize is the number of events a Sink buffers for its writer.
const DefaultQueueSize = 256

// Sink writes published events to a journal from its own goroutine. Publish
// only queues the event; when the queue is full the event is dropped and
// counted. Append failures are logged and do not reach the publisher.
type Sink struct {
	j      Journal
	logger *logx.Logger
	queue  chan *pkg.Event

	mu      sync.Mutex
	dropped int
}

// NewSink wraps j as a pkg.EventSink. Run must be called to write events.
func NewSink(j Journal, size int, logger *logx.Logger) *Sink {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Sink{j: j, logger: logger, queue: make(chan *pkg.Event, size)}
}

// Publish implements pkg.EventSink. It never blocks.
func (s *Sink) Publish(e *pkg.Event) {
	if e == nil {
		return
	}
	select {
	case s.queue <- e:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		s.logger.Warn("Journal queue full, dropping event", "event", string(e.Type), "iface", e.Iface)
	}
}

// Dropped returns how many events were dropped on a full queue.
func (s *Sink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Run appends queued events until ctx is cancelled. Events still queued at
// that point are written before it returns.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-s.queue:
					s.write(e)
				default:
					return nil
				}
			}
		case e := <-s.queue:
			s.write(e)
		}
	}
}

func (s *Sink) write(e *pkg.Event) {
	if err := s.j.Append(e); err != nil {
		s.logger.Warn("Failed to journal event", "event", string(e.Type), "iface", e.Iface, "error", err)
	}
}

func trimLimit(events []*pkg.Event, limit int) []*pkg.Event {
	if limit > 0 && len(events) > limit {
		return events[len(events)-limit:]
	}
	return events
}
