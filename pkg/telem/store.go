package telem

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/markus-lassfolk/dfsd/pkg"
)

// Store keeps recent status events in RAM, one ring buffer per interface
type Store struct {
	mu sync.RWMutex

	capacity  int
	retention time.Duration
	now       func() time.Time

	events map[string]*RingBuffer // per-interface events
	counts map[pkg.EventType]int

	lastCleanup time.Time
}

// RingBuffer implements a thread-safe ring buffer of events
type RingBuffer struct {
	mu       sync.RWMutex
	data     []*pkg.Event
	capacity int
	head     int
	tail     int
	size     int
}

// NewStore creates an event store holding up to capacity events per
// interface for at most retention.
func NewStore(capacity int, retention time.Duration) (*Store, error) {
	if capacity < 1 || capacity > 65536 {
		return nil, fmt.Errorf("event buffer must be between 1 and 65536")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive")
	}
	return &Store{
		capacity:    capacity,
		retention:   retention,
		now:         time.Now,
		events:      make(map[string]*RingBuffer),
		counts:      make(map[pkg.EventType]int),
		lastCleanup: time.Now(),
	}, nil
}

// Publish implements pkg.EventSink.
func (s *Store) Publish(e *pkg.Event) {
	_ = s.AddEvent(e)
}

// AddEvent records an event
func (s *Store) AddEvent(e *pkg.Event) error {
	if e == nil {
		return fmt.Errorf("nil event")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rb := s.events[e.Iface]
	if rb == nil {
		rb = NewRingBuffer(s.capacity)
		s.events[e.Iface] = rb
	}
	rb.Add(e)
	s.counts[e.Type]++

	if s.now().Sub(s.lastCleanup) > time.Hour {
		s.cleanupLocked()
	}
	return nil
}

// GetEvents returns the events of iface newer than since, oldest first.
// With limit > 0 only the most recent limit events are returned. An empty
// iface merges all interfaces.
func (s *Store) GetEvents(iface string, since time.Time, limit int) []*pkg.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*pkg.Event
	if iface != "" {
		if rb := s.events[iface]; rb != nil {
			out = rb.GetSince(since)
		}
	} else {
		for _, rb := range s.events {
			out = append(out, rb.GetSince(since)...)
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Counts returns the number of events seen per type since start.
func (s *Store) Counts() map[pkg.EventType]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[pkg.EventType]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Interfaces returns the interfaces with recorded events
func (s *Store) Interfaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.events))
	for name := range s.events {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Cleanup drops events older than the retention
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()
}

func (s *Store) cleanupLocked() {
	cutoff := s.now().Add(-s.retention)
	for name, rb := range s.events {
		rb.RemoveBefore(cutoff)
		if rb.Size() == 0 {
			delete(s.events, name)
		}
	}
	s.lastCleanup = s.now()
}

// Close drops all data
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = make(map[string]*RingBuffer)
	return nil
}

// NewRingBuffer creates a new ring buffer
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{
		data:     make([]*pkg.Event, capacity),
		capacity: capacity,
	}
}

// Add adds an event, overwriting the oldest when full
func (rb *RingBuffer) Add(e *pkg.Event) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.data[rb.tail] = e
	rb.tail = (rb.tail + 1) % rb.capacity

	if rb.size < rb.capacity {
		rb.size++
	} else {
		rb.head = (rb.head + 1) % rb.capacity
	}
}

// GetSince returns events after since, oldest first
func (rb *RingBuffer) GetSince(since time.Time) []*pkg.Event {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]*pkg.Event, 0, rb.size)
	for i := 0; i < rb.size; i++ {
		e := rb.data[(rb.head+i)%rb.capacity]
		if e.Timestamp.After(since) {
			result = append(result, e)
		}
	}
	return result
}

// RemoveBefore drops events at or before the given time and returns how
// many were removed. Events are stored in arrival order, so only the head
// is examined.
func (rb *RingBuffer) RemoveBefore(before time.Time) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	removed := 0
	for rb.size > 0 {
		e := rb.data[rb.head]
		if e.Timestamp.After(before) {
			break
		}
		rb.data[rb.head] = nil
		rb.head = (rb.head + 1) % rb.capacity
		rb.size--
		removed++
	}
	return removed
}

// Size returns the current number of events
func (rb *RingBuffer) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the buffer capacity
func (rb *RingBuffer) Capacity() int {
	return rb.capacity
}
