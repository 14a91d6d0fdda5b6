// Package pkg holds types shared by every dfsd component.
package pkg

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType is the status event name reported to operators.
type EventType string

const (
	EventRadarDetected EventType = "DFS-RADAR-DETECTED"
	EventNewChannel    EventType = "DFS-NEW-CHANNEL"
	EventCACStart      EventType = "DFS-CAC-START"
	EventCACCompleted  EventType = "DFS-CAC-COMPLETED"
	EventCACAborted    EventType = "DFS-CAC-ABORTED"
	EventNOPFinished   EventType = "DFS-NOP-FINISHED"
	EventPreCACExpired EventType = "DFS-PRE-CAC-EXPIRED"
	EventNoChannel     EventType = "DFS-NO-CHANNEL"
	EventAPEnabled     EventType = "AP-ENABLED"
	EventAPDisabled    EventType = "AP-DISABLED"
	EventCSAFinished   EventType = "AP-CSA-FINISHED"
	EventCSAFailed     EventType = "CSA-FAILED"
	EventACSStarted    EventType = "ACS-STARTED"
	EventACSCompleted  EventType = "ACS-COMPLETED"
	EventACSFailed     EventType = "ACS-FAILED"
)

// Event is a structured status event. Events are for observability only.
type Event struct {
	ID         string        `json:"id"`
	Type       EventType     `json:"type"`
	Timestamp  time.Time     `json:"timestamp"`
	Iface      string        `json:"iface"`
	Freq       int           `json:"freq,omitempty"`
	Channel    int           `json:"chan,omitempty"`
	Width      int           `json:"width,omitempty"`
	SecOffset  int           `json:"sec_chan_offset,omitempty"`
	CF1        int           `json:"cf1,omitempty"`
	CF2        int           `json:"cf2,omitempty"`
	CACTime    time.Duration `json:"cac_time,omitempty"`
	Background bool          `json:"background,omitempty"`
	Success    *bool         `json:"success,omitempty"`
	Cause      string        `json:"cause,omitempty"`
}

// NewEvent creates an event stamped with a fresh ID.
func NewEvent(t EventType, iface string, ts time.Time) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: ts,
		Iface:     iface,
	}
}

// String renders the event in the "TYPE key=value ..." form.
func (e *Event) String() string {
	var b strings.Builder
	b.WriteString(string(e.Type))
	if e.Success != nil {
		fmt.Fprintf(&b, " success=%d", boolInt(*e.Success))
	}
	if e.Freq != 0 {
		fmt.Fprintf(&b, " freq=%d", e.Freq)
	}
	if e.Channel != 0 {
		fmt.Fprintf(&b, " chan=%d", e.Channel)
	}
	if e.Width != 0 || e.Freq != 0 {
		fmt.Fprintf(&b, " sec_chan=%d width=%d", e.SecOffset, e.Width)
	}
	if e.CF1 != 0 {
		fmt.Fprintf(&b, " cf1=%d", e.CF1)
	}
	if e.CF2 != 0 {
		fmt.Fprintf(&b, " cf2=%d", e.CF2)
	}
	if e.CACTime > 0 {
		fmt.Fprintf(&b, " cac_time=%ds", int(e.CACTime/time.Second))
	}
	if e.Background {
		b.WriteString(" radar_background=1")
	}
	if e.Cause != "" {
		fmt.Fprintf(&b, " cause=%q", e.Cause)
	}
	return b.String()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// BoolPtr is a helper for Event.Success.
func BoolPtr(v bool) *bool {
	return &v
}

// EventSink consumes status events. Publish must not block the caller for long.
type EventSink interface {
	Publish(e *Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(e *Event)

// Publish calls f(e).
func (f SinkFunc) Publish(e *Event) { f(e) }

// MultiSink fans events out to several sinks.
type MultiSink struct {
	mu    sync.RWMutex
	sinks []EventSink
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		m.Add(s)
	}
	return m
}

// Add registers another sink. Nil sinks are ignored.
func (m *MultiSink) Add(s EventSink) {
	if s == nil {
		return
	}
	m.mu.Lock()
	m.sinks = append(m.sinks, s)
	m.mu.Unlock()
}

// Publish forwards e to every registered sink.
func (m *MultiSink) Publish(e *Event) {
	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()
	for _, s := range sinks {
		s.Publish(e)
	}
}
