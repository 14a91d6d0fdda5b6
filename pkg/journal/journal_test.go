package journal

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/dfsd/pkg"
	"github.com/markus-lassfolk/dfsd/pkg/logx"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, j Journal) {
	t.Helper()
	events := []struct {
		typ   pkg.EventType
		iface string
		at    time.Duration
	}{
		{pkg.EventCACStart, "wlan0", 0},
		{pkg.EventCACCompleted, "wlan0", 60 * time.Second},
		{pkg.EventAPEnabled, "wlan0", 61 * time.Second},
		{pkg.EventRadarDetected, "wlan1", 90 * time.Second},
		{pkg.EventRadarDetected, "wlan0", 120 * time.Second},
	}
	for _, ev := range events {
		e := pkg.NewEvent(ev.typ, ev.iface, base.Add(ev.at))
		e.Freq = 5260
		require.NoError(t, j.Append(e))
	}
}

func types(events []*pkg.Event) []pkg.EventType {
	out := make([]pkg.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestJournalBackends(t *testing.T) {
	for _, backend := range []string{"bolt", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			j, err := Open(backend, filepath.Join(t.TempDir(), "state", "journal.db"))
			require.NoError(t, err)
			defer j.Close()
			seed(t, j)

			all, err := j.Query(Query{})
			require.NoError(t, err)
			require.Len(t, all, 5)
			assert.Equal(t, pkg.EventCACStart, all[0].Type)
			assert.Equal(t, "wlan1", all[3].Iface)
			assert.Equal(t, 5260, all[0].Freq)
			assert.True(t, all[0].Timestamp.Equal(base))

			wlan0, err := j.Query(Query{Iface: "wlan0", Limit: 2})
			require.NoError(t, err)
			assert.Equal(t, []pkg.EventType{pkg.EventAPEnabled, pkg.EventRadarDetected}, types(wlan0))

			radar, err := j.Query(Query{Types: []pkg.EventType{pkg.EventRadarDetected}})
			require.NoError(t, err)
			assert.Len(t, radar, 2)

			since, err := j.Query(Query{Iface: "wlan0", Since: base.Add(60 * time.Second)})
			require.NoError(t, err)
			assert.Equal(t, []pkg.EventType{pkg.EventAPEnabled, pkg.EventRadarDetected}, types(since))

			n, err := j.Prune(base.Add(61 * time.Second))
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			rest, err := j.Query(Query{})
			require.NoError(t, err)
			assert.Equal(t, []pkg.EventType{pkg.EventAPEnabled, pkg.EventRadarDetected, pkg.EventRadarDetected}, types(rest))
		})
	}
}

func TestJournalReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := OpenBolt(path)
	require.NoError(t, err)
	seed(t, j)
	require.NoError(t, j.Close())

	j, err = OpenBolt(path)
	require.NoError(t, err)
	defer j.Close()
	events, err := j.Query(Query{Iface: "wlan1"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, pkg.EventRadarDetected, events[0].Type)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open("csv", filepath.Join(t.TempDir(), "journal.db"))
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestSinkAppends(t *testing.T) {
	j, err := OpenSQLite(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	defer j.Close()

	sink := NewSink(j, 0, logx.NewTestLogger())
	var _ pkg.EventSink = sink
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx) }()

	sink.Publish(pkg.NewEvent(pkg.EventNOPFinished, "wlan0", base))
	require.Eventually(t, func() bool {
		events, err := j.Query(Query{Iface: "wlan0"})
		return err == nil && len(events) == 1 && events[0].Type == pkg.EventNOPFinished
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

// blockingJournal holds every Append until release is closed.
type blockingJournal struct {
	Journal
	entered chan struct{}
	release chan struct{}

	mu       sync.Mutex
	appended []*pkg.Event
}

func (b *blockingJournal) Append(e *pkg.Event) error {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	b.mu.Lock()
	b.appended = append(b.appended, e)
	b.mu.Unlock()
	return nil
}

func (b *blockingJournal) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.appended)
}

func TestSinkPublishDoesNotWaitForAppend(t *testing.T) {
	bj := &blockingJournal{entered: make(chan struct{}, 1), release: make(chan struct{})}
	sink := NewSink(bj, 2, logx.NewTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sink.Run(ctx) }()

	sink.Publish(pkg.NewEvent(pkg.EventCACStart, "wlan0", base))
	select {
	case <-bj.entered:
	case <-time.After(time.Second):
		t.Fatal("writer did not pick up the event")
	}

	// The writer is stuck in Append: two events fit the queue, the rest drop.
	published := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			sink.Publish(pkg.NewEvent(pkg.EventRadarDetected, "wlan0", base))
		}
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a stuck journal")
	}
	assert.Equal(t, 3, sink.Dropped())
	assert.Equal(t, 0, bj.count())

	close(bj.release)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 3, bj.count())
}
