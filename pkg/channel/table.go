package channel

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrChannelNotFound is returned when a configured channel is not part of
// the table. It indicates a configuration error.
var ErrChannelNotFound = errors.New("channel not found")

// Table is the channel catalog of one band. It is safe for concurrent use;
// the lock is held for a single query or mutation only. Lookups return
// copies so callers never observe a torn descriptor.
type Table struct {
	mu    sync.RWMutex
	band  Band
	chans []Channel
	index map[int]int
}

// NewTable builds a table from descriptors, sorted by frequency.
func NewTable(band Band, chans []Channel) *Table {
	t := &Table{band: band}
	t.load(chans)
	return t
}

func (t *Table) load(chans []Channel) {
	cp := make([]Channel, len(chans))
	copy(cp, chans)
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Freq < cp[j].Freq })
	t.chans = cp
	t.index = make(map[int]int, len(cp))
	for i := range cp {
		cp[i].Band = t.band
		t.index[cp[i].Freq] = i
	}
}

// Replace swaps in a new channel set, as on a regulatory change.
func (t *Table) Replace(chans []Channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.load(chans)
}

// Band returns the band the table describes.
func (t *Table) Band() Band {
	return t.band
}

// Len returns the number of channels.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.chans)
}

// Channels returns a snapshot of every channel in frequency order.
func (t *Table) Channels() []Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Channel, len(t.chans))
	copy(out, t.chans)
	return out
}

// FindByFreq looks a channel up by center frequency.
func (t *Table) FindByFreq(freq int) (Channel, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.index[freq]
	if !ok {
		return Channel{}, false
	}
	return t.chans[i], true
}

// FindByChannel looks a channel up by channel number.
func (t *Table) FindByChannel(num int) (Channel, bool) {
	return t.FindByFreq(ChannelToFreq(t.band, num))
}

// MarkResult lists the radar channel frequencies an update matched and the
// subset whose state actually changed.
type MarkResult struct {
	Matched []int
	Changed []int
}

// MarkDFSState sets state on every radar channel in freqs. Non-radar and
// unknown frequencies are skipped. Setting a state a channel already has
// is not reported as a change.
func (t *Table) MarkDFSState(freqs []int, state DFSState) MarkResult {
	return t.mark(freqs, state, nil)
}

// MarkDFSStateFrom behaves like MarkDFSState but only touches channels
// currently in one of the from states.
func (t *Table) MarkDFSStateFrom(freqs []int, state DFSState, from ...DFSState) MarkResult {
	return t.mark(freqs, state, func(cur DFSState) bool {
		for _, f := range from {
			if cur == f {
				return true
			}
		}
		return false
	})
}

func (t *Table) mark(freqs []int, state DFSState, allow func(DFSState) bool) MarkResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res MarkResult
	for _, f := range freqs {
		i, ok := t.index[f]
		if !ok || !t.chans[i].Radar {
			continue
		}
		c := &t.chans[i]
		if allow != nil && !allow(c.DFSState) {
			continue
		}
		res.Matched = append(res.Matched, f)
		if c.DFSState != state {
			c.DFSState = state
			res.Changed = append(res.Changed, f)
		}
	}
	return res
}

// CountRadar returns how many of freqs are radar channels.
func (t *Table) CountRadar(freqs []int) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, f := range freqs {
		if i, ok := t.index[f]; ok && t.chans[i].Radar {
			n++
		}
	}
	return n
}

// AllAvailable reports whether every channel in freqs exists, is enabled
// and is either non-radar or DFS available.
func (t *Table) AllAvailable(freqs []int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, f := range freqs {
		i, ok := t.index[f]
		if !ok || !t.chans[i].Available() {
			return false
		}
	}
	return true
}

// AnyUnavailable reports whether a channel in freqs is missing, disabled
// or in its non-occupancy period.
func (t *Table) AnyUnavailable(freqs []int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, f := range freqs {
		i, ok := t.index[f]
		if !ok {
			return true
		}
		c := t.chans[i]
		if c.Disabled || (c.Radar && c.DFSState == DFSUnavailable) {
			return true
		}
	}
	return false
}

// MaxCACTime returns the longest CAC time among the radar channels in freqs.
func (t *Table) MaxCACTime(freqs []int) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var max time.Duration
	for _, f := range freqs {
		if i, ok := t.index[f]; ok && t.chans[i].Radar && t.chans[i].CACTime > max {
			max = t.chans[i].CACTime
		}
	}
	return max
}

// WidthAllowed reports whether every member exists, is enabled and allows bw.
func (t *Table) WidthAllowed(freqs []int, bw Bandwidth) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	mask := bw.Mask()
	for _, f := range freqs {
		i, ok := t.index[f]
		if !ok || t.chans[i].Disabled || !t.chans[i].AllowedWidths.Has(mask) {
			return false
		}
	}
	return true
}

// Reset returns every radar channel to Usable, as on interface teardown.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.chans {
		if t.chans[i].Radar {
			t.chans[i].DFSState = DFSUsable
		}
	}
}

// RadarOverlap reports whether any radar channel among members lies in r.
func (t *Table) RadarOverlap(members []int, r EventRange) bool {
	hit := make(map[int]bool)
	for _, f := range r.Freqs() {
		hit[f] = true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, f := range members {
		if i, ok := t.index[f]; ok && t.chans[i].Radar && hit[f] {
			return true
		}
	}
	return false
}
