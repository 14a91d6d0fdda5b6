package channel

import (
	"errors"
	"fmt"
)

// ErrInvalidPlan is returned when a primary/bandwidth combination is not
// part of the channelization.
var ErrInvalidPlan = errors.New("invalid channel plan")

// Plan is an operating channel configuration. Plans are values: a new
// selection produces a new Plan rather than modifying an old one.
type Plan struct {
	Band            Band      `json:"band"`
	Freq            int       `json:"freq"`
	Channel         int       `json:"chan"`
	Bandwidth       Bandwidth `json:"bandwidth"`
	SecondaryOffset int       `json:"sec_chan_offset"`
	Seg0            int       `json:"seg0_idx"`
	Seg1            int       `json:"seg1_idx,omitempty"`
	PuncturedBitmap uint16    `json:"punct_bitmap,omitempty"`
}

// NewPlan builds a plan around primary. The offset is derived when zero
// and bw is 40 MHz or wider. seg1Freq selects the second segment for 80+80.
func NewPlan(band Band, primary int, bw Bandwidth, offset, seg1Freq int) (Plan, error) {
	ch, ok := FreqToChannel(primary)
	if !ok {
		return Plan{}, fmt.Errorf("%w: frequency %d", ErrInvalidPlan, primary)
	}
	if bw != BW20 && offset == 0 {
		offset = SecondaryOffset(band, primary, bw)
	}
	if bw == BW20 {
		offset = 0
	}
	if !IsPrimaryLegal(band, primary, bw, offset) {
		return Plan{}, fmt.Errorf("%w: channel %d cannot be primary at %s MHz", ErrInvalidPlan, ch, bw)
	}
	seg0, seg1, ok := CenterSegments(band, primary, bw, offset, seg1Freq)
	if !ok {
		return Plan{}, fmt.Errorf("%w: no center for channel %d at %s MHz", ErrInvalidPlan, ch, bw)
	}
	return Plan{
		Band:            band,
		Freq:            primary,
		Channel:         ch,
		Bandwidth:       bw,
		SecondaryOffset: offset,
		Seg0:            seg0,
		Seg1:            seg1,
	}, nil
}

// IsZero reports whether the plan is unset.
func (p Plan) IsZero() bool {
	return p.Freq == 0
}

// CenterFreq1 is the center frequency of segment 0 in MHz.
func (p Plan) CenterFreq1() int {
	return CenterFreq(p.Band, p.Seg0)
}

// CenterFreq2 is the center frequency of segment 1 in MHz, or 0.
func (p Plan) CenterFreq2() int {
	return CenterFreq(p.Band, p.Seg1)
}

// Members returns every 20 MHz member frequency of the plan, including
// the second segment of an 80+80 plan.
func (p Plan) Members() []int {
	if p.IsZero() {
		return nil
	}
	members, ok := memberChannels(p.Band, p.Freq, p.Bandwidth, p.SecondaryOffset, segCenterHint(p))
	if !ok {
		return nil
	}
	if p.Bandwidth == BW80P80 && p.Seg1 != 0 {
		cf2 := p.CenterFreq2()
		for f := cf2 - 30; f <= cf2+30; f += 20 {
			members = append(members, f)
		}
	}
	return members
}

// ActiveMembers returns the members that are not punctured. Bit i of the
// punctured bitmap removes the i-th lowest member.
func (p Plan) ActiveMembers() []int {
	members := p.Members()
	if p.PuncturedBitmap == 0 {
		return members
	}
	out := make([]int, 0, len(members))
	for i, f := range members {
		if i < 16 && p.PuncturedBitmap&(1<<uint(i)) != 0 {
			continue
		}
		out = append(out, f)
	}
	return out
}

func segCenterHint(p Plan) int {
	if p.Band == Band2G || p.Bandwidth == BW20 {
		return 0
	}
	return p.Seg0
}

// EventRange returns the range a driver would report for this plan.
func (p Plan) EventRange() EventRange {
	return EventRange{
		Freq:      p.Freq,
		Bandwidth: p.Bandwidth,
		CF1:       p.CenterFreq1(),
		CF2:       p.CenterFreq2(),
	}
}

func (p Plan) String() string {
	s := fmt.Sprintf("chan %d (%d MHz) width %s sec %d seg0 %d", p.Channel, p.Freq, p.Bandwidth, p.SecondaryOffset, p.Seg0)
	if p.Seg1 != 0 {
		s += fmt.Sprintf(" seg1 %d", p.Seg1)
	}
	if p.PuncturedBitmap != 0 {
		s += fmt.Sprintf(" punct 0x%x", p.PuncturedBitmap)
	}
	return s
}

// EventRange is the frequency range of a driver radar/CAC/NOP event.
type EventRange struct {
	Freq      int
	Bandwidth Bandwidth
	CF1       int
	CF2       int
}

// Freqs expands the range into the affected 20 MHz channel frequencies.
func (r EventRange) Freqs() []int {
	start := r.Freq
	n := 1
	switch r.Bandwidth {
	case BW20:
		if start == 0 {
			start = r.CF1
		}
	case BW40:
		start, n = r.CF1-10, 2
	case BW80, BW80P80:
		start, n = r.CF1-30, 4
	case BW160:
		start, n = r.CF1-70, 8
	case BW320:
		start, n = r.CF1-150, 16
	}
	if start <= 0 {
		return nil
	}
	out := make([]int, 0, n*2)
	for i := 0; i < n; i++ {
		out = append(out, start+20*i)
	}
	if r.Bandwidth == BW80P80 && r.CF2 != 0 {
		for i := 0; i < 4; i++ {
			out = append(out, r.CF2-30+20*i)
		}
	}
	return out
}

func (r EventRange) String() string {
	return fmt.Sprintf("freq=%d width=%s cf1=%d cf2=%d", r.Freq, r.Bandwidth, r.CF1, r.CF2)
}
