package channel

import (
	"fmt"
	"strings"
)

// Bandwidth is an operating channel width.
type Bandwidth int

const (
	BW20 Bandwidth = iota
	BW40
	BW80
	BW160
	BW80P80
	BW320
)

// MHz returns the occupied width of one segment set.
func (b Bandwidth) MHz() int {
	switch b {
	case BW20:
		return 20
	case BW40:
		return 40
	case BW80:
		return 80
	case BW160, BW80P80:
		return 160
	case BW320:
		return 320
	}
	panic(fmt.Sprintf("channel: unknown bandwidth %d", int(b)))
}

// SegmentChannels is the number of 20 MHz channels in the segment that
// contains the primary channel.
func (b Bandwidth) SegmentChannels() int {
	switch b {
	case BW20:
		return 1
	case BW40:
		return 2
	case BW80, BW80P80:
		return 4
	case BW160:
		return 8
	case BW320:
		return 16
	}
	panic(fmt.Sprintf("channel: unknown bandwidth %d", int(b)))
}

// Mask returns the width bit a member channel needs for this bandwidth.
func (b Bandwidth) Mask() WidthMask {
	switch b {
	case BW20:
		return Width20
	case BW40:
		return Width40
	case BW80, BW80P80:
		return Width80
	case BW160:
		return Width160
	case BW320:
		return Width320
	}
	panic(fmt.Sprintf("channel: unknown bandwidth %d", int(b)))
}

// Downgrade returns the next narrower width tried when no channel fits.
func (b Bandwidth) Downgrade() (Bandwidth, bool) {
	switch b {
	case BW320:
		return BW160, true
	case BW160, BW80P80:
		return BW80, true
	case BW80:
		return BW40, true
	case BW40:
		return BW20, true
	case BW20:
		return BW20, false
	}
	panic(fmt.Sprintf("channel: unknown bandwidth %d", int(b)))
}

func (b Bandwidth) String() string {
	if b == BW80P80 {
		return "80+80"
	}
	return fmt.Sprintf("%d", b.MHz())
}

// ParseBandwidth parses "20", "40", "80", "160", "80+80" or "320".
func ParseBandwidth(s string) (Bandwidth, error) {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "mhz") {
	case "20", "20_noht":
		return BW20, nil
	case "40":
		return BW40, nil
	case "80":
		return BW80, nil
	case "160":
		return BW160, nil
	case "80+80", "80p80":
		return BW80P80, nil
	case "320":
		return BW320, nil
	}
	return 0, fmt.Errorf("unknown bandwidth %q", s)
}
