package channel

import (
	"fmt"
	"strings"
	"time"
)

// DFSState is the radar availability of a channel.
type DFSState int

const (
	DFSUnknown DFSState = iota
	DFSUsable
	DFSUnavailable
	DFSAvailable
)

func (s DFSState) String() string {
	switch s {
	case DFSUsable:
		return "usable"
	case DFSUnavailable:
		return "unavailable"
	case DFSAvailable:
		return "available"
	default:
		return "unknown"
	}
}

// WidthMask is the set of bandwidths a channel may take part in.
type WidthMask uint8

const (
	Width20 WidthMask = 1 << iota
	Width40
	Width80
	Width160
	Width320

	WidthAll = Width20 | Width40 | Width80 | Width160 | Width320
)

// Has reports whether every bit of w is set.
func (m WidthMask) Has(w WidthMask) bool {
	return m&w == w
}

func (m WidthMask) String() string {
	var parts []string
	for _, e := range []struct {
		bit  WidthMask
		name string
	}{{Width20, "20"}, {Width40, "40"}, {Width80, "80"}, {Width160, "160"}, {Width320, "320"}} {
		if m.Has(e.bit) {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, ",")
}

// Channel describes one 20 MHz channel of a radio.
// DFSState is meaningful only when Radar is set.
type Channel struct {
	Number        int           `json:"chan"`
	Freq          int           `json:"freq"`
	Band          Band          `json:"-"`
	AllowedWidths WidthMask     `json:"allowed_widths"`
	MaxTxPower    int16         `json:"max_tx_power"`
	Radar         bool          `json:"radar"`
	DFSState      DFSState      `json:"dfs_state"`
	Disabled      bool          `json:"disabled"`
	IndoorOnly    bool          `json:"indoor_only"`
	CACTime       time.Duration `json:"cac_time"`
}

// Available reports whether the channel may be transmitted on now.
func (c Channel) Available() bool {
	if c.Disabled {
		return false
	}
	return !c.Radar || c.DFSState == DFSAvailable
}

func (c Channel) String() string {
	s := fmt.Sprintf("%d(%d MHz)", c.Number, c.Freq)
	if c.Radar {
		s += " radar=" + c.DFSState.String()
	}
	if c.Disabled {
		s += " disabled"
	}
	return s
}
