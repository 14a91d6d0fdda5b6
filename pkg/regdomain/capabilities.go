package regdomain

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/markus-lassfolk/dfsd/pkg/channel"
)

// Capabilities is a capability dump of one radio, as written by the
// discovery tooling.
type Capabilities struct {
	Band     string           `json:"band"`
	Channels []CapabilityChan `json:"channels"`
}

// CapabilityChan is one channel of a capability dump.
type CapabilityChan struct {
	Freq       int      `json:"freq"`
	MaxTxPower int16    `json:"max_tx_power"`
	Radar      bool     `json:"radar"`
	Disabled   bool     `json:"disabled"`
	IndoorOnly bool     `json:"indoor_only"`
	CACTimeMS  int      `json:"cac_time_ms"`
	DFSState   string   `json:"dfs_state,omitempty"`
	Widths     []string `json:"widths,omitempty"`
}

// LoadCapabilities reads a capability dump.
func LoadCapabilities(path string) (channel.Band, []channel.Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read capabilities: %w", err)
	}
	return ParseCapabilities(data)
}

// ParseCapabilities decodes a capability dump into channel descriptors.
func ParseCapabilities(data []byte) (channel.Band, []channel.Channel, error) {
	var caps Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return 0, nil, fmt.Errorf("failed to parse capabilities: %w", err)
	}
	band, err := channel.ParseBand(caps.Band)
	if err != nil {
		return 0, nil, err
	}

	chans := make([]channel.Channel, 0, len(caps.Channels))
	for _, cc := range caps.Channels {
		b, ok := channel.BandOfFreq(cc.Freq)
		if !ok || b != band {
			return 0, nil, fmt.Errorf("frequency %d MHz is not in band %s", cc.Freq, band)
		}
		num, _ := channel.FreqToChannel(cc.Freq)
		c := channel.Channel{
			Number:        num,
			Freq:          cc.Freq,
			Band:          band,
			AllowedWidths: channel.WidthAll,
			MaxTxPower:    cc.MaxTxPower,
			Radar:         cc.Radar,
			Disabled:      cc.Disabled,
			IndoorOnly:    cc.IndoorOnly,
			CACTime:       time.Duration(cc.CACTimeMS) * time.Millisecond,
		}
		if len(cc.Widths) > 0 {
			c.AllowedWidths = 0
			for _, w := range cc.Widths {
				bw, err := channel.ParseBandwidth(w)
				if err != nil {
					return 0, nil, fmt.Errorf("channel %d: %w", num, err)
				}
				c.AllowedWidths |= bw.Mask()
			}
		}
		switch cc.DFSState {
		case "", "usable":
			if c.Radar {
				c.DFSState = channel.DFSUsable
			}
		case "available":
			c.DFSState = channel.DFSAvailable
		case "unavailable":
			c.DFSState = channel.DFSUnavailable
		default:
			return 0, nil, fmt.Errorf("channel %d: unknown dfs_state %q", num, cc.DFSState)
		}
		chans = append(chans, c)
	}
	return band, chans, nil
}
