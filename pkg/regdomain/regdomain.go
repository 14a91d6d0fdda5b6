// Package regdomain provides the regulatory view of a radio: which channels
// exist in a country, which need radar detection, their CAC time, transmit
// power limits and the widest bandwidth each frequency range allows.
package regdomain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/markus-lassfolk/dfsd/pkg/channel"
)

// ErrUnknownCountry is returned for a country without built-in rules.
var ErrUnknownCountry = errors.New("unknown regulatory country")

// DefaultCACTime is the CAC time of a radar channel unless a rule says
// otherwise.
const DefaultCACTime = 60 * time.Second

// Region is the DFS region of a country.
type Region int

const (
	RegionUnset Region = iota
	RegionFCC
	RegionETSI
	RegionJP
)

func (r Region) String() string {
	switch r {
	case RegionFCC:
		return "FCC"
	case RegionETSI:
		return "ETSI"
	case RegionJP:
		return "JP"
	default:
		return "unset"
	}
}

// Rule is one frequency range of a regulatory domain. Start and End are
// band edges in MHz.
type Rule struct {
	Start, End   int
	MaxBandwidth int // MHz
	MaxTxPower   int16
	Radar        bool
	IndoorOnly   bool
	CACTime      time.Duration
}

func (r Rule) covers(freq int) bool {
	return freq-10 >= r.Start && freq+10 <= r.End
}

// Domain is the rule set of one country.
type Domain struct {
	Country string
	Region  Region
	Rules   []Rule
}

// ETSI reports whether radar recovery must use uniform spreading.
func (d Domain) ETSI() bool {
	return d.Region == RegionETSI
}

var weatherCAC = 600 * time.Second

var builtin = map[string]Domain{
	"00": {Country: "00", Region: RegionUnset, Rules: []Rule{
		{Start: 2402, End: 2472, MaxBandwidth: 40, MaxTxPower: 20},
		{Start: 5170, End: 5250, MaxBandwidth: 160, MaxTxPower: 20, IndoorOnly: true},
		{Start: 5250, End: 5330, MaxBandwidth: 160, MaxTxPower: 20, Radar: true},
		{Start: 5490, End: 5730, MaxBandwidth: 160, MaxTxPower: 20, Radar: true},
	}},
	"US": {Country: "US", Region: RegionFCC, Rules: []Rule{
		{Start: 2402, End: 2472, MaxBandwidth: 40, MaxTxPower: 30},
		{Start: 5170, End: 5250, MaxBandwidth: 160, MaxTxPower: 23},
		{Start: 5250, End: 5330, MaxBandwidth: 160, MaxTxPower: 23, Radar: true},
		{Start: 5490, End: 5730, MaxBandwidth: 160, MaxTxPower: 23, Radar: true},
		{Start: 5730, End: 5850, MaxBandwidth: 160, MaxTxPower: 30},
		{Start: 5850, End: 5895, MaxBandwidth: 160, MaxTxPower: 27, IndoorOnly: true},
		{Start: 5925, End: 7125, MaxBandwidth: 320, MaxTxPower: 12, IndoorOnly: true},
	}},
	"DE": {Country: "DE", Region: RegionETSI, Rules: []Rule{
		{Start: 2400, End: 2484, MaxBandwidth: 40, MaxTxPower: 20},
		{Start: 5150, End: 5250, MaxBandwidth: 160, MaxTxPower: 23, IndoorOnly: true},
		{Start: 5250, End: 5350, MaxBandwidth: 160, MaxTxPower: 20, Radar: true, IndoorOnly: true},
		{Start: 5470, End: 5590, MaxBandwidth: 160, MaxTxPower: 26, Radar: true},
		{Start: 5590, End: 5650, MaxBandwidth: 160, MaxTxPower: 26, Radar: true, CACTime: weatherCAC},
		{Start: 5650, End: 5725, MaxBandwidth: 160, MaxTxPower: 26, Radar: true},
		{Start: 5725, End: 5875, MaxBandwidth: 80, MaxTxPower: 13},
		{Start: 5945, End: 6425, MaxBandwidth: 320, MaxTxPower: 23, IndoorOnly: true},
	}},
	"JP": {Country: "JP", Region: RegionJP, Rules: []Rule{
		{Start: 2402, End: 2482, MaxBandwidth: 40, MaxTxPower: 20},
		{Start: 2474, End: 2494, MaxBandwidth: 20, MaxTxPower: 20},
		{Start: 5170, End: 5250, MaxBandwidth: 160, MaxTxPower: 20, IndoorOnly: true},
		{Start: 5250, End: 5330, MaxBandwidth: 160, MaxTxPower: 20, Radar: true, IndoorOnly: true},
		{Start: 5490, End: 5730, MaxBandwidth: 160, MaxTxPower: 23, Radar: true},
		{Start: 5925, End: 6425, MaxBandwidth: 320, MaxTxPower: 23, IndoorOnly: true},
	}},
}

// ETSI member states share the DE rules.
var etsiAliases = []string{"AT", "BE", "CH", "DK", "ES", "FI", "FR", "GB", "IE", "IT", "NL", "NO", "PL", "PT", "SE"}

// Environment is the third character of a country string.
type Environment byte

const (
	EnvAny     Environment = ' '
	EnvIndoor  Environment = 'I'
	EnvOutdoor Environment = 'O'
)

// ParseCountry splits "DE", "DEO" or "US " into the country code and the
// operating environment.
func ParseCountry(s string) (string, Environment, error) {
	s = strings.ToUpper(s)
	if len(s) < 2 || len(s) > 3 {
		return "", EnvAny, fmt.Errorf("invalid country %q", s)
	}
	env := EnvAny
	if len(s) == 3 {
		switch Environment(s[2]) {
		case EnvAny, EnvIndoor, EnvOutdoor:
			env = Environment(s[2])
		default:
			return "", EnvAny, fmt.Errorf("invalid environment %q in country %q", s[2], s)
		}
	}
	return s[:2], env, nil
}

// Lookup returns the rules of a country. The country may carry an
// environment suffix.
func Lookup(country string) (Domain, error) {
	code, _, err := ParseCountry(country)
	if err != nil {
		return Domain{}, err
	}
	if d, ok := builtin[code]; ok {
		return d, nil
	}
	for _, a := range etsiAliases {
		if a == code {
			d := builtin["DE"]
			d.Country = code
			return d, nil
		}
	}
	return Domain{}, fmt.Errorf("%w: %s", ErrUnknownCountry, code)
}

// Options control how rules are applied to a channel list.
type Options struct {
	IEEE80211H bool
}

func (d Domain) ruleFor(freq int) (Rule, bool) {
	for _, r := range d.Rules {
		if r.covers(freq) {
			return r, true
		}
	}
	return Rule{}, false
}

// Channels returns the regulatory channel table for band.
func (d Domain) Channels(band channel.Band, opts Options) []channel.Channel {
	var chans []channel.Channel
	for _, n := range bandChannels(band) {
		chans = append(chans, channel.Channel{
			Number:        n,
			Freq:          channel.ChannelToFreq(band, n),
			Band:          band,
			AllowedWidths: channel.WidthAll,
		})
	}
	return d.Apply(band, chans, opts)
}

func bandChannels(band channel.Band) []int {
	var out []int
	switch band {
	case channel.Band2G:
		for n := 1; n <= 14; n++ {
			out = append(out, n)
		}
	case channel.Band5G:
		for _, r := range [][2]int{{36, 64}, {100, 144}, {149, 177}} {
			for n := r[0]; n <= r[1]; n += 4 {
				out = append(out, n)
			}
		}
	case channel.Band6G:
		for n := 1; n <= 233; n += 4 {
			out = append(out, n)
		}
	}
	return out
}

// Apply restricts a capability channel list to the domain. Channels outside
// every rule are disabled, radar and indoor flags are merged, transmit power
// is capped and the width masks are narrowed to what the rules allow. Radar
// channels are disabled when 802.11h is off.
func (d Domain) Apply(band channel.Band, chans []channel.Channel, opts Options) []channel.Channel {
	out := make([]channel.Channel, len(chans))
	copy(out, chans)

	maxBW := make(map[int]int, len(out))
	for i := range out {
		c := &out[i]
		c.Band = band
		r, ok := d.ruleFor(c.Freq)
		if !ok {
			c.Disabled = true
			continue
		}
		if c.MaxTxPower == 0 || r.MaxTxPower < c.MaxTxPower {
			c.MaxTxPower = r.MaxTxPower
		}
		c.IndoorOnly = c.IndoorOnly || r.IndoorOnly
		if r.Radar {
			c.Radar = true
			if r.CACTime > c.CACTime {
				c.CACTime = r.CACTime
			}
		}
		if c.Radar {
			if c.CACTime == 0 {
				c.CACTime = DefaultCACTime
			}
			if c.DFSState == channel.DFSUnknown {
				c.DFSState = channel.DFSUsable
			}
			if !opts.IEEE80211H {
				c.Disabled = true
			}
		}
		if !c.Disabled {
			maxBW[c.Freq] = r.MaxBandwidth
		}
	}

	for i := range out {
		c := &out[i]
		if c.Disabled {
			c.AllowedWidths = 0
			continue
		}
		c.AllowedWidths &= allowedWidths(band, c.Freq, maxBW)
	}
	return out
}

func allowedWidths(band channel.Band, freq int, maxBW map[int]int) channel.WidthMask {
	fits := func(bw channel.Bandwidth, offset int) bool {
		members, ok := channel.MemberChannels(band, freq, bw, offset)
		if !ok {
			return false
		}
		for _, m := range members {
			if maxBW[m] < bw.MHz() {
				return false
			}
		}
		return true
	}

	mask := channel.Width20
	if band == channel.Band2G {
		if fits(channel.BW40, 1) || fits(channel.BW40, -1) {
			mask |= channel.Width40
		}
		return mask
	}
	for _, bw := range []channel.Bandwidth{channel.BW40, channel.BW80, channel.BW160, channel.BW320} {
		if fits(bw, 0) {
			mask |= bw.Mask()
		}
	}
	return mask
}
