// Package channel models the regulatory channel table of a radio and the
// 802.11 channelization rules used to build operating channel plans.
package channel

import "fmt"

// Band is a radio band.
type Band int

const (
	Band2G Band = iota
	Band5G
	Band6G
)

func (b Band) String() string {
	switch b {
	case Band2G:
		return "2g"
	case Band5G:
		return "5g"
	case Band6G:
		return "6g"
	default:
		return fmt.Sprintf("band(%d)", int(b))
	}
}

// ParseBand accepts "2g", "5g", "6g" and the 11g/11a/11ax style hwmode names.
func ParseBand(s string) (Band, error) {
	switch s {
	case "2g", "2.4g", "11g", "11b":
		return Band2G, nil
	case "5g", "11a":
		return Band5G, nil
	case "6g":
		return Band6G, nil
	}
	return 0, fmt.Errorf("unknown band %q", s)
}

// BandOfFreq returns the band a center frequency belongs to.
func BandOfFreq(freq int) (Band, bool) {
	switch {
	case freq >= 2412 && freq <= 2484:
		return Band2G, true
	case freq >= 5150 && freq <= 5925:
		return Band5G, true
	case freq > 5925 && freq <= 7125:
		return Band6G, true
	}
	return 0, false
}

// FreqToChannel converts a center frequency to its channel number.
func FreqToChannel(freq int) (int, bool) {
	band, ok := BandOfFreq(freq)
	if !ok {
		return 0, false
	}
	switch band {
	case Band2G:
		if freq == 2484 {
			return 14, true
		}
		return (freq - 2407) / 5, true
	case Band5G:
		return (freq - 5000) / 5, true
	default:
		return (freq - 5950) / 5, true
	}
}

// ChannelToFreq converts a channel number in a band to its center frequency.
func ChannelToFreq(band Band, ch int) int {
	switch band {
	case Band2G:
		if ch == 14 {
			return 2484
		}
		return 2407 + 5*ch
	case Band5G:
		return 5000 + 5*ch
	default:
		return 5950 + 5*ch
	}
}
