package uci

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/markus-lassfolk/dfsd/pkg/channel"
	"github.com/markus-lassfolk/dfsd/pkg/dfs"
	"github.com/markus-lassfolk/dfsd/pkg/regdomain"
)

// ParseHTMode maps an OpenWrt htmode string to a bandwidth and secondary
// channel offset. The offset is 0 unless the mode names one (HT40+/HT40-).
func ParseHTMode(mode string) (channel.Bandwidth, int, error) {
	m := strings.ToUpper(strings.TrimSpace(mode))
	switch m {
	case "HT40+":
		return channel.BW40, 1, nil
	case "HT40-":
		return channel.BW40, -1, nil
	case "NOHT":
		return channel.BW20, 0, nil
	}
	for _, prefix := range []string{"EHT", "HE", "VHT", "HT"} {
		if !strings.HasPrefix(m, prefix) {
			continue
		}
		bw, err := channel.ParseBandwidth(strings.TrimPrefix(m, prefix))
		if err != nil {
			break
		}
		if bw == channel.BW320 && prefix != "EHT" {
			break
		}
		if prefix == "HT" && bw.MHz() > 40 {
			break
		}
		return bw, 0, nil
	}
	return 0, 0, fmt.Errorf("unknown htmode %q", mode)
}

// ParseChanlist parses "36-64 100 149" into channel numbers.
func ParseChanlist(s string) ([]int, error) {
	var out []int
	for _, tok := range strings.Fields(s) {
		lo, hi, err := parseRange(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid chanlist entry %q: %w", tok, err)
		}
		for n := lo; n <= hi; n++ {
			out = append(out, n)
		}
	}
	return out, nil
}

// ParseFreqlist parses "5180-5320 5500" into frequency ranges.
func ParseFreqlist(s string) ([]dfs.FreqRange, error) {
	var out []dfs.FreqRange
	for _, tok := range strings.Fields(s) {
		lo, hi, err := parseRange(tok)
		if err != nil {
			return nil, fmt.Errorf("invalid freqlist entry %q: %w", tok, err)
		}
		out = append(out, dfs.FreqRange{Min: lo, Max: hi})
	}
	return out, nil
}

func parseRange(tok string) (int, int, error) {
	lo, hi, found := strings.Cut(tok, "-")
	a, err := strconv.Atoi(lo)
	if err != nil {
		return 0, 0, err
	}
	if !found {
		return a, a, nil
	}
	b, err := strconv.Atoi(hi)
	if err != nil {
		return 0, 0, err
	}
	if b < a {
		return 0, 0, fmt.Errorf("range end %d below start %d", b, a)
	}
	return a, b, nil
}

// ParseChanBias parses "1:0.8 6:0.8 11:0.8".
func ParseChanBias(s string) (map[int]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out := make(map[int]float64)
	for _, tok := range strings.Fields(s) {
		ch, bias, ok := strings.Cut(tok, ":")
		if !ok {
			return nil, fmt.Errorf("invalid bias entry %q", tok)
		}
		n, err := strconv.Atoi(ch)
		if err != nil {
			return nil, fmt.Errorf("invalid bias channel %q: %w", ch, err)
		}
		f, err := strconv.ParseFloat(bias, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid bias value %q", bias)
		}
		out[n] = f
	}
	return out, nil
}

// InterfaceConfig converts the radio section to a DFS interface
// configuration. The ETSI flag is left for the regulatory lookup.
func (r *RadioConfig) InterfaceConfig() (dfs.Config, error) {
	cfg := dfs.DefaultConfig(r.Ifname)
	bw, offset, err := ParseHTMode(r.HTMode)
	if err != nil {
		return cfg, err
	}
	cfg.Channel = r.Channel
	cfg.Channel2 = r.Channel2
	cfg.Bandwidth = bw
	cfg.SecondaryOffset = offset
	cfg.PuncturedBitmap = r.PunctBitmap
	cfg.IEEE80211H = r.IEEE80211H
	cfg.BackgroundRadar = r.BackgroundRadar
	cfg.ACSNumScans = r.ACSNumScans
	cfg.ACSExcludeDFS = r.ACSExcludeDFS
	cfg.CSCount = uint8(r.CSCount)
	cfg.CACGrace = time.Duration(r.CACGraceS) * time.Second
	cfg.NOPTime = time.Duration(r.NOPTimeS) * time.Second
	if len(r.BSS) > 0 {
		cfg.BSS = append([]string(nil), r.BSS...)
	}

	bias, err := ParseChanBias(r.ACSChanBias)
	if err != nil {
		return cfg, err
	}
	cfg.ACS.Bias = bias

	if cfg.Constraints.Chanlist, err = ParseChanlist(r.Chanlist); err != nil {
		return cfg, err
	}
	if cfg.Constraints.Freqlist, err = ParseFreqlist(r.Freqlist); err != nil {
		return cfg, err
	}
	cfg.Constraints.MinTxPower = int16(r.MinTxPower)
	_, env, err := regdomain.ParseCountry(r.Country)
	if err != nil {
		return cfg, err
	}
	cfg.Constraints.Outdoor = env == regdomain.EnvOutdoor
	return cfg, nil
}
