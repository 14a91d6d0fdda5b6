package acs

import (
	"errors"
	"sort"
	"sync"

	"github.com/markus-lassfolk/dfsd/pkg/channel"
)

var (
	// ErrInsufficientData means no candidate had usable survey data.
	ErrInsufficientData = errors.New("insufficient survey data")
	// ErrNoCandidate means no channel satisfied the constraints at all.
	ErrNoCandidate = errors.New("no legal ACS candidate")
)

const (
	// AdjacentWeight applies to 2.4 GHz channels 5 MHz from a member.
	AdjacentWeight = 0.85
	// NextAdjacentWeight applies to 2.4 GHz channels 10 MHz from a member.
	NextAdjacentWeight = 0.55
	// Prefer1611Bias is the default 2.4 GHz bias of channels 1, 6 and 11.
	Prefer1611Bias = 0.8
)

// Config tunes scoring.
type Config struct {
	Bias               map[int]float64 // channel number -> multiplier
	AdjacentWeight     float64
	NextAdjacentWeight float64
}

// DefaultConfig returns the standard weights with no operator bias.
func DefaultConfig() Config {
	return Config{
		AdjacentWeight:     AdjacentWeight,
		NextAdjacentWeight: NextAdjacentWeight,
	}
}

// Options restricts which candidates are considered.
type Options struct {
	Bandwidth    channel.Bandwidth
	Offset       int // 2.4 GHz HT40 direction
	ExcludeRadar bool
	Allow        func(channel.Channel) bool
}

// Candidate is one scored primary/bandwidth combination.
type Candidate struct {
	Plan   channel.Plan `json:"plan"`
	Factor float64      `json:"factor"`
	Usable bool         `json:"usable"`
}

// Scorer accumulates survey samples across scan passes and ranks candidates.
type Scorer struct {
	mu      sync.Mutex
	cfg     Config
	samples map[int][]SurveySample
}

// NewScorer creates a scorer.
func NewScorer(cfg Config) *Scorer {
	if cfg.AdjacentWeight == 0 {
		cfg.AdjacentWeight = AdjacentWeight
	}
	if cfg.NextAdjacentWeight == 0 {
		cfg.NextAdjacentWeight = NextAdjacentWeight
	}
	return &Scorer{cfg: cfg, samples: make(map[int][]SurveySample)}
}

// Add records survey samples.
func (s *Scorer) Add(samples ...SurveySample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, smp := range samples {
		s.samples[smp.Freq] = append(s.samples[smp.Freq], smp)
	}
}

// Reset discards every sample, as on a regulatory change.
func (s *Scorer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = make(map[int][]SurveySample)
}

// SampleCount returns the number of samples held for freq.
func (s *Scorer) SampleCount(freq int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples[freq])
}

// MinNoiseFloor returns the lowest reported noise floor of all samples.
func (s *Scorer) MinNoiseFloor() (int16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minNF()
}

func (s *Scorer) minNF() (int16, bool) {
	var min int16
	found := false
	for _, list := range s.samples {
		for _, smp := range list {
			if smp.Filled&HasNoise == 0 {
				continue
			}
			if !found || smp.NoiseFloor < min {
				min, found = smp.NoiseFloor, true
			}
		}
	}
	return min, found
}

// Factors returns the averaged interference factor of every channel that
// has at least one sufficient sample.
func (s *Scorer) Factors() map[int]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int]float64, len(s.samples))
	minNF, ok := s.minNF()
	if !ok {
		return out
	}
	for freq, list := range s.samples {
		if f, ok := ChannelFactor(list, minNF); ok {
			out[freq] = f
		}
	}
	return out
}

// Aggregate scores a candidate from precomputed channel factors. It sums
// the factors of usable members and, on 2.4 GHz, the weighted factors of
// the channels 5 and 10 MHz either side of each member, then divides by
// the total weight. ok is false when a member is missing or does not
// allow the width. usable is false when the primary or any member lacks
// survey data.
func (s *Scorer) Aggregate(tbl *channel.Table, primary int, bw channel.Bandwidth, offset int, factors map[int]float64) (score float64, usable, ok bool) {
	members, ok := channel.MemberChannels(tbl.Band(), primary, bw, offset)
	if !ok || !tbl.WidthAllowed(members, bw) {
		return 0, false, false
	}

	usable = true
	var total, weight float64
	for _, m := range members {
		f, has := factors[m]
		if !has {
			usable = false
			continue
		}
		total += f
		weight++
	}
	if _, has := factors[primary]; !has {
		usable = false
	}

	if tbl.Band() == channel.Band2G {
		for _, m := range members {
			for _, adj := range []struct {
				delta  int
				weight float64
			}{
				{-5, s.cfg.AdjacentWeight}, {5, s.cfg.AdjacentWeight},
				{-10, s.cfg.NextAdjacentWeight}, {10, s.cfg.NextAdjacentWeight},
			} {
				if f, has := factors[m+adj.delta]; has {
					total += adj.weight * f
					weight += adj.weight
				}
			}
		}
	}

	if weight > 0 {
		total /= weight
	}
	return total, usable, true
}

// ApplyBias multiplies score by the operator bias of the channel, or by
// the default 1/6/11 preference on 2.4 GHz when no bias is configured.
func (s *Scorer) ApplyBias(band channel.Band, score float64, ch int) float64 {
	if len(s.cfg.Bias) > 0 {
		if b, ok := s.cfg.Bias[ch]; ok {
			return score * b
		}
		return score
	}
	if band == channel.Band2G && (ch == 1 || ch == 6 || ch == 11) {
		return score * Prefer1611Bias
	}
	return score
}

// Candidates scores every legal candidate in ascending frequency order.
func (s *Scorer) Candidates(tbl *channel.Table, opts Options) []Candidate {
	factors := s.Factors()
	band := tbl.Band()
	var out []Candidate

	for _, c := range tbl.Channels() {
		if c.Disabled || (opts.ExcludeRadar && c.Radar) {
			continue
		}
		if opts.Allow != nil && !opts.Allow(c) {
			continue
		}
		offset := opts.Offset
		if band == channel.Band2G && opts.Bandwidth == channel.BW40 && offset == 0 {
			offset = channel.SecondaryOffset(band, c.Freq, opts.Bandwidth)
		}
		if opts.Bandwidth != channel.BW20 {
			if band == channel.Band2G {
				if !channel.IsPrimaryLegal(band, c.Freq, opts.Bandwidth, offset) {
					continue
				}
			} else if !channel.IsAnchor(c.Freq, opts.Bandwidth) {
				continue
			}
		}
		if band != channel.Band2G {
			offset = 0
		}

		score, usable, ok := s.Aggregate(tbl, c.Freq, opts.Bandwidth, offset, factors)
		if !ok {
			continue
		}
		if opts.ExcludeRadar || opts.Allow != nil {
			members, _ := channel.MemberChannels(band, c.Freq, opts.Bandwidth, offset)
			if !s.membersAllowed(tbl, members, opts) {
				continue
			}
		}

		primary := c.Freq
		if usable && band != channel.Band2G && opts.Bandwidth != channel.BW20 {
			primary = bestMember(tbl, c.Freq, opts.Bandwidth, factors)
		}
		ch, _ := channel.FreqToChannel(c.Freq)
		score = s.ApplyBias(band, score, ch)

		plan, err := channel.NewPlan(band, primary, opts.Bandwidth, offset, 0)
		if err != nil {
			continue
		}
		out = append(out, Candidate{Plan: plan, Factor: score, Usable: usable})
	}
	return out
}

func (s *Scorer) membersAllowed(tbl *channel.Table, members []int, opts Options) bool {
	for _, m := range members {
		c, ok := tbl.FindByFreq(m)
		if !ok {
			return false
		}
		if opts.ExcludeRadar && c.Radar {
			return false
		}
		if opts.Allow != nil && !opts.Allow(c) {
			return false
		}
	}
	return true
}

// bestMember promotes the least interfered member of a 5/6 GHz segment
// to primary. Ties keep the lower frequency.
func bestMember(tbl *channel.Table, anchor int, bw channel.Bandwidth, factors map[int]float64) int {
	members, _ := channel.MemberChannels(tbl.Band(), anchor, bw, 0)
	best := anchor
	for _, m := range members[1:] {
		if factors[m] < factors[best] {
			best = m
		}
	}
	return best
}

// Best returns the lowest scoring usable candidate. When no candidate has
// survey data the first legal candidate is returned together with
// ErrInsufficientData so the caller can decide whether to use it.
func (s *Scorer) Best(tbl *channel.Table, opts Options) (Candidate, error) {
	cands := s.Candidates(tbl, opts)
	if len(cands) == 0 {
		return Candidate{}, ErrNoCandidate
	}
	var ideal *Candidate
	for i := range cands {
		c := &cands[i]
		if !c.Usable {
			continue
		}
		if ideal == nil || c.Factor < ideal.Factor {
			ideal = c
		}
	}
	if ideal == nil {
		return cands[0], ErrInsufficientData
	}
	return *ideal, nil
}

// Rank returns the usable candidates sorted from least to most interfered.
func (s *Scorer) Rank(tbl *channel.Table, opts Options) []Candidate {
	var usable []Candidate
	for _, c := range s.Candidates(tbl, opts) {
		if c.Usable {
			usable = append(usable, c)
		}
	}
	sort.SliceStable(usable, func(i, j int) bool { return usable[i].Factor < usable[j].Factor })
	return usable
}
