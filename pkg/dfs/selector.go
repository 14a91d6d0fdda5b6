package dfs

import (
	"errors"
	"fmt"

	"github.com/markus-lassfolk/dfsd/pkg/channel"
	"github.com/markus-lassfolk/dfsd/pkg/logx"
)

// ErrNoChannelAvailable means every candidate is excluded. It clears when
// a non-occupancy period ends, so callers park and wait.
var ErrNoChannelAvailable = errors.New("no DFS channels left, waiting for NOP to finish")

// ChannelType restricts which DFS states a selection accepts.
type ChannelType int

const (
	// AnyChannel ignores DFS state apart from the non-occupancy period.
	AnyChannel ChannelType = iota
	// AvailableChannel only accepts channels usable without CAC.
	AvailableChannel
	// NoCACYet only accepts radar channels that still need a CAC.
	NoCACYet
)

func (t ChannelType) String() string {
	switch t {
	case AvailableChannel:
		return "available"
	case NoCACYet:
		return "no-cac-yet"
	default:
		return "any"
	}
}

// FreqRange is an inclusive frequency range in MHz.
type FreqRange struct {
	Min, Max int
}

// Constraints are the operator and regulatory limits on candidates.
type Constraints struct {
	Chanlist   []int       // allowed primary channel numbers, empty = all
	Freqlist   []FreqRange // allowed primary frequencies, empty = all
	MinTxPower int16       // dBm, 0 = no minimum
	Outdoor    bool        // country is outdoor only: skip indoor-only channels
}

func (c Constraints) primaryAllowed(ch channel.Channel) bool {
	if len(c.Chanlist) > 0 && !containsInt(c.Chanlist, ch.Number) {
		return false
	}
	if len(c.Freqlist) > 0 {
		in := false
		for _, r := range c.Freqlist {
			if ch.Freq >= r.Min && ch.Freq <= r.Max {
				in = true
				break
			}
		}
		if !in {
			return false
		}
	}
	return true
}

func (c Constraints) memberAllowed(ch channel.Channel) bool {
	if c.MinTxPower != 0 && ch.MaxTxPower < c.MinTxPower {
		return false
	}
	if c.Outdoor && ch.IndoorOnly {
		return false
	}
	return true
}

// Allows reports whether ch may serve as a primary channel.
func (c Constraints) Allows(ch channel.Channel) bool {
	return c.primaryAllowed(ch) && c.memberAllowed(ch)
}

// Request describes one selection attempt.
type Request struct {
	Bandwidth       channel.Bandwidth
	Type            ChannelType
	Exclude         []int // member frequencies a candidate must not use
	PuncturedBitmap uint16
	Downgrade       bool
}

// Step names a phase of a selection attempt, for logging.
type Step int

const (
	StepTryRequestedBandwidth Step = iota
	StepTryAnyChannelType
	StepTryAvailableOnly
	StepDowngradeBandwidth
	StepExhausted
)

func (s Step) String() string {
	return [...]string{"try-requested-bandwidth", "try-any-channel-type", "try-available-only", "downgrade-bandwidth", "exhausted"}[s]
}

// Selector picks DFS compliant channel plans at random among the legal
// candidates, downgrading the bandwidth as a last resort.
type Selector struct {
	table  *channel.Table
	cons   Constraints
	rng    Rand
	logger *logx.Logger
}

// NewSelector creates a selector over table.
func NewSelector(table *channel.Table, cons Constraints, rng Rand, logger *logx.Logger) *Selector {
	if rng == nil {
		rng = CryptoRand()
	}
	return &Selector{table: table, cons: cons, rng: rng, logger: logger}
}

// Select returns a plan satisfying req, or ErrNoChannelAvailable.
func (s *Selector) Select(req Request) (channel.Plan, error) {
	bw := req.Bandwidth
	s.step(StepTryRequestedBandwidth, bw, req.Type)
	for {
		if req.Type == AnyChannel {
			s.step(StepTryAnyChannelType, bw, req.Type)
		} else {
			s.step(StepTryAvailableOnly, bw, req.Type)
		}
		plan, ok := s.selectWidth(bw, req)
		if ok {
			return plan, nil
		}
		next, can := bw.Downgrade()
		if !req.Downgrade || !can {
			break
		}
		s.step(StepDowngradeBandwidth, next, req.Type)
		bw = next
	}
	s.step(StepExhausted, bw, req.Type)
	return channel.Plan{}, ErrNoChannelAvailable
}

func (s *Selector) step(st Step, bw channel.Bandwidth, t ChannelType) {
	if s.logger != nil {
		s.logger.Debug("DFS channel selection", "step", st.String(), "bandwidth", bw.String(), "type", t.String())
	}
}

// Candidates returns the anchor frequencies whose full range satisfies the
// request at bandwidth bw, in ascending order.
func (s *Selector) Candidates(bw channel.Bandwidth, req Request) []int {
	anchors, _ := s.candidates(bw, req)
	return anchors
}

// candidates also returns the secondary offset each anchor qualified with.
// 2.4 GHz HT40 anchors try HT40+ before HT40-.
func (s *Selector) candidates(bw channel.Bandwidth, req Request) ([]int, map[int]int) {
	band := s.table.Band()
	segBW := bw
	if bw == channel.BW80P80 {
		segBW = channel.BW80
	}
	excluded := make(map[int]bool, len(req.Exclude))
	for _, f := range req.Exclude {
		excluded[f] = true
	}

	var anchors []int
	if band == channel.Band2G || segBW == channel.BW20 {
		for _, c := range s.table.Channels() {
			anchors = append(anchors, c.Freq)
		}
	} else {
		anchors = channel.Anchors(band, segBW)
	}

	offsets := []int{0}
	if band == channel.Band2G && segBW == channel.BW40 {
		offsets = []int{1, -1}
	}

	var out []int
	chosen := make(map[int]int)
	for _, a := range anchors {
		for _, off := range offsets {
			if s.rangeAvailable(a, segBW, off, req, excluded) {
				out = append(out, a)
				chosen[a] = off
				break
			}
		}
	}
	return out, chosen
}

func (s *Selector) rangeAvailable(anchor int, bw channel.Bandwidth, offset int, req Request, excluded map[int]bool) bool {
	primary, ok := s.table.FindByFreq(anchor)
	if !ok || !s.cons.primaryAllowed(primary) {
		return false
	}
	members, ok := channel.MemberChannels(s.table.Band(), anchor, bw, offset)
	if !ok {
		return false
	}
	punct := req.PuncturedBitmap
	if bw.MHz() < 80 {
		punct = 0
	}
	for i, f := range members {
		if i < 16 && punct&(1<<uint(i)) != 0 {
			continue
		}
		c, ok := s.table.FindByFreq(f)
		if !ok || excluded[f] {
			return false
		}
		if !c.AllowedWidths.Has(bw.Mask()) || !s.cons.memberAllowed(c) {
			return false
		}
		if !stateAccepted(c, req.Type) {
			return false
		}
	}
	return true
}

func stateAccepted(c channel.Channel, t ChannelType) bool {
	if c.Disabled {
		return false
	}
	if c.Radar && c.DFSState == channel.DFSUnavailable {
		return false
	}
	switch t {
	case AvailableChannel:
		return c.Available()
	case NoCACYet:
		return c.Radar && (c.DFSState == channel.DFSUsable || c.DFSState == channel.DFSUnknown)
	}
	return true
}

func (s *Selector) selectWidth(bw channel.Bandwidth, req Request) (channel.Plan, bool) {
	cands, offsets := s.candidates(bw, req)
	if len(cands) == 0 {
		return channel.Plan{}, false
	}
	pick := cands[s.rng.Uint32()%uint32(len(cands))]
	band := s.table.Band()

	seg1 := 0
	if bw == channel.BW80P80 {
		ch1, _ := channel.FreqToChannel(pick)
		for _, f := range cands {
			ch2, _ := channel.FreqToChannel(f)
			if abs(ch2-ch1) > 12 {
				seg1 = f
				break
			}
		}
		if seg1 == 0 {
			return channel.Plan{}, false
		}
	}

	plan, err := channel.NewPlan(band, pick, bw, offsets[pick], seg1)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("Selected candidate has no valid plan", "freq", pick, "bandwidth", bw.String(), "error", err)
		}
		return channel.Plan{}, false
	}
	if bw.MHz() >= 80 {
		plan.PuncturedBitmap = req.PuncturedBitmap
	}
	if s.logger != nil {
		s.logger.Info("Selected DFS channel", "plan", plan.String(), "type", req.Type.String(), "candidates", len(cands))
	}
	return plan, true
}

// String describes the constraints for logs.
func (c Constraints) String() string {
	return fmt.Sprintf("chanlist=%v freqlist=%v min_tx_power=%d outdoor=%t", c.Chanlist, c.Freqlist, c.MinTxPower, c.Outdoor)
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
