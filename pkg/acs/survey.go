// Package acs ranks channels by interference measured through channel
// surveys, for automatic channel selection.
package acs

import "math"

// Filled marks which SurveySample fields the driver reported.
type Filled uint8

const (
	HasNoise Filled = 1 << iota
	HasChannelTime
	HasBusyTime
	HasRxTime
	HasTxTime
)

// SurveySample is one occupancy measurement of a channel. Times are
// driver units (usually ms) accumulated over the survey dwell.
type SurveySample struct {
	Freq        int    `json:"freq"`
	NoiseFloor  int16  `json:"noise"`
	ChannelTime uint64 `json:"active_time"`
	BusyTime    uint64 `json:"busy_time"`
	RxTime      uint64 `json:"rx_time"`
	TxTime      uint64 `json:"tx_time"`
	Filled      Filled `json:"filled"`
}

// Sufficient reports whether the sample carries enough data to score:
// a noise floor, the channel time and either busy or receive time.
func (s SurveySample) Sufficient() bool {
	if s.Filled&HasNoise == 0 || s.Filled&HasChannelTime == 0 {
		return false
	}
	return s.Filled&(HasBusyTime|HasRxTime) != 0
}

// InterferenceFactor computes
//
//	10^(nf/5) + (busy-tx)/(total-tx) * 2^(10^(nf/10) - 10^(minNF/10))
//
// for one sufficient sample. Busy falls back to rx time when the driver
// does not report busy time.
func (s SurveySample) InterferenceFactor(minNF int16) float64 {
	busy := s.RxTime
	if s.Filled&HasBusyTime != 0 {
		busy = s.BusyTime
	}
	total := s.ChannelTime
	if s.Filled&HasTxTime != 0 {
		busy = subFloor(busy, s.TxTime)
		total = subFloor(total, s.TxTime)
	}

	ratio := 0.0
	if total != 0 {
		ratio = float64(busy) / float64(total)
	}

	nf := float64(s.NoiseFloor)
	return math.Pow(10, nf/5) +
		ratio*math.Pow(2, math.Pow(10, nf/10)-math.Pow(10, float64(minNF)/10))
}

func subFloor(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// ChannelFactor averages the interference factor of the sufficient
// samples of one channel. ok is false when no sample is sufficient.
func ChannelFactor(samples []SurveySample, minNF int16) (float64, bool) {
	var sum float64
	n := 0
	for _, s := range samples {
		if !s.Sufficient() {
			continue
		}
		sum += s.InterferenceFactor(minNF)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
