package driver

import (
	"sync"
	"time"

	"github.com/markus-lassfolk/dfsd/pkg/acs"
	"github.com/markus-lassfolk/dfsd/pkg/channel"
	"github.com/markus-lassfolk/dfsd/pkg/dfs"
	"github.com/markus-lassfolk/dfsd/pkg/logx"
)

// beaconInterval is one TU-based beacon period.
const beaconInterval = 102400 * time.Microsecond

// SimConfig tunes the simulated radio.
type SimConfig struct {
	CACScale     float64       // multiplies CAC times, 0 = 1
	SurveyDelay  time.Duration // dwell per survey request
	BusySwitches int           // channel switches answered with ErrBusy first
	RadarFreqs   []int         // radar fires during any CAC covering these
}

// Sim is a simulated radio. CAC, channel switch and survey requests
// complete on timers of the injected clock.
type Sim struct {
	ifname string
	cfg    SimConfig
	table  *channel.Table
	clock  dfs.Clock
	logger *logx.Logger

	mu        sync.Mutex
	handler   dfs.EventHandler
	cac       map[bool]dfs.Timer
	switching dfs.Timer
	switchTo  int
	busy      int
	plan      channel.Plan
	running   bool
}

// NewSim creates a simulated radio.
func NewSim(ifname string, cfg SimConfig, table *channel.Table, clock dfs.Clock, logger *logx.Logger) *Sim {
	if clock == nil {
		clock = dfs.RealClock()
	}
	if cfg.CACScale <= 0 {
		cfg.CACScale = 1
	}
	if cfg.SurveyDelay <= 0 {
		cfg.SurveyDelay = 100 * time.Millisecond
	}
	return &Sim{
		ifname: ifname,
		cfg:    cfg,
		table:  table,
		clock:  clock,
		logger: logger,
		cac:    make(map[bool]dfs.Timer),
		busy:   cfg.BusySwitches,
	}
}

// SetHandler sets the receiver of driver events.
func (s *Sim) SetHandler(h dfs.EventHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Sim) deliver(ev dfs.DriverEvent) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h.HandleDriverEvent(ev)
	}
}

// Plan returns the plan the simulated AP is beaconing on.
func (s *Sim) Plan() (channel.Plan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan, s.running
}

// RequestSurvey reports one synthetic sample per frequency after the dwell.
func (s *Sim) RequestSurvey(freqs []int) error {
	cp := append([]int(nil), freqs...)
	s.clock.AfterFunc(s.cfg.SurveyDelay, func() {
		samples := make([]acs.SurveySample, 0, len(cp))
		for _, f := range cp {
			samples = append(samples, syntheticSample(f))
		}
		s.deliver(dfs.DriverEvent{Kind: dfs.SurveyDone, Samples: samples})
	})
	return nil
}

// syntheticSample derives a stable occupancy from the frequency so that
// repeated scans rank channels the same way.
func syntheticSample(freq int) acs.SurveySample {
	h := uint64(freq) * 2654435761
	return acs.SurveySample{
		Freq:        freq,
		NoiseFloor:  int16(-95 + int(h>>7%6)),
		ChannelTime: 100,
		BusyTime:    5 + h>>11%40,
		TxTime:      h >> 13 % 5,
		Filled:      acs.HasNoise | acs.HasChannelTime | acs.HasBusyTime | acs.HasTxTime,
	}
}

// StartCAC completes the CAC after the (scaled) CAC time of the plan, or
// reports radar half way through when a member is in RadarFreqs.
func (s *Sim) StartCAC(plan channel.Plan, background bool) error {
	members := plan.ActiveMembers()
	d := time.Duration(float64(s.table.MaxCACTime(members)) * s.cfg.CACScale)
	r := plan.EventRange()

	radar := false
	for _, f := range members {
		for _, rf := range s.cfg.RadarFreqs {
			if f == rf {
				radar = true
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.cac[background]; t != nil {
		t.Stop()
	}
	if radar {
		s.cac[background] = s.clock.AfterFunc(d/2, func() {
			s.clearCAC(background)
			s.deliver(dfs.DriverEvent{Kind: dfs.RadarDetected, Range: r, Background: background})
		})
	} else {
		s.cac[background] = s.clock.AfterFunc(d, func() {
			s.clearCAC(background)
			s.deliver(dfs.DriverEvent{Kind: dfs.CACFinished, Range: r, Background: background, Success: true})
		})
	}
	s.logger.Debug("Simulated CAC started", "iface", s.ifname, "plan", plan.String(), "duration", d.String(), "background", background)
	return nil
}

func (s *Sim) clearCAC(background bool) {
	s.mu.Lock()
	delete(s.cac, background)
	s.mu.Unlock()
}

// SwitchChannel completes after count beacon intervals. Requests for the
// same target on further BSSes share one completion.
func (s *Sim) SwitchChannel(bss string, plan channel.Plan, count uint8, blockTx bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy > 0 {
		s.busy--
		return dfs.ErrBusy
	}
	if s.switching != nil && s.switchTo == plan.Freq {
		return nil
	}
	if s.switching != nil {
		s.switching.Stop()
	}
	s.switchTo = plan.Freq
	r := plan.EventRange()
	s.switching = s.clock.AfterFunc(time.Duration(count)*beaconInterval, func() {
		s.mu.Lock()
		s.switching = nil
		s.plan = plan
		s.mu.Unlock()
		s.deliver(dfs.DriverEvent{Kind: dfs.ChannelSwitched, Range: r})
	})
	return nil
}

// UpdateBeacon records the plan.
func (s *Sim) UpdateBeacon(plan channel.Plan) error {
	s.mu.Lock()
	s.plan = plan
	s.mu.Unlock()
	return nil
}

// StartAP starts beaconing on plan.
func (s *Sim) StartAP(plan channel.Plan) error {
	s.mu.Lock()
	s.plan = plan
	s.running = true
	s.mu.Unlock()
	s.logger.Debug("Simulated AP started", "iface", s.ifname, "plan", plan.String())
	return nil
}

// StopAP stops beaconing and aborts the main chain CAC.
func (s *Sim) StopAP() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	if t := s.cac[false]; t != nil {
		t.Stop()
		delete(s.cac, false)
	}
	if s.switching != nil {
		s.switching.Stop()
		s.switching = nil
	}
	return nil
}
