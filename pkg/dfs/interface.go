// Package dfs implements the per-interface DFS controller: CAC handling,
// radar recovery, background radar chain management and the DFS aware
// channel selector.
package dfs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markus-lassfolk/dfsd/pkg"
	"github.com/markus-lassfolk/dfsd/pkg/acs"
	"github.com/markus-lassfolk/dfsd/pkg/channel"
	"github.com/markus-lassfolk/dfsd/pkg/logx"
)

// State is the interface state.
type State int

const (
	StateDisabled State = iota
	StateScanning
	StateCAC
	StateNoIR
	StateEnabled
)

func (s State) String() string {
	switch s {
	case StateScanning:
		return "ACS"
	case StateCAC:
		return "DFS"
	case StateNoIR:
		return "NO_IR"
	case StateEnabled:
		return "ENABLED"
	default:
		return "DISABLED"
	}
}

// Config is the DFS configuration of one interface.
type Config struct {
	Name            string
	BSS             []string
	Channel         int // 0 selects the channel through ACS
	Channel2        int // second 80 MHz segment channel for 80+80
	Bandwidth       channel.Bandwidth
	SecondaryOffset int
	PuncturedBitmap uint16

	IEEE80211H      bool
	BackgroundRadar bool
	ETSI            bool // ETSI DFS region: uniform spreading on radar

	Constraints   Constraints
	ACS           acs.Config
	ACSNumScans   int
	ACSExcludeDFS bool

	CSCount       uint8
	CSARetryBase  time.Duration
	CSAMaxRetries int
	CACGrace      time.Duration
	NOPTime       time.Duration // >0 tracks non-occupancy in software
	RestartDelay  time.Duration
}

// DefaultConfig returns the defaults for an interface.
func DefaultConfig(name string) Config {
	return Config{
		Name:          name,
		BSS:           []string{name},
		Bandwidth:     channel.BW20,
		IEEE80211H:    true,
		ACS:           acs.DefaultConfig(),
		ACSNumScans:   5,
		CSCount:       5,
		CSARetryBase:  100 * time.Millisecond,
		CSAMaxRetries: 3,
		CACGrace:      10 * time.Second,
		RestartDelay:  time.Second,
	}
}

// RadarBackground is the state of the background radar detection chain.
type RadarBackground struct {
	Plan        channel.Plan `json:"plan"`
	CACStarted  bool         `json:"cac_started"`
	TempPrimary bool         `json:"temp_primary"`
}

// Active reports whether the chain has a target.
func (b RadarBackground) Active() bool {
	return !b.Plan.IsZero()
}

// Status is a snapshot of the interface for status queries.
type Status struct {
	Iface       string          `json:"iface"`
	State       State           `json:"state"`
	Plan        channel.Plan    `json:"plan"`
	CACActive   bool            `json:"cac_active"`
	CACStart    time.Time       `json:"cac_start,omitempty"`
	CACTime     time.Duration   `json:"cac_time,omitempty"`
	Background  RadarBackground `json:"background"`
	CSAInFlight bool            `json:"csa_in_flight"`
}

// Deps are the collaborators of an Interface. Sink, Logger, Clock, Rand
// and Loop default when nil.
type Deps struct {
	Table  *channel.Table
	Driver Driver
	Sink   pkg.EventSink
	Logger *logx.Logger
	Clock  Clock
	Rand   Rand
	Loop   *Loop
}

type csaState struct {
	inFlight         bool
	target           channel.Plan
	retries          int
	retryTimer       Timer
	bgReselectQueued bool
}

// Interface is the DFS state machine of one radio interface. Every method
// that changes state is posted to the interface's Loop, so the exported
// entry points may be called from any goroutine.
type Interface struct {
	cfg      Config
	table    *channel.Table
	drv      Driver
	sink     pkg.EventSink
	logger   *logx.Logger
	clock    Clock
	loop     *Loop
	selector *Selector
	scorer   *acs.Scorer

	state         State
	plan          channel.Plan
	cacStarted    bool
	cacStart      time.Time
	cacTime       time.Duration
	cacTimer      Timer
	radarDetected bool
	bg            RadarBackground
	csa           csaState
	nopTimers     map[int]Timer
	restartTimer  Timer
	scans         int
	stopped       bool

	statusMu sync.RWMutex
	status   Status
}

// NewInterface creates an interface controller. It does not start it.
func NewInterface(cfg Config, deps Deps) (*Interface, error) {
	if deps.Table == nil {
		return nil, errors.New("dfs: channel table is required")
	}
	if deps.Driver == nil {
		return nil, errors.New("dfs: driver is required")
	}
	if deps.Logger == nil {
		deps.Logger = logx.NewLogger("info", "dfs")
	}
	if deps.Sink == nil {
		deps.Sink = pkg.SinkFunc(func(*pkg.Event) {})
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}
	if deps.Loop == nil {
		deps.Loop = NewLoop()
	}
	if len(cfg.BSS) == 0 {
		cfg.BSS = []string{cfg.Name}
	}
	if cfg.CSCount == 0 {
		cfg.CSCount = 5
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	if cfg.CSARetryBase <= 0 {
		cfg.CSARetryBase = 100 * time.Millisecond
	}

	logger := deps.Logger.With("iface", cfg.Name)
	i := &Interface{
		cfg:       cfg,
		table:     deps.Table,
		drv:       deps.Driver,
		sink:      deps.Sink,
		logger:    logger,
		clock:     deps.Loop.Clock(deps.Clock),
		loop:      deps.Loop,
		selector:  NewSelector(deps.Table, cfg.Constraints, deps.Rand, logger),
		scorer:    acs.NewScorer(cfg.ACS),
		nopTimers: make(map[int]Timer),
	}
	i.publishStatus()
	return i, nil
}

// Name returns the interface name.
func (i *Interface) Name() string { return i.cfg.Name }

// Loop returns the event loop driving the interface.
func (i *Interface) Loop() *Loop { return i.loop }

// Table returns the channel table of the interface.
func (i *Interface) Table() *channel.Table { return i.table }

// Status returns the latest published snapshot.
func (i *Interface) Status() Status {
	i.statusMu.RLock()
	defer i.statusMu.RUnlock()
	return i.status
}

func (i *Interface) publishStatus() {
	s := Status{
		Iface:       i.cfg.Name,
		State:       i.state,
		Plan:        i.plan,
		CACActive:   i.cacStarted,
		Background:  i.bg,
		CSAInFlight: i.csa.inFlight,
	}
	if i.cacStarted {
		s.CACStart = i.cacStart
		s.CACTime = i.cacTime
	}
	i.statusMu.Lock()
	i.status = s
	i.statusMu.Unlock()
}

// ConfiguredPlan resolves the statically configured channel. It fails with
// channel.ErrChannelNotFound or channel.ErrInvalidPlan on configuration
// errors.
func (i *Interface) ConfiguredPlan() (channel.Plan, error) {
	band := i.table.Band()
	c, ok := i.table.FindByChannel(i.cfg.Channel)
	if !ok {
		return channel.Plan{}, fmt.Errorf("%w: channel %d on %s", channel.ErrChannelNotFound, i.cfg.Channel, band)
	}
	seg1 := 0
	if i.cfg.Bandwidth == channel.BW80P80 {
		c2, ok := i.table.FindByChannel(i.cfg.Channel2)
		if !ok {
			return channel.Plan{}, fmt.Errorf("%w: segment 1 channel %d", channel.ErrChannelNotFound, i.cfg.Channel2)
		}
		seg1 = c2.Freq
	}
	plan, err := channel.NewPlan(band, c.Freq, i.cfg.Bandwidth, i.cfg.SecondaryOffset, seg1)
	if err != nil {
		return channel.Plan{}, err
	}
	for _, m := range plan.Members() {
		if _, ok := i.table.FindByFreq(m); !ok {
			return channel.Plan{}, fmt.Errorf("%w: member %d MHz of %s", channel.ErrChannelNotFound, m, plan)
		}
	}
	if plan.Bandwidth.MHz() >= 80 {
		plan.PuncturedBitmap = i.cfg.PuncturedBitmap
	}
	return plan, nil
}

// Start validates the configuration and brings the interface up.
func (i *Interface) Start() error {
	var plan channel.Plan
	if i.cfg.Channel != 0 {
		p, err := i.ConfiguredPlan()
		if err != nil {
			return fmt.Errorf("failed to resolve configured channel: %w", err)
		}
		plan = p
	}
	i.loop.Post(func() {
		i.stopped = false
		if plan.IsZero() {
			i.startACS()
			return
		}
		i.plan = plan
		i.continueSetup()
	})
	return nil
}

// Stop cancels every timer, abandons the background chain and stops
// beaconing. Radar channels return to Usable.
func (i *Interface) Stop() {
	i.loop.Post(i.stop)
}

func (i *Interface) stop() {
	if i.stopped {
		return
	}
	i.stopped = true
	i.stopTimers(true)
	i.bg = RadarBackground{}
	i.csa = csaState{}
	i.cacStarted = false
	if err := i.drv.StopAP(); err != nil {
		i.logger.Warn("Failed to stop AP", "error", err)
	}
	i.table.Reset()
	i.setState(StateDisabled, "stopped")
	i.emit(pkg.EventAPDisabled, channel.EventRange{}, func(e *pkg.Event) { e.Cause = "stopped" })
}

func (i *Interface) stopTimers(withNOP bool) {
	for _, t := range []Timer{i.cacTimer, i.csa.retryTimer, i.restartTimer} {
		if t != nil {
			t.Stop()
		}
	}
	i.cacTimer, i.csa.retryTimer, i.restartTimer = nil, nil, nil
	if withNOP {
		for f, t := range i.nopTimers {
			t.Stop()
			delete(i.nopTimers, f)
		}
	}
}

// Disable stops beaconing without discarding channel state.
func (i *Interface) Disable() {
	i.loop.Post(func() {
		i.stopTimers(false)
		i.cacStarted = false
		i.csa = csaState{}
		i.bg = RadarBackground{}
		if err := i.drv.StopAP(); err != nil {
			i.logger.Warn("Failed to stop AP", "error", err)
		}
		i.setState(StateDisabled, "disabled by operator")
		i.emit(pkg.EventAPDisabled, channel.EventRange{}, func(e *pkg.Event) { e.Cause = "operator" })
	})
}

// Enable re-runs setup for the current plan.
func (i *Interface) Enable() {
	i.loop.Post(func() {
		if i.state != StateDisabled || i.stopped {
			return
		}
		if i.plan.IsZero() {
			i.startACS()
			return
		}
		i.continueSetup()
	})
}

// HandleDriverEvent dispatches a driver notification onto the loop.
func (i *Interface) HandleDriverEvent(ev DriverEvent) {
	i.loop.Post(func() {
		if i.stopped {
			i.logger.Debug("Ignoring driver event on stopped interface", "event", ev.Kind.String())
			return
		}
		switch ev.Kind {
		case RadarDetected:
			i.onRadarDetected(ev.Range, ev.Background)
		case CACStarted:
			i.onCACStarted(ev.Range, ev.Background)
		case CACFinished:
			i.onCACComplete(ev.Range, ev.Success, ev.Background)
		case CACAborted:
			i.onCACAborted(ev.Range, ev.Background)
		case NOPFinished:
			i.onNOPFinished(ev.Range)
		case PreCACExpired:
			i.onPreCACExpired(ev.Range)
		case ChannelSwitched:
			i.onChannelSwitched(ev.Range)
		case SurveyDone:
			i.onSurveyComplete(ev.Samples)
		}
	})
}

// RequestChannelSwitch moves the interface to plan on operator request.
func (i *Interface) RequestChannelSwitch(plan channel.Plan) {
	i.loop.Post(func() {
		if i.stopped {
			return
		}
		if i.state != StateEnabled || !i.table.AllAvailable(plan.ActiveMembers()) {
			i.logger.Info("Target needs CAC, restarting interface on new channel", "plan", plan.String())
			i.plan = plan
			i.restart("channel switch requires CAC")
			return
		}
		i.requestSwitch(plan)
	})
}

// ApplyRegulatory replaces the channel table after a regulatory domain
// change. Survey data is discarded and the interface restarts.
func (i *Interface) ApplyRegulatory(chans []channel.Channel, etsi bool) {
	i.loop.Post(func() {
		i.logger.Info("Regulatory domain changed", "channels", len(chans), "etsi", etsi)
		i.table.Replace(chans)
		i.scorer.Reset()
		i.cfg.ETSI = etsi
		for f, t := range i.nopTimers {
			t.Stop()
			delete(i.nopTimers, f)
		}
		if i.stopped {
			return
		}
		if i.cfg.Channel == 0 {
			i.plan = channel.Plan{}
		}
		i.restart("regulatory change")
	})
}

func (i *Interface) setState(s State, reason string) {
	if i.state != s {
		i.logger.LogStateChange("dfs", i.state.String(), s.String(), reason, map[string]interface{}{
			"iface": i.cfg.Name,
			"freq":  i.plan.Freq,
		})
	}
	i.state = s
	i.publishStatus()
}

func (i *Interface) emit(t pkg.EventType, r channel.EventRange, fill func(e *pkg.Event)) {
	e := pkg.NewEvent(t, i.cfg.Name, i.clock.Now())
	if r.Freq != 0 || r.CF1 != 0 {
		e.Freq = r.Freq
		if ch, ok := channel.FreqToChannel(r.Freq); ok {
			e.Channel = ch
		}
		e.Width = r.Bandwidth.MHz()
		e.CF1 = r.CF1
		e.CF2 = r.CF2
	}
	if fill != nil {
		fill(e)
	}
	i.logger.Info(e.String(), "event", string(t))
	i.sink.Publish(e)
	i.publishStatus()
}

func (i *Interface) emitPlan(t pkg.EventType, p channel.Plan, fill func(e *pkg.Event)) {
	i.emit(t, p.EventRange(), func(e *pkg.Event) {
		e.SecOffset = p.SecondaryOffset
		if fill != nil {
			fill(e)
		}
	})
}
