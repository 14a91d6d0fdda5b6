package dfs

import (
	"testing"
	"time"

	"github.com/markus-lassfolk/dfsd/pkg"
	"github.com/markus-lassfolk/dfsd/pkg/channel"
	"github.com/markus-lassfolk/dfsd/pkg/logx"
)

type cacCall struct {
	plan       channel.Plan
	background bool
}

type switchCall struct {
	bss     string
	plan    channel.Plan
	count   uint8
	blockTx bool
}

// mockDriver records every request and returns scripted errors.
type mockDriver struct {
	surveys    [][]int
	surveyErr  error
	cacs       []cacCall
	cacErr     error
	switches   []switchCall
	switchErrs []error
	started    []channel.Plan
	stops      int
	beacons    []channel.Plan
}

func (m *mockDriver) RequestSurvey(freqs []int) error {
	m.surveys = append(m.surveys, freqs)
	return m.surveyErr
}

func (m *mockDriver) StartCAC(plan channel.Plan, background bool) error {
	m.cacs = append(m.cacs, cacCall{plan, background})
	return m.cacErr
}

func (m *mockDriver) SwitchChannel(bss string, plan channel.Plan, count uint8, blockTx bool) error {
	m.switches = append(m.switches, switchCall{bss, plan, count, blockTx})
	if len(m.switchErrs) == 0 {
		return nil
	}
	err := m.switchErrs[0]
	m.switchErrs = m.switchErrs[1:]
	return err
}

func (m *mockDriver) UpdateBeacon(plan channel.Plan) error {
	m.beacons = append(m.beacons, plan)
	return nil
}

func (m *mockDriver) StartAP(plan channel.Plan) error {
	m.started = append(m.started, plan)
	return nil
}

func (m *mockDriver) StopAP() error {
	m.stops++
	return nil
}

// fixedRand always picks the candidate at index n modulo the count.
type fixedRand struct{ n uint32 }

func (r fixedRand) Uint32() uint32 { return r.n }

type testEnv struct {
	t      *testing.T
	iface  *Interface
	drv    *mockDriver
	clock  *FakeClock
	table  *channel.Table
	events []*pkg.Event
}

func newTestEnv(t *testing.T, cfg Config, table *channel.Table) *testEnv {
	t.Helper()
	env := &testEnv{
		t:     t,
		drv:   &mockDriver{},
		clock: NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		table: table,
	}
	iface, err := NewInterface(cfg, Deps{
		Table:  table,
		Driver: env.drv,
		Sink:   pkg.SinkFunc(func(e *pkg.Event) { env.events = append(env.events, e) }),
		Logger: logx.NewTestLogger(),
		Clock:  env.clock,
		Rand:   fixedRand{},
	})
	if err != nil {
		t.Fatalf("NewInterface: %v", err)
	}
	env.iface = iface
	return env
}

func (e *testEnv) drain() {
	e.iface.Loop().Drain()
}

func (e *testEnv) advance(d time.Duration) {
	e.clock.Advance(d)
	e.drain()
}

func (e *testEnv) start() {
	e.t.Helper()
	if err := e.iface.Start(); err != nil {
		e.t.Fatalf("Start: %v", err)
	}
	e.drain()
}

func (e *testEnv) deliver(ev DriverEvent) {
	e.iface.HandleDriverEvent(ev)
	e.drain()
}

func (e *testEnv) eventsOf(t pkg.EventType) []*pkg.Event {
	var out []*pkg.Event
	for _, ev := range e.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (e *testEnv) state(freq int) channel.DFSState {
	c, ok := e.table.FindByFreq(freq)
	if !ok {
		e.t.Fatalf("no channel %d", freq)
	}
	return c.DFSState
}

type chanSpec struct {
	first, last int
	radar       bool
	state       channel.DFSState
}

// buildTable creates 5 GHz channels from inclusive channel number ranges.
func buildTable(specs ...chanSpec) *channel.Table {
	var chans []channel.Channel
	for _, s := range specs {
		for ch := s.first; ch <= s.last; ch += 4 {
			c := channel.Channel{
				Number:        ch,
				Freq:          channel.ChannelToFreq(channel.Band5G, ch),
				AllowedWidths: channel.WidthAll,
				MaxTxPower:    23,
				Radar:         s.radar,
			}
			if s.radar {
				c.DFSState = s.state
				c.CACTime = 60 * time.Second
			}
			chans = append(chans, c)
		}
	}
	return channel.NewTable(channel.Band5G, chans)
}

func radarCfg(ch int, bw channel.Bandwidth) Config {
	cfg := DefaultConfig("wlan1")
	cfg.Channel = ch
	cfg.Bandwidth = bw
	return cfg
}
