package dfs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/dfsd/pkg"
	"github.com/markus-lassfolk/dfsd/pkg/acs"
	"github.com/markus-lassfolk/dfsd/pkg/channel"
)

func TestCACRequiredOnRadarChannel(t *testing.T) {
	table := buildTable(
		chanSpec{52, 52, true, channel.DFSUsable},
		chanSpec{56, 64, false, 0},
	)
	env := newTestEnv(t, radarCfg(52, channel.BW80), table)
	env.start()

	st := env.iface.Status()
	assert.Equal(t, StateCAC, st.State)
	assert.True(t, st.CACActive)
	assert.Equal(t, 60*time.Second, st.CACTime)

	require.Len(t, env.drv.cacs, 1)
	assert.Equal(t, 5260, env.drv.cacs[0].plan.Freq)
	assert.Equal(t, channel.BW80, env.drv.cacs[0].plan.Bandwidth)
	assert.False(t, env.drv.cacs[0].background)
	assert.Empty(t, env.drv.started)

	starts := env.eventsOf(pkg.EventCACStart)
	require.Len(t, starts, 1)
	assert.Equal(t, 5260, starts[0].Freq)
	assert.Equal(t, 60*time.Second, starts[0].CACTime)

	// Successful CAC on first bring-up enables the AP without a switch.
	plan := env.drv.cacs[0].plan
	env.deliver(DriverEvent{Kind: CACFinished, Range: plan.EventRange(), Success: true})

	assert.Equal(t, channel.DFSAvailable, env.state(5260))
	assert.True(t, table.AllAvailable(plan.Members()))
	assert.Equal(t, StateEnabled, env.iface.Status().State)
	assert.False(t, env.iface.Status().CACActive)
	assert.Empty(t, env.drv.switches)
	require.Len(t, env.drv.started, 1)
	assert.Equal(t, plan, env.drv.started[0])
	assert.Len(t, env.eventsOf(pkg.EventAPEnabled), 1)
	assert.Equal(t, 0, env.clock.Pending(), "CAC watchdog cancelled")
}

func TestCACTimeIsMaximumOfMembers(t *testing.T) {
	table := buildTable(chanSpec{116, 128, true, channel.DFSUsable})
	chans := table.Channels()
	chans[1].CACTime = 600 * time.Second
	table.Replace(chans)

	env := newTestEnv(t, radarCfg(116, channel.BW80), table)
	env.start()

	assert.Equal(t, 600*time.Second, env.iface.Status().CACTime)
}

func TestNonRadarPlanSkipsCAC(t *testing.T) {
	table := buildTable(chanSpec{36, 48, false, 0})
	env := newTestEnv(t, radarCfg(36, channel.BW80), table)
	env.start()

	assert.Equal(t, StateEnabled, env.iface.Status().State)
	assert.Empty(t, env.drv.cacs)
}

func TestRadarWhileEnabledSwitchesChannel(t *testing.T) {
	table := buildTable(chanSpec{100, 128, true, channel.DFSAvailable})
	env := newTestEnv(t, radarCfg(100, channel.BW80), table)
	env.start()
	require.Equal(t, StateEnabled, env.iface.Status().State)
	require.Empty(t, env.drv.cacs)

	env.deliver(DriverEvent{Kind: RadarDetected, Range: channel.EventRange{Freq: 5520, Bandwidth: channel.BW20}})

	require.Len(t, env.drv.switches, 1)
	sw := env.drv.switches[0]
	assert.Equal(t, 5580, sw.plan.Freq)
	assert.Equal(t, 122, sw.plan.Seg0)
	assert.Equal(t, uint8(5), sw.count)
	assert.True(t, sw.blockTx)
	assert.Equal(t, "wlan1", sw.bss)
	assert.Equal(t, channel.DFSUnavailable, env.state(5520))
	assert.Equal(t, channel.DFSAvailable, env.state(5500))
	assert.True(t, env.iface.Status().CSAInFlight)

	env.deliver(DriverEvent{Kind: ChannelSwitched, Range: sw.plan.EventRange()})

	st := env.iface.Status()
	assert.Equal(t, sw.plan, st.Plan)
	assert.False(t, st.CSAInFlight)
	assert.Len(t, env.eventsOf(pkg.EventCSAFinished), 1)
	assert.Len(t, env.drv.beacons, 1)
	assert.Equal(t, StateEnabled, st.State)
}

func TestRadarOutsidePlanIsIgnored(t *testing.T) {
	table := buildTable(chanSpec{100, 128, true, channel.DFSAvailable})
	env := newTestEnv(t, radarCfg(100, channel.BW80), table)
	env.start()

	env.deliver(DriverEvent{Kind: RadarDetected, Range: channel.EventRange{Freq: 5600, Bandwidth: channel.BW20}})

	assert.Empty(t, env.drv.switches)
	assert.Equal(t, channel.DFSUnavailable, env.state(5600))
	assert.Len(t, env.eventsOf(pkg.EventRadarDetected), 1)
}

func TestRadarSwitchDowngradesBandwidth(t *testing.T) {
	table := buildTable(
		chanSpec{100, 112, true, channel.DFSAvailable},
		chanSpec{116, 128, true, channel.DFSUsable},
	)
	env := newTestEnv(t, radarCfg(100, channel.BW80), table)
	env.start()

	env.deliver(DriverEvent{Kind: RadarDetected, Range: channel.EventRange{Freq: 5500, Bandwidth: channel.BW20}})

	require.Len(t, env.drv.switches, 1)
	assert.Equal(t, 5540, env.drv.switches[0].plan.Freq)
	assert.Equal(t, channel.BW40, env.drv.switches[0].plan.Bandwidth)
}

func TestETSIRadarSwitchUsesAnyChannel(t *testing.T) {
	table := buildTable(
		chanSpec{100, 112, true, channel.DFSAvailable},
		chanSpec{116, 128, true, channel.DFSUsable},
	)
	cfg := radarCfg(100, channel.BW80)
	cfg.ETSI = true
	env := newTestEnv(t, cfg, table)
	env.start()

	env.deliver(DriverEvent{Kind: RadarDetected, Range: channel.EventRange{Freq: 5500, Bandwidth: channel.BW20}})

	assert.Empty(t, env.drv.switches, "new channel needs CAC, no CSA")
	assert.Equal(t, 1, env.drv.stops)
	require.Len(t, env.drv.cacs, 1)
	assert.Equal(t, 5580, env.drv.cacs[0].plan.Freq)
	assert.Equal(t, StateCAC, env.iface.Status().State)
}

func TestChannelSwitchBusyRetry(t *testing.T) {
	table := buildTable(chanSpec{100, 128, true, channel.DFSAvailable})
	env := newTestEnv(t, radarCfg(100, channel.BW80), table)
	env.start()
	env.drv.switchErrs = []error{ErrBusy, nil}

	env.deliver(DriverEvent{Kind: RadarDetected, Range: channel.EventRange{Freq: 5500, Bandwidth: channel.BW20}})
	require.Len(t, env.drv.switches, 1)

	env.advance(99 * time.Millisecond)
	assert.Len(t, env.drv.switches, 1)
	env.advance(time.Millisecond)
	assert.Len(t, env.drv.switches, 2)
	assert.Empty(t, env.eventsOf(pkg.EventCSAFailed))
	assert.True(t, env.iface.Status().CSAInFlight)
}

func TestChannelSwitchBusyBudgetExceeded(t *testing.T) {
	table := buildTable(chanSpec{100, 128, true, channel.DFSAvailable})
	cfg := radarCfg(100, channel.BW80)
	cfg.CSAMaxRetries = 2
	env := newTestEnv(t, cfg, table)
	env.start()
	env.drv.switchErrs = []error{ErrBusy, ErrBusy, ErrBusy}

	env.deliver(DriverEvent{Kind: RadarDetected, Range: channel.EventRange{Freq: 5500, Bandwidth: channel.BW20}})
	env.advance(100 * time.Millisecond)
	env.advance(200 * time.Millisecond)

	assert.Len(t, env.drv.switches, 3)
	assert.Len(t, env.eventsOf(pkg.EventCSAFailed), 1)
	assert.Equal(t, 1, env.drv.stops)
	require.Len(t, env.drv.started, 2, "re-enabled on the new channel")
	assert.Equal(t, 5580, env.drv.started[1].Freq)
	assert.Equal(t, StateEnabled, env.iface.Status().State)
}

func TestChannelSwitchHardFailureRestarts(t *testing.T) {
	table := buildTable(chanSpec{100, 128, true, channel.DFSAvailable})
	env := newTestEnv(t, radarCfg(100, channel.BW80), table)
	env.start()
	env.drv.switchErrs = []error{errors.New("nl80211: operation not supported")}

	env.deliver(DriverEvent{Kind: RadarDetected, Range: channel.EventRange{Freq: 5500, Bandwidth: channel.BW20}})

	assert.Len(t, env.drv.switches, 1)
	assert.Len(t, env.eventsOf(pkg.EventCSAFailed), 1)
	assert.Len(t, env.eventsOf(pkg.EventAPDisabled), 1)
	require.Len(t, env.drv.started, 2)
	assert.Equal(t, 5580, env.iface.Status().Plan.Freq)
}

func TestChannelSwitchPartialFailureIsNotFatal(t *testing.T) {
	table := buildTable(chanSpec{100, 128, true, channel.DFSAvailable})
	cfg := radarCfg(100, channel.BW80)
	cfg.BSS = []string{"wlan1", "wlan1-1"}
	env := newTestEnv(t, cfg, table)
	env.start()
	env.drv.switchErrs = []error{errors.New("failed"), nil}

	env.deliver(DriverEvent{Kind: RadarDetected, Range: channel.EventRange{Freq: 5500, Bandwidth: channel.BW20}})

	assert.Len(t, env.drv.switches, 2)
	assert.Empty(t, env.eventsOf(pkg.EventCSAFailed))
	assert.Equal(t, 0, env.drv.stops)
}

func TestNoChannelLeftFallsBackToRestart(t *testing.T) {
	table := buildTable(chanSpec{100, 112, true, channel.DFSAvailable})
	env := newTestEnv(t, radarCfg(100, channel.BW80), table)
	env.start()

	env.deliver(DriverEvent{Kind: RadarDetected, Range: channel.EventRange{Freq: 5500, Bandwidth: channel.BW80, CF1: 5530}})

	assert.Empty(t, env.drv.switches)
	assert.Len(t, env.eventsOf(pkg.EventNoChannel), 2, "radar switch and the re-enable both find nothing")
	assert.Equal(t, StateCAC, env.iface.Status().State)
	assert.Equal(t, 1, env.drv.stops)
}

func TestRadarDuringCACRestartsOnNewChannel(t *testing.T) {
	table := buildTable(
		chanSpec{52, 64, true, channel.DFSUsable},
		chanSpec{100, 112, true, channel.DFSUsable},
	)
	env := newTestEnv(t, radarCfg(52, channel.BW80), table)
	env.start()
	require.Len(t, env.drv.cacs, 1)

	env.deliver(DriverEvent{Kind: RadarDetected, Range: channel.EventRange{Freq: 5280, Bandwidth: channel.BW20}})

	require.Len(t, env.drv.cacs, 2)
	assert.Equal(t, 5500, env.drv.cacs[1].plan.Freq)
	assert.Len(t, env.eventsOf(pkg.EventNewChannel), 1)
	assert.Equal(t, StateCAC, env.iface.Status().State)
	assert.Equal(t, 1, env.clock.Pending(), "only the new CAC watchdog")

	// A late completion for the abandoned channel does not enable the AP.
	env.deliver(DriverEvent{Kind: CACFinished, Range: channel.EventRange{Freq: 5260, Bandwidth: channel.BW80, CF1: 5290}, Success: true})
	assert.Equal(t, StateCAC, env.iface.Status().State)
	assert.Equal(t, channel.DFSUnavailable, env.state(5280), "never upgraded out of NOP")
}

func TestCACFailureReselects(t *testing.T) {
	table := buildTable(
		chanSpec{52, 64, true, channel.DFSUsable},
		chanSpec{100, 112, true, channel.DFSUsable},
	)
	env := newTestEnv(t, radarCfg(52, channel.BW80), table)
	env.start()

	plan := env.drv.cacs[0].plan
	env.deliver(DriverEvent{Kind: CACFinished, Range: plan.EventRange(), Success: false})

	for _, f := range plan.Members() {
		assert.Equal(t, channel.DFSUnavailable, env.state(f))
	}
	require.Len(t, env.drv.cacs, 2)
	assert.Equal(t, 5500, env.drv.cacs[1].plan.Freq)
}

func TestCACWatchdogRetriesCAC(t *testing.T) {
	table := buildTable(chanSpec{52, 64, true, channel.DFSUsable})
	env := newTestEnv(t, radarCfg(52, channel.BW80), table)
	env.start()

	env.advance(69 * time.Second)
	assert.Len(t, env.drv.cacs, 1)
	env.advance(time.Second)

	assert.Len(t, env.eventsOf(pkg.EventCACAborted), 1)
	assert.Len(t, env.drv.cacs, 2)
	assert.Equal(t, channel.DFSUsable, env.state(5260), "abort does not mark channels")
}

func TestCACAbortedRetries(t *testing.T) {
	table := buildTable(chanSpec{52, 64, true, channel.DFSUsable})
	env := newTestEnv(t, radarCfg(52, channel.BW80), table)
	env.start()

	env.deliver(DriverEvent{Kind: CACAborted, Range: env.drv.cacs[0].plan.EventRange()})

	assert.Len(t, env.drv.cacs, 2)
	assert.Equal(t, 1, env.clock.Pending())
}

func TestExhaustedParksUntilNOPFinished(t *testing.T) {
	table := buildTable(chanSpec{52, 64, true, channel.DFSUsable})
	env := newTestEnv(t, radarCfg(52, channel.BW80), table)
	env.start()

	env.deliver(DriverEvent{Kind: RadarDetected, Range: channel.EventRange{Freq: 5260, Bandwidth: channel.BW80, CF1: 5290}})

	st := env.iface.Status()
	assert.Equal(t, StateCAC, st.State)
	assert.False(t, st.CACActive)
	noChan := env.eventsOf(pkg.EventNoChannel)
	require.Len(t, noChan, 1)
	assert.Equal(t, ErrNoChannelAvailable.Error(), noChan[0].Cause)
	assert.Equal(t, 0, env.clock.Pending(), "no busy polling")

	nop := DriverEvent{Kind: NOPFinished, Range: channel.EventRange{Freq: 5260, Bandwidth: channel.BW20}}
	env.deliver(nop)

	assert.Equal(t, channel.DFSUsable, env.state(5260))
	require.Len(t, env.drv.cacs, 2)
	assert.Equal(t, 5260, env.drv.cacs[1].plan.Freq)
	assert.Equal(t, channel.BW20, env.drv.cacs[1].plan.Bandwidth)

	// A second NOP end for the same, already usable channel is a no-op.
	env.deliver(nop)
	assert.Equal(t, channel.DFSUsable, env.state(5260))
	assert.Len(t, env.drv.cacs, 2)
	assert.Len(t, env.eventsOf(pkg.EventNOPFinished), 1)
}

func TestSoftwareNOPTimers(t *testing.T) {
	table := buildTable(chanSpec{100, 128, true, channel.DFSAvailable})
	cfg := radarCfg(116, channel.BW80)
	cfg.NOPTime = 30 * time.Minute
	env := newTestEnv(t, cfg, table)
	env.start()

	radar := DriverEvent{Kind: RadarDetected, Range: channel.EventRange{Freq: 5500, Bandwidth: channel.BW40, CF1: 5510}}
	env.deliver(radar)
	assert.Equal(t, 2, env.iface.NOPTimers())
	env.deliver(radar)
	assert.Equal(t, 2, env.iface.NOPTimers(), "no double registration")

	env.advance(30 * time.Minute)

	assert.Equal(t, 0, env.iface.NOPTimers())
	assert.Equal(t, channel.DFSUsable, env.state(5500))
	assert.Equal(t, channel.DFSUsable, env.state(5520))
	assert.Len(t, env.eventsOf(pkg.EventNOPFinished), 2)
}

func TestPreCACExpiryNeverUpgrades(t *testing.T) {
	table := buildTable(chanSpec{100, 128, true, channel.DFSAvailable})
	table.MarkDFSState([]int{5600}, channel.DFSUnavailable)
	env := newTestEnv(t, radarCfg(100, channel.BW80), table)
	env.start()

	env.deliver(DriverEvent{Kind: PreCACExpired, Range: channel.EventRange{Freq: 5580, Bandwidth: channel.BW80, CF1: 5610}})

	assert.Equal(t, channel.DFSUsable, env.state(5580))
	assert.Equal(t, channel.DFSUnavailable, env.state(5600))
	assert.Equal(t, channel.DFSUsable, env.state(5620))
	assert.Len(t, env.eventsOf(pkg.EventPreCACExpired), 1)
}

func TestStopCancelsTimersAndIgnoresLateEvents(t *testing.T) {
	table := buildTable(chanSpec{52, 64, true, channel.DFSUsable}, chanSpec{100, 112, true, channel.DFSUsable})
	cfg := radarCfg(52, channel.BW80)
	cfg.NOPTime = 30 * time.Minute
	env := newTestEnv(t, cfg, table)
	env.start()
	env.deliver(DriverEvent{Kind: RadarDetected, Range: channel.EventRange{Freq: 5500, Bandwidth: channel.BW20}})
	require.Equal(t, 2, env.clock.Pending())
	require.Equal(t, 1, env.iface.NOPTimers())

	env.iface.Stop()
	env.drain()

	assert.Equal(t, 0, env.clock.Pending())
	assert.Equal(t, 0, env.iface.NOPTimers())
	assert.Equal(t, StateDisabled, env.iface.Status().State)
	assert.Equal(t, channel.DFSUsable, env.state(5500), "table reset on teardown")

	env.deliver(DriverEvent{Kind: CACFinished, Range: env.drv.cacs[0].plan.EventRange(), Success: true})
	assert.Empty(t, env.drv.started)
	assert.Equal(t, channel.DFSUsable, env.state(5260))
}

func TestConfiguredChannelMissingIsSetupFailure(t *testing.T) {
	table := buildTable(chanSpec{36, 48, false, 0})
	env := newTestEnv(t, radarCfg(52, channel.BW20), table)

	err := env.iface.Start()
	assert.ErrorIs(t, err, channel.ErrChannelNotFound)

	env = newTestEnv(t, radarCfg(36, channel.BW160), table)
	err = env.iface.Start()
	assert.ErrorIs(t, err, channel.ErrChannelNotFound)
}

func TestRegulatoryChangeDisablesPrimary(t *testing.T) {
	table := buildTable(chanSpec{36, 48, false, 0})
	env := newTestEnv(t, radarCfg(36, channel.BW20), table)
	env.start()
	require.Equal(t, StateEnabled, env.iface.Status().State)

	chans := table.Channels()
	chans[0].Disabled = true
	env.iface.ApplyRegulatory(chans, true)
	env.drain()

	assert.Equal(t, StateNoIR, env.iface.Status().State)
	assert.Equal(t, 1, env.drv.stops)
}

func TestOperatorChannelSwitch(t *testing.T) {
	table := buildTable(chanSpec{36, 48, false, 0}, chanSpec{52, 64, true, channel.DFSUsable})
	env := newTestEnv(t, radarCfg(36, channel.BW20), table)
	env.start()

	target, err := channel.NewPlan(channel.Band5G, 5200, channel.BW20, 0, 0)
	require.NoError(t, err)
	env.iface.RequestChannelSwitch(target)
	env.drain()
	require.Len(t, env.drv.switches, 1)
	assert.Equal(t, 5200, env.drv.switches[0].plan.Freq)

	dfsTarget, err := channel.NewPlan(channel.Band5G, 5260, channel.BW20, 0, 0)
	require.NoError(t, err)
	env.iface.RequestChannelSwitch(dfsTarget)
	env.drain()
	assert.Len(t, env.drv.switches, 1)
	require.Len(t, env.drv.cacs, 1)
	assert.Equal(t, 5260, env.drv.cacs[0].plan.Freq)
}

func TestDisableEnable(t *testing.T) {
	table := buildTable(chanSpec{36, 48, false, 0})
	env := newTestEnv(t, radarCfg(36, channel.BW20), table)
	env.start()

	env.iface.Disable()
	env.drain()
	assert.Equal(t, StateDisabled, env.iface.Status().State)

	env.iface.Enable()
	env.drain()
	assert.Equal(t, StateEnabled, env.iface.Status().State)
	assert.Len(t, env.drv.started, 2)
}

func surveyFor(table *channel.Table, busy func(ch int) uint64) []acs.SurveySample {
	var out []acs.SurveySample
	for _, c := range table.Channels() {
		out = append(out, acs.SurveySample{
			Freq:        c.Freq,
			NoiseFloor:  -95,
			ChannelTime: 100,
			BusyTime:    busy(c.Number),
			Filled:      acs.HasNoise | acs.HasChannelTime | acs.HasBusyTime,
		})
	}
	return out
}

func TestACSThenCAC(t *testing.T) {
	table := buildTable(chanSpec{36, 48, false, 0}, chanSpec{52, 64, true, channel.DFSUsable})
	cfg := radarCfg(0, channel.BW80)
	cfg.ACSNumScans = 2
	env := newTestEnv(t, cfg, table)
	env.start()

	assert.Equal(t, StateScanning, env.iface.Status().State)
	require.Len(t, env.drv.surveys, 1)
	assert.Len(t, env.drv.surveys[0], 8)

	samples := surveyFor(table, func(ch int) uint64 {
		if ch < 52 {
			return 80
		}
		return 10
	})
	env.deliver(DriverEvent{Kind: SurveyDone, Samples: samples})
	assert.Len(t, env.drv.surveys, 2)
	env.deliver(DriverEvent{Kind: SurveyDone, Samples: samples})

	require.Len(t, env.eventsOf(pkg.EventACSCompleted), 1)
	require.Len(t, env.drv.cacs, 1)
	assert.Equal(t, 58, env.drv.cacs[0].plan.Seg0)
	assert.Equal(t, StateCAC, env.iface.Status().State)
}

func TestACSExcludeDFS(t *testing.T) {
	table := buildTable(chanSpec{36, 48, false, 0}, chanSpec{52, 64, true, channel.DFSUsable})
	cfg := radarCfg(0, channel.BW80)
	cfg.ACSNumScans = 1
	cfg.ACSExcludeDFS = true
	env := newTestEnv(t, cfg, table)
	env.start()

	env.deliver(DriverEvent{Kind: SurveyDone, Samples: surveyFor(table, func(ch int) uint64 { return uint64(ch) })})

	assert.Equal(t, StateEnabled, env.iface.Status().State)
	assert.Equal(t, 42, env.iface.Status().Plan.Seg0)
	assert.Equal(t, 5180, env.iface.Status().Plan.Freq)
}

func TestACSWithoutSurveyDataUsesFirstCandidate(t *testing.T) {
	table := buildTable(chanSpec{36, 48, false, 0})
	cfg := radarCfg(0, channel.BW20)
	env := newTestEnv(t, cfg, table)
	env.drv.surveyErr = errors.New("survey not supported")
	env.start()

	assert.Equal(t, StateEnabled, env.iface.Status().State)
	assert.Equal(t, 5180, env.iface.Status().Plan.Freq)
}
