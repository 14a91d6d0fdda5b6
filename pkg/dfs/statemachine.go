package dfs

import (
	"errors"

	"github.com/markus-lassfolk/dfsd/pkg"
	"github.com/markus-lassfolk/dfsd/pkg/acs"
	"github.com/markus-lassfolk/dfsd/pkg/channel"
)

type dfsResult int

const (
	dfsContinue dfsResult = iota
	dfsWait
	dfsFailed
)

// continueSetup runs the DFS check for the current plan and starts
// beaconing when no CAC is needed.
func (i *Interface) continueSetup() {
	switch i.handleDFS() {
	case dfsContinue:
		i.startAP()
	case dfsFailed:
		i.scheduleRestart()
	}
}

// handleDFS decides whether the plan needs a CAC. Unavailable plans are
// replaced until a usable candidate is found or the selector runs dry.
func (i *Interface) handleDFS() dfsResult {
	if !i.cfg.IEEE80211H {
		return dfsContinue
	}
	i.cacStarted = false

	for {
		members := i.plan.ActiveMembers()
		if len(members) == 0 {
			i.logger.Error("Plan has no member channels", "plan", i.plan.String())
			return dfsFailed
		}
		if c, ok := i.table.FindByFreq(i.plan.Freq); ok && c.Disabled {
			i.setState(StateNoIR, "primary channel disabled by regulatory domain")
			return dfsWait
		}
		if i.table.CountRadar(members) == 0 {
			return dfsContinue
		}
		if i.table.AllAvailable(members) {
			i.logger.Debug("All radar channels of plan available", "plan", i.plan.String())
			return dfsContinue
		}
		if !i.table.AnyUnavailable(members) {
			break
		}
		plan, err := i.selector.Select(Request{
			Bandwidth:       i.plan.Bandwidth,
			Type:            AnyChannel,
			PuncturedBitmap: i.plan.PuncturedBitmap,
			Downgrade:       true,
		})
		if err != nil {
			i.logger.Warn(err.Error(), "plan", i.plan.String())
			i.setState(StateCAC, "no channel available")
			i.emitPlan(pkg.EventNoChannel, i.plan, func(e *pkg.Event) { e.Cause = err.Error() })
			return dfsWait
		}
		i.emitPlan(pkg.EventNewChannel, plan, func(e *pkg.Event) { e.Cause = "configured channel unavailable" })
		i.plan = plan
	}

	members := i.plan.ActiveMembers()
	cacTime := i.table.MaxCACTime(members)
	background := i.cfg.BackgroundRadar && !i.bg.CACStarted

	i.setState(StateCAC, "CAC required")
	i.emitPlan(pkg.EventCACStart, i.plan, func(e *pkg.Event) {
		e.CACTime = cacTime
		e.Background = background
	})
	if err := i.drv.StartCAC(i.plan, background); err != nil {
		i.logger.Error("Failed to start CAC", "plan", i.plan.String(), "background", background, "error", err)
		return dfsFailed
	}

	if background {
		i.bg = RadarBackground{Plan: i.plan, CACStarted: true}
		tmp, err := i.selector.Select(Request{
			Bandwidth: i.plan.Bandwidth,
			Type:      AvailableChannel,
			Exclude:   members,
			Downgrade: true,
		})
		if err != nil {
			i.logger.Info("No available channel for temporary primary, waiting for background CAC", "plan", i.plan.String())
			i.publishStatus()
			return dfsWait
		}
		i.bg.TempPrimary = true
		i.logger.Info("Using temporary primary channel while background CAC runs",
			"temporary", tmp.String(), "background", i.plan.String())
		i.plan = tmp
		return dfsContinue
	}

	i.cacStarted = true
	i.cacStart = i.clock.Now()
	i.cacTime = cacTime
	i.cacTimer = i.clock.AfterFunc(cacTime+i.cfg.CACGrace, i.cacTimeout)
	i.publishStatus()
	return dfsWait
}

func (i *Interface) startAP() {
	if err := i.drv.StartAP(i.plan); err != nil {
		i.logger.Error("Failed to start AP", "plan", i.plan.String(), "error", err)
		i.scheduleRestart()
		return
	}
	i.setState(StateEnabled, "channel ready")
	i.emitPlan(pkg.EventAPEnabled, i.plan, nil)
	if i.cfg.BackgroundRadar && !i.bg.Active() {
		i.updateBackgroundChain()
	}
}

// restart is the disable and re-enable fallback. It always re-enters
// handleDFS from Disabled on a separate loop event.
func (i *Interface) restart(cause string) {
	i.logger.Warn("Restarting interface", "cause", cause, "plan", i.plan.String())
	i.stopTimers(false)
	i.cacStarted = false
	i.radarDetected = false
	i.csa = csaState{}
	i.bg = RadarBackground{}
	if err := i.drv.StopAP(); err != nil {
		i.logger.Warn("Failed to stop AP", "error", err)
	}
	i.setState(StateDisabled, cause)
	i.emit(pkg.EventAPDisabled, channel.EventRange{}, func(e *pkg.Event) { e.Cause = cause })
	i.loop.Post(func() {
		if i.stopped || i.state != StateDisabled {
			return
		}
		if i.plan.IsZero() {
			i.startACS()
			return
		}
		i.continueSetup()
	})
}

func (i *Interface) scheduleRestart() {
	if i.restartTimer != nil {
		i.restartTimer.Stop()
	}
	i.setState(StateDisabled, "setup failed")
	i.restartTimer = i.clock.AfterFunc(i.cfg.RestartDelay, func() {
		i.restartTimer = nil
		if !i.stopped {
			i.restart("retry after failure")
		}
	})
}

func (i *Interface) cacTimeout() {
	i.cacTimer = nil
	if !i.cacStarted {
		return
	}
	i.logger.Warn("CAC did not complete in time", "plan", i.plan.String(), "cac_time", i.cacTime.String())
	i.onCACAborted(i.plan.EventRange(), false)
}

func (i *Interface) onCACStarted(r channel.EventRange, background bool) {
	if background || i.cacStarted {
		return
	}
	// Driver initiated CAC on the current plan.
	i.cacStarted = true
	i.cacStart = i.clock.Now()
	i.cacTime = i.table.MaxCACTime(r.Freqs())
	i.setState(StateCAC, "driver started CAC")
	i.emit(pkg.EventCACStart, r, func(e *pkg.Event) { e.CACTime = i.cacTime })
}

func (i *Interface) onCACComplete(r channel.EventRange, success, background bool) {
	i.emit(pkg.EventCACCompleted, r, func(e *pkg.Event) {
		e.Success = pkg.BoolPtr(success)
		e.Background = background
	})
	defer func() { i.radarDetected = false }()

	if !success {
		res := i.table.MarkDFSState(r.Freqs(), channel.DFSUnavailable)
		i.armNOP(res.Changed)
		if background {
			i.backgroundFailed()
			return
		}
		if i.cacStarted && overlaps(r.Freqs(), i.plan.Members()) {
			i.stopCAC()
			if i.state != StateEnabled {
				i.continueSetup()
			}
		}
		return
	}

	// Channels in NOP stay there until it expires.
	i.table.MarkDFSStateFrom(r.Freqs(), channel.DFSAvailable, channel.DFSUsable, channel.DFSUnknown)

	if background {
		i.backgroundReady(r)
		return
	}
	if !overlaps(r.Freqs(), i.plan.Members()) {
		i.logger.Debug("CAC completed on channel outside plan", "range", r.String())
		return
	}
	i.stopCAC()
	if i.state == StateEnabled || i.radarDetected {
		return
	}
	if i.table.AllAvailable(i.plan.ActiveMembers()) {
		i.startAP()
		return
	}
	// Part of the plan still needs CAC.
	i.continueSetup()
}

func (i *Interface) stopCAC() {
	i.cacStarted = false
	if i.cacTimer != nil {
		i.cacTimer.Stop()
		i.cacTimer = nil
	}
	i.publishStatus()
}

func (i *Interface) backgroundReady(r channel.EventRange) {
	if !i.bg.Active() || !overlaps(r.Freqs(), i.bg.Plan.Members()) {
		i.logger.Debug("Background CAC completed for untracked range", "range", r.String())
		return
	}
	i.bg.CACStarted = false
	i.publishStatus()

	switch {
	case i.bg.TempPrimary:
		target := i.bg.Plan
		i.bg = RadarBackground{}
		i.logger.Info("Background CAC done, leaving temporary primary", "target", target.String())
		i.requestSwitch(target)
	case i.state == StateCAC && !i.cacStarted:
		// No temporary primary was available: start on the checked plan.
		i.plan = i.bg.Plan
		i.bg = RadarBackground{}
		i.startAP()
	default:
		i.logger.Info("Background chain ready", "plan", i.bg.Plan.String())
	}
}

func (i *Interface) backgroundFailed() {
	if !i.bg.Active() {
		return
	}
	i.bg.CACStarted = false
	if i.bg.TempPrimary {
		i.logger.Info("Background CAC failed, temporary primary becomes permanent", "plan", i.plan.String())
	}
	if i.state == StateCAC && !i.cacStarted && !i.bg.TempPrimary {
		i.bg = RadarBackground{}
		i.continueSetup()
		return
	}
	i.bg = RadarBackground{}
	i.updateBackgroundChain()
}

func (i *Interface) onCACAborted(r channel.EventRange, background bool) {
	i.emit(pkg.EventCACAborted, r, func(e *pkg.Event) { e.Background = background })
	if background {
		if !i.bg.Active() {
			return
		}
		i.bg.CACStarted = false
		if i.bg.TempPrimary {
			// Keep the target: restart its CAC on the background chain.
			if err := i.drv.StartCAC(i.bg.Plan, true); err == nil {
				i.bg.CACStarted = true
				i.publishStatus()
				return
			}
			i.bg.TempPrimary = false
		}
		i.bg = RadarBackground{}
		i.updateBackgroundChain()
		return
	}
	if !i.cacStarted {
		return
	}
	i.stopCAC()
	if i.state == StateCAC {
		i.continueSetup()
	}
}

func (i *Interface) onRadarDetected(r channel.EventRange, background bool) {
	i.emit(pkg.EventRadarDetected, r, func(e *pkg.Event) { e.Background = background })
	if !i.cfg.IEEE80211H {
		return
	}

	res := i.table.MarkDFSState(r.Freqs(), channel.DFSUnavailable)
	if len(res.Matched) == 0 {
		i.logger.Info("Radar event matched no radar channel", "range", r.String())
		return
	}
	i.armNOP(res.Changed)

	onPrimary := i.table.RadarOverlap(i.plan.ActiveMembers(), r)
	onBackground := i.bg.Active() && i.table.RadarOverlap(i.bg.Plan.Members(), r)
	if onBackground && i.awaitingBackgroundCAC() {
		// The only CAC of the bring-up is gone: reselect.
		i.logger.Info("Radar on channel awaiting background CAC", "plan", i.bg.Plan.String())
		i.bg = RadarBackground{}
		i.switchDuringCAC()
		return
	}
	if background || (!onPrimary && onBackground) {
		i.backgroundRadar()
		return
	}
	if !onPrimary {
		i.logger.Debug("Radar outside operating channels", "range", r.String())
		return
	}

	i.radarDetected = true
	if i.cacStarted {
		i.switchDuringCAC()
		return
	}
	if i.state != StateEnabled {
		return
	}
	if i.csa.inFlight && i.table.AllAvailable(i.csa.target.ActiveMembers()) {
		i.logger.Info("Radar on old channel while switch is in flight", "target", i.csa.target.String())
		return
	}

	if i.bg.Active() && !i.bg.CACStarted && !i.bg.TempPrimary &&
		i.table.AllAvailable(i.bg.Plan.ActiveMembers()) {
		target := i.bg.Plan
		i.bg = RadarBackground{}
		i.emitPlan(pkg.EventNewChannel, target, func(e *pkg.Event) { e.Cause = "background chain" })
		i.requestSwitch(target)
		return
	}
	if i.bg.Active() && i.bg.CACStarted {
		tmp, err := i.selector.Select(Request{
			Bandwidth: i.plan.Bandwidth,
			Type:      AvailableChannel,
			Exclude:   i.bg.Plan.Members(),
			Downgrade: true,
		})
		if err == nil {
			i.bg.TempPrimary = true
			i.emitPlan(pkg.EventNewChannel, tmp, func(e *pkg.Event) { e.Cause = "temporary primary" })
			i.requestSwitch(tmp)
			return
		}
	}
	i.startChannelSwitch()
}

// awaitingBackgroundCAC reports whether bring-up waits on the background
// chain because no temporary primary was available.
func (i *Interface) awaitingBackgroundCAC() bool {
	return i.state == StateCAC && !i.cacStarted && i.bg.CACStarted && !i.bg.TempPrimary
}

// switchDuringCAC abandons the running CAC and restarts on a new channel.
func (i *Interface) switchDuringCAC() {
	i.stopCAC()
	i.radarDetected = false
	plan, err := i.selector.Select(Request{
		Bandwidth:       i.plan.Bandwidth,
		Type:            AnyChannel,
		PuncturedBitmap: i.plan.PuncturedBitmap,
		Downgrade:       true,
	})
	if err != nil {
		i.setState(StateCAC, "no channel available")
		i.emitPlan(pkg.EventNoChannel, i.plan, func(e *pkg.Event) { e.Cause = err.Error() })
		return
	}
	i.emitPlan(pkg.EventNewChannel, plan, func(e *pkg.Event) { e.Cause = "radar during CAC" })
	i.plan = plan
	i.continueSetup()
}

func (i *Interface) startChannelSwitch() {
	typ := AvailableChannel
	if i.cfg.ETSI {
		typ = AnyChannel
	}
	plan, err := i.selector.Select(Request{
		Bandwidth:       i.plan.Bandwidth,
		Type:            typ,
		PuncturedBitmap: i.plan.PuncturedBitmap,
		Downgrade:       true,
	})
	if err != nil {
		i.emitPlan(pkg.EventNoChannel, i.plan, func(e *pkg.Event) { e.Cause = err.Error() })
		i.restart("no channel for radar switch")
		return
	}
	i.emitPlan(pkg.EventNewChannel, plan, func(e *pkg.Event) { e.Cause = "radar" })
	if !i.table.AllAvailable(plan.ActiveMembers()) {
		i.plan = plan
		i.restart("new channel requires CAC")
		return
	}
	i.requestSwitch(plan)
}

func (i *Interface) requestSwitch(plan channel.Plan) {
	if i.csa.retryTimer != nil {
		i.csa.retryTimer.Stop()
	}
	i.csa = csaState{
		inFlight:         true,
		target:           plan,
		bgReselectQueued: i.csa.bgReselectQueued,
	}
	i.publishStatus()
	i.sendCSA()
}

func (i *Interface) sendCSA() {
	i.csa.retryTimer = nil
	plan := i.csa.target
	ok, busy := 0, false
	for _, bss := range i.cfg.BSS {
		err := i.drv.SwitchChannel(bss, plan, i.cfg.CSCount, true)
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrBusy):
			busy = true
			i.logger.Debug("Driver busy on channel switch", "bss", bss)
		default:
			i.logger.Warn("Channel switch failed", "bss", bss, "plan", plan.String(), "error", err)
		}
	}
	if ok > 0 {
		i.logger.Info("Channel switch announced", "plan", plan.String(), "bss", ok, "count", i.cfg.CSCount)
		return
	}
	if busy && i.csa.retries < i.cfg.CSAMaxRetries {
		delay := i.cfg.CSARetryBase << uint(i.csa.retries)
		i.csa.retries++
		i.logger.Info("Retrying channel switch", "attempt", i.csa.retries, "delay", delay.String())
		i.csa.retryTimer = i.clock.AfterFunc(delay, func() {
			if i.csa.inFlight && !i.stopped {
				i.sendCSA()
			}
		})
		return
	}
	i.emitPlan(pkg.EventCSAFailed, plan, func(e *pkg.Event) { e.Cause = "channel switch failed on all BSS" })
	i.plan = plan
	i.restart("channel switch failed")
}

func (i *Interface) onChannelSwitched(r channel.EventRange) {
	queued := i.csa.bgReselectQueued
	if i.csa.inFlight && r.Freq == i.csa.target.Freq {
		i.plan = i.csa.target
	} else if plan, err := planFromRange(i.table.Band(), r); err == nil {
		i.plan = plan
	} else {
		i.logger.Warn("Channel switch to unknown plan", "range", r.String(), "error", err)
		return
	}
	if i.csa.retryTimer != nil {
		i.csa.retryTimer.Stop()
	}
	i.csa = csaState{}
	if err := i.drv.UpdateBeacon(i.plan); err != nil {
		i.logger.Warn("Failed to rebuild beacon", "error", err)
	}
	i.emitPlan(pkg.EventCSAFinished, i.plan, nil)
	i.radarDetected = false

	if !i.cfg.BackgroundRadar {
		return
	}
	if queued {
		i.bg = RadarBackground{}
	}
	if !i.bg.Active() {
		i.updateBackgroundChain()
	}
}

func planFromRange(band channel.Band, r channel.EventRange) (channel.Plan, error) {
	seg1 := 0
	if r.Bandwidth == channel.BW80P80 {
		seg1 = r.CF2
	}
	return channel.NewPlan(band, r.Freq, r.Bandwidth, 0, seg1)
}

// backgroundRadar handles radar on the channel the background chain monitors.
func (i *Interface) backgroundRadar() {
	if !i.bg.Active() {
		return
	}
	if i.csa.inFlight {
		i.logger.Info("Background radar during channel switch, reselect queued")
		i.csa.bgReselectQueued = true
		i.bg.CACStarted = false
		i.publishStatus()
		return
	}
	if i.bg.TempPrimary {
		i.logger.Info("Background target lost, temporary primary becomes permanent", "plan", i.plan.String())
	}
	i.bg = RadarBackground{}
	i.updateBackgroundChain()
}

// updateBackgroundChain picks a new target for the background chain and
// starts its CAC.
func (i *Interface) updateBackgroundChain() {
	if !i.cfg.BackgroundRadar || i.stopped || i.state != StateEnabled {
		i.publishStatus()
		return
	}
	if i.csa.inFlight {
		i.csa.bgReselectQueued = true
		return
	}
	exclude := append([]int{}, i.plan.Members()...)
	exclude = append(exclude, i.bg.Plan.Members()...)
	plan, err := i.selector.Select(Request{
		Bandwidth: i.plan.Bandwidth,
		Type:      NoCACYet,
		Exclude:   exclude,
		Downgrade: true,
	})
	if err != nil {
		i.logger.Info("No channel for background radar chain", "error", err)
		i.bg = RadarBackground{}
		i.publishStatus()
		return
	}
	cacTime := i.table.MaxCACTime(plan.Members())
	i.emitPlan(pkg.EventCACStart, plan, func(e *pkg.Event) {
		e.CACTime = cacTime
		e.Background = true
	})
	if err := i.drv.StartCAC(plan, true); err != nil {
		i.logger.Warn("Failed to start background CAC", "plan", plan.String(), "error", err)
		i.bg = RadarBackground{}
		i.publishStatus()
		return
	}
	i.bg = RadarBackground{Plan: plan, CACStarted: true}
	i.publishStatus()
}

func (i *Interface) onNOPFinished(r channel.EventRange) {
	res := i.table.MarkDFSStateFrom(r.Freqs(), channel.DFSUsable, channel.DFSUnavailable)
	if len(res.Changed) == 0 {
		i.logger.Debug("NOP finished for channels not in NOP", "range", r.String())
		return
	}
	for _, f := range res.Changed {
		if t, ok := i.nopTimers[f]; ok {
			t.Stop()
			delete(i.nopTimers, f)
		}
	}
	i.emit(pkg.EventNOPFinished, r, nil)

	if i.state == StateCAC && !i.cacStarted && !i.bg.CACStarted {
		i.logger.Info("Retrying DFS setup after NOP", "plan", i.plan.String())
		i.continueSetup()
		return
	}
	if i.cfg.BackgroundRadar && i.state == StateEnabled && !i.bg.Active() && !i.csa.inFlight {
		i.updateBackgroundChain()
	}
}

func (i *Interface) onPreCACExpired(r channel.EventRange) {
	res := i.table.MarkDFSStateFrom(r.Freqs(), channel.DFSUsable, channel.DFSAvailable, channel.DFSUnknown)
	if len(res.Changed) == 0 {
		return
	}
	i.emit(pkg.EventPreCACExpired, r, nil)
	if i.bg.Active() && !i.bg.CACStarted && overlaps(res.Changed, i.bg.Plan.Members()) {
		i.logger.Info("Background target expired, restarting background CAC", "plan", i.bg.Plan.String())
		i.bg = RadarBackground{}
		i.updateBackgroundChain()
	}
}

// armNOP starts software non-occupancy timers for channels just marked
// unavailable. A channel never gets a second timer.
func (i *Interface) armNOP(freqs []int) {
	if i.cfg.NOPTime <= 0 {
		return
	}
	for _, f := range freqs {
		if _, ok := i.nopTimers[f]; ok {
			continue
		}
		freq := f
		i.nopTimers[freq] = i.clock.AfterFunc(i.cfg.NOPTime, func() {
			delete(i.nopTimers, freq)
			if !i.stopped {
				i.onNOPFinished(channel.EventRange{Freq: freq, Bandwidth: channel.BW20})
			}
		})
	}
}

// NOPTimers returns the number of armed software NOP timers.
func (i *Interface) NOPTimers() int {
	return len(i.nopTimers)
}

func (i *Interface) startACS() {
	i.scans = 0
	i.scorer.Reset()
	i.setState(StateScanning, "automatic channel selection")
	i.emit(pkg.EventACSStarted, channel.EventRange{}, nil)
	i.requestSurvey()
}

func (i *Interface) requestSurvey() {
	var freqs []int
	for _, c := range i.table.Channels() {
		if !c.Disabled {
			freqs = append(freqs, c.Freq)
		}
	}
	if err := i.drv.RequestSurvey(freqs); err != nil {
		i.logger.Warn("Survey request failed, selecting without survey data", "error", err)
		i.finishACS()
	}
}

func (i *Interface) onSurveyComplete(samples []acs.SurveySample) {
	if i.state != StateScanning {
		return
	}
	i.scorer.Add(samples...)
	i.scans++
	if i.scans < i.cfg.ACSNumScans {
		i.requestSurvey()
		return
	}
	i.finishACS()
}

func (i *Interface) finishACS() {
	offset := i.cfg.SecondaryOffset
	best, err := i.scorer.Best(i.table, acs.Options{
		Bandwidth:    i.cfg.Bandwidth,
		Offset:       offset,
		ExcludeRadar: i.cfg.ACSExcludeDFS,
		Allow:        i.cfg.Constraints.Allows,
	})
	switch {
	case errors.Is(err, acs.ErrInsufficientData):
		i.logger.Warn("ACS has no usable survey data, using first legal channel", "plan", best.Plan.String())
	case err != nil:
		i.logger.Error("ACS failed", "error", err)
		i.emit(pkg.EventACSFailed, channel.EventRange{}, func(e *pkg.Event) { e.Cause = err.Error() })
		i.setState(StateDisabled, "ACS failed")
		return
	}
	plan := best.Plan
	if plan.Bandwidth.MHz() >= 80 {
		plan.PuncturedBitmap = i.cfg.PuncturedBitmap
	}
	i.plan = plan
	i.emitPlan(pkg.EventACSCompleted, plan, nil)
	i.continueSetup()
}

func overlaps(a, b []int) bool {
	set := make(map[int]bool, len(b))
	for _, f := range b {
		set[f] = true
	}
	for _, f := range a {
		if set[f] {
			return true
		}
	}
	return false
}
