package dfs

import (
	"errors"
	"fmt"

	"github.com/markus-lassfolk/dfsd/pkg/acs"
	"github.com/markus-lassfolk/dfsd/pkg/channel"
)

// ErrBusy is returned by a driver that cannot accept a request right now.
var ErrBusy = errors.New("driver busy")

// SurveyProvider requests a channel survey. Results arrive later as a
// SurveyDone driver event.
type SurveyProvider interface {
	RequestSurvey(freqs []int) error
}

// CACRequester starts a channel availability check on the main or the
// background radar chain. Completion arrives as a CACFinished event.
type CACRequester interface {
	StartCAC(plan channel.Plan, background bool) error
}

// ChannelSwitcher announces a channel switch on one BSS. It may return
// ErrBusy. Completion arrives as a ChannelSwitched event.
type ChannelSwitcher interface {
	SwitchChannel(bss string, plan channel.Plan, count uint8, blockTx bool) error
}

// BeaconRebuilder rebuilds beacon and probe response frames for a plan.
type BeaconRebuilder interface {
	UpdateBeacon(plan channel.Plan) error
}

// APController starts and stops beaconing on the interface.
type APController interface {
	StartAP(plan channel.Plan) error
	StopAP() error
}

// Driver is everything the state machine needs from the radio.
type Driver interface {
	SurveyProvider
	CACRequester
	ChannelSwitcher
	BeaconRebuilder
	APController
}

// DriverEventKind identifies an asynchronous radio notification.
type DriverEventKind int

const (
	RadarDetected DriverEventKind = iota
	CACStarted
	CACFinished
	CACAborted
	NOPFinished
	PreCACExpired
	ChannelSwitched
	SurveyDone
)

var driverEventNames = map[DriverEventKind]string{
	RadarDetected:   "radar-detected",
	CACStarted:      "cac-started",
	CACFinished:     "cac-finished",
	CACAborted:      "cac-aborted",
	NOPFinished:     "nop-finished",
	PreCACExpired:   "pre-cac-expired",
	ChannelSwitched: "channel-switched",
	SurveyDone:      "survey-done",
}

func (k DriverEventKind) String() string {
	if s, ok := driverEventNames[k]; ok {
		return s
	}
	return fmt.Sprintf("driver-event(%d)", int(k))
}

// ParseDriverEventKind is the inverse of DriverEventKind.String.
func ParseDriverEventKind(s string) (DriverEventKind, error) {
	for k, name := range driverEventNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown driver event %q", s)
}

// DriverEvent is a notification from the radio or its simulation.
type DriverEvent struct {
	Kind       DriverEventKind
	Range      channel.EventRange
	Background bool
	Success    bool
	Samples    []acs.SurveySample
}

// EventHandler receives driver events.
type EventHandler interface {
	HandleDriverEvent(ev DriverEvent)
}
