// Package driver provides radio backends for the DFS state machine: a
// timer driven simulation and an iw(8) based driver for Linux nl80211
// radios.
package driver

import (
	"errors"
	"fmt"

	"github.com/markus-lassfolk/dfsd/pkg/channel"
	"github.com/markus-lassfolk/dfsd/pkg/dfs"
	"github.com/markus-lassfolk/dfsd/pkg/logx"
)

// ErrUnsupported is returned for requests a backend cannot perform.
var ErrUnsupported = errors.New("operation not supported by driver")

// Radio is a dfs.Driver that reports asynchronous events to a handler.
type Radio interface {
	dfs.Driver
	SetHandler(h dfs.EventHandler)
}

// Options configures a backend created through New.
type Options struct {
	Ifname string
	Table  *channel.Table
	Clock  dfs.Clock
	Logger *logx.Logger
	Sim    SimConfig
}

// New creates the named backend: "sim" or "iw".
func New(name string, opts Options) (Radio, error) {
	switch name {
	case "sim", "":
		return NewSim(opts.Ifname, opts.Sim, opts.Table, opts.Clock, opts.Logger), nil
	case "iw":
		return NewIW(opts.Ifname, nil, opts.Logger), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupported, name)
}

func widthArg(bw channel.Bandwidth) string {
	return bw.String()
}
