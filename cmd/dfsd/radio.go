package main

import (
	"context"
	"fmt"

	"github.com/markus-lassfolk/dfsd/pkg"
	"github.com/markus-lassfolk/dfsd/pkg/channel"
	"github.com/markus-lassfolk/dfsd/pkg/dfs"
	"github.com/markus-lassfolk/dfsd/pkg/driver"
	"github.com/markus-lassfolk/dfsd/pkg/logx"
	"github.com/markus-lassfolk/dfsd/pkg/regdomain"
	"github.com/markus-lassfolk/dfsd/pkg/uci"
)

// radio is one configured radio with its controller and backend.
type radio struct {
	cfg     *uci.RadioConfig
	country string
	table   *channel.Table
	iface   *dfs.Interface
	drv     driver.Radio
}

// regulatoryChannels builds the channel list of a radio from its country
// and, when configured, the capability dump of the hardware.
func regulatoryChannels(rc *uci.RadioConfig) (channel.Band, []channel.Channel, regdomain.Domain, error) {
	band, err := channel.ParseBand(rc.Band)
	if err != nil {
		return band, nil, regdomain.Domain{}, err
	}
	dom, err := regdomain.Lookup(rc.Country)
	if err != nil {
		return band, nil, dom, err
	}
	opts := regdomain.Options{IEEE80211H: rc.IEEE80211H}
	if rc.Capabilities == "" {
		return band, dom.Channels(band, opts), dom, nil
	}
	capBand, caps, err := regdomain.LoadCapabilities(rc.Capabilities)
	if err != nil {
		return band, nil, dom, err
	}
	if capBand != band {
		return band, nil, dom, fmt.Errorf("capabilities %s describe band %s, radio is %s", rc.Capabilities, capBand, band)
	}
	return band, dom.Apply(band, caps, opts), dom, nil
}

func newRadio(rc *uci.RadioConfig, sink pkg.EventSink, sim driver.SimConfig, logger *logx.Logger) (*radio, error) {
	band, chans, dom, err := regulatoryChannels(rc)
	if err != nil {
		return nil, fmt.Errorf("radio %s: %w", rc.Name, err)
	}
	if len(chans) == 0 {
		return nil, fmt.Errorf("radio %s: no usable channels for country %s", rc.Name, rc.Country)
	}
	cfg, err := rc.InterfaceConfig()
	if err != nil {
		return nil, fmt.Errorf("radio %s: %w", rc.Name, err)
	}
	cfg.ETSI = dom.ETSI()

	table := channel.NewTable(band, chans)
	drv, err := driver.New(rc.Driver, driver.Options{
		Ifname: rc.Ifname,
		Table:  table,
		Clock:  dfs.RealClock(),
		Logger: logger.With("component", "driver", "iface", rc.Ifname),
		Sim:    sim,
	})
	if err != nil {
		return nil, fmt.Errorf("radio %s: %w", rc.Name, err)
	}
	iface, err := dfs.NewInterface(cfg, dfs.Deps{
		Table:  table,
		Driver: drv,
		Sink:   sink,
		Logger: logger,
		Loop:   dfs.NewLoop(),
	})
	if err != nil {
		return nil, fmt.Errorf("radio %s: %w", rc.Name, err)
	}
	drv.SetHandler(iface)

	logger.Info("Radio configured", "radio", rc.Name, "iface", rc.Ifname, "driver", rc.Driver,
		"band", band.String(), "country", dom.Country, "region", dom.Region.String(), "channels", len(chans))
	return &radio{cfg: rc, country: rc.Country, table: table, iface: iface, drv: drv}, nil
}

// monitor runs the backend's event monitor if it has one.
func (r *radio) monitor(ctx context.Context) error {
	m, ok := r.drv.(interface{ Monitor(context.Context) error })
	if !ok {
		return nil
	}
	return m.Monitor(ctx)
}

// reloadRegulatory applies a changed country from rc to the running
// interface. It reports whether anything was applied.
func (r *radio) reloadRegulatory(rc *uci.RadioConfig) (bool, error) {
	if rc.Country == r.country && rc.Capabilities == r.cfg.Capabilities {
		return false, nil
	}
	band, chans, dom, err := regulatoryChannels(rc)
	if err != nil {
		return false, err
	}
	if band != r.table.Band() {
		return false, fmt.Errorf("band change from %s to %s needs a restart", r.table.Band(), band)
	}
	r.iface.ApplyRegulatory(chans, dom.ETSI())
	r.country = rc.Country
	r.cfg.Capabilities = rc.Capabilities
	return true, nil
}
