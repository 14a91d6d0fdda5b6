// Package metrics exports DFS state and event counters to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/dfsd/pkg"
	"github.com/markus-lassfolk/dfsd/pkg/channel"
	"github.com/markus-lassfolk/dfsd/pkg/dfs"
)

var interfaceStates = []dfs.State{dfs.StateDisabled, dfs.StateScanning, dfs.StateCAC, dfs.StateNoIR, dfs.StateEnabled}

// Collector bundles the DFS Prometheus metrics. It implements pkg.EventSink
// for the counters; gauges are refreshed from interface snapshots.
type Collector struct {
	gatherer prometheus.Gatherer

	InterfaceState  *prometheus.GaugeVec
	ChannelDFSState *prometheus.GaugeVec
	CACDuration     *prometheus.GaugeVec

	RadarEvents     *prometheus.CounterVec
	CACTotal        *prometheus.CounterVec
	ChannelSwitches *prometheus.CounterVec
	Events          *prometheus.CounterVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error
	if c.InterfaceState, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dfsd_interface_state",
		Help: "1 for the current state of the interface, 0 otherwise.",
	}, []string{"iface", "state"}), "dfsd_interface_state"); err != nil {
		return nil, err
	}
	if c.ChannelDFSState, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dfsd_channel_dfs_state",
		Help: "DFS state of each radar channel: 0 unknown, 1 usable, 2 unavailable, 3 available.",
	}, []string{"iface", "chan", "freq"}), "dfsd_channel_dfs_state"); err != nil {
		return nil, err
	}
	if c.CACDuration, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dfsd_cac_duration_seconds",
		Help: "Duration of the most recently started CAC.",
	}, []string{"iface", "chain"}), "dfsd_cac_duration_seconds"); err != nil {
		return nil, err
	}
	if c.RadarEvents, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dfsd_radar_events_total",
		Help: "Radar detections acted upon, labeled by detection chain.",
	}, []string{"iface", "chain"}), "dfsd_radar_events_total"); err != nil {
		return nil, err
	}
	if c.CACTotal, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dfsd_cac_total",
		Help: "Finished channel availability checks, labeled by result.",
	}, []string{"iface", "result"}), "dfsd_cac_total"); err != nil {
		return nil, err
	}
	if c.ChannelSwitches, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dfsd_channel_switches_total",
		Help: "Channel switch announcements, labeled by result.",
	}, []string{"iface", "result"}), "dfsd_channel_switches_total"); err != nil {
		return nil, err
	}
	if c.Events, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dfsd_events_total",
		Help: "Status events emitted, labeled by type.",
	}, []string{"iface", "type"}), "dfsd_events_total"); err != nil {
		return nil, err
	}
	return c, nil
}

// Publish implements pkg.EventSink.
func (c *Collector) Publish(e *pkg.Event) {
	if c == nil || e == nil {
		return
	}
	c.Events.WithLabelValues(e.Iface, string(e.Type)).Inc()
	switch e.Type {
	case pkg.EventRadarDetected:
		c.RadarEvents.WithLabelValues(e.Iface, chain(e.Background)).Inc()
	case pkg.EventCACStart:
		c.CACDuration.WithLabelValues(e.Iface, chain(e.Background)).Set(e.CACTime.Seconds())
	case pkg.EventCACCompleted:
		result := "failure"
		if e.Success != nil && *e.Success {
			result = "success"
		}
		c.CACTotal.WithLabelValues(e.Iface, result).Inc()
	case pkg.EventCACAborted:
		c.CACTotal.WithLabelValues(e.Iface, "aborted").Inc()
	case pkg.EventCSAFinished:
		c.ChannelSwitches.WithLabelValues(e.Iface, "success").Inc()
	case pkg.EventCSAFailed:
		c.ChannelSwitches.WithLabelValues(e.Iface, "failure").Inc()
	}
}

// Refresh updates the gauges of one interface.
func (c *Collector) Refresh(iface string, state dfs.State, chans []channel.Channel) {
	if c == nil {
		return
	}
	for _, s := range interfaceStates {
		v := 0.0
		if s == state {
			v = 1
		}
		c.InterfaceState.WithLabelValues(iface, s.String()).Set(v)
	}
	for _, ch := range chans {
		if !ch.Radar {
			continue
		}
		c.ChannelDFSState.WithLabelValues(iface, strconv.Itoa(ch.Number), strconv.Itoa(ch.Freq)).Set(float64(ch.DFSState))
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func chain(background bool) string {
	if background {
		return "background"
	}
	return "main"
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
