package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/dfsd/pkg"
	"github.com/markus-lassfolk/dfsd/pkg/channel"
	"github.com/markus-lassfolk/dfsd/pkg/dfs"
)

func newCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(prometheus.NewRegistry())
	require.NoError(t, err)
	return c
}

func event(typ pkg.EventType, fill func(e *pkg.Event)) *pkg.Event {
	e := pkg.NewEvent(typ, "wlan0", time.Now())
	if fill != nil {
		fill(e)
	}
	return e
}

func TestPublishCountsEvents(t *testing.T) {
	c := newCollector(t)

	c.Publish(event(pkg.EventCACStart, func(e *pkg.Event) { e.CACTime = 60 * time.Second }))
	c.Publish(event(pkg.EventCACStart, func(e *pkg.Event) { e.CACTime = 600 * time.Second; e.Background = true }))
	c.Publish(event(pkg.EventCACCompleted, func(e *pkg.Event) { e.Success = pkg.BoolPtr(true) }))
	c.Publish(event(pkg.EventCACCompleted, func(e *pkg.Event) { e.Success = pkg.BoolPtr(false) }))
	c.Publish(event(pkg.EventCACAborted, nil))
	c.Publish(event(pkg.EventRadarDetected, nil))
	c.Publish(event(pkg.EventRadarDetected, func(e *pkg.Event) { e.Background = true }))
	c.Publish(event(pkg.EventCSAFinished, nil))
	c.Publish(event(pkg.EventCSAFailed, nil))

	assert.Equal(t, 60.0, testutil.ToFloat64(c.CACDuration.WithLabelValues("wlan0", "main")))
	assert.Equal(t, 600.0, testutil.ToFloat64(c.CACDuration.WithLabelValues("wlan0", "background")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CACTotal.WithLabelValues("wlan0", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CACTotal.WithLabelValues("wlan0", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CACTotal.WithLabelValues("wlan0", "aborted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.RadarEvents.WithLabelValues("wlan0", "main")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.RadarEvents.WithLabelValues("wlan0", "background")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ChannelSwitches.WithLabelValues("wlan0", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ChannelSwitches.WithLabelValues("wlan0", "failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Events.WithLabelValues("wlan0", string(pkg.EventCACStart))))
}

func TestRefreshGauges(t *testing.T) {
	c := newCollector(t)
	chans := []channel.Channel{
		{Number: 36, Freq: 5180},
		{Number: 52, Freq: 5260, Radar: true, DFSState: channel.DFSAvailable},
		{Number: 100, Freq: 5500, Radar: true, DFSState: channel.DFSUnavailable},
	}
	c.Refresh("wlan0", dfs.StateCAC, chans)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.InterfaceState.WithLabelValues("wlan0", "DFS")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.InterfaceState.WithLabelValues("wlan0", "ENABLED")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.ChannelDFSState.WithLabelValues("wlan0", "52", "5260")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.ChannelDFSState.WithLabelValues("wlan0", "100", "5500")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.ChannelDFSState))

	c.Refresh("wlan0", dfs.StateEnabled, chans)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.InterfaceState.WithLabelValues("wlan0", "DFS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.InterfaceState.WithLabelValues("wlan0", "ENABLED")))
}

func TestRegisterTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := NewCollector(reg)
	require.NoError(t, err)
	b, err := NewCollector(reg)
	require.NoError(t, err)
	a.Publish(event(pkg.EventAPEnabled, nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.Events.WithLabelValues("wlan0", string(pkg.EventAPEnabled))))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := newCollector(t)
	c.Publish(event(pkg.EventRadarDetected, nil))

	rr := httptest.NewRecorder()
	c.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `dfsd_radar_events_total{chain="main",iface="wlan0"} 1`)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Publish(event(pkg.EventAPEnabled, nil))
		c.Refresh("wlan0", dfs.StateEnabled, nil)
	})
}
