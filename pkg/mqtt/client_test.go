package mqtt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/dfsd/pkg"
	"github.com/markus-lassfolk/dfsd/pkg/logx"
)

func newTestClient(queue int) (*Client, *[]*QueuedMessage) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.TopicPrefix = "site/ap1"
	cfg.QueueSize = queue
	cfg.RateLimit = 0
	c := NewClient(cfg, logx.NewTestLogger())
	var sent []*QueuedMessage
	c.publish = func(msg *QueuedMessage) error {
		sent = append(sent, msg)
		return nil
	}
	return c, &sent
}

// drain publishes everything queued so far.
func drain(t *testing.T, c *Client) {
	t.Helper()
	for {
		select {
		case msg := <-c.queue:
			require.NoError(t, c.send(context.Background(), msg))
		default:
			return
		}
	}
}

func TestPublishEventAndState(t *testing.T) {
	c, sent := newTestClient(16)
	ts := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	e := pkg.NewEvent(pkg.EventAPEnabled, "wlan0", ts)
	e.Freq, e.Channel, e.Width, e.CF1 = 5260, 52, 80, 5290
	c.Publish(e)
	drain(t, c)

	require.Len(t, *sent, 2)
	ev := (*sent)[0]
	assert.Equal(t, "site/ap1/wlan0/event", ev.Topic)
	assert.False(t, ev.Retain)
	var decoded pkg.Event
	require.NoError(t, json.Unmarshal(ev.Payload, &decoded))
	assert.Equal(t, pkg.EventAPEnabled, decoded.Type)
	assert.Equal(t, 5260, decoded.Freq)

	st := (*sent)[1]
	assert.Equal(t, "site/ap1/wlan0/state", st.Topic)
	assert.True(t, st.Retain)
	var state State
	require.NoError(t, json.Unmarshal(st.Payload, &state))
	assert.Equal(t, "enabled", state.Status)
	assert.Equal(t, 52, state.Channel)
	assert.Equal(t, 5290, state.CF1)
	assert.False(t, c.GetLastPublish().IsZero())
}

func TestStateOnlyForSummaryEvents(t *testing.T) {
	tests := []struct {
		name   string
		event  pkg.EventType
		bg     bool
		status string
		change bool
	}{
		{"enabled", pkg.EventAPEnabled, false, "enabled", true},
		{"disabled", pkg.EventAPDisabled, false, "disabled", true},
		{"cac", pkg.EventCACStart, false, "dfs", true},
		{"background cac", pkg.EventCACStart, true, "unknown", false},
		{"acs", pkg.EventACSStarted, false, "acs", true},
		{"no channel", pkg.EventNoChannel, false, "no-channel", true},
		{"csa keeps status", pkg.EventCSAFinished, false, "unknown", true},
		{"radar", pkg.EventRadarDetected, false, "unknown", false},
		{"nop", pkg.EventNOPFinished, false, "unknown", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &State{Iface: "wlan0", Status: "unknown"}
			e := pkg.NewEvent(tt.event, "wlan0", time.Now())
			e.Background = tt.bg
			assert.Equal(t, tt.change, applyEvent(st, e))
			assert.Equal(t, tt.status, st.Status)
		})
	}
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	c, sent := newTestClient(1)
	c.Publish(pkg.NewEvent(pkg.EventRadarDetected, "wlan0", time.Now()))
	c.Publish(pkg.NewEvent(pkg.EventRadarDetected, "wlan0", time.Now()))
	assert.Equal(t, 1, c.Dropped())
	drain(t, c)
	assert.Len(t, *sent, 1)
}

func TestPublishDisabled(t *testing.T) {
	c, sent := newTestClient(4)
	c.config.Enabled = false
	c.Publish(pkg.NewEvent(pkg.EventAPEnabled, "wlan0", time.Now()))
	drain(t, c)
	assert.Empty(t, *sent)
	assert.NoError(t, c.Run(context.Background()))
}

func TestRepublishStates(t *testing.T) {
	c, sent := newTestClient(16)
	c.Publish(pkg.NewEvent(pkg.EventAPEnabled, "wlan0", time.Now()))
	c.Publish(pkg.NewEvent(pkg.EventAPDisabled, "wlan1", time.Now()))
	drain(t, c)
	*sent = nil

	c.republishStates()
	drain(t, c)
	require.Len(t, *sent, 2)
	for _, msg := range *sent {
		assert.True(t, msg.Retain)
		assert.Contains(t, []string{"site/ap1/wlan0/state", "site/ap1/wlan1/state"}, msg.Topic)
	}
}

func TestPublishDirectNotConnected(t *testing.T) {
	c := NewClient(nil, logx.NewTestLogger())
	assert.ErrorIs(t, c.publishDirect(&QueuedMessage{Topic: "x"}), ErrNotConnected)
}
