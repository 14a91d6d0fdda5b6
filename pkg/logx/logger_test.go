package logx

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("debug", "dfs")
	l.SetOutput(&buf)
	l.SetFormat("json")

	l.With("iface", "wlan1").Info("radar detected", "freq", 5260, "err", errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, `"iface":"wlan1"`)
	assert.Contains(t, out, `"freq":5260`)
	assert.Contains(t, out, `"err":"boom"`)
	assert.Contains(t, out, `"component":"dfs"`)
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("warn", "dfs")
	l.SetOutput(&buf)

	l.Info("hidden")
	assert.Empty(t, buf.String())

	l.SetLevel("info")
	l.Info("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestToFields(t *testing.T) {
	tests := []struct {
		name string
		in   []interface{}
		want map[string]interface{}
	}{
		{"pairs", []interface{}{"a", 1, "b", "x"}, map[string]interface{}{"a": 1, "b": "x"}},
		{"odd", []interface{}{"a"}, map[string]interface{}{"a": "(missing)"}},
		{"map", []interface{}{map[string]interface{}{"k": true}}, map[string]interface{}{"k": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := toFields(tt.in)
			for k, v := range tt.want {
				assert.Equal(t, v, got[k])
			}
		})
	}
}

func TestPerformanceLogger(t *testing.T) {
	pl := NewPerformanceLogger(NewTestLogger(), time.Second)
	base := time.Unix(1000, 0)
	ticks := []time.Time{base, base.Add(2 * time.Second), base.Add(3 * time.Second), base.Add(3500 * time.Millisecond)}
	i := 0
	pl.now = func() time.Time {
		t := ticks[i]
		i++
		return t
	}

	pl.StartOperation("switch").Complete(nil)
	pl.StartOperation("switch").Complete(errors.New("busy"))

	m := pl.GetMetric("switch")
	require.NotNil(t, m)
	assert.Equal(t, int64(2), m.Count)
	assert.Equal(t, int64(1), m.ErrorCount)
	assert.Equal(t, 2*time.Second, m.MaxDuration)
	assert.Equal(t, 500*time.Millisecond, m.MinDuration)
	assert.Equal(t, 1250*time.Millisecond, m.AvgDuration())
	assert.InDelta(t, 50.0, m.SuccessRate(), 0.001)
	assert.Nil(t, pl.GetMetric("cac"))
}
