package regdomain

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/dfsd/pkg/channel"
)

func find(t *testing.T, chans []channel.Channel, num int) channel.Channel {
	t.Helper()
	for _, c := range chans {
		if c.Number == num {
			return c
		}
	}
	t.Fatalf("channel %d missing", num)
	return channel.Channel{}
}

func TestParseCountry(t *testing.T) {
	tests := []struct {
		in      string
		code    string
		env     Environment
		wantErr bool
	}{
		{"DE", "DE", EnvAny, false},
		{"deo", "DE", EnvOutdoor, false},
		{"USI", "US", EnvIndoor, false},
		{"US ", "US", EnvAny, false},
		{"D", "", EnvAny, true},
		{"DEX", "", EnvAny, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			code, env, err := ParseCountry(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.env, env)
		})
	}
}

func TestLookup(t *testing.T) {
	d, err := Lookup("DE")
	require.NoError(t, err)
	assert.True(t, d.ETSI())

	d, err = Lookup("FR")
	require.NoError(t, err)
	assert.Equal(t, "FR", d.Country)
	assert.True(t, d.ETSI())

	d, err = Lookup("US")
	require.NoError(t, err)
	assert.False(t, d.ETSI())
	assert.Equal(t, "FCC", d.Region.String())

	_, err = Lookup("ZZ")
	assert.ErrorIs(t, err, ErrUnknownCountry)
}

func TestETSIChannels(t *testing.T) {
	d, err := Lookup("DE")
	require.NoError(t, err)
	chans := d.Channels(channel.Band5G, Options{IEEE80211H: true})

	c36 := find(t, chans, 36)
	assert.False(t, c36.Radar)
	assert.True(t, c36.IndoorOnly)
	assert.Equal(t, int16(23), c36.MaxTxPower)
	assert.True(t, c36.AllowedWidths.Has(channel.Width160))

	c52 := find(t, chans, 52)
	assert.True(t, c52.Radar)
	assert.Equal(t, channel.DFSUsable, c52.DFSState)
	assert.Equal(t, DefaultCACTime, c52.CACTime)

	assert.Equal(t, 600*time.Second, find(t, chans, 120).CACTime)
	assert.Equal(t, 600*time.Second, find(t, chans, 128).CACTime)
	assert.Equal(t, DefaultCACTime, find(t, chans, 132).CACTime)

	// 140 is the last channel inside 5470-5725; 144 crosses the edge.
	assert.False(t, find(t, chans, 140).Disabled)
	assert.True(t, find(t, chans, 144).Disabled)
	assert.False(t, find(t, chans, 140).AllowedWidths.Has(channel.Width40))

	// 149-161 are capped at 80 MHz.
	c149 := find(t, chans, 149)
	assert.True(t, c149.AllowedWidths.Has(channel.Width80))
	assert.False(t, c149.AllowedWidths.Has(channel.Width160))
}

func TestRadarChannelsDisabledWithout80211h(t *testing.T) {
	d, err := Lookup("US")
	require.NoError(t, err)
	chans := d.Channels(channel.Band5G, Options{})

	assert.True(t, find(t, chans, 52).Disabled)
	assert.True(t, find(t, chans, 100).Disabled)
	assert.False(t, find(t, chans, 36).Disabled)
	assert.False(t, find(t, chans, 36).AllowedWidths.Has(channel.Width160), "160 needs 52-64")
	assert.True(t, find(t, chans, 36).AllowedWidths.Has(channel.Width80))
}

func Test2GHzChannels(t *testing.T) {
	us, err := Lookup("US")
	require.NoError(t, err)
	chans := us.Channels(channel.Band2G, Options{IEEE80211H: true})
	assert.Len(t, chans, 14)
	assert.True(t, find(t, chans, 14).Disabled)
	assert.True(t, find(t, chans, 1).AllowedWidths.Has(channel.Width40))
	assert.True(t, find(t, chans, 11).AllowedWidths.Has(channel.Width40))

	jp, err := Lookup("JP")
	require.NoError(t, err)
	chans = jp.Channels(channel.Band2G, Options{IEEE80211H: true})
	c14 := find(t, chans, 14)
	assert.False(t, c14.Disabled)
	assert.Equal(t, channel.Width20, c14.AllowedWidths)
}

func TestApplyMergesCapabilities(t *testing.T) {
	d, err := Lookup("US")
	require.NoError(t, err)
	caps := []channel.Channel{
		{Number: 36, Freq: 5180, AllowedWidths: channel.Width20 | channel.Width40, MaxTxPower: 20},
		{Number: 40, Freq: 5200, AllowedWidths: channel.WidthAll, MaxTxPower: 30},
		{Number: 52, Freq: 5260, AllowedWidths: channel.WidthAll, DFSState: channel.DFSAvailable},
		{Number: 169, Freq: 5845, AllowedWidths: channel.WidthAll},
	}
	out := d.Apply(channel.Band5G, caps, Options{IEEE80211H: true})

	assert.Equal(t, int16(20), out[0].MaxTxPower)
	assert.Equal(t, channel.Width20|channel.Width40, out[0].AllowedWidths)
	assert.Equal(t, int16(23), out[1].MaxTxPower)
	assert.True(t, out[2].Radar)
	assert.Equal(t, channel.DFSAvailable, out[2].DFSState)
	assert.True(t, out[3].Disabled)
	assert.Equal(t, int16(30), caps[1].MaxTxPower, "input untouched")
}

func TestParseCapabilities(t *testing.T) {
	dump := `{
		"band": "5g",
		"channels": [
			{"freq": 5180, "max_tx_power": 23, "widths": ["20", "40", "80"]},
			{"freq": 5260, "max_tx_power": 23, "radar": true, "cac_time_ms": 60000},
			{"freq": 5500, "radar": true, "dfs_state": "available"}
		]
	}`
	path := filepath.Join(t.TempDir(), "caps.json")
	require.NoError(t, os.WriteFile(path, []byte(dump), 0o644))

	band, chans, err := LoadCapabilities(path)
	require.NoError(t, err)
	assert.Equal(t, channel.Band5G, band)
	require.Len(t, chans, 3)

	assert.Equal(t, 36, chans[0].Number)
	assert.Equal(t, channel.Width20|channel.Width40|channel.Width80, chans[0].AllowedWidths)
	assert.Equal(t, channel.DFSUsable, chans[1].DFSState)
	assert.Equal(t, time.Minute, chans[1].CACTime)
	assert.Equal(t, channel.DFSAvailable, chans[2].DFSState)
}

func TestParseCapabilitiesErrors(t *testing.T) {
	tests := []struct {
		name string
		dump string
	}{
		{"bad json", `{`},
		{"bad band", `{"band": "7g"}`},
		{"wrong band", `{"band": "2g", "channels": [{"freq": 5180}]}`},
		{"bad width", `{"band": "5g", "channels": [{"freq": 5180, "widths": ["90"]}]}`},
		{"bad state", `{"band": "5g", "channels": [{"freq": 5260, "radar": true, "dfs_state": "cac"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseCapabilities([]byte(tt.dump))
			assert.Error(t, err)
		})
	}
}
