package ctrl

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/markus-lassfolk/dfsd/pkg/channel"
	"github.com/markus-lassfolk/dfsd/pkg/dfs"
)

// ErrUsage is wrapped by every command argument error.
var ErrUsage = errors.New("invalid arguments")

var radarKinds = map[string]dfs.DriverEventKind{
	"DETECTED":        dfs.RadarDetected,
	"CAC-STARTED":     dfs.CACStarted,
	"CAC-FINISHED":    dfs.CACFinished,
	"CAC-ABORTED":     dfs.CACAborted,
	"NOP-FINISHED":    dfs.NOPFinished,
	"PRE-CAC-EXPIRED": dfs.PreCACExpired,
}

// Request is one parsed control line.
type Request struct {
	Iface   string
	Command string
	Args    []string
}

// ParseRequest splits "[IFNAME=<iface>] COMMAND args...".
func ParseRequest(line string) (Request, error) {
	fields := strings.Fields(line)
	var req Request
	if len(fields) > 0 && strings.HasPrefix(fields[0], "IFNAME=") {
		req.Iface = strings.TrimPrefix(fields[0], "IFNAME=")
		fields = fields[1:]
	}
	if len(fields) == 0 {
		return req, fmt.Errorf("%w: empty command", ErrUsage)
	}
	req.Command = strings.ToUpper(fields[0])
	req.Args = fields[1:]
	return req, nil
}

// parseParams turns key=value words into a map. Bare words map to "1".
func parseParams(args []string) map[string]string {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok {
			v = "1"
		}
		out[strings.ToLower(k)] = v
	}
	return out
}

func intParam(params map[string]string, key string) (int, error) {
	v, ok := params[key]
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrUsage, key, v)
	}
	return n, nil
}

// ParseRadarCommand parses the arguments of
// RADAR <kind> freq=<f> [ht_enabled=<0|1>] [chan_offset=<o>] [chan_width=<w>]
// [cf1=<f>] [cf2=<f>] [background=1] [success=<0|1>].
func ParseRadarCommand(args []string) (dfs.DriverEvent, error) {
	if len(args) == 0 {
		return dfs.DriverEvent{}, fmt.Errorf("%w: missing radar event type", ErrUsage)
	}
	kind, ok := radarKinds[strings.ToUpper(args[0])]
	if !ok {
		return dfs.DriverEvent{}, fmt.Errorf("%w: unknown radar event %q", ErrUsage, args[0])
	}
	params := parseParams(args[1:])

	freq, err := intParam(params, "freq")
	if err != nil {
		return dfs.DriverEvent{}, err
	}
	if freq <= 0 {
		return dfs.DriverEvent{}, fmt.Errorf("%w: freq is required", ErrUsage)
	}
	offset, err := intParam(params, "chan_offset")
	if err != nil {
		return dfs.DriverEvent{}, err
	}
	cf1, err := intParam(params, "cf1")
	if err != nil {
		return dfs.DriverEvent{}, err
	}
	cf2, err := intParam(params, "cf2")
	if err != nil {
		return dfs.DriverEvent{}, err
	}

	bw := channel.BW20
	if w, ok := params["chan_width"]; ok {
		if bw, err = channel.ParseBandwidth(w); err != nil {
			return dfs.DriverEvent{}, fmt.Errorf("%w: %v", ErrUsage, err)
		}
	}
	if params["ht_enabled"] == "0" {
		bw = channel.BW20
	}

	switch {
	case bw == channel.BW20:
		cf1, cf2 = freq, 0
	case bw == channel.BW40 && cf1 == 0:
		if offset != 1 && offset != -1 {
			return dfs.DriverEvent{}, fmt.Errorf("%w: 40 MHz event needs cf1 or chan_offset", ErrUsage)
		}
		cf1 = freq + 10*offset
	case cf1 == 0:
		return dfs.DriverEvent{}, fmt.Errorf("%w: cf1 is required for %s MHz", ErrUsage, bw)
	}
	if bw == channel.BW80P80 && cf2 == 0 {
		return dfs.DriverEvent{}, fmt.Errorf("%w: cf2 is required for 80+80", ErrUsage)
	}

	return dfs.DriverEvent{
		Kind:       kind,
		Range:      channel.EventRange{Freq: freq, Bandwidth: bw, CF1: cf1, CF2: cf2},
		Background: params["background"] == "1",
		Success:    params["success"] != "0",
	}, nil
}

// ParseChanSwitch parses the arguments of
// CHAN_SWITCH <count> <freq> [bandwidth=<bw>] [sec_channel_offset=<o>]
// [center_freq1=<f>] [center_freq2=<f>] [punct_bitmap=<m>].
func ParseChanSwitch(band channel.Band, args []string) (channel.Plan, int, error) {
	if len(args) < 2 {
		return channel.Plan{}, 0, fmt.Errorf("%w: CHAN_SWITCH <count> <freq> [options]", ErrUsage)
	}
	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 || count > 255 {
		return channel.Plan{}, 0, fmt.Errorf("%w: count %q", ErrUsage, args[0])
	}
	freq, err := strconv.Atoi(args[1])
	if err != nil {
		return channel.Plan{}, 0, fmt.Errorf("%w: freq %q", ErrUsage, args[1])
	}
	params := parseParams(args[2:])

	bw := channel.BW20
	if w, ok := params["bandwidth"]; ok {
		if bw, err = channel.ParseBandwidth(w); err != nil {
			return channel.Plan{}, 0, fmt.Errorf("%w: %v", ErrUsage, err)
		}
	}
	offset, err := intParam(params, "sec_channel_offset")
	if err != nil {
		return channel.Plan{}, 0, err
	}
	cf1, err := intParam(params, "center_freq1")
	if err != nil {
		return channel.Plan{}, 0, err
	}
	cf2, err := intParam(params, "center_freq2")
	if err != nil {
		return channel.Plan{}, 0, err
	}
	if bw == channel.BW80P80 && cf2 == 0 {
		return channel.Plan{}, 0, fmt.Errorf("%w: center_freq2 is required for 80+80", ErrUsage)
	}

	plan, err := channel.NewPlan(band, freq, bw, offset, cf2)
	if err != nil {
		return channel.Plan{}, 0, err
	}
	if cf1 != 0 && bw != channel.BW20 && plan.CenterFreq1() != cf1 {
		return channel.Plan{}, 0, fmt.Errorf("%w: center_freq1 %d does not match %d", channel.ErrInvalidPlan, cf1, plan.CenterFreq1())
	}
	if v, ok := params["punct_bitmap"]; ok {
		m, err := strconv.ParseUint(v, 0, 16)
		if err != nil {
			return channel.Plan{}, 0, fmt.Errorf("%w: punct_bitmap %q", ErrUsage, v)
		}
		plan.PuncturedBitmap = uint16(m)
	}
	return plan, count, nil
}
