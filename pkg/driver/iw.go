package driver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/markus-lassfolk/dfsd/pkg/acs"
	"github.com/markus-lassfolk/dfsd/pkg/channel"
	"github.com/markus-lassfolk/dfsd/pkg/dfs"
	"github.com/markus-lassfolk/dfsd/pkg/logx"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// IW drives an nl80211 radio through the iw(8) utility. Beaconing itself
// belongs to the AP daemon; StartAP and StopAP toggle the link.
type IW struct {
	ifname  string
	runner  Runner
	logger  *logx.Logger
	perf    *logx.PerformanceLogger
	timeout time.Duration

	mu      sync.Mutex
	handler dfs.EventHandler
}

// NewIW creates an iw backend. A nil runner executes the real binaries.
func NewIW(ifname string, runner Runner, logger *logx.Logger) *IW {
	if runner == nil {
		runner = execRunner{}
	}
	return &IW{
		ifname:  ifname,
		runner:  runner,
		logger:  logger,
		perf:    logx.NewPerformanceLogger(logger, time.Second),
		timeout: 10 * time.Second,
	}
}

// SetHandler sets the receiver of driver events.
func (d *IW) SetHandler(h dfs.EventHandler) {
	d.mu.Lock()
	d.handler = h
	d.mu.Unlock()
}

func (d *IW) deliver(ev dfs.DriverEvent) {
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	if h != nil {
		h.HandleDriverEvent(ev)
	}
}

// Performance returns the timing tracker of driver commands.
func (d *IW) Performance() *logx.PerformanceLogger {
	return d.perf
}

func (d *IW) run(op string, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	o := d.perf.StartOperation(op)
	out, err := d.runner.Run(ctx, name, args...)
	if err != nil {
		err = commandError(name, args, out, err)
	}
	o.Complete(err)
	return out, err
}

// commandError maps EBUSY to dfs.ErrBusy and wraps everything else.
func commandError(name string, args []string, out []byte, err error) error {
	msg := strings.TrimSpace(string(out))
	if strings.Contains(msg, "(-16)") || strings.Contains(strings.ToLower(msg), "resource busy") {
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), dfs.ErrBusy)
	}
	if msg != "" {
		return fmt.Errorf("%s %s: %s: %w", name, strings.Join(args, " "), msg, err)
	}
	return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
}

// freqArgs renders "freq <control> <width> [<cf1> [<cf2>]]".
func freqArgs(plan channel.Plan) []string {
	args := []string{"freq", strconv.Itoa(plan.Freq), widthArg(plan.Bandwidth)}
	if plan.Bandwidth != channel.BW20 {
		args = append(args, strconv.Itoa(plan.CenterFreq1()))
	}
	if cf2 := plan.CenterFreq2(); cf2 != 0 {
		args = append(args, strconv.Itoa(cf2))
	}
	return args
}

// RequestSurvey dumps the survey in the background and reports the
// samples of the requested frequencies.
func (d *IW) RequestSurvey(freqs []int) error {
	want := make(map[int]bool, len(freqs))
	for _, f := range freqs {
		want[f] = true
	}
	go func() {
		out, err := d.run("survey", "iw", "dev", d.ifname, "survey", "dump")
		if err != nil {
			d.logger.Warn("Survey dump failed", "iface", d.ifname, "error", err)
		}
		var samples []acs.SurveySample
		for _, s := range ParseSurveyDump(out) {
			if len(want) == 0 || want[s.Freq] {
				samples = append(samples, s)
			}
		}
		d.deliver(dfs.DriverEvent{Kind: dfs.SurveyDone, Samples: samples})
	}()
	return nil
}

// StartCAC triggers a CAC on the main chain. The kernel reports the
// outcome through radar events.
func (d *IW) StartCAC(plan channel.Plan, background bool) error {
	if background {
		return fmt.Errorf("background CAC: %w", ErrUnsupported)
	}
	args := append([]string{"dev", d.ifname, "cac", "trigger"}, freqArgs(plan)...)
	_, err := d.run("cac_trigger", "iw", args...)
	return err
}

// SwitchChannel sends a channel switch announcement on bss.
func (d *IW) SwitchChannel(bss string, plan channel.Plan, count uint8, blockTx bool) error {
	args := append([]string{"dev", bss, "switch"}, freqArgs(plan)...)
	args = append(args, "beacons", strconv.Itoa(int(count)))
	if blockTx {
		args = append(args, "block-tx")
	}
	_, err := d.run("switch", "iw", args...)
	return err
}

// UpdateBeacon is a no-op: the kernel updates beacons after a switch.
func (d *IW) UpdateBeacon(plan channel.Plan) error {
	return nil
}

// StartAP brings the link up.
func (d *IW) StartAP(plan channel.Plan) error {
	_, err := d.run("link_up", "ip", "link", "set", "dev", d.ifname, "up")
	return err
}

// StopAP takes the link down.
func (d *IW) StopAP() error {
	_, err := d.run("link_down", "ip", "link", "set", "dev", d.ifname, "down")
	return err
}

// Monitor runs "iw event -f" and forwards the radar and channel switch
// events of this interface until ctx is cancelled.
func (d *IW) Monitor(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "iw", "event", "-f")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open iw event output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start iw event: %w", err)
	}
	d.logger.Info("Monitoring iw events", "iface", d.ifname)
	d.consume(stdout)
	if err := cmd.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("iw event exited: %w", err)
	}
	return nil
}

func (d *IW) consume(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		iface, ev, ok := ParseEventLine(sc.Text())
		if !ok || iface != d.ifname {
			continue
		}
		d.logger.Debug("iw event", "iface", iface, "event", ev.Kind.String(), "range", ev.Range.String())
		d.deliver(ev)
	}
}

var (
	reEventIface = regexp.MustCompile(`^(?:\d+\.\d+: )?(\S+) \(phy #\d+\):`)
	reFreq       = regexp.MustCompile(`\bfreq[=: ]\s*(\d+)`)
	reWidth      = regexp.MustCompile(`\bwidth[=: ]\s*(80\+80|\d+)`)
	reCF1        = regexp.MustCompile(`\b(?:cf1|center1)[=: ]\s*(\d+)`)
	reCF2        = regexp.MustCompile(`\b(?:cf2|center2)[=: ]\s*(\d+)`)
)

var eventKinds = []struct {
	match string
	kind  dfs.DriverEventKind
}{
	{"radar detected", dfs.RadarDetected},
	{"cac started", dfs.CACStarted},
	{"cac finished", dfs.CACFinished},
	{"cac aborted", dfs.CACAborted},
	{"nop finished", dfs.NOPFinished},
	{"pre-cac expired", dfs.PreCACExpired},
	{"ch_switch_notify", dfs.ChannelSwitched},
}

// ParseEventLine parses one "iw event" line such as
//
//	wlan0 (phy #0): radar event: radar detected freq=5260 width=80 cf1=5290
//
// and reports the interface it belongs to.
func ParseEventLine(line string) (string, dfs.DriverEvent, bool) {
	m := reEventIface.FindStringSubmatch(line)
	if m == nil {
		return "", dfs.DriverEvent{}, false
	}
	lower := strings.ToLower(line)
	var ev dfs.DriverEvent
	found := false
	for _, k := range eventKinds {
		if strings.Contains(lower, k.match) {
			ev.Kind, found = k.kind, true
			break
		}
	}
	if !found {
		return "", dfs.DriverEvent{}, false
	}

	ev.Range.Freq = atoiMatch(reFreq, lower)
	if ev.Range.Freq == 0 {
		return "", dfs.DriverEvent{}, false
	}
	ev.Range.Bandwidth = channel.BW20
	if w := reWidth.FindStringSubmatch(lower); w != nil {
		if bw, err := channel.ParseBandwidth(w[1]); err == nil {
			ev.Range.Bandwidth = bw
		}
	}
	ev.Range.CF1 = atoiMatch(reCF1, lower)
	ev.Range.CF2 = atoiMatch(reCF2, lower)
	if ev.Range.CF1 == 0 {
		ev.Range.CF1 = ev.Range.Freq
	}
	ev.Background = strings.Contains(lower, "background")
	ev.Success = ev.Kind == dfs.CACFinished
	return m[1], ev, true
}

func atoiMatch(re *regexp.Regexp, s string) int {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}

// ParseSurveyDump parses "iw dev <if> survey dump" output.
func ParseSurveyDump(out []byte) []acs.SurveySample {
	var samples []acs.SurveySample
	var cur *acs.SurveySample
	flush := func() {
		if cur != nil && cur.Freq != 0 {
			samples = append(samples, *cur)
		}
		cur = nil
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "Survey data from") {
			flush()
			cur = &acs.SurveySample{}
			continue
		}
		if cur == nil {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fields := strings.Fields(val)
		if len(fields) == 0 {
			continue
		}
		n, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSpace(key) {
		case "frequency":
			cur.Freq = int(n)
		case "noise":
			cur.NoiseFloor = int16(n)
			cur.Filled |= acs.HasNoise
		case "channel active time":
			cur.ChannelTime = uint64(n)
			cur.Filled |= acs.HasChannelTime
		case "channel busy time":
			cur.BusyTime = uint64(n)
			cur.Filled |= acs.HasBusyTime
		case "channel receive time":
			cur.RxTime = uint64(n)
			cur.Filled |= acs.HasRxTime
		case "channel transmit time":
			cur.TxTime = uint64(n)
			cur.Filled |= acs.HasTxTime
		}
	}
	flush()
	return samples
}
