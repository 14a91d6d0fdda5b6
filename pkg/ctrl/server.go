// Package ctrl implements the dfsd control socket: a hostapd_cli style text
// protocol over a unix domain socket.
package ctrl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/markus-lassfolk/dfsd/pkg"
	"github.com/markus-lassfolk/dfsd/pkg/channel"
	"github.com/markus-lassfolk/dfsd/pkg/dfs"
	"github.com/markus-lassfolk/dfsd/pkg/logx"
)

const defaultEventCount = 32

// Target is a controllable interface. *dfs.Interface implements it.
type Target interface {
	Name() string
	Status() dfs.Status
	Table() *channel.Table
	HandleDriverEvent(ev dfs.DriverEvent)
	RequestChannelSwitch(plan channel.Plan)
	Disable()
	Enable()
}

// EventSource answers EVENTS queries. *telem.Store implements it.
type EventSource interface {
	GetEvents(iface string, since time.Time, limit int) []*pkg.Event
}

type handlerFunc func(t Target, args []string) (string, error)

// Server serves control requests. Each connection carries one request
// line and receives one response before it is closed.
type Server struct {
	path   string
	events EventSource
	logger *logx.Logger
	now    func() time.Time

	mu      sync.RWMutex
	targets map[string]Target
	methods map[string]handlerFunc

	wg sync.WaitGroup
}

// NewServer creates a control server listening on path once Serve runs.
func NewServer(path string, events EventSource, logger *logx.Logger) *Server {
	s := &Server{
		path:    path,
		events:  events,
		logger:  logger,
		now:     time.Now,
		targets: make(map[string]Target),
	}
	s.registerMethods()
	return s
}

func (s *Server) registerMethods() {
	s.methods = map[string]handlerFunc{
		"STATUS":      s.handleStatus,
		"CHANNELS":    s.handleChannels,
		"EVENTS":      s.handleEvents,
		"RADAR":       s.handleRadar,
		"CHAN_SWITCH": s.handleChanSwitch,
		"DISABLE":     s.handleDisable,
		"ENABLE":      s.handleEnable,
	}
}

// Register adds an interface.
func (s *Server) Register(t Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[t.Name()] = t
}

// Interfaces lists the registered interface names.
func (s *Server) Interfaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.targets))
	for name := range s.targets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (s *Server) target(name string) (Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name != "" {
		t, ok := s.targets[name]
		if !ok {
			return nil, fmt.Errorf("unknown interface %q", name)
		}
		return t, nil
	}
	if len(s.targets) != 1 {
		return nil, errors.New("interface required (IFNAME=<iface>)")
	}
	for _, t := range s.targets {
		return t, nil
	}
	return nil, nil
}

// Execute runs one request line and returns the response text.
func (s *Server) Execute(line string) string {
	req, err := ParseRequest(line)
	if err != nil {
		return fail(err)
	}
	switch req.Command {
	case "PING":
		return "PONG\n"
	case "INTERFACES":
		return strings.Join(s.Interfaces(), "\n") + "\n"
	}
	h, ok := s.methods[req.Command]
	if !ok {
		return "UNKNOWN COMMAND\n"
	}
	t, err := s.target(req.Iface)
	if err != nil {
		return fail(err)
	}
	out, err := h(t, req.Args)
	if err != nil {
		s.logger.Debug("Control command failed", "command", req.Command, "iface", t.Name(), "error", err)
		return fail(err)
	}
	return out
}

func fail(err error) string {
	return "FAIL " + err.Error() + "\n"
}

// Serve listens on the socket until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale control socket: %w", err)
	}
	l, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to listen on control socket: %w", err)
	}
	if err := os.Chmod(s.path, 0o660); err != nil {
		s.logger.Warn("Failed to restrict control socket permissions", "error", err)
	}
	s.logger.Info("Control socket listening", "path", s.path)

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				os.Remove(s.path)
				return nil
			}
			return fmt.Errorf("control socket accept failed: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return
	}
	if _, err := conn.Write([]byte(s.Execute(strings.TrimSpace(line)))); err != nil {
		s.logger.Debug("Failed to write control response", "error", err)
	}
}

func (s *Server) handleStatus(t Target, _ []string) (string, error) {
	st := t.Status()
	var b strings.Builder
	kv := func(k string, v interface{}) { fmt.Fprintf(&b, "%s=%v\n", k, v) }
	kv("iface", st.Iface)
	kv("state", st.State)
	if !st.Plan.IsZero() {
		kv("freq", st.Plan.Freq)
		kv("channel", st.Plan.Channel)
		kv("bandwidth", st.Plan.Bandwidth)
		kv("sec_chan_offset", st.Plan.SecondaryOffset)
		kv("seg0_idx", st.Plan.Seg0)
		kv("seg1_idx", st.Plan.Seg1)
		kv("cf1", st.Plan.CenterFreq1())
		kv("cf2", st.Plan.CenterFreq2())
		if st.Plan.PuncturedBitmap != 0 {
			kv("punct_bitmap", fmt.Sprintf("0x%x", st.Plan.PuncturedBitmap))
		}
	}
	kv("cac_active", boolInt(st.CACActive))
	if st.CACActive {
		kv("cac_time_seconds", int(st.CACTime/time.Second))
		left := st.CACTime - s.now().Sub(st.CACStart)
		if left < 0 {
			left = 0
		}
		kv("cac_time_left_seconds", int(left/time.Second))
	}
	kv("csa_in_flight", boolInt(st.CSAInFlight))
	if st.Background.Active() {
		kv("background_freq", st.Background.Plan.Freq)
		kv("background_bandwidth", st.Background.Plan.Bandwidth)
		kv("background_cac_started", boolInt(st.Background.CACStarted))
		kv("background_temp_primary", boolInt(st.Background.TempPrimary))
	}
	return b.String(), nil
}

func (s *Server) handleChannels(t Target, _ []string) (string, error) {
	var b strings.Builder
	for _, c := range t.Table().Channels() {
		fmt.Fprintf(&b, "chan=%d freq=%d radar=%d", c.Number, c.Freq, boolInt(c.Radar))
		if c.Radar {
			fmt.Fprintf(&b, " dfs_state=%s cac_time=%d", c.DFSState, int(c.CACTime/time.Second))
		}
		fmt.Fprintf(&b, " max_tx_power=%d disabled=%d indoor_only=%d widths=%s\n",
			c.MaxTxPower, boolInt(c.Disabled), boolInt(c.IndoorOnly), c.AllowedWidths)
	}
	return b.String(), nil
}

func (s *Server) handleEvents(t Target, args []string) (string, error) {
	if s.events == nil {
		return "", errors.New("event history disabled")
	}
	n := defaultEventCount
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 1 {
			return "", fmt.Errorf("%w: EVENTS [n]", ErrUsage)
		}
		n = v
	}
	var b strings.Builder
	for _, e := range s.events.GetEvents(t.Name(), time.Time{}, n) {
		fmt.Fprintf(&b, "%s %s\n", e.Timestamp.UTC().Format(time.RFC3339Nano), e.String())
	}
	return b.String(), nil
}

func (s *Server) handleRadar(t Target, args []string) (string, error) {
	ev, err := ParseRadarCommand(args)
	if err != nil {
		return "", err
	}
	s.logger.Info("Injecting driver event", "iface", t.Name(), "event", ev.Kind.String(), "range", ev.Range.String())
	t.HandleDriverEvent(ev)
	return "OK\n", nil
}

func (s *Server) handleChanSwitch(t Target, args []string) (string, error) {
	plan, count, err := ParseChanSwitch(t.Table().Band(), args)
	if err != nil {
		return "", err
	}
	s.logger.Info("Operator channel switch", "iface", t.Name(), "plan", plan.String(), "count", count)
	t.RequestChannelSwitch(plan)
	return "OK\n", nil
}

func (s *Server) handleDisable(t Target, _ []string) (string, error) {
	t.Disable()
	return "OK\n", nil
}

func (s *Server) handleEnable(t Target, _ []string) (string, error) {
	t.Enable()
	return "OK\n", nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
