package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/markus-lassfolk/dfsd/pkg/ctrl"
	"github.com/markus-lassfolk/dfsd/pkg/uci"
)

// Command line flags
var (
	socketPath = flag.String("socket", uci.DefaultCtrlSocket, "Path to the dfsd control socket")
	iface      = flag.String("i", "", "Interface the command applies to")
	timeout    = flag.Duration("timeout", 10*time.Second, "Operation timeout")
	version    = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "dfsctl"
	AppVersion = "1.0.0"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [options] <command> [args]

Commands:
  PING                        check that the daemon answers
  INTERFACES                  list managed interfaces
  STATUS                      show interface state and operating channel
  CHANNELS                    show the channel table with DFS states
  EVENTS [n]                  show the most recent status events
  RADAR <kind> freq=<MHz> ... inject a driver radar or CAC event
  CHAN_SWITCH <count> <freq> [bandwidth=..] [center_freq1=..] ...
  DISABLE | ENABLE            stop or start the interface

Options:
`, AppName)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := ctrl.Send(ctx, *socketPath, buildCommand(*iface, flag.Args()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Print(resp)
	if strings.HasPrefix(resp, "FAIL") || strings.HasPrefix(resp, "UNKNOWN COMMAND") {
		os.Exit(1)
	}
}

func buildCommand(iface string, args []string) string {
	args = append([]string(nil), args...)
	args[0] = strings.ToUpper(args[0])
	cmd := strings.Join(args, " ")
	if iface != "" {
		cmd = "IFNAME=" + iface + " " + cmd
	}
	return cmd
}
