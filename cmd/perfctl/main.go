// Command perfctl drives perfseqd's control port.
//
//	perfctl [-addr host:port] change CURRENT.json TARGET.json
//	perfctl restore
//	perfctl read DOMAIN
//	perfctl status | version
//	perfctl lowpower enter|exit
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nvmexp/lw-firmware-sub127/api"
	"github.com/nvmexp/lw-firmware-sub127/jsonrpc"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

var (
	addr    = flag.String("addr", "127.0.0.1:4028", "perfseqd control address.")
	timeout = flag.Duration("timeout", 10*time.Second, "Overall command timeout.")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] change CURRENT.json TARGET.json | restore | read DOMAIN | status | version | lowpower enter|exit\n", os.Args[0])
	flag.PrintDefaults()
}

func readPoint(path string) (*perf.ChangeDescriptor, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d perf.ChangeDescriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &d, nil
}

// request maps the command line onto a command and its parameters.
func request(args []string) (string, interface{}, interface{}, error) {
	switch {
	case len(args) == 3 && args[0] == "change":
		cur, err := readPoint(args[1])
		if err != nil {
			return "", nil, nil, err
		}
		tgt, err := readPoint(args[2])
		if err != nil {
			return "", nil, nil, err
		}
		return api.CmdChange, api.ChangeParams{Current: cur, Target: tgt}, &api.Result{}, nil
	case len(args) == 1 && args[0] == "restore":
		return api.CmdRestore, nil, &api.Result{}, nil
	case len(args) == 2 && args[0] == "read":
		return api.CmdClkRead, api.ReadParams{Domain: args[1]}, &api.ClockReading{}, nil
	case len(args) == 1 && args[0] == "status":
		return api.CmdStatus, nil, &json.RawMessage{}, nil
	case len(args) == 1 && args[0] == "version":
		return api.CmdVersion, nil, &json.RawMessage{}, nil
	case len(args) == 2 && args[0] == "lowpower" && args[1] == "enter":
		return api.CmdLowPowerEnter, nil, &json.RawMessage{}, nil
	case len(args) == 2 && args[0] == "lowpower" && args[1] == "exit":
		return api.CmdLowPowerExit, nil, &json.RawMessage{}, nil
	}
	return "", nil, nil, fmt.Errorf("bad command line %q", args)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	cmd, params, result, err := request(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c, err := jsonrpc.NewClient("tcp", *addr, *timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer c.Close()

	if err := c.Call(ctx, cmd, params, result); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	if r, ok := result.(*api.Result); ok && !r.OK() {
		os.Exit(1)
	}
}
