// Package api is the host-facing surface of perfseqd: JSON commands over
// TCP for control, and HTTP routes for status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"

	"github.com/nvmexp/lw-firmware-sub127/changeseq"
	"github.com/nvmexp/lw-firmware-sub127/daemon"
	"github.com/nvmexp/lw-firmware-sub127/jsonrpc"
	"github.com/nvmexp/lw-firmware-sub127/log"
	"github.com/nvmexp/lw-firmware-sub127/lowpower"
	"github.com/nvmexp/lw-firmware-sub127/perf"
	"github.com/nvmexp/lw-firmware-sub127/version"
)

// Commands accepted on the control port.
const (
	CmdChange        = "perf.change"
	CmdRestore       = "perf.restore"
	CmdClkRead       = "clk.read"
	CmdStatus        = "status"
	CmdVersion       = "version"
	CmdLowPowerEnter = "lowpower.enter"
	CmdLowPowerExit  = "lowpower.exit"
)

// CodeNoLowPower answers the lowpower commands when the feature is off.
const CodeNoLowPower = 1

// DefaultWait bounds how long a command waits for its completion.
const DefaultWait = 5 * time.Second

// ClockReader is implemented by chips that can read a domain back from
// hardware.
type ClockReader interface {
	ReadClock(ctx context.Context, d perf.ClockDomainID) (perf.ClockDomainSample, error)
}

type ChangeParams struct {
	Current *perf.ChangeDescriptor `json:"current"`
	Target  *perf.ChangeDescriptor `json:"target"`
	WaitMs  int                    `json:"wait_ms,omitempty"`
}

// RestoreParams default to the daemon's own last completed and last
// requested points.
type RestoreParams struct {
	LastCompleted *perf.ChangeDescriptor `json:"last_completed,omitempty"`
	LastRequested *perf.ChangeDescriptor `json:"last_requested,omitempty"`
	WaitMs        int                    `json:"wait_ms,omitempty"`
}

type ReadParams struct {
	Domain string `json:"domain"`
}

// Result reports a finished request.
type Result struct {
	ID          uuid.UUID       `json:"id"`
	Code        string          `json:"code"`
	Error       string          `json:"error,omitempty"`
	Diag        *changeseq.Diag `json:"diag,omitempty"`
	Substituted bool            `json:"substituted,omitempty"`
	Steps       int             `json:"steps"`
	ElapsedUs   int64           `json:"elapsed_us"`
}

// OK reports whether the request succeeded.
func (r *Result) OK() bool {
	return r.Code == codes.OK.String()
}

func resultOf(c daemon.Completion) *Result {
	r := &Result{
		ID:          c.ID,
		Code:        c.Code.String(),
		Diag:        c.Diag,
		Substituted: c.Substituted,
		Steps:       c.Steps,
		ElapsedUs:   c.Elapsed.Microseconds(),
	}
	if c.Err != nil {
		r.Error = c.Err.Error()
	}
	return r
}

type ClockReading struct {
	Domain    string                  `json:"domain"`
	Published *perf.ClockDomainSample `json:"published,omitempty"`
	Hardware  *perf.ClockDomainSample `json:"hardware,omitempty"`
}

// Service answers control commands for one daemon.
type Service struct {
	d  *daemon.Daemon
	lp *lowpower.Feature
}

// NewService serves d. lp may be nil when the low-power feature is off.
func NewService(d *daemon.Daemon, lp *lowpower.Feature) *Service {
	return &Service{d: d, lp: lp}
}

// Handle is a jsonrpc.ServerHandlerFunc.
func (s *Service) Handle(ctx context.Context, req *jsonrpc.APIRequest) interface{} {
	log.Debugf("api: %s %s", req.Command, req.Parameter)
	v, err := s.dispatch(ctx, req)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			return &jsonrpc.Response{Error: rpcErr}
		}
		return jsonrpc.ErrorResponse(jsonrpc.CodeBadParameter, err)
	}
	return jsonrpc.ResultResponse(v)
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func waitFor(ms int) time.Duration {
	if ms <= 0 {
		return DefaultWait
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Service) dispatch(ctx context.Context, req *jsonrpc.APIRequest) (interface{}, error) {
	switch req.Command {
	case CmdChange:
		var p ChangeParams
		if err := decode(req.Parameter, &p); err != nil {
			return nil, err
		}
		if p.Current == nil || p.Target == nil {
			return nil, errors.New("current and target are required")
		}
		return s.wait(ctx, s.d.RequestChange(p.Current, p.Target), waitFor(p.WaitMs))

	case CmdRestore:
		var p RestoreParams
		if err := decode(req.Parameter, &p); err != nil {
			return nil, err
		}
		if p.LastCompleted == nil {
			p.LastCompleted = s.d.LastCompleted()
		}
		if p.LastRequested == nil {
			p.LastRequested = s.d.LastRequested()
		}
		if p.LastCompleted == nil || p.LastRequested == nil {
			return nil, errors.New("nothing to restore yet")
		}
		return s.wait(ctx, s.d.RequestRestore(p.LastCompleted, p.LastRequested), waitFor(p.WaitMs))

	case CmdClkRead:
		var p ReadParams
		if err := decode(req.Parameter, &p); err != nil {
			return nil, err
		}
		return s.readClock(ctx, p.Domain)

	case CmdStatus:
		return s.d.Status(), nil

	case CmdVersion:
		return version.GetVersionConfig(s.d.Sequencer().Chip().Family()), nil

	case CmdLowPowerEnter:
		if s.lp == nil {
			return nil, &jsonrpc.Error{Code: CodeNoLowPower, Message: "low power feature disabled"}
		}
		if err := s.lp.SetLowPower(ctx); err != nil {
			return nil, err
		}
		go s.lp.Mon(ctx)
		return map[string]bool{"low_power": true}, nil

	case CmdLowPowerExit:
		if s.lp == nil {
			return nil, &jsonrpc.Error{Code: CodeNoLowPower, Message: "low power feature disabled"}
		}
		pending, err := s.lp.SetNormalPower(ctx)
		if err != nil {
			return nil, err
		}
		if pending == nil {
			return map[string]bool{"low_power": false}, nil
		}
		return s.wait(ctx, pending, DefaultWait)
	}
	return nil, &jsonrpc.Error{Code: jsonrpc.CodeUnknownCommand, Message: fmt.Sprintf("unknown command %q", req.Command)}
}

func (s *Service) wait(ctx context.Context, p *daemon.Pending, d time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	c, err := p.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("request %v still queued: %w", p.ID, err)
	}
	return resultOf(c), nil
}

func (s *Service) readClock(ctx context.Context, name string) (*ClockReading, error) {
	d, err := perf.ParseClockDomain(name)
	if err != nil {
		return nil, err
	}
	r := &ClockReading{Domain: d.String()}
	if sample, ok := s.d.Sequencer().Store().Read(d); ok {
		r.Published = &sample
	}
	if cr, ok := s.d.Sequencer().Chip().(ClockReader); ok {
		sample, err := cr.ReadClock(ctx, d)
		if err != nil {
			return nil, err
		}
		r.Hardware = &sample
	}
	return r, nil
}
