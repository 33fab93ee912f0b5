package changeseq

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nvmexp/lw-firmware-sub127/hal"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

// Error classes are carried as gRPC status codes:
//
//	InvalidArgument   malformed descriptor
//	Aborted           stale VF generation
//	Unimplemented     domain or feature not present on this chip
//	DeadlineExceeded  hardware acknowledgment timed out
//	Unavailable       any other HAL failure
//	Internal          internal consistency violation; the daemon halts
const (
	CodeStale        = codes.Aborted
	CodeNotSupported = codes.Unimplemented
	CodeInvalidState = codes.Internal
)

func IsStale(err error) bool {
	return status.Code(err) == CodeStale
}

func IsNotSupported(err error) bool {
	return status.Code(err) == CodeNotSupported
}

// IsInvalidState reports whether err must stop all further hardware
// programming.
func IsInvalidState(err error) bool {
	return status.Code(err) == CodeInvalidState
}

func invalidArgument(format string, args ...interface{}) error {
	return status.Errorf(codes.InvalidArgument, format, args...)
}

func notSupported(format string, args ...interface{}) error {
	return status.Errorf(CodeNotSupported, format, args...)
}

func invalidState(format string, args ...interface{}) error {
	return status.Errorf(CodeInvalidState, format, args...)
}

// StepError is the first failure of an executed script.
type StepError struct {
	Kind StepKind
	// Index is the position of the failing step in the script.
	Index int
	// Domain and TargetKHz name the clock being programmed, when there was
	// one.
	Domain    perf.ClockDomainID
	TargetKHz uint32
	Code      codes.Code
	Err       error
}

func (e *StepError) Error() string {
	if e.Domain != perf.ClkNone {
		return fmt.Sprintf("step %d (%v) %v@%dkHz: %v", e.Index, e.Kind, e.Domain, e.TargetKHz, e.Err)
	}
	return fmt.Sprintf("step %d (%v): %v", e.Index, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// GRPCStatus lets status.Code and status.FromError classify the failure.
func (e *StepError) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Error())
}

// halCode classifies an error returned by a HAL call.
func halCode(err error) codes.Code {
	switch {
	case errors.Is(err, hal.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, hal.ErrNoDomain):
		return CodeInvalidState
	}
	if c := status.Code(err); c != codes.Unknown && c != codes.OK {
		return c
	}
	return codes.Unavailable
}
