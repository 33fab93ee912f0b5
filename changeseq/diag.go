package changeseq

import (
	"fmt"

	"google.golang.org/grpc/codes"

	"github.com/nvmexp/lw-firmware-sub127/hal"
	"github.com/nvmexp/lw-firmware-sub127/perf"
)

// diagMagic tags word 0 of a mailbox record so the host can tell a
// sequencer record from stale mailbox contents.
const diagMagic = 0xc5ea

// Diag is the compact failure record posted to the host mailbox.
//
//	word 0: magic<<16 | step kind<<8 | domain
//	word 1: target frequency hint in kHz
//	word 2: status code
//	word 3: index of the failing step
type Diag struct {
	Kind      StepKind           `json:"kind"`
	Domain    perf.ClockDomainID `json:"domain"`
	TargetKHz uint32             `json:"target_khz"`
	Code      codes.Code         `json:"code"`
	Index     int                `json:"index"`
}

// Diag is the mailbox record for e.
func (e *StepError) Diag() Diag {
	return Diag{Kind: e.Kind, Domain: e.Domain, TargetKHz: e.TargetKHz, Code: e.Code, Index: e.Index}
}

func (d Diag) Encode() [hal.MailboxWords]uint32 {
	return [hal.MailboxWords]uint32{
		diagMagic<<16 | uint32(d.Kind)<<8 | uint32(d.Domain),
		d.TargetKHz,
		uint32(d.Code),
		uint32(d.Index),
	}
}

func DecodeDiag(w [hal.MailboxWords]uint32) (Diag, error) {
	if w[0]>>16 != diagMagic {
		return Diag{}, fmt.Errorf("mailbox word 0 %#08x is not a sequencer record", w[0])
	}
	return Diag{
		Kind:      StepKind(w[0] >> 8 & 0xff),
		Domain:    perf.ClockDomainID(w[0] & 0xff),
		TargetKHz: w[1],
		Code:      codes.Code(w[2]),
		Index:     int(w[3]),
	}, nil
}

func (d Diag) String() string {
	return fmt.Sprintf("step %d %v domain=%v target=%dkHz code=%v", d.Index, d.Kind, d.Domain, d.TargetKHz, d.Code)
}
