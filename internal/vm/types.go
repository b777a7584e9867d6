// Package vm implements an ARMv7-M (Cortex-M3/M4) processor core: register
// and memory state, the System Control Space, the exception/priority model,
// and the MMIO-aware memory map a pcode evaluator steps against.
package vm

import "fmt"

// Address is a byte address in the processor's 32-bit address space.
type Address uint32

func (a Address) String() string {
	return fmt.Sprintf("%#08x", uint32(a))
}

// Add returns the address offset by n bytes.
func (a Address) Add(n uint32) Address {
	return Address(uint32(a) + n)
}

// GPR names a general-purpose or banked special register in the register file.
type GPR uint8

// General purpose and special-purpose registers, as indexed in the register file.
const (
	R0 GPR = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	SP // R13, banked: holds the currently-selected stack pointer.
	LR // R14, link register.
	PC // R15, program counter.

	NumGPR
)

func (r GPR) String() string {
	if r <= R12 {
		return fmt.Sprintf("R%d", r)
	}

	switch r {
	case SP:
		return "SP"
	case LR:
		return "LR"
	case PC:
		return "PC"
	default:
		return fmt.Sprintf("GPR(%d)", uint8(r))
	}
}

// RegisterFile holds the sixteen core registers. SP reflects whichever bank
// (main or process) is currently selected; the inactive bank is kept in
// Backend.mainSP/procSP.
type RegisterFile [NumGPR]uint32

func (rf RegisterFile) LogValue() Value {
	attrs := make([]Attr, 0, NumGPR)
	for i := GPR(0); i < NumGPR; i++ {
		attrs = append(attrs, Uint32(i.String(), rf[i]))
	}

	return GroupValue(attrs...)
}

// Mode is the processor's execution mode.
type Mode uint8

const (
	ModeThread Mode = iota
	ModeHandler
	ModeDebug
)

func (m Mode) String() string {
	switch m {
	case ModeThread:
		return "Thread"
	case ModeHandler:
		return "Handler"
	case ModeDebug:
		return "Debug"
	default:
		return "Mode(?)"
	}
}

// Status is the processor's run status, independent of execution Mode.
type Status uint8

const (
	StatusAlive Status = iota
	StatusWaitingForEvent
	StatusWaitingForInterrupt
	StatusHalted
	StatusKilled
)

func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "Alive"
	case StatusWaitingForEvent:
		return "WaitingForEvent"
	case StatusWaitingForInterrupt:
		return "WaitingForInterrupt"
	case StatusHalted:
		return "Halted"
	case StatusKilled:
		return "Killed"
	default:
		return "Status(?)"
	}
}

// PSR is the combined program status register: APSR (flags) | IPSR (exception
// number) | EPSR (Thumb/IT state) packed into one 32-bit word, exactly as the
// architecture defines xPSR.
type PSR uint32

const (
	psrNMask   = 1 << 31
	psrZMask   = 1 << 30
	psrCMask   = 1 << 29
	psrVMask   = 1 << 28
	psrQMask   = 1 << 27
	psrICI2    = 0x3 << 25 // ICI/IT[1:0], bits 26:25
	psrThumb   = 1 << 24
	psrGEMask  = 0xf << 16
	psrICI1    = 0x3f << 10 // ICI/IT[7:2], bits 15:10
	psrExcMask = 0x1ff
)

func (p PSR) N() bool { return p&psrNMask != 0 }
func (p PSR) Z() bool { return p&psrZMask != 0 }
func (p PSR) C() bool { return p&psrCMask != 0 }
func (p PSR) V() bool { return p&psrVMask != 0 }
func (p PSR) Q() bool { return p&psrQMask != 0 }

func setBit(p PSR, mask uint32, v bool) PSR {
	if v {
		return p | PSR(mask)
	}

	return p &^ PSR(mask)
}

func (p *PSR) SetN(v bool) { *p = setBit(*p, psrNMask, v) }
func (p *PSR) SetZ(v bool) { *p = setBit(*p, psrZMask, v) }
func (p *PSR) SetC(v bool) { *p = setBit(*p, psrCMask, v) }
func (p *PSR) SetV(v bool) { *p = setBit(*p, psrVMask, v) }
func (p *PSR) SetQ(v bool) { *p = setBit(*p, psrQMask, v) }

// ExceptionNumber returns IPSR's 9-bit exception number field (0 in Thread mode).
func (p PSR) ExceptionNumber() uint32 {
	return uint32(p) & psrExcMask
}

func (p *PSR) SetExceptionNumber(n uint32) {
	*p = PSR(uint32(*p)&^psrExcMask | (n & psrExcMask))
}

// Thumb returns EPSR.T. ARMv7-M always executes Thumb code, so this is
// expected to be set whenever the processor is not mid-reset.
func (p PSR) Thumb() bool { return p&psrThumb != 0 }

func (p *PSR) SetThumb(v bool) { *p = setBit(*p, psrThumb, v) }

// ClearITState clears EPSR's IT/ICI bits, as exception entry requires.
func (p *PSR) ClearITState() {
	*p = *p &^ PSR(psrICI1|psrICI2)
}

// APSR returns the flag bits only (N,Z,C,V,Q,GE), matching what MRS APSR reads.
func (p PSR) APSR() uint32 {
	return uint32(p) & (psrNMask | psrZMask | psrCMask | psrVMask | psrQMask | psrGEMask)
}

// ZeroAPSR clears the flag bits as required on exception entry.
func (p *PSR) ZeroAPSR() {
	*p = *p &^ PSR(psrNMask|psrZMask|psrCMask|psrVMask|psrQMask|psrGEMask)
}

func (p PSR) String() string {
	return fmt.Sprintf("xPSR(%#08x) N:%t Z:%t C:%t V:%t EXC:%d T:%t",
		uint32(p), p.N(), p.Z(), p.C(), p.V(), p.ExceptionNumber(), p.Thumb())
}

// Control is the CONTROL special register.
type Control uint8

const (
	ControlNPRIV Control = 1 << 0 // nPRIV: 1 selects unprivileged Thread execution.
	ControlSPSEL Control = 1 << 1 // SPSEL: 1 selects the process stack pointer in Thread mode.
	ControlFPCA  Control = 1 << 2 // FPCA: floating-point context active (unused; no FP extension).
)

func (c Control) NPriv() bool { return c&ControlNPRIV != 0 }
func (c Control) SPSel() bool { return c&ControlSPSEL != 0 }
func (c Control) FPCA() bool  { return c&ControlFPCA != 0 }

func (c *Control) SetNPriv(v bool) { *c = Control(setBit(PSR(*c), uint32(ControlNPRIV), v)) }
func (c *Control) SetSPSel(v bool) { *c = Control(setBit(PSR(*c), uint32(ControlSPSEL), v)) }
func (c *Control) SetFPCA(v bool)  { *c = Control(setBit(PSR(*c), uint32(ControlFPCA), v)) }

// Privilege reports the privilege level implied by CONTROL and Mode: Handler
// mode is always privileged regardless of CONTROL.nPRIV.
func (c Control) Privileged(mode Mode) bool {
	return mode == ModeHandler || !c.NPriv()
}

// PRIMASK, FAULTMASK and BASEPRI are the remaining exception-mask special registers.
type (
	Primask   uint8
	Faultmask uint8
	Basepri   uint8
)

func (p Primask) Masked() bool   { return p&1 != 0 }
func (f Faultmask) Masked() bool { return f&1 != 0 }
