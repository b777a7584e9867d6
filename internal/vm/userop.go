package vm

import (
	"errors"
	"fmt"
	"math/bits"
)

// userop.go implements CALLOTHER dispatch: a lookup table of (name, handler)
// pairs rather than a giant switch. The architectural intrinsics a Cortex-M
// firmware actually exercises have real bodies; every other name fails with
// ErrInvalidUserop carrying the name for diagnostics.

// ErrInvalidUserop is returned for a userop name with no registered handler.
var ErrInvalidUserop = errors.New("vm: invalid or unsupported userop")

// UseropFunc implements one CALLOTHER intrinsic. It may write output (nil if
// the userop produces no value) and may return a branch target, taken by the
// evaluator in place of normal fallthrough.
type UseropFunc func(b *Backend, output *Varnode, inputs []Varnode) (target Address, branch bool, err error)

var userops = map[string]UseropFunc{
	"count_leading_zeroes":         useropCountLeadingZeroes,
	"software_interrupt":           useropSoftwareInterrupt,
	"enable_irq_interrupts":        useropEnableIRQ,
	"enable_fiq_interrupts":        useropEnableFIQ,
	"disable_irq_interrupts":       useropDisableIRQ,
	"disable_fiq_interrupts":       useropDisableFIQ,
	"is_current_mode_privileged":   useropIsCurrentModePrivileged,
	"is_thread_mode":               useropIsThreadMode,
	"is_thread_mode_privileged":    useropIsThreadModePrivileged,
	"is_using_main_stack":          useropIsUsingMainStack,
	"set_thread_mode_privileged":   useropSetThreadModePrivileged,
	"set_base_priority":            useropSetBasePriority,
	"set_stack_mode":               useropSetStackMode,
	"wait_for_event":               useropWaitForEvent,
	"wait_for_interrupt":           useropWaitForInterrupt,
	"send_event":                   useropSendEvent,
	"data_memory_barrier":          useropBarrierNoOp,
	"data_synchronization_barrier": useropBarrierNoOp,
	"instruction_synchronization_barrier": useropBarrierNoOp,
	"has_exclusive_access":         useropHasExclusiveAccess,
	"exclusive_access":             useropExclusiveAccessNoOp,
}

// Userop dispatches a named CALLOTHER intrinsic.
func (b *Backend) Userop(name string, output *Varnode, inputs []Varnode) (Address, bool, error) {
	fn, ok := userops[name]
	if !ok {
		return 0, false, fmt.Errorf("%w: %s", ErrInvalidUserop, name)
	}

	return fn(b, output, inputs)
}

func useropCountLeadingZeroes(b *Backend, output *Varnode, inputs []Varnode) (Address, bool, error) {
	if output == nil || len(inputs) != 1 {
		return 0, false, fmt.Errorf("vm: count_leading_zeroes: expected 1 input and an output")
	}

	v, err := b.ReadVarnode(inputs[0])
	if err != nil {
		return 0, false, err
	}

	n := bits.LeadingZeros32(uint32(v)) - (32 - int(inputs[0].Size)*8)
	if n < 0 {
		n = 0
	}

	return 0, false, b.WriteVarnode(*output, uint64(n))
}

// useropSoftwareInterrupt implements the SVC instruction's userop: SVCall is
// taken immediately rather than arbitrated through the pending queue. The
// event handler supplies the architecturally-required pending step itself.
func useropSoftwareInterrupt(b *Backend, _ *Varnode, _ []Varnode) (Address, bool, error) {
	b.events.Push(Event{Kind: EventExceptionSetActive, ExceptionType: ExceptionSVCall})

	return 0, false, nil
}

func useropEnableIRQ(b *Backend, _ *Varnode, _ []Varnode) (Address, bool, error) {
	b.primask &^= 1
	return 0, false, nil
}

func useropEnableFIQ(b *Backend, _ *Varnode, _ []Varnode) (Address, bool, error) {
	b.faultmask &^= 1
	return 0, false, nil
}

func useropDisableIRQ(b *Backend, _ *Varnode, _ []Varnode) (Address, bool, error) {
	b.primask |= 1
	return 0, false, nil
}

func useropDisableFIQ(b *Backend, _ *Varnode, _ []Varnode) (Address, bool, error) {
	b.faultmask |= 1
	return 0, false, nil
}

func writeBool(b *Backend, output *Varnode, v bool) error {
	if output == nil {
		return fmt.Errorf("vm: userop requires an output varnode")
	}

	val := uint64(0)
	if v {
		val = 1
	}

	return b.WriteVarnode(*output, val)
}

func useropIsCurrentModePrivileged(b *Backend, output *Varnode, _ []Varnode) (Address, bool, error) {
	return 0, false, writeBool(b, output, b.Privileged())
}

func useropIsThreadMode(b *Backend, output *Varnode, _ []Varnode) (Address, bool, error) {
	return 0, false, writeBool(b, output, b.mode == ModeThread)
}

func useropIsThreadModePrivileged(b *Backend, output *Varnode, _ []Varnode) (Address, bool, error) {
	return 0, false, writeBool(b, output, b.mode == ModeThread && !b.control.NPriv())
}

func useropIsUsingMainStack(b *Backend, output *Varnode, _ []Varnode) (Address, bool, error) {
	usingMain := b.mode == ModeHandler || !b.control.SPSel()
	return 0, false, writeBool(b, output, usingMain)
}

func useropSetThreadModePrivileged(b *Backend, _ *Varnode, inputs []Varnode) (Address, bool, error) {
	if len(inputs) != 1 {
		return 0, false, fmt.Errorf("vm: set_thread_mode_privileged: expected 1 input")
	}

	v, err := b.ReadVarnode(inputs[0])
	if err != nil {
		return 0, false, err
	}

	b.control.SetNPriv(v&1 == 0)

	return 0, false, nil
}

func useropSetBasePriority(b *Backend, _ *Varnode, inputs []Varnode) (Address, bool, error) {
	if len(inputs) != 1 {
		return 0, false, fmt.Errorf("vm: set_base_priority: expected 1 input")
	}

	v, err := b.ReadVarnode(inputs[0])
	if err != nil {
		return 0, false, err
	}

	b.basepri = Basepri(uint8(v))

	return 0, false, nil
}

func useropSetStackMode(b *Backend, _ *Varnode, inputs []Varnode) (Address, bool, error) {
	if len(inputs) != 1 {
		return 0, false, fmt.Errorf("vm: set_stack_mode: expected 1 input")
	}

	v, err := b.ReadVarnode(inputs[0])
	if err != nil {
		return 0, false, err
	}

	b.setSPSel(v != 0)

	return 0, false, nil
}

func useropWaitForEvent(b *Backend, _ *Varnode, _ []Varnode) (Address, bool, error) {
	if b.event {
		b.event = false
		return 0, false, nil
	}

	b.events.Push(Event{Kind: EventSetProcessorStatus, Status: StatusWaitingForEvent})

	return 0, false, nil
}

func useropWaitForInterrupt(b *Backend, _ *Varnode, _ []Varnode) (Address, bool, error) {
	b.events.Push(Event{Kind: EventSetProcessorStatus, Status: StatusWaitingForInterrupt})
	return 0, false, nil
}

func useropSendEvent(b *Backend, _ *Varnode, _ []Varnode) (Address, bool, error) {
	b.events.Push(Event{Kind: EventSEVInstructionExecuted})
	return 0, false, nil
}

func useropBarrierNoOp(_ *Backend, _ *Varnode, _ []Varnode) (Address, bool, error) {
	return 0, false, nil
}

func useropHasExclusiveAccess(b *Backend, output *Varnode, _ []Varnode) (Address, bool, error) {
	return 0, false, writeBool(b, output, true)
}

func useropExclusiveAccessNoOp(_ *Backend, _ *Varnode, _ []Varnode) (Address, bool, error) {
	return 0, false, nil
}
