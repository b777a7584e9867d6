package vm

import (
	"encoding/binary"
	"fmt"
)

// helpers.go implements the exception entry and return sequences of §B1.5.6.
// Stack-frame layout is the architecture's eight-word basic frame; there is
// no floating-point extended frame because this core carries no FP extension.

const (
	frameSize      = 0x20
	framePtrAlign  = 1 << 9 // xPSR bit 9 carries the 8-byte realignment flag
	excReturnFixed = 0xFFFFFFF1
)

// ExcReturn is the special value loaded into PC by a handler's return
// branch: top nibble 0xF, SBOP ones, and mode bits selecting the target
// mode and stack.
type ExcReturn uint32

// IsExcReturn reports whether a branch target is an EXC_RETURN value rather
// than an instruction address.
func IsExcReturn(addr Address) bool { return uint32(addr)>>28 == 0xF }

func (e ExcReturn) excValue() uint32 { return uint32(e) >> 28 }
func (e ExcReturn) sbop() uint32     { return (uint32(e) >> 5) & 0x7FFFFF }
func (e ExcReturn) modeBits() uint32 { return uint32(e) & 0xF }

const (
	excReturnToHandler   = 0b0001
	excReturnToThreadMSP = 0b1001
	excReturnToThreadPSP = 0b1101
)

// usingPSP reports whether the process stack is the currently-selected bank.
func (b *Backend) usingPSP() bool {
	return b.control.SPSel() && b.mode == ModeThread
}

// syncSPBank flushes the live SP register into whichever bank is selected.
func (b *Backend) syncSPBank() {
	if b.usingPSP() {
		b.procSP = b.regs[SP]
	} else {
		b.mainSP = b.regs[SP]
	}
}

// reloadSP loads the live SP register from whichever bank is selected.
func (b *Backend) reloadSP() {
	if b.usingPSP() {
		b.regs[SP] = b.procSP
	} else {
		b.regs[SP] = b.mainSP
	}
}

// setSPSel switches the selected stack bank, keeping both side-slots and the
// live SP register consistent across the switch.
func (b *Backend) setSPSel(sel bool) {
	if b.control.SPSel() == sel {
		return
	}

	b.syncSPBank()
	b.control.SetSPSel(sel)
	b.reloadSP()
}

func (b *Backend) stkAlign() uint32 {
	return (b.scs.Word(offCCR) >> 9) & 1
}

func (b *Backend) nonBaseThrdEna() bool {
	return b.scs.Word(offCCR)&ccrNonBaseThrdEna != 0
}

// ExceptionEntry performs the §B1.5.6 entry sequence for typ: push the
// eight-word frame on the current stack, vector through VTOR, and switch to
// Handler mode on the main stack.
func (b *Backend) ExceptionEntry(typ ExceptionType) error {
	if err := b.pushStack(typ); err != nil {
		return err
	}

	return b.exceptionTaken(typ)
}

// pushStack stacks R0-R3, R12, LR, the return address and xPSR, realigning
// the frame to 8 bytes when CCR.STKALIGN demands it, and leaves LR holding
// the EXC_RETURN value for the mode being left.
func (b *Backend) pushStack(typ ExceptionType) error {
	b.syncSPBank()

	forcealign := b.stkAlign()
	spmask := ^(forcealign << 2)

	var oldSP uint32
	if b.usingPSP() {
		oldSP = b.procSP
	} else {
		oldSP = b.mainSP
	}

	frameptralign := (oldSP >> 2) & forcealign
	frameptr := (oldSP - frameSize) & spmask

	if b.usingPSP() {
		b.procSP = frameptr
	} else {
		b.mainSP = frameptr
	}

	b.regs[SP] = frameptr

	frame := [8]uint32{
		b.regs[R0], b.regs[R1], b.regs[R2], b.regs[R3],
		b.regs[R12], b.regs[LR],
		b.returnAddress(typ),
		uint32(b.psr)&^uint32(framePtrAlign) | frameptralign<<9,
	}

	buf := make([]byte, frameSize)
	for i, w := range frame {
		binary.LittleEndian.PutUint32(buf[i*4:], w)
	}

	if err := b.StoreBytes(Address(frameptr), buf); err != nil {
		return fmt.Errorf("%w: pushing exception frame at %#08x: %v", ErrSystem, frameptr, err)
	}

	if b.mode == ModeHandler {
		b.regs[LR] = excReturnFixed
	} else {
		lr := uint32(excReturnFixed | 1<<3)
		if b.control.SPSel() {
			lr |= 1 << 2
		}

		b.regs[LR] = lr
	}

	return nil
}

// returnAddress computes the address pushed in the frame's return slot
// (§B1.5.6 ReturnAddress): synchronous faults resume at the faulting
// instruction, asynchronous exceptions after the current one. The result is
// always halfword-aligned. HardFault, BusFault and DebugMonitor are treated
// as always synchronous; the reference manual leaves their classification
// open.
func (b *Backend) returnAddress(typ ExceptionType) uint32 {
	synchronous := true

	switch typ {
	case ExceptionNMI, ExceptionSVCall, ExceptionPendSV, ExceptionSysTick:
		synchronous = false
	default:
		if typ.IsExternal() {
			synchronous = false
		}
	}

	addr := b.regs[PC]
	if !synchronous && b.nextPC != 0 {
		addr = b.nextPC
	}

	return addr &^ 1
}

// exceptionTaken vectors to typ's handler (§B1.5.6 ExceptionTaken): scratch
// registers are clobbered to zero, the target is read from the vector table
// at VTOR, and the processor switches to Handler mode on the main stack.
func (b *Backend) exceptionTaken(typ ExceptionType) error {
	for _, r := range []GPR{R0, R1, R2, R3, R12} {
		b.regs[r] = 0
	}

	target, err := b.readWord(Address(b.vtor + typ.Offset()))
	if err != nil {
		return fmt.Errorf("%w: reading vector table entry for %s: %v", ErrSystem, typ, err)
	}

	b.regs[PC] = target &^ 1

	b.syncSPBank()
	b.mode = ModeHandler
	b.handlerType = typ

	b.psr.ZeroAPSR()
	b.psr.SetExceptionNumber(uint32(typ))
	b.psr.SetThumb(target&1 != 0)
	b.psr.ClearITState()

	b.control.SetFPCA(false)
	b.control.SetSPSel(false)
	b.reloadSP()

	if !b.exceptions.Pending(typ) {
		b.exceptions.SetPending(typ)
	}

	b.exceptions.SetActive(typ)
	b.scs.SyncExceptionState(b.exceptions)

	b.clearExclusiveLocal()
	b.event = true
	b.instructionSynchronizationBarrier()

	return nil
}

// ExceptionReturn performs the §B1.5.6 return sequence for an EXC_RETURN
// value branched to from Handler mode: validate the value, pop the frame
// from the selected stack, and restore the previous mode.
func (b *Backend) ExceptionReturn(exc ExcReturn) error {
	if exc.excValue() != 0xF {
		panic(fmt.Sprintf("vm: invalid EXC_RETURN %#08x", uint32(exc)))
	}

	if b.mode != ModeHandler {
		panic("vm: exception return outside Handler mode")
	}

	if exc.sbop() != 0x7FFFFF {
		return fmt.Errorf("%w: unexpected SBOP reserved field in EXC_RETURN %#08x", ErrUnpredictable, uint32(exc))
	}

	returning := ExceptionType(b.psr.ExceptionNumber())
	nested := b.exceptions.NumActive()

	if !b.exceptions.Active(returning) {
		b.log.Warn("returning from inactive handler is a usagefault")
		return b.returnUsageFault(returning, exc)
	}

	b.syncSPBank()

	var frameptr uint32

	switch mode := exc.modeBits(); {
	case mode == excReturnToHandler:
		b.control.SetSPSel(false)
		frameptr = b.mainSP
	case mode == excReturnToThreadMSP && (nested == 1 || b.nonBaseThrdEna()):
		b.control.SetSPSel(false)
		frameptr = b.mainSP
	case mode == excReturnToThreadPSP && (nested == 1 || b.nonBaseThrdEna()):
		b.control.SetSPSel(true)
		frameptr = b.procSP
	default:
		return b.returnUsageFault(returning, exc)
	}

	b.deactivateException(returning)

	target, psr, err := b.popStack(frameptr, exc)
	if err != nil {
		return err
	}

	b.psr = PSR(psr)

	excNum := b.psr.ExceptionNumber()

	if exc.modeBits() == excReturnToHandler {
		if excNum == 0 {
			// Popped IPSR inconsistent with a return to Handler mode:
			// re-push to negate the pop, then fault.
			if err := b.pushStack(ExceptionUsageFault); err != nil {
				return err
			}

			return b.returnUsageFault(returning, exc)
		}

		b.mode = ModeHandler
		b.handlerType = ExceptionType(excNum)
	} else {
		if excNum != 0 {
			if err := b.pushStack(ExceptionUsageFault); err != nil {
				return err
			}

			return b.returnUsageFault(returning, exc)
		}

		b.mode = ModeThread
		b.handlerType = 0
	}

	b.regs[PC] = target
	b.reloadSP()

	b.clearExclusiveLocal()
	b.event = true
	b.instructionSynchronizationBarrier()
	b.scs.SyncExceptionState(b.exceptions)

	if b.mode == ModeThread && b.exceptions.NumActive() == 0 && b.sleepOnExit {
		// SLEEPONEXIT behavior is implementation defined; modeled as a
		// plain status transition.
		b.status = StatusWaitingForInterrupt
	}

	return nil
}

// popStack restores R0-R3, R12 and LR from the frame and returns the target
// PC and xPSR words, advancing the stack bank named by the EXC_RETURN mode
// bits past the (possibly realigned) frame.
func (b *Backend) popStack(frameptr uint32, exc ExcReturn) (target, psr uint32, err error) {
	data, err := b.LoadBytes(Address(frameptr), frameSize)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: popping exception frame at %#08x: %v", ErrSystem, frameptr, err)
	}

	var frame [8]uint32
	for i := range frame {
		frame[i] = binary.LittleEndian.Uint32(data[i*4:])
	}

	b.regs[R0], b.regs[R1], b.regs[R2], b.regs[R3] = frame[0], frame[1], frame[2], frame[3]
	b.regs[R12] = frame[4]
	b.regs[LR] = frame[5]
	target, psr = frame[6], frame[7]

	forcealign := b.stkAlign()
	spmask := ((psr >> 9) & 1 & forcealign) << 2

	newSP := (frameptr + frameSize) | spmask

	if exc.modeBits() == excReturnToThreadPSP {
		b.procSP = newSP
	} else {
		b.mainSP = newSP
	}

	return target, psr, nil
}

// cfsrINVPC is UFSR.INVPC within the combined fault status register.
const cfsrINVPC = 1 << 18

// returnUsageFault aborts a malformed exception return by faulting instead:
// the UsageFault handler preempts with INVPC set and LR still holding the
// offending EXC_RETURN value.
func (b *Backend) returnUsageFault(returning ExceptionType, exc ExcReturn) error {
	b.deactivateException(returning)

	cfsr := b.scs.Word(offCFSR)
	b.scs.window.SetWord(offCFSR, cfsr|cfsrINVPC)

	b.regs[LR] = uint32(exc)

	return b.exceptionTaken(ExceptionUsageFault)
}

// deactivateException removes typ from the active set. FAULTMASK clears on
// any return except NMI; PRIMASK and BASEPRI are unchanged on exception exit.
func (b *Backend) deactivateException(typ ExceptionType) {
	b.exceptions.ClrActive(typ)

	if typ != ExceptionNMI {
		b.faultmask = 0
	}
}

// clearExclusiveLocal is the ClearExclusiveLocal placeholder: the exclusives
// protocol is not modeled.
func (b *Backend) clearExclusiveLocal() {}

// instructionSynchronizationBarrier has no observable effect in a
// single-stepped interpreter.
func (b *Backend) instructionSynchronizationBarrier() {}

// TakeException performs ExceptionEntry for the highest-priority eligible
// pending exception, if one exists, returning whether an exception was taken.
func (b *Backend) TakeException() (bool, error) {
	typ, ok := b.PendingException()
	if !ok {
		return false, nil
	}

	if err := b.ExceptionEntry(typ); err != nil {
		return false, err
	}

	if b.status == StatusWaitingForInterrupt || b.status == StatusWaitingForEvent {
		b.status = StatusAlive
	}

	return true, nil
}
