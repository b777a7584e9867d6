package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// cpu.go implements the Backend: the processor state machine composing the
// register file, memory map, SCS and exception state into the contract a
// pcode evaluator steps against.

// ErrHalted is returned by drivers when the processor is not runnable.
var ErrHalted = errors.New("vm: processor is not alive")

// Backend is the complete ARMv7-M processor core.
type Backend struct {
	regs RegisterFile
	psr  PSR

	control   Control
	primask   Primask
	faultmask Faultmask
	basepri   Basepri

	mainSP uint32
	procSP uint32

	mode        Mode
	handlerType ExceptionType // exception being handled while mode == ModeHandler
	status      Status
	halted      bool
	event       bool // single-bit EVENT register; set by SEV/wakeups, cleared by WFE.

	// nextPC is the address of the instruction after the one currently
	// executing, maintained by the evaluator so asynchronous exception entry
	// can compute its return address without a lifter.
	nextPC uint32

	mem        *MemoryMap
	scs        *SCS
	exceptions *ExceptionState
	events     EventQueue
	unique     *uniqueSpace

	vtor           uint32
	prigroup       uint8
	resetRequested bool
	sleepOnExit    bool
	deepSleep      bool
	sevOnPending   bool
	unalignedTrap  bool
	divByZeroTrap  bool

	scsResets map[int]uint32

	log *Logger
}

// New creates a Backend with an empty memory map and exception state, reset
// to the vector table's initial SP/PC once an image is loaded and Reset is run.
func New(opts ...OptionFn) *Backend {
	b := &Backend{
		mem:        NewMemoryMap(),
		exceptions: NewExceptionState(),
		unique:     newUniqueSpace(),
		mode:       ModeThread,
		status:     StatusAlive,
		log:        defaultLogger(),
	}

	for _, opt := range opts {
		opt(b)
	}

	b.scs = NewSCS(b.scsResets)

	return b
}

// OptionFn configures a Backend at construction.
type OptionFn func(*Backend)

// WithLogger overrides the Backend's logger.
func WithLogger(l *Logger) OptionFn {
	return func(b *Backend) { b.log = l }
}

// WithSCSReset overrides per-register reset values in the System Control
// Space, keyed by byte offset within the 4 KiB window.
func WithSCSReset(resets map[int]uint32) OptionFn {
	return func(b *Backend) { b.scsResets = resets }
}

// MapMem reserves plain memory in the Backend's address space.
func (b *Backend) MapMem(base Address, size uint32) error { return b.mem.MapMem(base, size) }

// MapMMIO installs a peripheral in the Backend's address space.
func (b *Backend) MapMMIO(p Peripheral) error { return b.mem.MapMMIO(p) }

// LoadImage loads a firmware image's segments into memory.
func (b *Backend) LoadImage(img Image) error { return b.mem.LoadImage(img) }

// Reset performs the architectural reset sequence: loads the initial main
// stack pointer and PC from the vector table at VTOR (0 until relocated),
// sets Thread/privileged/Thumb state, and clears exception state.
func (b *Backend) Reset() error {
	sp, err := b.readWord(Address(b.vtor + 0))
	if err != nil {
		return fmt.Errorf("vm: reset: reading initial SP: %w", err)
	}

	pc, err := b.readWord(Address(b.vtor + 4))
	if err != nil {
		return fmt.Errorf("vm: reset: reading initial PC: %w", err)
	}

	b.mainSP = sp
	b.regs[SP] = sp
	b.regs[PC] = pc &^ 1
	b.psr = PSR(0)
	b.psr.SetThumb(true)
	b.control = 0
	b.mode = ModeThread
	b.handlerType = 0
	b.status = StatusAlive
	b.resetRequested = false
	b.exceptions = NewExceptionState()
	b.scs.SyncExceptionState(b.exceptions)

	return nil
}

func (b *Backend) readWord(addr Address) (uint32, error) {
	data, err := b.LoadBytes(addr, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(data), nil
}

// ReadPC returns the current program counter.
func (b *Backend) ReadPC() Address { return Address(b.regs[PC]) }

// WritePC sets the program counter.
func (b *Backend) WritePC(addr Address) { b.regs[PC] = uint32(addr) }

// SetNextPC records the address of the following instruction, used as the
// return address for asynchronous exception entry.
func (b *Backend) SetNextPC(addr Address) { b.nextPC = uint32(addr) }

// ReadSP returns the active stack pointer (main or process, per CONTROL.SPSEL).
func (b *Backend) ReadSP() uint32 { return b.regs[SP] }

// WriteSP sets the active stack pointer.
func (b *Backend) WriteSP(v uint32) { b.regs[SP] = v }

// MainSP returns the main-bank stack pointer, which may be the inactive bank.
func (b *Backend) MainSP() uint32 {
	b.syncSPBank()
	return b.mainSP
}

// ProcessSP returns the process-bank stack pointer, which may be the inactive bank.
func (b *Backend) ProcessSP() uint32 {
	b.syncSPBank()
	return b.procSP
}

// SetMainSP sets the main-bank stack pointer, updating the live SP when the
// main bank is selected.
func (b *Backend) SetMainSP(v uint32) {
	b.mainSP = v
	if !b.usingPSP() {
		b.regs[SP] = v
	}
}

// SetProcessSP sets the process-bank stack pointer, updating the live SP
// when the process bank is selected.
func (b *Backend) SetProcessSP(v uint32) {
	b.procSP = v
	if b.usingPSP() {
		b.regs[SP] = v
	}
}

// ReadGPR returns the value of register r.
func (b *Backend) ReadGPR(r GPR) uint32 { return b.regs[r] }

// WriteGPR sets register r. Writes to PC take effect immediately; callers
// performing a branch should prefer WritePC for clarity.
func (b *Backend) WriteGPR(r GPR, v uint32) { b.regs[r] = v }

// PSR returns the current program status register.
func (b *Backend) PSR() PSR { return b.psr }

// SetPSR replaces the program status register.
func (b *Backend) SetPSR(p PSR) { b.psr = p }

// Mode returns the current execution mode.
func (b *Backend) Mode() Mode { return b.mode }

// HandlerException returns the exception being handled; only meaningful in
// Handler mode.
func (b *Backend) HandlerException() ExceptionType { return b.handlerType }

// Status returns the current run status.
func (b *Backend) Status() Status { return b.status }

// SetStatus replaces the run status; drivers use this to kill or halt the core.
func (b *Backend) SetStatus(s Status) { b.status = s }

// VTOR returns the current vector table offset.
func (b *Backend) VTOR() uint32 { return b.vtor }

// PriorityGrouping returns the current AIRCR.PRIGROUP value.
func (b *Backend) PriorityGrouping() uint8 { return b.prigroup }

// ResetRequested reports whether a system reset request event has been applied.
func (b *Backend) ResetRequested() bool { return b.resetRequested }

// Exceptions exposes the exception membership sets for drivers and tests.
func (b *Backend) Exceptions() *ExceptionState { return b.exceptions }

// Privileged reports whether the processor is currently executing with
// privileged access.
func (b *Backend) Privileged() bool { return b.control.Privileged(b.mode) }

// LogValue summarizes the processor state for structured log records.
func (b *Backend) LogValue() Value {
	return GroupValue(
		String("MODE", b.mode.String()),
		String("STATUS", b.status.String()),
		Uint32("PC", b.regs[PC]),
		Uint32("SP", b.regs[SP]),
		Uint32("LR", b.regs[LR]),
		String("PSR", b.psr.String()),
		Any("EXECPRI", b.CurrentExecutionPriority()),
	)
}

// Fetch returns length raw instruction bytes at addr with no decoding: the
// IR lifter is external, so the Backend only guarantees the bytes an
// instruction source can hand to one.
func (b *Backend) Fetch(addr Address, length int) ([]byte, error) {
	data, err := b.mem.ViewBytes(addr, length)
	if err != nil {
		return nil, fmt.Errorf("vm: fetch %s: %w", addr, err)
	}

	return data, nil
}

// LoadBytes reads length bytes at addr, routing through the SCS when addr
// falls in [0xE000E000, 0xE000F000) and through the memory map otherwise.
// Any Events a peripheral access raises are queued and drained immediately.
func (b *Backend) LoadBytes(addr Address, length int) ([]byte, error) {
	if b.scs != nil && b.scs.Contains(addr) {
		data, err := b.scs.Load(addr, length)
		if errors.Is(err, ErrInvalidSCSReg) {
			// Reserved holes are serviced as plain memory.
			b.log.Warn("read of unimplemented system control register", "addr", addr.String())
			return data, nil
		}

		return data, err
	}

	data, events, err := b.mem.LoadBytes(addr, length)
	if err != nil {
		return nil, err
	}

	for _, e := range events {
		b.events.Push(e)
	}

	if err := b.ProcessEvents(); err != nil {
		return nil, err
	}

	return data, nil
}

// StoreBytes writes src at addr, routing through the SCS or the memory map
// as LoadBytes does, and drains any Events the write raises.
func (b *Backend) StoreBytes(addr Address, src []byte) error {
	if b.scs != nil && b.scs.Contains(addr) {
		err := b.scs.Store(b, addr, src)

		switch {
		case errors.Is(err, ErrInvalidSCSReg):
			b.log.Warn("write to unimplemented system control register", "addr", addr.String())
		case err != nil:
			return err
		}

		return b.ProcessEvents()
	}

	events, err := b.mem.StoreBytes(addr, src)
	if err != nil {
		return err
	}

	for _, e := range events {
		b.events.Push(e)
	}

	return b.ProcessEvents()
}

// PendingEvents reports how many events are queued but not yet applied.
func (b *Backend) PendingEvents() int { return b.events.Len() }

// PushEvent queues an architectural event for the next drain; drivers use
// this to inject wakeups (SEV across processors, reset requests).
func (b *Backend) PushEvent(e Event) { b.events.Push(e) }

// ProcessEvents drains the event queue, applying every queued Event
// (including ones raised while applying earlier ones) to processor state,
// then refreshes the SCS registers that shadow exception state.
func (b *Backend) ProcessEvents() error {
	if err := b.events.DrainFIFO(b.handleEvent); err != nil {
		return err
	}

	b.scs.SyncExceptionState(b.exceptions)

	return nil
}

// Tick advances one processor cycle's worth of free-running peripheral and
// SysTick state, queuing and draining any Events raised.
func (b *Backend) Tick() error {
	b.scs.TickSysTick(b)

	for _, e := range b.mem.Tick() {
		b.events.Push(e)
	}

	return b.ProcessEvents()
}

// CurrentExecutionPriority returns the processor's boosted execution
// priority per §B1.5.4, combining active exceptions with BASEPRI/PRIMASK/FAULTMASK.
func (b *Backend) CurrentExecutionPriority() int16 {
	return CurrentExecutionPriority(b.exceptions, uint8(b.basepri), b.primask.Masked(), b.faultmask.Masked(), b.prigroup)
}

// currentExecutionPriorityIgnoringPRIMASK is the variant WFI's wakeup check
// uses: WFI resumes for an exception that would preempt if PRIMASK were 0.
func (b *Backend) currentExecutionPriorityIgnoringPRIMASK() int16 {
	return CurrentExecutionPriority(b.exceptions, uint8(b.basepri), false, b.faultmask.Masked(), b.prigroup)
}

// PendingException returns the highest-priority pending exception that is
// eligible to preempt the current execution priority, if any.
func (b *Backend) PendingException() (ExceptionType, bool) {
	return b.pendingExceptionAt(b.CurrentExecutionPriority())
}

func (b *Backend) pendingExceptionAt(current int16) (ExceptionType, bool) {
	best, found := ExceptionType(0), false

	for _, t := range b.exceptions.PendingExceptions() {
		if t.IsExternal() && !b.exceptions.Enabled(t) {
			continue
		}

		// Every priority preempts the idle level 256, which PriorityCompare's
		// 8-bit grouping cannot represent.
		p := b.exceptions.Priority(t)
		if current <= 0xFF && PriorityCompare(p, current, b.prigroup) >= 0 {
			continue
		}

		if !found || PriorityCompare(p, b.exceptions.Priority(best), b.prigroup) < 0 {
			best, found = t, true
		}
	}

	return best, found
}

// Event reports the single-bit EVENT register's state.
func (b *Backend) Event() bool { return b.event }

// IsWFEWakeupEvent reports whether a processor parked in WaitingForEvent
// should resume (§B1.5.18): the event register is set, debug is halting the
// core, or a pending exception is eligible to preempt.
func (b *Backend) IsWFEWakeupEvent() bool {
	if b.event {
		return true
	}

	if b.halted {
		return true
	}

	if _, ok := b.PendingException(); ok {
		return true
	}

	return false
}

// IsWFIWakeupEvent reports whether a processor parked in WaitingForInterrupt
// should resume (§B1.5.19): a reset request, debug halt, or a pending
// exception eligible under a PRIMASK-ignoring execution priority.
func (b *Backend) IsWFIWakeupEvent() bool {
	if b.halted {
		return true
	}

	if b.resetRequested {
		return true
	}

	if _, ok := b.pendingExceptionAt(b.currentExecutionPriorityIgnoringPRIMASK()); ok {
		return true
	}

	return false
}
