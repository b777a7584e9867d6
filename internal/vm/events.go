package vm

// events.go implements the architectural event queue: a single Event struct
// carrying a kind discriminant plus payload fields, since Go has no tagged
// union. handleEvent translates each SCS-register or peripheral side effect
// into processor-state mutation after the triggering access completes.

// EventKind discriminates the payload carried by an Event.
type EventKind uint8

const (
	EventSetProcessorStatus EventKind = iota
	EventExceptionSetActive
	EventExceptionClrActive
	EventExceptionClrAllActive
	EventExceptionSetPending
	EventExceptionClrPending
	EventExceptionSetPriority
	EventExceptionEnable
	EventExceptionDisable
	EventVectorTableOffsetWrite
	EventVectorKeyWrite
	EventLocalSysResetRequest
	EventExternSysResetRequest
	EventSetPriorityGrouping
	EventSetSleepOnExit
	EventSetDeepSleep
	EventSetSEVOnPending
	EventSetUnalignedTrap
	EventSetDivByZeroTrap
	EventFaultStatusClr
	EventDebugHalt
	EventDebugUnhalt
	EventSEVInstructionExecuted
	EventPeripheral
)

// Event is a single queued side effect of an SCS register write or a
// peripheral access. Only the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	ExceptionType ExceptionType
	Bool          bool
	U32           uint32
	U8            uint8
	Status        Status

	Peripheral     Peripheral
	PeripheralKind PeripheralEventKind
}

// EventQueue is a FIFO of pending Events. Handling one Event is allowed to
// push more (e.g. a peripheral interrupt-enable event pushing a pending-set
// event); drains run until the queue is empty.
type EventQueue struct {
	q []Event
}

// Push enqueues an Event.
func (q *EventQueue) Push(e Event) { q.q = append(q.q, e) }

// Len reports the number of queued events.
func (q *EventQueue) Len() int { return len(q.q) }

// Pop removes and returns the oldest queued Event.
func (q *EventQueue) Pop() (Event, bool) {
	if len(q.q) == 0 {
		return Event{}, false
	}

	e := q.q[0]
	q.q = q.q[1:]

	return e, true
}

// RemoveFirst drops the oldest queued event of the given kind, if one is
// still queued, reporting whether anything was removed. Used to withdraw a
// not-yet-consumed reset request on AIRCR.SYSRESETREQ's falling edge.
func (q *EventQueue) RemoveFirst(kind EventKind) bool {
	for i, e := range q.q {
		if e.Kind == kind {
			q.q = append(q.q[:i], q.q[i+1:]...)
			return true
		}
	}

	return false
}

// DrainFIFO repeatedly pops and applies events via apply until the queue is
// empty, including any events apply itself pushes back onto the queue.
func (q *EventQueue) DrainFIFO(apply func(Event) error) error {
	for {
		e, ok := q.Pop()
		if !ok {
			return nil
		}

		if err := apply(e); err != nil {
			return err
		}
	}
}

// handleEvent applies a single Event to the processor. It may push further
// events onto b.events; the drain loop picks them up in order.
func (b *Backend) handleEvent(e Event) error {
	switch e.Kind {
	case EventSetProcessorStatus:
		b.status = e.Status

	case EventExceptionSetActive:
		// Activation architecturally requires prior pending membership; an
		// event source that skips the pending step (ICSR.NMIPENDSET, SHCSR
		// active bits, SVCall) is healed here rather than tripping the
		// ExceptionState invariant.
		if !b.exceptions.Pending(e.ExceptionType) {
			b.exceptions.SetPending(e.ExceptionType)
		}

		b.exceptions.SetActive(e.ExceptionType)
	case EventExceptionClrActive:
		b.exceptions.ClrActive(e.ExceptionType)
	case EventExceptionClrAllActive:
		b.exceptions.ClrAllActive()
	case EventExceptionSetPending:
		b.setPendingWithWakeup(e.ExceptionType)
	case EventExceptionClrPending:
		b.exceptions.ClrPending(e.ExceptionType)
	case EventExceptionSetPriority:
		b.exceptions.SetPriority(e.ExceptionType, int16(e.U32))
	case EventExceptionEnable:
		b.exceptions.Enable(e.ExceptionType)
	case EventExceptionDisable:
		b.exceptions.Disable(e.ExceptionType)

	case EventVectorTableOffsetWrite:
		b.vtor = e.U32

	case EventVectorKeyWrite:
		// VECTKEY is validated by the SCS write path; a reaching event means
		// the key matched, nothing further to record.

	case EventLocalSysResetRequest:
		b.resetRequested = true
	case EventExternSysResetRequest:
		b.resetRequested = true

	case EventSetPriorityGrouping:
		b.prigroup = e.U8

	case EventSetSleepOnExit:
		b.sleepOnExit = e.Bool
	case EventSetDeepSleep:
		b.deepSleep = e.Bool
	case EventSetSEVOnPending:
		b.sevOnPending = e.Bool
	case EventSetUnalignedTrap:
		b.unalignedTrap = e.Bool
	case EventSetDivByZeroTrap:
		b.divByZeroTrap = e.Bool

	case EventFaultStatusClr:
		// Fault status registers are write-1-to-clear bitmasks stored
		// directly by the SCS component; this event exists so future fault
		// injection can observe the clear without re-reading SCS state.

	case EventDebugHalt:
		b.halted = true
	case EventDebugUnhalt:
		b.halted = false

	case EventSEVInstructionExecuted:
		b.event = true

		if b.status == StatusWaitingForEvent {
			b.status = StatusAlive
		}

	case EventPeripheral:
		return b.handlePeripheralEvent(e)
	}

	return nil
}

func (b *Backend) handlePeripheralEvent(e Event) error {
	switch e.PeripheralKind {
	case PeripheralEnableInterrupt:
		b.exceptions.Enable(ExternalInterrupt(e.U32))
	case PeripheralDisableInterrupt:
		b.exceptions.Disable(ExternalInterrupt(e.U32))
	case PeripheralFireInterrupt:
		if b.exceptions.Enabled(ExternalInterrupt(e.U32)) {
			b.setPendingWithWakeup(ExternalInterrupt(e.U32))
		}
	}

	return nil
}

// setPendingWithWakeup pends typ, latching the event register when the
// transition into pending is a wakeup source (SCR.SEVONPEND, §B1.5.18).
func (b *Backend) setPendingWithWakeup(typ ExceptionType) {
	if b.sevOnPending && !b.exceptions.Pending(typ) {
		b.event = true
	}

	b.exceptions.SetPending(typ)
}
