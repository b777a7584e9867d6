package vm

import (
	"fmt"
	"sort"
)

// exception.go implements exception identity, the three ordered membership
// sets (enabled, pending, active), priority lookup and the priority-grouping
// comparison of §B1.5.4.

// ExceptionType identifies an exception: 1..=15 are architectural, 16.. are
// external interrupts (IRQ n maps to ExceptionType 16+n).
type ExceptionType uint32

// Architectural exception numbers, §B1.5.1.
const (
	ExceptionReset        ExceptionType = 1
	ExceptionNMI          ExceptionType = 2
	ExceptionHardFault    ExceptionType = 3
	ExceptionMemFault     ExceptionType = 4
	ExceptionBusFault     ExceptionType = 5
	ExceptionUsageFault   ExceptionType = 6
	ExceptionSVCall       ExceptionType = 11
	ExceptionDebugMonitor ExceptionType = 12
	ExceptionPendSV       ExceptionType = 14
	ExceptionSysTick      ExceptionType = 15

	firstExternalInterrupt ExceptionType = 16
)

// ExternalInterrupt returns the ExceptionType for external interrupt n (IRQn).
func ExternalInterrupt(n uint32) ExceptionType { return firstExternalInterrupt + ExceptionType(n) }

// IsExternal reports whether the exception is an external interrupt (IRQ).
func (t ExceptionType) IsExternal() bool { return t >= firstExternalInterrupt }

// IRQNumber returns the IRQ number for an external interrupt; only valid if IsExternal.
func (t ExceptionType) IRQNumber() uint32 { return uint32(t - firstExternalInterrupt) }

// Reserved reports whether the number names an architecturally reserved slot.
func (t ExceptionType) Reserved() bool {
	switch t {
	case 7, 8, 9, 10, 13:
		return true
	default:
		return false
	}
}

// Offset returns the exception's vector-table byte offset.
func (t ExceptionType) Offset() uint32 { return uint32(t) * 4 }

// FixedPriority returns the architecturally fixed priority for Reset/NMI/HardFault,
// and ok=false for exceptions with configurable priority.
func (t ExceptionType) FixedPriority() (priority int16, ok bool) {
	switch t {
	case ExceptionReset:
		return -3, true
	case ExceptionNMI:
		return -2, true
	case ExceptionHardFault:
		return -1, true
	default:
		return 0, false
	}
}

func (t ExceptionType) String() string {
	switch t {
	case ExceptionReset:
		return "Reset"
	case ExceptionNMI:
		return "NMI"
	case ExceptionHardFault:
		return "HardFault"
	case ExceptionMemFault:
		return "MemFault"
	case ExceptionBusFault:
		return "BusFault"
	case ExceptionUsageFault:
		return "UsageFault"
	case ExceptionSVCall:
		return "SVCall"
	case ExceptionDebugMonitor:
		return "DebugMonitor"
	case ExceptionPendSV:
		return "PendSV"
	case ExceptionSysTick:
		return "SysTick"
	default:
		if t.IsExternal() {
			return fmt.Sprintf("ExternalInterrupt(%d)", t.IRQNumber())
		}

		return fmt.Sprintf("Reserved(%d)", uint32(t))
	}
}

// ExceptionState tracks the three ordered membership sets (enabled, pending,
// active) and the priority table. Insertion-sorted slices are used rather
// than a heap: workloads involve at most dozens of exceptions, and ascending
// order matches the reference manual's lowest-number-first tie-break.
type ExceptionState struct {
	enabled  []ExceptionType
	pending  []ExceptionType
	active   []ExceptionType
	priority map[ExceptionType]int16
}

// NewExceptionState creates exception state with every fixed-priority
// exception pre-seeded in the priority table.
func NewExceptionState() *ExceptionState {
	s := &ExceptionState{priority: make(map[ExceptionType]int16)}

	for _, t := range []ExceptionType{ExceptionReset, ExceptionNMI, ExceptionHardFault} {
		p, _ := t.FixedPriority()
		s.priority[t] = p
	}

	return s
}

func insertSorted(set []ExceptionType, t ExceptionType) []ExceptionType {
	i := sort.Search(len(set), func(i int) bool { return set[i] >= t })
	if i < len(set) && set[i] == t {
		return set
	}

	set = append(set, 0)
	copy(set[i+1:], set[i:])
	set[i] = t

	return set
}

func removeSorted(set []ExceptionType, t ExceptionType) []ExceptionType {
	i := sort.Search(len(set), func(i int) bool { return set[i] >= t })
	if i >= len(set) || set[i] != t {
		return set
	}

	return append(set[:i], set[i+1:]...)
}

func contains(set []ExceptionType, t ExceptionType) bool {
	i := sort.Search(len(set), func(i int) bool { return set[i] >= t })
	return i < len(set) && set[i] == t
}

func (s *ExceptionState) Enable(t ExceptionType)  { s.enabled = insertSorted(s.enabled, t) }
func (s *ExceptionState) Disable(t ExceptionType)  { s.enabled = removeSorted(s.enabled, t) }
func (s *ExceptionState) Enabled(t ExceptionType) bool { return contains(s.enabled, t) }

func (s *ExceptionState) SetPending(t ExceptionType) { s.pending = insertSorted(s.pending, t) }
func (s *ExceptionState) ClrPending(t ExceptionType) { s.pending = removeSorted(s.pending, t) }
func (s *ExceptionState) Pending(t ExceptionType) bool { return contains(s.pending, t) }

// SetActive asserts t is currently pending -- this is an architectural
// invariant, not a recoverable error, so a violation panics.
func (s *ExceptionState) SetActive(t ExceptionType) {
	if !contains(s.pending, t) {
		panic(fmt.Sprintf("vm: SetActive(%s): not pending", t))
	}

	s.pending = removeSorted(s.pending, t)
	s.active = insertSorted(s.active, t)
}

func (s *ExceptionState) ClrActive(t ExceptionType) { s.active = removeSorted(s.active, t) }
func (s *ExceptionState) Active(t ExceptionType) bool { return contains(s.active, t) }

// ClrAllActive clears every active exception, used by AIRCR.VECTCLRACTIVE.
func (s *ExceptionState) ClrAllActive() { s.active = s.active[:0] }

// PendingHead returns the lowest-numbered pending exception, used to drive ICSR.VECTPENDING.
func (s *ExceptionState) PendingHead() (ExceptionType, bool) {
	if len(s.pending) == 0 {
		return 0, false
	}

	return s.pending[0], true
}

// EnabledExceptions returns the ascending-sorted enabled set.
func (s *ExceptionState) EnabledExceptions() []ExceptionType {
	return s.enabled
}

// PendingExceptions returns the ascending-sorted pending set.
func (s *ExceptionState) PendingExceptions() []ExceptionType {
	return s.pending
}

// ActiveHead returns the lowest-numbered active exception, used to drive ICSR.VECTACTIVE.
func (s *ExceptionState) ActiveHead() (ExceptionType, bool) {
	if len(s.active) == 0 {
		return 0, false
	}

	return s.active[0], true
}

// NumActive returns the number of currently active exceptions.
func (s *ExceptionState) NumActive() int { return len(s.active) }

// SetPriority records a configurable priority for t. Fixed-priority exceptions
// (Reset/NMI/HardFault) ignore the write, matching the architecture.
func (s *ExceptionState) SetPriority(t ExceptionType, p int16) {
	if _, fixed := t.FixedPriority(); fixed {
		return
	}

	s.priority[t] = p
}

// Priority returns t's priority: fixed for Reset/NMI/HardFault, otherwise
// whatever was last configured. Configurable priorities reset to 0, matching
// the SHPR and IPR register reset values they shadow.
func (s *ExceptionState) Priority(t ExceptionType) int16 {
	if p, ok := t.FixedPriority(); ok {
		return p
	}

	return s.priority[t]
}

// ActiveExceptions returns the ascending-sorted active set, for priority rounding.
func (s *ExceptionState) ActiveExceptions() []ExceptionType {
	return s.active
}

// PriorityCompare implements §B1.5.4's grouped comparison: negative
// (fixed-priority) values compare by raw signed order; positive values are
// partitioned by prigroup into a group and a subpriority field and compared
// lexicographically on (group, subpriority).
func PriorityCompare(v1, v2 int16, prigroup uint8) int {
	if v1 < 0 || v2 < 0 {
		switch {
		case v1 < v2:
			return -1
		case v1 > v2:
			return 1
		default:
			return 0
		}
	}

	if prigroup > 7 {
		panic(fmt.Sprintf("vm: invalid prigroup %d", prigroup))
	}

	u1, u2 := uint8(v1), uint8(v2)
	g1, s1 := u1>>(prigroup+1), u1&(0xff>>(7-prigroup))
	g2, s2 := u2>>(prigroup+1), u2&(0xff>>(7-prigroup))

	switch {
	case g1 != g2:
		if g1 < g2 {
			return -1
		}

		return 1
	case s1 != s2:
		if s1 < s2 {
			return -1
		}

		return 1
	default:
		return 0
	}
}

// CurrentExecutionPriority implements §B1.5.4: the minimum of the rounded
// priority of every active exception and the boosted priority implied by
// BASEPRI/PRIMASK/FAULTMASK.
func CurrentExecutionPriority(s *ExceptionState, basepri uint8, primask, faultmask bool, prigroup uint8) int16 {
	groupModulus := int16(0b10) << prigroup

	highest := int16(256)

	for _, t := range s.ActiveExceptions() {
		p := s.Priority(t)
		if p > 0 {
			p -= p % groupModulus
		}

		if p < highest {
			highest = p
		}
	}

	boosted := int16(256)

	if basepri != 0 {
		b := int16(basepri)
		b -= b % groupModulus
		boosted = b
	}

	if primask {
		boosted = 0
	}

	if faultmask {
		boosted = -1
	}

	if highest < boosted {
		return highest
	}

	return boosted
}

// VectorTable is the array of 32-bit entries at VTOR; entry id sits at offset id*4.
type VectorTable []uint32

// GetEntry returns the vector-table entry for typ, if the table is large enough.
func (vt VectorTable) GetEntry(typ ExceptionType) (uint32, bool) {
	n := uint32(typ)
	if int(n) >= len(vt) {
		return 0, false
	}

	return vt[n], true
}
