package vm

import "testing"

func sorted(set []ExceptionType) bool {
	for i := 1; i < len(set); i++ {
		if set[i-1] >= set[i] {
			return false
		}
	}

	return true
}

func TestExceptionState_Ordering(tt *testing.T) {
	t := NewTestHarness(tt)
	s := NewExceptionState()

	for _, typ := range []ExceptionType{ExceptionSysTick, ExceptionSVCall, ExternalInterrupt(3), ExceptionNMI, ExceptionSVCall} {
		s.Enable(typ)
		s.SetPending(typ)
	}

	if !sorted(s.EnabledExceptions()) {
		t.Errorf("enabled not sorted: %v", s.EnabledExceptions())
	}

	if !sorted(s.PendingExceptions()) {
		t.Errorf("pending not sorted: %v", s.PendingExceptions())
	}

	if got := len(s.PendingExceptions()); got != 4 {
		t.Errorf("duplicates not idempotent: %d", got)
	}

	s.SetActive(ExceptionSVCall)
	s.SetActive(ExceptionNMI)

	if !sorted(s.ActiveExceptions()) {
		t.Errorf("active not sorted: %v", s.ActiveExceptions())
	}

	if s.Pending(ExceptionSVCall) {
		t.Error("activation did not remove pending membership")
	}

	s.ClrPending(ExceptionSysTick)

	if s.Pending(ExceptionSysTick) || !s.Pending(ExternalInterrupt(3)) {
		t.Error("clear removed the wrong member")
	}
}

func TestExceptionState_ActiveRequiresPending(tt *testing.T) {
	t := NewTestHarness(tt)
	s := NewExceptionState()

	defer func() {
		if recover() == nil {
			t.Error("SetActive on a non-pending exception did not panic")
		}
	}()

	s.SetActive(ExceptionSysTick)
}

func TestExceptionState_FixedPriorities(tt *testing.T) {
	t := NewTestHarness(tt)
	s := NewExceptionState()

	if p := s.Priority(ExceptionReset); p != -3 {
		t.Errorf("Reset: want -3, got %d", p)
	}

	if p := s.Priority(ExceptionNMI); p != -2 {
		t.Errorf("NMI: want -2, got %d", p)
	}

	if p := s.Priority(ExceptionHardFault); p != -1 {
		t.Errorf("HardFault: want -1, got %d", p)
	}

	// Fixed priorities ignore configuration attempts.
	s.SetPriority(ExceptionNMI, 42)

	if p := s.Priority(ExceptionNMI); p != -2 {
		t.Errorf("NMI after SetPriority: want -2, got %d", p)
	}
}

func TestPriorityCompare(tt *testing.T) {
	t := NewTestHarness(tt)

	tcs := []struct {
		v1, v2   int16
		prigroup uint8
		want     int
	}{
		{-3, -1, 0, -1},
		{-1, 0, 0, -1},
		{0, 0, 0, 0},
		{0x40, 0x80, 0, -1},
		{0x80, 0x40, 0, 1},
		// prigroup 7: everything is subpriority, group always ties.
		{0x40, 0x80, 7, -1},
		// prigroup 6: bit 7 is the group; 0x40 and 0x7F share group 0.
		{0x40, 0x7F, 6, -1},
		{0x80, 0x7F, 6, 1},
		{0x41, 0x41, 3, 0},
	}

	for _, tc := range tcs {
		if got := PriorityCompare(tc.v1, tc.v2, tc.prigroup); got != tc.want {
			t.Errorf("compare(%d, %d, %d): want %d, got %d", tc.v1, tc.v2, tc.prigroup, tc.want, got)
		}
	}
}

// When the group fields differ, the grouped comparison agrees with the raw
// unsigned comparison of those group fields, whatever the subpriorities say.
func TestPriorityCompare_GroupMonotonic(tt *testing.T) {
	t := NewTestHarness(tt)

	for prigroup := uint8(0); prigroup <= 7; prigroup++ {
		for _, p1 := range []uint8{0x00, 0x1F, 0x20, 0x7F, 0x80, 0xC3, 0xFF} {
			for _, p2 := range []uint8{0x01, 0x3C, 0x40, 0x81, 0xFE} {
				g1, g2 := p1>>(prigroup+1), p2>>(prigroup+1)
				if g1 == g2 {
					continue
				}

				got := PriorityCompare(int16(p1), int16(p2), prigroup)

				want := 1
				if g1 < g2 {
					want = -1
				}

				if got != want {
					t.Errorf("compare(%#x, %#x, %d): want %d, got %d", p1, p2, prigroup, want, got)
				}
			}
		}
	}
}

func TestPriorityCompare_BadGroupPanics(tt *testing.T) {
	t := NewTestHarness(tt)

	defer func() {
		if recover() == nil {
			t.Error("prigroup 8 did not panic")
		}
	}()

	PriorityCompare(1, 2, 8)
}

func TestCurrentExecutionPriority(tt *testing.T) {
	t := NewTestHarness(tt)

	s := NewExceptionState()

	if p := CurrentExecutionPriority(s, 0, false, false, 0); p != 256 {
		t.Errorf("idle: want 256, got %d", p)
	}

	s.SetPriority(ExceptionSysTick, 0x43)
	s.SetPending(ExceptionSysTick)
	s.SetActive(ExceptionSysTick)

	// prigroup 0: group modulus 2 rounds 0x43 down to 0x42.
	if p := CurrentExecutionPriority(s, 0, false, false, 0); p != 0x42 {
		t.Errorf("active rounding: want 0x42, got %d", p)
	}

	// prigroup 3: modulus 0x10 rounds 0x43 down to 0x40.
	if p := CurrentExecutionPriority(s, 0, false, false, 3); p != 0x40 {
		t.Errorf("active rounding: want 0x40, got %d", p)
	}

	// BASEPRI boosts when lower than the active priority.
	if p := CurrentExecutionPriority(s, 0x20, false, false, 0); p != 0x20 {
		t.Errorf("basepri: want 0x20, got %d", p)
	}

	// PRIMASK boosts to 0, FAULTMASK to -1.
	if p := CurrentExecutionPriority(s, 0x20, true, false, 0); p != 0 {
		t.Errorf("primask: want 0, got %d", p)
	}

	if p := CurrentExecutionPriority(s, 0x20, true, true, 0); p != -1 {
		t.Errorf("faultmask: want -1, got %d", p)
	}
}

func TestExceptionType_Identity(tt *testing.T) {
	t := NewTestHarness(tt)

	if ExternalInterrupt(0) != 16 {
		t.Error("IRQ0 is exception 16")
	}

	if !ExternalInterrupt(9).IsExternal() || ExceptionSysTick.IsExternal() {
		t.Error("IsExternal misclassifies")
	}

	if ExceptionSysTick.Offset() != 0x3C {
		t.Errorf("SysTick vector offset: want 0x3c, got %#x", ExceptionSysTick.Offset())
	}

	for _, typ := range []ExceptionType{7, 8, 9, 10, 13} {
		if !typ.Reserved() {
			t.Errorf("%d should be reserved", typ)
		}
	}
}
