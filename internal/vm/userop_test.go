package vm

import (
	"errors"
	"testing"
)

func output(size uint8) *Varnode {
	v := Varnode{Space: SpaceUnique, Offset: 0x100, Size: size}
	return &v
}

func TestUserop_CountLeadingZeroes(tt *testing.T) {
	t := NewTestHarness(tt)
	b := t.Make()

	out := output(4)

	if _, _, err := b.Userop("count_leading_zeroes", out, []Varnode{Const(0x00000001, 4)}); err != nil {
		t.Fatal(err)
	}

	if v, _ := b.ReadVarnode(*out); v != 31 {
		t.Errorf("clz(1): want 31, got %d", v)
	}

	if _, _, err := b.Userop("count_leading_zeroes", out, []Varnode{Const(0x80000000, 4)}); err != nil {
		t.Fatal(err)
	}

	if v, _ := b.ReadVarnode(*out); v != 0 {
		t.Errorf("clz(1<<31): want 0, got %d", v)
	}
}

func TestUserop_InterruptMasks(tt *testing.T) {
	t := NewTestHarness(tt)
	b := t.Make()

	if _, _, err := b.Userop("disable_irq_interrupts", nil, nil); err != nil {
		t.Fatal(err)
	}

	if !b.primask.Masked() {
		t.Error("PRIMASK not set")
	}

	if _, _, err := b.Userop("enable_irq_interrupts", nil, nil); err != nil {
		t.Fatal(err)
	}

	if b.primask.Masked() {
		t.Error("PRIMASK not cleared")
	}

	if _, _, err := b.Userop("disable_fiq_interrupts", nil, nil); err != nil {
		t.Fatal(err)
	}

	if !b.faultmask.Masked() {
		t.Error("FAULTMASK not set")
	}

	if _, _, err := b.Userop("set_base_priority", nil, []Varnode{Const(0x42, 4)}); err != nil {
		t.Fatal(err)
	}

	if uint8(b.basepri) != 0x42 {
		t.Errorf("BASEPRI: want 0x42, got %#x", uint8(b.basepri))
	}
}

func TestUserop_ModePredicates(tt *testing.T) {
	t := NewTestHarness(tt)
	b := t.Make()

	out := output(1)

	if _, _, err := b.Userop("is_current_mode_privileged", out, nil); err != nil {
		t.Fatal(err)
	}

	if v, _ := b.ReadVarnode(*out); v != 1 {
		t.Error("fresh Thread mode should be privileged")
	}

	if _, _, err := b.Userop("set_thread_mode_privileged", nil, []Varnode{Const(0, 1)}); err != nil {
		t.Fatal(err)
	}

	if _, _, err := b.Userop("is_current_mode_privileged", out, nil); err != nil {
		t.Fatal(err)
	}

	if v, _ := b.ReadVarnode(*out); v != 0 {
		t.Error("nPRIV set but still privileged")
	}

	// Handler mode is privileged regardless of nPRIV.
	b.mode = ModeHandler

	if _, _, err := b.Userop("is_current_mode_privileged", out, nil); err != nil {
		t.Fatal(err)
	}

	if v, _ := b.ReadVarnode(*out); v != 1 {
		t.Error("Handler mode must be privileged")
	}

	if _, _, err := b.Userop("is_thread_mode", out, nil); err != nil {
		t.Fatal(err)
	}

	if v, _ := b.ReadVarnode(*out); v != 0 {
		t.Error("is_thread_mode in Handler mode")
	}
}

func TestUserop_StackMode(tt *testing.T) {
	t := NewTestHarness(tt)
	b := t.Make()

	b.regs[SP] = 0x1000

	out := output(1)

	if _, _, err := b.Userop("is_using_main_stack", out, nil); err != nil {
		t.Fatal(err)
	}

	if v, _ := b.ReadVarnode(*out); v != 1 {
		t.Error("fresh machine should use the main stack")
	}

	b.procSP = 0x2000

	if _, _, err := b.Userop("set_stack_mode", nil, []Varnode{Const(1, 1)}); err != nil {
		t.Fatal(err)
	}

	if sp := b.ReadSP(); sp != 0x2000 {
		t.Errorf("SP after bank switch: want 0x2000, got %#x", sp)
	}

	if b.mainSP != 0x1000 {
		t.Errorf("main bank not preserved: %#x", b.mainSP)
	}
}

func TestUserop_WaitForEvent(tt *testing.T) {
	t := NewTestHarness(tt)
	b := t.Make()

	// Event register set: WFE clears it and continues.
	b.event = true

	if _, _, err := b.Userop("wait_for_event", nil, nil); err != nil {
		t.Fatal(err)
	}

	if b.event {
		t.Error("WFE did not consume the event register")
	}

	if b.events.Len() != 0 {
		t.Error("WFE queued a park with the event register set")
	}

	// Event register clear: WFE parks.
	if _, _, err := b.Userop("wait_for_event", nil, nil); err != nil {
		t.Fatal(err)
	}

	if err := b.ProcessEvents(); err != nil {
		t.Fatal(err)
	}

	if b.status != StatusWaitingForEvent {
		t.Errorf("status: want WaitingForEvent, got %s", b.status)
	}
}

func TestUserop_SoftwareInterrupt(tt *testing.T) {
	t := NewTestHarness(tt)
	b := t.Make()

	if _, _, err := b.Userop("software_interrupt", nil, nil); err != nil {
		t.Fatal(err)
	}

	if err := b.ProcessEvents(); err != nil {
		t.Fatal(err)
	}

	if !b.exceptions.Active(ExceptionSVCall) {
		t.Error("SVCall not active after software_interrupt")
	}
}

func TestUserop_Unknown(tt *testing.T) {
	t := NewTestHarness(tt)
	b := t.Make()

	_, _, err := b.Userop("coprocessor_moveto_2", nil, nil)
	if !errors.Is(err, ErrInvalidUserop) {
		t.Errorf("want ErrInvalidUserop, got %v", err)
	}
}

func TestUserop_Exclusives(tt *testing.T) {
	t := NewTestHarness(tt)
	b := t.Make()

	out := output(1)

	if _, _, err := b.Userop("has_exclusive_access", out, nil); err != nil {
		t.Fatal(err)
	}

	if v, _ := b.ReadVarnode(*out); v != 1 {
		t.Error("has_exclusive_access must report 1: exclusives are not modeled")
	}

	if _, _, err := b.Userop("data_memory_barrier", nil, []Varnode{Const(0xF, 1)}); err != nil {
		t.Fatal(err)
	}
}
