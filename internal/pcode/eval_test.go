package pcode

import (
	"errors"
	"fmt"
	"testing"

	"github.com/brindle/cortexm/internal/vm"
)

type testHarness struct {
	*testing.T
}

func NewTestHarness(t *testing.T) *testHarness {
	t.Parallel()
	return &testHarness{T: t}
}

// Make builds a machine with 8 KiB of memory at zero and an evaluator over
// the given instruction table.
func (t *testHarness) Make(program map[vm.Address]*Insn, userops ...string) (*vm.Backend, *Evaluator) {
	b := vm.New()

	if err := b.MapMem(0, 0x2000); err != nil {
		t.Fatal(err)
	}

	source := func(addr vm.Address) (*Insn, error) {
		insn, ok := program[addr]
		if !ok {
			return nil, fmt.Errorf("no instruction at %s", addr)
		}

		return insn, nil
	}

	return b, NewEvaluator(b, source, WithUserops(userops))
}

// one builds a single-instruction program at address zero.
func one(ops ...Op) map[vm.Address]*Insn {
	return map[vm.Address]*Insn{
		0: {Address: 0, Length: 4, Ops: ops},
	}
}

func TestEvaluator_Arithmetic(tt *testing.T) {
	t := NewTestHarness(tt)

	r0 := vm.GPRVarnode(vm.R0)

	tcs := []struct {
		name   string
		opcode Opcode
		lhs    uint64
		rhs    uint64
		size   uint8
		want   uint32
	}{
		{"add", IntAdd, 3, 4, 4, 7},
		{"add wraps", IntAdd, 0xFFFFFFFF, 2, 4, 1},
		{"sub", IntSub, 3, 5, 4, 0xFFFFFFFE},
		{"mul", IntMul, 81, 81, 4, 6561},
		{"div", IntDiv, 7, 2, 4, 3},
		{"sdiv", IntSDiv, 0xFFFFFFF9, 2, 4, 0xFFFFFFFD}, // -7 / 2 == -3
		{"rem", IntRem, 7, 2, 4, 1},
		{"srem", IntSRem, 0xFFFFFFF9, 2, 4, 0xFFFFFFFF}, // -7 % 2 == -1
		{"lshift", IntLShift, 1, 4, 4, 16},
		{"rshift", IntRShift, 0x80000000, 31, 4, 1},
		{"srshift", IntSRShift, 0x80000000, 31, 4, 0xFFFFFFFF},
		{"and", IntAnd, 0xF0F0, 0xFF00, 4, 0xF000},
		{"or", IntOr, 0xF0F0, 0x0F00, 4, 0xFFF0},
		{"xor", IntXor, 0xFFFF, 0x0F0F, 4, 0xF0F0},
		{"carry out", IntCarry, 0xFFFFFFFF, 1, 4, 1},
		{"no carry", IntCarry, 0x7FFFFFFF, 1, 4, 0},
		{"scarry", IntSCarry, 0x7FFFFFFF, 1, 4, 1},
		{"no scarry", IntSCarry, 1, 1, 4, 0},
		{"sborrow", IntSBorrow, 0x80000000, 1, 4, 1},
		{"no sborrow", IntSBorrow, 5, 1, 4, 0},
		{"eq", IntEq, 5, 5, 4, 1},
		{"noteq", IntNotEq, 5, 5, 4, 0},
		{"less", IntLess, 0xFFFFFFFF, 1, 4, 0},
		{"sless", IntSLess, 0xFFFFFFFF, 1, 4, 1}, // -1 < 1 signed
		{"lesseq", IntLessEq, 4, 4, 4, 1},
		{"slesseq", IntSLessEq, 0x80000000, 0, 4, 1},
		{"bool and", BoolAnd, 2, 1, 1, 1},
		{"bool or", BoolOr, 0, 0, 1, 0},
		{"bool xor", BoolXor, 1, 1, 1, 0},
	}

	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(tt *testing.T) {
			t := NewTestHarness(tt)

			b, eval := t.Make(one(Op{
				Opcode: tc.opcode,
				Output: &r0,
				Inputs: []vm.Varnode{vm.Const(tc.lhs, tc.size), vm.Const(tc.rhs, tc.size)},
			}))

			if err := eval.Step(); err != nil {
				t.Fatal(err)
			}

			if got := b.ReadGPR(vm.R0); got != tc.want {
				t.Errorf("want %#x, got %#x", tc.want, got)
			}
		})
	}
}

func TestEvaluator_Unary(tt *testing.T) {
	t := NewTestHarness(tt)

	r0 := vm.GPRVarnode(vm.R0)

	tcs := []struct {
		name   string
		opcode Opcode
		in     uint64
		size   uint8
		want   uint32
	}{
		{"neg", IntNeg, 5, 4, 0xFFFFFFFB},
		{"not", IntNot, 0x0000FFFF, 4, 0xFFFF0000},
		{"bool not", BoolNot, 0, 1, 1},
		{"sext byte", IntSExt, 0x80, 1, 0xFFFFFF80},
		{"zext byte", IntZExt, 0x80, 1, 0x80},
		{"lzcount", LZCount, 1, 4, 31},
		{"popcount", PopCount, 0xF0F0, 4, 8},
	}

	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(tt *testing.T) {
			t := NewTestHarness(tt)

			b, eval := t.Make(one(Op{
				Opcode: tc.opcode,
				Output: &r0,
				Inputs: []vm.Varnode{vm.Const(tc.in, tc.size)},
			}))

			if err := eval.Step(); err != nil {
				t.Fatal(err)
			}

			if got := b.ReadGPR(vm.R0); got != tc.want {
				t.Errorf("want %#x, got %#x", tc.want, got)
			}
		})
	}
}

func TestEvaluator_Subpiece(tt *testing.T) {
	t := NewTestHarness(tt)

	r0 := vm.GPRVarnode(vm.R0)

	tcs := []struct {
		name   string
		src    uint64
		srcSz  uint8
		offset uint64
		dstSz  uint8
		want   uint32
	}{
		{"low half", 0x11223344, 4, 0, 2, 0x3344},
		{"high half", 0x11223344, 4, 2, 2, 0x1122},
		{"middle byte", 0x11223344, 4, 1, 1, 0x33},
		{"beyond width", 0x11223344, 4, 8, 4, 0},
	}

	for _, tc := range tcs {
		tc := tc
		t.Run(tc.name, func(tt *testing.T) {
			t := NewTestHarness(tt)

			out := vm.Varnode{Space: vm.SpaceRegister, Offset: r0.Offset, Size: tc.dstSz}

			b, eval := t.Make(one(Op{
				Opcode: Subpiece,
				Output: &out,
				Inputs: []vm.Varnode{vm.Const(tc.src, tc.srcSz), vm.Const(tc.offset, 4)},
			}))

			if err := eval.Step(); err != nil {
				t.Fatal(err)
			}

			if got := b.ReadGPR(vm.R0); got != tc.want {
				t.Errorf("want %#x, got %#x", tc.want, got)
			}
		})
	}
}

func TestEvaluator_DivideByZero(tt *testing.T) {
	t := NewTestHarness(tt)

	r0 := vm.GPRVarnode(vm.R0)

	for _, opcode := range []Opcode{IntDiv, IntSDiv, IntRem, IntSRem} {
		_, eval := t.Make(one(Op{
			Opcode: opcode,
			Output: &r0,
			Inputs: []vm.Varnode{vm.Const(1, 4), vm.Const(0, 4)},
		}))

		if err := eval.Step(); !errors.Is(err, ErrDivideByZero) {
			t.Errorf("%s: want ErrDivideByZero, got %v", opcode, err)
		}
	}
}

// Constant branch targets are position-relative within the instruction;
// non-constant targets are absolute addresses.
func TestEvaluator_RelativeBranch(tt *testing.T) {
	t := NewTestHarness(tt)

	r0 := vm.GPRVarnode(vm.R0)

	// Position 0 skips position 1 via a +2 relative branch; position 2 runs.
	program := one(
		Op{Opcode: Branch, Inputs: []vm.Varnode{vm.Const(2, 4)}},
		Op{Opcode: Copy, Output: &r0, Inputs: []vm.Varnode{vm.Const(0xBAD, 4)}},
		Op{Opcode: Copy, Output: &r0, Inputs: []vm.Varnode{vm.Const(0x600D, 4)}},
	)

	b, eval := t.Make(program)

	if err := eval.Step(); err != nil {
		t.Fatal(err)
	}

	if got := b.ReadGPR(vm.R0); got != 0x600D {
		t.Errorf("relative branch: want 0x600d, got %#x", got)
	}

	if pc := b.ReadPC(); pc != 4 {
		t.Errorf("fallthrough PC: want 4, got %s", pc)
	}
}

func TestEvaluator_ConditionalBranch(tt *testing.T) {
	t := NewTestHarness(tt)

	r0 := vm.GPRVarnode(vm.R0)
	target := vm.Varnode{Space: vm.SpaceDefault, Offset: 0x10, Size: 4}

	program := map[vm.Address]*Insn{
		0x00: {Address: 0x00, Length: 4, Ops: []Op{
			{Opcode: CBranch, Inputs: []vm.Varnode{target, vm.Const(1, 1)}},
		}},
		0x10: {Address: 0x10, Length: 4, Ops: []Op{
			{Opcode: Copy, Output: &r0, Inputs: []vm.Varnode{vm.Const(0x77, 4)}},
		}},
	}

	b, eval := t.Make(program)

	if err := eval.Step(); err != nil {
		t.Fatal(err)
	}

	if pc := b.ReadPC(); pc != 0x10 {
		t.Fatalf("taken branch: want PC 0x10, got %s", pc)
	}

	if err := eval.Step(); err != nil {
		t.Fatal(err)
	}

	if got := b.ReadGPR(vm.R0); got != 0x77 {
		t.Errorf("want 0x77, got %#x", got)
	}
}

func TestEvaluator_LoadStore(tt *testing.T) {
	t := NewTestHarness(tt)

	r0 := vm.GPRVarnode(vm.R0)
	space := vm.Const(0, 8)

	program := map[vm.Address]*Insn{
		0x00: {Address: 0x00, Length: 4, Ops: []Op{
			{Opcode: Store, Inputs: []vm.Varnode{space, vm.Const(0x100, 4), vm.Const(0xABCD, 4)}},
		}},
		0x04: {Address: 0x04, Length: 4, Ops: []Op{
			{Opcode: Load, Output: &r0, Inputs: []vm.Varnode{space, vm.Const(0x100, 4)}},
		}},
	}

	b, eval := t.Make(program)

	if err := eval.Step(); err != nil {
		t.Fatal(err)
	}

	if err := eval.Step(); err != nil {
		t.Fatal(err)
	}

	if got := b.ReadGPR(vm.R0); got != 0xABCD {
		t.Errorf("load/store round trip: want 0xabcd, got %#x", got)
	}
}

func TestEvaluator_CallOther(tt *testing.T) {
	t := NewTestHarness(tt)

	r0 := vm.GPRVarnode(vm.R0)
	out := vm.Varnode{Space: vm.SpaceRegister, Offset: r0.Offset, Size: 4}

	program := one(Op{
		Opcode: CallOther,
		Output: &out,
		Inputs: []vm.Varnode{vm.Const(0, 4), vm.Const(0x00F00000, 4)},
	})

	b, eval := t.Make(program, "count_leading_zeroes")

	if err := eval.Step(); err != nil {
		t.Fatal(err)
	}

	if got := b.ReadGPR(vm.R0); got != 8 {
		t.Errorf("clz userop: want 8, got %d", got)
	}
}

func TestEvaluator_UnknownUserop(tt *testing.T) {
	t := NewTestHarness(tt)

	program := one(Op{
		Opcode: CallOther,
		Inputs: []vm.Varnode{vm.Const(3, 4)},
	})

	_, eval := t.Make(program, "count_leading_zeroes")

	if err := eval.Step(); !errors.Is(err, vm.ErrInvalidUserop) {
		t.Errorf("want ErrInvalidUserop, got %v", err)
	}
}
