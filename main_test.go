package main_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"testing"
	"time"

	"github.com/brindle/cortexm/internal/log"
	"github.com/brindle/cortexm/internal/pcode"
	"github.com/brindle/cortexm/internal/vm"
)

// The end-to-end test boots a machine from a vector table, configures
// SysTick through the System Control Space, parks on WFI, and checks that
// the timer interrupt preempts, runs its handler and returns to the thread.

var (
	// timeout is how long to wait for the machine to stop running. It is very likely to take
	// less than 200 ms.
	timeout = 1 * time.Second

	handlerMark = uint32(0x0000042A)
)

type testHarness struct {
	*testing.T
}

// Context creates a test context. The context is cancelled after a timeout.
func (testHarness) Context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

const (
	flashBase = vm.Address(0x0000_0000)
	flashSize = uint32(0x1000)
	ramBase   = vm.Address(0x2000_0000)
	ramSize   = uint32(0x1000)

	resetEntry   = vm.Address(0x100)
	handlerEntry = vm.Address(0x200)
	exitAddr     = vm.Address(0x10E)
)

func TestMain(tt *testing.T) {
	t := testHarness{tt}
	start := time.Now()
	log.LogLevel.Set(log.Error)

	machine := vm.New()

	if err := machine.MapMem(flashBase, flashSize); err != nil {
		t.Fatal(err)
	}

	if err := machine.MapMem(ramBase, ramSize); err != nil {
		t.Fatal(err)
	}

	if err := machine.LoadImage(vectorTable()); err != nil {
		t.Fatal(err)
	}

	if err := machine.Reset(); err != nil {
		t.Fatal(err)
	}

	if pc := machine.ReadPC(); pc != resetEntry {
		t.Fatalf("reset PC: want %s, got %s", resetEntry, pc)
	}

	if sp := machine.ReadSP(); sp != uint32(ramBase)+ramSize {
		t.Fatalf("reset SP: want %#x, got %#x", uint32(ramBase)+ramSize, sp)
	}

	program := testProgram()
	source := func(addr vm.Address) (*pcode.Insn, error) {
		insn, ok := program[addr]
		if !ok {
			return nil, fmt.Errorf("no instruction at %s", addr)
		}

		return insn, nil
	}

	eval := pcode.NewEvaluator(machine, source, pcode.WithUserops([]string{"wait_for_interrupt"}))

	ctx, cancel := t.Context()
	defer cancel()

	steps := 0

	for machine.ReadPC() != exitAddr {
		if err := ctx.Err(); err != nil {
			t.Fatalf("timed out after %d steps at %s", steps, machine.ReadPC())
		}

		switch machine.Status() {
		case vm.StatusWaitingForInterrupt:
			if !machine.IsWFIWakeupEvent() {
				if err := machine.Tick(); err != nil {
					t.Fatal(err)
				}

				continue
			}

			machine.SetStatus(vm.StatusAlive)
		case vm.StatusHalted, vm.StatusKilled:
			t.Fatalf("machine stopped unexpectedly: %s", machine.Status())
		}

		if _, err := machine.TakeException(); err != nil {
			t.Fatal(err)
		}

		if err := eval.Step(); err != nil {
			t.Fatal(err)
		}

		if err := machine.Tick(); err != nil {
			t.Fatal(err)
		}

		steps++
	}

	if got := machine.ReadGPR(vm.R7); got != handlerMark {
		t.Errorf("R7: want %#x, got %#x: SysTick handler did not run", handlerMark, got)
	}

	if mode := machine.Mode(); mode != vm.ModeThread {
		t.Errorf("mode: want Thread, got %s", mode)
	}

	if n := machine.Exceptions().NumActive(); n != 0 {
		t.Errorf("active exceptions after return: %d", n)
	}

	t.Logf("test: ok, steps: %d, elapsed: %s", steps, time.Since(start))
}

// vectorTable builds the image holding the architectural vector table:
// initial SP, reset entry, and the SysTick handler entry, all with the Thumb
// bit set.
func vectorTable() vm.Image {
	table := make([]byte, 16*4)

	binary.LittleEndian.PutUint32(table[0:], uint32(ramBase)+ramSize)
	binary.LittleEndian.PutUint32(table[4:], uint32(resetEntry)|1)
	binary.LittleEndian.PutUint32(table[vm.ExceptionSysTick.Offset():], uint32(handlerEntry)|1)

	return vm.Image{Segments: []vm.ImageSegment{{Base: 0, Data: table}}}
}

// testProgram hand-lifts the boot thread and the SysTick handler:
//
//	0x100: str #3,  [SYST_RVR]
//	0x104: str #3,  [SYST_CSR]   ; ENABLE | TICKINT
//	0x108: wfi
//	0x10A: adds r2, #1
//	0x10C: b exit                ; to 0x10E, where the driver stops
//	0x200: movs r7, #0x42A       ; handler body
//	0x204: str #1,  [SYST_CSR]   ; one-shot: drop TICKINT
//	0x208: bx lr                 ; EXC_RETURN
func testProgram() map[vm.Address]*pcode.Insn {
	var (
		r2 = vm.GPRVarnode(vm.R2)
		r7 = vm.GPRVarnode(vm.R7)
		lr = vm.GPRVarnode(vm.LR)
	)

	ramSpace := vm.Const(0, 8)

	storeWord := func(addr vm.Address, val uint32) pcode.Op {
		return pcode.Op{
			Opcode: pcode.Store,
			Inputs: []vm.Varnode{ramSpace, vm.Const(uint64(addr), 4), vm.Const(uint64(val), 4)},
		}
	}

	selfBranch := func(addr vm.Address) pcode.Op {
		return pcode.Op{
			Opcode: pcode.Branch,
			Inputs: []vm.Varnode{{Space: vm.SpaceDefault, Offset: uint64(addr), Size: 4}},
		}
	}

	insns := []*pcode.Insn{
		{Address: 0x100, Length: 4, Disasm: "str #3, [SYST_RVR]", Ops: []pcode.Op{
			storeWord(0xE000E014, 3),
		}},
		{Address: 0x104, Length: 4, Disasm: "str #3, [SYST_CSR]", Ops: []pcode.Op{
			storeWord(0xE000E010, 3),
		}},
		{Address: 0x108, Length: 2, Disasm: "wfi", Ops: []pcode.Op{
			{Opcode: pcode.CallOther, Inputs: []vm.Varnode{vm.Const(0, 4)}},
		}},
		{Address: 0x10A, Length: 2, Disasm: "adds r2, #1", Ops: []pcode.Op{
			{Opcode: pcode.IntAdd, Output: &r2, Inputs: []vm.Varnode{r2, vm.Const(1, 4)}},
		}},
		{Address: 0x10C, Length: 2, Disasm: "b exit", Ops: []pcode.Op{
			selfBranch(exitAddr),
		}},

		{Address: 0x200, Length: 4, Disasm: "movs r7, #0x42A", Ops: []pcode.Op{
			{Opcode: pcode.Copy, Output: &r7, Inputs: []vm.Varnode{vm.Const(uint64(handlerMark), 4)}},
		}},
		{Address: 0x204, Length: 4, Disasm: "str #1, [SYST_CSR]", Ops: []pcode.Op{
			storeWord(0xE000E010, 1),
		}},
		{Address: 0x208, Length: 2, Disasm: "bx lr", Ops: []pcode.Op{
			{Opcode: pcode.IBranch, Inputs: []vm.Varnode{lr}},
		}},
	}

	program := make(map[vm.Address]*pcode.Insn, len(insns))
	for _, insn := range insns {
		program[insn.Address] = insn
	}

	return program
}
