package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/brindle/cortexm/internal/cli"
	"github.com/brindle/cortexm/internal/log"
	"github.com/brindle/cortexm/internal/pcode"
	"github.com/brindle/cortexm/internal/vm"
)

// Demo is a demonstration command.
func Demo() cli.Command {
	return new(demo)
}

type demo struct {
	debug bool
	quiet bool
}

func (demo) Description() string {
	return "run demo program"
}

func (d demo) Usage(out io.Writer) error {
	var err error
	_, err = fmt.Fprintln(out, `
demo [ -debug | -quiet ]

Run a built-in pre-lifted program while displaying machine state.`)

	return err
}

func (d *demo) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)

	fs.BoolVar(&d.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&d.quiet, "quiet", false, "enable quiet output, machine display only")

	return fs
}

const (
	demoRAMBase  = vm.Address(0x20000000)
	demoRAMSize  = 0x1000
	demoUARTBase = vm.Address(0x40001000)
	demoUARTData = demoUARTBase + 0x04
)

func (d demo) Run(ctx context.Context, args []string, out io.Writer, _ *log.Logger) int {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if d.quiet {
		log.LogLevel.Set(log.Error)
	}

	if d.debug {
		log.LogLevel.Set(log.Debug)
	}

	logger := log.NewFormattedLogger(os.Stdout)
	log.SetDefault(logger)
	log.DefaultLogger = func() *log.Logger {
		return logger
	}

	logger.Info("Initializing machine")

	uart := vm.NewUART(demoUARTBase, "uart0")
	uart.Output = func(b byte) {
		fmt.Fprintf(out, "%c", rune(b))
	}

	machine := vm.New(vm.WithLogger(logger))

	if err := machine.MapMem(demoRAMBase, demoRAMSize); err != nil {
		logger.Error("error mapping memory", "err", err)
		return 2
	}

	if err := machine.MapMMIO(uart); err != nil {
		logger.Error("error mapping uart", "err", err)
		return 2
	}

	machine.WriteSP(uint32(demoRAMBase) + demoRAMSize)
	machine.WritePC(0)

	logger.Info("Loading program")

	program, exit := demoProgram()
	source := func(addr vm.Address) (*pcode.Insn, error) {
		insn, ok := program[addr]
		if !ok {
			return nil, fmt.Errorf("no instruction at %s", addr)
		}

		return insn, nil
	}

	eval := pcode.NewEvaluator(machine, source, pcode.WithLogger(logger))

	logger.Info("Starting machine")

	steps := 0

	for machine.ReadPC() != exit {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				logger.Warn("Demo timeout")
			}

			return 2
		}

		if err := eval.Step(); err != nil {
			logger.Error(err.Error())
			return 2
		}

		if err := machine.Tick(); err != nil {
			logger.Error(err.Error())
			return 2
		}

		steps++
	}

	result := machine.ReadGPR(vm.R0)
	fmt.Fprintf(out, "((3^2)^2)^2 = %d in %d steps\n", result, steps)

	logger.Info("Demo completed")

	return 0
}

// demoProgram hand-lifts a tiny squaring loop: R0 starts at 3 and is squared
// three times, the result lands in RAM, and "OK" goes out the UART. The
// final instruction branches to itself, which the driver treats as exit.
func demoProgram() (map[vm.Address]*pcode.Insn, vm.Address) {
	var (
		r0 = vm.GPRVarnode(vm.R0)
		r1 = vm.GPRVarnode(vm.R1)
		t0 = vm.Varnode{Space: vm.SpaceUnique, Offset: 0, Size: 1}
	)

	ramSpace := vm.Const(0, 8)
	absolute := func(addr vm.Address) vm.Varnode {
		return vm.Varnode{Space: vm.SpaceDefault, Offset: uint64(addr), Size: 4}
	}

	storeWord := func(addr vm.Address, val vm.Varnode) pcode.Op {
		return pcode.Op{
			Opcode: pcode.Store,
			Inputs: []vm.Varnode{ramSpace, vm.Const(uint64(addr), 4), val},
		}
	}

	insns := []*pcode.Insn{
		{Address: 0x00, Length: 2, Disasm: "movs r0, #3", Ops: []pcode.Op{
			{Opcode: pcode.Copy, Output: &r0, Inputs: []vm.Varnode{vm.Const(3, 4)}},
		}},
		{Address: 0x02, Length: 2, Disasm: "movs r1, #0", Ops: []pcode.Op{
			{Opcode: pcode.Copy, Output: &r1, Inputs: []vm.Varnode{vm.Const(0, 4)}},
		}},
		{Address: 0x04, Length: 4, Disasm: "mul r0, r0, r0", Ops: []pcode.Op{
			{Opcode: pcode.IntMul, Output: &r0, Inputs: []vm.Varnode{r0, r0}},
		}},
		{Address: 0x08, Length: 2, Disasm: "adds r1, #1", Ops: []pcode.Op{
			{Opcode: pcode.IntAdd, Output: &r1, Inputs: []vm.Varnode{r1, vm.Const(1, 4)}},
		}},
		{Address: 0x0A, Length: 4, Disasm: "cmp r1, #3; blt 0x4", Ops: []pcode.Op{
			{Opcode: pcode.IntLess, Output: &t0, Inputs: []vm.Varnode{r1, vm.Const(3, 4)}},
			{Opcode: pcode.CBranch, Inputs: []vm.Varnode{absolute(0x04), t0}},
		}},
		{Address: 0x0E, Length: 4, Disasm: "str r0, [result]", Ops: []pcode.Op{
			storeWord(demoRAMBase, r0),
		}},
		{Address: 0x12, Length: 4, Disasm: "str 'O', [uart]", Ops: []pcode.Op{
			storeWord(demoUARTData, vm.Const('O', 4)),
		}},
		{Address: 0x16, Length: 4, Disasm: "str 'K', [uart]", Ops: []pcode.Op{
			storeWord(demoUARTData, vm.Const('K', 4)),
		}},
		{Address: 0x1A, Length: 4, Disasm: "str '\\n', [uart]", Ops: []pcode.Op{
			storeWord(demoUARTData, vm.Const('\n', 4)),
		}},
		{Address: 0x1E, Length: 2, Disasm: "b .", Ops: []pcode.Op{
			{Opcode: pcode.Branch, Inputs: []vm.Varnode{absolute(0x1E)}},
		}},
	}

	program := make(map[vm.Address]*pcode.Insn, len(insns))
	for _, insn := range insns {
		program[insn.Address] = insn
	}

	return program, 0x1E
}
