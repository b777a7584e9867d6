package pcode

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/brindle/cortexm/internal/log"
	"github.com/brindle/cortexm/internal/vm"
)

// eval.go is the concrete pcode evaluator: it maintains an (address,
// position) program counter of its own, interprets one instruction's
// micro-operations per Step, and writes the resulting machine PC back to the
// backend. Branches to EXC_RETURN values divert into the backend's exception
// return sequence instead of fetching.

var (
	// ErrUnsupported is returned for an opcode outside the implemented set.
	ErrUnsupported = errors.New("pcode: unsupported opcode")

	// ErrDivideByZero is returned when INT_DIV and friends see a zero divisor.
	ErrDivideByZero = errors.New("pcode: division by zero")
)

// flowType is the control-flow outcome of one micro-operation.
type flowType uint8

const (
	flowFall flowType = iota
	flowBranch
	flowCall
	flowReturn
)

// Evaluator steps a vm.Backend one lifted instruction at a time.
type Evaluator struct {
	backend *vm.Backend
	source  InsnSource
	userops []string

	pc   Location
	insn *Insn

	log *log.Logger
}

// EvalOption configures an Evaluator.
type EvalOption func(*Evaluator)

// WithUserops installs the CALLOTHER index-to-name table the lifted pcode
// was produced against.
func WithUserops(names []string) EvalOption {
	return func(e *Evaluator) { e.userops = names }
}

// WithLogger overrides the evaluator's logger.
func WithLogger(l *log.Logger) EvalOption {
	return func(e *Evaluator) { e.log = l }
}

// NewEvaluator creates an evaluator over backend, fetching lifted
// instructions from source.
func NewEvaluator(backend *vm.Backend, source InsnSource, opts ...EvalOption) *Evaluator {
	e := &Evaluator{
		backend: backend,
		source:  source,
		log:     log.DefaultLogger(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// PC returns the evaluator's current (address, position) program counter.
func (e *Evaluator) PC() Location { return e.pc }

// Step executes every micro-operation of the instruction at the backend's
// PC, then writes the successor PC back. A branch out of the instruction
// ends the step early; a fall off the final operation advances to the next
// instruction address.
func (e *Evaluator) Step() error {
	addr := e.backend.ReadPC()
	if e.insn == nil || e.insn.Address != addr {
		insn, err := e.source(addr)
		if err != nil {
			return fmt.Errorf("pcode: fetching %s: %w", addr, err)
		}

		e.insn = insn
		e.pc = Location{Address: addr}
	}

	insn := e.insn
	e.backend.SetNextPC(insn.Next())

	if insn.Disasm != "" {
		e.log.Debug("step", "pc", e.pc.String(), "insn", insn.Disasm)
	}

	flow := flowFall

	for e.pc.Address == insn.Address && e.pc.Position < len(insn.Ops) {
		op := insn.Ops[e.pc.Position]

		var (
			target Location
			err    error
		)

		flow, target, err = e.evaluate(op)
		if err != nil {
			return fmt.Errorf("pcode: %s %s: %w", e.pc, op.Opcode, err)
		}

		if flow == flowFall {
			e.pc.Position++
		} else {
			e.pc = target
		}
	}

	if flow == flowFall {
		e.pc = Location{Address: insn.Next()}
	}

	if vm.IsExcReturn(e.pc.Address) {
		if err := e.backend.ExceptionReturn(vm.ExcReturn(e.pc.Address)); err != nil {
			return err
		}

		e.pc = Location{Address: e.backend.ReadPC()}
	}

	e.backend.WritePC(e.pc.Address)

	return e.backend.ProcessEvents()
}

// Run drives the backend until the context is cancelled or the processor
// leaves the Alive/waiting states: take any eligible pending exception, step
// one instruction, tick peripherals, repeat. Parked states spin on ticks
// until a wakeup event is observed.
func (e *Evaluator) Run(ctx context.Context) error {
	e.log.Info("START", log.Group("STATE", e.backend))

	for {
		select {
		case <-ctx.Done():
			e.log.Warn("CANCELLED")
			return ctx.Err()
		default:
		}

		switch e.backend.Status() {
		case vm.StatusHalted, vm.StatusKilled:
			e.log.Info("HALTED", log.Group("STATE", e.backend))
			return nil
		case vm.StatusWaitingForEvent:
			if !e.backend.IsWFEWakeupEvent() {
				if err := e.backend.Tick(); err != nil {
					return err
				}

				continue
			}

			e.backend.SetStatus(vm.StatusAlive)
		case vm.StatusWaitingForInterrupt:
			if !e.backend.IsWFIWakeupEvent() {
				if err := e.backend.Tick(); err != nil {
					return err
				}

				continue
			}

			e.backend.SetStatus(vm.StatusAlive)
		}

		if _, err := e.backend.TakeException(); err != nil {
			return err
		}

		if err := e.Step(); err != nil {
			e.log.Error("STEP", "ERR", err, log.Group("STATE", e.backend))
			return err
		}

		if err := e.backend.Tick(); err != nil {
			return err
		}
	}
}

// absoluteLoc resolves a branch-target varnode: constant varnodes are
// micro-operation-position-relative within the current instruction, anything
// else is an absolute byte address at position 0.
func (e *Evaluator) absoluteLoc(vnd vm.Varnode) Location {
	if vnd.Space != vm.SpaceConstant {
		return Location{Address: vm.Address(vnd.Offset)}
	}

	offset := signExtend(vnd.Offset, vnd.Size)

	return Location{
		Address:  e.pc.Address,
		Position: e.pc.Position + int(offset),
	}
}

func (e *Evaluator) evaluate(op Op) (flowType, Location, error) {
	switch op.Opcode {
	case Copy:
		val, err := e.backend.ReadVarnode(op.Inputs[0])
		if err != nil {
			return flowFall, Location{}, err
		}

		return flowFall, Location{}, e.assign(op.Output, val)

	case Load:
		ptr, err := e.backend.ReadVarnode(op.Inputs[1])
		if err != nil {
			return flowFall, Location{}, err
		}

		val, err := e.backend.Load(vm.Address(ptr), int(op.Output.Size), false)
		if err != nil {
			return flowFall, Location{}, err
		}

		return flowFall, Location{}, e.assign(op.Output, val)

	case Store:
		ptr, err := e.backend.ReadVarnode(op.Inputs[1])
		if err != nil {
			return flowFall, Location{}, err
		}

		val, err := e.backend.ReadVarnode(op.Inputs[2])
		if err != nil {
			return flowFall, Location{}, err
		}

		return flowFall, Location{}, e.backend.Store(vm.Address(ptr), val, int(op.Inputs[2].Size), false)

	case IntAdd:
		return e.applyUnsigned2(op, func(l, r uint64) (uint64, error) { return l + r, nil })
	case IntSub:
		return e.applyUnsigned2(op, func(l, r uint64) (uint64, error) { return l - r, nil })
	case IntMul:
		return e.applyUnsigned2(op, func(l, r uint64) (uint64, error) { return l * r, nil })
	case IntDiv:
		return e.applyUnsigned2(op, func(l, r uint64) (uint64, error) {
			if r == 0 {
				return 0, ErrDivideByZero
			}

			return l / r, nil
		})
	case IntSDiv:
		return e.applySigned2(op, func(l, r int64) (int64, error) {
			if r == 0 {
				return 0, ErrDivideByZero
			}

			return l / r, nil
		})
	case IntRem:
		return e.applyUnsigned2(op, func(l, r uint64) (uint64, error) {
			if r == 0 {
				return 0, ErrDivideByZero
			}

			return l % r, nil
		})
	case IntSRem:
		return e.applySigned2(op, func(l, r int64) (int64, error) {
			if r == 0 {
				return 0, ErrDivideByZero
			}

			return l % r, nil
		})
	case IntLShift:
		return e.applyUnsigned2(op, func(l, r uint64) (uint64, error) { return l << r, nil })
	case IntRShift:
		return e.applyUnsigned2(op, func(l, r uint64) (uint64, error) { return l >> r, nil })
	case IntSRShift:
		return e.applySigned2(op, func(l, r int64) (int64, error) { return l >> uint64(r), nil })
	case IntAnd:
		return e.applyUnsigned2(op, func(l, r uint64) (uint64, error) { return l & r, nil })
	case IntOr:
		return e.applyUnsigned2(op, func(l, r uint64) (uint64, error) { return l | r, nil })
	case IntXor:
		return e.applyUnsigned2(op, func(l, r uint64) (uint64, error) { return l ^ r, nil })

	case IntCarry:
		return e.applyRaw2(op, func(l, r uint64, size uint8) uint64 {
			sum := maskSize(l+r, size)
			return boolVal(sum < maskSize(l, size))
		})
	case IntSCarry:
		return e.applyRaw2(op, func(l, r uint64, size uint8) uint64 {
			sl, sr := signExtend(l, size), signExtend(r, size)
			sum := signExtend(uint64(sl+sr), size)

			return boolVal(sum != sl+sr)
		})
	case IntSBorrow:
		return e.applyRaw2(op, func(l, r uint64, size uint8) uint64 {
			sl, sr := signExtend(l, size), signExtend(r, size)
			diff := signExtend(uint64(sl-sr), size)

			return boolVal(diff != sl-sr)
		})

	case IntEq:
		return e.applyUnsigned2(op, func(l, r uint64) (uint64, error) { return boolVal(l == r), nil })
	case IntNotEq:
		return e.applyUnsigned2(op, func(l, r uint64) (uint64, error) { return boolVal(l != r), nil })
	case IntLess:
		return e.applyUnsigned2(op, func(l, r uint64) (uint64, error) { return boolVal(l < r), nil })
	case IntLessEq:
		return e.applyUnsigned2(op, func(l, r uint64) (uint64, error) { return boolVal(l <= r), nil })
	case IntSLess:
		return e.applySigned2(op, func(l, r int64) (int64, error) { return int64(boolVal(l < r)), nil })
	case IntSLessEq:
		return e.applySigned2(op, func(l, r int64) (int64, error) { return int64(boolVal(l <= r)), nil })

	case IntZExt:
		return e.applyUnsigned1(op, func(v uint64) (uint64, error) { return v, nil })
	case IntSExt:
		return e.applySigned1(op, func(v int64) (int64, error) { return v, nil })
	case IntNeg:
		return e.applySigned1(op, func(v int64) (int64, error) { return -v, nil })
	case IntNot:
		return e.applyUnsigned1(op, func(v uint64) (uint64, error) { return ^v, nil })

	case BoolNot:
		return e.applyUnsigned1(op, func(v uint64) (uint64, error) { return boolVal(v == 0), nil })
	case BoolAnd:
		return e.applyUnsigned2(op, func(l, r uint64) (uint64, error) { return boolVal(l != 0 && r != 0), nil })
	case BoolOr:
		return e.applyUnsigned2(op, func(l, r uint64) (uint64, error) { return boolVal(l != 0 || r != 0), nil })
	case BoolXor:
		return e.applyUnsigned2(op, func(l, r uint64) (uint64, error) { return boolVal((l != 0) != (r != 0)), nil })

	case LZCount:
		return e.applyRaw1(op, func(v uint64, size uint8) uint64 {
			return uint64(bits.LeadingZeros64(v) - (64 - int(size)*8))
		})
	case PopCount:
		return e.applyRaw1(op, func(v uint64, _ uint8) uint64 {
			return uint64(bits.OnesCount64(v))
		})

	case Subpiece:
		src, err := e.backend.ReadVarnode(op.Inputs[0])
		if err != nil {
			return flowFall, Location{}, err
		}

		shift := op.Inputs[1].Offset * 8
		if shift >= 64 {
			src = 0
		} else {
			src >>= shift
		}

		return flowFall, Location{}, e.assign(op.Output, src)

	case Branch:
		return flowBranch, e.absoluteLoc(op.Inputs[0]), nil

	case CBranch:
		cond, err := e.backend.ReadVarnode(op.Inputs[1])
		if err != nil {
			return flowFall, Location{}, err
		}

		if cond != 0 {
			return flowBranch, e.absoluteLoc(op.Inputs[0]), nil
		}

		return flowFall, Location{}, nil

	case IBranch:
		addr, err := e.backend.ReadVarnode(op.Inputs[0])
		if err != nil {
			return flowFall, Location{}, err
		}

		return flowBranch, Location{Address: vm.Address(addr)}, nil

	case Call:
		return flowCall, e.absoluteLoc(op.Inputs[0]), nil

	case ICall:
		addr, err := e.backend.ReadVarnode(op.Inputs[0])
		if err != nil {
			return flowFall, Location{}, err
		}

		return flowCall, Location{Address: vm.Address(addr)}, nil

	case Return:
		addr, err := e.backend.ReadVarnode(op.Inputs[0])
		if err != nil {
			return flowFall, Location{}, err
		}

		return flowReturn, Location{Address: vm.Address(addr)}, nil

	case CallOther:
		return e.callOther(op)

	default:
		return flowFall, Location{}, fmt.Errorf("%w: %s", ErrUnsupported, op.Opcode)
	}
}

// callOther resolves the userop index in the first input against the
// configured name table and dispatches to the backend. A userop returning a
// target address becomes a branch.
func (e *Evaluator) callOther(op Op) (flowType, Location, error) {
	idx := int(op.Inputs[0].Offset)
	if op.Inputs[0].Space != vm.SpaceConstant || idx >= len(e.userops) {
		return flowFall, Location{}, fmt.Errorf("%w: userop index %d", vm.ErrInvalidUserop, idx)
	}

	target, branch, err := e.backend.Userop(e.userops[idx], op.Output, op.Inputs[1:])
	if err != nil {
		return flowFall, Location{}, err
	}

	if branch {
		return flowBranch, Location{Address: target}, nil
	}

	return flowFall, Location{}, nil
}

// assign writes val into the output varnode, masked to its size.
func (e *Evaluator) assign(out *vm.Varnode, val uint64) error {
	if out == nil {
		return nil
	}

	return e.backend.WriteVarnode(*out, maskSize(val, out.Size))
}

func (e *Evaluator) applyRaw2(op Op, fn func(l, r uint64, size uint8) uint64) (flowType, Location, error) {
	l, err := e.backend.ReadVarnode(op.Inputs[0])
	if err != nil {
		return flowFall, Location{}, err
	}

	r, err := e.backend.ReadVarnode(op.Inputs[1])
	if err != nil {
		return flowFall, Location{}, err
	}

	size := op.Inputs[0].Size
	if op.Inputs[1].Size > size {
		size = op.Inputs[1].Size
	}

	return flowFall, Location{}, e.assign(op.Output, fn(l, r, size))
}

func (e *Evaluator) applyUnsigned2(op Op, fn func(l, r uint64) (uint64, error)) (flowType, Location, error) {
	return e.applyRaw2Err(op, func(l, r uint64, _ uint8) (uint64, error) {
		return fn(l, r)
	})
}

func (e *Evaluator) applySigned2(op Op, fn func(l, r int64) (int64, error)) (flowType, Location, error) {
	return e.applyRaw2Err(op, func(l, r uint64, size uint8) (uint64, error) {
		v, err := fn(signExtend(l, size), signExtend(r, size))
		return uint64(v), err
	})
}

func (e *Evaluator) applyRaw2Err(op Op, fn func(l, r uint64, size uint8) (uint64, error)) (flowType, Location, error) {
	l, err := e.backend.ReadVarnode(op.Inputs[0])
	if err != nil {
		return flowFall, Location{}, err
	}

	r, err := e.backend.ReadVarnode(op.Inputs[1])
	if err != nil {
		return flowFall, Location{}, err
	}

	size := op.Inputs[0].Size
	if op.Inputs[1].Size > size {
		size = op.Inputs[1].Size
	}

	val, err := fn(l, r, size)
	if err != nil {
		return flowFall, Location{}, err
	}

	return flowFall, Location{}, e.assign(op.Output, val)
}

func (e *Evaluator) applyRaw1(op Op, fn func(v uint64, size uint8) uint64) (flowType, Location, error) {
	v, err := e.backend.ReadVarnode(op.Inputs[0])
	if err != nil {
		return flowFall, Location{}, err
	}

	return flowFall, Location{}, e.assign(op.Output, fn(v, op.Inputs[0].Size))
}

func (e *Evaluator) applyUnsigned1(op Op, fn func(v uint64) (uint64, error)) (flowType, Location, error) {
	v, err := e.backend.ReadVarnode(op.Inputs[0])
	if err != nil {
		return flowFall, Location{}, err
	}

	val, err := fn(v)
	if err != nil {
		return flowFall, Location{}, err
	}

	return flowFall, Location{}, e.assign(op.Output, val)
}

func (e *Evaluator) applySigned1(op Op, fn func(v int64) (int64, error)) (flowType, Location, error) {
	v, err := e.backend.ReadVarnode(op.Inputs[0])
	if err != nil {
		return flowFall, Location{}, err
	}

	val, err := fn(signExtend(v, op.Inputs[0].Size))
	if err != nil {
		return flowFall, Location{}, err
	}

	return flowFall, Location{}, e.assign(op.Output, uint64(val))
}

func boolVal(b bool) uint64 {
	if b {
		return 1
	}

	return 0
}

func maskSize(v uint64, size uint8) uint64 {
	if size >= 8 {
		return v
	}

	return v & (1<<(uint(size)*8) - 1)
}

func signExtend(v uint64, size uint8) int64 {
	if size >= 8 {
		return int64(v)
	}

	shift := 64 - uint(size)*8

	return int64(v<<shift) >> shift
}
