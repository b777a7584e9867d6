// Package pcode interprets lifted pcode micro-operations against a vm.Backend.
// The lifter itself is external: callers supply an InsnSource that returns
// pre-lifted instructions, and the evaluator drives the backend's varnode,
// memory and userop contracts one micro-operation at a time.
package pcode

import (
	"fmt"

	"github.com/brindle/cortexm/internal/vm"
)

// MaxInsnSize is the longest encodable Thumb-2 instruction in bytes; an
// InsnSource never needs more than this many bytes from Backend.Fetch.
const MaxInsnSize = 4

// Opcode identifies one pcode micro-operation.
type Opcode uint8

const (
	Copy Opcode = iota
	Load
	Store

	IntAdd
	IntSub
	IntMul
	IntDiv
	IntSDiv
	IntRem
	IntSRem
	IntLShift
	IntRShift
	IntSRShift
	IntAnd
	IntOr
	IntXor
	IntCarry
	IntSCarry
	IntSBorrow
	IntEq
	IntNotEq
	IntLess
	IntSLess
	IntLessEq
	IntSLessEq
	IntSExt
	IntZExt
	IntNeg
	IntNot

	BoolAnd
	BoolOr
	BoolXor
	BoolNot

	LZCount
	PopCount

	Subpiece

	Branch
	CBranch
	IBranch
	Call
	ICall
	Return
	CallOther
)

var opcodeNames = map[Opcode]string{
	Copy: "COPY", Load: "LOAD", Store: "STORE",
	IntAdd: "INT_ADD", IntSub: "INT_SUB", IntMul: "INT_MULT",
	IntDiv: "INT_DIV", IntSDiv: "INT_SDIV", IntRem: "INT_REM", IntSRem: "INT_SREM",
	IntLShift: "INT_LEFT", IntRShift: "INT_RIGHT", IntSRShift: "INT_SRIGHT",
	IntAnd: "INT_AND", IntOr: "INT_OR", IntXor: "INT_XOR",
	IntCarry: "INT_CARRY", IntSCarry: "INT_SCARRY", IntSBorrow: "INT_SBORROW",
	IntEq: "INT_EQUAL", IntNotEq: "INT_NOTEQUAL",
	IntLess: "INT_LESS", IntSLess: "INT_SLESS",
	IntLessEq: "INT_LESSEQUAL", IntSLessEq: "INT_SLESSEQUAL",
	IntSExt: "INT_SEXT", IntZExt: "INT_ZEXT", IntNeg: "INT_2COMP", IntNot: "INT_NEGATE",
	BoolAnd: "BOOL_AND", BoolOr: "BOOL_OR", BoolXor: "BOOL_XOR", BoolNot: "BOOL_NEGATE",
	LZCount: "LZCOUNT", PopCount: "POPCOUNT",
	Subpiece: "SUBPIECE",
	Branch:   "BRANCH", CBranch: "CBRANCH", IBranch: "BRANCHIND",
	Call: "CALL", ICall: "CALLIND", Return: "RETURN", CallOther: "CALLOTHER",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}

	return fmt.Sprintf("Opcode(%d)", uint8(o))
}

// Op is one pcode micro-operation: an opcode, an optional output varnode and
// its input varnodes.
type Op struct {
	Opcode Opcode
	Output *vm.Varnode
	Inputs []vm.Varnode
}

// Insn is one lifted machine instruction: its address, its encoded length in
// bytes, and the micro-operation sequence it lifted to.
type Insn struct {
	Address vm.Address
	Length  uint32
	Ops     []Op

	// Disasm optionally carries the disassembly text for trace logging.
	Disasm string
}

// Next returns the address of the instruction following this one.
func (i *Insn) Next() vm.Address { return i.Address.Add(i.Length) }

// Location is the evaluator's program counter: a machine address plus a
// micro-operation position within the instruction lifted at that address.
type Location struct {
	Address  vm.Address
	Position int
}

func (l Location) String() string {
	return fmt.Sprintf("%s_%d", l.Address, l.Position)
}

// InsnSource supplies lifted instructions by address. The evaluator calls it
// whenever control arrives at an address it has no cached instruction for; a
// real IR lifter plugs in here, reading its bytes through Backend.Fetch.
type InsnSource func(addr vm.Address) (*Insn, error)
