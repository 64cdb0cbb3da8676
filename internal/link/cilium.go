package link

import (
	"fmt"

	cilasm "github.com/cilium/ebpf/asm"

	"github.com/tracebeam/dbpf/internal/codegen"
)

// ciliumRegisters maps this package's small dst/src register numbering
// onto cilium/ebpf/asm's named registers. R10 is the read-only frame
// pointer; this compiler's own register allocator never assigns it, so
// only indices 0-9 are ever produced by codegen, but the table covers
// R10 too for completeness against raw Instruction values that came
// from elsewhere (e.g. a stack-relative helper-library load).
var ciliumRegisters = [...]cilasm.Register{
	cilasm.R0, cilasm.R1, cilasm.R2, cilasm.R3, cilasm.R4,
	cilasm.R5, cilasm.R6, cilasm.R7, cilasm.R8, cilasm.R9, cilasm.R10,
}

func reg(n uint8) cilasm.Register {
	if int(n) >= len(ciliumRegisters) {
		return cilasm.R0
	}
	return ciliumRegisters[n]
}

// ToCiliumInstructions converts a fully linked/resolved DIFO's
// instruction buffer into cilium/ebpf/asm's Instructions form, the one
// point in the toolchain where this compiler's own pseudo-instruction
// representation is handed off to the library cilium/ebpf.NewProgram
// actually accepts. Every relocation has already been resolved by this
// point (Link's resolve pass), so no symbolic linking is needed here —
// offsets and immediates are copied through as concrete values.
func (d *DIFO) ToCiliumInstructions() (cilasm.Instructions, error) {
	out := make(cilasm.Instructions, 0, len(d.Instructions))
	for i, instr := range d.Instructions {
		ci, err := toCiliumInstruction(instr)
		if err != nil {
			return nil, fmt.Errorf("link: instruction %d: %w", i, err)
		}
		out = append(out, ci)
	}
	return out, nil
}

func toCiliumInstruction(instr codegen.Instruction) (cilasm.Instruction, error) {
	dst, src := reg(instr.Dst), reg(instr.Src)

	switch instr.Op {
	case codegen.OpMovImm:
		return cilasm.Mov.Imm(dst, instr.Imm), nil
	case codegen.OpMovReg:
		return cilasm.Mov.Reg(dst, src), nil
	case codegen.OpAdd:
		return cilasm.Add.Reg(dst, src), nil
	case codegen.OpSub:
		return cilasm.Sub.Reg(dst, src), nil
	case codegen.OpMul:
		return cilasm.Mul.Reg(dst, src), nil
	case codegen.OpDiv:
		return cilasm.Div.Reg(dst, src), nil
	case codegen.OpMod:
		return cilasm.Mod.Reg(dst, src), nil
	case codegen.OpAnd:
		return cilasm.And.Reg(dst, src), nil
	case codegen.OpOr:
		return cilasm.Or.Reg(dst, src), nil
	case codegen.OpXor:
		return cilasm.Xor.Reg(dst, src), nil

	case codegen.OpLoad64Imm:
		ci := cilasm.LoadImm(dst, int64(instr.Imm), cilasm.DWord)
		return ci, nil

	case codegen.OpStoreWord:
		ci := cilasm.StoreMem(dst, int16(instr.Off), src, cilasm.Word)
		return ci, nil

	case codegen.OpJEq:
		ci := cilasm.JEq.Reg(dst, src, "")
		ci.Offset = instr.Off
		return ci, nil
	case codegen.OpJNE:
		ci := cilasm.JNE.Reg(dst, src, "")
		ci.Offset = instr.Off
		return ci, nil
	case codegen.OpJGT:
		ci := cilasm.JGT.Reg(dst, src, "")
		ci.Offset = instr.Off
		return ci, nil
	case codegen.OpJGE:
		ci := cilasm.JGE.Reg(dst, src, "")
		ci.Offset = instr.Off
		return ci, nil
	case codegen.OpJLT:
		ci := cilasm.JLT.Reg(dst, src, "")
		ci.Offset = instr.Off
		return ci, nil
	case codegen.OpJLE:
		ci := cilasm.JLE.Reg(dst, src, "")
		ci.Offset = instr.Off
		return ci, nil
	case codegen.OpJA:
		ci := cilasm.Ja.Label("")
		ci.Offset = instr.Off
		return ci, nil

	case codegen.OpCall:
		ci := cilasm.Call.Label("")
		ci.Constant = int64(instr.Imm)
		return ci, nil

	case codegen.OpExit:
		return cilasm.Return(), nil

	case codegen.OpNop:
		// Dropped by the assembler's pass 1; a stray one reaching this
		// hand-off is harmless and emitted as a true no-op (mov r0,r0).
		return cilasm.Mov.Reg(cilasm.R0, cilasm.R0), nil

	default:
		return cilasm.Instruction{}, fmt.Errorf("unhandled opcode %v", instr.Op)
	}
}
