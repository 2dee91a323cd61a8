//go:build linux && amd64

// Package amd64 implements the x86-64 jit.Backend: it translates the
// straight-line guest-register ALU operations the rv64 tracer emits into
// native machine code via internal/asm/amd64, the same Fragment/Context
// machinery internal/asm/amd64/exec.go uses to compile and run ad hoc host
// functions.
package amd64

import (
	"math"

	"github.com/tinyrange/rvcore/internal/asm"
	hostasm "github.com/tinyrange/rvcore/internal/asm/amd64"
	"github.com/tinyrange/rvcore/internal/hv"
	"github.com/tinyrange/rvcore/internal/jit"
)

func init() {
	jit.RegisterBackend(hv.ArchitectureX86_64, Backend{})
}

// hartReg holds the guest Hart's *rv64.CPU pointer for the duration of a
// block. It is the System V first argument register, loaded by the
// dispatcher's call into the block and never reclaimed by the allocator.
const hartReg = hostasm.RDI

// hostRegs enumerates the host registers available to the allocator, in
// claim order. Index 0 (RAX) is also used by EmitEpilogue as scratch for
// materializing the next-PC immediate, which is always safe because
// WritebackAll has already flushed every dirty guest mapping by the time
// the epilogue reaches it.
var hostRegs = []asm.Variable{
	hostasm.RAX, hostasm.RBX, hostasm.RCX, hostasm.RDX, hostasm.RSI,
	hostasm.R8, hostasm.R9, hostasm.R10, hostasm.R11, hostasm.R12, hostasm.R13, hostasm.R15,
}

// guestRegOffset is the byte offset of CPU.X[idx] within the CPU struct;
// CPU.X is the first field, so this is simply idx*8. pcOffset is CPU.PC,
// which follows CPU.X[32] and CPU.F[32].
func guestRegOffset(idx int) int32 { return int32(idx * 8) }

const pcOffset = int32(32*8 + 32*8)

type Backend struct{}

func (Backend) Architecture() hv.CpuArchitecture { return hv.ArchitectureX86_64 }

func (Backend) FreeRegisterMask() uint64 { return (1 << uint(len(hostRegs))) - 1 }

func reg(id int) hostasm.Reg { return hostasm.Reg64(hostRegs[id]) }

func hartMem(disp int32) hostasm.Memory {
	return hostasm.Mem(hostasm.Reg64(hartReg)).WithDisp(disp)
}

// EmitProlog is a no-op: hartReg already holds the Hart pointer, loaded by
// the dispatcher's call per the System V calling convention.
func (Backend) EmitProlog(b *jit.Builder) {}

func (Backend) EmitLoadGuestReg(b *jit.Builder, guestReg, hostReg int) {
	b.Emit(hostasm.MovFromMemory(reg(hostReg), hartMem(guestRegOffset(guestReg))))
}

func (Backend) EmitStoreGuestReg(b *jit.Builder, guestReg, hostReg int) {
	b.Emit(hostasm.MovToMemory(hartMem(guestRegOffset(guestReg)), reg(hostReg)))
}

func (be Backend) EmitEpilogue(b *jit.Builder, nextPC uint64) {
	b.Alloc.WritebackAll()

	scratch := reg(0)
	b.Emit(hostasm.MovImmediate(scratch, int64(nextPC)))
	b.Emit(hostasm.MovToMemory(hartMem(pcOffset), scratch))
	b.Emit(hostasm.Ret())
}

func (be Backend) EmitALU(b *jit.Builder, op jit.AluOp, dstGuest, lhsGuest, rhsGuest int, imm int64, useImm bool) error {
	if dstGuest == 0 {
		// Writes to x0 are always discarded.
		return nil
	}

	alloc := b.Alloc
	dst := reg(alloc.Map(dstGuest))
	alloc.Pin(dstGuest)
	defer alloc.Unpin(dstGuest)

	switch {
	case lhsGuest == 0:
		b.Emit(hostasm.MovImmediate(dst, 0))
	case lhsGuest == dstGuest:
		// Already resident in dst.
	default:
		lhsReg := reg(alloc.Map(lhsGuest))
		b.Emit(hostasm.MovReg(dst, lhsReg))
	}

	if !useImm && rhsGuest == 0 {
		// rs2==x0 behaves like an immediate 0 for every op this backend
		// supports (AND clears, everything else is a no-op on top of lhs).
		useImm = true
		imm = 0
	}

	if useImm {
		if err := be.emitImm(b, op, dst, imm); err != nil {
			return err
		}
		alloc.MarkDirty(dstGuest)
		return nil
	}

	rhsReg := reg(alloc.Map(rhsGuest))
	if err := be.emitRegReg(b, op, dst, rhsReg); err != nil {
		return err
	}
	alloc.MarkDirty(dstGuest)
	return nil
}

func (Backend) emitImm(b *jit.Builder, op jit.AluOp, dst hostasm.Reg, imm int64) error {
	if imm < math.MinInt32 || imm > math.MaxInt32 {
		return jit.ErrUnsupportedOp
	}
	v := int32(imm)
	switch op {
	case jit.AluAdd:
		b.Emit(hostasm.AddRegImm(dst, v))
	case jit.AluSub:
		b.Emit(hostasm.AddRegImm(dst, -v))
	case jit.AluAnd:
		b.Emit(hostasm.AndRegImm(dst, v))
	case jit.AluOr:
		b.Emit(hostasm.OrRegImm(dst, v))
	case jit.AluSll:
		if v < 0 || v > 63 {
			return jit.ErrUnsupportedOp
		}
		if v > 0 {
			b.Emit(hostasm.ShlRegImm(dst, uint8(v)))
		}
	case jit.AluSrl:
		if v < 0 || v > 63 {
			return jit.ErrUnsupportedOp
		}
		if v > 0 {
			b.Emit(hostasm.ShrRegImm(dst, uint8(v)))
		}
	default:
		// XORI has no exported reg,imm form, and SRA/SLT/SLTU are not yet
		// implemented by this backend; the tracer stops the block here
		// and falls back to interpretation for the remaining instruction.
		return jit.ErrUnsupportedOp
	}
	return nil
}

func (Backend) emitRegReg(b *jit.Builder, op jit.AluOp, dst, rhs hostasm.Reg) error {
	switch op {
	case jit.AluAdd:
		b.Emit(hostasm.AddRegReg(dst, rhs))
	case jit.AluSub:
		b.Emit(hostasm.SubRegReg(dst, rhs))
	case jit.AluAnd:
		b.Emit(hostasm.AndRegReg(dst, rhs))
	case jit.AluOr:
		b.Emit(hostasm.OrRegReg(dst, rhs))
	case jit.AluXor:
		b.Emit(hostasm.XorRegReg(dst, rhs))
	default:
		// Variable-count shifts and SRA/SLT/SLTU need operands this
		// backend does not yet encode; fall back to interpretation.
		return jit.ErrUnsupportedOp
	}
	return nil
}

func (Backend) Assemble(b *jit.Builder) (asm.Program, error) {
	return hostasm.EmitProgram(asm.Group(b.Fragments))
}

func (Backend) Invoke(entry uintptr, args ...any) uintptr {
	return hostasm.CallEntry(entry, args...)
}

// SupportsNativeLinker is false: every block ends in a plain RET back to
// the Go dispatcher after updating CPU.PC, so there is no in-place jump for
// PatchJump to rewrite. Direct block-to-block native chaining is future
// work (see DESIGN.md).
func (Backend) SupportsNativeLinker() bool { return false }

func (Backend) PatchJump(mem []byte, offset int, target uintptr) {
	panic("jit/backend/amd64: PatchJump called despite SupportsNativeLinker()==false")
}

var _ jit.Backend = Backend{}
