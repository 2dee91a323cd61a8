//go:build (darwin || linux) && arm64

// Package arm64 implements the AArch64 jit.Backend, mirroring
// internal/jit/backend/amd64's translation of guest-register ALU
// operations into internal/asm/arm64 Fragments.
package arm64

import (
	"math"

	"github.com/tinyrange/rvcore/internal/asm"
	hostasm "github.com/tinyrange/rvcore/internal/asm/arm64"
	"github.com/tinyrange/rvcore/internal/hv"
	"github.com/tinyrange/rvcore/internal/jit"
)

func init() {
	jit.RegisterBackend(hv.ArchitectureARM64, Backend{})
}

// hartReg holds the guest Hart's *rv64.CPU pointer for the duration of a
// block: the AAPCS64 first argument register, loaded by the dispatcher's
// call and never reclaimed by the allocator.
const hartReg = hostasm.X0

// hostRegs enumerates the host registers available to the allocator. X18 is
// the platform register on some AArch64 ABIs (notably Darwin) and is
// excluded; X29/X30/SP are the frame pointer, link register, and stack
// pointer and are excluded too.
var hostRegs = []asm.Variable{
	hostasm.X1, hostasm.X2, hostasm.X3, hostasm.X4, hostasm.X5, hostasm.X6, hostasm.X7,
	hostasm.X9, hostasm.X10, hostasm.X11, hostasm.X12, hostasm.X13, hostasm.X14, hostasm.X15,
}

func guestRegOffset(idx int) int32 { return int32(idx * 8) }

const pcOffset = int32(32*8 + 32*8)

type Backend struct{}

func (Backend) Architecture() hv.CpuArchitecture { return hv.ArchitectureARM64 }

func (Backend) FreeRegisterMask() uint64 { return (1 << uint(len(hostRegs))) - 1 }

func reg(id int) hostasm.Reg { return hostasm.Reg64(hostRegs[id]) }

func hartMem(disp int32) hostasm.Memory {
	return hostasm.Mem(hostasm.Reg64(hartReg)).WithDisp(disp)
}

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
	default:
		lhsReg := reg(alloc.Map(lhsGuest))
		b.Emit(hostasm.MovReg(dst, lhsReg))
	}

	if !useImm && rhsGuest == 0 {
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

// emitImm materializes imm into a claimed scratch register and dispatches
// to the reg,reg form, since internal/asm/arm64 exports no reg,imm
// AND/OR/XOR and only a reg,imm ADD.
func (be Backend) emitImm(b *jit.Builder, op jit.AluOp, dst hostasm.Reg, imm int64) error {
	if imm < math.MinInt32 || imm > math.MaxInt32 {
		return jit.ErrUnsupportedOp
	}
	v := int32(imm)

	switch op {
	case jit.AluAdd:
		b.Emit(hostasm.AddRegImm(dst, v))
		return nil
	case jit.AluSub:
		b.Emit(hostasm.AddRegImm(dst, -v))
		return nil
	case jit.AluSll:
		if v < 0 || v > 63 {
			return jit.ErrUnsupportedOp
		}
		if v > 0 {
			b.Emit(hostasm.ShlRegImm(dst, uint32(v)))
		}
		return nil
	case jit.AluSrl:
		if v < 0 || v > 63 {
			return jit.ErrUnsupportedOp
		}
		if v > 0 {
			b.Emit(hostasm.ShrRegImm(dst, uint32(v)))
		}
		return nil
	}

	hreg, release := b.Alloc.ClaimScratch()
	defer release()
	scratch := reg(hreg)
	b.Emit(hostasm.MovImmediate(scratch, imm))
	return be.emitRegReg(b, op, dst, scratch)
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

// SupportsNativeLinker is false for the same reason as the amd64 backend:
// every block falls through to the Go dispatcher via a plain RET.
func (Backend) SupportsNativeLinker() bool { return false }

func (Backend) PatchJump(mem []byte, offset int, target uintptr) {
	panic("jit/backend/arm64: PatchJump called despite SupportsNativeLinker()==false")
}

var _ jit.Backend = Backend{}
