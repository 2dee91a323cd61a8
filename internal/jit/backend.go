package jit

import (
	"fmt"
	"sync"

	"github.com/tinyrange/rvcore/internal/asm"
	"github.com/tinyrange/rvcore/internal/hv"
)

// AluOp enumerates the guest ALU operations a Backend is asked to emit; the
// frontend drives these, never raw host encodings.
type AluOp int

const (
	AluAdd AluOp = iota
	AluSub
	AluAnd
	AluOr
	AluXor
	AluSll
	AluSrl
	AluSra
	AluSlt
	AluSltu
)

func (op AluOp) String() string {
	switch op {
	case AluAdd:
		return "add"
	case AluSub:
		return "sub"
	case AluAnd:
		return "and"
	case AluOr:
		return "or"
	case AluXor:
		return "xor"
	case AluSll:
		return "sll"
	case AluSrl:
		return "srl"
	case AluSra:
		return "sra"
	case AluSlt:
		return "slt"
	case AluSltu:
		return "sltu"
	default:
		return "invalid"
	}
}

// Backend is the per-host-architecture emitter capability set: emit_alu,
// emit_prologue, emit_epilogue, load/store a guest register, patch_jump,
// supports_native_linker. Unlike the teacher's rvjit backends, emission
// does not produce raw bytes directly; it appends internal/asm Fragments to
// a Builder, and Assemble turns the accumulated Fragments into a relocated
// program at the end of a block, mirroring the hosting asm package's own
// Group/EmitProgram composition.
type Backend interface {
	Architecture() hv.CpuArchitecture

	// FreeRegisterMask returns the host integer registers available to the
	// allocator after excluding platform-reserved ones (stack pointer,
	// hart-pointer register, link register where applicable). Bit i
	// corresponds to the i'th entry of the backend's own internal
	// register table, not a host ISA encoding.
	FreeRegisterMask() uint64

	// EmitProlog runs once at block entry, before any guest instruction is
	// translated.
	EmitProlog(b *Builder)
	// EmitEpilogue writes every dirty guest register back to the hart
	// struct, sets the hart's PC to nextPC, and returns control to the
	// caller (the Go dispatcher). Called once at block exit.
	EmitEpilogue(b *Builder, nextPC uint64)

	// EmitALU emits dst = lhs OP rhs (or dst = lhs OP imm when useImm).
	// Guest register 0 (x0) as an operand is handled by the caller
	// rewriting it to an equivalent immediate-0 form before calling in,
	// except as dst, which EmitALU must treat as a no-op (writes to x0
	// are always discarded).
	EmitALU(b *Builder, op AluOp, dst, lhs, rhs int, imm int64, useImm bool) error

	// EmitLoadGuestReg loads the hart struct's X[guestReg] slot into host
	// register hostReg. EmitStoreGuestReg is the reverse. Both are used
	// directly by the frontend (for the initial load of a live-in
	// register) and indirectly by the allocator's spill/load callbacks.
	EmitLoadGuestReg(b *Builder, guestReg, hostReg int)
	EmitStoreGuestReg(b *Builder, guestReg, hostReg int)

	// Assemble turns the Fragments accumulated in b into a finished
	// program. The returned program must need no further relocation: the
	// code heap copies its bytes in verbatim.
	Assemble(b *Builder) (asm.Program, error)

	// Invoke calls an already-placed, already-executable entry address
	// (a CodeHeap block's Entry) with the given arguments, using the host
	// calling convention. hart is always the sole argument in practice:
	// a *rv64.CPU pointer passed as unsafe.Pointer.
	Invoke(entry uintptr, args ...any) uintptr

	// SupportsNativeLinker reports whether PatchJump can rewrite an
	// already-emitted jump in place; if false the block linker never
	// queues an in-place patch for this backend (blocks always fall
	// through to the Go dispatcher instead, which is always correct, just
	// slower).
	SupportsNativeLinker() bool
	// PatchJump rewrites the jump at mem[offset:] to transfer control to
	// the absolute address target. Only called when
	// SupportsNativeLinker() is true.
	PatchJump(mem []byte, offset int, target uintptr)
}

var (
	backendMu sync.Mutex
	backends  = map[hv.CpuArchitecture]Backend{}
)

// RegisterBackend registers the Backend implementation for arch. Called from
// backend package init() functions, mirroring the teacher's ir.RegisterBackend
// double-registration guard.
func RegisterBackend(arch hv.CpuArchitecture, backend Backend) {
	backendMu.Lock()
	defer backendMu.Unlock()
	if _, exists := backends[arch]; exists {
		panic(fmt.Sprintf("jit: backend for %s already registered", arch))
	}
	backends[arch] = backend
}

// LookupBackend returns the registered Backend for arch, if any. A missing
// backend is not an error at this layer: callers (the hart loop) fall back
// to pure interpretation when no backend is registered for the host they
// are running on.
func LookupBackend(arch hv.CpuArchitecture) (Backend, bool) {
	backendMu.Lock()
	defer backendMu.Unlock()
	b, ok := backends[arch]
	return b, ok
}
