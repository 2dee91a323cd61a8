package jit

import "github.com/tinyrange/rvcore/internal/asm"

// Builder holds the transient state of a block being emitted: the
// accumulated Fragments (not yet assembled into bytes), the register
// allocator, the tentative guest PCs, and the outgoing link sites. It is
// discarded once Finalize (or an abort) consumes it.
type Builder struct {
	Fragments []asm.Fragment

	Alloc *Allocator

	VirtPC uint64
	PhysPC uint64

	RV64 bool

	LinkTargets []uint64
	LinkOffsets []int
}

// NewBuilder starts emission of a new block at the given guest PCs. The
// allocator's spill/load callbacks are wired directly to the backend's
// guest-register accessors, so a mid-block reclaim emits the same
// instructions a frontend-requested load/store would.
func NewBuilder(backend Backend, virtPC, physPC uint64, rv64 bool) *Builder {
	b := &Builder{VirtPC: virtPC, PhysPC: physPC, RV64: rv64}
	b.Alloc = NewAllocator(backend.FreeRegisterMask(),
		func(greg, hreg int) { backend.EmitStoreGuestReg(b, greg, hreg) },
		func(greg, hreg int) { backend.EmitLoadGuestReg(b, greg, hreg) },
	)
	return b
}

// Emit appends a fragment to the block under construction.
func (b *Builder) Emit(f asm.Fragment) { b.Fragments = append(b.Fragments, f) }

// AddLink records an outgoing patchable jump at the current end of the
// block, targeting the guest physical PC target. offset identifies where
// within the assembled program's bytes the patchable jump lives; backends
// that report SupportsNativeLinker()==false may pass 0, since it is never
// dereferenced.
func (b *Builder) AddLink(offset int, target uint64) {
	b.LinkOffsets = append(b.LinkOffsets, offset)
	b.LinkTargets = append(b.LinkTargets, target)
}
