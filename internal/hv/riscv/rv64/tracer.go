package rv64

import (
	"runtime"
	"unsafe"

	"github.com/tinyrange/rvcore/internal/hv"
	"github.com/tinyrange/rvcore/internal/jit"
)

// hotThreshold is the number of interpreted visits to a physical PC before
// the tracer attempts to compile it (§4.9 step 4's hotness-promotion
// trigger): tracing a block on its very first execution would spend code
// heap space on addresses only ever hit once (a reset vector, an
// exception handler's prologue that traps out immediately, and so on).
const hotThreshold = 16

// maxTraceInstructions bounds how many guest instructions a single trace
// compiles, keeping block compilation itself cheap and bounding code heap
// consumption per block.
const maxTraceInstructions = 32

// hostCpuArchitecture maps the running process's GOARCH to the
// jit.Backend registry key, so Machine can look up a backend for whatever
// host it happens to be running on without the caller naming it.
func hostCpuArchitecture() hv.CpuArchitecture {
	switch runtime.GOARCH {
	case "amd64":
		return hv.ArchitectureX86_64
	case "arm64":
		return hv.ArchitectureARM64
	default:
		return hv.ArchitectureInvalid
	}
}

// Tracer is the JIT frontend (module 8): it decodes straight-line runs of
// guest ALU instructions starting at a hot physical PC, emits them through
// a registered jit.Backend into a Builder, and finalizes the result into a
// shared jit.CodeHeap. Only instructions that always fall through to a
// statically known next PC are traced; any branch, jump, load, store,
// system instruction, or compressed encoding ends the block there and
// leaves the rest to the interpreter.
type Tracer struct {
	backend jit.Backend
	heap    *jit.CodeHeap
	hot     map[uint64]uint32
}

// NewTracer returns a Tracer backed by heap, or ok==false if no jit.Backend
// is registered for the running host architecture (the hart loop falls
// back to pure interpretation in that case).
func NewTracer(heap *jit.CodeHeap) (tracer *Tracer, ok bool) {
	backend, ok := jit.LookupBackend(hostCpuArchitecture())
	if !ok {
		return nil, false
	}
	return &Tracer{backend: backend, heap: heap, hot: make(map[uint64]uint32)}, true
}

// Observe records an interpreted visit to physPC and reports whether it has
// just crossed the hotness threshold, meaning the caller should attempt
// Trace next.
func (t *Tracer) Observe(physPC uint64) bool {
	t.hot[physPC]++
	return t.hot[physPC] == hotThreshold
}

// decodeTraceableALU recognizes the OP-IMM and OP instructions this tracer
// compiles: ADDI/ANDI/ORI/SLLI/SRLI and ADD/SUB/AND/OR/XOR. Everything else
// (including SUBI-shaped encodings that don't exist, variable-count shifts,
// SLT/SLTU, and every non-ALU opcode) reports ok=false.
func decodeTraceableALU(insn uint32) (op jit.AluOp, lhs, rhs int, imm int64, useImm, ok bool) {
	switch opcode(insn) {
	case OpOpImm:
		lhs = int(rs1(insn))
		switch funct3(insn) {
		case 0x0:
			return jit.AluAdd, lhs, 0, immI(insn), true, true
		case 0x6:
			return jit.AluOr, lhs, 0, immI(insn), true, true
		case 0x7:
			return jit.AluAnd, lhs, 0, immI(insn), true, true
		case 0x1:
			if funct7(insn) == 0x00 {
				return jit.AluSll, lhs, 0, int64(rs2(insn)), true, true
			}
		case 0x5:
			switch funct7(insn) {
			case 0x00:
				return jit.AluSrl, lhs, 0, int64(rs2(insn)), true, true
			}
		}
	case OpOp:
		lhs, rhs = int(rs1(insn)), int(rs2(insn))
		switch funct3(insn) {
		case 0x0:
			switch funct7(insn) {
			case 0x00:
				return jit.AluAdd, lhs, rhs, 0, false, true
			case 0x20:
				return jit.AluSub, lhs, rhs, 0, false, true
			}
		case 0x4:
			return jit.AluXor, lhs, rhs, 0, false, true
		case 0x6:
			return jit.AluOr, lhs, rhs, 0, false, true
		case 0x7:
			return jit.AluAnd, lhs, rhs, 0, false, true
		}
	}
	return 0, 0, 0, 0, false, false
}

// Trace compiles a straight-line block starting at the guest virtual
// address virtPC, whose instructions live at physical address physPC
// onward (already MMU-translated by the caller). It returns the compiled
// Block, or ok==false if nothing could be compiled — the very first
// instruction was unsupported, the backend rejected it, or the heap had no
// room.
func (t *Tracer) Trace(bus *Bus, virtPC, physPC uint64) (block *jit.Block, ok bool) {
	b := jit.NewBuilder(t.backend, virtPC, physPC, true)
	t.backend.EmitProlog(b)

	count := 0
	pc := physPC
	for count < maxTraceInstructions {
		insn, err := bus.Fetch(pc)
		if err != nil {
			break
		}
		if insn&0x3 != 0x3 {
			break // compressed instruction, outside this tracer's scope
		}

		op, lhs, rhs, imm, useImm, decodeOK := decodeTraceableALU(insn)
		if !decodeOK {
			break
		}
		if err := t.backend.EmitALU(b, op, int(rd(insn)), lhs, rhs, imm, useImm); err != nil {
			break
		}

		count++
		pc += 4
	}
	if count == 0 {
		return nil, false
	}

	nextPhysPC := physPC + uint64(count)*4
	nextVirtPC := virtPC + uint64(count)*4

	t.backend.EmitEpilogue(b, nextVirtPC)
	b.AddLink(0, nextPhysPC)

	prog, err := t.backend.Assemble(b)
	if err != nil {
		return nil, false
	}
	if len(prog.Relocations()) != 0 {
		// This tracer only ever emits guest-register loads/stores and
		// small immediates, none of which need a post-copy relocation; a
		// non-empty list here means a future change started using one
		// without teaching the code heap to apply it before dispatch.
		return nil, false
	}

	block, err = t.heap.Finalize(prog.Bytes(), physPC, count, b.LinkTargets, b.LinkOffsets)
	if err == jit.ErrHeapFull {
		t.heap.Flush()
		block, err = t.heap.Finalize(prog.Bytes(), physPC, count, b.LinkTargets, b.LinkOffsets)
	}
	if err != nil {
		return nil, false
	}
	return block, true
}

// Invoke runs a compiled block against cpu and reports the guest PC it left
// behind (the block's epilogue always writes CPU.PC before returning).
func (t *Tracer) Invoke(block *jit.Block, cpu *CPU) uint64 {
	t.backend.Invoke(block.Entry, unsafe.Pointer(cpu))
	return cpu.PC
}
