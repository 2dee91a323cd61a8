//go:build (darwin || linux) && arm64

package arm64

import (
	"testing"

	"github.com/tinyrange/rvcore/internal/asm/testutil"
	"github.com/tinyrange/rvcore/internal/jit"
)

func disasm(t *testing.T, b *jit.Builder, backend Backend) []testutil.DisasmLine {
	t.Helper()
	prog, err := backend.Assemble(b)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(prog.Relocations()) != 0 {
		t.Fatalf("unexpected relocations: %v", prog.Relocations())
	}
	return testutil.DisassembleWithObjdump(t, prog.Bytes(), testutil.MachineAArch64)
}

func hasMnemonic(lines []testutil.DisasmLine, mnemonic string) bool {
	for _, l := range lines {
		if l.Mnemonic == mnemonic {
			return true
		}
	}
	return false
}

// TestEmitALUAddImmediate verifies x5 = x5 + 3 compiles to a direct ADD
// (arm64 has a native reg,imm ADD, unlike AND/OR/XOR).
func TestEmitALUAddImmediate(t *testing.T) {
	backend := Backend{}
	b := jit.NewBuilder(backend, 0x1000, 0x80001000, true)
	backend.EmitProlog(b)

	if err := backend.EmitALU(b, jit.AluAdd, 5, 5, 0, 3, true); err != nil {
		t.Fatalf("EmitALU: %v", err)
	}
	backend.EmitEpilogue(b, 0x1004)

	lines := disasm(t, b, backend)
	if !hasMnemonic(lines, "add") {
		t.Fatalf("expected add instruction in disassembly:\n%v", lines)
	}
	if !hasMnemonic(lines, "ret") {
		t.Fatalf("expected ret instruction in disassembly:\n%v", lines)
	}
}

// TestEmitALUAndImmediateUsesScratch verifies x6 = x6 & 0xFF, which this
// backend cannot encode as a native reg,imm AND, goes through
// Allocator.ClaimScratch to materialize the immediate before an AND reg,reg.
func TestEmitALUAndImmediateUsesScratch(t *testing.T) {
	backend := Backend{}
	b := jit.NewBuilder(backend, 0x2000, 0x80002000, true)
	backend.EmitProlog(b)

	if err := backend.EmitALU(b, jit.AluAnd, 6, 6, 0, 0xFF, true); err != nil {
		t.Fatalf("EmitALU: %v", err)
	}
	backend.EmitEpilogue(b, 0x2004)

	lines := disasm(t, b, backend)
	if !hasMnemonic(lines, "and") {
		t.Fatalf("expected and instruction in disassembly:\n%v", lines)
	}
}

func TestEmitALURegRegXor(t *testing.T) {
	backend := Backend{}
	b := jit.NewBuilder(backend, 0x3000, 0x80003000, true)
	backend.EmitProlog(b)

	if err := backend.EmitALU(b, jit.AluXor, 7, 7, 8, 0, false); err != nil {
		t.Fatalf("EmitALU: %v", err)
	}
	backend.EmitEpilogue(b, 0x3004)

	lines := disasm(t, b, backend)
	if !hasMnemonic(lines, "eor") {
		t.Fatalf("expected eor (xor) instruction in disassembly:\n%v", lines)
	}
}

func TestEmitALUWritesToX0Discarded(t *testing.T) {
	backend := Backend{}
	b := jit.NewBuilder(backend, 0x4000, 0x80004000, true)

	if err := backend.EmitALU(b, jit.AluAdd, 0, 1, 0, 5, true); err != nil {
		t.Fatalf("EmitALU: %v", err)
	}
	if len(b.Fragments) != 0 {
		t.Fatalf("write to x0 should emit nothing, got %d fragments", len(b.Fragments))
	}
}
