//go:build linux && amd64

package amd64

import (
	"testing"

	"github.com/tinyrange/rvcore/internal/asm/testutil"
	"github.com/tinyrange/rvcore/internal/jit"
)

// TestEmitALUAddImmediate verifies that compiling `x5 = x5 + 3` produces a
// load of CPU.X[5], an ADD against the immediate, a writeback, and a
// trailing RET — the fixed straight-line shape every compiled block has.
func TestEmitALUAddImmediate(t *testing.T) {
	backend := Backend{}
	b := jit.NewBuilder(backend, 0x1000, 0x80001000, true)
	backend.EmitProlog(b)

	if err := backend.EmitALU(b, jit.AluAdd, 5, 5, 0, 3, true); err != nil {
		t.Fatalf("EmitALU: %v", err)
	}
	backend.EmitEpilogue(b, 0x1004)

	prog, err := backend.Assemble(b)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	if len(prog.Relocations()) != 0 {
		t.Fatalf("unexpected relocations: %v", prog.Relocations())
	}

	lines := testutil.DisassembleWithObjdump(t, prog.Bytes(), testutil.MachineX86_64)

	testutil.VerifyExpectations(t, lines, []testutil.Expectation{
		{Name: "load x5", Mnemonic: "mov"},
		{Name: "add imm", Mnemonic: "add"},
		{Name: "writeback x5", Mnemonic: "mov"},
		{Name: "load next pc immediate", Mnemonic: "movabs"},
		{Name: "store pc", Mnemonic: "mov"},
		{Name: "ret", Mnemonic: "ret"},
	})
}

// TestEmitALURegReg verifies dst = lhs OP rhs for a two-register operation
// (ADD x6, x6, x7) loads both operands before combining them.
func TestEmitALURegReg(t *testing.T) {
	backend := Backend{}
	b := jit.NewBuilder(backend, 0x2000, 0x80002000, true)
	backend.EmitProlog(b)

	if err := backend.EmitALU(b, jit.AluXor, 6, 6, 7, 0, false); err != nil {
		t.Fatalf("EmitALU: %v", err)
	}
	backend.EmitEpilogue(b, 0x2004)

	prog, err := backend.Assemble(b)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	lines := testutil.DisassembleWithObjdump(t, prog.Bytes(), testutil.MachineX86_64)
	if len(lines) == 0 {
		t.Fatal("expected at least one disassembled instruction")
	}

	foundXor := false
	for _, l := range lines {
		if l.Mnemonic == "xor" {
			foundXor = true
		}
	}
	if !foundXor {
		t.Fatalf("expected an xor instruction in disassembly:\n%v", lines)
	}
}

// TestEmitALUUnsupportedOp confirms SLT falls back to ErrUnsupportedOp
// rather than silently miscompiling, since this backend has no reg,imm SLT
// encoding wired up.
func TestEmitALUUnsupportedOp(t *testing.T) {
	backend := Backend{}
	b := jit.NewBuilder(backend, 0x3000, 0x80003000, true)

	err := backend.EmitALU(b, jit.AluSlt, 5, 5, 6, 0, false)
	if err != jit.ErrUnsupportedOp {
		t.Fatalf("EmitALU(SLT) = %v, want ErrUnsupportedOp", err)
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
