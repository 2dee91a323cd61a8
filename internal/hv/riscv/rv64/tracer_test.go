package rv64

import (
	"bytes"
	"testing"
)

// TestTracerCompilesHotBlock drives the same three-instruction ALU chain
// through the interpreter until it crosses the hotness threshold, then
// verifies a compiled block actually lands in the code heap and produces
// identical register results to the interpreted runs that preceded it —
// this is module 8 (the tracer) wired into Machine.Step's dispatch loop,
// not merely present in the tree.
func TestTracerCompilesHotBlock(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil)
	if m.tracer == nil {
		t.Skip("no jit.Backend registered for this host architecture")
	}

	start := RAMBase
	code := []uint32{
		0x00500293, // addi x5, x0, 5
		0x00328293, // addi x5, x5, 3
		0x00728313, // addi x6, x5, 7
	}
	for i, insn := range code {
		if err := m.Bus.Write32(start+uint64(i*4), insn); err != nil {
			t.Fatalf("Write32: %v", err)
		}
	}

	if _, compiled := m.heap.Blocks().Lookup(start); compiled {
		t.Fatal("block should not be compiled before any instruction was observed")
	}

	for round := 0; round < hotThreshold+1; round++ {
		m.CPU.PC = start
		m.CPU.X[5] = 0
		m.CPU.X[6] = 0

		for m.CPU.PC < start+uint64(len(code)*4) {
			if err := m.Step(); err != nil {
				t.Fatalf("round %d: Step: %v", round, err)
			}
		}

		if m.CPU.X[5] != 8 {
			t.Fatalf("round %d: x5 = %d, want 8", round, m.CPU.X[5])
		}
		if m.CPU.X[6] != 15 {
			t.Fatalf("round %d: x6 = %d, want 15", round, m.CPU.X[6])
		}
	}

	block, compiled := m.heap.Blocks().Lookup(start)
	if !compiled {
		t.Fatal("expected a compiled block at the hot PC after crossing the hotness threshold")
	}
	if block.InsnCount != len(code) {
		t.Fatalf("block.InsnCount = %d, want %d", block.InsnCount, len(code))
	}
}

// TestTracerStopsAtUnsupportedInstruction verifies a block compiled from a
// straight ALU run followed by a store instruction only covers the ALU
// instructions: the store must stay with the interpreter.
func TestTracerStopsAtUnsupportedInstruction(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil)
	if m.tracer == nil {
		t.Skip("no jit.Backend registered for this host architecture")
	}

	start := RAMBase
	// addi x5, x0, 1 ; sb x5, 0(x0) (store byte, not traceable)
	if err := m.Bus.Write32(start, 0x00100293); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	if err := m.Bus.Write32(start+4, 0x00500023); err != nil {
		t.Fatalf("Write32: %v", err)
	}

	block, ok := m.tracer.Trace(m.Bus, start, start)
	if !ok {
		t.Fatal("expected the leading ADDI to compile into a block")
	}
	if block.InsnCount != 1 {
		t.Fatalf("block.InsnCount = %d, want 1 (store must stop the trace)", block.InsnCount)
	}
}
