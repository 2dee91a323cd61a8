package rvcore_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/tinyrange/rvcore"
)

// TestMachineHaltsOnStoreToZero loads a single `sw zero, 0(zero)` at the
// reset PC. The rv64 core runs with stop-on-zero enabled, so a store to
// physical address 0 halts the guest and Run reports ErrHalted.
func TestMachineHaltsOnStoreToZero(t *testing.T) {
	var out bytes.Buffer
	m, err := rvcore.New(rvcore.WithMemorySize(1<<20), rvcore.WithOutput(&out))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	// sw zero, 0(zero) at the start of RAM, where the primary hart resets.
	if err := m.LoadAt(0x80000000, []byte{0x23, 0x20, 0x00, 0x00}); err != nil {
		t.Fatalf("LoadAt: %v", err)
	}

	if err := m.Run(context.Background()); !errors.Is(err, rvcore.ErrHalted) {
		t.Fatalf("Run = %v, want ErrHalted", err)
	}
}

// TestReadWriteRegister exercises the register accessors without running
// any guest code.
func TestReadWriteRegister(t *testing.T) {
	m, err := rvcore.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if err := m.WriteRegister(rvcore.RegX0+10, 0x1234); err != nil {
		t.Fatalf("WriteRegister: %v", err)
	}
	got, err := m.ReadRegister(rvcore.RegX0 + 10)
	if err != nil {
		t.Fatalf("ReadRegister: %v", err)
	}
	if got != 0x1234 {
		t.Fatalf("ReadRegister = 0x%x, want 0x1234", got)
	}
}
