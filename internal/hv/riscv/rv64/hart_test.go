package rv64

import (
	"bytes"
	"context"
	"testing"
	"time"
)

// TestAddHartParksUntilStarted verifies a hart created via AddHart stays in
// WFI (never executes) until the primary issues an SBI HSM
// sbi_hart_start call naming it.
func TestAddHartParksUntilStarted(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil)
	hart := m.AddHart()

	if !hart.CPU.WFI {
		t.Fatal("a freshly added hart should start parked in WFI")
	}
	pc := hart.CPU.PC
	if err := m.stepHart(hart); err != nil {
		t.Fatalf("stepHart on a parked hart: %v", err)
	}
	if hart.CPU.PC != pc {
		t.Fatalf("parked hart should not advance PC, got 0x%x, want 0x%x", hart.CPU.PC, pc)
	}
}

// TestSBIHartStartWakesSecondaryHart drives the full HSM path: the primary
// hart issues sbi_hart_start naming a hart created via AddHart, and that
// hart's RunHart loop actually executes the program placed at its entry
// point, sharing the same Bus the primary uses.
func TestSBIHartStartWakesSecondaryHart(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(2*1024*1024, output, nil)
	hart := m.AddHart()

	entry := RAMBase + 0x1000
	// addi x10, x0, 42 ; jal x0, 0 (infinite self-loop so the hart parks
	// on a known instruction instead of running into unmapped memory)
	if err := m.Bus.Write32(entry, 0x02A00513); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	if err := m.Bus.Write32(entry+4, 0x0000006F); err != nil {
		t.Fatalf("Write32: %v", err)
	}

	// The primary issues sbi_hart_start(hartid, entry, 0) directly,
	// bypassing the ecall trap path since no guest code runs on the
	// primary in this test.
	m.primary.CPU.X[10] = hart.ID
	m.primary.CPU.X[11] = entry
	m.primary.CPU.X[12] = 0
	errCode, _ := m.handleSBIHSM(m.primary, SBIHSMHartStart)
	if errCode != SBISuccess {
		t.Fatalf("sbi_hart_start returned %d, want SBISuccess", errCode)
	}
	if hart.CPU.WFI {
		t.Fatal("hart should no longer be parked after sbi_hart_start")
	}
	if hart.CPU.PC != entry {
		t.Fatalf("hart.CPU.PC = 0x%x, want 0x%x", hart.CPU.PC, entry)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.RunHart(ctx, hart, 1000); err != context.DeadlineExceeded {
		t.Fatalf("RunHart = %v, want context.DeadlineExceeded (hart parked in its self-loop)", err)
	}

	if hart.CPU.X[10] != 42 {
		t.Fatalf("hart x10 = %d, want 42", hart.CPU.X[10])
	}

	// Starting the same hart again must be rejected.
	errCode, _ = m.handleSBIHSM(m.primary, SBIHSMHartStart)
	if errCode != SBIErrAlreadyAvail {
		t.Fatalf("second sbi_hart_start = %d, want SBIErrAlreadyAvail", errCode)
	}
}

// TestHartsIncludesPrimaryFirst verifies Machine.Harts always reports the
// primary hart at index 0, followed by every AddHart call in order.
func TestHartsIncludesPrimaryFirst(t *testing.T) {
	output := &bytes.Buffer{}
	m := NewMachine(1024*1024, output, nil)
	h1 := m.AddHart()
	h2 := m.AddHart()

	harts := m.Harts()
	if len(harts) != 3 {
		t.Fatalf("len(Harts()) = %d, want 3", len(harts))
	}
	if harts[0] != m.primary || harts[1] != h1 || harts[2] != h2 {
		t.Fatal("Harts() did not return primary, then AddHart results, in order")
	}
	if h1.ID != 1 || h2.ID != 2 {
		t.Fatalf("hart IDs = %d, %d, want 1, 2", h1.ID, h2.ID)
	}
}
