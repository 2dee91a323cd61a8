package rv64

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/rvcore/internal/jit"
)

// ErrHalt is returned when the machine is halted
var ErrHalt = errors.New("machine halted")

// jitCodeHeapSize is the size of each Machine's code heap arena. Modest by
// design: Flush is cheap (a bump-pointer reset, no per-block free) so
// running the heap full just costs a round of re-tracing, not correctness.
const jitCodeHeapSize = 4 << 20

// Hart is one execution context sharing a Machine's bus, code heap and
// epoch counter with every other hart. The primary hart (ID 0) is always
// present and is also reachable through Machine.CPU/Machine.MMU for
// backward compatibility with single-hart callers; additional harts are
// created with Machine.AddHart and start parked in WFI until an
// sbi_hart_start call from the primary sets their entry PC (see
// Machine.handleSBIHSM).
type Hart struct {
	ID     uint64
	CPU    *CPU
	MMU    *MMU
	tracer *Tracer

	started atomic.Bool
	stopped atomic.Bool
}

// Machine represents a complete RV64GC system
type Machine struct {
	CPU   *CPU
	Bus   *Bus
	MMU   *MMU
	CLINT *CLINT
	PLIC  *PLIC
	UART  *UART

	// Debug output
	DebugOutput io.Writer

	// Halt flag
	halted atomic.Bool

	// Stop on write to address 0
	stopOnZero bool

	// Instruction count for yielding
	instructionCount uint64

	// epoch counts code heap flushes, shared with every hart sharing this
	// machine's heap so a stale block reference can be detected after a
	// cross-hart TLB shootdown or dirty-page invalidation.
	epoch *atomic.Uint64

	// heap holds compiled traces. Nil if no jit.Backend is registered for
	// the host architecture, in which case Step runs pure interpretation.
	heap *jit.CodeHeap

	// tracer is the primary hart's JIT frontend; nil alongside heap when
	// tracing is unavailable. Mirrors primary.tracer.
	tracer *Tracer

	// primary is hart 0, aliasing CPU/MMU/tracer above so existing
	// single-hart call sites (sbi.go, hypervisor.go, Register/SetRegister)
	// keep working unmodified.
	primary *Hart

	// secondary holds every hart added via AddHart, in creation order.
	// Only safe to append to before Run/RunAllHarts begins.
	secondary []*Hart
}

// NewMachine creates a new RV64GC machine
func NewMachine(ramSize uint64, output io.Writer, input io.Reader) *Machine {
	bus := NewBus(ramSize)

	cpu := NewCPU(bus)
	mmu := NewMMU(cpu)
	clint := NewCLINT(cpu)
	plic := NewPLIC(cpu)
	uart := NewUART(output, input)

	// Add devices to bus
	bus.AddDevice(CLINTBase, clint)
	bus.AddDevice(PLICBase, plic)
	bus.AddDevice(UARTBase, uart)

	m := &Machine{
		CPU:   cpu,
		Bus:   bus,
		MMU:   mmu,
		CLINT: clint,
		PLIC:  plic,
		UART:  uart,
		epoch: new(atomic.Uint64),
	}

	if heap, err := jit.NewCodeHeap(jitCodeHeapSize, m.epoch); err == nil {
		if tracer, ok := NewTracer(heap); ok {
			m.heap = heap
			m.tracer = tracer
		} else {
			_ = heap.Close()
		}
	}

	m.primary = &Hart{ID: 0, CPU: cpu, MMU: mmu, tracer: m.tracer}
	m.primary.started.Store(true)

	return m
}

// AddHart creates an additional hart sharing this machine's bus, code heap
// and epoch counter, and returns it so the caller can inspect its ID. The
// new hart starts parked in WFI; it begins executing once the primary hart
// issues an SBI HSM sbi_hart_start call naming its hart ID. Call only
// before Run/RunAllHarts begins: appending to secondary concurrently with
// execution is not synchronized.
func (m *Machine) AddHart() *Hart {
	id := uint64(len(m.secondary) + 1)
	cpu := NewCPU(m.Bus)
	cpu.Mhartid = id
	cpu.WFI = true

	h := &Hart{ID: id, CPU: cpu, MMU: NewMMU(cpu)}
	if m.heap != nil {
		if tracer, ok := NewTracer(m.heap); ok {
			h.tracer = tracer
		}
	}

	m.secondary = append(m.secondary, h)
	return h
}

// Harts returns every hart known to the machine, primary first.
func (m *Machine) Harts() []*Hart {
	harts := make([]*Hart, 0, 1+len(m.secondary))
	harts = append(harts, m.primary)
	return append(harts, m.secondary...)
}

func (m *Machine) hartByID(id uint64) *Hart {
	for _, h := range m.Harts() {
		if h.ID == id {
			return h
		}
	}
	return nil
}

// Reset resets the machine, including every hart added via AddHart, to
// initial state.
func (m *Machine) Reset() {
	for _, h := range m.Harts() {
		h.CPU.Reset()
		h.MMU.FlushTLB()
		if h != m.primary {
			h.CPU.WFI = true // parked until the next sbi_hart_start
		}
		h.started.Store(h == m.primary)
		h.stopped.Store(false)
	}
	m.halted.Store(false)
	if m.heap != nil {
		m.heap.Flush()
		m.Bus.Dirty.Clear()
	}
}

// SetPC sets the program counter
func (m *Machine) SetPC(pc uint64) {
	m.CPU.PC = pc
}

// GetPC gets the program counter
func (m *Machine) GetPC() uint64 {
	return m.CPU.PC
}

// SetStopOnZero enables halting when writing to address 0
func (m *Machine) SetStopOnZero(enable bool) {
	m.stopOnZero = enable
}

// LoadBytes loads data into memory at the given physical address
func (m *Machine) LoadBytes(addr uint64, data []byte) error {
	return m.Bus.LoadBytes(addr, data)
}

// MemoryBase returns the base address of RAM
func (m *Machine) MemoryBase() uint64 {
	return m.Bus.RAMBase
}

// MemorySize returns the size of RAM
func (m *Machine) MemorySize() uint64 {
	return m.Bus.RAM.Size()
}

// Step executes a single instruction on the primary hart.
func (m *Machine) Step() error {
	return m.stepHart(m.primary)
}

// stepHart executes a single instruction on h. It is the hart-parameterized
// core behind both Step (primary hart) and RunHart (any hart); h.CPU/h.MMU
// replace the single m.CPU/m.MMU a pre-multi-hart Step read from, while
// m.Bus/m.heap/m.CLINT/m.PLIC/m.UART stay shared across every hart.
func (m *Machine) stepHart(h *Hart) error {
	// Check for pending interrupts
	if !h.CPU.WFI {
		if pending, cause := h.CPU.CheckInterrupt(); pending {
			h.CPU.HandleTrap(cause, 0)
			return nil
		}
	} else {
		// WFI - check if we should wake up
		if pending, _ := h.CPU.CheckInterrupt(); pending {
			h.CPU.WFI = false
		} else {
			return nil // Still waiting
		}
	}

	// Translate instruction address
	pc := h.CPU.PC
	paddr, err := h.MMU.TranslateFetch(pc)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			h.CPU.HandleTrap(exc.Cause, pc)
			return nil
		}
		return err
	}

	if n, ok := m.tryDispatchCompiled(h, paddr); ok {
		h.CPU.Cycle += n
		h.CPU.Instret += n
		if h == m.primary {
			m.instructionCount += n
		}
		return nil
	}

	// Fetch instruction
	insn, err := m.Bus.Fetch(paddr)
	if err != nil {
		h.CPU.HandleTrap(CauseInsnAccessFault, pc)
		return nil
	}

	// Check for compressed instruction
	isCompressed := (insn & 0x3) != 0x3
	if isCompressed {
		// Expand compressed instruction
		expanded, err := h.CPU.ExpandCompressed(uint16(insn))
		if err != nil {
			if exc, ok := err.(ExceptionError); ok {
				h.CPU.HandleTrap(exc.Cause, pc)
				return nil
			}
			return err
		}
		insn = expanded
	}

	// Save old PC for exception handling
	oldPC := h.CPU.PC

	// Execute instruction
	err = m.executeWithMMU(h, insn)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			h.CPU.PC = oldPC

			// Check for ecall from S-mode - handle as SBI call
			if exc.Cause == CauseEcallFromS {
				if err := m.handleSBI(h); err != nil {
					return err
				}
				// Advance PC past ecall instruction
				h.CPU.PC += 4
				return nil
			}

			h.CPU.HandleTrap(exc.Cause, exc.Tval)
			return nil
		}
		return err
	}

	// If PC wasn't changed by a jump, increment it
	if h.CPU.PC == oldPC {
		if isCompressed {
			h.CPU.PC += 2
		} else {
			h.CPU.PC += 4
		}
	}

	// Update counters
	h.CPU.Cycle++
	h.CPU.Instret++
	if h == m.primary {
		m.instructionCount++
	}

	return nil
}

// tryDispatchCompiled looks for a compiled trace starting at physical
// address paddr and, if one exists, runs it in place of the interpreter for
// this Step. It reports whether a compiled block actually ran.
//
// A dirty RAM page anywhere flushes the whole heap before the lookup: the
// teacher's equivalent scheme (internal/asm/amd64/exec.go's W^X trampoline)
// only ever runs a block once and never needs invalidation, so there was no
// finer-grained precedent to follow here; whole-heap invalidation is the
// simplest correct response to self-modifying code (§8.6) and Flush is
// cheap (a bump-pointer reset, no per-block free). The heap and dirty
// tracker are shared by every hart, so one hart's self-modifying store
// invalidates compiled blocks for all of them.
func (m *Machine) tryDispatchCompiled(h *Hart, paddr uint64) (insnCount uint64, ok bool) {
	if m.heap == nil || h.tracer == nil {
		return 0, false
	}

	if m.Bus.Dirty.AnyDirty() {
		m.heap.Flush()
		m.Bus.Dirty.Clear()
		return 0, false
	}

	if block, found := m.heap.Blocks().Lookup(paddr); found {
		h.tracer.Invoke(block, h.CPU)
		return uint64(block.InsnCount), true
	}

	if h.tracer.Observe(paddr) {
		h.tracer.Trace(m.Bus, h.CPU.PC, paddr)
	}
	return 0, false
}

// executeWithMMU executes an instruction with MMU translation for memory ops
func (m *Machine) executeWithMMU(h *Hart, insn uint32) error {
	// Wrap bus operations with MMU translation
	op := opcode(insn)

	switch op {
	case OpLoad:
		return m.execLoadMMU(h, insn)
	case OpStore:
		return m.execStoreMMU(h, insn)
	case OpAMO:
		return m.execAMOMMU(h, insn)
	case OpLoadFP:
		return m.execLoadFPMMU(h, insn)
	case OpStoreFP:
		return m.execStoreFPMMU(h, insn)
	case OpSystem:
		err := h.CPU.Execute(insn)
		if err == nil && funct3(insn) == 0 && insn>>25 == 0b0001001 {
			// SFENCE.VMA: x0 as rs1 covers every address, x0 as rs2 every ASID.
			vpn, asid := h.CPU.ReadReg(rs1(insn))>>PageShift, uint16(h.CPU.ReadReg(rs2(insn)))
			for i := range h.MMU.tlb {
				e := &h.MMU.tlb[i]
				if (rs1(insn) == 0 || e.VPN == vpn) && (rs2(insn) == 0 || e.ASID == asid) {
					e.Valid = false
				}
			}
		}
		return err
	default:
		return h.CPU.Execute(insn)
	}
}

// execLoadMMU executes load with MMU
func (m *Machine) execLoadMMU(h *Hart, insn uint32) error {
	vaddr := uint64(int64(h.CPU.ReadReg(rs1(insn))) + immI(insn))
	paddr, err := h.MMU.TranslateRead(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	f3 := funct3(insn)
	var val uint64

	switch f3 {
	case 0b000: // LB
		v, e := m.Bus.Read8(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int8(v))
	case 0b001: // LH
		v, e := m.Bus.Read16(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int16(v))
	case 0b010: // LW
		v, e := m.Bus.Read32(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int32(v))
	case 0b011: // LD
		v, e := m.Bus.Read64(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = v
	case 0b100: // LBU
		v, e := m.Bus.Read8(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b101: // LHU
		v, e := m.Bus.Read16(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b110: // LWU
		v, e := m.Bus.Read32(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	h.CPU.WriteReg(rd(insn), val)
	return nil
}

// execStoreMMU executes store with MMU
func (m *Machine) execStoreMMU(h *Hart, insn uint32) error {
	vaddr := uint64(int64(h.CPU.ReadReg(rs1(insn))) + immS(insn))
	paddr, err := h.MMU.TranslateWrite(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	// Check for stop on zero
	if m.stopOnZero && paddr == 0 {
		m.halted.Store(true)
		return ErrHalt
	}

	val := h.CPU.ReadReg(rs2(insn))
	f3 := funct3(insn)

	var writeErr error
	switch f3 {
	case 0b000: // SB
		writeErr = m.Bus.Write8(paddr, uint8(val))
	case 0b001: // SH
		writeErr = m.Bus.Write16(paddr, uint16(val))
	case 0b010: // SW
		writeErr = m.Bus.Write32(paddr, uint32(val))
	case 0b011: // SD
		writeErr = m.Bus.Write64(paddr, val)
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	if writeErr != nil {
		return Exception(CauseStoreAccessFault, vaddr)
	}

	return nil
}

// execAMOMMU executes atomic operations with MMU
func (m *Machine) execAMOMMU(h *Hart, insn uint32) error {
	vaddr := h.CPU.ReadReg(rs1(insn))
	paddr, err := h.MMU.TranslateWrite(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	// Temporarily swap bus address translation
	origBus := h.CPU.Bus
	h.CPU.Bus = &translatedBus{bus: m.Bus, paddr: paddr, vaddr: vaddr}
	defer func() { h.CPU.Bus = origBus }()

	return h.CPU.execAMO(insn)
}

// translatedBus wraps Bus to use a pre-translated address
type translatedBus struct {
	bus   *Bus
	paddr uint64
	vaddr uint64
}

func (t *translatedBus) Read(addr uint64, size int) (uint64, error) {
	return t.bus.Read(t.paddr, size)
}

func (t *translatedBus) Write(addr uint64, size int, value uint64) error {
	return t.bus.Write(t.paddr, size, value)
}

func (t *translatedBus) Read8(addr uint64) (uint8, error)   { return t.bus.Read8(t.paddr) }
func (t *translatedBus) Read16(addr uint64) (uint16, error) { return t.bus.Read16(t.paddr) }
func (t *translatedBus) Read32(addr uint64) (uint32, error) { return t.bus.Read32(t.paddr) }
func (t *translatedBus) Read64(addr uint64) (uint64, error) { return t.bus.Read64(t.paddr) }
func (t *translatedBus) Write8(addr uint64, value uint8) error {
	return t.bus.Write8(t.paddr, value)
}
func (t *translatedBus) Write16(addr uint64, value uint16) error {
	return t.bus.Write16(t.paddr, value)
}
func (t *translatedBus) Write32(addr uint64, value uint32) error {
	return t.bus.Write32(t.paddr, value)
}
func (t *translatedBus) Write64(addr uint64, value uint64) error {
	return t.bus.Write64(t.paddr, value)
}

// execLoadFPMMU executes FP load with MMU
func (m *Machine) execLoadFPMMU(h *Hart, insn uint32) error {
	vaddr := uint64(int64(h.CPU.ReadReg(rs1(insn))) + immI(insn))
	paddr, err := h.MMU.TranslateRead(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	rdReg := rd(insn)
	f3 := funct3(insn)

	switch f3 {
	case 0b010: // FLW
		val, err := m.Bus.Read32(paddr)
		if err != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		h.CPU.F[rdReg] = f32ToU64(u64ToF32(uint64(val)))
		h.CPU.setFS(3)

	case 0b011: // FLD
		val, err := m.Bus.Read64(paddr)
		if err != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		h.CPU.F[rdReg] = val
		h.CPU.setFS(3)

	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	return nil
}

// execStoreFPMMU executes FP store with MMU
func (m *Machine) execStoreFPMMU(h *Hart, insn uint32) error {
	vaddr := uint64(int64(h.CPU.ReadReg(rs1(insn))) + immS(insn))
	paddr, err := h.MMU.TranslateWrite(vaddr)
	if err != nil {
		if exc, ok := err.(ExceptionError); ok {
			exc.Tval = vaddr
			return exc
		}
		return err
	}

	rs2Reg := rs2(insn)
	f3 := funct3(insn)

	switch f3 {
	case 0b010: // FSW
		val := uint32(h.CPU.F[rs2Reg])
		if err := m.Bus.Write32(paddr, val); err != nil {
			return Exception(CauseStoreAccessFault, vaddr)
		}

	case 0b011: // FSD
		if err := m.Bus.Write64(paddr, h.CPU.F[rs2Reg]); err != nil {
			return Exception(CauseStoreAccessFault, vaddr)
		}

	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	return nil
}

// RunHart runs a single hart until it halts, its stopped flag is set (via
// an SBI sbi_hart_stop call), or ctx is cancelled. The primary hart also
// ticks CLINT each outer batch; CLINT observes only the primary's timer
// registers (see DESIGN.md), so secondary harts never see a timer
// interrupt fire on their own.
func (m *Machine) RunHart(ctx context.Context, h *Hart, yieldAfter int64) error {
	if yieldAfter <= 0 {
		yieldAfter = 100000
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if h.stopped.Load() {
			return ErrHalt
		}

		if h == m.primary {
			m.CLINT.Tick()
		}

		for i := int64(0); i < yieldAfter; i++ {
			if h.stopped.Load() {
				return ErrHalt
			}
			if err := m.stepHart(h); err != nil {
				if errors.Is(err, ErrHalt) {
					return ErrHalt
				}
				return fmt.Errorf("step error at PC=0x%x (hart %d): %w", h.CPU.PC, h.ID, err)
			}
		}
	}
}

// RunAllHarts runs the primary hart and every hart added via AddHart
// concurrently, using an errgroup so the first hart to return an error (or
// halt) cancels the others. Secondary harts default to parked in WFI until
// an SBI HSM sbi_hart_start call from the primary sets their entry PC
// (handleSBIHSM); a hart that is never started simply idles for its whole
// RunHart call, since Step's own WFI handling already tolerates that for
// the primary hart during boot.
func (m *Machine) RunAllHarts(ctx context.Context, yieldAfter int64) error {
	group, gctx := errgroup.WithContext(ctx)
	for _, h := range m.Harts() {
		h := h
		group.Go(func() error {
			return m.RunHart(gctx, h, yieldAfter)
		})
	}
	return group.Wait()
}

// Run runs the primary hart until halted or context cancelled. Kept for
// single-hart callers (hv.VirtualCPU.Run); multi-hart guests should call
// RunAllHarts instead.
func (m *Machine) Run(ctx context.Context, yieldAfter int64) error {
	return m.RunHart(ctx, m.primary, yieldAfter)
}

// Halt stops the machine
func (m *Machine) Halt() {
	m.halted.Store(true)
}

// IsHalted returns true if the machine is halted
func (m *Machine) IsHalted() bool {
	return m.halted.Load()
}

// AddDevice adds a device to the bus
func (m *Machine) AddDevice(base uint64, dev Device) {
	m.Bus.AddDevice(base, dev)
}

// AllocateMemory maps a fresh, zeroed memory-backed device of size bytes at
// physAddr and returns it so the caller (a firmware loader, typically) can
// populate it via ReadAt/WriteAt before the guest ever runs.
func (m *Machine) AllocateMemory(physAddr, size uint64) (*MemoryRegion, error) {
	region := NewMemoryRegion(size)
	m.Bus.AddDevice(physAddr, region)
	return region, nil
}

// Register reads integer register idx (0-31) from the primary hart.
func (m *Machine) Register(idx int) (uint64, error) {
	return m.RegisterFor(m.primary, idx)
}

// SetRegister writes integer register idx (0-31) on the primary hart.
func (m *Machine) SetRegister(idx int, val uint64) error {
	return m.SetRegisterFor(m.primary, idx, val)
}

// RegisterFor reads integer register idx (0-31) from a specific hart.
func (m *Machine) RegisterFor(h *Hart, idx int) (uint64, error) {
	if idx < 0 || idx > 31 {
		return 0, fmt.Errorf("register index out of range: %d", idx)
	}
	return h.CPU.ReadReg(uint32(idx)), nil
}

// SetRegisterFor writes integer register idx (0-31) on a specific hart.
func (m *Machine) SetRegisterFor(h *Hart, idx int, val uint64) error {
	if idx < 0 || idx > 31 {
		return fmt.Errorf("register index out of range: %d", idx)
	}
	h.CPU.WriteReg(uint32(idx), val)
	return nil
}

// PC returns the current program counter.
func (m *Machine) PC() uint64 { return m.CPU.PC }

// EnableStopOnZero is an alias for SetStopOnZero(true), named to match the
// callback-driven loader convention used by the hypervisor glue.
func (m *Machine) EnableStopOnZero() { m.SetStopOnZero(true) }

// ReadAt reads from guest physical memory
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i := range p {
		val, err := m.Bus.Read8(addr + uint64(i))
		if err != nil {
			return i, err
		}
		p[i] = val
	}
	return len(p), nil
}

// WriteAt writes to guest physical memory
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	addr := uint64(off)
	for i, b := range p {
		if err := m.Bus.Write8(addr+uint64(i), b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}
