// Package rvcore provides a tracing-JIT RISC-V RV64GC core embeddable in Go
// programs. It exposes a small, hypervisor-style API over internal/hv and
// internal/hv/riscv/rv64: create a Machine, load guest code into its
// physical address space, and Run it to completion or interruption.
package rvcore

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/rvcore/internal/hv"
	"github.com/tinyrange/rvcore/internal/hv/riscv/rv64"
)

// Register identifies a guest CPU register for Machine.ReadRegister and
// Machine.WriteRegister.
type Register = hv.Register

// Integer registers x0-x31 and the program counter.
const (
	RegX0 = hv.RegisterRISCVX0
	RegPC = hv.RegisterRISCVPc
)

// Common sentinel errors surfaced by Machine.Run.
var (
	ErrHalted      = hv.ErrVMHalted
	ErrInterrupted = hv.ErrInterrupted
)

// Option configures a Machine at construction time.
type Option func(*options)

type options struct {
	memSize uint64
	output  io.Writer
	input   io.Reader
}

// WithMemorySize sets the guest RAM size in bytes. Defaults to 64 MiB.
func WithMemorySize(size uint64) Option {
	return func(o *options) { o.memSize = size }
}

// WithOutput directs guest UART output to w.
func WithOutput(w io.Writer) Option {
	return func(o *options) { o.output = w }
}

// WithInput feeds guest UART input from r.
func WithInput(r io.Reader) Option {
	return func(o *options) { o.input = r }
}

// Machine is a single-hart RV64GC guest ready to load code and run.
type Machine struct {
	vm   hv.VirtualMachine
	vcpu hv.VirtualCPU
}

// New creates a Machine with fresh, zeroed guest memory.
func New(opts ...Option) (*Machine, error) {
	o := options{memSize: 64 * 1024 * 1024}
	for _, opt := range opts {
		opt(&o)
	}

	hyp, err := rv64.Open()
	if err != nil {
		return nil, fmt.Errorf("rvcore: open hypervisor: %w", err)
	}

	cfg := hv.SimpleVMConfig{
		NumCPUs: 1,
		MemSize: o.memSize,
	}

	vm, err := hyp.NewVirtualMachine(cfg)
	if err != nil {
		return nil, fmt.Errorf("rvcore: create machine: %w", err)
	}

	if rv64vm, ok := vm.(*rv64.VirtualMachine); ok {
		if o.output != nil {
			rv64vm.SetOutput(o.output)
		}
		if o.input != nil {
			rv64vm.SetInput(o.input)
		}
	}

	var vcpu hv.VirtualCPU
	if err := vm.VirtualCPUCall(0, func(c hv.VirtualCPU) error {
		vcpu = c
		return nil
	}); err != nil {
		return nil, fmt.Errorf("rvcore: acquire vcpu: %w", err)
	}

	return &Machine{vm: vm, vcpu: vcpu}, nil
}

// LoadAt copies code or data into guest physical memory starting at addr.
func (m *Machine) LoadAt(addr uint64, data []byte) error {
	_, err := m.vm.WriteAt(data, int64(addr))
	return err
}

// SetEntry sets the program counter the next Run resumes from.
func (m *Machine) SetEntry(addr uint64) error {
	return m.vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		RegPC: hv.Register64(addr),
	})
}

// ReadRegister reads an integer register (x0-x31) or the program counter.
func (m *Machine) ReadRegister(reg Register) (uint64, error) {
	regs := map[hv.Register]hv.RegisterValue{reg: nil}
	if err := m.vcpu.GetRegisters(regs); err != nil {
		return 0, err
	}
	val, ok := regs[reg].(hv.Register64)
	if !ok {
		return 0, fmt.Errorf("rvcore: register %v has no value", reg)
	}
	return uint64(val), nil
}

// WriteRegister writes an integer register (x0-x31) or the program counter.
func (m *Machine) WriteRegister(reg Register, val uint64) error {
	return m.vcpu.SetRegisters(map[hv.Register]hv.RegisterValue{
		reg: hv.Register64(val),
	})
}

// Run executes the guest until it halts, traps fatally, or ctx is canceled.
// It returns ErrHalted or ErrInterrupted for those two expected outcomes.
func (m *Machine) Run(ctx context.Context) error {
	err := m.vcpu.Run(ctx)
	if err == nil || errors.Is(err, ErrHalted) || errors.Is(err, ErrInterrupted) {
		return err
	}
	return fmt.Errorf("rvcore: run: %w", err)
}

// MemorySize returns the guest's RAM size in bytes.
func (m *Machine) MemorySize() uint64 {
	return m.vm.MemorySize()
}

// Close releases the machine's resources.
func (m *Machine) Close() error {
	return m.vm.Close()
}
