package jit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// LinkSite is a patchable host jump instruction awaiting a target block.
// PatchOffset is the byte offset within the owning block's code, not an
// absolute address; resolution happens against the heap's base pointer.
type LinkSite struct {
	Block       *Block
	PatchOffset int
	TargetPC    uint64
}

// Block is a compiled trace, immutable after CodeHeap.Finalize returns it.
// Destroyed only by a full CodeHeap.Flush, never individually freed.
type Block struct {
	Entry     uintptr
	Offset    int // byte offset into the heap's backing mapping
	PhysPC    uint64
	Size      int
	InsnCount int // guest instructions this block covers, for instret accounting
	Links     []LinkSite
}

// CodeHeap is the bump-allocated executable arena described by the design.
// Emission happens into a separate growable buffer (see Builder); Finalize
// copies the finished bytes in, flips the heap's protection to
// PROT_READ|PROT_EXEC for dispatch, and registers the block.
//
// The heap toggles between two states for the whole arena, not per byte:
// writable while any block is being copied in, executable otherwise. No hart ever observes a
// partially-written block as executable.
type CodeHeap struct {
	mu sync.Mutex

	mem      []byte // mmap'd arena, length == capacity
	offset   int
	capacity int
	writable bool

	blocks       *BlockCache
	pendingLinks map[uint64][]LinkSite
	flushRequest atomic.Bool
	epoch        *atomic.Uint64

	linkPatcher func(mem []byte, offset int, target uintptr)
}

// NewCodeHeap allocates an executable arena of the given size (rounded up to
// a page boundary by the kernel). epoch is the machine-wide epoch counter
// incremented on every flush, grounded on the teacher's W^X trampoline in
// internal/asm/amd64/exec.go's createAssemblyTrampoline.
func NewCodeHeap(capacity int, epoch *atomic.Uint64) (*CodeHeap, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("jit: code heap capacity must be positive, got %d", capacity)
	}

	mem, err := unix.Mmap(-1, 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("jit: mmap code heap: %w", err)
	}

	return &CodeHeap{
		mem:          mem,
		capacity:     capacity,
		writable:     true,
		blocks:       newBlockCache(),
		pendingLinks: make(map[uint64][]LinkSite),
		epoch:        epoch,
	}, nil
}

// Close unmaps the heap's backing memory. The heap must not be used after
// Close returns.
func (h *CodeHeap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mem == nil {
		return nil
	}
	err := unix.Munmap(h.mem)
	h.mem = nil
	return err
}

// Blocks returns the heap's concurrent block cache.
func (h *CodeHeap) Blocks() *BlockCache { return h.blocks }

func (h *CodeHeap) makeWritable() error {
	if h.writable {
		return nil
	}
	if err := unix.Mprotect(h.mem, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("jit: mprotect heap writable: %w", err)
	}
	h.writable = true
	return nil
}

func (h *CodeHeap) makeExecutable() error {
	if !h.writable {
		return nil
	}
	if err := unix.Mprotect(h.mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("jit: mprotect heap executable: %w", err)
	}
	h.writable = false
	return nil
}

// Finalize copies code into the heap at the next bump-allocated offset,
// registers the resulting Block in the block cache, and resolves or queues
// its outgoing link sites. It returns ErrHeapFull if code does
// not fit; the caller is expected to Flush and retry once.
func (h *CodeHeap) Finalize(code []byte, physPC uint64, insnCount int, linkTargets []uint64, linkOffsets []int) (*Block, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(code) == 0 {
		return nil, fmt.Errorf("jit: cannot finalize empty block")
	}
	if h.offset+len(code) > h.capacity {
		return nil, ErrHeapFull
	}

	if err := h.makeWritable(); err != nil {
		return nil, err
	}

	off := h.offset
	copy(h.mem[off:], code)
	h.offset += len(code)

	block := &Block{
		Entry:     uintptr(0), // resolved lazily by callers via BaseAddr()+Offset
		Offset:    off,
		PhysPC:    physPC,
		Size:      len(code),
		InsnCount: insnCount,
	}
	for i, target := range linkTargets {
		block.Links = append(block.Links, LinkSite{Block: block, PatchOffset: linkOffsets[i], TargetPC: target})
	}

	h.blocks.insert(physPC, block)

	// Resolve outgoing links against already-compiled targets; queue the rest.
	for _, link := range block.Links {
		if target, ok := h.blocks.lookup(link.TargetPC); ok {
			h.patchLink(link, target)
		} else {
			h.pendingLinks[link.TargetPC] = append(h.pendingLinks[link.TargetPC], link)
		}
	}

	// Resolve any pending links that were waiting on this block.
	if waiting, ok := h.pendingLinks[physPC]; ok {
		for _, link := range waiting {
			h.patchLink(link, block)
		}
		delete(h.pendingLinks, physPC)
	}

	if err := h.makeExecutable(); err != nil {
		return nil, err
	}

	block.Entry = h.BaseAddr() + uintptr(off)

	return block, nil
}

// BaseAddr returns the arena's base address. Valid for the lifetime of the
// heap (stable across Flush, since the mapping itself is never unmapped
// except by Close).
func (h *CodeHeap) BaseAddr() uintptr {
	if len(h.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&h.mem[0]))
}

// patchLink must be called while holding h.mu and with the heap writable.
// The actual byte-level patch is architecture-specific and is therefore
// delegated through a registered Backend via PatchJump; heap.go only knows
// offsets, not encodings.
func (h *CodeHeap) patchLink(link LinkSite, target *Block) {
	if patcher := h.linkPatcher; patcher != nil {
		patcher(h.mem, link.Block.Offset+link.PatchOffset, h.BaseAddr()+uintptr(target.Offset))
	}
}

// SetLinkPatcher installs the architecture-specific patch function used by
// Finalize. patch receives the heap's backing slice, the
// byte offset of the patch site, and the absolute target entry address.
func (h *CodeHeap) SetLinkPatcher(patch func(mem []byte, offset int, target uintptr)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.linkPatcher = patch
}

// RequestFlush sets the global flush-requested flag observed by every
// hart's safe point. It does
// not itself perform the flush; Flush clears the flag.
func (h *CodeHeap) RequestFlush() { h.flushRequest.Store(true) }

// FlushRequested reports whether RequestFlush has been called since the
// last Flush.
func (h *CodeHeap) FlushRequested() bool { return h.flushRequest.Load() }

// Flush resets the bump offset to zero, clears the block cache and pending
// link map, and increments the machine epoch. This is the
// only invalidation mechanism: no per-block free.
func (h *CodeHeap) Flush() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.offset = 0
	h.blocks.clear()
	h.pendingLinks = make(map[uint64][]LinkSite)
	h.flushRequest.Store(false)
	if h.epoch != nil {
		h.epoch.Add(1)
	}
}

// Remaining returns the number of bytes left before the heap is full.
func (h *CodeHeap) Remaining() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.capacity - h.offset
}
