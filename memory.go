package hypervisor

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// MemPerm represents guest memory permissions.
type MemPerm uint

const (
	MemRead  MemPerm = 1 << 0
	MemWrite MemPerm = 1 << 1
	MemExec  MemPerm = 1 << 2

	MemRWX = MemRead | MemWrite | MemExec
)

// GuestAddressSpace is the guest-physical memory of one VM as seen by the
// core: something that can take the guest image and that names the root
// of its stage-2 page table.
type GuestAddressSpace interface {
	// PageTableRoot is the host-physical address of the stage-2 root.
	PageTableRoot() uint64
	// WriteAt copies p to guest-physical address off.
	WriteAt(p []byte, off int64) (int, error)
	Close() error
}

// rootBase is where synthetic stage-2 roots are handed out from. Each
// address space gets its own so that a hart can tell them apart.
const rootBase uint64 = 0x10_0000_0000

var rootSeq uint64

type mapping struct {
	host  []byte // exactly one guest page
	perms MemPerm
}

// AddressSpace is a page-granular stage-2 map from guest-physical pages to
// host memory.
type AddressSpace struct {
	root   uint64
	pages  map[uint64]mapping // keyed by guest page number
	mmaps  [][]byte
	closed bool
}

// NewAddressSpace creates an empty address space with a fresh root.
func NewAddressSpace() *AddressSpace {
	n := atomic.AddUint64(&rootSeq, 1)
	return &AddressSpace{
		root:  rootBase + n*Stage2RootAlign,
		pages: make(map[uint64]mapping),
	}
}

// PageTableRoot implements GuestAddressSpace.
func (as *AddressSpace) PageTableRoot() uint64 { return as.root }

func isGuestPageAligned(addr uint64) bool {
	return addr%GuestPageSize == 0
}

func checkRange(guestPhys, size uint64) error {
	if size == 0 {
		return fmt.Errorf("hv: empty guest range")
	}
	// Security: Prevent integer overflow vulnerabilities
	if size > math.MaxInt32 {
		return fmt.Errorf("hv: range too large (max %d bytes)", math.MaxInt32)
	}
	if guestPhys > math.MaxUint64-size {
		return fmt.Errorf("hv: guest address range would overflow")
	}
	if !isGuestPageAligned(guestPhys) {
		return fmt.Errorf("%w: guestPhys 0x%x", ErrInvalidAlignment, guestPhys)
	}
	if !isGuestPageAligned(size) {
		return fmt.Errorf("%w: size %d not a page multiple", ErrInvalidAlignment, size)
	}
	return nil
}

// Map maps a host memory slice into the guest physical address space.
// guestPhys and the slice length must be multiples of the guest page size.
func (as *AddressSpace) Map(host []byte, guestPhys uint64, perms MemPerm) error {
	if as.closed {
		return fmt.Errorf("hv: address space is closed")
	}
	if err := checkRange(guestPhys, uint64(len(host))); err != nil {
		return err
	}
	if perms == 0 {
		return fmt.Errorf("hv: map requires at least one permission (read, write, or exec)")
	}
	if perms&^MemRWX != 0 {
		return fmt.Errorf("hv: invalid permission bits 0x%x (valid: 0x%x)", perms, MemRWX)
	}

	first := guestPhys / GuestPageSize
	n := uint64(len(host)) / GuestPageSize
	for i := uint64(0); i < n; i++ {
		if _, ok := as.pages[first+i]; ok {
			return fmt.Errorf("hv: guest page 0x%x already mapped", (first+i)*GuestPageSize)
		}
	}
	for i := uint64(0); i < n; i++ {
		off := i * GuestPageSize
		as.pages[first+i] = mapping{host: host[off : off+GuestPageSize : off+GuestPageSize], perms: perms}
	}
	return nil
}

// Unmap removes a region from the guest physical address space.
func (as *AddressSpace) Unmap(guestPhys, size uint64) error {
	if as.closed {
		return fmt.Errorf("hv: address space is closed")
	}
	if err := checkRange(guestPhys, size); err != nil {
		return err
	}
	first := guestPhys / GuestPageSize
	for i := uint64(0); i < size/GuestPageSize; i++ {
		if _, ok := as.pages[first+i]; !ok {
			return fmt.Errorf("%w: 0x%x", ErrMemoryNotMapped, (first+i)*GuestPageSize)
		}
	}
	for i := uint64(0); i < size/GuestPageSize; i++ {
		delete(as.pages, first+i)
	}
	return nil
}

// AllocateRAM backs [guestPhys, guestPhys+size) with fresh anonymous host
// memory. The memory is released by Close.
func (as *AddressSpace) AllocateRAM(guestPhys, size uint64, perms MemPerm) ([]byte, error) {
	if err := checkRange(guestPhys, size); err != nil {
		return nil, err
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %d bytes of guest RAM: %w", size, err)
	}
	if err := as.Map(mem, guestPhys, perms); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("failed to map %d bytes at 0x%x: %w", size, guestPhys, err)
	}
	as.mmaps = append(as.mmaps, mem)
	return mem, nil
}

// Walk translates gpa through the table rooted at root and returns the
// host page holding it.
func (as *AddressSpace) Walk(root, gpa uint64) ([]byte, MemPerm, error) {
	if as.closed {
		return nil, 0, fmt.Errorf("hv: address space is closed")
	}
	if root != as.root {
		return nil, 0, fmt.Errorf("%w: root 0x%x is not this address space", ErrMemoryNotMapped, root)
	}
	m, ok := as.pages[gpa/GuestPageSize]
	if !ok {
		return nil, 0, fmt.Errorf("%w: 0x%x", ErrMemoryNotMapped, gpa)
	}
	return m.host, m.perms, nil
}

func (as *AddressSpace) access(p []byte, off int64, write bool) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("hv: negative guest address %d", off)
	}
	gpa := uint64(off)
	done := 0
	for done < len(p) {
		page, _, err := as.Walk(as.root, gpa)
		if err != nil {
			return done, err
		}
		in := int(gpa % GuestPageSize)
		var n int
		if write {
			n = copy(page[in:], p[done:])
		} else {
			n = copy(p[done:], page[in:])
		}
		done += n
		gpa += uint64(n)
	}
	return done, nil
}

// ReadAt copies guest-physical memory at off into p.
func (as *AddressSpace) ReadAt(p []byte, off int64) (int, error) {
	return as.access(p, off, false)
}

// WriteAt implements GuestAddressSpace.
func (as *AddressSpace) WriteAt(p []byte, off int64) (int, error) {
	return as.access(p, off, true)
}

// Regions lists the mapped guest ranges in ascending order, merging
// adjacent pages with equal permissions.
func (as *AddressSpace) Regions() []Region {
	pns := make([]uint64, 0, len(as.pages))
	for pn := range as.pages {
		pns = append(pns, pn)
	}
	sort.Slice(pns, func(i, j int) bool { return pns[i] < pns[j] })

	var out []Region
	for _, pn := range pns {
		perms := as.pages[pn].perms
		if l := len(out); l > 0 && out[l-1].GuestPhys+out[l-1].Size == pn*GuestPageSize && out[l-1].Perms == perms {
			out[l-1].Size += GuestPageSize
			continue
		}
		out = append(out, Region{GuestPhys: pn * GuestPageSize, Size: GuestPageSize, Perms: perms})
	}
	return out
}

// Region is a contiguous run of mapped guest-physical memory.
type Region struct {
	GuestPhys uint64
	Size      uint64
	Perms     MemPerm
}

// Close drops every mapping and releases allocated guest RAM. Idempotent.
func (as *AddressSpace) Close() error {
	if as.closed {
		return nil
	}
	as.closed = true
	as.pages = nil

	var errs []error
	for _, mem := range as.mmaps {
		if err := unix.Munmap(mem); err != nil {
			errs = append(errs, err)
		}
	}
	as.mmaps = nil
	return errors.Join(errs...)
}

var _ GuestAddressSpace = (*AddressSpace)(nil)
