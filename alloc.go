package pagealloc

import (
	"fmt"
	"sync"
	"unsafe"

	log "github.com/sirupsen/logrus"
)

// Allocator hands out naturally aligned, physically contiguous runs of
// page frames from up to MaxAreas disjoint areas. Every state mutating
// operation runs under the single allocator lock.
type Allocator struct {
	// protects areas and areasMask
	mu        sync.Mutex
	areas     [MaxAreas]memArea
	areasMask uint32
}

// Default is the process wide allocator behind the package level entry
// points.
var Default = &Allocator{}

// Initialized reports whether at least one area is present.
func (al *Allocator) Initialized() bool { return al.areasMask != 0 }

// split halves the free block starting at addr. The block must be free,
// not special, of nonzero order, linked in its free list and wholly
// inside the area. Called with the lock held.
func (a *memArea) split(addr unsafe.Pointer) {
	pfn := virtToPFN(addr)
	if a == nil || !a.usableContains(pfn) {
		panic("pagealloc: splitting block outside its area")
	}
	idx := pfn - a.base
	state := a.states[idx]
	order := state.Order()
	if state != PageState(order) || order == 0 || order >= NLists {
		panic(fmt.Sprintf("pagealloc: splitting unsplittable block, state %#x", uint8(state)))
	}
	if !isAlignedOrder(pfn, order) {
		panic("pagealloc: splitting misaligned block")
	}
	if !a.usableContains(pfn + PFN(1)<<order - 1) {
		panic("pagealloc: block crosses the area top")
	}

	listRemove(addr)

	// drop the order of every page in the block
	for i := PFN(0); i < PFN(1)<<order; i++ {
		if a.states[idx+i] != PageState(order) {
			panic("pagealloc: inconsistent metadata across block")
		}
		a.states[idx+i] = PageState(order - 1)
	}
	order--
	// both halves go back to the next lower list
	a.freelists[order].add(addr)
	a.freelists[order].add(pfnToVirt(pfn + PFN(1)<<order))
}

// coalesce merges the two adjacent free blocks of the given order at pfn
// and pfn2 into one block of the next order. It returns false without
// mutating anything when either block is outside the usable range, has a
// different order, or is not free. Called with the lock held.
func (a *memArea) coalesce(order uint8, pfn, pfn2 PFN) bool {
	if !isAlignedOrder(pfn, order) || !isAlignedOrder(pfn2, order) {
		panic("pagealloc: coalescing misaligned buddies")
	}
	if pfn2 != pfn+PFN(1)<<order {
		panic("pagealloc: coalescing blocks that are not adjacent")
	}

	if !a.usableContains(pfn) || !a.usableContains(pfn2+PFN(1)<<order-1) {
		return false
	}
	first := pfn - a.base
	second := pfn2 - a.base
	if a.states[first] != PageState(order) || a.states[second] != PageState(order) {
		return false
	}

	listRemove(pfnToVirt(pfn2))
	listRemove(pfnToVirt(pfn))
	for i := PFN(0); i < PFN(2)<<order; i++ {
		if a.states[first+i] != PageState(order) {
			panic("pagealloc: inconsistent metadata across block")
		}
		a.states[first+i] = PageState(order + 1)
	}
	a.freelists[order+1].add(pfnToVirt(pfn))
	return true
}

// memalignOrder returns a block of 1<<sizeOrder pages aligned to at least
// 1<<alignOrder pages, or nil when the area cannot satisfy the request.
// Blocks are naturally aligned, so any block of sufficient order fits the
// alignment. Called with the lock held.
func (a *memArea) memalignOrder(alignOrder, sizeOrder uint8) unsafe.Pointer {
	if alignOrder >= NLists || sizeOrder >= NLists {
		panic("pagealloc: order out of range")
	}
	order := sizeOrder
	if alignOrder > order {
		order = alignOrder
	}

	// smallest non empty list of sufficient order
	for ; order < NLists; order++ {
		if !a.freelists[order].empty() {
			break
		}
	}
	if order >= NLists {
		// out of memory in this area
		return nil
	}

	// the block may be bigger than needed, either because no smaller
	// block existed or because the smaller ones were not aligned for
	// us; split until it fits, the left half stays put
	p := a.freelists[order].first()
	for ; order > sizeOrder; order-- {
		a.split(p)
	}

	listRemove(p)
	idx := virtToPFN(p) - a.base
	for i := PFN(0); i < PFN(1)<<sizeOrder; i++ {
		a.states[idx+i] = Set(PageState(sizeOrder), AllocMask)
	}
	return p
}

// freePages gives the block starting at mem back to its area and
// coalesces it with its buddies as far as possible. Called with the lock
// held.
func (al *Allocator) freePages(mem unsafe.Pointer) {
	if mem == nil {
		return
	}
	if uintptr(mem)&(PageSize-1) != 0 {
		panic(fmt.Sprintf("pagealloc: freeing unaligned pointer %p", mem))
	}
	pfn := virtToPFN(mem)
	a := al.getArea(pfn)
	if a == nil {
		panic(fmt.Sprintf("pagealloc: memory does not belong to any area: %p", mem))
	}

	p := pfn - a.base
	order := a.states[p].Order()

	// the first page must be allocated, not special, with a sane order,
	// and the whole block must sit inside the area
	if a.states[p] != Set(PageState(order), AllocMask) {
		panic(fmt.Sprintf("pagealloc: freeing page that is not allocated, state %#x", uint8(a.states[p])))
	}
	if order >= NLists {
		panic("pagealloc: freeing block of impossible order")
	}
	if !isAlignedOrder(pfn, order) {
		panic(fmt.Sprintf("pagealloc: freeing pointer %p that is not a block start", mem))
	}
	if !a.usableContains(pfn + PFN(1)<<order - 1) {
		panic("pagealloc: block crosses the area top")
	}

	for i := PFN(0); i < PFN(1)<<order; i++ {
		if a.states[p+i] != Set(PageState(order), AllocMask) {
			panic("pagealloc: inconsistent metadata across block")
		}
		a.states[p+i] = Clear(a.states[p+i], AllocMask)
	}
	a.freelists[order].add(mem)

	// climb as long as buddies keep merging, re-reading the order since
	// it grows with every merge; fold leftward when this block is not
	// aligned to the next order
	for {
		order = a.states[p].Order()
		if !isAlignedOrder(pfn, order+1) {
			pfn -= PFN(1) << order
		}
		if !a.coalesce(order, pfn, pfn+PFN(1)<<order) {
			break
		}
	}
}

// memalignOrderArea tries the masked areas in ascending index order.
func (al *Allocator) memalignOrderArea(areaMask uint32, alignOrder, sizeOrder uint8) unsafe.Pointer {
	var res unsafe.Pointer
	al.mu.Lock()
	defer al.mu.Unlock()
	areaMask &= al.areasMask
	for i := uint(0); res == nil && i < MaxAreas; i++ {
		if areaMask&(1<<i) != 0 {
			res = al.areas[i].memalignOrder(alignOrder, sizeOrder)
		}
	}
	return res
}

// AllocPagesArea allocates 1<<order physically contiguous and naturally
// aligned pages from the first masked area that can satisfy the request.
// It returns nil when no such area exists.
func (al *Allocator) AllocPagesArea(areaMask uint32, order uint8) unsafe.Pointer {
	return al.memalignOrderArea(areaMask, order, order)
}

// AllocPages allocates 1<<order pages from any area.
func (al *Allocator) AllocPages(order uint8) unsafe.Pointer {
	return al.AllocPagesArea(AreaMaskAny, order)
}

// AllocPage allocates a single page from any area.
func (al *Allocator) AllocPage() unsafe.Pointer { return al.AllocPages(0) }

// MemalignPagesArea allocates size bytes of whole pages aligned to the
// given power of two byte boundary, from the first masked area that can
// satisfy the request.
func (al *Allocator) MemalignPagesArea(areaMask uint32, alignment, size uintptr) unsafe.Pointer {
	if !isPowerOf2(alignment) {
		panic(fmt.Sprintf("pagealloc: alignment %#x is not a power of two", alignment))
	}
	alignOrder := getOrder(pageAlign(alignment) >> PageShift)
	sizeOrder := getOrder(pageAlign(size) >> PageShift)
	if alignOrder >= NLists || sizeOrder >= NLists {
		panic("pagealloc: order out of range")
	}
	return al.memalignOrderArea(areaMask, alignOrder, sizeOrder)
}

// MemalignPages allocates size bytes of whole pages at the given
// alignment from any area.
func (al *Allocator) MemalignPages(alignment, size uintptr) unsafe.Pointer {
	return al.MemalignPagesArea(AreaMaskAny, alignment, size)
}

// FreePages frees a block returned by one of the allocation entry
// points. A nil pointer is a no-op.
func (al *Allocator) FreePages(mem unsafe.Pointer) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.freePages(mem)
}

// FreePage frees a single page.
func (al *Allocator) FreePage(mem unsafe.Pointer) { al.FreePages(mem) }

// AllocOps routes generic allocation requests to a concrete allocator.
type AllocOps struct {
	Memalign func(alignment, size uintptr) unsafe.Pointer
	Free     func(mem unsafe.Pointer)
}

// Ops is the installed allocator vtable. Enable points it at a page
// allocator.
var Ops *AllocOps

// Memalign routes through the installed allocator vtable.
func Memalign(alignment, size uintptr) unsafe.Pointer { return Ops.Memalign(alignment, size) }

// Free routes through the installed allocator vtable.
func Free(mem unsafe.Pointer) { Ops.Free(mem) }

// Enable installs this allocator as the target of the generic Memalign
// and Free entry points. At least one area must be present.
func (al *Allocator) Enable() {
	al.mu.Lock()
	defer al.mu.Unlock()
	if !al.Initialized() {
		panic("pagealloc: enabling page allocator with no initialized areas")
	}
	Ops = &AllocOps{Memalign: al.MemalignPages, Free: al.FreePages}
	log.Info("pagealloc: page allocator enabled")
}

// Package level entry points on the Default allocator.

func Initialized() bool               { return Default.Initialized() }
func InitArea(n uint8, base, top PFN) { Default.InitArea(n, base, top) }
func Enable()                         { Default.Enable() }

func AllocPagesArea(areaMask uint32, order uint8) unsafe.Pointer {
	return Default.AllocPagesArea(areaMask, order)
}
func AllocPages(order uint8) unsafe.Pointer { return Default.AllocPages(order) }
func AllocPage() unsafe.Pointer             { return Default.AllocPage() }

func MemalignPagesArea(areaMask uint32, alignment, size uintptr) unsafe.Pointer {
	return Default.MemalignPagesArea(areaMask, alignment, size)
}
func MemalignPages(alignment, size uintptr) unsafe.Pointer {
	return Default.MemalignPages(alignment, size)
}

func FreePages(mem unsafe.Pointer) { Default.FreePages(mem) }
func FreePage(mem unsafe.Pointer)  { Default.FreePage(mem) }

func ReservePages(addr uintptr, n int) error { return Default.ReservePages(addr, n) }
func UnreservePages(addr uintptr, n int)     { Default.UnreservePages(addr, n) }
