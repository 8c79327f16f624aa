package pagealloc

import (
	"fmt"
	"math/bits"
	"unsafe"

	log "github.com/sirupsen/logrus"
)

const (
	// MaxAreas bounds the number of disjoint memory areas.
	MaxAreas = 6

	// Preset area numbers used by automatic partitioning.
	AreaLowestNumber = 0
	AreaLowNumber    = 1
	AreaNormalNumber = 2
	AreaHighNumber   = 3

	// AreaAnyNumber directs InitArea to dispatch on the preset cutoffs.
	AreaAnyNumber = 0xff
)

// Area masks for the public allocation surface.
const (
	AreaMaskLowest = 1 << AreaLowestNumber
	AreaMaskLow    = 1 << AreaLowNumber
	AreaMaskNormal = 1 << AreaNormalNumber
	AreaMaskHigh   = 1 << AreaHighNumber
	AreaMaskAny    = ^uint32(0)
)

// Cutoff frames for automatic partitioning, highest preset first. Each
// entry peels off the part of the incoming range above its cutoff.
// Harness configuration, no high cutoff is set by default.
var areaCutoffs = []struct {
	number uint8
	pfn    PFN
}{
	{AreaNormalNumber, PFN(1) << (32 - PageShift)},
	{AreaLowNumber, PFN(1) << (24 - PageShift)},
	{AreaLowestNumber, 0},
}

// memArea is a disjoint run of page frames with its own metadata table
// and free lists. The table lives in the first pages of the area itself,
// one byte per usable page, indexed by pfn-base.
type memArea struct {
	// first usable pfn
	base PFN
	// first pfn past the end
	top PFN
	// per page metadata
	states []PageState
	// one free list per block order
	freelists [NLists]freeList
}

// tableBase returns the pfn of the first metadata table page.
func (a *memArea) tableBase() PFN {
	return virtToPFN(unsafe.Pointer(&a.states[0]))
}

// contains reports whether pfn falls anywhere within the area, the
// metadata table included.
func (a *memArea) contains(pfn PFN) bool {
	return pfn >= a.tableBase() && pfn < a.top
}

// usableContains reports whether pfn falls in the allocatable range,
// which excludes the metadata table pages.
func (a *memArea) usableContains(pfn PFN) bool {
	return pfn >= a.base && pfn < a.top
}

// initOneArea carves the metadata table out of [start, top), seeds the
// free lists with the coarsest blocks consistent with natural alignment
// and marks area n present. Called with the lock held.
func (al *Allocator) initOneArea(n uint8, start, top PFN) {
	if n >= MaxAreas {
		panic(fmt.Sprintf("pagealloc: area number %d out of range", n))
	}
	if al.areasMask&(1<<n) != 0 {
		panic(fmt.Sprintf("pagealloc: area %d is already initialized", n))
	}
	if top <= start || top-start <= 4 {
		panic(fmt.Sprintf("pagealloc: area [%#x, %#x) is too small", uintptr(start), uintptr(top)))
	}
	if uint64(top) >= uint64(1)<<(bits.UintSize-PageShift) {
		panic("pagealloc: area top is not representable in a pointer")
	}

	// one metadata byte per usable page, hosted in the leading pages
	tableSize := (top - start + PageSize) / (PageSize + 1)

	a := &al.areas[n]
	a.states = unsafe.Slice((*PageState)(pfnToVirt(start)), int(top-start-tableSize))
	a.base = start + tableSize
	a.top = top
	npages := top - a.base
	if uintptr(a.base-start)*PageSize < uintptr(npages) {
		panic("pagealloc: metadata table cannot cover the area")
	}

	// the new area must not overlap any existing one, in either
	// direction, metadata table pages included
	for i := 0; i < MaxAreas; i++ {
		if al.areasMask&(1<<i) == 0 {
			continue
		}
		other := &al.areas[i]
		if other.contains(start) || other.contains(top-1) ||
			a.contains(other.tableBase()) || a.contains(other.top-1) {
			panic(fmt.Sprintf("pagealloc: area [%#x, %#x) overlaps area %d", uintptr(start), uintptr(top), i))
		}
	}

	for i := range a.freelists {
		a.freelists[i].init()
	}

	// seed the free lists with the fewest blocks that keep every block
	// naturally aligned and inside the area
	order := uint8(0)
	for i := a.base; i < a.top; i += PFN(1) << order {
		for uintptr(i)+uintptr(1)<<order > uintptr(a.top) {
			if order == 0 {
				panic("pagealloc: seeding ran past the area top")
			}
			order--
		}
		// grow until the next doubling breaks alignment or the top;
		// both checks are needed for ranges spanning a power of two
		// boundary
		for isAlignedOrder(i, order+1) && uintptr(i)+uintptr(1)<<(order+1) <= uintptr(a.top) {
			order++
		}
		if order >= NLists {
			panic("pagealloc: seed block order out of range")
		}
		for j := PFN(0); j < PFN(1)<<order; j++ {
			a.states[i-a.base+j] = PageState(order)
		}
		a.freelists[order].add(pfnToVirt(i))
	}

	al.areasMask |= 1 << n
	log.Infof("pagealloc: area %d initialized, pfns [%#x, %#x), %d usable pages",
		n, uintptr(start), uintptr(top), uintptr(npages))
}

// initAreaWithCutoff installs the part of [base, *top) above cutoff into
// area n and shrinks *top accordingly.
func (al *Allocator) initAreaWithCutoff(n uint8, cutoff, base PFN, top *PFN) {
	if *top <= cutoff {
		return
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	if base >= cutoff {
		al.initOneArea(n, base, *top)
		*top = 0
	} else {
		al.initOneArea(n, cutoff, *top)
		*top = cutoff
	}
}

// InitArea adds the page frames [base, top) to the pool of available
// memory. With a specific area number the whole range lands in that
// area; with AreaAnyNumber the range is split at the preset cutoffs and
// installed into the matching preset areas.
func (al *Allocator) InitArea(n uint8, base, top PFN) {
	if n != AreaAnyNumber {
		al.initAreaWithCutoff(n, 0, base, &top)
		return
	}
	for _, c := range areaCutoffs {
		al.initAreaWithCutoff(c.number, c.pfn, base, &top)
	}
}

// getArea returns the initialized area whose usable range holds pfn, or
// nil. Called with the lock held.
func (al *Allocator) getArea(pfn PFN) *memArea {
	for i := uint(0); i < MaxAreas; i++ {
		if al.areasMask&(1<<i) != 0 && al.areas[i].usableContains(pfn) {
			return &al.areas[i]
		}
	}
	return nil
}
