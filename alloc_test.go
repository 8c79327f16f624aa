package pagealloc

import (
	"testing"
	"unsafe"

	assertion "github.com/stretchr/testify/assert"
)

func TestAllocSmallestSufficient(t *testing.T) {
	assert := assertion.New(t)
	al := &Allocator{}
	start := mapAlignedArea(t, al, 0, 16, 16)
	a := &al.areas[0]

	// the only order 0 block is the first usable page
	p := al.AllocPagesArea(1<<0, 0)
	assert.Equal(pfnToVirt(start+1), p)
	assert.Equal(Set(PageState(0), AllocMask), a.states[0])

	// order 2 comes from the order 2 seed block, not a split
	q := al.AllocPagesArea(1<<0, 2)
	assert.Equal(pfnToVirt(start+4), q)
	for i := 3; i < 7; i++ {
		assert.Equal(Set(PageState(2), AllocMask), a.states[i])
	}

	checkAreaInvariants(t, a)
	al.FreePages(q)
	al.FreePages(p)
	checkAreaInvariants(t, a)
}

func TestAllocExhaustAndRestore(t *testing.T) {
	assert := assertion.New(t)
	al := &Allocator{}
	start := mapAlignedArea(t, al, 0, 16, 16)
	a := &al.areas[0]

	before, err := al.Snapshot(CompNone)
	assert.NoError(err)

	p3 := al.AllocPages(3)
	p2 := al.AllocPages(2)
	p1 := al.AllocPages(1)
	p0 := al.AllocPages(0)
	assert.Equal(pfnToVirt(start+8), p3)
	assert.Equal(pfnToVirt(start+4), p2)
	assert.Equal(pfnToVirt(start+2), p1)
	assert.Equal(pfnToVirt(start+1), p0)

	// the area is exhausted for every order
	for order := uint8(0); order < 4; order++ {
		assert.Nil(al.AllocPages(order))
	}
	assert.Equal(uintptr(0), al.FreePageCount(AreaMaskAny))

	al.FreePages(p0)
	al.FreePages(p1)
	al.FreePages(p2)
	al.FreePages(p3)

	// freeing everything coalesces back to the seed configuration
	after, err := al.Snapshot(CompNone)
	assert.NoError(err)
	assert.Equal(before, after)
	checkAreaInvariants(t, a)
}

func TestAllocAlignmentAndDisjointness(t *testing.T) {
	assert := assertion.New(t)
	al := &Allocator{}
	mapAlignedArea(t, al, 0, 64, 64)

	type block struct {
		p     unsafe.Pointer
		bytes uintptr
	}
	var blocks []block
	for order := uint8(0); order <= 3; order++ {
		p := al.AllocPages(order)
		assert.NotNil(p)
		size := uintptr(PageSize) << order
		assert.Zero(uintptr(p)%size, "order %d block %p not naturally aligned", order, p)
		blocks = append(blocks, block{p, size})
	}

	// no two live blocks overlap
	for i, b := range blocks {
		for _, c := range blocks[i+1:] {
			bStart, cStart := uintptr(b.p), uintptr(c.p)
			assert.True(bStart+b.bytes <= cStart || cStart+c.bytes <= bStart,
				"blocks %p and %p overlap", b.p, c.p)
		}
	}

	for _, b := range blocks {
		al.FreePages(b.p)
	}
	checkAreaInvariants(t, &al.areas[0])
}

func TestAllocFreeRealloc(t *testing.T) {
	assert := assertion.New(t)
	al := &Allocator{}
	mapAlignedArea(t, al, 0, 16, 16)

	// order 0 round trip lands on the same frame
	p := al.AllocPages(0)
	al.FreePages(p)
	assert.Equal(p, al.AllocPages(0))
	al.FreePages(p)

	// the largest block round trips too
	q := al.AllocPages(3)
	assert.NotNil(q)
	al.FreePages(q)
	assert.Equal(q, al.AllocPages(3))
	al.FreePages(q)
}

func TestAllocMaskSelection(t *testing.T) {
	assert := assertion.New(t)
	arena, err := NewArena(48)
	assert.NoError(err)
	defer arena.Close()

	al := &Allocator{}
	al.InitArea(0, arena.Start(), arena.Start()+16)
	al.InitArea(2, arena.Start()+16, arena.Top())

	// no initialized bits selected
	assert.Nil(al.AllocPagesArea(0, 0))
	assert.Nil(al.AllocPagesArea(1<<1, 0))

	// the lowest masked area wins even when both could satisfy
	p := al.AllocPagesArea(1<<0|1<<2, 0)
	assert.True(al.areas[0].usableContains(virtToPFN(p)))

	// masking out area 0 diverts to area 2
	q := al.AllocPagesArea(1<<2, 0)
	assert.True(al.areas[2].usableContains(virtToPFN(q)))

	al.FreePages(p)
	al.FreePages(q)
}

func TestFreeNilNoop(t *testing.T) {
	al := &Allocator{}
	al.FreePages(nil)
}

func TestMemalignPages(t *testing.T) {
	assert := assertion.New(t)
	al := &Allocator{}
	mapAlignedArea(t, al, 0, 64, 64)
	a := &al.areas[0]

	// two pages aligned to an eight page boundary
	p := al.MemalignPagesArea(AreaMaskAny, 8*PageSize, 2*PageSize)
	assert.NotNil(p)
	assert.Zero(uintptr(p) % (8 * PageSize))
	idx := virtToPFN(p) - a.base
	assert.Equal(Set(PageState(1), AllocMask), a.states[idx])
	assert.Equal(Set(PageState(1), AllocMask), a.states[idx+1])

	al.FreePages(p)
	checkAreaInvariants(t, a)

	assert.Panics(func() { al.MemalignPagesArea(AreaMaskAny, 3*PageSize, PageSize) })
}

func TestFreeContractViolationsPanic(t *testing.T) {
	assert := assertion.New(t)
	al := &Allocator{}
	mapAlignedArea(t, al, 0, 16, 16)
	a := &al.areas[0]

	// not allocated
	assert.Panics(func() { al.FreePages(pfnToVirt(a.base)) })
	// not page aligned
	assert.Panics(func() { al.FreePages(unsafe.Pointer(uintptr(pfnToVirt(a.base)) + 1)) })
	// not the block start
	p := al.AllocPages(2)
	assert.NotNil(p)
	assert.Panics(func() { al.FreePages(unsafe.Pointer(uintptr(p) + PageSize)) })
	al.FreePages(p)
	// double free
	assert.Panics(func() { al.FreePages(p) })
}

func TestEnableInstallsOps(t *testing.T) {
	assert := assertion.New(t)

	al := &Allocator{}
	assert.Panics(func() { al.Enable() })

	mapAlignedArea(t, al, 0, 16, 16)
	al.Enable()
	assert.NotNil(Ops)

	p := Memalign(PageSize, PageSize)
	assert.NotNil(p)
	assert.True(al.areas[0].usableContains(virtToPFN(p)))
	Free(p)
	checkAreaInvariants(t, &al.areas[0])
}

func TestDefaultSurface(t *testing.T) {
	assert := assertion.New(t)
	arena, err := NewArena(32)
	assert.NoError(err)
	defer arena.Close()

	assert.False(Initialized())
	InitArea(5, arena.Start(), arena.Top())
	assert.True(Initialized())

	// reserve the last two pages before allocating, so the allocation
	// cannot land on them whatever the arena's placement
	addr := uintptr(pfnToVirt(Default.areas[5].top - 2))
	assert.NoError(ReservePages(addr, 2))

	p := AllocPagesArea(1<<5, 1)
	assert.NotNil(p)
	assert.Zero(uintptr(p) % (2 * PageSize))

	UnreservePages(addr, 2)
	FreePages(p)
	Enable()
	q := Memalign(PageSize, 3*PageSize)
	assert.NotNil(q)
	Free(q)
	checkAreaInvariants(t, &Default.areas[5])
}
