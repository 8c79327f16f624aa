package pagealloc

import (
	"fmt"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNoArea marks a frame that no initialized area covers.
	ErrNoArea = errors.New("page does not belong to any area")
	// ErrPageBusy marks a frame that is already allocated or reserved.
	ErrPageBusy = errors.New("page is already allocated or reserved")
)

// reserveOne carves a single free page out of the allocator. The
// enclosing block is split down until the page stands alone at order 0,
// then the page is unlinked from its free list and stamped special.
// Called with the lock held.
func (al *Allocator) reserveOne(pfn PFN) error {
	a := al.getArea(pfn)
	if a == nil {
		return errors.Wrapf(ErrNoArea, "pfn %#x", uintptr(pfn))
	}
	i := pfn - a.base
	if Has(a.states[i], AllocMask|SpecialMask) {
		return errors.Wrapf(ErrPageBusy, "pfn %#x state %#x", uintptr(pfn), uint8(a.states[i]))
	}
	for a.states[i] != 0 {
		order := a.states[i].Order()
		a.split(pfnToVirt(pfn &^ (PFN(1)<<order - 1)))
	}
	// the page is now an order 0 free block; unlink it so no allocation
	// can ever hand it out
	listRemove(pfnToVirt(pfn))
	a.states[i] = SpecialMask
	return nil
}

// unreserveOne returns a reserved page to the allocator through the
// normal free path so it coalesces with its buddies. Called with the
// lock held.
func (al *Allocator) unreserveOne(pfn PFN) {
	a := al.getArea(pfn)
	if a == nil {
		panic(fmt.Sprintf("pagealloc: unreserving pfn %#x outside any area", uintptr(pfn)))
	}
	i := pfn - a.base
	if a.states[i] != SpecialMask {
		panic(fmt.Sprintf("pagealloc: unreserving pfn %#x that is not reserved, state %#x",
			uintptr(pfn), uint8(a.states[i])))
	}
	a.states[i] = AllocMask
	al.freePages(pfnToVirt(pfn))
}

// ReservePages removes the n consecutive pages starting at the page
// aligned address addr from the allocator, so an external agent can own
// them exclusively. The operation is all or nothing: on any conflict the
// pages reserved so far are released again and an error is returned.
func (al *Allocator) ReservePages(addr uintptr, n int) error {
	if addr&(PageSize-1) != 0 {
		panic(fmt.Sprintf("pagealloc: reserving unaligned address %#x", addr))
	}
	pfn := PFN(addr >> PageShift)
	al.mu.Lock()
	defer al.mu.Unlock()
	for i := 0; i < n; i++ {
		if err := al.reserveOne(pfn + PFN(i)); err != nil {
			for j := 0; j < i; j++ {
				al.unreserveOne(pfn + PFN(j))
			}
			log.Debugf("pagealloc: rolled back reservation of %d pages at %#x", n, addr)
			return errors.Wrapf(err, "reserve %d pages at %#x", n, addr)
		}
	}
	return nil
}

// UnreservePages gives the n consecutive reserved pages starting at addr
// back to the allocator.
func (al *Allocator) UnreservePages(addr uintptr, n int) {
	if addr&(PageSize-1) != 0 {
		panic(fmt.Sprintf("pagealloc: unreserving unaligned address %#x", addr))
	}
	pfn := PFN(addr >> PageShift)
	al.mu.Lock()
	defer al.mu.Unlock()
	for i := 0; i < n; i++ {
		al.unreserveOne(pfn + PFN(i))
	}
}
