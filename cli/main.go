package main

import (
	"fmt"
	"pagealloc"

	log "github.com/sirupsen/logrus"
)

func main() {
	arena, err := pagealloc.NewArena(256)
	if err != nil {
		log.Fatalf("map arena: %v", err)
	}
	defer arena.Close()

	pagealloc.InitArea(pagealloc.AreaAnyNumber, arena.Start(), arena.Top())
	pagealloc.Enable()

	fmt.Printf("arena: pfns [%#x, %#x), %d free pages\n",
		uintptr(arena.Start()), uintptr(arena.Top()),
		pagealloc.FreePageCount(pagealloc.AreaMaskAny))

	addr := (uintptr(arena.Top()) - 4) << pagealloc.PageShift
	if err := pagealloc.ReservePages(addr, 3); err != nil {
		log.Fatalf("reserve at %#x: %v", addr, err)
	}
	fmt.Printf("reserved 3 pages at %#x\n", addr)

	p := pagealloc.AllocPages(4)
	fmt.Printf("order 4 block at %p\n", p)

	q := pagealloc.Memalign(64*pagealloc.PageSize, 2*pagealloc.PageSize)
	fmt.Printf("2 pages aligned to 64 pages at %p\n", q)

	pagealloc.Free(q)
	pagealloc.FreePages(p)
	pagealloc.UnreservePages(addr, 3)

	stats := pagealloc.Stats(pagealloc.AreaMaskAny)
	for order, n := range stats.FreeBlocks {
		if n != 0 {
			fmt.Printf("order %2d: %d free block(s)\n", order, n)
		}
	}
	fmt.Printf("%d free pages\n", stats.FreePages)
}
