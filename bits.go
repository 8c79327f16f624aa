package pagealloc

import "math/bits"

func isPowerOf2(x uintptr) bool { return x != 0 && x&(x-1) == 0 }

// getOrder returns the smallest order k such that 1<<k >= npages.
func getOrder(npages uintptr) uint8 {
	if npages <= 1 {
		return 0
	}
	return uint8(bits.Len(uint(npages - 1)))
}

// isAlignedOrder reports whether pfn starts on a 1<<order frame boundary.
func isAlignedOrder(pfn PFN, order uint8) bool {
	return uintptr(pfn)&(uintptr(1)<<order-1) == 0
}

// pageAlign rounds sz up to a whole number of pages.
func pageAlign(sz uintptr) uintptr { return (sz + PageSize - 1) &^ uintptr(PageSize-1) }
