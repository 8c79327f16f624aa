package pagealloc

import "unsafe"

// listNode is an intrusive circular list link. A free block stores one at
// the start of its first page, so the node address is the block address.
// The pages are free, their contents belong to the allocator.
type listNode struct {
	prev, next *listNode
}

// freeList holds the free blocks of one order within one area. The
// sentinel head links to itself when the list is empty.
type freeList struct {
	head listNode
}

func (l *freeList) init() {
	l.head.prev = &l.head
	l.head.next = &l.head
}

func (l *freeList) empty() bool { return l.head.next == &l.head }

// first returns the most recently added block, or nil if the list is empty.
func (l *freeList) first() unsafe.Pointer {
	if l.empty() {
		return nil
	}
	return unsafe.Pointer(l.head.next)
}

// add prepends the block starting at addr.
func (l *freeList) add(addr unsafe.Pointer) {
	n := (*listNode)(addr)
	n.prev = &l.head
	n.next = l.head.next
	l.head.next.prev = n
	l.head.next = n
}

// listRemove unlinks the block starting at addr from whichever free list
// holds it.
func listRemove(addr unsafe.Pointer) {
	n := (*listNode)(addr)
	if n.prev == nil || n.next == nil {
		panic("pagealloc: removing block that is not linked")
	}
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev, n.next = nil, nil
}
