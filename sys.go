package pagealloc

import (
	"syscall"
	"unsafe"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Arena is a run of anonymous page aligned memory backing a set of page
// frames. A harness maps one and hands its frame range to InitArea; the
// allocator itself never maps or unmaps memory.
type Arena struct {
	// mmap'ed region, kept for munmap
	dataref []byte
}

// NewArena maps npages of zeroed anonymous memory.
func NewArena(npages int) (*Arena, error) {
	if npages <= 0 {
		return nil, errors.New("arena must span at least one page")
	}
	b, err := syscall.Mmap(-1, 0, npages*PageSize,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_ANON|syscall.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrap(err, "mmap arena")
	}

	// Advise the kernel that the allocator touches the arena randomly.
	if err := madvise(b, syscall.MADV_RANDOM); err != nil {
		_ = syscall.Munmap(b)
		return nil, errors.Wrap(err, "madvise error")
	}

	log.Debugf("pagealloc: mapped arena of %d pages at %p", npages, &b[0])
	return &Arena{dataref: b}, nil
}

// Start returns the first page frame number of the arena.
func (a *Arena) Start() PFN { return virtToPFN(unsafe.Pointer(&a.dataref[0])) }

// Top returns the first page frame number past the arena.
func (a *Arena) Top() PFN { return a.Start() + PFN(len(a.dataref)>>PageShift) }

// Pages returns the number of pages the arena spans.
func (a *Arena) Pages() int { return len(a.dataref) >> PageShift }

// Close unmaps the arena. No allocator may still own any of its pages.
func (a *Arena) Close() error {
	if a.dataref == nil {
		return nil
	}
	err := syscall.Munmap(a.dataref)
	a.dataref = nil
	return err
}

// NOTE: This function is copied from stdlib because it is not available on darwin.
func madvise(b []byte, advice int) (err error) {
	_, _, e1 := syscall.Syscall(syscall.SYS_MADVISE, uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), uintptr(advice))
	if e1 != 0 {
		err = e1
	}
	return
}
