package userringbuf

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	recordHeaderSize = 8

	busyBit    uint32 = 1 << 31
	discardBit uint32 = 1 << 30
	lengthMask        = ^(busyBit | discardBit)
)

// recordHeader precedes every sample in the data area. The kernel reads
// Len with acquire semantics and skips records carrying discardBit.
type recordHeader struct {
	Len uint32
	Pad uint32
}

// ring is the producer half of a BPF user ring buffer.
//
// data must hold the data area mapped twice back to back, so that a record
// crossing the end of the ring stays contiguous.
type ring struct {
	consumerPos *uint64
	producerPos *uint64
	data        []byte
	mask        uint64
}

func newRing(consumerPage, producerPage, data []byte, size uint64) *ring {
	return &ring{
		consumerPos: (*uint64)(unsafe.Pointer(&consumerPage[0])),
		producerPos: (*uint64)(unsafe.Pointer(&producerPage[0])),
		data:        data,
		mask:        size - 1,
	}
}

func (r *ring) size() uint64 {
	return r.mask + 1
}

// free returns the number of bytes the consumer has not yet handed back.
func (r *ring) free() uint64 {
	cons := atomic.LoadUint64(r.consumerPos)
	prod := atomic.LoadUint64(r.producerPos)
	return r.size() - (prod - cons)
}

// recordSize is the ring space taken by a sample of size bytes.
func recordSize(size uint32) uint64 {
	return (uint64(size) + recordHeaderSize + 7) &^ 7
}

func (r *ring) header(pos uint64) *recordHeader {
	return (*recordHeader)(unsafe.Pointer(&r.data[pos&r.mask]))
}

// reserve claims a record of size bytes and returns the offset of its
// sample within data. Failures are reported as unix.Errno values: E2BIG
// when the record can never fit and ENOSPC when it does not fit now.
func (r *ring) reserve(size uint32) (uint64, error) {
	if size&^lengthMask != 0 {
		return 0, unix.E2BIG
	}

	cons := atomic.LoadUint64(r.consumerPos)
	prod := atomic.LoadUint64(r.producerPos)

	total := recordSize(size)
	if total > r.size() {
		return 0, unix.E2BIG
	}
	if r.size()-(prod-cons) < total {
		return 0, unix.ENOSPC
	}

	hdr := r.header(prod)
	atomic.StoreUint32(&hdr.Len, size|busyBit)
	hdr.Pad = 0

	atomic.StoreUint64(r.producerPos, prod+total)

	return (prod + recordHeaderSize) & r.mask, nil
}

// commit publishes or discards the record whose sample starts at offset.
func (r *ring) commit(offset uint64, discard bool) {
	hdr := r.header(r.size() + offset - recordHeaderSize)

	n := atomic.LoadUint32(&hdr.Len) &^ busyBit
	if discard {
		n |= discardBit
	}
	atomic.SwapUint32(&hdr.Len, n)
}

// sample returns the size bytes starting at offset.
func (r *ring) sample(offset uint64, size uint32) []byte {
	return r.data[offset : offset+uint64(size) : offset+uint64(size)]
}

// discardBusy discards every record still reserved between the consumer
// and producer positions and returns how many it released.
func (r *ring) discardBusy() int {
	cons := atomic.LoadUint64(r.consumerPos)
	prod := atomic.LoadUint64(r.producerPos)

	released := 0
	for pos := cons; pos < prod; {
		hdr := r.header(pos)
		n := atomic.LoadUint32(&hdr.Len)
		if n&busyBit != 0 {
			atomic.SwapUint32(&hdr.Len, (n&^busyBit)|discardBit)
			released++
		}
		pos += recordSize(n & lengthMask)
	}
	return released
}
