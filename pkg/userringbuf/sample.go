package userringbuf

import (
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
)

const (
	stateReserved uint32 = iota
	stateSubmitted
	stateDiscarded
)

// Discard reasons reported in metrics.
const (
	discardExplicit  = "explicit"
	discardAbandoned = "abandoned"
	discardClose     = "close"
)

// reservation is one reserved record. It must not reference the Sample or
// Record wrapping it, so the GC cleanup on the wrapper can run.
type reservation struct {
	rb      *UserRingBuffer
	offset  uint64
	size    uint32
	data    []byte
	state   atomic.Uint32
	cleanup runtime.Cleanup
}

// finish moves the reservation out of the reserved state exactly once.
func (res *reservation) finish(discard bool, reason string) error {
	next := stateSubmitted
	if discard {
		next = stateDiscarded
	}
	if !res.state.CompareAndSwap(stateReserved, next) {
		return ErrSampleConsumed
	}
	if reason != discardAbandoned {
		res.cleanup.Stop()
	}
	return res.rb.commit(res, discard, reason)
}

func (res *reservation) live() bool {
	return res.state.Load() == stateReserved && !res.rb.isClosed()
}

// abandon runs when the wrapper of a still-reserved sample is collected.
// Nothing else can reach the reservation by then.
func abandon(res *reservation) {
	if res.state.Load() != stateReserved || res.rb.isClosed() {
		return
	}
	res.rb.logger.Warn("Discarding sample that was never submitted",
		zap.String("name", res.rb.config.Name),
		zap.Uint32("size", res.size))
	_ = res.finish(true, discardAbandoned)
}

// Record is a reserved, untyped region of the ring. Write into Bytes, then
// Submit or Discard it exactly once.
type Record struct {
	res *reservation
}

func newRecord(res *reservation) *Record {
	r := &Record{res: res}
	res.cleanup = runtime.AddCleanup(r, abandon, res)
	return r
}

// Bytes returns the reserved region. Its contents are whatever the ring
// held before; the slice must not be used after Submit or Discard.
func (r *Record) Bytes() []byte {
	if !r.res.live() {
		panic(ErrSampleConsumed)
	}
	return r.res.data
}

// Len returns the reserved size in bytes.
func (r *Record) Len() int {
	return int(r.res.size)
}

// Submit publishes the record to the kernel consumer.
func (r *Record) Submit() error {
	err := r.res.finish(false, "")
	// r must stay reachable until finish owns the reservation, or the
	// abandon cleanup could discard it mid-submit.
	runtime.KeepAlive(r)
	return err
}

// Discard returns the record to the ring without publishing it. It does
// nothing once the record was submitted or discarded.
func (r *Record) Discard() {
	_ = r.res.finish(true, discardExplicit)
	runtime.KeepAlive(r)
}

// Sample is a reserved region of the ring typed as T. T is pointer-free;
// see Reserve.
type Sample[T any] struct {
	res   *reservation
	value *T
}

func newSample[T any](res *reservation) *Sample[T] {
	s := &Sample[T]{
		res:   res,
		value: (*T)(unsafe.Pointer(unsafe.SliceData(res.data))),
	}
	res.cleanup = runtime.AddCleanup(s, abandon, res)
	return s
}

// Value returns the reserved region as a *T. The memory is not
// initialized; write every field the consumer reads before Submit. The
// pointer is only valid while s is reserved and must not be retained.
func (s *Sample[T]) Value() *T {
	if !s.res.live() {
		panic(ErrSampleConsumed)
	}
	return s.value
}

// Submit publishes the sample to the kernel consumer.
func (s *Sample[T]) Submit() error {
	err := s.res.finish(false, "")
	runtime.KeepAlive(s)
	return err
}

// Discard returns the sample to the ring without publishing it. It does
// nothing once the sample was submitted or discarded, so it is safe to
// defer right after Reserve.
func (s *Sample[T]) Discard() {
	_ = s.res.finish(true, discardExplicit)
	runtime.KeepAlive(s)
}

// pointerFree caches the layout check per sample type.
var pointerFree sync.Map // reflect.Type -> bool

// sampleSize returns the ring size of T. Types holding Go pointers are
// rejected: ring memory is invisible to the GC and the addresses mean
// nothing to a BPF program.
func sampleSize[T any]() (uint64, error) {
	typ := reflect.TypeFor[T]()

	ok, cached := pointerFree.Load(typ)
	if !cached {
		ok = !hasPointers(typ)
		pointerFree.Store(typ, ok)
	}
	if !ok.(bool) {
		return 0, fmt.Errorf("%w: sample type %s holds Go pointers", ErrInvalidInput, typ)
	}
	return uint64(typ.Size()), nil
}

func hasPointers(typ reflect.Type) bool {
	switch typ.Kind() {
	case reflect.Pointer, reflect.UnsafePointer, reflect.Slice, reflect.Map,
		reflect.Chan, reflect.Func, reflect.Interface, reflect.String:
		return true
	case reflect.Array:
		return typ.Len() > 0 && hasPointers(typ.Elem())
	case reflect.Struct:
		for i := 0; i < typ.NumField(); i++ {
			if hasPointers(typ.Field(i).Type) {
				return true
			}
		}
	}
	return false
}

// Reserve reserves a sample sized for T on rb. T must be pointer-free
// (fixed-size numbers, arrays and structs of them) since it is laid out
// in memory shared with the kernel; other types fail with ErrInvalidInput.
//
// Reserve is not safe for concurrent use on the same buffer.
func Reserve[T any](rb *UserRingBuffer) (*Sample[T], error) {
	size, err := sampleSize[T]()
	if err != nil {
		rb.recordFailure(err)
		return nil, err
	}
	res, err := rb.reserve(size)
	if err != nil {
		rb.recordFailure(err)
		return nil, err
	}
	return newSample[T](res), nil
}

// Submit publishes a sample reserved on rb.
func Submit[T any](rb *UserRingBuffer, s *Sample[T]) error {
	if s == nil || s.res == nil {
		return fmt.Errorf("%w: nil sample", ErrInvalidInput)
	}
	if s.res.rb != rb {
		return ErrForeignSample
	}
	return s.Submit()
}

// Write reserves a T, fills it with fn and submits it. If fn fails or
// panics the sample is discarded instead.
func Write[T any](rb *UserRingBuffer, fn func(*T) error) error {
	s, err := Reserve[T](rb)
	if err != nil {
		return err
	}
	defer s.Discard()

	if err := fn(s.Value()); err != nil {
		return err
	}
	return s.Submit()
}

// WriteBytes reserves n bytes, fills them with fn and submits the record.
// If fn fails or panics the record is discarded instead.
func (rb *UserRingBuffer) WriteBytes(n int, fn func([]byte) error) error {
	r, err := rb.ReserveBytes(n)
	if err != nil {
		return err
	}
	defer r.Discard()

	if err := fn(r.Bytes()); err != nil {
		return err
	}
	return r.Submit()
}
