package pool

import (
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
)

const (
	// ErrTypeStaleHandle is the error type returned when a handle does not
	// reference an item that is currently in use.
	ErrTypeStaleHandle = "pool_stale_handle"

	growthRatio = 0.2
)

// Resetter is the interface implemented by pooled types. Reset is called each
// time an item is acquired, whether it was just allocated or recycled.
type Resetter interface {
	Reset()
}

// Handle references an item acquired from a pool. A handle becomes stale when
// the item is released: the slot generation it carries no longer matches.
//
// The zero Handle never references an item.
type Handle struct {
	index uint32
	gen   uint32
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool {
	return h == Handle{}
}

// Stats describes the utilization of a pool.
type Stats struct {
	Used int `json:"used"`
	Size int `json:"size"`
}

type slot[T any] struct {
	value T
	gen   uint32
	used  bool
}

// Pool is a recycling pool of T values addressed by generation-stamped
// handles. Slots are allocated in batches and never move, so pointers returned
// by Acquire, Get and At remain valid until the item is released.
//
// A Pool is not safe for concurrent use.
type Pool[T any, P interface {
	*T
	Resetter
}] struct {
	name  string
	slots []*slot[T]
	free  []uint32
}

// New returns an empty pool. The name is used for diagnostics.
func New[T any, P interface {
	*T
	Resetter
}](name string) *Pool[T, P] {
	return &Pool[T, P]{name: name}
}

func (p *Pool[T, P]) Name() string {
	return p.name
}

// Acquire returns a reset item and its handle. When no free item remains, the
// pool grows by ceil(20% of its size) + 1 items.
func (p *Pool[T, P]) Acquire() (Handle, P) {
	if len(p.free) == 0 {
		p.Expand(int(math.Ceil(growthRatio*float64(len(p.slots)))) + 1)
	}

	last := len(p.free) - 1
	index := p.free[last]
	p.free = p.free[:last]

	s := p.slots[index]
	s.gen++
	if s.gen == 0 {
		// Generation 0 is never handed out so that no handle equals the zero
		// Handle after a wrap.
		s.gen = 1
	}
	s.used = true

	item := P(&s.value)
	item.Reset()
	return Handle{index: index, gen: s.gen}, item
}

// Release returns the item referenced by h to the pool. Releasing a stale
// handle returns an error and leaves the pool untouched.
func (p *Pool[T, P]) Release(h Handle) error {
	s, ok := p.slot(h)
	if !ok {
		return errors.New("releasing a stale handle").
			WithType(ErrTypeStaleHandle).
			WithTag("pool", p.name).
			WithTag("index", h.index).
			WithTag("generation", h.gen)
	}

	s.used = false
	p.free = append(p.free, h.index)
	return nil
}

// Get returns the item referenced by h. It returns false when h is stale.
func (p *Pool[T, P]) Get(h Handle) (P, bool) {
	s, ok := p.slot(h)
	if !ok {
		return nil, false
	}
	return P(&s.value), true
}

// At returns the item referenced by h and panics when h is stale. It is meant
// for handles whose liveness is guaranteed by the caller bookkeeping.
func (p *Pool[T, P]) At(h Handle) P {
	item, ok := p.Get(h)
	if !ok {
		panic(errors.New("accessing a stale handle").
			WithType(ErrTypeStaleHandle).
			WithTag("pool", p.name).
			WithTag("index", h.index).
			WithTag("generation", h.gen))
	}
	return item
}

// Expand preallocates n items.
func (p *Pool[T, P]) Expand(n int) {
	if n <= 0 {
		return
	}

	batch := make([]slot[T], n)
	start := len(p.slots)
	for i := range batch {
		p.slots = append(p.slots, &batch[i])
	}

	// Pushed in reverse so that the lowest index is acquired first.
	for i := len(p.slots) - 1; i >= start; i-- {
		p.free = append(p.free, uint32(i))
	}
}

// TotalUsed returns the number of acquired items that are not released yet.
func (p *Pool[T, P]) TotalUsed() int {
	return len(p.slots) - len(p.free)
}

// TotalSize returns the number of items allocated by the pool.
func (p *Pool[T, P]) TotalSize() int {
	return len(p.slots)
}

func (p *Pool[T, P]) Stats() Stats {
	return Stats{
		Used: p.TotalUsed(),
		Size: p.TotalSize(),
	}
}

func (p *Pool[T, P]) slot(h Handle) (*slot[T], bool) {
	if int(h.index) >= len(p.slots) {
		return nil, false
	}

	s := p.slots[h.index]
	if !s.used || s.gen != h.gen {
		return nil, false
	}
	return s, true
}
