package utils

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// Resource hands out a fixed number of numbered units, e.g. tape drives.
// Callers that find every unit in use queue until one is released.
type Resource struct {
	sem   *semaphore.Weighted
	mu    sync.Mutex
	inUse []bool // state of each unit
}

func NewResource(concurrent int) *Resource {
	return &Resource{
		sem:   semaphore.NewWeighted(int64(concurrent)),
		inUse: make([]bool, concurrent),
	}
}

// Reserve blocks until a unit is free and returns its number.
func (r *Resource) Reserve(ctx context.Context) (int, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return -1, errors.Wrap(err, "waiting for resource")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, inuse := range r.inUse {
		if !inuse {
			r.inUse[i] = true
			return i, nil
		}
	}
	// the semaphore guarantees a free unit
	panic("SNO: all resources in use")
}

// TryReserve is Reserve without waiting; ok is false if every unit is busy.
func (r *Resource) TryReserve() (unit int, ok bool) {
	if !r.sem.TryAcquire(1) {
		return -1, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, inuse := range r.inUse {
		if !inuse {
			r.inUse[i] = true
			return i, true
		}
	}
	panic("SNO: all resources in use")
}

func (r *Resource) Release(unit int) {
	r.mu.Lock()
	if unit < 0 || unit >= len(r.inUse) || !r.inUse[unit] {
		r.mu.Unlock()
		panic("releasing a resource that is not reserved")
	}
	r.inUse[unit] = false
	r.mu.Unlock()
	r.sem.Release(1)
}

// InUse returns the number of reserved units.
func (r *Resource) InUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, inuse := range r.inUse {
		if inuse {
			n++
		}
	}
	return n
}
