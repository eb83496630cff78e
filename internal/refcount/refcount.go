// Package refcount provides atomic reference counting for objects shared
// between the packet pipelines and the control plane, mirroring the
// take/drop discipline of kernel krefs: Hold fails once the count reached
// zero, so a concurrent lookup can never resurrect an object whose
// destructor is about to run.
package refcount

import "sync/atomic"

// Count is an atomic reference counter. The zero value is dead; call Init
// (or use New) to set the initial reference.
type Count struct {
	n atomic.Int64
}

// Init sets the initial reference owned by the creator.
func (c *Count) Init() {
	c.n.Store(1)
}

// Hold acquires an additional reference. It reports false if the count has
// already dropped to zero, in which case the caller must treat the object
// as gone.
func (c *Count) Hold() bool {
	for {
		v := c.n.Load()
		if v <= 0 {
			return false
		}
		if c.n.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// Drop releases one reference and reports true when the dropped reference
// was the last one. The caller owning the last reference runs the
// destructor; Drop itself never does.
func (c *Count) Drop() bool {
	v := c.n.Add(-1)
	return v == 0
}

// Refs returns the current count. Only useful for tests and diagnostics.
func (c *Count) Refs() int64 {
	return c.n.Load()
}
