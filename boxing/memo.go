// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package boxing

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/tensorvm/sbp"
)

// onceResult manages a computation that must be run at most once.
// It's similar to sync.Once, except it also retains the computation's
// result and error.
type onceResult struct {
	mu   sync.Mutex
	done uint32
	ps   *sbp.PlacedSharding
	err  error
}

// Do runs the function do at most once, and returns the result of
// its only invocation.
func (o *onceResult) Do(do func() (*sbp.PlacedSharding, error)) (*sbp.PlacedSharding, error) {
	if atomic.LoadUint32(&o.done) == 1 {
		return o.ps, o.err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if atomic.LoadUint32(&o.done) == 0 {
		o.ps, o.err = do()
		atomic.StoreUint32(&o.done, 1)
	}
	return o.ps, o.err
}

// memoKey names one memoized computation: a checker or dividor
// together with its arguments. Shardings are interned, so pointer
// equality is value equality. Checker keys also carry the registry
// generation they were computed under.
type memoKey struct {
	name       string
	arg        int
	in, out    *sbp.PlacedSharding
	shape      string
	generation uint64
}

// Memo is a table of memoized checker and dividor results. Dividor
// entries depend only on their immutable inputs. Checker entries are
// superseded when the registry changes: lookups under a newer
// generation miss. A Memo is safe for concurrent use.
type Memo struct {
	table        sync.Map
	hits, misses int64
}

// NewMemo returns an empty memo table.
func NewMemo() *Memo {
	return new(Memo)
}

// do returns the memoized result of fn for key, invoking fn exactly
// once per key.
func (m *Memo) do(key memoKey, fn func() (*sbp.PlacedSharding, error)) (*sbp.PlacedSharding, error) {
	v, loaded := m.table.LoadOrStore(key, new(onceResult))
	if loaded {
		atomic.AddInt64(&m.hits, 1)
	} else {
		atomic.AddInt64(&m.misses, 1)
	}
	return v.(*onceResult).Do(fn)
}

func (m *Memo) check(name string, generation uint64, in, out *sbp.PlacedSharding, shape []int, fn func() error) error {
	key := memoKey{name: "check:" + name, in: in, out: out, shape: fmt.Sprint(shape), generation: generation}
	_, err := m.do(key, func() (*sbp.PlacedSharding, error) {
		return nil, fn()
	})
	return err
}

// Stats returns the number of lookups that were answered from the
// table, and the number that were computed.
func (m *Memo) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&m.hits), atomic.LoadInt64(&m.misses)
}

// Len returns the number of entries in the table.
func (m *Memo) Len() int {
	var n int
	m.table.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
