// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package boxing redistributes global tensors from one placed
// sharding to another. A redistribution is carried out by a named
// Strategy: a checker that decides whether the strategy applies to a
// pair of shardings, and an executor that submits the vm instructions
// that move the data. Direct strategies are single collective steps
// (all-gather, all-reduce, reduce-scatter, and the like); composed
// strategies chain other strategies through intermediate shardings
// computed by Dividors.
//
// Boxing never touches tensor data outside of an instruction, so
// boxing steps are ordered with respect to all other work on the same
// tensors by the scheduler's dependency tracking.
package boxing

import (
	"context"
	goerrors "errors"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/tensorvm/sbp"
	"github.com/grailbio/tensorvm/tensor"
)

// A Checker returns nil if a strategy can redistribute a tensor of the
// provided logical shape from sharding in to sharding out, and a
// *PreconditionError otherwise. Checkers must be pure functions of
// their arguments: their results are memoized.
type Checker func(b *Boxer, in, out *sbp.PlacedSharding, shape []int) error

// An Executor redistributes the tensor in to sharding out by
// submitting instructions to the Boxer's scheduler. It returns the
// new tensor without waiting for the instructions to complete.
type Executor func(ctx context.Context, b *Boxer, in *tensor.Tensor, out *sbp.PlacedSharding) (*tensor.Tensor, error)

// A Strategy is a named checker and executor pair.
type Strategy struct {
	Name  string
	check Checker
	exec  Executor
}

// Check runs the strategy's checker. Both shardings must be able to
// describe a tensor of the provided shape. Results are memoized in the
// Boxer per registry generation: composed checkers depend on the
// registered strategies.
func (s *Strategy) Check(b *Boxer, in, out *sbp.PlacedSharding, shape []int) error {
	return b.memo.check(s.Name, b.registry.Generation(), in, out, shape, func() error {
		if err := in.Validate(shape); err != nil {
			return precondition(s.Name, in, out, "%v", err)
		}
		if err := out.Validate(shape); err != nil {
			return precondition(s.Name, in, out, "%v", err)
		}
		return s.check(b, in, out, shape)
	})
}

// Apply runs the strategy's checker and, if it passes, its executor.
func (s *Strategy) Apply(ctx context.Context, b *Boxer, in *tensor.Tensor, out *sbp.PlacedSharding) (*tensor.Tensor, error) {
	if err := s.Check(b, in.Sharding, out, in.Shape); err != nil {
		return nil, err
	}
	b.stats.Int(s.Name).Add(1)
	return s.exec(ctx, b, in, out)
}

// PreconditionError is returned by checkers whose strategy does not
// apply.
type PreconditionError struct {
	Strategy string
	In, Out  *sbp.PlacedSharding
	Reason   string
}

// Error implements error.
func (e *PreconditionError) Error() string {
	return fmt.Sprintf("boxing %s: %s -> %s: %s", e.Strategy, e.In, e.Out, e.Reason)
}

// Unwrap returns the equivalent errors.Precondition error.
func (e *PreconditionError) Unwrap() error {
	return errors.E(errors.Precondition, e.Error())
}

// IsPrecondition tells whether err is, or wraps, a *PreconditionError.
func IsPrecondition(err error) bool {
	var perr *PreconditionError
	return goerrors.As(err, &perr)
}

func precondition(name string, in, out *sbp.PlacedSharding, format string, args ...interface{}) error {
	return &PreconditionError{Strategy: name, In: in, Out: out, Reason: fmt.Sprintf(format, args...)}
}

// A Registry holds strategies by name, in registration order.
type Registry struct {
	mu         sync.Mutex
	strategies []*Strategy
	byName     map[string]*Strategy
	generation uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Strategy)}
}

// Register adds a strategy. It returns an errors.Exists error if a
// strategy of the same name is already registered.
func (r *Registry) Register(name string, check Checker, exec Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return errors.E(errors.Exists, fmt.Sprintf("boxing: strategy %s already registered", name))
	}
	s := &Strategy{Name: name, check: check, exec: exec}
	r.strategies = append(r.strategies, s)
	r.byName[name] = s
	r.generation++
	return nil
}

// Generation returns the number of strategies registered so far.
func (r *Registry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Lookup returns the strategy with the provided name.
func (r *Registry) Lookup(name string) (*Strategy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byName[name]
	return s, ok
}

// Strategies returns the registered strategies in registration order.
func (r *Registry) Strategies() []*Strategy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Strategy(nil), r.strategies...)
}

// DefaultRegistry returns a registry with every built-in strategy.
// Direct strategies precede composed ones, so that Boxer.Box prefers
// a single collective step when one applies.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range builtins {
		if err := r.Register(s.name, s.check, s.exec); err != nil {
			panic(err)
		}
	}
	return r
}

type builtin struct {
	name  string
	check Checker
	exec  Executor
}

var builtins []builtin

func init() {
	builtins = append(directStrategies(), composedStrategies()...)
}
