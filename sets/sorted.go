// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

package sets

import (
	"cmp"
	"iter"
	"slices"
)

// Sorted is a set of unique items stored as a sorted list.
// The zero value is an empty set.
type Sorted[T cmp.Ordered] struct {
	elems []T
}

// NewSorted returns a new set with the given elements.
func NewSorted[T cmp.Ordered](elem ...T) *Sorted[T] {
	s := new(Sorted[T])
	s.Add(elem...)
	return s
}

// CollectSorted returns a new set that contains the elements of the given iterator.
func CollectSorted[T cmp.Ordered](seq iter.Seq[T]) *Sorted[T] {
	s := new(Sorted[T])
	for x := range seq {
		s.Add(x)
	}
	return s
}

// Add adds the arguments to the set.
func (s *Sorted[T]) Add(elem ...T) {
	for _, x := range elem {
		i, present := slices.BinarySearch(s.elems, x)
		if !present {
			s.elems = slices.Insert(s.elems, i, x)
		}
	}
}

// Has reports whether the set contains x.
func (s *Sorted[T]) Has(x T) bool {
	if s == nil {
		return false
	}
	_, present := slices.BinarySearch(s.elems, x)
	return present
}

// Len returns the number of elements in the set.
func (s *Sorted[T]) Len() int {
	if s == nil {
		return 0
	}
	return len(s.elems)
}

// All returns an iterator over the elements of the set in sorted order.
func (s *Sorted[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		if s == nil {
			return
		}
		for i, x := range s.elems {
			if !yield(i, x) {
				return
			}
		}
	}
}

// Values returns an iterator over the elements of the set in sorted order
// without indices.
func (s *Sorted[T]) Values() iter.Seq[T] {
	return func(yield func(T) bool) {
		if s == nil {
			return
		}
		for _, x := range s.elems {
			if !yield(x) {
				return
			}
		}
	}
}

// Clone returns a new set that contains the same elements as s.
func (s *Sorted[T]) Clone() *Sorted[T] {
	if s == nil {
		return new(Sorted[T])
	}
	return &Sorted[T]{elems: slices.Clone(s.elems)}
}
