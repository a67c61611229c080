package database

import "iter"

// MapView is a read-only view of a map owned by a FileDatabase.
type MapView[K comparable, V any] struct {
	m map[K]V
}

func (v MapView[K, V]) Get(key K) (V, bool) {
	val, ok := v.m[key]
	return val, ok
}

func (v MapView[K, V]) Len() int { return len(v.m) }

// All iterates the map in unspecified order.
func (v MapView[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for k, val := range v.m {
			if !yield(k, val) {
				return
			}
		}
	}
}

// ListView is a read-only view of a slice owned by a FileDatabase.
type ListView[T any] struct {
	s []T
}

func (v ListView[T]) Len() int { return len(v.s) }

func (v ListView[T]) At(i int) T { return v.s[i] }

// All iterates the list in order.
func (v ListView[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i, item := range v.s {
			if !yield(i, item) {
				return
			}
		}
	}
}

// Slice returns a copy of the list.
func (v ListView[T]) Slice() []T {
	return append([]T(nil), v.s...)
}
