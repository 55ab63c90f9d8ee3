// Copyright 2025 The Stoke Authors
// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"sync"
)

// A lockTable hands out exclusive locks keyed by comparable values.
// The zero value is ready to use.
// It backs the at-most-one-build-per-digest guarantee:
// while a digest's lock is held,
// every other lock call for that digest blocks.
type lockTable[K comparable] struct {
	mu   sync.Mutex
	held map[K]chan struct{}
}

// lock acquires the lock for k,
// blocking until the lock is free or ctx.Done is closed.
// On success it returns a release function and a nil error;
// otherwise it returns ctx.Err().
// Calling release more than once is a no-op.
func (lt *lockTable[K]) lock(ctx context.Context, k K) (release func(), err error) {
	for {
		lt.mu.Lock()
		busy := lt.held[k]
		if busy == nil {
			if lt.held == nil {
				lt.held = make(map[K]chan struct{})
			}
			done := make(chan struct{})
			lt.held[k] = done
			lt.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					lt.mu.Lock()
					delete(lt.held, k)
					lt.mu.Unlock()
					close(done)
				})
			}, nil
		}
		lt.mu.Unlock()

		select {
		case <-busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
