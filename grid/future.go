package grid

import (
	"context"
	"sync"
)

// the single outcome of an asynchronous request
// resolved exactly once, later resolutions are ignored
type Future[R any] struct {
	once   sync.Once
	done   chan struct{}
	result R
	err    error
}

func NewFuture[R any]() *Future[R] {
	return &Future[R]{
		done: make(chan struct{}),
	}
}

func NewResolvedFuture[R any](result R, err error) *Future[R] {
	future := NewFuture[R]()
	future.resolve(result, err)
	return future
}

func (self *Future[R]) resolve(result R, err error) bool {
	resolved := false
	self.once.Do(func() {
		self.result = result
		self.err = err
		close(self.done)
		resolved = true
	})
	return resolved
}

func (self *Future[R]) Done() <-chan struct{} {
	return self.done
}

func (self *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-self.done:
		return self.result, self.err
	case <-ctx.Done():
		var empty R
		return empty, ctx.Err()
	}
}

func (self *Future[R]) IsDone() bool {
	select {
	case <-self.done:
		return true
	default:
		return false
	}
}
