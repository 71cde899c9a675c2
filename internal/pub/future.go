package pub

import (
	"context"
	"sync"
)

// Future is the completion handle of a record (or of a manually built
// batch). It resolves exactly once, either with the broker acknowledgement
// or with an error.
type Future struct {
	once sync.Once
	done chan struct{}
	md   RecordMetadata
	err  error
}

// NewFuture returns an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve completes the future. Calls after the first are ignored; the
// return value reports whether this call resolved it.
func (f *Future) Resolve(md RecordMetadata, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.md = md
		f.err = err
		resolved = true
		close(f.done)
	})
	return resolved
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future resolves or ctx ends. Cancelling ctx only
// stops waiting; the record is still delivered.
func (f *Future) Wait(ctx context.Context) (RecordMetadata, error) {
	select {
	case <-f.done:
		return f.md, f.err
	case <-ctx.Done():
		return RecordMetadata{}, ctx.Err()
	}
}

// Resolved reports whether the future has completed.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future) Result() (RecordMetadata, error) {
	<-f.done
	return f.md, f.err
}
