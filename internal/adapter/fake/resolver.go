package fake

import (
	"context"
	"sync"
)

// Resolver returns a fixed image or error.
type Resolver struct {
	CallRecorder

	mu    sync.Mutex
	image string
	err   error
}

func NewResolver(image string, err error) *Resolver {
	return &Resolver{image: image, err: err}
}

func (r *Resolver) Resolve(context.Context) (string, error) {
	r.record("Resolve")
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.image, r.err
}
