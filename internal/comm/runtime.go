package comm

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Runtime is the process-wide lifecycle of a messaging layer. Init and
// Shutdown are reference counted: the first Init starts the layer, the
// matching last Shutdown stops it. Backends refuse to construct while the
// runtime is inactive.
type Runtime struct {
	name  string
	start func(ctx context.Context) error
	stop  func() error

	mu   sync.Mutex
	refs int
}

// NewRuntime returns an inactive runtime. start and stop may be nil.
func NewRuntime(name string, start func(ctx context.Context) error, stop func() error) *Runtime {
	return &Runtime{name: name, start: start, stop: stop}
}

// Init acquires a reference, starting the layer on the first one.
func (r *Runtime) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs == 0 {
		if r.start != nil {
			if err := r.start(ctx); err != nil {
				return err
			}
		}
		log.Info().Str("runtime", r.name).Msg("Messaging runtime started")
	}
	r.refs++
	runtimesActive.WithLabelValues(r.name).Set(float64(r.refs))
	return nil
}

// Shutdown releases a reference, stopping the layer when the last one goes.
// Calling Shutdown on an inactive runtime is a no-op.
func (r *Runtime) Shutdown() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs == 0 {
		return nil
	}
	r.refs--
	runtimesActive.WithLabelValues(r.name).Set(float64(r.refs))
	if r.refs > 0 {
		return nil
	}
	log.Info().Str("runtime", r.name).Msg("Messaging runtime stopped")
	if r.stop != nil {
		return r.stop()
	}
	return nil
}

// Active reports whether at least one reference is held.
func (r *Runtime) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs > 0
}

// Name returns the runtime's name.
func (r *Runtime) Name() string {
	return r.name
}
