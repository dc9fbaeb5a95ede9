package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/23skdu/longbow-quiver/internal/policy"
)

// ErrUnsupported is returned when no backend is registered for a
// (policy kind, descriptor type, op) combination, or when the registered
// backend has different input or result types than the call site.
var ErrUnsupported = errors.New("dispatch: operation not supported for this configuration")

// Op names one of the five dispatch operations.
type Op int

const (
	OpTrain Op = iota
	OpInfer
	OpCompute
	OpPartialCompute
	OpFinalizeCompute
)

// Ops lists every dispatch operation.
var Ops = []Op{OpTrain, OpInfer, OpCompute, OpPartialCompute, OpFinalizeCompute}

func (o Op) String() string {
	switch o {
	case OpTrain:
		return "train"
	case OpInfer:
		return "infer"
	case OpCompute:
		return "compute"
	case OpPartialCompute:
		return "partial_compute"
	case OpFinalizeCompute:
		return "finalize_compute"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

type routeKey struct {
	kind policy.Kind
	desc reflect.Type
	op   Op
}

// route is the erased form of every backend. Arguments and the result are
// asserted to the registered types, so a *table.Host argument reaches a
// backend registered for the table.Table interface.
type route func(ctx context.Context, p policy.Policy, d Descriptor, args ...any) (any, error)

// Route describes one registered backend.
type Route struct {
	Kind       policy.Kind
	Algorithm  string
	Descriptor reflect.Type
	Op         Op
}

type registration struct {
	algorithm string
	fn        route
}

var (
	mu     sync.RWMutex
	routes = make(map[routeKey]registration)
)

// register stores fn under k. A second backend for the same key panics; two
// reachable backends for one configuration is a programming error.
func register(k routeKey, algorithm string, fn route) {
	mu.Lock()
	defer mu.Unlock()
	if prev, ok := routes[k]; ok {
		panic(fmt.Sprintf("dispatch: duplicate %s backend for %s/%s (already registered by %s)",
			k.op, k.kind, k.desc, prev.algorithm))
	}
	routes[k] = registration{algorithm: algorithm, fn: fn}
}

func lookup(p policy.Policy, desc Descriptor, op Op) (route, error) {
	if p == nil || desc == nil {
		return nil, fmt.Errorf("%w: %s with nil policy or descriptor", ErrUnsupported, op)
	}
	k := routeKey{kind: p.Kind(), desc: reflect.TypeOf(desc), op: op}
	mu.RLock()
	r, ok := routes[k]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s %s under %s", ErrUnsupported, desc.Algorithm(), op, k.kind)
	}
	return r.fn, nil
}

func mismatch(desc Descriptor, op Op, what string, got any) error {
	return fmt.Errorf("%w: %s %s cannot take %s %T", ErrUnsupported, desc.Algorithm(), op, what, got)
}

func descriptorKey[P policy.Policy, D Descriptor](op Op) (routeKey, string) {
	var p P
	var d D
	return routeKey{kind: p.Kind(), desc: reflect.TypeFor[D](), op: op}, d.Algorithm()
}

func adapt[P policy.Policy, D Descriptor, I, R any](op Op, fn func(context.Context, P, D, I) (R, error)) route {
	return func(ctx context.Context, p policy.Policy, d Descriptor, args ...any) (any, error) {
		pp, ok := p.(P)
		if !ok {
			return nil, mismatch(d, op, "policy", p)
		}
		in, ok := args[0].(I)
		if !ok {
			return nil, mismatch(d, op, "input", args[0])
		}
		return fn(ctx, pp, d.(D), in)
	}
}

func adaptPair[P policy.Policy, D Descriptor, M, I, R any](op Op, fn func(context.Context, P, D, M, I) (R, error)) route {
	return func(ctx context.Context, p policy.Policy, d Descriptor, args ...any) (any, error) {
		pp, ok := p.(P)
		if !ok {
			return nil, mismatch(d, op, "policy", p)
		}
		m, ok := args[0].(M)
		if !ok {
			return nil, mismatch(d, op, "argument", args[0])
		}
		in, ok := args[1].(I)
		if !ok {
			return nil, mismatch(d, op, "input", args[1])
		}
		return fn(ctx, pp, d.(D), m, in)
	}
}

// RegisterTrain installs the train backend for policy type P and descriptor
// type D.
func RegisterTrain[P policy.Policy, D Descriptor, I, R any](fn func(context.Context, P, D, I) (R, error)) {
	k, alg := descriptorKey[P, D](OpTrain)
	register(k, alg, adapt(OpTrain, fn))
}

// RegisterInfer installs the infer backend. M is the trained model type.
func RegisterInfer[P policy.Policy, D Descriptor, M, I, R any](fn func(context.Context, P, D, M, I) (R, error)) {
	k, alg := descriptorKey[P, D](OpInfer)
	register(k, alg, adaptPair(OpInfer, fn))
}

// RegisterCompute installs the compute backend for policy type P and
// descriptor type D.
func RegisterCompute[P policy.Policy, D Descriptor, I, R any](fn func(context.Context, P, D, I) (R, error)) {
	k, alg := descriptorKey[P, D](OpCompute)
	register(k, alg, adapt(OpCompute, fn))
}

// RegisterPartialCompute installs the block accumulation backend. The
// backend receives the prior partial result and one block and returns a new
// partial result; it must not modify the prior value.
func RegisterPartialCompute[P policy.Policy, D Descriptor, Part, I any](fn func(context.Context, P, D, Part, I) (Part, error)) {
	k, alg := descriptorKey[P, D](OpPartialCompute)
	register(k, alg, adaptPair(OpPartialCompute, fn))
}

// RegisterFinalizeCompute installs the finalize backend.
func RegisterFinalizeCompute[P policy.Policy, D Descriptor, Part, R any](fn func(context.Context, P, D, Part) (R, error)) {
	k, alg := descriptorKey[P, D](OpFinalizeCompute)
	register(k, alg, adapt(OpFinalizeCompute, fn))
}

// Supported reports whether a backend is registered for desc's type and op
// under kind.
func Supported(kind policy.Kind, desc Descriptor, op Op) bool {
	if desc == nil {
		return false
	}
	mu.RLock()
	defer mu.RUnlock()
	_, ok := routes[routeKey{kind: kind, desc: reflect.TypeOf(desc), op: op}]
	return ok
}

// Routes returns every registered backend ordered by algorithm, op and kind.
func Routes() []Route {
	mu.RLock()
	out := make([]Route, 0, len(routes))
	for k, r := range routes {
		out = append(out, Route{Kind: k.kind, Algorithm: r.algorithm, Descriptor: k.desc, Op: k.op})
	}
	mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Algorithm != b.Algorithm {
			return a.Algorithm < b.Algorithm
		}
		if a.Op != b.Op {
			return a.Op < b.Op
		}
		return a.Kind < b.Kind
	})
	return out
}
