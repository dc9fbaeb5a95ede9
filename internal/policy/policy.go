// Package policy defines the closed set of execution contexts a computation
// can run under: the calling process's CPU, an accelerator queue, or either
// of those replicated across the ranks of a communicator (SPMD).
//
// Policies are small immutable values. They hold non-owning handles to the
// queue and communicator they were built from; the caller keeps those alive
// for as long as the policy is used.
package policy

import (
	"github.com/23skdu/longbow-quiver/internal/comm"
	"github.com/23skdu/longbow-quiver/internal/device"
)

// Kind identifies a policy type.
type Kind int

const (
	KindHost Kind = iota
	KindDeviceParallel
	KindSPMDHost
	KindSPMDDeviceParallel
)

// Kinds lists every policy kind.
var Kinds = []Kind{KindHost, KindDeviceParallel, KindSPMDHost, KindSPMDDeviceParallel}

func (k Kind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindDeviceParallel:
		return "device-parallel"
	case KindSPMDHost:
		return "spmd<host>"
	case KindSPMDDeviceParallel:
		return "spmd<device-parallel>"
	default:
		return "invalid"
	}
}

// Policy is implemented only by the types of this package.
type Policy interface {
	Kind() Kind
	isPolicy()
}

// Local is a non-distributed policy whose memory residency matches the
// communicator capability M. Host satisfies Local[comm.None] and
// DeviceParallel satisfies Local[comm.USM]; no other pairing compiles.
type Local[M comm.MemoryAccess] interface {
	Policy
	memoryAccess() M
}

// Host runs on the calling process's CPU. The zero value is ready to use.
type Host struct{}

func NewHost() Host {
	return Host{}
}

func (Host) Kind() Kind              { return KindHost }
func (Host) isPolicy()               {}
func (Host) memoryAccess() comm.None { return comm.None{} }

// DeviceParallel offloads work to an accelerator queue.
type DeviceParallel struct {
	queue device.Queue
}

// NewDeviceParallel wraps q. An invalid queue is a caller error reported by
// Validate or by the first backend that submits work.
func NewDeviceParallel(q device.Queue) DeviceParallel {
	return DeviceParallel{queue: q}
}

func (DeviceParallel) Kind() Kind             { return KindDeviceParallel }
func (DeviceParallel) isPolicy()              {}
func (DeviceParallel) memoryAccess() comm.USM { return comm.USM{} }

// Queue returns the wrapped accelerator queue.
func (p DeviceParallel) Queue() device.Queue {
	return p.queue
}

// SPMD replicates a local policy across the ranks of a communicator.
type SPMD[L Local[M], M comm.MemoryAccess] struct {
	local L
	comm  *comm.Communicator[M]
}

// SPMDHost is spmd<host>.
type SPMDHost = SPMD[Host, comm.None]

// SPMDDevice is spmd<device-parallel>.
type SPMDDevice = SPMD[DeviceParallel, comm.USM]

// NewSPMD pairs local with c. The type parameters tie the communicator's
// capability to the local policy's memory residency.
func NewSPMD[L Local[M], M comm.MemoryAccess](local L, c *comm.Communicator[M]) SPMD[L, M] {
	return SPMD[L, M]{local: local, comm: c}
}

func (p SPMD[L, M]) Kind() Kind {
	if p.local.Kind() == KindDeviceParallel {
		return KindSPMDDeviceParallel
	}
	return KindSPMDHost
}

func (SPMD[L, M]) isPolicy() {}

// Local returns the wrapped local policy.
func (p SPMD[L, M]) Local() L {
	return p.local
}

// Communicator returns the wrapped communicator.
func (p SPMD[L, M]) Communicator() *comm.Communicator[M] {
	return p.comm
}

// Handle returns the communicator with its capability erased.
func (p SPMD[L, M]) Handle() comm.Handle {
	if p.comm == nil {
		return nil
	}
	return p.comm
}

func (p SPMD[L, M]) Rank() int {
	return p.comm.Rank()
}

func (p SPMD[L, M]) RankCount() int {
	return p.comm.RankCount()
}

// Queue returns the local policy's queue for spmd<device-parallel>, nil
// otherwise.
func (p SPMD[L, M]) Queue() device.Queue {
	if dp, ok := any(p.local).(DeviceParallel); ok {
		return dp.queue
	}
	return nil
}
