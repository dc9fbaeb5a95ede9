package policy

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/comm"
	"github.com/23skdu/longbow-quiver/internal/device"
)

var (
	// ErrInvalidPolicy is returned for nil policies or policies with missing
	// resources.
	ErrInvalidPolicy = errors.New("policy: invalid policy")

	// ErrCapabilityMismatch is returned when a communicator's memory-access
	// capability does not match the residency of the local policy it wraps.
	ErrCapabilityMismatch = errors.New("policy: communicator capability does not match local policy")
)

// IsValid reports whether p is one of the policy kinds of this package.
func IsValid(p Policy) bool {
	if p == nil {
		return false
	}
	switch p.Kind() {
	case KindHost, KindDeviceParallel, KindSPMDHost, KindSPMDDeviceParallel:
		return true
	}
	return false
}

// IsDistributed reports whether p carries a communicator.
func IsDistributed(p Policy) bool {
	if !IsValid(p) {
		return false
	}
	k := p.Kind()
	return k == KindSPMDHost || k == KindSPMDDeviceParallel
}

// IsDeviceParallel reports whether p runs on an accelerator queue.
func IsDeviceParallel(p Policy) bool {
	if !IsValid(p) {
		return false
	}
	k := p.Kind()
	return k == KindDeviceParallel || k == KindSPMDDeviceParallel
}

// QueueOf returns the accelerator queue p carries, or nil.
func QueueOf(p Policy) device.Queue {
	switch v := p.(type) {
	case DeviceParallel:
		return v.queue
	case SPMDDevice:
		return v.local.queue
	}
	return nil
}

// HandleOf returns the communicator p carries, or nil.
func HandleOf(p Policy) comm.Handle {
	switch v := p.(type) {
	case SPMDHost:
		return v.Handle()
	case SPMDDevice:
		return v.Handle()
	}
	return nil
}

// Validate checks that p carries every resource its kind requires.
func Validate(p Policy) error {
	if !IsValid(p) {
		return ErrInvalidPolicy
	}
	if IsDeviceParallel(p) {
		if err := device.Validate(QueueOf(p)); err != nil {
			return fmt.Errorf("%s: %w", p.Kind(), err)
		}
	}
	if IsDistributed(p) && HandleOf(p) == nil {
		return fmt.Errorf("%w: %s without communicator", ErrInvalidPolicy, p.Kind())
	}
	return nil
}

// Assemble builds a distributed policy when the pairing is only known at run
// time. It rejects a capability mismatch instead of downgrading the transfer
// mode.
func Assemble(local Policy, h comm.Handle) (Policy, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil communicator", ErrInvalidPolicy)
	}
	switch l := local.(type) {
	case Host:
		c, ok := h.(*comm.Communicator[comm.None])
		if !ok {
			return nil, fmt.Errorf("%w: host policy needs a %s communicator, got %s",
				ErrCapabilityMismatch, comm.AccessNone, h.Access())
		}
		return NewSPMD(l, c), nil
	case DeviceParallel:
		c, ok := h.(*comm.Communicator[comm.USM])
		if !ok {
			return nil, fmt.Errorf("%w: device-parallel policy needs a %s communicator, got %s",
				ErrCapabilityMismatch, comm.AccessUSM, h.Access())
		}
		return NewSPMD(l, c), nil
	default:
		return nil, fmt.Errorf("%w: %v cannot be distributed", ErrInvalidPolicy, local)
	}
}
