// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package sflow defines the counter-sample element types hostmon's
// samplers produce and the single Emitter interface they are handed
// to. Wire encoding and datagram transport are out of scope: an
// Emitter is free to serialize these however its transport requires.
package sflow

import "github.com/google/uuid"

// HostID identifies the entity (physical host, container, or VM) a
// counter sample describes.
type HostID struct {
	Hostname    string
	UUID        uuid.UUID
	OSName      string
	OSRelease   string
	MachineType string
}

// HostParent references the dsIndex of the entity's physical-entity
// parent, so a container's counters can be attributed to the host they
// ran on.
type HostParent struct {
	Class   uint32
	DsIndex uint32
}

// VirtCPU is the virtual-CPU counter element.
type VirtCPU struct {
	State         uint32
	CPUTimeMillis uint64
	NumCPU        uint32
}

// VirtMemory is the virtual-memory counter element.
type VirtMemory struct {
	MemoryBytes    uint64
	MaxMemoryBytes uint64
}

// VirtDisk is the virtual-disk counter element. The request counts are
// only populated when cgroup block-IO accounting is enabled for the
// sampled unit; the per-process fallback path reads bytes only.
type VirtDisk struct {
	CapacityBytes   uint64
	AllocationBytes uint64
	ReadBytes       uint64
	WriteBytes      uint64
	ReadRequests    uint64
	WriteRequests   uint64
	Errors          uint64
}

// VirtNode is the physical-host resource-envelope element, emitted for
// the agent's own dsIndex rather than for any one container.
type VirtNode struct {
	NumCPU        uint32
	CPUMillisTotal uint64
	MemoryTotal   uint64
	MemoryFree    uint64
}

// IfCounters is one interface's accumulated packet/byte/error/drop
// counters, plus its speed, direction and up state. Optical-module
// readings travel in a separate Optics element.
type IfCounters struct {
	IfIndex     uint32
	BytesIn     uint64
	PktsIn      uint64
	ErrsIn      uint64
	DropsIn     uint64
	BytesOut    uint64
	PktsOut     uint64
	ErrsOut     uint64
	DropsOut    uint64
	IfSpeed     uint64
	IfDirection uint32
	Up          bool
}

// Optics is the SFP/QSFP optical-module diagnostic element, one slice
// entry per lane (1 for SFP, 4 for QSFP).
type Optics struct {
	TemperatureC  float64
	VoltageV      float64
	BiasCurrentMA []float64
	TxPowerMW     []float64
	RxPowerMW     []float64
	WavelengthNM  float64
}

// CounterSample bundles every element gathered for one dsIndex in one
// poll. Elements is deliberately untyped: it holds whichever of the
// structs above the producing sampler populated.
type CounterSample struct {
	DsIndex  uint32
	Elements []any
}

// Emitter is the single interface hostmon's samplers depend on to hand
// off a finished counter sample. Implementations own their own
// synchronization; the core never calls Emit from more than one
// goroutine (always the bus goroutine, from "tock"), but an Emitter
// forwarding to a network transport may need its own locking internally.
type Emitter interface {
	Emit(sample CounterSample) error
}

// Recorder is an in-memory Emitter used by tests and as agent.New's
// default Emitter when none is given: it just appends every sample it
// is handed.
type Recorder struct {
	Samples []CounterSample
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit appends sample to Samples. It never fails.
func (r *Recorder) Emit(sample CounterSample) error {
	r.Samples = append(r.Samples, sample)
	return nil
}
