// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package systemdsvc discovers systemd ".service" units over DBus and
// samples their cgroup-accounted CPU, memory, and block-IO usage,
// turning each live unit into an sFlow virtual-machine counter sample.
package systemdsvc

import (
	"time"

	"github.com/google/uuid"
)

// unitState is the per-unit discovery state machine from DISCOVERED
// through READY.
type unitState int

const (
	stateDiscovered unitState = iota
	stateHasObj
	stateHasCgroup
	stateReady
)

func (s unitState) String() string {
	switch s {
	case stateDiscovered:
		return "discovered"
	case stateHasObj:
		return "has_obj"
	case stateHasCgroup:
		return "has_cgroup"
	case stateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// deltaCounter computes the delta contributed by one observation of a
// monotonic raw counter, discarding the very first delta per the spec's
// first-sample rule: last is 0 until the first observation, and a
// nonzero last gates the delta. Reset of the underlying kernel counter
// pauses accumulation for one sample rather than causing a spurious
// jump. It holds only the last-sample raw value; the running total it
// feeds lives one level up (per-process here, per-unit in the sampler),
// matching the DBus process/unit split in the data model.
type deltaCounter struct {
	last uint64
}

// observe returns the delta since the previous observation (0 on the
// first observation, or if raw has gone backwards without a wrap this
// package understands), and advances last to raw.
func (d *deltaCounter) observe(raw uint64) uint64 {
	var delta uint64
	if d.last != 0 && raw >= d.last {
		delta = raw - d.last
	}
	d.last = raw
	return delta
}

// accountingFlags records which cgroup accounting controllers systemd
// reports as enabled for a unit. They are queried once per READY
// transition and re-queried only if the cgroup path changes.
type accountingFlags struct {
	cpu, memory, blockIO bool
	queried              bool
	cgroupAtQuery        string
}

// process holds the per-pid last-sample raw counters used to compute
// one process's delta contribution to its unit's CPU/IO totals. This is
// the "DBus process" entity from the data model: indexed by PID within
// its owning unit, it is freed (via unit.sweepProcs) once its PID no
// longer appears in cgroup.procs, so an exited process's own state never
// corrupts a surviving process's delta.
type process struct {
	cpu     deltaCounter
	ioRead  deltaCounter
	ioWrite deltaCounter
}

// unit tracks one systemd ".service" unit as it moves through the
// discovery state machine.
type unit struct {
	name    string
	state   unitState
	dsIndex uint32

	obj    string // DBus object path, once resolved
	cgroup string // e.g. /system.slice/nginx.service
	pids   map[int]struct{}
	procs  map[int]*process // per-pid delta state, keyed by pid
	flags  accountingFlags

	// Cumulative, delta-accumulated totals across every pid this unit
	// has ever sampled. These only ever increase: a pid's removal from
	// procs (via sweepProcs) discards its last-sample state, never
	// subtracts its past contribution back out.
	cpuTotal     uint64
	ioReadTotal  uint64
	ioWriteTotal uint64

	container *Container
}

// proc returns (creating if needed) the per-pid delta state for pid.
func (u *unit) proc(pid int) *process {
	if u.procs == nil {
		u.procs = make(map[int]*process)
	}
	p, ok := u.procs[pid]
	if !ok {
		p = &process{}
		u.procs[pid] = p
	}
	return p
}

// sweepProcs frees delta state for any pid no longer present in
// u.pids, per the "DBus process" lifecycle: swept out when absent from
// the next cgroup.procs read.
func (u *unit) sweepProcs() {
	for pid := range u.procs {
		if _, ok := u.pids[pid]; !ok {
			delete(u.procs, pid)
		}
	}
}

// Container is the materialized identity of a live, cgroup-backed
// systemd service, the unit that hostmon's "virtual machine" counter
// sample describes.
type Container struct {
	UUID     uuid.UUID
	UnitName string
	Hostname string

	CPUTimeMillis  uint64
	MemoryBytes    uint64
	DiskReadBytes  uint64
	DiskWriteBytes uint64

	SampledAt time.Time
}
