// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package systemdsvc

import (
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/jra3/hostmon/pkg/bus"
	"github.com/jra3/hostmon/pkg/dbusclient"
	hostmonerrors "github.com/jra3/hostmon/pkg/errors"
	"github.com/jra3/hostmon/pkg/hashtable"
	"github.com/jra3/hostmon/pkg/sflow"
	"github.com/jra3/hostmon/pkg/uuidname"
	"github.com/jra3/hostmon/pkg/variant"
)

const (
	managerDest      = "org.freedesktop.systemd1"
	managerPath      = dbus.ObjectPath("/org/freedesktop/systemd1")
	managerIface     = "org.freedesktop.systemd1.Manager"
	serviceIface     = "org.freedesktop.systemd1.Service"
	propertiesIface  = "org.freedesktop.DBus.Properties"
	hostParentClass  = 3 // physical-entity class, per sFlow host structures
	hostParentDsIdx  = 1 // the agent's own dsIndex
)

var systemSliceCgroup = regexp.MustCompile(`system\.slice`)

// Options configures a Sampler.
type Options struct {
	Logger          logr.Logger
	DBus            *dbusclient.Client
	ProcRoot        string // default "/proc"
	CgroupFSRoot    string // default "/sys/fs/cgroup"
	Namespace       uuid.UUID
	AgentIP         net.IP
	Hostname        string
	OSName          string
	OSRelease       string
	Emitter         sflow.Emitter
	RefreshInterval time.Duration // default 60s
}

// Sampler discovers systemd ".service" units over DBus and samples the
// cgroup-accounted resource usage of the ones that have live processes.
type Sampler struct {
	opts Options
	proc *procInfo

	units       *hashtable.Table[string, *unit]
	nextDsIndex uint32

	pendingSweep    bool
	nextSweep       time.Time
	refreshInterval time.Duration
}

type accountingMagic struct {
	name string
	prop string
}

// New constructs a Sampler. It does not talk to DBus until the bus
// posts config_first.
func New(opts Options) *Sampler {
	if opts.ProcRoot == "" {
		opts.ProcRoot = "/proc"
	}
	if opts.CgroupFSRoot == "" {
		opts.CgroupFSRoot = "/sys/fs/cgroup"
	}
	if opts.RefreshInterval == 0 {
		opts.RefreshInterval = 60 * time.Second
	}
	return &Sampler{
		opts:            opts,
		proc:            newProcInfo(opts.ProcRoot),
		units:           hashtable.New[string, *unit](),
		nextDsIndex:     1000,
		refreshInterval: opts.RefreshInterval,
	}
}

// Name identifies this component on the bus.
func (s *Sampler) Name() string { return "systemdsvc" }

// Subscribe wires the sweep to tick and sampling/emission to tock, per
// the single-threaded bus model the whole agent runs on.
func (s *Sampler) Subscribe(b *bus.Bus) {
	b.Subscribe(bus.EventConfigFirst, func(any) {
		s.nextSweep = time.Now().Add(5 * time.Second)
	})
	b.Subscribe(bus.EventTick, func(any) {
		s.maybeSweep()
	})
	b.Subscribe(bus.EventTock, func(any) {
		s.sampleAll()
	})
	b.Subscribe(bus.EventHostCounterSample, s.contributeVirtNode)
}

func (s *Sampler) maybeSweep() {
	if time.Now().Before(s.nextSweep) {
		return
	}
	s.nextSweep = time.Now().Add(s.refreshInterval)

	if s.opts.DBus.PendingCount() > 0 {
		s.opts.Logger.V(1).Info("skipping sweep, requests still outstanding")
		return
	}

	s.units.MarkAll()
	_, err := s.opts.DBus.MethodCall(managerDest, managerPath, managerIface, "ListUnits", nil, s.handleListUnits, nil)
	if err != nil {
		s.opts.Logger.Error(err, "ListUnits send failed")
		if hostmonerrors.Retryable(err) {
			// The bus send itself failed rather than the call being
			// rejected; retry on the next tick instead of waiting out
			// the full refresh interval.
			s.nextSweep = time.Time{}
		}
	}
}

func (s *Sampler) handleListUnits(call *dbus.Call, _ any) {
	if call.Err != nil {
		s.opts.Logger.Error(call.Err, "ListUnits failed")
		return
	}
	if len(call.Body) == 0 {
		return
	}
	switch entries := call.Body[0].(type) {
	case []any:
		for _, e := range entries {
			fields, ok := e.([]any)
			if !ok {
				continue
			}
			s.considerUnit(fields)
		}
	case [][]any:
		for _, fields := range entries {
			s.considerUnit(fields)
		}
	default:
		return
	}

	s.units.Sweep(func(name string, u *unit) {
		s.opts.Logger.V(1).Info("unit disappeared from ListUnits sweep", "unit", name)
	})
}

func (s *Sampler) considerUnit(fields []any) {
	if len(fields) < 4 {
		return
	}
	name, _ := fields[0].(string)
	loadState, _ := fields[2].(string)
	activeState, _ := fields[3].(string)
	if name == "" || loadState != "loaded" || activeState != "active" || !strings.HasSuffix(name, ".service") {
		return
	}

	u, ok := s.units.Get(name)
	if !ok {
		s.nextDsIndex++
		u = &unit{name: name, state: stateDiscovered, dsIndex: s.nextDsIndex}
		s.units.Add(name, u)
	}
	s.units.Unmark(name)

	_, err := s.opts.DBus.MethodCall(managerDest, managerPath, managerIface, "GetUnit", []any{name}, s.handleGetUnit, name)
	if err != nil {
		s.opts.Logger.V(1).Info("GetUnit send failed", "unit", name, "error", err)
	}
}

func (s *Sampler) handleGetUnit(call *dbus.Call, magic any) {
	name, _ := magic.(string)
	u, ok := s.units.Get(name)
	if !ok {
		return
	}
	if call.Err != nil {
		s.opts.Logger.V(1).Info("GetUnit failed", "unit", name, "error", call.Err)
		return
	}
	objPath, ok := call.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	u.obj = string(objPath)
	u.state = stateHasObj

	_, err := s.opts.DBus.MethodCall(managerDest, objPath, propertiesIface, "Get",
		[]any{serviceIface, "ControlGroup"}, s.handleControlGroup, name)
	if err != nil {
		s.opts.Logger.V(1).Info("Properties.Get(ControlGroup) send failed", "unit", name, "error", err)
	}
}

func (s *Sampler) handleControlGroup(call *dbus.Call, magic any) {
	name, _ := magic.(string)
	u, ok := s.units.Get(name)
	if !ok {
		return
	}
	if call.Err != nil {
		s.opts.Logger.V(1).Info("ControlGroup property read failed", "unit", name, "error", call.Err)
		return
	}
	cgroup, ok := variant.Get[string](call.Body[0])
	if !ok || !systemSliceCgroup.MatchString(cgroup) {
		return
	}
	u.cgroup = cgroup
	u.state = stateHasCgroup

	pids := readCgroupPIDs(s.opts.CgroupFSRoot, cgroup, s.opts.Logger)
	if len(pids) == 0 {
		return
	}
	u.pids = pids

	if u.container == nil {
		u.container = &Container{
			UUID:     uuidname.Derive(s.opts.Namespace, name, s.opts.AgentIP),
			UnitName: name,
			Hostname: name,
		}
	}

	// Accounting flags rarely change for a live unit: only re-query them
	// the first time this unit reaches HAS_CGROUP, or if the cgroup path
	// itself changed since the last query.
	if u.flags.queried && u.flags.cgroupAtQuery == cgroup {
		u.state = stateReady
		return
	}

	objPath := dbus.ObjectPath(u.obj)
	for _, prop := range []string{"CPUAccounting", "MemoryAccounting", "BlockIOAccounting"} {
		_, err := s.opts.DBus.MethodCall(managerDest, objPath, propertiesIface, "Get",
			[]any{serviceIface, prop}, s.handleAccounting, accountingMagic{name: name, prop: prop})
		if err != nil {
			s.opts.Logger.V(1).Info("Properties.Get send failed", "unit", name, "prop", prop, "error", err)
		}
	}
}

func (s *Sampler) handleAccounting(call *dbus.Call, magic any) {
	m, ok := magic.(accountingMagic)
	if !ok {
		return
	}
	u, ok := s.units.Get(m.name)
	if !ok {
		return
	}

	if call.Err == nil && len(call.Body) > 0 {
		if val, ok := variant.Get[bool](call.Body[0]); ok {
			switch m.prop {
			case "CPUAccounting":
				u.flags.cpu = val
			case "MemoryAccounting":
				u.flags.memory = val
			case "BlockIOAccounting":
				u.flags.blockIO = val
			}
		}
	}

	u.flags.queried = true
	u.flags.cgroupAtQuery = u.cgroup
	u.state = stateReady
}

// sampleAll samples every ready unit and emits a counter sample for
// each live container, run from tock so the work queued during this
// second's tick is observed coherently.
func (s *Sampler) sampleAll() {
	var names []string
	s.units.Walk(func(name string, u *unit) bool {
		names = append(names, name)
		return true
	})

	for _, name := range names {
		u, ok := s.units.Get(name)
		if !ok {
			continue
		}
		s.sampleUnit(u)
	}
}

func (s *Sampler) sampleUnit(u *unit) {
	if u.state != stateReady || u.cgroup == "" {
		return
	}

	// Re-derive the live PID set every sample: processes come and go
	// within a unit's cgroup between sweeps.
	pids := readCgroupPIDs(s.opts.CgroupFSRoot, u.cgroup, s.opts.Logger)
	if len(pids) == 0 {
		u.container = nil
		return
	}
	u.pids = pids
	u.sweepProcs()

	if u.container == nil {
		u.container = &Container{
			UUID:     uuidname.Derive(s.opts.Namespace, u.name, s.opts.AgentIP),
			UnitName: u.name,
			Hostname: u.name,
		}
	}

	userHZ, err := s.proc.userHZCached()
	if err != nil || userHZ == 0 {
		userHZ = 100
	}
	pageSize, err := s.proc.pageSizeCached()
	if err != nil || pageSize == 0 {
		pageSize = 4096
	}

	cpuTimeMillis := s.sampleCPU(u, userHZ)
	memBytes := s.sampleMemory(u, uint64(pageSize))
	disk := s.sampleDiskIO(u)

	u.container.CPUTimeMillis = cpuTimeMillis
	u.container.MemoryBytes = memBytes
	u.container.DiskReadBytes = disk.ReadBytes
	u.container.DiskWriteBytes = disk.WriteBytes
	u.container.SampledAt = time.Now()

	if s.opts.Emitter == nil {
		return
	}

	sample := sflow.CounterSample{
		DsIndex: s.dsIndexFor(u),
		Elements: []any{
			sflow.HostID{
				Hostname:  u.container.Hostname,
				UUID:      u.container.UUID,
				OSName:    s.opts.OSName,
				OSRelease: s.opts.OSRelease,
			},
			sflow.HostParent{Class: hostParentClass, DsIndex: hostParentDsIdx},
			sflow.VirtCPU{CPUTimeMillis: cpuTimeMillis, NumCPU: 1},
			sflow.VirtMemory{MemoryBytes: memBytes},
			disk,
		},
	}
	if err := s.opts.Emitter.Emit(sample); err != nil {
		s.opts.Logger.Error(err, "emit counter sample failed", "unit", u.name)
	}
}

func (s *Sampler) sampleCPU(u *unit, userHZ int64) uint64 {
	if u.flags.cpu {
		ticks, ok := readCPUAcctStat(s.opts.CgroupFSRoot, u.cgroup, s.opts.Logger)
		if !ok {
			return jiffiesToMillis(u.cpuTotal, userHZ)
		}
		return jiffiesToMillis(ticks, userHZ)
	}

	// Each pid keeps its own last-sample raw total, so a process that
	// exits between samples simply stops contributing instead of
	// corrupting survivors' deltas against a combined raw sum.
	for pid := range u.pids {
		ticks, ok := procStatCPUTicks(s.opts.ProcRoot, pid, s.opts.Logger)
		if !ok {
			continue
		}
		u.cpuTotal += u.proc(pid).cpu.observe(ticks)
	}
	return jiffiesToMillis(u.cpuTotal, userHZ)
}

func (s *Sampler) sampleMemory(u *unit, pageSize uint64) uint64 {
	if u.flags.memory {
		rss, ok := readMemoryStatRSS(s.opts.CgroupFSRoot, u.cgroup, s.opts.Logger)
		if ok {
			return rss
		}
		return 0
	}

	var pages uint64
	for pid := range u.pids {
		p, ok := procStatmResidentPages(s.opts.ProcRoot, pid, s.opts.Logger)
		if ok {
			pages += p
		}
	}
	return pages * pageSize
}

func (s *Sampler) sampleDiskIO(u *unit) sflow.VirtDisk {
	if u.flags.blockIO {
		var disk sflow.VirtDisk
		if r, w, ok := blkioRecursive(s.opts.CgroupFSRoot, u.cgroup, "blkio.io_service_bytes_recursive", s.opts.Logger); ok {
			disk.ReadBytes, disk.WriteBytes = r, w
		}
		if r, w, ok := blkioRecursive(s.opts.CgroupFSRoot, u.cgroup, "blkio.io_serviced_recursive", s.opts.Logger); ok {
			disk.ReadRequests, disk.WriteRequests = r, w
		}
		return disk
	}

	// Per-process fallback: /proc/<pid>/io carries byte counters only,
	// so the request counts stay zero on this path.
	for pid := range u.pids {
		r, w, ok := procIOBytes(s.opts.ProcRoot, pid, s.opts.Logger)
		if !ok {
			continue
		}
		p := u.proc(pid)
		u.ioReadTotal += p.ioRead.observe(r)
		u.ioWriteTotal += p.ioWrite.observe(w)
	}
	return sflow.VirtDisk{ReadBytes: u.ioReadTotal, WriteBytes: u.ioWriteTotal}
}

func (s *Sampler) dsIndexFor(u *unit) uint32 {
	return u.dsIndex
}

func jiffiesToMillis(ticks uint64, userHZ int64) uint64 {
	if userHZ <= 0 {
		userHZ = 100
	}
	return ticks * 1000 / uint64(userHZ)
}
