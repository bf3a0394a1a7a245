// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package netiface refreshes network interface and bond counters:
// /proc/net/dev and ethtool byte/packet/error/drop counters, SFP/QSFP
// optical diagnostics, and /proc/net/bonding/<dev> topology
// reconciliation. Discovery of the interface set itself (via
// /sys/class/net) lives here too, maintained live rather than
// collected once.
package netiface

import "github.com/jra3/hostmon/pkg/hashtable"

// Sanity bounds on a single poll's delta, matching hsflowd's
// HSP_MAX_NIO_DELTA64/32: a larger jump means the counter wrapped or
// reset in a way we can't reconstruct, so the sample is refused rather
// than reported as a bogus spike.
const (
	maxNioDelta64 = uint64(1) << 40 // ~1TB/poll sanity ceiling for byte counters
	maxNioDelta32 = uint64(1) << 28 // ~256M/poll ceiling for packet/error/drop counters
)

// Snapshot is one poll's raw, non-accumulated /proc/net/dev reading.
type Snapshot struct {
	BytesIn, PktsIn, ErrsIn, DropsIn     uint64
	BytesOut, PktsOut, ErrsOut, DropsOut uint64
}

// EthtoolSnapshot holds the subset of ETHTOOL_GSTATS counters hostmon
// tracks (multicast/broadcast in and out), indexed by driver-reported
// offsets resolved at discovery time.
type EthtoolSnapshot struct {
	MulticastIn, MulticastOut uint64
	BroadcastIn, BroadcastOut uint64
}

// OpticsReading is the decoded SFF-8472 (SFP) or SFF-8436 (QSFP)
// diagnostic block for one optical module.
type OpticsReading struct {
	TemperatureC float64
	VoltageV     float64
	BiasCurrentMA []float64 // one entry per lane (1 for SFP, 4 for QSFP)
	TxPowerMW    []float64
	RxPowerMW    []float64
	WavelengthNM float64
}

// Adaptor is one discovered network interface, the live record
// updateNioCounters and accumulateNioCounters mutate every poll.
type Adaptor struct {
	IfIndex int
	Name    string
	MAC     string
	MTU     uint32
	Up      bool
	Speed   uint64
	Direction uint32 // 0 unknown, 1 half, 2 full

	// Discovery-time policy flags.
	ProcNetDev     bool // counted from /proc/net/dev
	EthtoolEnabled bool // issue ETHTOOL_GSTATS
	ModInfoType    string // non-empty => has an optical module worth reading
	SwitchPort     bool
	Loopback       bool
	VLANShadow     bool // tagged-VLAN shadow of a physical device

	// Bond topology.
	IsBondMaster bool
	IsBondSlave  bool
	BondMaster   string // slave's master ifname, if IsBondSlave

	// LACP state, refreshed from /proc/net/bonding/<dev> on every bond
	// reconciliation pass. AggID is the attached aggregator id; the
	// back-reference to the bond is BondMaster, never an owning pointer.
	AggID         int
	ActorMAC      string
	PartnerMAC    string
	LACPPortState int

	// Optics is the last decoded SFP/QSFP diagnostic block, present only
	// for devices whose ModInfoType was resolved at discovery.
	Optics *OpticsReading

	// Ethtool GSTATS vector offsets resolved once at discovery; 0 means
	// "not found" (1-based, per spec).
	statOffsetMulticastIn, statOffsetMulticastOut int
	statOffsetBroadcastIn, statOffsetBroadcastOut int

	// Polling phase, in ticks, used by syncPolling/syncBondPolling to
	// align bond/switch-port families to the same phase.
	Countdown int

	last          Snapshot
	lastEth       EthtoolSnapshot
	last32        snapshot32
	totals        Totals
	is64Bit       bool
	lastUpdate    uint64 // bus tick counter at last accumulate, 0 = never
	lastUpdateSec int64  // wall second of the last refresh, for the idempotence guard
}

// snapshot32 holds the 32-bit-truncated shadow of the byte counters,
// used to compute deltas while a device's wrap policy is still
// unresolved.
type snapshot32 struct {
	bytesIn, bytesOut uint32
}

// Totals accumulates every field across polls.
type Totals struct {
	BytesIn, PktsIn, ErrsIn, DropsIn     uint64
	BytesOut, PktsOut, ErrsOut, DropsOut uint64
	MulticastIn, MulticastOut            uint64
	BroadcastIn, BroadcastOut            uint64
}

// Discontinuity records one refused delta, kept for diagnostics.
type Discontinuity struct {
	IfName string
	Field  string
	Raw    uint64
	Last   uint64
	Tick   uint64
}

// Tables is the pair of indexes discovery maintains, by ifIndex and by
// name, as described by spec.md section 4.6.
type Tables struct {
	ByIndex *hashtable.Table[int, *Adaptor]
	ByName  *hashtable.Table[string, *Adaptor]
}

// NewTables returns an empty pair of indexes.
func NewTables() *Tables {
	return &Tables{
		ByIndex: hashtable.New[int, *Adaptor](),
		ByName:  hashtable.New[string, *Adaptor](),
	}
}

// Add inserts ad into both indexes.
func (t *Tables) Add(ad *Adaptor) {
	t.ByIndex.Add(ad.IfIndex, ad)
	t.ByName.Add(ad.Name, ad)
}

// Del removes the adaptor identified by name from both indexes.
func (t *Tables) Del(name string) {
	ad, ok := t.ByName.Get(name)
	if !ok {
		return
	}
	t.ByIndex.Del(ad.IfIndex)
	t.ByName.Del(name)
}
