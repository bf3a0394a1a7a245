// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netiface

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/jra3/hostmon/pkg/bus"
	"github.com/jra3/hostmon/pkg/sflow"
)

// EventUpdateNIO is posted just before each /proc/net/dev refresh so
// other modules can override the counter reader for specific devices.
// The payload is the *Tables being refreshed.
const EventUpdateNIO bus.Event = "update_nio"

// Options configures the Component that wires interface discovery,
// counter refresh, and bond reconciliation onto the bus.
type Options struct {
	Logger              logr.Logger
	SysClassNet         string // default "/sys/class/net"
	ProcNetDev          string // default "/proc/net/dev"
	ProcNetBonding      string // default "/proc/net/bonding"
	Ethtool             EthtoolReader
	SynthesizedBondMode bool
	SyncPollingInterval int // seconds; 0 disables switch-port phase sync

	// Emitter, when non-nil, receives one IfCounters sample per eligible
	// device each time its poll countdown expires.
	Emitter         sflow.Emitter
	PollingInterval int // ticks between per-device samples; default 30
}

// Component wires pkg/netiface's discovery and counter pipeline onto a
// bus: discovery, counter refresh, and bond-topology reconciliation run
// on tick; per-device counter samples are flushed from tock.
type Component struct {
	opts   Options
	tables *Tables

	discoverer *Discoverer
	poller     *Poller
}

// New builds the netiface Component.
func New(opts Options) *Component {
	if opts.SysClassNet == "" {
		opts.SysClassNet = "/sys/class/net"
	}
	if opts.ProcNetDev == "" {
		opts.ProcNetDev = "/proc/net/dev"
	}
	if opts.ProcNetBonding == "" {
		opts.ProcNetBonding = "/proc/net/bonding"
	}
	if opts.PollingInterval <= 0 {
		opts.PollingInterval = 30
	}

	tables := NewTables()
	return &Component{
		opts:       opts,
		tables:     tables,
		discoverer: NewDiscoverer(opts.Logger, opts.SysClassNet, tables, opts.Ethtool),
		poller:     NewPoller(opts.Logger, opts.ProcNetDev, tables, opts.Ethtool, opts.SynthesizedBondMode),
	}
}

// Name identifies this component on the bus.
func (c *Component) Name() string { return "netiface" }

// Subscribe registers the discovery refresh, counter update, and bond
// reconciliation handlers on tick, and per-device sample emission on
// tock.
func (c *Component) Subscribe(b *bus.Bus) {
	b.Subscribe(bus.EventTick, func(any) {
		if err := c.discoverer.Refresh(); err != nil {
			c.opts.Logger.Error(err, "interface discovery refresh failed")
		}

		b.Post(EventUpdateNIO, c.tables)

		now := time.Now().Unix()
		if err := c.poller.UpdateNioCounters(now, nil); err != nil {
			c.opts.Logger.Error(err, "updateNioCounters failed")
		}

		c.reconcileBonds()
		syncBondPolling(c.tables)
		syncPolling(c.tables, c.opts.SyncPollingInterval)
	})
	b.Subscribe(bus.EventTock, func(any) {
		c.pollCountdowns()
	})
}

func (c *Component) reconcileBonds() {
	var masters []string
	c.tables.ByName.Walk(func(name string, ad *Adaptor) bool {
		if ad.IsBondMaster {
			masters = append(masters, name)
		}
		return true
	})

	for _, name := range masters {
		master, ok := c.tables.ByName.Get(name)
		if !ok {
			continue
		}
		bs, err := readBondState(c.opts.ProcNetBonding, name, c.opts.Logger)
		if err != nil {
			c.opts.Logger.V(1).Info("bonding file not readable", "bond", name, "error", err)
			continue
		}
		applyBondTopology(master, bs, c.tables)
		synthesizeBondMetaData(master, c.tables)
	}
}

// pollCountdowns ticks every device's poll countdown down by one and
// samples the devices whose countdown expired, refreshing their
// counters through the filtered poller path (which also reads the
// optical-module diagnostics) before emitting.
func (c *Component) pollCountdowns() {
	if c.opts.Emitter == nil {
		return
	}

	var due []string
	c.tables.ByName.Walk(func(name string, ad *Adaptor) bool {
		if ad.Loopback || ad.VLANShadow || !ad.ProcNetDev {
			return true
		}
		ad.Countdown--
		if ad.Countdown <= 0 {
			ad.Countdown = c.opts.PollingInterval
			due = append(due, name)
		}
		return true
	})

	now := time.Now().Unix()
	for _, name := range due {
		ad, ok := c.tables.ByName.Get(name)
		if !ok {
			continue
		}
		// The filtered refresh is usually a guarded no-op here (the tick
		// handler refreshed this wall-second already), but the optics
		// block is re-read on every expiry regardless.
		if err := c.poller.UpdateNioCounters(now, ad); err != nil {
			c.opts.Logger.V(1).Info("per-device counter refresh failed", "device", name, "error", err)
		}
		c.poller.RefreshOptics(ad)
		c.emitSample(ad)
	}
}

func (c *Component) emitSample(ad *Adaptor) {
	elements := []any{sflow.IfCounters{
		IfIndex:     uint32(ad.IfIndex),
		BytesIn:     ad.totals.BytesIn,
		PktsIn:      ad.totals.PktsIn,
		ErrsIn:      ad.totals.ErrsIn,
		DropsIn:     ad.totals.DropsIn,
		BytesOut:    ad.totals.BytesOut,
		PktsOut:     ad.totals.PktsOut,
		ErrsOut:     ad.totals.ErrsOut,
		DropsOut:    ad.totals.DropsOut,
		IfSpeed:     ad.Speed,
		IfDirection: ad.Direction,
		Up:          ad.Up,
	}}
	if ad.Optics != nil {
		elements = append(elements, sflow.Optics{
			TemperatureC:  ad.Optics.TemperatureC,
			VoltageV:      ad.Optics.VoltageV,
			BiasCurrentMA: ad.Optics.BiasCurrentMA,
			TxPowerMW:     ad.Optics.TxPowerMW,
			RxPowerMW:     ad.Optics.RxPowerMW,
			WavelengthNM:  ad.Optics.WavelengthNM,
		})
	}

	sample := sflow.CounterSample{DsIndex: uint32(ad.IfIndex), Elements: elements}
	if err := c.opts.Emitter.Emit(sample); err != nil {
		c.opts.Logger.Error(err, "emit interface counter sample failed", "device", ad.Name)
	}
}

// Tables exposes the live discovery indexes, e.g. for the sFlow poll
// callback to look up a specific device by name or ifIndex.
func (c *Component) Tables() *Tables { return c.tables }

// ReadNioCounters returns the current summed totals across every
// eligible device.
func (c *Component) ReadNioCounters() Totals { return c.poller.ReadNioCounters() }
