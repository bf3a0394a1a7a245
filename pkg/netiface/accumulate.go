// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netiface

import "github.com/jra3/hostmon/pkg/ringbuffer"

// discontinuityLog is a small ring buffer of recently refused deltas,
// kept for diagnostics rather than acted on automatically.
type discontinuityLog struct {
	buf *ringbuffer.RingBuffer[Discontinuity]
}

func newDiscontinuityLog(capacity int) *discontinuityLog {
	buf, err := ringbuffer.New[Discontinuity](capacity)
	if err != nil {
		// capacity is always a positive constant at call sites.
		panic(err)
	}
	return &discontinuityLog{buf: buf}
}

func (l *discontinuityLog) record(ifName, field string, raw, last, tick uint64) {
	l.buf.Push(Discontinuity{IfName: ifName, Field: field, Raw: raw, Last: last, Tick: tick})
}

// Recent returns the most recently refused deltas, oldest first.
func (p *Poller) Recent() []Discontinuity {
	return p.discontinuities.buf.GetAll()
}

// accumulate implements accumulateNioCounters: computes deltas for ad
// from (snap, eth), refusing them (and logging a discontinuity) unless
// this is not the first observation and every delta is within sanity
// bounds. On success, it folds the deltas into ad's running totals and,
// for a bond slave under the synthesized-bond policy, into its
// master's totals too.
func (p *Poller) accumulate(ad *Adaptor, snap Snapshot, eth EthtoolSnapshot) {
	firstObservation := ad.lastUpdate == 0

	bytesIn, bytesOut, ok := p.byteDeltas(ad, snap)
	if !ok {
		if !firstObservation {
			p.discontinuities.record(ad.Name, "bytes", snap.BytesIn, ad.last.BytesIn, p.tick)
		}
		ad.last = snap
		ad.lastEth = eth
		ad.lastUpdate = p.tick
		return
	}

	deltas := Totals{
		BytesIn:      bytesIn,
		BytesOut:     bytesOut,
		PktsIn:       delta32(snap.PktsIn, ad.last.PktsIn),
		PktsOut:      delta32(snap.PktsOut, ad.last.PktsOut),
		ErrsIn:       delta32(snap.ErrsIn, ad.last.ErrsIn),
		ErrsOut:      delta32(snap.ErrsOut, ad.last.ErrsOut),
		DropsIn:      delta32(snap.DropsIn, ad.last.DropsIn),
		DropsOut:     delta32(snap.DropsOut, ad.last.DropsOut),
		MulticastIn:  delta32(eth.MulticastIn, ad.lastEth.MulticastIn),
		MulticastOut: delta32(eth.MulticastOut, ad.lastEth.MulticastOut),
		BroadcastIn:  delta32(eth.BroadcastIn, ad.lastEth.BroadcastIn),
		BroadcastOut: delta32(eth.BroadcastOut, ad.lastEth.BroadcastOut),
	}

	if !firstObservation && p.withinSanityBounds(ad, deltas) {
		addTotals(&ad.totals, deltas)
		if ad.IsBondSlave && p.bondSynth {
			if master, ok := p.tables.ByName.Get(ad.BondMaster); ok {
				addTotals(&master.totals, deltas)
				master.lastUpdate = p.tick
			}
		}
	} else if !firstObservation {
		p.discontinuities.record(ad.Name, "sanity", snap.BytesIn, ad.last.BytesIn, p.tick)
	}

	ad.last = snap
	ad.lastEth = eth
	ad.lastUpdate = p.tick
}

// byteDeltas computes the rx/tx byte deltas, choosing 64-bit
// subtraction once a device is known to report 64-bit counters
// (nio_polling_secs == 0, modeled here as is64Bit), and otherwise a
// 32-bit-truncated delta against a shadow snapshot. If either raw byte
// counter exceeds 2^32-1, the device is flipped into 64-bit mode for
// every later poll.
func (p *Poller) byteDeltas(ad *Adaptor, snap Snapshot) (in, out uint64, ok bool) {
	if ad.is64Bit {
		if snap.BytesIn < ad.last.BytesIn || snap.BytesOut < ad.last.BytesOut {
			return 0, 0, false
		}
		return snap.BytesIn - ad.last.BytesIn, snap.BytesOut - ad.last.BytesOut, true
	}

	in32 := uint32(snap.BytesIn)
	out32 := uint32(snap.BytesOut)
	dIn := uint64(in32 - ad.last32.bytesIn)
	dOut := uint64(out32 - ad.last32.bytesOut)
	ad.last32 = snapshot32{bytesIn: in32, bytesOut: out32}

	const max32 = uint64(^uint32(0))
	if snap.BytesIn > max32 || snap.BytesOut > max32 {
		ad.is64Bit = true
	}
	return dIn, dOut, true
}

func delta32(raw, last uint64) uint64 {
	if raw < last {
		return 0
	}
	return raw - last
}

func (p *Poller) withinSanityBounds(ad *Adaptor, d Totals) bool {
	if d.BytesIn > maxNioDelta64 || d.BytesOut > maxNioDelta64 {
		return false
	}
	for _, v := range []uint64{
		d.PktsIn, d.PktsOut, d.ErrsIn, d.ErrsOut, d.DropsIn, d.DropsOut,
		d.MulticastIn, d.MulticastOut, d.BroadcastIn, d.BroadcastOut,
	} {
		if v > maxNioDelta32 {
			return false
		}
	}
	return true
}

func addTotals(dst *Totals, d Totals) {
	dst.BytesIn += d.BytesIn
	dst.BytesOut += d.BytesOut
	dst.PktsIn += d.PktsIn
	dst.PktsOut += d.PktsOut
	dst.ErrsIn += d.ErrsIn
	dst.ErrsOut += d.ErrsOut
	dst.DropsIn += d.DropsIn
	dst.DropsOut += d.DropsOut
	dst.MulticastIn += d.MulticastIn
	dst.MulticastOut += d.MulticastOut
	dst.BroadcastIn += d.BroadcastIn
	dst.BroadcastOut += d.BroadcastOut
}

// ReadNioCounters sums the accumulated totals across every eligible
// device: down interfaces, tagged-VLAN shadows, loopback, and (under
// the synthesized-bond policy) bond masters are skipped to avoid
// double counting.
func (p *Poller) ReadNioCounters() Totals {
	var sum Totals
	p.tables.ByName.Walk(func(_ string, ad *Adaptor) bool {
		if !ad.Up || ad.VLANShadow || ad.Loopback {
			return true
		}
		if ad.IsBondMaster && p.bondSynth {
			return true
		}
		addTotals(&sum, ad.totals)
		return true
	})
	return sum
}
