// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netiface

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
)

// parseProcNetDev parses /proc/net/dev's two header lines and one
// "name: rx... tx..." line per interface, returning a Snapshot per
// device name. Devices with fewer than the expected 16 counter fields
// are skipped and logged at debug level rather than aborting the whole
// parse.
func parseProcNetDev(path string, logger logr.Logger) (map[string]Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	snapshots := make(map[string]Snapshot)
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if lineNum <= 2 {
			continue // two header lines
		}
		line := scanner.Text()
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		name := strings.TrimSpace(line[:colon])
		fields := strings.Fields(line[colon+1:])
		if len(fields) < 16 {
			logger.V(2).Info("short /proc/net/dev line", "device", name, "fields", len(fields))
			continue
		}

		parse := func(i int) uint64 {
			v, err := strconv.ParseUint(fields[i], 10, 64)
			if err != nil {
				return 0
			}
			return v
		}

		snapshots[name] = Snapshot{
			BytesIn:   parse(0),
			PktsIn:    parse(1),
			ErrsIn:    parse(2),
			DropsIn:   parse(3),
			BytesOut:  parse(8),
			PktsOut:   parse(9),
			ErrsOut:   parse(10),
			DropsOut:  parse(11),
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return snapshots, nil
}

// Poller drives updateNioCounters/accumulateNioCounters over a
// Tables, once per bus tick.
type Poller struct {
	logger       logr.Logger
	procNetDev   string
	tables       *Tables
	ethtool      EthtoolReader
	bondSynth    bool // synthesized-bond counter policy
	tick         uint64
	lastWallSec  int64
	discontinuities *discontinuityLog
}

// EthtoolReader abstracts the ioctl calls so tests can substitute a
// fake without touching real network devices.
type EthtoolReader interface {
	GetStats(ifname string, multicastInOff, multicastOutOff, broadcastInOff, broadcastOutOff int) (EthtoolSnapshot, error)
	ResolveStatOffsets(ifname string) (multicastIn, multicastOut, broadcastIn, broadcastOut int, err error)
	GetModuleEEPROM(ifname string) ([]byte, error)
}

// NewPoller builds a Poller. ethtool may be nil, in which case
// ethtool-derived counters (multicast/broadcast, optics) are skipped
// entirely, which is the expected behavior inside containers or over
// virtual interfaces.
func NewPoller(logger logr.Logger, procNetDevPath string, tables *Tables, ethtool EthtoolReader, bondSynth bool) *Poller {
	return &Poller{
		logger:          logger.WithName("netiface.poller"),
		procNetDev:      procNetDevPath,
		tables:          tables,
		ethtool:         ethtool,
		bondSynth:       bondSynth,
		discontinuities: newDiscontinuityLog(64),
	}
}

// UpdateNioCounters implements spec.md's updateNioCounters: filter nil
// means "refresh every procNetDev-eligible device, gated by the
// once-per-wall-second idempotence guard"; a non-nil filter refreshes
// exactly that one device (used by the sFlow poll callback for a
// specific interface, bypassing the guard).
func (p *Poller) UpdateNioCounters(now int64, filter *Adaptor) error {
	if filter == nil {
		if now == p.lastWallSec {
			return nil
		}
		p.lastWallSec = now
	} else if filter.lastUpdateSec == now {
		return nil
	}

	p.tick++

	snapshots, err := parseProcNetDev(p.procNetDev, p.logger)
	if err != nil {
		return err
	}

	var names []string
	p.tables.ByName.Walk(func(name string, ad *Adaptor) bool {
		if filter != nil && ad != filter {
			return true
		}
		if !ad.ProcNetDev {
			return true
		}
		names = append(names, name)
		return true
	})

	for _, name := range names {
		ad, ok := p.tables.ByName.Get(name)
		if !ok {
			continue
		}
		snap, ok := snapshots[name]
		if !ok {
			continue
		}

		var eth EthtoolSnapshot
		if ad.EthtoolEnabled && p.ethtool != nil {
			eth, err = p.ethtool.GetStats(name, ad.statOffsetMulticastIn, ad.statOffsetMulticastOut,
				ad.statOffsetBroadcastIn, ad.statOffsetBroadcastOut)
			if err != nil {
				p.logger.V(2).Info("ethtool GSTATS failed", "device", name, "error", err)
			}
		}

		if filter != nil {
			p.RefreshOptics(ad)
		}

		p.accumulate(ad, snap, eth)
		ad.lastUpdateSec = now
	}
	return nil
}

// RefreshOptics re-reads and decodes the optical-module diagnostic
// block for ad, choosing the SFF-8436 layout for QSFP modules and
// SFF-8472 otherwise. Devices without a resolved ModInfoType are left
// alone.
func (p *Poller) RefreshOptics(ad *Adaptor) {
	if ad.ModInfoType == "" || p.ethtool == nil {
		return
	}
	eeprom, err := p.ethtool.GetModuleEEPROM(ad.Name)
	if err != nil {
		p.logger.V(2).Info("ethtool GMODULEEEPROM failed", "device", ad.Name, "error", err)
		return
	}
	var reading OpticsReading
	var ok bool
	switch ad.ModInfoType {
	case "qsfp":
		reading, ok = decodeSFF8436(eeprom)
	default:
		reading, ok = decodeSFF8472(eeprom)
	}
	if ok {
		ad.Optics = &reading
	}
}
