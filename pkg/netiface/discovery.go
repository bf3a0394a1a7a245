// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netiface

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
)

// Discoverer maintains Tables against /sys/class/net, refreshed once
// per tick rather than collected once like the hardware-info snapshot
// it is adapted from.
type Discoverer struct {
	logger       logr.Logger
	netClassPath string
	tables       *Tables
	ethtool      EthtoolReader
}

// NewDiscoverer builds a Discoverer reading from sysClassNet (normally
// "/sys/class/net"). ethtool may be nil, in which case driver stats
// offsets and optical-module probing are skipped for every device.
func NewDiscoverer(logger logr.Logger, sysClassNet string, tables *Tables, ethtool EthtoolReader) *Discoverer {
	return &Discoverer{
		logger:       logger.WithName("netiface.discovery"),
		netClassPath: sysClassNet,
		tables:       tables,
		ethtool:      ethtool,
	}
}

// Refresh reconciles Tables against the current contents of
// /sys/class/net: new interfaces are added, vanished ones removed,
// existing ones get their mutable sysfs-sourced fields (MTU, carrier,
// speed) refreshed in place so accumulated counters survive.
func (d *Discoverer) Refresh() error {
	entries, err := os.ReadDir(d.netClassPath)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(d.netClassPath, name)
		stat, err := os.Stat(path)
		if err != nil || !stat.IsDir() {
			continue
		}
		seen[name] = true

		ad, ok := d.tables.ByName.Get(name)
		if !ok {
			ad = &Adaptor{
				Name:       name,
				IfIndex:    readIfIndex(path, d.logger),
				ProcNetDev: true,
				Loopback:   name == "lo",
				VLANShadow: strings.Contains(name, "."),
			}
			d.probeEthtool(ad)
			d.tables.Add(ad)
		}
		d.refreshMutableFields(ad, path)
	}

	var stale []string
	d.tables.ByName.Walk(func(name string, _ *Adaptor) bool {
		if !seen[name] {
			stale = append(stale, name)
		}
		return true
	})
	for _, name := range stale {
		d.logger.V(1).Info("interface vanished from sysfs", "name", name)
		d.tables.Del(name)
	}
	return nil
}

// probeEthtool resolves, once per device lifetime, the driver's stats
// offsets for the multicast/broadcast counters and whether the device
// carries an optical module. Both queries fail routinely (virtual
// devices, containers) and failure just leaves the feature off.
func (d *Discoverer) probeEthtool(ad *Adaptor) {
	if d.ethtool == nil || ad.Loopback || ad.VLANShadow {
		return
	}

	mIn, mOut, bIn, bOut, err := d.ethtool.ResolveStatOffsets(ad.Name)
	if err != nil {
		d.logger.V(2).Info("ethtool stat offsets unavailable", "device", ad.Name, "error", err)
	} else if mIn != 0 || mOut != 0 || bIn != 0 || bOut != 0 {
		ad.statOffsetMulticastIn = mIn
		ad.statOffsetMulticastOut = mOut
		ad.statOffsetBroadcastIn = bIn
		ad.statOffsetBroadcastOut = bOut
		ad.EthtoolEnabled = true
	}

	eeprom, err := d.ethtool.GetModuleEEPROM(ad.Name)
	if err != nil || len(eeprom) == 0 {
		return
	}
	// SFF-8024 identifier byte: 0x03 is SFP/SFP+, 0x0C/0x0D/0x11 are
	// the QSFP generations.
	switch eeprom[0] {
	case 0x03:
		ad.ModInfoType = "sfp"
	case 0x0C, 0x0D, 0x11:
		ad.ModInfoType = "qsfp"
	}
}

func readIfIndex(ifacePath string, logger logr.Logger) int {
	data, err := os.ReadFile(filepath.Join(ifacePath, "ifindex"))
	if err != nil {
		return 0
	}
	idx, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		logger.V(2).Info("malformed ifindex", "path", ifacePath, "error", err)
		return 0
	}
	return idx
}

func (d *Discoverer) refreshMutableFields(ad *Adaptor, ifacePath string) {
	if data, err := os.ReadFile(filepath.Join(ifacePath, "address")); err == nil {
		ad.MAC = strings.TrimSpace(string(data))
	}
	if data, err := os.ReadFile(filepath.Join(ifacePath, "mtu")); err == nil {
		if v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32); err == nil {
			ad.MTU = uint32(v)
		}
	}
	if data, err := os.ReadFile(filepath.Join(ifacePath, "operstate")); err == nil {
		ad.Up = strings.TrimSpace(string(data)) == "up"
	}
	if data, err := os.ReadFile(filepath.Join(ifacePath, "speed")); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil && v > 0 {
			ad.Speed = uint64(v)
		}
	}
	if data, err := os.ReadFile(filepath.Join(ifacePath, "duplex")); err == nil {
		switch strings.TrimSpace(string(data)) {
		case "full":
			ad.Direction = 2
		case "half":
			ad.Direction = 1
		}
	}

	if _, err := os.Stat(filepath.Join(ifacePath, "bonding")); err == nil {
		ad.IsBondMaster = true
	}
	if masterTarget, err := os.Readlink(filepath.Join(ifacePath, "master")); err == nil {
		ad.IsBondSlave = true
		ad.BondMaster = filepath.Base(masterTarget)
	}
}
