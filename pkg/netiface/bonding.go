// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netiface

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
)

// BondState is the topology readBondState reconstructs from one
// /proc/net/bonding/<dev> file: the master's own fields plus one entry
// per slave.
type BondState struct {
	MasterUp     bool // MII status up on the master
	LACPPortState int
	ActorMAC     string
	PartnerMAC   string
	AggregatorID int

	Slaves []SlaveState
}

// SlaveState is one "Slave Interface:" section.
type SlaveState struct {
	Name          string
	MIIUp         bool
	PermanentMAC  string
	AggregatorID  int
	IsCarrier     bool // aggregator id matches the bond's
}

// readBondState parses /proc/net/bonding/<dev>, sectioned by the
// "Slave Interface:" marker into one master header followed by one
// block per slave.
func readBondState(bondingDir, dev string, logger logr.Logger) (*BondState, error) {
	path := filepath.Join(bondingDir, dev)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	sections := strings.Split(string(data), "Slave Interface:")
	master := parseKeyValueBlock(sections[0])

	bs := &BondState{
		MasterUp:     strings.Contains(strings.ToUpper(master["MII Status"]), "UP"),
		ActorMAC:     master["System MAC address"],
		PartnerMAC:   master["Partner Mac Address"],
		AggregatorID: atoiOr(master["Aggregator ID"], 0),
	}
	bs.LACPPortState = parseLACPPortState(master["Actor Churn State"], master["Port State"])

	for _, section := range sections[1:] {
		lines := strings.SplitN(strings.TrimSpace(section), "\n", 2)
		name := strings.TrimSpace(lines[0])
		var body string
		if len(lines) > 1 {
			body = lines[1]
		}
		kv := parseKeyValueBlock(body)

		slave := SlaveState{
			Name:         name,
			MIIUp:        strings.Contains(strings.ToUpper(kv["MII Status"]), "UP"),
			PermanentMAC: kv["Permanent HW addr"],
			AggregatorID: atoiOr(kv["Aggregator ID"], 0),
		}
		slave.IsCarrier = bs.AggregatorID != 0 && slave.AggregatorID == bs.AggregatorID
		bs.Slaves = append(bs.Slaves, slave)
	}

	if bs.ActorMAC == "" {
		shareActorIDFromSlave(bs)
	}
	return bs, nil
}

// parseKeyValueBlock parses the "Key: Value" lines the kernel bonding
// driver's proc file uses, tolerating blank lines and lines with no colon.
func parseKeyValueBlock(block string) map[string]string {
	kv := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(block))
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		kv[key] = val
	}
	return kv
}

func atoiOr(s string, fallback int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}

func parseLACPPortState(fields ...string) int {
	// Bit layout is driver-version-dependent; hostmon only needs a
	// nonzero/zero signal of whether LACP considers the port active,
	// so any recognizable "up"/"active" token sets the low bit.
	for _, f := range fields {
		lower := strings.ToLower(f)
		if strings.Contains(lower, "active") || strings.Contains(lower, "up") {
			return 1
		}
	}
	return 0
}

// shareActorIDFromSlave copies the carrier slave's permanent MAC into
// the bond's ActorMAC (applyBondTopology then hands it to the slaves on
// the bond's aggregator), used when the master section carries no
// system MAC address of its own (older bonding driver versions).
func shareActorIDFromSlave(bs *BondState) {
	var carrierMAC string
	for _, s := range bs.Slaves {
		if s.IsCarrier {
			carrierMAC = s.PermanentMAC
			break
		}
	}
	if carrierMAC == "" {
		return
	}
	bs.ActorMAC = carrierMAC
}

// applyBondTopology folds a parsed BondState onto the Adaptor records
// in tables: the aggregator id, actor/partner MACs and LACP port state
// land on the master; each slave gets its own aggregator id, and slaves
// on the bond's aggregator also get the bond's actor/partner MACs (the
// actor MAC being the carrier slave's when the master brought none of
// its own); switchPort inheritance runs
// slave-to-bond only (a slave that is a switchPort makes its bond a
// switchPort, never the reverse).
func applyBondTopology(master *Adaptor, bs *BondState, tables *Tables) {
	master.AggID = bs.AggregatorID
	master.ActorMAC = bs.ActorMAC
	master.PartnerMAC = bs.PartnerMAC
	master.LACPPortState = bs.LACPPortState

	for _, s := range bs.Slaves {
		slaveAd, ok := tables.ByName.Get(s.Name)
		if !ok {
			continue
		}
		slaveAd.IsBondSlave = true
		slaveAd.BondMaster = master.Name
		slaveAd.AggID = s.AggregatorID
		if s.AggregatorID == bs.AggregatorID {
			slaveAd.ActorMAC = bs.ActorMAC
			slaveAd.PartnerMAC = bs.PartnerMAC
		}
		if slaveAd.SwitchPort {
			master.SwitchPort = true
		}
	}
}

// synthesizeBondMetaData sets a bond master's derived fields from its
// slaves: ifSpeed is their sum, ifDirection copies any slave's, and up
// is the OR of every slave's up state.
func synthesizeBondMetaData(master *Adaptor, tables *Tables) {
	var speedSum uint64
	var direction uint32
	var up bool

	tables.ByName.Walk(func(_ string, ad *Adaptor) bool {
		if !ad.IsBondSlave || ad.BondMaster != master.Name {
			return true
		}
		speedSum += ad.Speed
		if ad.Direction != 0 {
			direction = ad.Direction
		}
		if ad.Up {
			up = true
		}
		return true
	})

	master.Speed = speedSum
	master.Direction = direction
	master.Up = up
}
