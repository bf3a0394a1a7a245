// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netiface

// syncBondPolling slides every slave's poll countdown to match its
// bond master's, so the master and all its slaves reach the end of
// their countdowns, and emit their per-device samples, in the same tock.
func syncBondPolling(tables *Tables) {
	tables.ByName.Walk(func(_ string, master *Adaptor) bool {
		if !master.IsBondMaster {
			return true
		}
		tables.ByName.Walk(func(_ string, slave *Adaptor) bool {
			if slave.IsBondSlave && slave.BondMaster == master.Name {
				slave.Countdown = master.Countdown
			}
			return true
		})
		return true
	})
}

// syncPolling nudges every switchPort's countdown to the nearest
// shared phase, picking whichever of "round down to the last phase
// boundary" or "round up to the next" requires the smaller shift, so
// that backward shifts never land in the past.
func syncPolling(tables *Tables, syncPollingInterval int) {
	if syncPollingInterval <= 0 {
		return
	}
	tables.ByName.Walk(func(_ string, ad *Adaptor) bool {
		if !ad.SwitchPort {
			return true
		}
		backward := ad.Countdown % syncPollingInterval
		forward := syncPollingInterval - backward
		if backward <= forward && ad.Countdown-backward >= 0 {
			ad.Countdown -= backward
		} else {
			ad.Countdown += forward
		}
		return true
	})
}
