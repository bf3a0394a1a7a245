// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netiface

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProcNetDev = `Inter-|   Receive                                                |  Transmit
 face |bytes    packets errs drop fifo frame compressed multicast|bytes    packets errs drop fifo colls carrier compressed
    lo:    1000      10    0    0    0     0          0         0     1000      10    0    0    0     0       0          0
  eth0:  500000    1200    1    2    0     0          0         5   300000     900    0    1    0     0       0          0
`

func writeProcNetDev(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dev")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseProcNetDev(t *testing.T) {
	path := writeProcNetDev(t, sampleProcNetDev)

	snaps, err := parseProcNetDev(path, logr.Discard())
	require.NoError(t, err)
	require.Contains(t, snaps, "eth0")

	eth0 := snaps["eth0"]
	assert.Equal(t, uint64(500000), eth0.BytesIn)
	assert.Equal(t, uint64(1200), eth0.PktsIn)
	assert.Equal(t, uint64(1), eth0.ErrsIn)
	assert.Equal(t, uint64(2), eth0.DropsIn)
	assert.Equal(t, uint64(300000), eth0.BytesOut)
	assert.Equal(t, uint64(900), eth0.PktsOut)
}

func TestParseProcNetDevSkipsShortLines(t *testing.T) {
	path := writeProcNetDev(t, "Inter-|header\n face|header\n  bad: 1 2 3\n")

	snaps, err := parseProcNetDev(path, logr.Discard())
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestUpdateNioCountersFilteredIsIdempotentWithinOneSecond(t *testing.T) {
	path := writeProcNetDev(t, sampleProcNetDev)

	tables := NewTables()
	p := NewPoller(logr.Discard(), path, tables, nil, false)
	ad := &Adaptor{Name: "eth0", ProcNetDev: true}
	tables.Add(ad)

	require.NoError(t, p.UpdateNioCounters(100, ad))
	firstTick := ad.lastUpdate
	require.NoError(t, p.UpdateNioCounters(100, ad))
	assert.Equal(t, firstTick, ad.lastUpdate, "second filtered refresh in the same second must be a no-op")

	require.NoError(t, p.UpdateNioCounters(101, ad))
	assert.NotEqual(t, firstTick, ad.lastUpdate)
}

func TestUpdateNioCountersUnfilteredIsIdempotentWithinOneSecond(t *testing.T) {
	path := writeProcNetDev(t, sampleProcNetDev)

	tables := NewTables()
	p := NewPoller(logr.Discard(), path, tables, nil, false)
	ad := &Adaptor{Name: "eth0", ProcNetDev: true}
	tables.Add(ad)

	require.NoError(t, p.UpdateNioCounters(100, nil))
	first := ad.lastUpdate
	require.NoError(t, p.UpdateNioCounters(100, nil))
	assert.Equal(t, first, ad.lastUpdate)
}

func TestRefreshOpticsDecodesByModuleType(t *testing.T) {
	eeprom := make([]byte, 256)
	eeprom[0x93] = 0x00 // 850nm VCSEL technology nibble

	tables := NewTables()
	p := NewPoller(logr.Discard(), "", tables, &fakeEthtool{eeprom: eeprom}, false)

	ad := &Adaptor{Name: "eth0", ModInfoType: "qsfp"}
	p.RefreshOptics(ad)
	require.NotNil(t, ad.Optics)
	assert.Len(t, ad.Optics.BiasCurrentMA, 4)
	assert.Equal(t, float64(850), ad.Optics.WavelengthNM)
}
