// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package systemdsvc

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
)

// Auxiliary-vector keys the sampler's jiffies/resident-pages
// conversions need, per <asm/auxvec.h>.
const (
	atClockTick = 17 // AT_CLKTCK: USER_HZ, clock ticks per second
	atPageSize  = 6  // AT_PAGESZ: system page size in bytes
)

// procInfo resolves USER_HZ and the page size once per process lifetime
// (both are fixed for the life of the kernel the agent runs under) so
// sampleUnit doesn't re-read /proc/self/auxv on every unit, every tick.
type procInfo struct {
	procPath string

	userHZ     int64
	userHZOnce sync.Once
	userHZErr  error

	pageSize     int64
	pageSizeOnce sync.Once
	pageSizeErr  error
}

func newProcInfo(procPath string) *procInfo {
	return &procInfo{procPath: procPath}
}

// userHZCached returns USER_HZ, used to convert accumulated CPU jiffies into
// the milliseconds sflow.VirtCPU reports.
func (p *procInfo) userHZCached() (int64, error) {
	p.userHZOnce.Do(func() {
		p.userHZ, p.userHZErr = readAuxvInt(p.procPath, atClockTick, 100)
	})
	return p.userHZ, p.userHZErr
}

// pageSizeCached returns the system page size, used to convert
// /proc/<pid>/statm's resident-page count into bytes.
func (p *procInfo) pageSizeCached() (int64, error) {
	p.pageSizeOnce.Do(func() {
		p.pageSize, p.pageSizeErr = readAuxvInt(p.procPath, atPageSize, 4096)
	})
	return p.pageSize, p.pageSizeErr
}

// readAuxvInt scans /proc/self/auxv's 8-byte key/value pairs for key,
// falling back to fallback if the file is unreadable or key isn't
// present before the AT_NULL terminator.
func readAuxvInt(procPath string, key uint64, fallback int64) (int64, error) {
	data, err := os.ReadFile(filepath.Join(procPath, "self", "auxv"))
	if err != nil {
		return fallback, nil
	}

	for i := 0; i <= len(data)-16; i += 16 {
		k := binary.LittleEndian.Uint64(data[i : i+8])
		if k == key {
			return int64(binary.LittleEndian.Uint64(data[i+8 : i+16])), nil
		}
		if k == 0 { // AT_NULL marks end of auxv
			break
		}
	}
	return fallback, nil
}
