// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package systemdsvc

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-logr/logr"

	"github.com/jra3/hostmon/pkg/sflow"
)

// contributeVirtNode appends the virtualization-node summary element to
// a host counter sample being assembled, unless another hypervisor
// module already contributed one. The systemd sampler acts as the
// host's "hypervisor" when nothing else claims the role.
func (s *Sampler) contributeVirtNode(payload any) {
	sample, ok := payload.(*sflow.CounterSample)
	if !ok {
		return
	}
	for _, el := range sample.Elements {
		if _, ok := el.(sflow.VirtNode); ok {
			return
		}
	}

	total, free := readMemInfo(s.opts.ProcRoot, s.opts.Logger)
	sample.Elements = append(sample.Elements, sflow.VirtNode{
		NumCPU:         uint32(runtime.NumCPU()),
		CPUMillisTotal: s.totalCPUMillis(),
		MemoryTotal:    total,
		MemoryFree:     free,
	})
}

// totalCPUMillis sums the accumulated CPU totals across every tracked
// unit, giving the node element a view of how much CPU the sampled
// workloads have consumed in aggregate.
func (s *Sampler) totalCPUMillis() uint64 {
	userHZ, err := s.proc.userHZCached()
	if err != nil || userHZ == 0 {
		userHZ = 100
	}
	var sum uint64
	s.units.Walk(func(_ string, u *unit) bool {
		sum += jiffiesToMillis(u.cpuTotal, userHZ)
		return true
	})
	return sum
}

// readMemInfo reads MemTotal and MemFree (reported in kB) from
// /proc/meminfo, returning both in bytes. Either value is 0 if the
// file is unreadable or the field absent.
func readMemInfo(procRoot string, logger logr.Logger) (total, free uint64) {
	path := filepath.Join(procRoot, "meminfo")
	f, err := os.Open(path)
	if err != nil {
		logger.V(2).Info("meminfo not readable", "path", path, "error", err)
		return 0, 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v * 1024
		case "MemFree:":
			free = v * 1024
		}
	}
	return total, free
}
