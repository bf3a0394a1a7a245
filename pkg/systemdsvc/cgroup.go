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
	"strconv"
	"strings"

	"github.com/go-logr/logr"
)

// readCgroupPIDs reads the process-id set backing a unit's cgroup from
// cgroup.procs, one pid per line. Absent or truncated files are
// tolerated: callers see an empty set and log handles the rest.
func readCgroupPIDs(cgroupFSRoot, cgroup string, logger logr.Logger) map[int]struct{} {
	path := filepath.Join(cgroupFSRoot, "systemd", cgroup, "cgroup.procs")
	f, err := os.Open(path)
	if err != nil {
		logger.V(2).Info("cgroup.procs not readable", "path", path, "error", err)
		return nil
	}
	defer f.Close()

	pids := make(map[int]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			logger.V(2).Info("malformed pid in cgroup.procs", "path", path, "line", line)
			continue
		}
		pids[pid] = struct{}{}
	}
	return pids
}

// readCPUAcctStat reads cpuacct.stat's user+system ticks (jiffies).
func readCPUAcctStat(cgroupFSRoot, cgroup string, logger logr.Logger) (uint64, bool) {
	path := filepath.Join(cgroupFSRoot, "cpuacct", cgroup, "cpuacct.stat")
	f, err := os.Open(path)
	if err != nil {
		logger.V(2).Info("cpuacct.stat not readable", "path", path, "error", err)
		return 0, false
	}
	defer f.Close()

	var user, system uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "user":
			user = v
		case "system":
			system = v
		}
	}
	return user + system, true
}

// readMemoryStatRSS reads the "rss" field from memory.stat.
func readMemoryStatRSS(cgroupFSRoot, cgroup string, logger logr.Logger) (uint64, bool) {
	path := filepath.Join(cgroupFSRoot, "memory", cgroup, "memory.stat")
	f, err := os.Open(path)
	if err != nil {
		logger.V(2).Info("memory.stat not readable", "path", path, "error", err)
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 || fields[0] != "rss" {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

// blkioRecursive sums the multi-line "<devid> <verb> <value>" format
// shared by blkio.io_service_bytes_recursive and
// blkio.io_serviced_recursive, returning separate Read and Write totals.
func blkioRecursive(cgroupFSRoot, cgroup, file string, logger logr.Logger) (read, write uint64, ok bool) {
	path := filepath.Join(cgroupFSRoot, "blkio", cgroup, file)
	f, err := os.Open(path)
	if err != nil {
		logger.V(2).Info("blkio file not readable", "path", path, "error", err)
		return 0, 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			continue
		}
		v, err := strconv.ParseUint(fields[2], 10, 64)
		if err != nil {
			continue
		}
		switch fields[1] {
		case "Read":
			read += v
		case "Write":
			write += v
		}
	}
	return read, write, true
}

// procStatCPUTicks reads tokens 14-17 (utime, stime, cutime, cstime) of
// /proc/<pid>/stat and returns their sum. The comm field (token 2) is
// parenthesized and may itself contain spaces, so token indices are
// counted from the closing paren rather than from the start of line.
func procStatCPUTicks(procRoot string, pid int, logger logr.Logger) (uint64, bool) {
	path := filepath.Join(procRoot, strconv.Itoa(pid), "stat")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}

	line := string(data)
	closeIdx := strings.LastIndex(line, ")")
	if closeIdx < 0 || closeIdx+2 >= len(line) {
		logger.V(2).Info("malformed /proc/<pid>/stat", "path", path)
		return 0, false
	}
	fields := strings.Fields(line[closeIdx+2:])
	// fields[0] is token 3 (state); utime/stime/cutime/cstime are
	// tokens 14-17, i.e. fields[11:15].
	if len(fields) < 15 {
		return 0, false
	}
	var sum uint64
	for _, tok := range fields[11:15] {
		v, err := strconv.ParseUint(tok, 10, 64)
		if err != nil {
			return 0, false
		}
		sum += v
	}
	return sum, true
}

// procStatmResidentPages reads field 2 (resident set size, in pages)
// of /proc/<pid>/statm.
func procStatmResidentPages(procRoot string, pid int, logger logr.Logger) (uint64, bool) {
	path := filepath.Join(procRoot, strconv.Itoa(pid), "statm")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, false
	}
	v, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		logger.V(2).Info("malformed /proc/<pid>/statm", "path", path)
		return 0, false
	}
	return v, true
}

// procIOBytes reads read_bytes/rchar and write_bytes/wchar from
// /proc/<pid>/io, preferring the *_bytes fields (actual block-layer
// traffic) and falling back to the char counters if absent.
func procIOBytes(procRoot string, pid int, logger logr.Logger) (readBytes, writeBytes uint64, ok bool) {
	path := filepath.Join(procRoot, strconv.Itoa(pid), "io")
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	var rchar, wchar uint64
	var haveReadBytes, haveWriteBytes bool

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		v, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "read_bytes":
			readBytes, haveReadBytes = v, true
		case "write_bytes":
			writeBytes, haveWriteBytes = v, true
		case "rchar":
			rchar = v
		case "wchar":
			wchar = v
		}
	}

	if !haveReadBytes {
		readBytes = rchar
	}
	if !haveWriteBytes {
		writeBytes = wchar
	}
	return readBytes, writeBytes, true
}
