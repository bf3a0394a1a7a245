// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

//go:build linux

package netiface

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ethtool ioctl command numbers, from linux/ethtool.h. golang.org/x/sys/unix
// does not export these (they are driver-ABI constants, not syscall
// numbers), so they are named locally.
const (
	ethtoolGStats        = 0x1d
	ethtoolGModuleInfo   = 0x42
	ethtoolGModuleEEPROM = 0x43
	ethtoolGSSetInfo     = 0x37
	ethtoolGStrings      = 0x1b

	stringSetStats = 1
)

// ifreq mirrors struct ifreq's name+data-pointer layout well enough for
// ioctl(SIOCETHTOOL); the kernel only inspects ifr_name and ifr_data.
type ifreq struct {
	name [unix.IFNAMSIZ]byte
	data uintptr
}

// ethtoolSSetInfoHdr mirrors struct ethtool_sset_info's fixed header.
type ethtoolSSetInfoHdr struct {
	cmd      uint32
	ssetMask uint64
	data     uint32
}

// LinuxEthtool issues real SIOCETHTOOL ioctls against a raw AF_INET
// socket, matching the approach every userspace ethtool(8)
// implementation uses: there is no netlink-only path for GSTATS or
// GMODULEEEPROM on older kernels.
type LinuxEthtool struct{}

var _ EthtoolReader = LinuxEthtool{}

func (LinuxEthtool) openSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, fmt.Errorf("netiface: open AF_INET socket: %w", err)
	}
	return fd, nil
}

func (e LinuxEthtool) ioctl(ifname string, ethtoolCmd unsafe.Pointer) error {
	fd, err := e.openSocket()
	if err != nil {
		return err
	}
	defer unix.Close(fd)

	var req ifreq
	copy(req.name[:], ifname)
	req.data = uintptr(ethtoolCmd)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCETHTOOL), uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return errno
	}
	return nil
}

// ResolveStatOffsets queries ETHTOOL_GSSET_INFO and ETHTOOL_GSTRINGS to
// find the 0-based positions of the multicast/broadcast in/out
// counters in the driver's private stats vector, returning them
// 1-based (0 meaning "not found"), matching spec.md's indexing
// convention.
func (e LinuxEthtool) ResolveStatOffsets(ifname string) (multicastIn, multicastOut, broadcastIn, broadcastOut int, err error) {
	hdr := ethtoolSSetInfoHdr{cmd: ethtoolGSSetInfo, ssetMask: 1 << stringSetStats}
	if err := e.ioctl(ifname, unsafe.Pointer(&hdr)); err != nil {
		return 0, 0, 0, 0, err
	}
	n := int(hdr.data)
	if n <= 0 || n > 4096 {
		return 0, 0, 0, 0, nil
	}

	strs, err := e.getStrings(ifname, n)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	for i, s := range strs {
		switch s {
		case "rx_multicast", "multicast":
			multicastIn = i + 1
		case "tx_multicast":
			multicastOut = i + 1
		case "rx_broadcast", "broadcast":
			broadcastIn = i + 1
		case "tx_broadcast":
			broadcastOut = i + 1
		}
	}
	return multicastIn, multicastOut, broadcastIn, broadcastOut, nil
}

const ethStringLen = 32

func (e LinuxEthtool) getStrings(ifname string, n int) ([]string, error) {
	// struct ethtool_gstrings: cmd, string_set, len (12 bytes), then
	// len*ETH_GSTRING_LEN bytes of fixed-width strings.
	buf := make([]byte, 12+n*ethStringLen)
	hdr := (*struct {
		cmd    uint32
		ssetID uint32
		length uint32
	})(unsafe.Pointer(&buf[0]))
	hdr.cmd = ethtoolGStrings
	hdr.ssetID = stringSetStats
	hdr.length = uint32(n)

	if err := e.ioctl(ifname, unsafe.Pointer(&buf[0])); err != nil {
		return nil, err
	}

	out := make([]string, n)
	for i := 0; i < n; i++ {
		start := 12 + i*ethStringLen
		end := start + ethStringLen
		if end > len(buf) {
			break
		}
		out[i] = cString(buf[start:end])
	}
	return out, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// GetStats issues ETHTOOL_GSTATS and extracts the multicast/broadcast
// in/out counters at the offsets ResolveStatOffsets previously found.
func (e LinuxEthtool) GetStats(ifname string, multicastInOff, multicastOutOff, broadcastInOff, broadcastOutOff int) (EthtoolSnapshot, error) {
	var snap EthtoolSnapshot
	maxOff := maxInt(multicastInOff, multicastOutOff, broadcastInOff, broadcastOutOff)
	if maxOff == 0 {
		return snap, nil
	}

	buf := make([]byte, 8+maxOff*8)
	hdr := (*struct {
		cmd    uint32
		nStats uint32
	})(unsafe.Pointer(&buf[0]))
	hdr.cmd = ethtoolGStats
	hdr.nStats = uint32(maxOff)

	if err := e.ioctl(ifname, unsafe.Pointer(&buf[0])); err != nil {
		return snap, err
	}

	values := unsafe.Slice((*uint64)(unsafe.Pointer(&buf[8])), maxOff)
	snap.MulticastIn = valueAt(values, multicastInOff)
	snap.MulticastOut = valueAt(values, multicastOutOff)
	snap.BroadcastIn = valueAt(values, broadcastInOff)
	snap.BroadcastOut = valueAt(values, broadcastOutOff)
	return snap, nil
}

func valueAt(values []uint64, oneBasedOffset int) uint64 {
	if oneBasedOffset <= 0 || oneBasedOffset > len(values) {
		return 0
	}
	return values[oneBasedOffset-1]
}

func maxInt(vs ...int) int {
	m := 0
	for _, v := range vs {
		if v > m {
			m = v
		}
	}
	return m
}

// ethtoolModInfo mirrors struct ethtool_modinfo.
type ethtoolModInfo struct {
	cmd       uint32
	typ       uint32
	eepromLen uint32
	reserved  [8]uint32
}

// GetModuleEEPROM reads the module's full EEPROM map via
// ETHTOOL_GMODULEEEPROM, sized by a preceding ETHTOOL_GMODULEINFO query
// so SFF-8472 modules return both the A0h page and the A2h diagnostics
// page (512 bytes) while SFF-8436 modules return their single 256-byte
// map.
func (e LinuxEthtool) GetModuleEEPROM(ifname string) ([]byte, error) {
	mi := ethtoolModInfo{cmd: ethtoolGModuleInfo}
	if err := e.ioctl(ifname, unsafe.Pointer(&mi)); err != nil {
		return nil, err
	}
	length := int(mi.eepromLen)
	if length <= 0 || length > 4096 {
		return nil, fmt.Errorf("netiface: implausible module eeprom length %d", length)
	}

	// struct ethtool_eeprom: cmd, magic, offset, len (16 bytes), then
	// len bytes of data.
	buf := make([]byte, 16+length)
	hdr := (*struct {
		cmd    uint32
		magic  uint32
		offset uint32
		length uint32
	})(unsafe.Pointer(&buf[0]))
	hdr.cmd = ethtoolGModuleEEPROM
	hdr.offset = 0
	hdr.length = uint32(length)

	if err := e.ioctl(ifname, unsafe.Pointer(&buf[0])); err != nil {
		return nil, err
	}
	return buf[16 : 16+length], nil
}
