// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package netlinkdiag

import (
	"encoding/binary"
	"errors"
)

// inetDiagReqV2Len is sizeof(struct inet_diag_req_v2) on Linux: two
// uint8 family/protocol fields, ext/pad bytes, a states bitmask, and
// an embedded inet_diag_sockid.
const inetDiagReqV2Len = 8 + inetDiagSockIDLen

// inetDiagSockIDLen is sizeof(struct inet_diag_sockid): two ports, two
// 16-byte addresses, an interface index, and an 8-byte cookie.
const inetDiagSockIDLen = 2 + 2 + 16 + 16 + 4 + 8

// inetDiagMsgLen is sizeof(struct inet_diag_msg), the fixed header
// that precedes any attribute TLVs in a SOCK_DIAG_BY_FAMILY reply.
const inetDiagMsgLen = 4 + inetDiagSockIDLen + 4*4 + 4

// InetDiagSockID mirrors struct inet_diag_sockid. Addresses are stored
// as raw 16-byte fields; for AF_INET sockets only the first 4 bytes
// are meaningful.
type InetDiagSockID struct {
	SPort  uint16
	DPort  uint16
	Src    [16]byte
	Dst    [16]byte
	IfName uint32
	Cookie [8]byte
}

func (id InetDiagSockID) marshal(dst []byte) {
	binary.BigEndian.PutUint16(dst[0:2], id.SPort)
	binary.BigEndian.PutUint16(dst[2:4], id.DPort)
	copy(dst[4:20], id.Src[:])
	copy(dst[20:36], id.Dst[:])
	binary.LittleEndian.PutUint32(dst[36:40], id.IfName)
	copy(dst[40:48], id.Cookie[:])
}

func unmarshalSockID(src []byte) InetDiagSockID {
	var id InetDiagSockID
	id.SPort = binary.BigEndian.Uint16(src[0:2])
	id.DPort = binary.BigEndian.Uint16(src[2:4])
	copy(id.Src[:], src[4:20])
	copy(id.Dst[:], src[20:36])
	id.IfName = binary.LittleEndian.Uint32(src[36:40])
	copy(id.Cookie[:], src[40:48])
	return id
}

// InetDiagReqV2 mirrors struct inet_diag_req_v2, the request body that
// follows the nlmsghdr in a SOCK_DIAG_BY_FAMILY dump request.
type InetDiagReqV2 struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	States   uint32
	ID       InetDiagSockID
}

// Marshal encodes the request in the byte order the kernel expects.
func (r InetDiagReqV2) Marshal() []byte {
	buf := make([]byte, inetDiagReqV2Len)
	buf[0] = r.Family
	buf[1] = r.Protocol
	buf[2] = r.Ext
	buf[3] = 0 // pad
	binary.LittleEndian.PutUint32(buf[4:8], r.States)
	r.ID.marshal(buf[8:])
	return buf
}

// InetDiagMsg mirrors struct inet_diag_msg, the fixed portion of every
// SOCK_DIAG_BY_FAMILY reply. Any bytes beyond inetDiagMsgLen are
// attribute TLVs the caller may walk separately.
type InetDiagMsg struct {
	Family  uint8
	State   uint8
	Timer   uint8
	Retrans uint8
	ID      InetDiagSockID
	Expires uint32
	RQueue  uint32
	WQueue  uint32
	UID     uint32
	Inode   uint32
}

// ErrShortMessage is returned by UnmarshalInetDiagMsg when the buffer
// is shorter than a fixed inet_diag_msg header.
var ErrShortMessage = errors.New("netlinkdiag: message shorter than inet_diag_msg")

// UnmarshalInetDiagMsg decodes the fixed header and returns it along
// with the residual attribute bytes that follow it.
func UnmarshalInetDiagMsg(b []byte) (InetDiagMsg, []byte, error) {
	if len(b) < inetDiagMsgLen {
		return InetDiagMsg{}, nil, ErrShortMessage
	}
	msg := InetDiagMsg{
		Family:  b[0],
		State:   b[1],
		Timer:   b[2],
		Retrans: b[3],
	}
	msg.ID = unmarshalSockID(b[4:52])
	msg.Expires = binary.LittleEndian.Uint32(b[52:56])
	msg.RQueue = binary.LittleEndian.Uint32(b[56:60])
	msg.WQueue = binary.LittleEndian.Uint32(b[60:64])
	msg.UID = binary.LittleEndian.Uint32(b[64:68])
	msg.Inode = binary.LittleEndian.Uint32(b[68:72])
	return msg, b[inetDiagMsgLen:], nil
}

// tcpStates maps the raw inet_diag_msg state byte to its kernel name.
// Adapted from the /proc/net/tcp hex-state table: same enum, the
// values here are the raw byte rather than its hex-string rendering.
var tcpStates = map[uint8]string{
	1:  "ESTABLISHED",
	2:  "SYN_SENT",
	3:  "SYN_RECV",
	4:  "FIN_WAIT1",
	5:  "FIN_WAIT2",
	6:  "TIME_WAIT",
	7:  "CLOSE",
	8:  "CLOSE_WAIT",
	9:  "LAST_ACK",
	10: "LISTEN",
	11: "CLOSING",
}

// StateName returns the kernel name for a TCP state byte, or "UNKNOWN"
// if it isn't one of the documented tcp_states.h values.
func StateName(state uint8) string {
	if name, ok := tcpStates[state]; ok {
		return name
	}
	return "UNKNOWN"
}
