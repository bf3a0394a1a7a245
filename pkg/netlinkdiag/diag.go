// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package netlinkdiag sends SOCK_DIAG_BY_FAMILY dump requests over a
// NETLINK_INET_DIAG socket and decodes the inet_diag_msg replies.
package netlinkdiag

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// sockDiagByFamily is the netlink message type used for socket
// diagnostics dump requests (linux/sock_diag.h).
const sockDiagByFamily = 20

// recvBatch bounds how many datagrams Recv will read from the kernel
// in a single call before returning control to the caller.
const recvBatch = 64

// Handler receives one decoded inet_diag_msg record along with the
// attribute bytes that trailed it in the same netlink message.
type Handler func(msg InetDiagMsg, attrs []byte)

// Conn is a NETLINK_INET_DIAG datagram socket.
type Conn struct {
	logger logr.Logger
	nl     *netlink.Conn
}

// Dial opens a NETLINK_INET_DIAG socket. The connection is put in
// non-blocking mode and marked close-on-exec by the underlying
// mdlayher/netlink socket implementation.
func Dial(logger logr.Logger) (*Conn, error) {
	nl, err := netlink.Dial(unix.NETLINK_INET_DIAG, nil)
	if err != nil {
		return nil, fmt.Errorf("netlinkdiag: dial: %w", err)
	}
	return &Conn{logger: logger, nl: nl}, nil
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	return c.nl.Close()
}

// Send wraps req in a SOCK_DIAG_BY_FAMILY nlmsghdr with NLM_F_REQUEST
// set, plus NLM_F_DUMP when dump is true, and writes it to the kernel.
func (c *Conn) Send(req InetDiagReqV2, dump bool, seq uint32) error {
	flags := netlink.Request
	if dump {
		flags |= netlink.Dump
	}
	msg := netlink.Message{
		Header: netlink.Header{
			Type:     netlink.HeaderType(sockDiagByFamily),
			Flags:    flags,
			Sequence: seq,
		},
		Data: req.Marshal(),
	}
	if _, err := c.nl.Send(msg); err != nil {
		return fmt.Errorf("netlinkdiag: send: %w", err)
	}
	return nil
}

// Recv pulls up to recvBatch datagrams, walks the message chain, stops
// on NLMSG_DONE, logs NLMSG_ERROR at debug level only, and delivers
// every inet_diag_msg body to cb with its residual attribute bytes.
func (c *Conn) Recv(cb Handler) error {
	for i := 0; i < recvBatch; i++ {
		msgs, err := c.nl.Receive()
		if err != nil {
			return fmt.Errorf("netlinkdiag: receive: %w", err)
		}
		done, err := processBatch(msgs, cb, c.logger)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if len(msgs) == 0 {
			return nil
		}
	}
	return nil
}

// processBatch is the pure decode loop behind Recv, split out so it
// can be exercised with synthetic netlink.Message values without a
// real socket.
func processBatch(msgs []netlink.Message, cb Handler, logger logr.Logger) (done bool, err error) {
	for _, m := range msgs {
		switch m.Header.Type {
		case netlink.Done:
			return true, nil
		case netlink.Error:
			logger.V(1).Info("netlink error reply", "sequence", m.Header.Sequence)
			continue
		case netlink.Noop:
			continue
		}

		diagMsg, attrs, err := UnmarshalInetDiagMsg(m.Data)
		if err != nil {
			logger.V(1).Info("dropping short inet_diag_msg", "length", len(m.Data), "error", err)
			continue
		}
		cb(diagMsg, attrs)
	}
	return false, nil
}
