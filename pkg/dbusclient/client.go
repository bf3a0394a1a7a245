// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package dbusclient is a minimal method-call dispatcher over the
// system bus, built for hostmon's single-threaded poll loop: calls are
// sent without blocking the caller, replies are harvested on "deci"
// ticks, and requests older than ReapAge are dropped without ever
// invoking their handler.
package dbusclient

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/godbus/dbus/v5"
	"github.com/go-logr/logr"

	hostmonerrors "github.com/jra3/hostmon/pkg/errors"
	"github.com/jra3/hostmon/pkg/hashtable"
	"github.com/jra3/hostmon/pkg/ringbuffer"
)

// wellKnownName is the name the client registers on the bus so other
// tools can find a running hostmon instance, matching hsflowd's
// historical org.sflow.* naming.
const wellKnownName = "org.sflow.hsflowd.modsystemd"

// ReapAge is how old a pending request may get before it is considered
// lost and reaped without its handler ever running.
const ReapAge = 10 * time.Second

// ReplyHandler is invoked with the completed call and the magic value
// passed to MethodCall when the call was issued. Decode errors are
// tolerated: the handler simply declines to update state.
type ReplyHandler func(call *dbus.Call, magic any)

// ReapedRequest records a request that timed out before any reply
// arrived, kept around for diagnostics.
type ReapedRequest struct {
	Serial   uint32
	Member   string
	Age      time.Duration
	ReapedAt time.Time
}

type pendingRequest struct {
	serial   uint32
	member   string
	call     *dbus.Call
	handler  ReplyHandler
	magic    any
	sendTime time.Time
}

// Client is a single system-bus connection shared by every hostmon
// subsystem that needs to talk to an external service (systemd via
// DBus).
type Client struct {
	logger logr.Logger
	conn   *dbus.Conn

	pending    *hashtable.Table[uint32, *pendingRequest]
	nextSerial uint32

	tx, rx uint64

	reaped *ringbuffer.RingBuffer[ReapedRequest]
}

// Connect opens a connection to the system bus, retrying with
// exponential backoff until it succeeds, ctx is cancelled, or the
// backoff library's default maximum elapsed time runs out. A connection
// lost after Connect returns is not re-established.
func Connect(ctx context.Context, logger logr.Logger) (*Client, error) {
	operation := func() (*dbus.Conn, error) {
		conn, err := dbus.ConnectSystemBus()
		if err != nil {
			return nil, fmt.Errorf("dbusclient: connect system bus: %w", err)
		}
		return conn, nil
	}

	conn, err := backoff.Retry(ctx, operation, backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return nil, err
	}

	reply, err := conn.RequestName(wellKnownName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dbusclient: request name %s: %w", wellKnownName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner && reply != dbus.RequestNameReplyAlreadyOwner {
		logger.V(1).Info("did not become primary owner of well-known name", "name", wellKnownName, "reply", reply)
	}

	ringBuf, err := ringbuffer.New[ReapedRequest](64)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Client{
		logger:  logger.WithName("dbusclient"),
		conn:    conn,
		pending: hashtable.New[uint32, *pendingRequest](),
		reaped:  ringBuf,
	}, nil
}

// Close shuts down the bus connection. In-flight requests are dropped
// without their handlers running.
func (c *Client) Close() error {
	return c.conn.Close()
}

// MethodCall sends a non-blocking method call and records a pending
// request keyed by a locally assigned serial. handler runs from Drain
// when the reply arrives, or never runs if the request is reaped.
func (c *Client) MethodCall(target string, path dbus.ObjectPath, iface, member string, args []any, handler ReplyHandler, magic any) (uint32, error) {
	obj := c.conn.Object(target, path)
	done := make(chan *dbus.Call, 1)
	call := obj.Go(iface+"."+member, 0, done, args...)
	if call.Err != nil {
		c.logger.Error(call.Err, "dbus send failed, dropping request", "member", member)
		return 0, hostmonerrors.NewRetryable(fmt.Sprintf("dbusclient: send %s: %s", member, call.Err))
	}

	c.nextSerial++
	serial := c.nextSerial
	c.pending.Add(serial, &pendingRequest{
		serial:   serial,
		member:   member,
		call:     call,
		handler:  handler,
		magic:    magic,
		sendTime: time.Now(),
	})
	c.tx++
	return serial, nil
}

// Drain is called on every "deci" tick. It harvests every pending
// request whose reply has already arrived, invoking handlers
// immediately, and repeats such passes until one finds no completed
// reply, without blocking on requests that are still outstanding.
func (c *Client) Drain(ctx context.Context) {
	for c.pending.Count() > 0 {
		var ready []uint32
		c.pending.Walk(func(serial uint32, p *pendingRequest) bool {
			select {
			case <-p.call.Done:
				ready = append(ready, serial)
			default:
			}
			return true
		})
		if len(ready) == 0 {
			return
		}

		for _, serial := range ready {
			p, ok := c.pending.Get(serial)
			if !ok {
				continue
			}
			c.pending.Del(serial)
			c.rx++
			p.handler(p.call, p.magic)
		}
	}
}

// ReapStale deletes pending requests older than ReapAge. Their
// handlers are never invoked; dependent state simply stays incomplete
// until the next sweep picks it up.
func (c *Client) ReapStale(now time.Time) {
	var stale []uint32
	c.pending.Walk(func(serial uint32, p *pendingRequest) bool {
		if now.Sub(p.sendTime) > ReapAge {
			stale = append(stale, serial)
		}
		return true
	})

	for _, serial := range stale {
		p, ok := c.pending.Get(serial)
		if !ok {
			continue
		}
		age := now.Sub(p.sendTime)
		c.logger.Info("reaping stale dbus request", "serial", serial, "member", p.member, "age", age)
		c.reaped.Push(ReapedRequest{Serial: serial, Member: p.member, Age: age, ReapedAt: now})
		c.pending.Del(serial)
	}
}

// PendingCount reports how many requests are outstanding.
func (c *Client) PendingCount() int {
	return c.pending.Count()
}

// Stats returns the cumulative send/receive counters.
func (c *Client) Stats() (tx, rx uint64) {
	return c.tx, c.rx
}

// RecentReaped returns recently reaped requests, oldest first, for
// diagnostics.
func (c *Client) RecentReaped() []ReapedRequest {
	return c.reaped.GetAll()
}
