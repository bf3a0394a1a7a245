// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package agent wires the bus, the DBus client, the systemd sampler,
// the interface pipeline, and the netlink diagnostic helper into a
// single runnable hostmon agent.
package agent

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/jra3/hostmon/pkg/bus"
	"github.com/jra3/hostmon/pkg/dbusclient"
	"github.com/jra3/hostmon/pkg/netiface"
	"github.com/jra3/hostmon/pkg/netlinkdiag"
	"github.com/jra3/hostmon/pkg/sflow"
	"github.com/jra3/hostmon/pkg/systemdsvc"
	"github.com/jra3/hostmon/pkg/uuidname"
)

// defaultNamespace is the well-known hostmon namespace UUID used to
// derive container identities when the operator doesn't configure one.
var defaultNamespace = uuid.MustParse("c9c2b9b6-0e7e-4f2c-8f3f-7a6a6c2a9e10")

// Options configures an Agent.
type Options struct {
	Logger logr.Logger

	NodeName      string    // default: $NODE_NAME, falling back to os.Hostname
	NamespaceUUID uuid.UUID // default: defaultNamespace
	AgentIP       net.IP    // default: resolved from the primary route

	ProcRoot       string // default "/proc"
	CgroupFSRoot   string // default "/sys/fs/cgroup"
	SysClassNet    string // default "/sys/class/net"
	ProcNetDev     string // default "/proc/net/dev"
	ProcNetBonding string // default "/proc/net/bonding"

	SynthesizedBondMode bool
	SyncPollingInterval int
	PollingInterval     int // ticks between per-interface samples; default 30

	Emitter sflow.Emitter // default: an in-memory sflow.Recorder
}

// hostDsIndex is the data-source index of the agent's own counter
// sample, the physical-entity parent every container sample refers to.
const hostDsIndex = 1

// Agent owns the bus and every subsystem registered on it.
type Agent struct {
	opts Options

	Bus      *bus.Bus
	Registry *bus.Registry

	dbus     *dbusclient.Client
	systemd  *systemdsvc.Sampler
	netiface *netiface.Component
	netlink  *netlinkdiag.Conn

	emitter sflow.Emitter
}

// New validates opts, resolves NodeName/NamespaceUUID/AgentIP, and
// wires config_first/tick/deci/tock subscriptions for each subsystem
// in dependency order: interface discovery before bond reconciliation,
// systemd unit discovery before per-container sampling.
func New(opts Options) (*Agent, error) {
	if opts.Logger.GetSink() == nil {
		return nil, fmt.Errorf("agent: logger is required")
	}

	if opts.NodeName == "" {
		opts.NodeName = os.Getenv("NODE_NAME")
		if opts.NodeName == "" {
			hostname, err := os.Hostname()
			if err != nil {
				return nil, fmt.Errorf("agent: resolve hostname: %w", err)
			}
			opts.NodeName = hostname
		}
	}
	if opts.NamespaceUUID == uuid.Nil {
		opts.NamespaceUUID = defaultNamespace
	}
	if opts.AgentIP == nil {
		ip, err := resolveAgentIP()
		if err != nil {
			return nil, fmt.Errorf("agent: resolve agent IP: %w", err)
		}
		opts.AgentIP = ip
	}

	emitter := opts.Emitter
	if emitter == nil {
		emitter = sflow.NewRecorder()
	}

	logger := opts.Logger.WithName("agent")

	dbusClient, err := dbusclient.Connect(context.Background(), logger.WithName("dbusclient"))
	if err != nil {
		return nil, fmt.Errorf("agent: connect dbus: %w", err)
	}

	netlinkConn, err := netlinkdiag.Dial(logger.WithName("netlinkdiag"))
	if err != nil {
		return nil, fmt.Errorf("agent: dial netlinkdiag: %w", err)
	}

	b := bus.New(logger.WithName("bus"))
	registry := bus.NewRegistry(logger)

	osRelease := readOSRelease(opts.ProcRoot)

	netifaceComp := netiface.New(netiface.Options{
		Logger:              logger.WithName("netiface"),
		SysClassNet:         opts.SysClassNet,
		ProcNetDev:          opts.ProcNetDev,
		ProcNetBonding:      opts.ProcNetBonding,
		Ethtool:             &netiface.LinuxEthtool{},
		SynthesizedBondMode: opts.SynthesizedBondMode,
		SyncPollingInterval: opts.SyncPollingInterval,
		Emitter:             emitter,
		PollingInterval:     opts.PollingInterval,
	})
	if err := registry.Register(b, netifaceComp); err != nil {
		return nil, fmt.Errorf("agent: register netiface: %w", err)
	}

	systemdSampler := systemdsvc.New(systemdsvc.Options{
		Logger:       logger.WithName("systemdsvc"),
		DBus:         dbusClient,
		ProcRoot:     opts.ProcRoot,
		CgroupFSRoot: opts.CgroupFSRoot,
		Namespace:    opts.NamespaceUUID,
		AgentIP:      opts.AgentIP,
		Hostname:     opts.NodeName,
		OSName:       "linux",
		OSRelease:    osRelease,
		Emitter:      emitter,
	})
	if err := registry.Register(b, systemdSampler); err != nil {
		return nil, fmt.Errorf("agent: register systemdsvc: %w", err)
	}

	b.Subscribe(bus.EventDeci, func(_ any) {
		dbusClient.Drain(context.Background())
	})
	b.Subscribe(bus.EventTick, func(payload any) {
		now, _ := payload.(time.Time)
		if now.IsZero() {
			now = time.Now()
		}
		dbusClient.ReapStale(now)
	})

	// The agent's own counter sample. Posting the in-progress sample on
	// the bus lets any subscribed module contribute elements (the
	// systemd sampler adds the virtualization-node summary when no other
	// hypervisor module claims the role) before the sample is emitted.
	hostUUID := uuidname.Derive(opts.NamespaceUUID, opts.NodeName, opts.AgentIP)
	b.Subscribe(bus.EventTock, func(any) {
		sample := &sflow.CounterSample{
			DsIndex: hostDsIndex,
			Elements: []any{sflow.HostID{
				Hostname:  opts.NodeName,
				UUID:      hostUUID,
				OSName:    "linux",
				OSRelease: osRelease,
			}},
		}
		b.Post(bus.EventHostCounterSample, sample)
		if err := emitter.Emit(*sample); err != nil {
			logger.Error(err, "emit host counter sample failed")
		}
	})

	return &Agent{
		opts:     opts,
		Bus:      b,
		Registry: registry,
		dbus:     dbusClient,
		systemd:  systemdSampler,
		netiface: netifaceComp,
		netlink:  netlinkConn,
		emitter:  emitter,
	}, nil
}

// sockDiagInterval is how often the netlink diagnostic reader dumps
// the kernel's TCP socket table.
const sockDiagInterval = 60 * time.Second

// Run drives the bus until ctx is cancelled, posting final before
// returning. The netlink diagnostic reader runs alongside the bus loop
// via an errgroup so a failure on either path tears down the other.
func (a *Agent) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.Bus.Run(gCtx)
	})

	g.Go(func() error {
		return a.runSockDiag(gCtx)
	})

	g.Go(func() error {
		<-gCtx.Done()
		return a.netlink.Close()
	})

	g.Go(func() error {
		<-gCtx.Done()
		return a.dbus.Close()
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Emitter returns the sflow.Emitter the agent was configured with.
func (a *Agent) Emitter() sflow.Emitter { return a.emitter }

// runSockDiag is the netlink diagnostic helper's background reader: it
// periodically sends a SOCK_DIAG_BY_FAMILY dump for the TCP socket
// table and folds the replies into a per-state census logged for
// diagnostics. Closing the netlink connection at shutdown unblocks any
// in-flight Recv.
func (a *Agent) runSockDiag(ctx context.Context) error {
	logger := a.opts.Logger.WithName("sockdiag")
	ticker := time.NewTicker(sockDiagInterval)
	defer ticker.Stop()

	var seq uint32
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		seq++
		req := netlinkdiag.InetDiagReqV2{
			Family:   unix.AF_INET,
			Protocol: unix.IPPROTO_TCP,
			States:   ^uint32(0),
		}
		if err := a.netlink.Send(req, true, seq); err != nil {
			logger.V(1).Info("socket diag dump request failed", "error", err)
			continue
		}

		states := make(map[string]int)
		err := a.netlink.Recv(func(msg netlinkdiag.InetDiagMsg, _ []byte) {
			states[netlinkdiag.StateName(msg.State)]++
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.V(1).Info("socket diag receive failed", "error", err)
			continue
		}
		logger.V(1).Info("tcp socket census", "states", states)
	}
}

// readOSRelease reads the running kernel's release string from
// /proc/sys/kernel/osrelease; an unreadable file just leaves the field
// empty in emitted samples.
func readOSRelease(procRoot string) string {
	if procRoot == "" {
		procRoot = "/proc"
	}
	data, err := os.ReadFile(filepath.Join(procRoot, "sys", "kernel", "osrelease"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// resolveAgentIP picks the address of the primary route by dialing a
// UDP "connection" (no packets are sent) and reading the local address
// the kernel would use, falling back to the first non-loopback address
// on any interface if that fails.
func resolveAgentIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP, nil
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("list interface addresses: %w", err)
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if v4 := ipNet.IP.To4(); v4 != nil {
			return v4, nil
		}
		return ipNet.IP, nil
	}
	return nil, fmt.Errorf("no non-loopback address found")
}
