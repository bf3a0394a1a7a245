// Copyright hostmon authors.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jra3/hostmon/pkg/agent"
)

var (
	procRoot       = flag.String("proc-root", "/proc", "Path to the proc filesystem")
	cgroupFSRoot   = flag.String("cgroupfs-root", "/sys/fs/cgroup", "Path to the cgroup (v1 per-controller) filesystem root")
	sysClassNet    = flag.String("sys-class-net", "/sys/class/net", "Path to /sys/class/net")
	procNetDev     = flag.String("proc-net-dev", "/proc/net/dev", "Path to /proc/net/dev")
	procNetBonding = flag.String("proc-net-bonding", "/proc/net/bonding", "Path to /proc/net/bonding")

	synthesizedBondMode = flag.Bool("synthesize-bond-counters", true,
		"Synthesize bond-master counters from slave deltas instead of trusting the kernel's own bond0 counters")
	syncPollingInterval = flag.Int("sync-polling-interval", 0,
		"Ticks whose multiples switch-port poll countdowns are aligned to each tick; 0 disables it")
	pollingInterval = flag.Int("polling-interval", 30,
		"Ticks between per-interface counter samples")

	nodeName      = flag.String("node-name", "", "Overrides $NODE_NAME / os.Hostname() for this agent")
	namespaceUUID = flag.String("namespace-uuid", "", "Overrides the default namespace UUID used to derive container identities")

	verbose = flag.Bool("verbose", false, "Enable verbose (debug-level) logging")
)

func main() {
	flag.Parse()

	var logger logr.Logger
	if *verbose {
		zapLog, err := zap.NewDevelopment()
		if err != nil {
			os.Exit(1)
		}
		logger = zapr.NewLogger(zapLog)
	} else {
		zapLog, err := zap.NewProduction()
		if err != nil {
			os.Exit(1)
		}
		logger = zapr.NewLogger(zapLog)
	}

	opts := agent.Options{
		Logger:              logger,
		NodeName:            *nodeName,
		ProcRoot:            *procRoot,
		CgroupFSRoot:        *cgroupFSRoot,
		SysClassNet:         *sysClassNet,
		ProcNetDev:          *procNetDev,
		ProcNetBonding:      *procNetBonding,
		SynthesizedBondMode: *synthesizedBondMode,
		SyncPollingInterval: *syncPollingInterval,
		PollingInterval:     *pollingInterval,
	}
	if *namespaceUUID != "" {
		ns, err := uuid.Parse(*namespaceUUID)
		if err != nil {
			logger.Error(err, "invalid -namespace-uuid")
			os.Exit(1)
		}
		opts.NamespaceUUID = ns
	}

	a, err := agent.New(opts)
	if err != nil {
		logger.Error(err, "unable to create agent")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting hostmon agent")
	if err := a.Run(ctx); err != nil {
		logger.Error(err, "agent exited with error")
		os.Exit(1)
	}
}
