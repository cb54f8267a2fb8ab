// Command purevisord is the node agent: it loads a node's static
// configuration, brings up the local physical-memory/storage subsystems,
// joins the cluster via Raft, and serves the management HTTP API. Flags
// use the stdlib flag package with a flag.Usage override, and -debug
// raises the level of the JSON-handler log/slog logger to Debug.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/purevisor/purevisor/internal/blockdev"
	"github.com/purevisor/purevisor/internal/cluster"
	"github.com/purevisor/purevisor/internal/config"
	"github.com/purevisor/purevisor/internal/mgmtapi"
	"github.com/purevisor/purevisor/internal/pool"
	"github.com/purevisor/purevisor/internal/pvlog"
	"github.com/purevisor/purevisor/internal/raft"
	"github.com/purevisor/purevisor/internal/sched"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "purevisord: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultFilename, "Path to the node's YAML configuration file")
	listenAddr := flag.String("listen", "127.0.0.1:7100", "Management API listen address")
	ramBytes := flag.Uint64("ram", 512<<20, "Software-model RAM size in bytes")
	debug := flag.Bool("debug", false, "Enable debug logging")
	nodeID := flag.Uint("node-id", 1, "This node's cluster id")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: purevisord [flags]\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := pvlog.New(os.Stderr, level)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Cluster.Seeds) > 0 {
		log.Info("seed peers configured, waiting for explicit join", "seeds", cfg.Cluster.Seeds)
	}

	host, err := bootHost(log, *ramBytes, "node="+cfg.Node.Name)
	if err != nil {
		return err
	}
	defer host.Close()

	clus := cluster.New(cluster.Config{Name: cfg.Cluster.Name, Log: log})
	local := cluster.NewNode(uint32(*nodeID), cfg.Node.Name, cfg.Node.Address)
	local.IsLocal = true
	local.Resources.CPU.TotalThreads = uint32(runtime.NumCPU())
	local.Resources.Memory.TotalBytes = *ramBytes
	local.Resources.Network.Healthy = true
	local.Health.CPUHealthy = true
	local.Health.MemoryHealthy = true
	local.Health.StorageHealthy = true
	local.Health.NetworkHealthy = true
	local.HealthCheck()
	for _, r := range cfg.Node.Roles {
		local.AddRole(roleFromString(r))
	}
	for _, t := range cfg.Node.Tags {
		local.AddTag(t)
	}

	storagePool := pool.New()
	for _, d := range cfg.Pool.Devices {
		dev, err := blockdev.Open(d.Path, false)
		if err != nil {
			return fmt.Errorf("open pool device %s: %w", d.Path, err)
		}
		defer dev.Close()
		added := storagePool.AddDevice(dev)
		log.Info("pool device attached", "path", d.Path, "name", d.Name, "extents", added)
		local.Resources.Storage.TotalBytes += uint64(dev.Info().Capacity)
		local.Resources.Storage.FreeBytes += uint64(dev.Info().Capacity)
	}

	clus.AddNode(local)

	transport := &noopTransport{log: log}
	applier := &poolApplier{log: log, pool: storagePool}
	consensus := raft.New(raft.Config{NodeID: uint32(*nodeID), Log: log, Transport: transport, Applier: applier})
	clus.UseRaftLeader(func() (uint32, bool) {
		if consensus.IsLeader() {
			return uint32(*nodeID), true
		}
		return consensus.Leader(), consensus.Leader() != 0
	})

	launcher := newVMLauncher(log, host.ram, host.alloc)
	manager := cluster.NewManager(cluster.ManagerConfig{
		Log:       log,
		Cluster:   clus,
		LocalNode: local,
		Launcher:  launcher,
		OnStateChange: func(vm *cluster.VM, old, new cluster.VMState) {
			log.Info("vm state changed", "vm", vm.ID, "from", old, "to", new)
		},
	})

	resources := &staticResources{}
	scheduler := sched.New(sched.Config{
		Cluster:            clus,
		Managers:           map[uint32]*cluster.VMManager{local.ID: manager},
		Resources:          resources,
		EnableOvercommit:   cfg.Sched.EnableOvercommit,
		CPUOvercommitRatio: cfg.Sched.CPUOvercommitRatio,
		MemOvercommitRatio: cfg.Sched.MemOvercommitRatio,
	})

	server := mgmtapi.New(mgmtapi.Config{
		Log:     log,
		Cluster: clus,
		Manager: manager,
		Sched:   scheduler,
		Pool:    storagePool,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", *listenAddr, err)
	}
	httpServer := &http.Server{Handler: server}

	go tickLoop(ctx, clus, consensus)

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(ln) }()

	log.Info("purevisord started", "node", local.Name, "address", local.Address, "listen", *listenAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func tickLoop(ctx context.Context, clus *cluster.Cluster, consensus *raft.Context) {
	ticker := time.NewTicker(cluster.HeartbeatIntervalMS * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			clus.Tick(now.UnixMilli())
			consensus.Tick(now)
		}
	}
}

func roleFromString(s string) cluster.Role {
	switch s {
	case "compute":
		return cluster.RoleCompute
	case "storage":
		return cluster.RoleStorage
	case "network":
		return cluster.RoleNetwork
	case "management":
		return cluster.RoleManagement
	default:
		return 0
	}
}

// staticResources supplies internal/sched's ResourceView straight off
// each node's last resource snapshot, a stand-in for live subsystem
// polling.
type staticResources struct{}

func (r *staticResources) Resources(n *cluster.Node) sched.NodeResources {
	return sched.NodeResources{
		TotalThreads:   int(n.Resources.CPU.TotalThreads),
		TotalMemory:    n.Resources.Memory.TotalBytes,
		UsedMemory:     n.Resources.Memory.UsedBytes,
		TotalStorage:   n.Resources.Storage.TotalBytes,
		FreeStorage:    n.Resources.Storage.FreeBytes,
		HasStorage:     n.Resources.Storage.TotalBytes > 0,
		NetworkHealthy: n.Resources.Network.Healthy,
	}
}

// noopTransport is a placeholder Raft transport for a single-node agent
// run with no peers configured yet; joining additional nodes wires a
// real network transport in its place.
type noopTransport struct {
	log *pvlog.Logger
}

func (t *noopTransport) Send(to uint32, msg []byte) error {
	t.log.Debug("raft: no transport configured, dropping message", "to", to, "bytes", len(msg))
	return nil
}

// poolApplier applies committed replicated-write log entries to the
// local storage pool: decode the volume name, offset, and payload, then
// perform the block write on the named volume.
type poolApplier struct {
	log  *pvlog.Logger
	pool *pool.Pool
}

func (a *poolApplier) Apply(entry raft.Entry) error {
	if entry.Type != raft.LogWrite {
		return nil
	}
	name, offset, data, err := raft.DecodeWrite(entry.Data)
	if err != nil {
		return fmt.Errorf("purevisord: decode replicated write at index %d: %w", entry.Index, err)
	}
	v, ok := a.pool.FindVolume(name)
	if !ok {
		return fmt.Errorf("purevisord: replicated write to unknown volume %q", name)
	}
	if _, err := blockdev.WriteAt(v, data, int64(offset)); err != nil {
		return fmt.Errorf("purevisord: apply replicated write to %q at %d: %w", name, offset, err)
	}
	a.log.Debug("applied replicated write", "volume", name, "offset", offset, "bytes", len(data))
	return nil
}
