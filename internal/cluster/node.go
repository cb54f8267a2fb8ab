// Package cluster implements the cluster/node/VM-manager lifecycle:
// node membership and health, cluster quorum and leader tracking, and
// the per-node VM manager's state machine. Cluster owns a slice of
// Nodes, and VMManager owns a slice of VMs, addressed by stable integer
// ids rather than parent back-pointers, avoiding cyclic node<->cluster
// and vm<->node references.
package cluster

import (
	"fmt"

	"github.com/purevisor/purevisor/internal/pvlog"
	"github.com/purevisor/purevisor/internal/uuidgen"

	gsync "gvisor.dev/gvisor/pkg/sync"
)

// Role is a bitmask of the services a node offers.
type Role uint32

const (
	RoleCompute Role = 1 << iota
	RoleStorage
	RoleNetwork
	RoleManagement
)

// State is a cluster node's membership state.
type State int

const (
	StateUnknown State = iota
	StateJoining
	StateOnline
	StateDegraded
	StateOffline
	StateLeaving
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateOnline:
		return "online"
	case StateDegraded:
		return "degraded"
	case StateOffline:
		return "offline"
	case StateLeaving:
		return "leaving"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// HealthTimeoutMS / HeartbeatIntervalMS are the cluster-level timing
// constants (distinct from Raft's own election/heartbeat timers in
// internal/raft).
const (
	HealthTimeoutMS     = 5000
	HeartbeatIntervalMS = 500
)

// CPUInfo, MemoryInfo, StorageInfo, NetworkInfo are the resource-snapshot
// fields for a cluster node.
type CPUInfo struct {
	Sockets         uint32
	CoresPerSocket  uint32
	ThreadsPerCore  uint32
	TotalThreads    uint32
	VMXSupported    bool
}

type MemoryInfo struct {
	TotalBytes uint64
	FreeBytes  uint64
	UsedBytes  uint64
}

type StorageInfo struct {
	TotalBytes uint64
	FreeBytes  uint64
	UsedBytes  uint64
}

type NetworkInfo struct {
	Healthy bool
}

// Resources bundles a node's resource snapshot.
type Resources struct {
	CPU     CPUInfo
	Memory  MemoryInfo
	Storage StorageInfo
	Network NetworkInfo
}

// Health is a node's health score and per-subsystem booleans.
type Health struct {
	Score                int
	CPUHealthy           bool
	MemoryHealthy        bool
	StorageHealthy       bool
	NetworkHealthy       bool
	ConsecutiveFailures  int
	LastHeartbeatMS      int64
}

// Node is one cluster member.
type Node struct {
	ID      uint32
	Name    string
	UUID    string
	Address string

	State State
	Roles Role
	Tags  map[string]bool

	Resources Resources
	Health    Health

	VMCount  int
	JoinedMS int64
	IsLocal  bool
}

// NewNode constructs a node with a fresh UUID, health score 100, and
// state Unknown. It uses the caller-supplied id as given and does not
// assign ids itself; it copies name/address and generates a UUID.
func NewNode(id uint32, name, address string) *Node {
	return &Node{
		ID:      id,
		Name:    name,
		UUID:    uuidgen.New(),
		Address: address,
		State:   StateUnknown,
		Tags:    map[string]bool{},
		Health:  Health{Score: 100},
	}
}

// AddRole adds a role bit.
func (n *Node) AddRole(r Role) { n.Roles |= r }

// RemoveRole clears a role bit.
func (n *Node) RemoveRole(r Role) { n.Roles &^= r }

// HasRole reports whether a role bit is set.
func (n *Node) HasRole(r Role) bool { return n.Roles&r != 0 }

// AddTag records a scheduling tag.
func (n *Node) AddTag(tag string) { n.Tags[tag] = true }

// HasTag reports whether the node carries tag.
func (n *Node) HasTag(tag string) bool { return n.Tags[tag] }

// HealthCheck recomputes the health score from per-subsystem booleans:
// score = 100 - 25 x (unhealthy_subsystems). Score < 50 increments the
// consecutive-failure counter; score >= 50 resets it.
func (n *Node) HealthCheck() int {
	unhealthy := 0
	for _, ok := range []bool{n.Health.CPUHealthy, n.Health.MemoryHealthy, n.Health.StorageHealthy, n.Health.NetworkHealthy} {
		if !ok {
			unhealthy++
		}
	}
	score := 100 - 25*unhealthy
	if score < 0 {
		score = 0
	}
	n.Health.Score = score
	if score < 50 {
		n.Health.ConsecutiveFailures++
	} else {
		n.Health.ConsecutiveFailures = 0
	}
	return score
}

// TotalThreads reports the node-local input to schedulable vCPU capacity;
// the overcommit/existing-load arithmetic itself lives in internal/sched.
func (n *Node) TotalThreads() uint32 { return n.Resources.CPU.TotalThreads }

// Cluster is the set of member nodes plus quorum/leader bookkeeping.
type Cluster struct {
	mu gsync.Mutex

	log *pvlog.Logger

	name string
	uuid string

	nodes map[uint32]*Node
	order []uint32 // insertion order, for deterministic iteration

	onlineCount int
	leaderID    uint32
	isLeader    bool
	quorumSize  int

	onNodeJoin    func(*Node)
	onNodeLeave   func(*Node)
	onLeaderChange func(uint32)

	raftLeaderFunc func() (uint32, bool) // overrides elect_leader when Raft is active
}

// Config bundles Cluster construction-time dependencies.
type Config struct {
	Name string
	Log  *pvlog.Logger

	OnNodeJoin     func(*Node)
	OnNodeLeave    func(*Node)
	OnLeaderChange func(uint32)
}

// New constructs an empty cluster.
func New(cfg Config) *Cluster {
	if cfg.Log == nil {
		cfg.Log = pvlog.Discard()
	}
	return &Cluster{
		log:            cfg.Log,
		name:           cfg.Name,
		uuid:           uuidgen.New(),
		nodes:          map[uint32]*Node{},
		onNodeJoin:     cfg.OnNodeJoin,
		onNodeLeave:    cfg.OnNodeLeave,
		onLeaderChange: cfg.OnLeaderChange,
	}
}

// Name returns the cluster's configured name.
func (c *Cluster) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// UseRaftLeader installs a function the cluster consults for leader
// identity instead of its own deterministic election: when Raft is
// active, the Raft leader overrides.
func (c *Cluster) UseRaftLeader(f func() (uint32, bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raftLeaderFunc = f
}

func (c *Cluster) recomputeQuorumLocked() {
	n := len(c.nodes)
	c.quorumSize = n/2 + 1
}

// AddNode transitions node Joining->Online, appends it, recomputes
// quorum, and invokes on_node_join. The cluster keeps no aggregate
// resource totals, so none are updated here.
func (c *Cluster) AddNode(n *Node) {
	c.mu.Lock()
	n.State = StateJoining
	n.State = StateOnline
	c.nodes[n.ID] = n
	c.order = append(c.order, n.ID)
	c.onlineCount++
	c.recomputeQuorumLocked()
	c.log.Info("cluster: node joined", "node", n.ID, "name", n.Name)
	cb := c.onNodeJoin
	c.mu.Unlock()

	if cb != nil {
		cb(n)
	}
	c.electLeader()
}

// RemoveNode marks a node Leaving, unlinks it, recomputes quorum, and
// invokes on_node_leave.
func (c *Cluster) RemoveNode(id uint32) {
	c.mu.Lock()
	n, ok := c.nodes[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	wasOnline := n.State == StateOnline
	n.State = StateLeaving
	delete(c.nodes, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	if wasOnline {
		c.onlineCount--
	}
	c.recomputeQuorumLocked()
	cb := c.onNodeLeave
	c.mu.Unlock()

	if cb != nil {
		cb(n)
	}
	c.electLeader()
}

// Node looks up a node by id.
func (c *Cluster) Node(id uint32) (*Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	return n, ok
}

// Nodes returns every member node in join order.
func (c *Cluster) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Node, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.nodes[id])
	}
	return out
}

// QuorumSize returns half the member count, rounded down, plus one.
func (c *Cluster) QuorumSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quorumSize
}

// CheckQuorum reports whether online_count >= quorum_size.
func (c *Cluster) CheckQuorum() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onlineCount >= c.quorumSize
}

// Leader returns the current leader id and whether one exists.
func (c *Cluster) Leader() (uint32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID, c.leaderID != 0
}

// IsLeader reports whether the local node (if any) is itself the leader.
func (c *Cluster) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// electLeader implements elect_leader: deterministic
// lowest-id Online node wins when Raft is not active; when a Raft leader
// function is installed, it overrides.
func (c *Cluster) electLeader() {
	c.mu.Lock()

	var newLeader uint32
	if c.raftLeaderFunc != nil {
		if id, ok := c.raftLeaderFunc(); ok {
			newLeader = id
		}
	} else {
		var lowest uint32
		for _, id := range c.order {
			n := c.nodes[id]
			if n.State != StateOnline {
				continue
			}
			if lowest == 0 || id < lowest {
				lowest = id
			}
		}
		newLeader = lowest
	}

	changed := newLeader != c.leaderID
	c.leaderID = newLeader
	var localID uint32
	for _, id := range c.order {
		if c.nodes[id].IsLocal {
			localID = id
		}
	}
	c.isLeader = newLeader != 0 && newLeader == localID
	cb := c.onLeaderChange
	c.mu.Unlock()

	if changed && cb != nil && newLeader != 0 {
		cb(newLeader)
	}
}

// Tick implements per-node liveness sweep: any non-local
// Online node whose heartbeat is older than HealthTimeoutMS transitions
// to Failed, online count drops, and quorum and leader are recomputed.
// Nodes carry no uptime field, so Tick refreshes no uptime.
func (c *Cluster) Tick(nowMS int64) {
	c.mu.Lock()
	changed := false
	for _, id := range c.order {
		n := c.nodes[id]
		if n.IsLocal {
			continue
		}
		if n.State == StateOnline && nowMS-n.Health.LastHeartbeatMS > HealthTimeoutMS {
			n.State = StateFailed
			c.onlineCount--
			changed = true
			c.log.Warn("cluster: node heartbeat timeout", "node", n.ID)
		}
	}
	if changed {
		c.recomputeQuorumLocked()
	}
	c.mu.Unlock()

	if changed {
		c.electLeader()
	}
}

// Heartbeat records a fresh heartbeat timestamp for node id.
func (c *Cluster) Heartbeat(id uint32, nowMS int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return fmt.Errorf("cluster: unknown node %d", id)
	}
	n.Health.LastHeartbeatMS = nowMS
	return nil
}
