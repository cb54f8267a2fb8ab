// Package sched implements the cluster scheduler: feasibility filtering,
// weighted scoring (CPU/memory/storage/network weights), placement,
// rebalancing, and evacuation of VMs across cluster nodes, built on
// internal/cluster's Node/VM/VMManager types.
package sched

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/purevisor/purevisor/internal/cluster"
)

// Policy selects how feasible nodes are ranked.
type Policy int

const (
	PolicySpread Policy = iota
	PolicyPack
	PolicyRandom
)

// Priority is carried on the request for a future priority-queue
// extension, not yet consulted by Schedule's own ordering.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Weights used to combine per-resource scores into a total score.
const (
	WeightCPU     = 40
	WeightMemory  = 40
	WeightStorage = 10
	WeightNetwork = 10
)

var (
	ErrNoFeasibleNode = errors.New("sched: no feasible node")
)

// Request describes one VM placement request.
type Request struct {
	VM *cluster.VM

	VCPUs   int
	Memory  uint64
	Storage uint64

	Policy   Policy
	Priority Priority

	RequiredTags      []string
	ForbiddenNodes    []string
	AffinityVMIDs     []uint32
	AntiAffinityVMIDs []uint32
}

// NodeScore is the per-node scoring breakdown.
type NodeScore struct {
	Node      *cluster.Node
	Feasible  bool
	Reason    string

	CPUScore      int
	MemoryScore   int
	StorageScore  int
	NetworkScore  int
	AffinityScore int
	TotalScore    int
}

// Result is the outcome of a Schedule call.
type Result struct {
	Success      bool
	SelectedNode *cluster.Node
	Score        int
	Reason       string
	Alternatives []NodeScore
}

// NodeResources is the subset of a node's resource/VM-placement state
// the scheduler consults. It is supplied per-node by the caller (via
// ResourceView) rather than assumed to live on cluster.Node directly,
// since total/free CPU, memory, and storage figures come from several
// subsystems (pmm, pool) the scheduler does not itself own.
type NodeResources struct {
	TotalThreads   int
	TotalMemory    uint64
	UsedMemory     uint64
	TotalStorage   uint64
	FreeStorage    uint64
	HasStorage     bool
	NetworkHealthy bool
	ColocatedVMIDs []uint32 // VM ids currently hosted on this node
}

// ResourceView supplies live resource figures for a node, as an injected
// capability rather than a global resource table.
type ResourceView interface {
	Resources(node *cluster.Node) NodeResources
}

// Scheduler implements the filter/score/place/rebalance/evacuate
// operations over a cluster's nodes.
type Scheduler struct {
	clusterRef *cluster.Cluster
	managers   map[uint32]*cluster.VMManager // by node id, for migrate/evacuate
	resources  ResourceView

	overcommitEnabled   bool
	cpuOvercommitRatio  int // e.g. 200 = 2:1
	memOvercommitRatio  int

	totalPlacements  uint64
	failedPlacements uint64
	migrations       uint64

	rng *rand.Rand
}

// Config bundles Scheduler construction-time dependencies.
type Config struct {
	Cluster            *cluster.Cluster
	Managers           map[uint32]*cluster.VMManager
	Resources          ResourceView
	EnableOvercommit   bool
	CPUOvercommitRatio int
	MemOvercommitRatio int
	// RandSeed fixes PolicyRandom's draw for deterministic tests; 0 means
	// seed from a fixed constant (tests that want true randomness should
	// pass a nonzero seed derived from wall-clock themselves).
	RandSeed int64
}

// New constructs a Scheduler.
func New(cfg Config) *Scheduler {
	seed := cfg.RandSeed
	if seed == 0 {
		seed = 1
	}
	ratio := cfg.CPUOvercommitRatio
	if ratio == 0 {
		ratio = 100
	}
	memRatio := cfg.MemOvercommitRatio
	if memRatio == 0 {
		memRatio = 100
	}
	return &Scheduler{
		clusterRef:         cfg.Cluster,
		managers:           cfg.Managers,
		resources:          cfg.Resources,
		overcommitEnabled:  cfg.EnableOvercommit,
		cpuOvercommitRatio: ratio,
		memOvercommitRatio: memRatio,
		rng:                rand.New(rand.NewSource(seed)),
	}
}

// floorDiv divides rounding toward negative infinity; Go's / truncates
// toward zero, which differs for the negative affinity penalties.
func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func containsID(list []uint32, id uint32) bool {
	for _, x := range list {
		if x == id {
			return true
		}
	}
	return false
}

// estimateUsedVCPUs multiplies vm_count by 2 as a placeholder estimate of
// used vCPUs. TODO: once every node's VMManager exposes a
// live per-VM vcpu.VM.VCPUCount() sum, replace this with that exact
// figure instead of the 2x-per-VM placeholder.
func estimateUsedVCPUs(node *cluster.Node) int {
	return node.VMCount * 2
}

// availableVCPUs computes "available_vcpus = total_threads
// x (overcommit_ratio/100 if enabled else 1) - 2 x existing_vm_count".
func (s *Scheduler) availableVCPUs(node *cluster.Node, res NodeResources) int {
	total := res.TotalThreads
	if s.overcommitEnabled {
		total = total * s.cpuOvercommitRatio / 100
	}
	return total - estimateUsedVCPUs(node)
}

// availableMemory computes "under overcommit, total x
// ratio/100 - used; otherwise free".
func (s *Scheduler) availableMemory(res NodeResources) uint64 {
	if s.overcommitEnabled {
		avail := res.TotalMemory * uint64(s.memOvercommitRatio) / 100
		if res.UsedMemory >= avail {
			return 0
		}
		return avail - res.UsedMemory
	}
	return res.TotalMemory - res.UsedMemory
}

// feasible implements filter step.
func (s *Scheduler) feasible(node *cluster.Node, req *Request) (bool, string) {
	if node.State != cluster.StateOnline {
		return false, "node not online"
	}
	if node.Health.Score < 50 {
		return false, "health score below 50"
	}
	if contains(req.ForbiddenNodes, node.Name) {
		return false, "node is forbidden"
	}
	for _, tag := range req.RequiredTags {
		if !node.HasTag(tag) {
			return false, fmt.Sprintf("missing required tag %q", tag)
		}
	}
	res := s.resources.Resources(node)
	if s.availableVCPUs(node, res) < req.VCPUs {
		return false, "insufficient vcpu capacity"
	}
	if s.availableMemory(res) < req.Memory {
		return false, "insufficient memory"
	}
	return true, ""
}

// score computes a node's weighted CPU/memory/storage/network score,
// plus an affinity adjustment, for one placement request.
func (s *Scheduler) score(node *cluster.Node, req *Request) NodeScore {
	res := s.resources.Resources(node)

	cpuScore := 100
	if res.TotalThreads > 0 {
		used := estimateUsedVCPUs(node)
		cpuScore = (res.TotalThreads - used) * 100 / res.TotalThreads
		if cpuScore < 0 {
			cpuScore = 0
		}
	}

	memScore := 0
	if res.TotalMemory > 0 {
		free := s.availableMemory(res)
		memScore = int(free * 100 / res.TotalMemory)
	}

	storageScore := 100
	if res.HasStorage && res.TotalStorage > 0 {
		storageScore = int(res.FreeStorage * 100 / res.TotalStorage)
	}

	networkScore := 0
	if res.NetworkHealthy {
		networkScore = 100
	}

	affinityScore := 50
	for _, id := range req.AffinityVMIDs {
		if containsID(res.ColocatedVMIDs, id) {
			affinityScore += 25
		}
	}
	for _, id := range req.AntiAffinityVMIDs {
		if containsID(res.ColocatedVMIDs, id) {
			affinityScore -= 50
			if affinityScore < 0 {
				affinityScore = 0
			}
		}
	}
	if affinityScore > 100 {
		affinityScore = 100
	}

	total := (cpuScore*WeightCPU + memScore*WeightMemory + storageScore*WeightStorage + networkScore*WeightNetwork) / 100
	// Affinity adjusts the weighted total as a bonus/penalty of
	// floor((affinity-50)/4) points rather than carrying its own weight.
	total += floorDiv(affinityScore-50, 4)

	switch req.Policy {
	case PolicyPack:
		total = 100 - total
	}

	return NodeScore{
		Node:          node,
		Feasible:      true,
		CPUScore:      cpuScore,
		MemoryScore:   memScore,
		StorageScore:  storageScore,
		NetworkScore:  networkScore,
		AffinityScore: affinityScore,
		TotalScore:    total,
	}
}

// Schedule filters every node, scores the feasible ones, and picks the
// highest scorer (or a uniform random pick under PolicyRandom),
// recording up to three alternatives.
func (s *Scheduler) Schedule(req *Request) Result {
	s.totalPlacements++

	var scored []NodeScore
	for _, node := range s.clusterRef.Nodes() {
		ok, reason := s.feasible(node, req)
		if !ok {
			continue
		}
		ns := s.score(node, req)
		ns.Reason = reason
		scored = append(scored, ns)
	}

	if len(scored) == 0 {
		s.failedPlacements++
		return Result{Success: false, Reason: ErrNoFeasibleNode.Error()}
	}

	var selected NodeScore
	if req.Policy == PolicyRandom {
		selected = scored[s.rng.Intn(len(scored))]
	} else {
		selected = scored[0]
		for _, ns := range scored[1:] {
			if ns.TotalScore > selected.TotalScore {
				selected = ns
			} else if ns.TotalScore == selected.TotalScore && ns.Node.VMCount < selected.Node.VMCount {
				// Tiebreak: for SPREAD, the node with fewer VMs wins ties
				// on identical scores.
				selected = ns
			}
		}
	}

	alts := make([]NodeScore, 0, 3)
	for _, ns := range scored {
		if ns.Node.ID == selected.Node.ID {
			continue
		}
		alts = append(alts, ns)
		if len(alts) == 3 {
			break
		}
	}

	return Result{
		Success:      true,
		SelectedNode: selected.Node,
		Score:        selected.TotalScore,
		Alternatives: alts,
	}
}

// Rebalance checks whether the busiest online node exceeds the
// least-busy by more than 2 VMs, and if so migrates one migratable VM
// from the busiest to the least-busy.
func (s *Scheduler) Rebalance() error {
	nodes := onlineNodes(s.clusterRef.Nodes())
	if len(nodes) < 2 {
		return nil
	}

	var maxNode, minNode *cluster.Node
	for _, n := range nodes {
		if maxNode == nil || n.VMCount > maxNode.VMCount {
			maxNode = n
		}
		if minNode == nil || n.VMCount < minNode.VMCount {
			minNode = n
		}
	}

	if maxNode.VMCount-minNode.VMCount <= 2 {
		return nil
	}

	mgr, ok := s.managers[maxNode.ID]
	if !ok {
		return fmt.Errorf("sched: no VM manager for node %d", maxNode.ID)
	}
	for _, vm := range mgr.VMs() {
		if vm.HostNodeID != maxNode.ID || !cluster.CanMigrate(vm) {
			continue
		}
		if err := cluster.Migrate(vm, maxNode, minNode); err != nil {
			return fmt.Errorf("sched: rebalance migrate vm %d: %w", vm.ID, err)
		}
		s.migrations++
		return nil
	}
	return nil
}

// EvacuateNode builds a placement request with node forbidden for
// every migratable VM hosted on node, schedules it, and migrates.
func (s *Scheduler) EvacuateNode(node *cluster.Node) error {
	mgr, ok := s.managers[node.ID]
	if !ok {
		return fmt.Errorf("sched: no VM manager for node %d", node.ID)
	}

	var failures []error
	for _, vm := range mgr.VMs() {
		if vm.HostNodeID != node.ID {
			continue
		}
		if !cluster.CanMigrate(vm) {
			continue
		}
		req := &Request{
			VM:             vm,
			VCPUs:          vm.VCPUsRequested,
			Memory:         vm.MemoryBytes,
			ForbiddenNodes: []string{node.Name},
		}
		result := s.Schedule(req)
		if !result.Success {
			failures = append(failures, fmt.Errorf("vm %d: %s", vm.ID, result.Reason))
			continue
		}
		if err := cluster.Migrate(vm, node, result.SelectedNode); err != nil {
			failures = append(failures, fmt.Errorf("vm %d: %w", vm.ID, err))
			continue
		}
		s.migrations++
	}
	if len(failures) > 0 {
		return fmt.Errorf("sched: evacuate node %d: %d VM(s) failed to migrate: %v", node.ID, len(failures), failures)
	}
	return nil
}

func onlineNodes(nodes []*cluster.Node) []*cluster.Node {
	out := make([]*cluster.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.State == cluster.StateOnline {
			out = append(out, n)
		}
	}
	return out
}
