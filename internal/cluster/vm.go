package cluster

import (
	"errors"
	"fmt"

	"github.com/purevisor/purevisor/internal/pvlog"
	"github.com/purevisor/purevisor/internal/uuidgen"
	"github.com/purevisor/purevisor/internal/vcpu"

	gsync "gvisor.dev/gvisor/pkg/sync"
)

// VMState is a cluster-managed VM's lifecycle state:
// Created -> Starting -> Running <-> Paused; Running -> Stopping ->
// Stopped; any -> Migrating -> (prior state); any -> Error.
type VMState int

const (
	VMCreated VMState = iota
	VMStarting
	VMRunning
	VMPaused
	VMStopping
	VMStopped
	VMMigrating
	VMError
)

func (s VMState) String() string {
	switch s {
	case VMCreated:
		return "created"
	case VMStarting:
		return "starting"
	case VMRunning:
		return "running"
	case VMPaused:
		return "paused"
	case VMStopping:
		return "stopping"
	case VMStopped:
		return "stopped"
	case VMMigrating:
		return "migrating"
	case VMError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidTransition = errors.New("cluster: invalid VM state transition")
	ErrCannotMigrate     = errors.New("cluster: VM is not in a migratable state")
	ErrUnknownVM         = errors.New("cluster: unknown VM")
)

// Launcher is the capability a VMManager uses to bring a VM's actual
// VCPUs and EPT mappings up, injected as a collaborator at construction
// rather than called directly.
type Launcher interface {
	// Launch allocates the VM's VCPUs and its EPT context and returns
	// the underlying VCPU/VM core object. The daemon's implementation
	// maps no guest memory into the EPT context and loads no boot image.
	Launch(vm *VM) (*vcpu.VM, error)
	// Shutdown requests the underlying core wind down; force determines
	// graceful vs unconditional.
	Shutdown(core *vcpu.VM, force bool) error
}

// VM is a cluster-managed virtual machine: identity, config, lifecycle
// state, and host-node ownership. It is distinct from internal/vcpu.VM,
// which is the VMX-level construct this object owns once started.
type VM struct {
	ID   uint32
	UUID string
	Name string

	VCPUsRequested int
	MemoryBytes    uint64

	state      VMState
	priorState VMState // saved across Migrating
	HostNodeID uint32

	core     *vcpu.VM
	errorMsg string
}

// State returns the VM's current lifecycle state.
func (vm *VM) State() VMState { return vm.state }

// Core returns the underlying VCPU/VM construct, or nil before Start.
func (vm *VM) Core() *vcpu.VM { return vm.core }

// VMManager is the per-node VM lifecycle manager, one per node.
type VMManager struct {
	mu gsync.Mutex

	log *pvlog.Logger

	cluster    *Cluster
	localNode  *Node
	launcher   Launcher

	vms        map[uint32]*VM
	order      []uint32
	nextVMID   uint32
	running    int

	onStateChange    func(vm *VM, old, new VMState)
	pendingCallbacks []func()
}

// ManagerConfig bundles VMManager construction-time dependencies.
type ManagerConfig struct {
	Log           *pvlog.Logger
	Cluster       *Cluster
	LocalNode     *Node
	Launcher      Launcher
	OnStateChange func(vm *VM, old, new VMState)
}

// NewManager constructs a VM manager bound to one local node.
func NewManager(cfg ManagerConfig) *VMManager {
	if cfg.Log == nil {
		cfg.Log = pvlog.Discard()
	}
	return &VMManager{
		log:           cfg.Log,
		cluster:       cfg.Cluster,
		localNode:     cfg.LocalNode,
		launcher:      cfg.Launcher,
		vms:           map[uint32]*VM{},
		nextVMID:      1,
		onStateChange: cfg.OnStateChange,
	}
}

// Create registers a new VM in the Created state.
func (m *VMManager) Create(name string, vcpus int, memory uint64) *VM {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm := &VM{
		ID:             m.nextVMID,
		UUID:           uuidgen.New(),
		Name:           name,
		VCPUsRequested: vcpus,
		MemoryBytes:    memory,
		state:          VMCreated,
		HostNodeID:     m.localNode.ID,
	}
	m.nextVMID++
	m.vms[vm.ID] = vm
	m.order = append(m.order, vm.ID)
	return vm
}

// Find looks up a VM by id.
func (m *VMManager) Find(id uint32) (*VM, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	vm, ok := m.vms[id]
	return vm, ok
}

// FindByName looks up a VM by name.
func (m *VMManager) FindByName(name string) (*VM, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		if m.vms[id].Name == name {
			return m.vms[id], true
		}
	}
	return nil, false
}

// VMs returns every managed VM in creation order.
func (m *VMManager) VMs() []*VM {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*VM, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.vms[id])
	}
	return out
}

// RunningCount returns the number of VMs in the Running state.
func (m *VMManager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// setStateLocked updates vm.state and fires onStateChange synchronously
// after the caller releases m.mu (never while the lock is held, to avoid
// a callback that re-enters the manager deadlocking it).
func (m *VMManager) setStateLocked(vm *VM, new VMState) {
	old := vm.state
	vm.state = new
	if m.onStateChange != nil {
		cb, captured := m.onStateChange, vm
		m.pendingCallbacks = append(m.pendingCallbacks, func() { cb(captured, old, new) })
	}
}

// fireCallbacks runs and clears any onStateChange notifications queued
// by setStateLocked. Call only after releasing m.mu.
func (m *VMManager) fireCallbacks() {
	m.mu.Lock()
	pending := m.pendingCallbacks
	m.pendingCallbacks = nil
	m.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// Start brings a Created or Stopped VM up: has the Launcher allocate
// its VCPUs and EPT context (no guest memory is mapped and no boot image
// is loaded), transitions Starting->Running, and increments the running
// count and the host node's VM count.
func (m *VMManager) Start(vm *VM) error {
	m.mu.Lock()
	if vm.state != VMCreated && vm.state != VMStopped {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, vm.state)
	}
	m.setStateLocked(vm, VMStarting)
	m.mu.Unlock()
	m.fireCallbacks()

	core, err := m.launcher.Launch(vm)
	if err != nil {
		m.mu.Lock()
		vm.errorMsg = err.Error()
		m.setStateLocked(vm, VMError)
		m.mu.Unlock()
		m.fireCallbacks()
		return fmt.Errorf("cluster: start vm %d: %w", vm.ID, err)
	}

	m.mu.Lock()
	vm.core = core
	m.setStateLocked(vm, VMRunning)
	m.running++
	m.mu.Unlock()
	m.fireCallbacks()

	if m.localNode != nil {
		m.localNode.VMCount++
	}
	m.log.Info("cluster: vm started", "vm", vm.ID, "name", vm.Name)
	return nil
}

// stop is shared by Stop (graceful) and ForceStop (unconditional); both
// decrement counters only if transitioning out of Running/Paused.
func (m *VMManager) stop(vm *VM, force bool) error {
	m.mu.Lock()
	wasActive := vm.state == VMRunning || vm.state == VMPaused
	if !wasActive && !force {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot stop from %s", ErrInvalidTransition, vm.state)
	}
	m.setStateLocked(vm, VMStopping)
	core := vm.core
	m.mu.Unlock()
	m.fireCallbacks()

	if core != nil && m.launcher != nil {
		if err := m.launcher.Shutdown(core, force); err != nil && !force {
			m.mu.Lock()
			m.setStateLocked(vm, VMError)
			vm.errorMsg = err.Error()
			m.mu.Unlock()
			m.fireCallbacks()
			return fmt.Errorf("cluster: stop vm %d: %w", vm.ID, err)
		}
	}

	m.mu.Lock()
	m.setStateLocked(vm, VMStopped)
	if wasActive {
		m.running--
	}
	m.mu.Unlock()
	m.fireCallbacks()

	if wasActive && m.localNode != nil {
		m.localNode.VMCount--
	}
	return nil
}

// Stop attempts graceful shutdown.
func (m *VMManager) Stop(vm *VM) error { return m.stop(vm, false) }

// ForceStop is unconditional.
func (m *VMManager) ForceStop(vm *VM) error { return m.stop(vm, true) }

// Pause is a pure state transition.
func (m *VMManager) Pause(vm *VM) error {
	m.mu.Lock()
	if vm.state != VMRunning {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, vm.state)
	}
	m.setStateLocked(vm, VMPaused)
	m.mu.Unlock()
	m.fireCallbacks()
	return nil
}

// Resume is a pure state transition.
func (m *VMManager) Resume(vm *VM) error {
	m.mu.Lock()
	if vm.state != VMPaused {
		m.mu.Unlock()
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, vm.state)
	}
	m.setStateLocked(vm, VMRunning)
	m.mu.Unlock()
	m.fireCallbacks()
	return nil
}

// CanMigrate reports whether vm is in a migratable state (Running or
// Paused).
func CanMigrate(vm *VM) bool {
	return vm.state == VMRunning || vm.state == VMPaused
}

// Migrate requires CanMigrate(vm); it flips host_node metadata, updates
// VM counts on source and destination, and preserves pre-migration
// state. Live transfer of guest memory/register state is out of scope;
// this only updates ownership.
func Migrate(vm *VM, sourceNode, targetNode *Node) error {
	if !CanMigrate(vm) {
		return fmt.Errorf("%w: vm %d in state %s", ErrCannotMigrate, vm.ID, vm.state)
	}
	prior := vm.state
	vm.priorState = prior
	vm.state = VMMigrating
	vm.HostNodeID = targetNode.ID
	vm.state = prior

	if sourceNode != nil {
		sourceNode.VMCount--
	}
	targetNode.VMCount++
	return nil
}
