// Package mgmtapi exposes a thin JSON/HTTP façade over a node's cluster,
// VM manager, scheduler, and storage pool objects, using plain stdlib
// net/http and encoding/json with an http.ServeMux for routing.
package mgmtapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/purevisor/purevisor/internal/cluster"
	"github.com/purevisor/purevisor/internal/pool"
	"github.com/purevisor/purevisor/internal/pvlog"
	"github.com/purevisor/purevisor/internal/sched"
)

// Server is the node agent's management HTTP surface.
type Server struct {
	log     *pvlog.Logger
	cluster *cluster.Cluster
	manager *cluster.VMManager
	sched   *sched.Scheduler
	pool    *pool.Pool

	mux *http.ServeMux
}

// Config bundles Server construction-time dependencies.
type Config struct {
	Log      *pvlog.Logger
	Cluster  *cluster.Cluster
	Manager  *cluster.VMManager
	Sched    *sched.Scheduler
	Pool     *pool.Pool
}

// New builds a Server and registers its routes.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = pvlog.Discard()
	}
	s := &Server{
		log:     cfg.Log,
		cluster: cfg.Cluster,
		manager: cfg.Manager,
		sched:   cfg.Sched,
		pool:    cfg.Pool,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler, delegating to the registered mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/v1/cluster", s.handleCluster)
	s.mux.HandleFunc("/v1/nodes", s.handleNodes)
	s.mux.HandleFunc("/v1/vms", s.handleVMs)
	s.mux.HandleFunc("/v1/vms/", s.handleVMAction)
	s.mux.HandleFunc("/v1/pools", s.handlePools)
	s.mux.HandleFunc("/v1/rebalance", s.handleRebalance)
	s.mux.HandleFunc("/v1/evacuate/", s.handleEvacuate)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// The response is already committed past the header; nothing left
		// to do but note it happened.
		return
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type clusterView struct {
	Name       string `json:"name"`
	QuorumSize int    `json:"quorumSize"`
	HasQuorum  bool   `json:"hasQuorum"`
	LeaderID   uint32 `json:"leaderId"`
	IsLeader   bool   `json:"isLeader"`
	NodeCount  int    `json:"nodeCount"`
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("mgmtapi: method %s not allowed", r.Method))
		return
	}
	leaderID, _ := s.cluster.Leader()
	writeJSON(w, http.StatusOK, clusterView{
		Name:       s.cluster.Name(),
		QuorumSize: s.cluster.QuorumSize(),
		HasQuorum:  s.cluster.CheckQuorum(),
		LeaderID:   leaderID,
		IsLeader:   s.cluster.IsLeader(),
		NodeCount:  len(s.cluster.Nodes()),
	})
}

type nodeView struct {
	ID      uint32 `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	State   string `json:"state"`
	Health  int    `json:"healthScore"`
	VMCount int    `json:"vmCount"`
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("mgmtapi: method %s not allowed", r.Method))
		return
	}
	nodes := s.cluster.Nodes()
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodeView{
			ID:      n.ID,
			Name:    n.Name,
			Address: n.Address,
			State:   n.State.String(),
			Health:  n.Health.Score,
			VMCount: n.VMCount,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type vmView struct {
	ID     uint32 `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Node   uint32 `json:"hostNodeId"`
	VCPUs  int    `json:"vcpus"`
	Memory uint64 `json:"memoryBytes"`
}

func vmToView(vm *cluster.VM) vmView {
	return vmView{
		ID:     vm.ID,
		Name:   vm.Name,
		State:  vm.State().String(),
		Node:   vm.HostNodeID,
		VCPUs:  vm.VCPUsRequested,
		Memory: vm.MemoryBytes,
	}
}

func (s *Server) handleVMs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		vms := s.manager.VMs()
		out := make([]vmView, 0, len(vms))
		for _, vm := range vms {
			out = append(out, vmToView(vm))
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var req struct {
			Name   string `json:"name"`
			VCPUs  int    `json:"vcpus"`
			Memory uint64 `json:"memoryBytes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("mgmtapi: decode request: %w", err))
			return
		}
		vm := s.manager.Create(req.Name, req.VCPUs, req.Memory)
		writeJSON(w, http.StatusCreated, vmToView(vm))
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("mgmtapi: method %s not allowed", r.Method))
	}
}

// handleVMAction dispatches /v1/vms/{id}/{start,stop,pause,resume} to
// the corresponding VM lifecycle operation, and GET
// /v1/vms/{id}/trace to the per-VCPU trace dump.
func (s *Server) handleVMAction(w http.ResponseWriter, r *http.Request) {
	id, action, err := parseVMPath(r.URL.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	vm, ok := s.manager.Find(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("mgmtapi: unknown vm %d", id))
		return
	}

	if action == "trace" {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("mgmtapi: method %s not allowed", r.Method))
			return
		}
		s.handleVMTrace(w, vm)
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("mgmtapi: method %s not allowed", r.Method))
		return
	}

	var opErr error
	switch action {
	case "start":
		opErr = s.manager.Start(vm)
	case "stop":
		opErr = s.manager.Stop(vm)
	case "force-stop":
		opErr = s.manager.ForceStop(vm)
	case "pause":
		opErr = s.manager.Pause(vm)
	case "resume":
		opErr = s.manager.Resume(vm)
	default:
		opErr = fmt.Errorf("mgmtapi: unknown action %q", action)
	}
	if opErr != nil {
		writeError(w, http.StatusConflict, opErr)
		return
	}
	writeJSON(w, http.StatusOK, vmToView(vm))
}

type poolView struct {
	State        string       `json:"state"`
	Devices      int          `json:"devices"`
	TotalExtents int          `json:"totalExtents"`
	FreeExtents  int          `json:"freeExtents"`
	Volumes      []volumeView `json:"volumes"`
}

type volumeView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Size      uint64 `json:"sizeBytes"`
	Extents   int    `json:"extents"`
	Allocated int    `json:"allocatedExtents"`
	Thin      bool   `json:"thin"`
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("mgmtapi: method %s not allowed", r.Method))
		return
	}
	st := s.pool.Stats()
	view := poolView{
		State:        st.State.String(),
		Devices:      st.Devices,
		TotalExtents: st.TotalExtents,
		FreeExtents:  st.FreeExtents,
		Volumes:      make([]volumeView, 0, len(st.Volumes)),
	}
	for _, v := range st.Volumes {
		view.Volumes = append(view.Volumes, volumeView{
			ID:        v.ID,
			Name:      v.Name,
			Size:      v.Size,
			Extents:   v.Extents,
			Allocated: v.Allocated,
			Thin:      v.Thin,
		})
	}
	writeJSON(w, http.StatusOK, view)
}

type vcpuTraceView struct {
	VCPU  int      `json:"vcpu"`
	Lines []string `json:"lines"`
}

// handleVMTrace renders every VCPU's trace ring, oldest entries first.
// A VM that has not started yet has no core and therefore no traces.
func (s *Server) handleVMTrace(w http.ResponseWriter, vm *cluster.VM) {
	core := vm.Core()
	if core == nil {
		writeError(w, http.StatusConflict, fmt.Errorf("mgmtapi: vm %d has not started", vm.ID))
		return
	}
	out := make([]vcpuTraceView, 0, len(core.VCPUs()))
	for _, v := range core.VCPUs() {
		lines, err := v.GetTraceBuffer()
		if err != nil {
			continue // tracing not enabled on this VCPU
		}
		out = append(out, vcpuTraceView{VCPU: v.ID(), Lines: lines})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRebalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("mgmtapi: method %s not allowed", r.Method))
		return
	}
	if err := s.sched.Rebalance(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rebalanced"})
}

func (s *Server) handleEvacuate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("mgmtapi: method %s not allowed", r.Method))
		return
	}
	id, err := parseNodeIDPath(r.URL.Path, "/v1/evacuate/")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	node, ok := s.cluster.Node(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("mgmtapi: unknown node %d", id))
		return
	}
	if err := s.sched.EvacuateNode(node); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "evacuated"})
}
