// Package raft implements classic single-decree-per-index Raft consensus
// with a bounded in-memory log: leader election, log replication, and
// commitment under the Figure 8 safety rule. It replicates the pool
// layer's writes across cluster nodes.
//
// A *raft.Context is constructed with send/apply callbacks supplied by
// the caller, rather than reaching for package-level state, matching the
// locked-context-plus-callback shape used elsewhere in this module.
package raft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/purevisor/purevisor/internal/pvlog"

	gsync "gvisor.dev/gvisor/pkg/sync"
)

// Role is a node's current Raft role.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Candidate:
		return "candidate"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Message types (VoteReq=1, VoteResp=2, AppendReq=3, AppendResp=4,
// Snapshot=5).
const (
	MsgVoteRequest   = 1
	MsgVoteResponse  = 2
	MsgAppendRequest = 3
	MsgAppendResp    = 4
	MsgSnapshot      = 5
)

// Log entry types.
const (
	LogNoop   = 0
	LogWrite  = 1
	LogConfig = 2
)

// MaxLogSize bounds the in-memory log so a stuck follower cannot grow
// it without limit.
const (
	MaxLogSize         = 1024
	HeartbeatInterval  = 150 * time.Millisecond
	ElectionTimeoutMin = 300 * time.Millisecond
	ElectionTimeoutMax = 500 * time.Millisecond
)

var (
	// ErrNotLeader is returned by Submit when called on a non-leader node.
	ErrNotLeader = errors.New("raft: not leader")
	// ErrLogFull is returned by Submit when the bounded log is exhausted.
	ErrLogFull = errors.New("raft: log full")
)

// Entry is one log entry.
type Entry struct {
	Index uint64
	Term  uint64
	Type  uint32
	Data  []byte
}

// peer is a cluster peer's per-leader replication bookkeeping.
type peer struct {
	id         uint32
	nextIndex  uint64
	matchIndex uint64
	active     bool
}

// Transport is the capability a Context uses to reach other nodes.
type Transport interface {
	Send(to uint32, msg []byte) error
}

// Applier is the capability invoked once a log entry commits. The
// storage-pool binding is supplied by the collaborator, not hardcoded
// here; this package only guarantees ordered, exactly-once delivery
// per node.
type Applier interface {
	Apply(entry Entry) error
}

// Context is one node's Raft state machine.
type Context struct {
	mu gsync.Mutex

	log *pvlog.Logger

	nodeID uint32
	role   Role

	currentTerm uint64
	votedFor    int64 // -1 = none

	entries    []Entry // entries[0] is index firstIndex+1
	firstIndex uint64
	lastIndex  uint64

	commitIndex uint64
	lastApplied uint64

	leaderID uint32
	peers    map[uint32]*peer

	votesReceived int

	electionTimeout   time.Duration
	lastHeartbeatTick time.Time
	lastHeartbeatSend time.Time
	lastTick          time.Time // most recent Tick's clock, the timebase for message handlers

	transport Transport
	applier   Applier

	rng *rand.Rand
}

// Config bundles Context construction-time dependencies.
type Config struct {
	NodeID    uint32
	Log       *pvlog.Logger
	Transport Transport
	Applier   Applier
	// Seed fixes the election-timeout PRNG for deterministic tests; zero
	// derives a per-node default from NodeID so distinct nodes still draw
	// distinct timeouts.
	Seed int64
}

// New constructs a Follower-state Context.
func New(cfg Config) *Context {
	if cfg.Log == nil {
		cfg.Log = pvlog.Discard()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = int64(cfg.NodeID) + 1
	}
	c := &Context{
		log:       cfg.Log,
		nodeID:    cfg.NodeID,
		role:      Follower,
		votedFor:  -1,
		peers:     map[uint32]*peer{},
		transport: cfg.Transport,
		applier:   cfg.Applier,
		rng:       rand.New(rand.NewSource(seed)),
	}
	c.electionTimeout = c.randomElectionTimeout()
	return c
}

func (c *Context) randomElectionTimeout() time.Duration {
	span := ElectionTimeoutMax - ElectionTimeoutMin
	return ElectionTimeoutMin + time.Duration(c.rng.Int63n(int64(span)+1))
}

// AddNode registers a cluster peer.
func (c *Context) AddNode(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id == c.nodeID {
		return
	}
	c.peers[id] = &peer{id: id, active: true, nextIndex: c.lastIndex + 1}
}

// RemoveNode marks a peer inactive.
func (c *Context) RemoveNode(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.peers[id]; ok {
		p.active = false
	}
}

// Role returns the node's current role.
func (c *Context) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// IsLeader reports whether this node currently believes itself leader.
func (c *Context) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role == Leader
}

// Term returns the current term.
func (c *Context) Term() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTerm
}

// Leader returns the node id this node currently believes is leader.
func (c *Context) Leader() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID
}

// CommitIndex returns the highest committed log index.
func (c *Context) CommitIndex() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitIndex
}

// getEntry returns the entry at index, or nil if out of range. Caller
// must hold c.mu.
func (c *Context) getEntry(index uint64) *Entry {
	if index <= c.firstIndex || index > c.lastIndex {
		return nil
	}
	// entries[0] holds absolute index firstIndex+1 (there is no entry at
	// index 0), so the slot for a given absolute index is offset by one
	// from the naive index-firstIndex subtraction.
	return &c.entries[index-c.firstIndex-1]
}

func (c *Context) lastLogTerm() uint64 {
	if c.lastIndex == 0 {
		return 0
	}
	e := c.getEntry(c.lastIndex)
	if e == nil {
		return 0
	}
	return e.Term
}

// appendEntryLocked appends one entry, enforcing MaxLogSize with a "log
// full" error. Caller must hold c.mu.
func (c *Context) appendEntryLocked(term uint64, typ uint32, data []byte) (uint64, error) {
	if c.lastIndex-c.firstIndex >= MaxLogSize-1 {
		return 0, ErrLogFull
	}
	idx := c.lastIndex + 1
	c.entries = append(c.entries, Entry{Index: idx, Term: term, Type: typ, Data: data})
	c.lastIndex = idx
	return idx, nil
}

// becomeFollowerLocked transitions to Follower at the given term. Caller
// must hold c.mu.
func (c *Context) becomeFollowerLocked(term uint64) {
	c.role = Follower
	c.currentTerm = term
	c.votedFor = -1
	c.votesReceived = 0
	c.log.Debug("raft: became follower", "node", c.nodeID, "term", term)
}

// becomeCandidateLocked transitions to Candidate, increments the term,
// votes for self, and broadcasts RequestVote. Caller must hold c.mu.
func (c *Context) becomeCandidateLocked() {
	c.role = Candidate
	c.currentTerm++
	c.votedFor = int64(c.nodeID)
	c.votesReceived = 1 // vote for self
	c.electionTimeout = c.randomElectionTimeout()
	c.log.Debug("raft: became candidate", "node", c.nodeID, "term", c.currentTerm)

	// A cluster of one (no registered peers) already has its majority.
	if c.votesReceived >= (len(c.peers)+1)/2+1 {
		c.becomeLeaderLocked()
		return
	}

	req := voteRequest{
		header:       header{typ: MsgVoteRequest, from: c.nodeID, term: c.currentTerm},
		lastLogIndex: c.lastIndex,
		lastLogTerm:  c.lastLogTerm(),
	}
	msg := req.encode()
	for id, p := range c.peers {
		if p.active {
			c.sendLocked(id, msg)
		}
	}
}

// becomeLeaderLocked transitions to Leader, resets per-peer replication
// state, and appends a no-op entry so prior-term entries can commit
// under the majority-plus-current-term rule. Caller must hold c.mu.
func (c *Context) becomeLeaderLocked() {
	c.role = Leader
	c.leaderID = c.nodeID
	for _, p := range c.peers {
		p.nextIndex = c.lastIndex + 1
		p.matchIndex = 0
	}
	c.appendEntryLocked(c.currentTerm, LogNoop, nil)
	c.log.Info("raft: became leader", "node", c.nodeID, "term", c.currentTerm)
}

// sendLocked hands msg to the transport, ignoring send failures: a
// send failure is silent at the protocol level, since the peer simply
// times out elsewhere. Caller must hold c.mu.
func (c *Context) sendLocked(to uint32, msg []byte) {
	if c.transport == nil {
		return
	}
	if err := c.transport.Send(to, msg); err != nil {
		c.log.Debug("raft: send failed", "to", to, "err", err)
	}
}

// Tick processes a time step: applies newly committed entries, and
// either sends heartbeats (leader) or checks the election timeout
// (follower/candidate).
func (c *Context) Tick(now time.Time) {
	c.mu.Lock()
	c.lastTick = now

	for c.lastApplied < c.commitIndex {
		c.lastApplied++
		entry := c.getEntry(c.lastApplied)
		applier := c.applier
		c.mu.Unlock()
		if entry != nil && applier != nil {
			if err := applier.Apply(*entry); err != nil {
				c.log.Error("raft: apply failed", "index", entry.Index, "err", err)
			}
		}
		c.mu.Lock()
	}

	switch c.role {
	case Leader:
		c.advanceCommitLocked()
		if c.lastHeartbeatSend.IsZero() || now.Sub(c.lastHeartbeatSend) >= HeartbeatInterval {
			c.lastHeartbeatSend = now
			c.sendHeartbeatsLocked()
		}
	default:
		if c.lastHeartbeatTick.IsZero() {
			c.lastHeartbeatTick = now
		}
		if now.Sub(c.lastHeartbeatTick) >= c.electionTimeout {
			c.becomeCandidateLocked()
			c.lastHeartbeatTick = now
		}
	}
	c.mu.Unlock()
}

// sendHeartbeatsLocked sends AppendEntries (possibly empty) to every
// active peer using that peer's next_index. Caller must hold c.mu.
func (c *Context) sendHeartbeatsLocked() {
	for id, p := range c.peers {
		if !p.active {
			continue
		}
		prevIndex := p.nextIndex - 1
		prevTerm := uint64(0)
		if e := c.getEntry(prevIndex); e != nil {
			prevTerm = e.Term
		}
		var pending []Entry
		for idx := p.nextIndex; idx <= c.lastIndex; idx++ {
			if e := c.getEntry(idx); e != nil {
				pending = append(pending, *e)
			}
		}
		req := appendRequest{
			header:       header{typ: MsgAppendRequest, from: c.nodeID, term: c.currentTerm},
			prevLogIndex: prevIndex,
			prevLogTerm:  prevTerm,
			leaderCommit: c.commitIndex,
			entries:      pending,
		}
		c.sendLocked(id, req.encode())
	}
}

// Submit appends a new entry at the current term if this node is leader.
// Returns ErrNotLeader or ErrLogFull otherwise.
func (c *Context) Submit(typ uint32, data []byte) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.role != Leader {
		return 0, ErrNotLeader
	}
	return c.appendEntryLocked(c.currentTerm, typ, data)
}

// SubmitWrite packs a RAFT_LOG_WRITE payload
// ([volume-name:64][offset:8 LE][length:4 LE][data]) and submits it.
func SubmitWrite(c *Context, volumeName string, offset uint64, data []byte) (uint64, error) {
	if len(volumeName) > 64 {
		return 0, fmt.Errorf("raft: volume name %q exceeds 64 bytes", volumeName)
	}
	body := make([]byte, 64+8+4+len(data))
	copy(body, volumeName)
	binary.LittleEndian.PutUint64(body[64:72], offset)
	binary.LittleEndian.PutUint32(body[72:76], uint32(len(data)))
	copy(body[76:], data)
	return c.Submit(LogWrite, body)
}

// DecodeWrite unpacks a RAFT_LOG_WRITE payload.
func DecodeWrite(data []byte) (volumeName string, offset uint64, payload []byte, err error) {
	if len(data) < 76 {
		return "", 0, nil, fmt.Errorf("raft: write entry too short: %d bytes", len(data))
	}
	name := data[:64]
	n := 0
	for n < len(name) && name[n] != 0 {
		n++
	}
	offset = binary.LittleEndian.Uint64(data[64:72])
	length := binary.LittleEndian.Uint32(data[72:76])
	if 76+int(length) > len(data) {
		return "", 0, nil, fmt.Errorf("raft: write entry payload truncated")
	}
	return string(name[:n]), offset, data[76 : 76+int(length)], nil
}

// Receive decodes and dispatches an incoming wire message by type.
func (c *Context) Receive(msg []byte) error {
	if len(msg) < headerSize {
		return fmt.Errorf("raft: message too short: %d bytes", len(msg))
	}
	hdr := decodeHeader(msg)
	switch hdr.typ {
	case MsgVoteRequest:
		req, err := decodeVoteRequest(msg)
		if err != nil {
			return err
		}
		c.handleVoteRequest(req)
	case MsgVoteResponse:
		resp, err := decodeVoteResponse(msg)
		if err != nil {
			return err
		}
		c.handleVoteResponse(resp)
	case MsgAppendRequest:
		req, err := decodeAppendRequest(msg)
		if err != nil {
			return err
		}
		c.handleAppendRequest(req)
	case MsgAppendResp:
		resp, err := decodeAppendResponse(msg)
		if err != nil {
			return err
		}
		c.handleAppendResponse(resp)
	default:
		return fmt.Errorf("raft: unknown message type %d", hdr.typ)
	}
	return nil
}

// handleVoteRequest implements the grant-vote rules: term check,
// voted-for check, and log-up-to-date check.
func (c *Context) handleVoteRequest(req voteRequest) {
	c.mu.Lock()
	if req.term > c.currentTerm {
		c.becomeFollowerLocked(req.term)
	}

	granted := false
	if req.term >= c.currentTerm && (c.votedFor == -1 || c.votedFor == int64(req.from)) {
		lastTerm := c.lastLogTerm()
		if req.lastLogTerm > lastTerm || (req.lastLogTerm == lastTerm && req.lastLogIndex >= c.lastIndex) {
			granted = true
			c.votedFor = int64(req.from)
			c.lastHeartbeatTick = c.lastTick
		}
	}
	resp := voteResponse{header: header{typ: MsgVoteResponse, from: c.nodeID, term: c.currentTerm}, granted: granted}
	c.sendLocked(req.from, resp.encode())
	c.mu.Unlock()
}

// handleVoteResponse tallies votes and transitions to Leader on
// majority.
func (c *Context) handleVoteResponse(resp voteResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if resp.term > c.currentTerm {
		c.becomeFollowerLocked(resp.term)
		return
	}
	if c.role != Candidate || resp.term != c.currentTerm {
		return
	}
	if resp.granted {
		c.votesReceived++
		// c.peers excludes self, so cluster size is len(c.peers)+1.
		majority := (len(c.peers)+1)/2 + 1
		if c.votesReceived >= majority {
			c.becomeLeaderLocked()
		}
	}
}

// handleAppendRequest implements AppendEntries rules: reject on stale
// term or log mismatch at prev_log_index; otherwise truncate the
// conflicting suffix, append new entries (parsed in full from the wire,
// including payload bytes), and advance commit_index.
func (c *Context) handleAppendRequest(req appendRequest) {
	c.mu.Lock()
	resp := appendResponse{header: header{typ: MsgAppendResp, from: c.nodeID}, success: false}

	if req.term > c.currentTerm {
		c.becomeFollowerLocked(req.term)
	}
	resp.term = c.currentTerm

	if req.term < c.currentTerm {
		c.sendLocked(req.from, resp.encode())
		c.mu.Unlock()
		return
	}

	c.leaderID = req.from
	c.lastHeartbeatTick = c.lastTick
	if c.role == Candidate {
		c.becomeFollowerLocked(req.term)
		resp.term = c.currentTerm
	}

	if req.prevLogIndex > 0 {
		prev := c.getEntry(req.prevLogIndex)
		if prev == nil || prev.Term != req.prevLogTerm {
			c.sendLocked(req.from, resp.encode())
			c.mu.Unlock()
			return
		}
	}

	// Truncate any conflicting suffix, then append the new entries.
	c.entries = c.entries[:req.prevLogIndex-c.firstIndex]
	c.lastIndex = req.prevLogIndex
	for _, e := range req.entries {
		c.entries = append(c.entries, e)
		c.lastIndex = e.Index
	}

	if req.leaderCommit > c.commitIndex {
		c.commitIndex = req.leaderCommit
		if c.commitIndex > c.lastIndex {
			c.commitIndex = c.lastIndex
		}
	}

	resp.success = true
	resp.matchIndex = c.lastIndex
	c.sendLocked(req.from, resp.encode())
	c.mu.Unlock()
}

// handleAppendResponse advances a peer's next/match index on success (or
// decrements next_index and lets the next heartbeat retry, on failure),
// then recomputes commit_index under the Figure 8 safety rule (majority
// match AND entry term == current term).
func (c *Context) handleAppendResponse(resp appendResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if resp.term > c.currentTerm {
		c.becomeFollowerLocked(resp.term)
		return
	}
	if c.role != Leader {
		return
	}
	p, ok := c.peers[resp.from]
	if !ok {
		return
	}
	if resp.success {
		p.matchIndex = resp.matchIndex
		p.nextIndex = resp.matchIndex + 1
		c.advanceCommitLocked()
	} else if p.nextIndex > 1 {
		p.nextIndex--
	}
}

// advanceCommitLocked recomputes commit_index under the Figure 8 safety
// rule: an entry commits once a majority (leader included) has matched
// it AND its term is the current term. Caller must hold c.mu.
func (c *Context) advanceCommitLocked() {
	for n := c.commitIndex + 1; n <= c.lastIndex; n++ {
		count := 1 // leader counts itself
		for _, peer := range c.peers {
			if peer.matchIndex >= n {
				count++
			}
		}
		majority := (len(c.peers)+1)/2 + 1
		entry := c.getEntry(n)
		if count >= majority && entry != nil && entry.Term == c.currentTerm {
			c.commitIndex = n
		}
	}
}
