package raft

import (
	"encoding/binary"
	"fmt"
)

// headerSize is the fixed {type:u32, from_node:u32, term:u64, length:u32}
// header shared by every Raft wire message.
const headerSize = 4 + 4 + 8 + 4

type header struct {
	typ  uint32
	from uint32
	term uint64
}

func (h header) encode(bodyLen int) []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.typ)
	binary.LittleEndian.PutUint32(buf[4:8], h.from)
	binary.LittleEndian.PutUint64(buf[8:16], h.term)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(bodyLen))
	return buf
}

func decodeHeader(b []byte) header {
	return header{
		typ:  binary.LittleEndian.Uint32(b[0:4]),
		from: binary.LittleEndian.Uint32(b[4:8]),
		term: binary.LittleEndian.Uint64(b[8:16]),
	}
}

// voteRequest is the RequestVote message: header plus
// last_log_index, last_log_term.
type voteRequest struct {
	header
	lastLogIndex uint64
	lastLogTerm  uint64
}

func (r voteRequest) encode() []byte {
	body := make([]byte, 16)
	binary.LittleEndian.PutUint64(body[0:8], r.lastLogIndex)
	binary.LittleEndian.PutUint64(body[8:16], r.lastLogTerm)
	return append(r.header.encode(len(body)), body...)
}

func decodeVoteRequest(b []byte) (voteRequest, error) {
	if len(b) < headerSize+16 {
		return voteRequest{}, fmt.Errorf("raft: VoteRequest too short")
	}
	body := b[headerSize:]
	return voteRequest{
		header:       decodeHeader(b),
		lastLogIndex: binary.LittleEndian.Uint64(body[0:8]),
		lastLogTerm:  binary.LittleEndian.Uint64(body[8:16]),
	}, nil
}

// voteResponse is RequestVote's reply: header plus granted.
type voteResponse struct {
	header
	granted bool
}

func (r voteResponse) encode() []byte {
	body := []byte{0}
	if r.granted {
		body[0] = 1
	}
	return append(r.header.encode(len(body)), body...)
}

func decodeVoteResponse(b []byte) (voteResponse, error) {
	if len(b) < headerSize+1 {
		return voteResponse{}, fmt.Errorf("raft: VoteResponse too short")
	}
	return voteResponse{header: decodeHeader(b), granted: b[headerSize] != 0}, nil
}

// appendRequest is the AppendEntries message: header plus
// prev_log_index, prev_log_term, leader_commit, entry_count, then
// concatenated entries (each encoded as index:u64, term:u64, type:u32,
// len:u32, data).
type appendRequest struct {
	header
	prevLogIndex uint64
	prevLogTerm  uint64
	leaderCommit uint64
	entries      []Entry
}

func (r appendRequest) encode() []byte {
	body := make([]byte, 8+8+8+4)
	binary.LittleEndian.PutUint64(body[0:8], r.prevLogIndex)
	binary.LittleEndian.PutUint64(body[8:16], r.prevLogTerm)
	binary.LittleEndian.PutUint64(body[16:24], r.leaderCommit)
	binary.LittleEndian.PutUint32(body[24:28], uint32(len(r.entries)))
	for _, e := range r.entries {
		entryBuf := make([]byte, 8+8+4+4+len(e.Data))
		binary.LittleEndian.PutUint64(entryBuf[0:8], e.Index)
		binary.LittleEndian.PutUint64(entryBuf[8:16], e.Term)
		binary.LittleEndian.PutUint32(entryBuf[16:20], e.Type)
		binary.LittleEndian.PutUint32(entryBuf[20:24], uint32(len(e.Data)))
		copy(entryBuf[24:], e.Data)
		body = append(body, entryBuf...)
	}
	return append(r.header.encode(len(body)), body...)
}

func decodeAppendRequest(b []byte) (appendRequest, error) {
	if len(b) < headerSize+28 {
		return appendRequest{}, fmt.Errorf("raft: AppendRequest too short")
	}
	body := b[headerSize:]
	req := appendRequest{
		header:       decodeHeader(b),
		prevLogIndex: binary.LittleEndian.Uint64(body[0:8]),
		prevLogTerm:  binary.LittleEndian.Uint64(body[8:16]),
		leaderCommit: binary.LittleEndian.Uint64(body[16:24]),
	}
	count := binary.LittleEndian.Uint32(body[24:28])
	off := 28
	for i := uint32(0); i < count; i++ {
		if off+24 > len(body) {
			return appendRequest{}, fmt.Errorf("raft: AppendRequest entry %d truncated", i)
		}
		index := binary.LittleEndian.Uint64(body[off : off+8])
		term := binary.LittleEndian.Uint64(body[off+8 : off+16])
		typ := binary.LittleEndian.Uint32(body[off+16 : off+20])
		dataLen := binary.LittleEndian.Uint32(body[off+20 : off+24])
		off += 24
		if off+int(dataLen) > len(body) {
			return appendRequest{}, fmt.Errorf("raft: AppendRequest entry %d data truncated", i)
		}
		data := append([]byte(nil), body[off:off+int(dataLen)]...)
		off += int(dataLen)
		req.entries = append(req.entries, Entry{Index: index, Term: term, Type: typ, Data: data})
	}
	return req, nil
}

// appendResponse is AppendEntries' reply: header plus success,
// match_index.
type appendResponse struct {
	header
	success    bool
	matchIndex uint64
}

func (r appendResponse) encode() []byte {
	body := make([]byte, 1+8)
	if r.success {
		body[0] = 1
	}
	binary.LittleEndian.PutUint64(body[1:9], r.matchIndex)
	return append(r.header.encode(len(body)), body...)
}

func decodeAppendResponse(b []byte) (appendResponse, error) {
	if len(b) < headerSize+9 {
		return appendResponse{}, fmt.Errorf("raft: AppendResponse too short")
	}
	body := b[headerSize:]
	return appendResponse{
		header:     decodeHeader(b),
		success:    body[0] != 0,
		matchIndex: binary.LittleEndian.Uint64(body[1:9]),
	}, nil
}
