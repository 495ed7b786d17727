// Package replication implements the master/replica protocol (C7): a
// master-side replica registry and write fanout, and a replica-side
// blocking outbound handshake, following the teacher's
// internal/replication package's ReplicationManager shape generalized to
// the netpoll event loop instead of per-connection goroutines.
package replication

import (
	"crypto/rand"
	"fmt"
	"sync"

	"redisd/internal/netpoll"
	"redisd/internal/resp"
)

// NewReplID returns a 40-character hex replication ID, generated the same way the
// teacher's generateReplID does: 20 random bytes from crypto/rand, with a
// timestamp-free deterministic-length fallback removed since this server
// always has a working crypto/rand.
func NewReplID() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		panic("replication: crypto/rand unavailable: " + err.Error())
	}
	return fmt.Sprintf("%x", b)
}

// Master tracks connected replicas and fans write commands out to them. It
// is safe for concurrent use, though in this server's single-threaded event
// loop all calls happen from the same goroutine; the lock exists so
// diagnostics (INFO, future monitoring) can read replica state without
// coordinating with the loop.
type Master struct {
	mu       sync.Mutex
	replID   string
	offset   int64
	replicas map[int]*replicaLink
	loop     *netpoll.Loop
}

type replicaLink struct {
	socket        *netpoll.Socket
	listeningPort int
	capabilities  []string
}

// NewMaster creates a Master with a fresh replication ID, offset 0.
func NewMaster(loop *netpoll.Loop) *Master {
	return &Master{replID: NewReplID(), replicas: make(map[int]*replicaLink), loop: loop}
}

// ReplID returns this master's replication ID.
func (m *Master) ReplID() string {
	return m.replID
}

// Offset returns the master's current replication offset.
func (m *Master) Offset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}

// FullResyncHeader returns the (replid, offset, payload) triple the
// dispatcher's PSYNC handler needs, per spec §6.3.
func (m *Master) FullResyncHeader(emptyPayload []byte) (string, int64, []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replID, m.offset, emptyPayload
}

// RegisterReplica promotes s to a tracked replica after its FULLRESYNC
// reply has been flushed to the socket (spec §6.1's ordering: the socket is
// only added to the replica set once the handshake's final reply is sent).
func (m *Master) RegisterReplica(s *netpoll.Socket) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replicas[s.FD] = &replicaLink{socket: s}
	m.loop.Promote(s, netpoll.RoleReplica)
}

// SetListeningPort records a replica's REPLCONF listening-port value.
func (m *Master) SetListeningPort(fd int, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.replicas[fd]; ok {
		r.listeningPort = port
	}
}

// Unregister drops fd from the replica set, e.g. after a write error.
func (m *Master) Unregister(fd int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.replicas, fd)
}

// ReplicaCount reports how many replicas are currently tracked.
func (m *Master) ReplicaCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replicas)
}

// Propagate encodes args as a RESP command array and writes it to every
// tracked replica, advancing the master's offset by the encoded length
// (spec §7: writes are applied locally first, then fanned out verbatim to
// every replica in command-array form).
func (m *Master) Propagate(args [][]byte) {
	frame := resp.EncodeArray(args)

	m.mu.Lock()
	m.offset += int64(len(frame))
	links := make([]*replicaLink, 0, len(m.replicas))
	for _, r := range m.replicas {
		links = append(links, r)
	}
	m.mu.Unlock()

	for _, r := range links {
		if err := m.loop.Write(r.socket, frame); err != nil {
			m.Unregister(r.socket.FD)
		}
	}
}
