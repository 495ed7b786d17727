//go:build linux || freebsd || dragonfly || darwin

package netpoll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Role tags a watched socket's purpose, per spec §4.5's connection entry
// data model. The dispatcher forks its do-not-reply behavior on this tag
// rather than on a type hierarchy (design note §9).
type Role int

const (
	RoleListener Role = iota
	RoleClient
	RoleMasterConnector
	RoleReplica
)

func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RoleClient:
		return "client"
	case RoleMasterConnector:
		return "master-connector"
	case RoleReplica:
		return "replica"
	default:
		return "unknown"
	}
}

// Socket is one watched connection entry.
type Socket struct {
	FD   int
	Role Role
	Addr string
}

// DefaultTimeoutMs is the default readiness-wait bound (spec §4.5, §5).
const DefaultTimeoutMs = 500

// Loop is the single-threaded readiness-polling multiplexer (C5). It owns
// a dynamically-grown sequence of watched socket records indexed by
// position, per the design note replacing the source's manually-grown
// pollfd array with a plain Go slice.
type Loop struct {
	listenerFD int
	sockets    []*Socket
	pending    []*Socket // accepted or added this tick; visible starting next tick
	TimeoutMs  int
}

// Listen creates a non-blocking listener bound to host:port and returns a
// Loop ready to run. TimeoutMs defaults to DefaultTimeoutMs.
func Listen(host string, port int) (*Loop, error) {
	fd, err := listenTCP(host, port)
	if err != nil {
		return nil, err
	}
	return &Loop{listenerFD: fd, TimeoutMs: DefaultTimeoutMs}, nil
}

// AddMasterConnector registers fd (already connected to the master, per
// the replica outbound handshake) as a watched socket with role
// master-connector. Like accepted clients it is queued as a pending
// addition and becomes visible starting with the next Tick call.
func (l *Loop) AddMasterConnector(fd int) *Socket {
	s := &Socket{FD: fd, Role: RoleMasterConnector}
	l.pending = append(l.pending, s)
	return s
}

// Promote changes s's role in place (e.g. client -> replica after a
// successful PSYNC).
func (l *Loop) Promote(s *Socket, role Role) {
	s.Role = role
}

// Sockets returns every currently-watched non-listener socket, in
// registration order. Safe to call between Tick invocations; callers must
// not mutate the returned slice.
func (l *Loop) Sockets() []*Socket {
	return l.sockets
}

// Remove closes fd and drops it from the watch set. Safe to call with an
// fd that is not currently watched (a no-op).
func (l *Loop) Remove(fd int) {
	for i, s := range l.sockets {
		if s.FD == fd {
			unix.Close(s.FD)
			l.sockets = append(l.sockets[:i], l.sockets[i+1:]...)
			return
		}
	}
	for i, s := range l.pending {
		if s.FD == fd {
			unix.Close(s.FD)
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return
		}
	}
}

// Close tears down the listener and every watched socket.
func (l *Loop) Close() {
	unix.Close(l.listenerFD)
	for _, s := range l.sockets {
		unix.Close(s.FD)
	}
	l.sockets = nil
	l.pending = nil
}

// Read reads whatever bytes are currently available on s. A (nil, nil)
// result means "nothing to read right now" (EAGAIN); callers should treat
// it exactly like not having been notified. A zero-byte read (peer close)
// is never returned as (nil, nil): it is surfaced as an explicit error
// instead so callers reliably unregister the socket (spec §7's IO error
// handling).
func (l *Loop) Read(s *Socket) ([]byte, error) {
	buf := make([]byte, 64*1024)
	n, err := readFD(s.FD, buf)
	if err != nil {
		if IsAgain(err) {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("netpoll: peer closed fd %d", s.FD)
	}
	return buf[:n], nil
}

// Write sends data to s in full.
func (l *Loop) Write(s *Socket, data []byte) error {
	_, err := writeFD(s.FD, data)
	return err
}

// Tick blocks for at most TimeoutMs waiting for readiness, services the
// listener inline (accepting at most one new connection, which becomes
// watched starting the next Tick per spec §4.5's no-re-poll-within-a-tick
// rule), and returns every other socket that is readable this round.
func (l *Loop) Tick() ([]*Socket, error) {
	l.sockets = append(l.sockets, l.pending...)
	l.pending = nil

	pollfds := make([]unix.PollFd, 0, len(l.sockets)+1)
	pollfds = append(pollfds, unix.PollFd{Fd: int32(l.listenerFD), Events: unix.POLLIN})
	for _, s := range l.sockets {
		pollfds = append(pollfds, unix.PollFd{Fd: int32(s.FD), Events: unix.POLLIN})
	}

	n, err := unix.Poll(pollfds, l.TimeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("netpoll: poll: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	if pollfds[0].Revents&unix.POLLIN != 0 {
		fd, addr, acceptErr := acceptNonblocking(l.listenerFD)
		if acceptErr == nil {
			l.pending = append(l.pending, &Socket{FD: fd, Role: RoleClient, Addr: addr})
		}
	}

	var ready []*Socket
	for i, s := range l.sockets {
		revents := pollfds[i+1].Revents
		if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, s)
		}
	}
	return ready, nil
}

// DialMaster opens a blocking connection to a master for the replica's
// outbound handshake. Callers should switch the returned fd non-blocking
// (SwitchToNonblocking) once the handshake completes, then register it
// with AddMasterConnector.
func DialMaster(host string, port int) (int, error) {
	return dialTCPBlocking(host, port)
}

// SwitchToNonblocking flips fd into non-blocking mode, used once the
// replica handshake over fd has completed (spec §6.2).
func SwitchToNonblocking(fd int) error {
	return setNonblock(fd, true)
}
