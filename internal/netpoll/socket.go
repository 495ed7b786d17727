// Package netpoll implements the single-threaded readiness-polling event
// loop (C5): a listener socket, client sockets, the replica-side
// master-connector socket, and promoted replica sockets are all watched
// from one dynamically-grown set of descriptors and serviced from a single
// goroutine, mirroring original_source's PollManager (poll() over a grown
// pollfd array) and the rcproxy event loop in the retrieved corpus, both
// built on raw non-blocking sockets rather than per-connection goroutines.

//go:build linux || freebsd || dragonfly || darwin

package netpoll

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenTCP creates a non-blocking, SO_REUSEADDR TCP listener socket bound
// to host:port and returns its raw file descriptor, per spec §6.2.
func listenTCP(host string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("netpoll: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netpoll: setsockopt SO_REUSEADDR: %w", err)
	}

	addr, err := resolveIPv4(host)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netpoll: bind %s:%d: %w", host, port, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netpoll: listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netpoll: set listener non-blocking: %w", err)
	}
	return fd, nil
}

func resolveIPv4(host string) ([4]byte, error) {
	var out [4]byte
	if host == "" || host == "0.0.0.0" {
		return out, nil
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return out, fmt.Errorf("netpoll: cannot resolve host %q", host)
		}
		ip = ips[0]
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return out, fmt.Errorf("netpoll: host %q is not an IPv4 address", host)
	}
	copy(out[:], ip4)
	return out, nil
}

// acceptNonblocking accepts one pending connection off fd (the listener)
// and returns it already set non-blocking, per spec §6.2's "accepted
// clients non-blocking" rule.
func acceptNonblocking(fd int) (int, string, error) {
	connFD, sa, err := unix.Accept(fd)
	if err != nil {
		return -1, "", err
	}
	if err := unix.SetNonblock(connFD, true); err != nil {
		unix.Close(connFD)
		return -1, "", fmt.Errorf("netpoll: set accepted conn non-blocking: %w", err)
	}
	return connFD, sockaddrString(sa), nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3], a.Port)
	default:
		return "unknown"
	}
}

// dialTCPBlocking opens a blocking TCP connection to host:port, used for
// the replica's outbound handshake (spec §5, §6.2: "blocking for the
// duration of the handshake").
func dialTCPBlocking(host string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("netpoll: socket: %w", err)
	}
	addr, err := resolveIPv4(host)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netpoll: connect %s:%d: %w", host, port, err)
	}
	return fd, nil
}

// setNonblock switches fd's blocking mode, used to move the master
// connector socket into the event loop's watch set once the handshake
// completes.
func setNonblock(fd int, nonblocking bool) error {
	return unix.SetNonblock(fd, nonblocking)
}

// readFD reads available bytes into buf. A zero-length, nil-error read
// means the peer closed (spec §7: "read returned 0"). EAGAIN/EWOULDBLOCK
// is reported as (0, errAgain) (see IsAgain), since at this readiness level
// it means "nothing more to read right now", which the caller treats as
// "try again later" by simply not calling read again until the next
// readiness notification.
func readFD(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == syscall.EWOULDBLOCK {
			return 0, errAgain
		}
		return 0, err
	}
	return n, nil
}

// writeFD writes data to fd in full, retrying on EAGAIN. Non-blocking
// sockets in this subset carry small enough payloads (command frames,
// command replies, the fixed empty-RDB payload) that a short retry loop is
// sufficient; a production server would instead queue an outbound buffer
// and wait for POLLOUT.
func writeFD(fd int, data []byte) (int, error) {
	total := 0
	for total < len(data) {
		n, err := unix.Write(fd, data[total:])
		if err != nil {
			if err == unix.EAGAIN || err == syscall.EWOULDBLOCK {
				continue
			}
			return total, err
		}
		if n == 0 {
			return total, errZeroWrite
		}
		total += n
	}
	return total, nil
}

var errAgain = fmt.Errorf("netpoll: no data available")
var errZeroWrite = fmt.Errorf("netpoll: write returned 0 bytes")

// IsAgain reports whether err is the "no data available right now" sentinel
// readFD returns instead of blocking.
func IsAgain(err error) bool {
	return err == errAgain
}

// ReadBlocking reads whatever is available on a blocking fd, used by the
// replica's outbound handshake (spec §4.7, §5: blocking reads with a
// bounded retry count).
func ReadBlocking(fd int, buf []byte) (int, error) {
	return unix.Read(fd, buf)
}

// WriteBlocking writes data in full to a blocking fd.
func WriteBlocking(fd int, data []byte) error {
	total := 0
	for total < len(data) {
		n, err := unix.Write(fd, data[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return errZeroWrite
		}
		total += n
	}
	return nil
}

// CloseFD closes a raw file descriptor.
func CloseFD(fd int) error {
	return unix.Close(fd)
}
