package replication

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"redisd/internal/netpoll"
	"redisd/internal/resp"
)

// handshakeRetries bounds how many reads a single handshake reply line may
// take before the handshake gives up, per spec §5's "bounded retry". An
// empty read (master closed) is not retried.
const handshakeRetries = 3

// HandshakeResult carries what the replica learns from its master during
// the PSYNC exchange. Leftover holds any bytes already read off the wire
// past the RDB payload: the master may pipeline its first propagated
// writes immediately after FULLRESYNC, in the same TCP segment, so the
// caller must feed these to its normal command-processing path rather than
// wait for another readiness notification on the socket.
type HandshakeResult struct {
	FD         int
	MasterRepl string
	Offset     int64
	Leftover   []byte
}

// handshakeConn buffers blocking reads on the master-connector fd across
// handshake steps. A single read can deliver more than one reply at once
// (the master writes FULLRESYNC and the RDB payload back to back with no
// round trip in between), so bytes read past what one step needed must
// carry forward into the next step rather than being dropped.
type handshakeConn struct {
	fd  int
	buf []byte
}

// fill reads more bytes from fd until at least one more byte is available,
// appending to the carry-over buffer.
func (c *handshakeConn) fill() error {
	tmp := make([]byte, 4096)
	n, err := netpoll.ReadBlocking(c.fd, tmp)
	if err != nil {
		return fmt.Errorf("reading from master: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("master closed connection during handshake")
	}
	c.buf = append(c.buf, tmp[:n]...)
	return nil
}

// readLine returns the next CRLF-terminated line, consuming it (and its
// CRLF) from the carry-over buffer.
func (c *handshakeConn) readLine() ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if idx := bytes.Index(c.buf, []byte("\r\n")); idx != -1 {
			line := c.buf[:idx]
			c.buf = c.buf[idx+2:]
			return line, nil
		}
		if attempt == handshakeRetries {
			return nil, fmt.Errorf("no complete reply line after %d reads", handshakeRetries)
		}
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
}

// readExactly returns exactly n bytes, consuming them from the carry-over
// buffer and reading more from fd as needed.
func (c *handshakeConn) readExactly(n int) ([]byte, error) {
	for len(c.buf) < n {
		if err := c.fill(); err != nil {
			return nil, err
		}
	}
	out := c.buf[:n]
	c.buf = c.buf[n:]
	return out, nil
}

// Handshake performs the full blocking replica-to-master handshake (spec
// §4.7, §5, §6.2): connect, PING, REPLCONF listening-port, REPLCONF capa
// psync2, PSYNC ? -1, then discards the RDB bulk-string payload that
// follows FULLRESYNC. The returned fd is left connected and still blocking;
// the caller is responsible for switching it non-blocking and registering
// it with the event loop.
func Handshake(masterHost string, masterPort int, ownListeningPort int) (*HandshakeResult, error) {
	fd, err := netpoll.DialMaster(masterHost, masterPort)
	if err != nil {
		return nil, fmt.Errorf("replication: dial master: %w", err)
	}
	c := &handshakeConn{fd: fd}

	if err := step(c, encodeCommand("PING"), expectSimpleString); err != nil {
		netpoll.CloseFD(fd)
		return nil, fmt.Errorf("replication: PING: %w", err)
	}

	portStr := strconv.Itoa(ownListeningPort)
	if err := step(c, encodeCommand("REPLCONF", "listening-port", portStr), expectOK); err != nil {
		netpoll.CloseFD(fd)
		return nil, fmt.Errorf("replication: REPLCONF listening-port: %w", err)
	}

	if err := step(c, encodeCommand("REPLCONF", "capa", "psync2"), expectOK); err != nil {
		netpoll.CloseFD(fd)
		return nil, fmt.Errorf("replication: REPLCONF capa: %w", err)
	}

	if err := netpoll.WriteBlocking(fd, encodeCommand("PSYNC", "?", "-1")); err != nil {
		netpoll.CloseFD(fd)
		return nil, fmt.Errorf("replication: PSYNC: writing command: %w", err)
	}
	line, err := c.readLine()
	if err != nil {
		netpoll.CloseFD(fd)
		return nil, fmt.Errorf("replication: PSYNC: %w", err)
	}
	replID, offset, err := parseFullresync(line)
	if err != nil {
		netpoll.CloseFD(fd)
		return nil, fmt.Errorf("replication: %w", err)
	}

	if err := discardRDBPayload(c); err != nil {
		netpoll.CloseFD(fd)
		return nil, fmt.Errorf("replication: reading RDB payload: %w", err)
	}

	return &HandshakeResult{FD: fd, MasterRepl: replID, Offset: offset, Leftover: c.buf}, nil
}

func encodeCommand(parts ...string) []byte {
	args := make([][]byte, len(parts))
	for i, p := range parts {
		args[i] = []byte(p)
	}
	return resp.EncodeArray(args)
}

// step writes cmd and validates the following reply line with check.
func step(c *handshakeConn, cmd []byte, check func([]byte) error) error {
	if err := netpoll.WriteBlocking(c.fd, cmd); err != nil {
		return fmt.Errorf("writing command: %w", err)
	}
	line, err := c.readLine()
	if err != nil {
		return err
	}
	return check(line)
}

func expectSimpleString(line []byte) error {
	if len(line) == 0 || line[0] != '+' {
		return fmt.Errorf("expected simple string reply, got %q", line)
	}
	return nil
}

func expectOK(line []byte) error {
	if string(line) != "+OK" {
		return fmt.Errorf("expected +OK, got %q", line)
	}
	return nil
}

// parseFullresync parses "+FULLRESYNC <replid> <offset>". The FULLRESYNC
// token is matched case-insensitively and the replid is required to be
// exactly 40 characters long (its characters are not checked), per spec
// §4.7 step 4 and §8 Testable Property 6.
func parseFullresync(line []byte) (string, int64, error) {
	fields := strings.Fields(strings.TrimPrefix(string(line), "+"))
	if len(fields) != 3 || !strings.EqualFold(fields[0], "FULLRESYNC") {
		return "", 0, fmt.Errorf("malformed FULLRESYNC reply %q", line)
	}
	if len(fields[1]) != 40 {
		return "", 0, fmt.Errorf("malformed FULLRESYNC replid %q", line)
	}
	offset, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed FULLRESYNC offset %q", line)
	}
	return fields[1], offset, nil
}

// discardRDBPayload reads the bulk-string-framed RDB snapshot that follows
// FULLRESYNC and throws it away: this server always rebuilds its keyspace
// from the master's subsequent command stream, never from the snapshot
// bytes themselves (spec §6.3's note that the payload carries no trailing
// CRLF, unlike every other bulk string on the wire, so the length prefix
// alone determines how many bytes to consume).
func discardRDBPayload(c *handshakeConn) error {
	header, err := c.readLine()
	if err != nil {
		return err
	}
	if len(header) == 0 || header[0] != '$' {
		return fmt.Errorf("expected bulk string RDB framing, got %q", header)
	}
	length, err := strconv.Atoi(string(header[1:]))
	if err != nil || length < 0 {
		return fmt.Errorf("malformed RDB bulk length %q", header)
	}
	_, err = c.readExactly(length)
	return err
}
