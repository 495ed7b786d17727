package replication

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewReplIDIsFortyHexChars(t *testing.T) {
	id := NewReplID()
	require.Len(t, id, 40)
	for _, c := range id {
		require.True(t, (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'), "unexpected char %q", c)
	}
}

func TestNewReplIDIsRandom(t *testing.T) {
	require.NotEqual(t, NewReplID(), NewReplID())
}

func TestParseFullresync(t *testing.T) {
	id, offset, err := parseFullresync([]byte("+FULLRESYNC deadbeefdeadbeefdeadbeefdeadbeefdeadbeef 0"))
	require.NoError(t, err)
	require.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", id)
	require.EqualValues(t, 0, offset)
}

func TestParseFullresyncRejectsMalformed(t *testing.T) {
	_, _, err := parseFullresync([]byte("+OK"))
	require.Error(t, err)
}

func TestParseFullresyncAcceptsCaseInsensitivePrefix(t *testing.T) {
	id, offset, err := parseFullresync([]byte("+fullresync deadbeefdeadbeefdeadbeefdeadbeefdeadbeef 0"))
	require.NoError(t, err)
	require.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", id)
	require.EqualValues(t, 0, offset)
}

func TestParseFullresyncRejectsWrongLengthReplID(t *testing.T) {
	_, _, err := parseFullresync([]byte("+FULLRESYNC abc123 0"))
	require.Error(t, err)
}

// fakeMaster is a minimal blocking TCP server that plays the master side of
// the handshake so Handshake can be exercised end to end without a real
// server package.
func fakeMaster(t *testing.T) (addr string, stop func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 512)
		respondTo := func(reply string) {
			_, _ = conn.Write([]byte(reply))
		}

		// PING
		_, _ = conn.Read(buf)
		respondTo("+PONG\r\n")
		// REPLCONF listening-port
		_, _ = conn.Read(buf)
		respondTo("+OK\r\n")
		// REPLCONF capa
		_, _ = conn.Read(buf)
		respondTo("+OK\r\n")
		// PSYNC
		_, _ = conn.Read(buf)
		respondTo("+FULLRESYNC deadbeefdeadbeefdeadbeefdeadbeefdeadbeef 0\r\n")
		respondTo("$5\r\nhello")
	}()

	return l.Addr().String(), func() { l.Close() }
}

func TestHandshakeEndToEnd(t *testing.T) {
	addr, stop := fakeMaster(t)
	defer stop()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	result, err := Handshake(host, port, 6380)
	require.NoError(t, err)
	require.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef", result.MasterRepl)
	require.EqualValues(t, 0, result.Offset)
	require.NotZero(t, result.FD)
	require.Empty(t, result.Leftover)

	time.Sleep(10 * time.Millisecond)
}

// fakeMasterWithPipelinedWrite replies to the whole handshake and the RDB
// payload in a single conn.Write, with an extra propagated command appended
// right after the payload bytes, exactly as a real master would if it
// started fanning out writes immediately after registering the replica.
func fakeMasterWithPipelinedWrite(t *testing.T) (addr string, stop func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 512)
		_, _ = conn.Read(buf) // PING
		_, _ = conn.Write([]byte("+PONG\r\n"))
		_, _ = conn.Read(buf) // REPLCONF listening-port
		_, _ = conn.Write([]byte("+OK\r\n"))
		_, _ = conn.Read(buf) // REPLCONF capa
		_, _ = conn.Write([]byte("+OK\r\n"))
		_, _ = conn.Read(buf) // PSYNC

		pipelined := "*3\r\n$3\r\nSET\r\n$1\r\nx\r\n$1\r\n1\r\n"
		_, _ = conn.Write([]byte("+FULLRESYNC deadbeefdeadbeefdeadbeefdeadbeefdeadbeef 0\r\n$5\r\nhello" + pipelined))
	}()

	return l.Addr().String(), func() { l.Close() }
}

func TestHandshakePreservesPipelinedBytesAfterPayload(t *testing.T) {
	addr, stop := fakeMasterWithPipelinedWrite(t)
	defer stop()

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	var result *HandshakeResult
	require.Eventually(t, func() bool {
		r, err := Handshake(host, port, 6380)
		if err != nil {
			return false
		}
		result = r
		return true
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, "*3\r\n$3\r\nSET\r\n$1\r\nx\r\n$1\r\n1\r\n", string(result.Leftover))
}
