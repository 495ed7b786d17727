package replication

import (
	"net"
	"strconv"
	"testing"
	"time"

	"redisd/internal/netpoll"

	"github.com/stretchr/testify/require"
)

func freeTCPPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestMasterPropagateWritesToRegisteredReplica(t *testing.T) {
	port := freeTCPPort(t)
	loop, err := netpoll.Listen("127.0.0.1", port)
	require.NoError(t, err)
	defer loop.Close()

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn.Close()

	var replicaSocket *netpoll.Socket
	require.Eventually(t, func() bool {
		_, err := loop.Tick()
		require.NoError(t, err)
		for _, s := range loop.Sockets() {
			replicaSocket = s
		}
		return replicaSocket != nil
	}, time.Second, 10*time.Millisecond)

	m := NewMaster(loop)
	m.RegisterReplica(replicaSocket)
	require.Equal(t, 1, m.ReplicaCount())

	m.Propagate([][]byte{[]byte("SET"), []byte("foo"), []byte("bar")})

	buf := make([]byte, 128)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "SET")
	require.Contains(t, string(buf[:n]), "foo")
	require.Contains(t, string(buf[:n]), "bar")
}

func TestSetListeningPortRecordsOnlyRegisteredReplica(t *testing.T) {
	port := freeTCPPort(t)
	loop, err := netpoll.Listen("127.0.0.1", port)
	require.NoError(t, err)
	defer loop.Close()

	conn, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)
	defer conn.Close()

	var replicaSocket *netpoll.Socket
	require.Eventually(t, func() bool {
		_, err := loop.Tick()
		require.NoError(t, err)
		for _, s := range loop.Sockets() {
			replicaSocket = s
		}
		return replicaSocket != nil
	}, time.Second, 10*time.Millisecond)

	m := NewMaster(loop)

	// Recording before registration must not panic or create an entry.
	m.SetListeningPort(replicaSocket.FD, 6380)
	require.Equal(t, 0, m.ReplicaCount())

	m.RegisterReplica(replicaSocket)
	m.SetListeningPort(replicaSocket.FD, 6380)
	require.Equal(t, 6380, m.replicas[replicaSocket.FD].listeningPort)
}
