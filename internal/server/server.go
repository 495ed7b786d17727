// Package server wires the event loop, dispatcher, keyspace, config store
// and replication controller into one running process (spec §2, §9),
// generalizing the teacher's internal/server.RedisServer to the
// single-threaded netpoll event loop instead of a goroutine-per-connection
// listener.
package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"redisd/internal/config"
	"redisd/internal/dispatch"
	"redisd/internal/keyspace"
	"redisd/internal/netpoll"
	"redisd/internal/rdb"
	"redisd/internal/replication"
	"redisd/internal/resp"

	"github.com/sirupsen/logrus"
)

// Config holds the server's boot-time settings, the generalized
// equivalent of the teacher's server.Config (trimmed to this subset's
// in-scope knobs: host/port, RDB load path, and replicaof).
type Config struct {
	Host       string
	Port       int
	Dir        string
	DBFilename string
	ReplicaOf  string // "host port", empty means this node is a master
}

// Server owns the event loop and every in-process component it dispatches
// into.
type Server struct {
	cfg      Config
	log      *logrus.Logger
	loop     *netpoll.Loop
	ks       *keyspace.Keyspace
	cfgStore *config.Store
	disp     *dispatch.Dispatcher
	master   *replication.Master
	expirer  *keyspace.Expirer

	readers map[int]*resp.Reader
	bufs    map[int][]byte

	masterFD int // fd of the connection to our own master, if we are a replica
}

// New constructs a Server bound to cfg.Host:cfg.Port. The listening socket
// is bound and listening on return; connections are accepted only once Run
// is called.
func New(cfg Config, log *logrus.Logger) (*Server, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	loop, err := netpoll.Listen(cfg.Host, cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	ks := keyspace.New()
	cfgStore := config.New()
	cfgStore.Set(config.KeyDir, cfg.Dir)
	cfgStore.Set(config.KeyDBFilename, cfg.DBFilename)

	s := &Server{
		cfg:      cfg,
		log:      log,
		loop:     loop,
		ks:       ks,
		cfgStore: cfgStore,
		readers:  make(map[int]*resp.Reader),
		bufs:     make(map[int][]byte),
		masterFD: -1,
	}

	master := replication.NewMaster(loop)
	s.master = master
	cfgStore.Set(config.KeyMasterReplID, master.ReplID())
	cfgStore.Set(config.KeyMasterReplOffset, fmt.Sprintf("%d", master.Offset()))

	role := config.RoleMaster
	if cfg.ReplicaOf != "" {
		role = config.RoleReplica
	}
	cfgStore.Set(config.KeyRole, role)

	s.disp = dispatch.New(ks, cfgStore, master.Propagate, func() (string, int64, []byte) {
		return master.FullResyncHeader(rdb.EmptyPayload)
	}, s.handleReplconf)

	return s, nil
}

// LoadRDB loads dir/dbfilename into the keyspace at boot, if it exists.
// Missing file is not an error: a fresh server simply boots with an empty
// keyspace (spec §4.4).
func (s *Server) LoadRDB() error {
	path := filepath.Join(s.cfg.Dir, s.cfg.DBFilename)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("server: opening RDB file: %w", err)
	}
	defer f.Close()

	dec := rdb.NewDecoder(f)
	entries, err := dec.Decode()
	if err != nil {
		return fmt.Errorf("server: decoding RDB file: %w", err)
	}
	for _, e := range entries {
		s.ks.SetAbsolute(e.Key, e.Value, e.DeadlineMs)
	}
	s.log.WithField("count", len(entries)).Info("loaded keys from RDB file")
	return nil
}

// handleReplconf records what a connecting replica advertised under
// replica_listening-port / replica_capabilities (spec §4.6, §4.7) and
// returns nil for everything, falling back to dispatch's default +OK;
// GETACK is not in scope for a replica link that never acknowledges, per
// spec §7.
func (s *Server) handleReplconf(ctx *dispatch.Context, args [][]byte) []byte {
	switch strings.ToUpper(string(args[1])) {
	case "LISTENING-PORT":
		if len(args) < 3 {
			return nil
		}
		port, err := strconv.Atoi(string(args[2]))
		if err != nil {
			return nil
		}
		s.cfgStore.Set(config.KeyReplicaListenPort, string(args[2]))
		s.master.SetListeningPort(ctx.FD, port)
	case "CAPA":
		if len(args) < 3 {
			return nil
		}
		capabilities := make([]string, 0, len(args)-2)
		for _, a := range args[2:] {
			capabilities = append(capabilities, string(a))
		}
		s.cfgStore.Set(config.KeyReplicaCapabilities, strings.Join(capabilities, " "))
	}
	return nil
}

// Run starts the Expirer and ticks the event loop forever, dispatching
// every readable socket's buffered commands. It blocks until the process is
// asked to stop (there is no graceful-stop path in this subset; the process
// exits via signal).
func (s *Server) Run() error {
	s.expirer = keyspace.NewExpirer(s.ks)
	go s.expirer.Run()
	defer s.expirer.Stop()

	for {
		ready, err := s.loop.Tick()
		if err != nil {
			return fmt.Errorf("server: event loop tick: %w", err)
		}
		for _, sock := range ready {
			s.service(sock)
		}
	}
}

func (s *Server) service(sock *netpoll.Socket) {
	data, err := s.loop.Read(sock)
	if err != nil {
		s.log.WithError(err).WithField("fd", sock.FD).Debug("connection closed")
		s.master.Unregister(sock.FD)
		delete(s.readers, sock.FD)
		delete(s.bufs, sock.FD)
		s.loop.Remove(sock.FD)
		return
	}
	if data == nil {
		return
	}
	s.processBuffered(sock, data)
}

// primeMasterLink feeds bytes the replica handshake already read off the
// master-connector socket (pipelined writes arriving in the same segment as
// the RDB payload) through the normal command-processing path, without
// waiting for the event loop to report the socket readable again.
func (s *Server) primeMasterLink(sock *netpoll.Socket, leftover []byte) {
	if len(leftover) == 0 {
		return
	}
	s.processBuffered(sock, leftover)
}

func (s *Server) processBuffered(sock *netpoll.Socket, data []byte) {
	buf := append(s.bufs[sock.FD], data...)
	r, ok := s.readers[sock.FD]
	if !ok {
		r = resp.NewReader(buf)
		s.readers[sock.FD] = r
	} else {
		r.Reset(buf)
	}

	suppress := sock.Role == netpoll.RoleMasterConnector

	for {
		v, err := r.Next()
		if err != nil {
			if errors.Is(err, resp.ErrIncomplete) {
				break
			}
			// Malformed RESP the reader cannot recover from: reply -ERR if a
			// response channel exists, then close the socket (spec §7).
			if !suppress {
				reply := resp.EncodeSimpleError(fmt.Sprintf("ERR Protocol error: %v", err))
				_ = s.loop.Write(sock, reply)
			}
			s.master.Unregister(sock.FD)
			delete(s.readers, sock.FD)
			delete(s.bufs, sock.FD)
			s.loop.Remove(sock.FD)
			return
		}
		args, err := v.Strings()
		if err != nil {
			s.log.WithError(err).Warn("malformed command array")
			continue
		}

		reply := s.disp.Dispatch(&dispatch.Context{Suppress: suppress, FD: sock.FD}, args)

		if len(args) > 0 && strings.EqualFold(string(args[0]), "PSYNC") && reply != nil {
			if writeErr := s.loop.Write(sock, reply); writeErr != nil {
				s.log.WithError(writeErr).Warn("writing PSYNC reply")
			}
			s.master.RegisterReplica(sock)
			continue
		}

		if reply != nil {
			if writeErr := s.loop.Write(sock, reply); writeErr != nil {
				s.log.WithError(writeErr).Warn("writing reply")
			}
		}
	}

	s.bufs[sock.FD] = buf[r.Cursor():]
}

// ConnectToMaster performs the outbound replica handshake and registers the
// resulting connection with the event loop as a master-connector socket
// (spec §5, §6.2). It is called once at boot when cfg.ReplicaOf is set.
func (s *Server) ConnectToMaster(host string, port int) error {
	result, err := replication.Handshake(host, port, s.cfg.Port)
	if err != nil {
		return err
	}
	if err := netpoll.SwitchToNonblocking(result.FD); err != nil {
		return fmt.Errorf("server: switching master link non-blocking: %w", err)
	}
	sock := s.loop.AddMasterConnector(result.FD)
	s.masterFD = result.FD
	s.cfgStore.Set(config.KeyMasterReplID, result.MasterRepl)
	s.cfgStore.Set(config.KeyMasterReplOffset, fmt.Sprintf("%d", result.Offset))
	s.log.WithFields(logrus.Fields{"host": host, "port": port}).Info("completed replica handshake")
	s.primeMasterLink(sock, result.Leftover)
	return nil
}
