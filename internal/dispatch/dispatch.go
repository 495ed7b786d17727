// Package dispatch implements the command dispatcher (C6): it turns a
// decoded RESP array into a reply by executing against the keyspace and
// config store, following the map[string]func registration style the
// teacher's internal/handler package uses, generalized to the in-scope
// command subset (spec §3).
package dispatch

import (
	"fmt"
	"strconv"
	"strings"

	"redisd/internal/config"
	"redisd/internal/keyspace"
	"redisd/internal/rdb"
	"redisd/internal/resp"
)

// Context carries the per-connection facts a handler needs beyond the
// command arguments: whether the reply is suppressed (commands applied from
// the master's replication stream are never acknowledged, spec §7) and the
// fd of the socket the command arrived on, needed by REPLCONF to record
// which replica advertised what.
type Context struct {
	Suppress bool // true when this command came from the master link
	FD       int
}

// Fanout is called after a write command is applied locally, with the raw
// command bytes to propagate to every connected replica (spec §7's
// apply-then-fanout ordering note: writes are applied locally first, then
// forwarded).
type Fanout func(args [][]byte)

// Dispatcher executes commands against a Keyspace and a Store.
type Dispatcher struct {
	ks       *keyspace.Keyspace
	cfg      *config.Store
	fanout   Fanout
	onPSYNC  func() (replID string, offset int64, payload []byte)
	onREPL   func(ctx *Context, args [][]byte) []byte
	commands map[string]func(*Dispatcher, *Context, [][]byte) []byte
}

// New builds a Dispatcher. onPSYNC supplies the FULLRESYNC header fields and
// RDB payload; onREPLCONF handles REPLCONF sub-commands that need access to
// replica bookkeeping outside this package (registering listening-port,
// capa, GETACK). Both may be nil, in which case PSYNC/REPLCONF fall back to
// the stateless defaults appropriate for a command that never runs in this
// role.
func New(ks *keyspace.Keyspace, cfg *config.Store, fanout Fanout, onPSYNC func() (string, int64, []byte), onREPLCONF func(ctx *Context, args [][]byte) []byte) *Dispatcher {
	d := &Dispatcher{ks: ks, cfg: cfg, fanout: fanout, onPSYNC: onPSYNC, onREPL: onREPLCONF}
	d.commands = map[string]func(*Dispatcher, *Context, [][]byte) []byte{
		"PING":     (*Dispatcher).cmdPing,
		"ECHO":     (*Dispatcher).cmdEcho,
		"GET":      (*Dispatcher).cmdGet,
		"SET":      (*Dispatcher).cmdSet,
		"KEYS":     (*Dispatcher).cmdKeys,
		"CONFIG":   (*Dispatcher).cmdConfig,
		"INFO":     (*Dispatcher).cmdInfo,
		"REPLCONF": (*Dispatcher).cmdReplconf,
		"PSYNC":    (*Dispatcher).cmdPsync,
	}
	return d
}

// IsWrite reports whether name mutates the keyspace and therefore must be
// fanned out to replicas after being applied (spec §7).
func IsWrite(name string) bool {
	return strings.ToUpper(name) == "SET"
}

// Dispatch executes one command (args[0] is the command name) and returns
// its encoded RESP2 reply, or nil if the caller must not write a reply at
// all (a suppressed command from the master link, spec §7).
func (d *Dispatcher) Dispatch(ctx *Context, args [][]byte) []byte {
	if len(args) == 0 {
		return resp.EncodeSimpleError("ERR empty command")
	}
	name := strings.ToUpper(string(args[0]))
	fn, ok := d.commands[name]
	if !ok {
		reply := resp.EncodeSimpleError(fmt.Sprintf("ERR unknown command '%s'", args[0]))
		if ctx.Suppress {
			return nil
		}
		return reply
	}

	reply := fn(d, ctx, args)

	if IsWrite(name) && d.fanout != nil && reply[0] != '-' {
		d.fanout(args)
	}

	if ctx.Suppress {
		return nil
	}
	return reply
}

func (d *Dispatcher) cmdPing(_ *Context, args [][]byte) []byte {
	if len(args) > 1 {
		return resp.EncodeBulkString(args[1])
	}
	return resp.EncodeSimpleString("PONG")
}

func (d *Dispatcher) cmdEcho(_ *Context, args [][]byte) []byte {
	if len(args) < 2 {
		return resp.EncodeSimpleError("ERR wrong number of arguments for 'echo' command")
	}
	return resp.EncodeBulkString(args[1])
}

func (d *Dispatcher) cmdGet(_ *Context, args [][]byte) []byte {
	if len(args) < 2 {
		return resp.EncodeSimpleError("ERR wrong number of arguments for 'get' command")
	}
	v, ok := d.ks.Get(string(args[1]))
	if !ok {
		return resp.EncodeNullBulkString()
	}
	return resp.EncodeBulkString(v)
}

// cmdSet implements SET key value [PX milliseconds], per spec §3. Any other
// option is rejected rather than silently ignored.
func (d *Dispatcher) cmdSet(_ *Context, args [][]byte) []byte {
	if len(args) < 3 {
		return resp.EncodeSimpleError("ERR wrong number of arguments for 'set' command")
	}
	key, value := string(args[1]), args[2]

	var ttlMs int64 = -1
	for i := 3; i < len(args); i++ {
		opt := strings.ToUpper(string(args[i]))
		switch opt {
		case "PX":
			if i+1 >= len(args) {
				return resp.EncodeSimpleError("ERR syntax error")
			}
			ms, err := strconv.ParseInt(string(args[i+1]), 10, 64)
			if err != nil || ms <= 0 {
				return resp.EncodeSimpleError("ERR value is not an integer or out of range")
			}
			ttlMs = ms
			i++
		default:
			return resp.EncodeSimpleError("ERR syntax error")
		}
	}

	d.ks.SetRelative(key, value, ttlMs)
	return resp.EncodeSimpleString("OK")
}

func (d *Dispatcher) cmdKeys(_ *Context, args [][]byte) []byte {
	if len(args) < 2 {
		return resp.EncodeSimpleError("ERR wrong number of arguments for 'keys' command")
	}
	keys := d.ks.Keys(string(args[1]))
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = []byte(k)
	}
	return resp.EncodeArray(out)
}

func (d *Dispatcher) cmdConfig(_ *Context, args [][]byte) []byte {
	if len(args) < 2 {
		return resp.EncodeSimpleError("ERR wrong number of arguments for 'config' command")
	}
	switch strings.ToUpper(string(args[1])) {
	case "GET":
		if len(args) < 3 {
			return resp.EncodeSimpleError("ERR wrong number of arguments for 'config|get' command")
		}
		key := strings.ToLower(string(args[2]))
		v, ok := d.cfg.Get(key)
		if !ok {
			return resp.EncodeNullBulkString()
		}
		return resp.EncodeArray([][]byte{[]byte(key), []byte(v)})
	default:
		return resp.EncodeSimpleError("ERR unsupported CONFIG subcommand")
	}
}

func (d *Dispatcher) cmdInfo(_ *Context, _ [][]byte) []byte {
	role, _ := d.cfg.Get(config.KeyRole)
	if role == "" {
		role = config.RoleMaster
	}
	replID, _ := d.cfg.Get(config.KeyMasterReplID)
	replOffset, _ := d.cfg.Get(config.KeyMasterReplOffset)
	body := fmt.Sprintf("# Replication\r\nrole:%s\r\nmaster_replid:%s\r\nmaster_repl_offset:%s\r\n",
		role, replID, replOffset)
	return resp.EncodeBulkString([]byte(body))
}

// cmdReplconf handles REPLCONF listening-port / capa / GETACK. Every form
// is passed to onREPLCONF when set; a non-nil reply from it is returned
// as is, and otherwise (or with no callback) the reply is +OK (spec §5).
func (d *Dispatcher) cmdReplconf(ctx *Context, args [][]byte) []byte {
	if len(args) < 2 {
		return resp.EncodeSimpleError("ERR wrong number of arguments for 'replconf' command")
	}
	if d.onREPL != nil {
		if reply := d.onREPL(ctx, args); reply != nil {
			return reply
		}
	}
	return resp.EncodeSimpleString("OK")
}

// cmdPsync handles PSYNC ? -1: a master replies FULLRESYNC <replid>
// <offset>, then the fixed empty-RDB payload framed as a bulk string with
// no trailing CRLF (spec §6.3), and the caller (server wiring) promotes the
// socket to a replica once this reply has been written.
func (d *Dispatcher) cmdPsync(_ *Context, _ [][]byte) []byte {
	if d.onPSYNC == nil {
		return resp.EncodeSimpleError("ERR PSYNC is only supported against a master")
	}
	replID, offset, payload := d.onPSYNC()
	header := resp.EncodeSimpleString(fmt.Sprintf("FULLRESYNC %s %d", replID, offset))
	framing := []byte(fmt.Sprintf("$%d\r\n", len(payload)))
	out := make([]byte, 0, len(header)+len(framing)+len(payload))
	out = append(out, header...)
	out = append(out, framing...)
	out = append(out, payload...)
	return out
}

// EmptyRDBPayload re-exports rdb.EmptyPayload for callers wiring onPSYNC
// without importing internal/rdb directly.
var EmptyRDBPayload = rdb.EmptyPayload
