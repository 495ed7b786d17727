// Package rdb decodes the subset of the Redis RDB snapshot format this
// server needs to reconstruct a keyspace on startup (C4). It is a decoder
// only: the only RDB bytes this server ever emits on the wire are the
// fixed empty-snapshot payload in EmptyPayload (spec §6.3, §6.4).
package rdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Opcodes, per spec §4.4.
const (
	opAux        = 0xFA
	opSelectDB   = 0xFE
	opResizeDB   = 0xFB
	opExpireSecs = 0xFD
	opExpireMS   = 0xFC
	opEOF        = 0xFF
)

// Value type codes. Only string encoding is in scope.
const (
	typeString = 0x00
)

// Length-encoding modes, selected by the top two bits of the first byte.
const (
	lenMode6Bit    = 0x00
	lenMode14Bit   = 0x01
	lenMode32Bit   = 0x02
	lenModeSpecial = 0x03
)

// Special-integer-string subtypes (lenModeSpecial).
const (
	specialInt8  = 0
	specialInt16 = 1
	specialInt32 = 2
	specialLZF   = 3
)

const magicPrefix = "REDIS"

// Entry is one key restored from an RDB file.
type Entry struct {
	Key        string
	Value      []byte
	DeadlineMs int64 // 0 means no expiry; always absolute per Open Question (a)
}

// ErrNotRDB is returned when the header's magic prefix does not match.
var ErrNotRDB = fmt.Errorf("rdb: missing %q magic prefix", magicPrefix)

// ErrLZFUnsupported is returned when a string is LZF-compressed, which
// this subset explicitly rejects (spec §4.4, Non-goals).
var ErrLZFUnsupported = fmt.Errorf("rdb: LZF-compressed strings are not supported")

// Decoder parses an RDB byte stream with one-byte peek capability.
type Decoder struct {
	r    *bufio.Reader
	peek []byte // 0 or 1 buffered byte from Peek
}

// NewDecoder wraps r for decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode parses a full RDB file: header, metadata, one database section,
// its entries, and the EOF trailer. Partial results are never returned: on
// any error the caller gets (nil, err) and should discard whatever state it
// was about to build.
func (d *Decoder) Decode() ([]Entry, error) {
	if err := d.readHeader(); err != nil {
		return nil, err
	}
	if err := d.readMetadata(); err != nil {
		return nil, err
	}
	return d.readDatabase()
}

func (d *Decoder) readHeader() error {
	magic := make([]byte, 9)
	if _, err := io.ReadFull(d.r, magic); err != nil {
		return fmt.Errorf("rdb: reading header: %w", err)
	}
	if string(magic[:5]) != magicPrefix {
		return ErrNotRDB
	}
	return nil
}

// readMetadata consumes 0xFA <key> <value> records until the next byte is
// not 0xFA.
func (d *Decoder) readMetadata() error {
	for {
		b, err := d.peekByte()
		if err != nil {
			return fmt.Errorf("rdb: reading metadata: %w", err)
		}
		if b != opAux {
			return nil
		}
		d.readByte() // consume 0xFA
		if _, err := d.readLengthEncodedString(); err != nil {
			return fmt.Errorf("rdb: reading aux key: %w", err)
		}
		if _, err := d.readLengthEncodedString(); err != nil {
			return fmt.Errorf("rdb: reading aux value: %w", err)
		}
	}
}

func (d *Decoder) readDatabase() ([]Entry, error) {
	b, err := d.readByte()
	if err != nil {
		return nil, fmt.Errorf("rdb: expected database selector: %w", err)
	}
	if b != opSelectDB {
		return nil, fmt.Errorf("rdb: expected 0xFE database selector, got 0x%02X", b)
	}
	if _, err := d.readSizeEncoded(); err != nil {
		return nil, fmt.Errorf("rdb: reading database index: %w", err)
	}

	b, err = d.readByte()
	if err != nil {
		return nil, fmt.Errorf("rdb: expected resize-db opcode: %w", err)
	}
	if b != opResizeDB {
		return nil, fmt.Errorf("rdb: expected 0xFB resize-db opcode, got 0x%02X", b)
	}
	total, err := d.readSizeEncoded()
	if err != nil {
		return nil, fmt.Errorf("rdb: reading hash table size: %w", err)
	}
	if _, err := d.readSizeEncoded(); err != nil { // with-expiry count, informational only
		return nil, fmt.Errorf("rdb: reading with-expiry hash table size: %w", err)
	}

	entries := make([]Entry, 0, total)
	for i := uint64(0); i < total; i++ {
		entry, err := d.readEntry()
		if err != nil {
			return nil, fmt.Errorf("rdb: reading entry %d: %w", i, err)
		}
		entries = append(entries, entry)
	}

	b, err = d.readByte()
	if err != nil {
		return nil, fmt.Errorf("rdb: expected EOF opcode: %w", err)
	}
	if b != opEOF {
		return nil, fmt.Errorf("rdb: expected 0xFF EOF opcode, got 0x%02X", b)
	}
	return entries, nil
}

func (d *Decoder) readEntry() (Entry, error) {
	var deadlineMs int64

	b, err := d.readByte()
	if err != nil {
		return Entry{}, err
	}

	switch b {
	case opExpireMS:
		var ms uint64
		if err := binary.Read(d.r, binary.LittleEndian, &ms); err != nil {
			return Entry{}, fmt.Errorf("reading ms expiry: %w", err)
		}
		deadlineMs = int64(ms)
		b, err = d.readByte()
		if err != nil {
			return Entry{}, err
		}
	case opExpireSecs:
		var secs uint32
		if err := binary.Read(d.r, binary.LittleEndian, &secs); err != nil {
			return Entry{}, fmt.Errorf("reading secs expiry: %w", err)
		}
		deadlineMs = int64(secs) * 1000
		b, err = d.readByte()
		if err != nil {
			return Entry{}, err
		}
	}

	if b != typeString {
		return Entry{}, fmt.Errorf("unsupported value type byte 0x%02X", b)
	}

	key, err := d.readLengthEncodedString()
	if err != nil {
		return Entry{}, fmt.Errorf("reading key: %w", err)
	}
	value, err := d.readLengthEncodedString()
	if err != nil {
		return Entry{}, fmt.Errorf("reading value: %w", err)
	}

	return Entry{Key: string(key), Value: value, DeadlineMs: deadlineMs}, nil
}

// readLengthEncodedString reads either a normal length-prefixed string or,
// for the special-integer-string mode, stringifies an embedded integer.
func (d *Decoder) readLengthEncodedString() ([]byte, error) {
	first, err := d.peekByte()
	if err != nil {
		return nil, err
	}
	mode := (first & 0xC0) >> 6

	if mode != lenModeSpecial {
		n, err := d.readSizeEncoded()
		if err != nil {
			return nil, err
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(d.r, buf); err != nil {
			return nil, fmt.Errorf("reading %d string bytes: %w", n, err)
		}
		return buf, nil
	}

	d.readByte() // consume the tag byte
	subtype := first & 0x3F
	switch subtype {
	case specialInt8:
		v, err := d.readByte()
		if err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf("%d", int8(v))), nil
	case specialInt16:
		var v uint16
		if err := binary.Read(d.r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf("%d", int16(v))), nil
	case specialInt32:
		var v uint32
		if err := binary.Read(d.r, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		return []byte(fmt.Sprintf("%d", int32(v))), nil
	case specialLZF:
		return nil, ErrLZFUnsupported
	default:
		return nil, fmt.Errorf("rdb: unknown special string subtype %d", subtype)
	}
}

// readSizeEncoded reads a length per the three non-string length-encoding
// modes (6-bit / 14-bit / 32-bit big-endian).
func (d *Decoder) readSizeEncoded() (uint64, error) {
	first, err := d.readByte()
	if err != nil {
		return 0, err
	}
	mode := (first & 0xC0) >> 6

	switch mode {
	case lenMode6Bit:
		return uint64(first & 0x3F), nil
	case lenMode14Bit:
		second, err := d.readByte()
		if err != nil {
			return 0, err
		}
		return uint64(first&0x3F)<<8 | uint64(second), nil
	case lenMode32Bit:
		var v uint32
		if err := binary.Read(d.r, binary.BigEndian, &v); err != nil {
			return 0, err
		}
		return uint64(v), nil
	default:
		return 0, fmt.Errorf("rdb: length-encoded string where a size was expected")
	}
}

func (d *Decoder) readByte() (byte, error) {
	if len(d.peek) > 0 {
		b := d.peek[0]
		d.peek = nil
		return b, nil
	}
	return d.r.ReadByte()
}

func (d *Decoder) peekByte() (byte, error) {
	if len(d.peek) > 0 {
		return d.peek[0], nil
	}
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, err
	}
	d.peek = []byte{b}
	return b, nil
}
