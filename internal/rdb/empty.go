package rdb

import "encoding/hex"

// emptyPayloadHex is the fixed empty-RDB byte sequence a master emits as
// the snapshot body during FULLRESYNC (spec §6.3). This project never
// writes a real snapshot to disk or wire; this constant is the only RDB
// content it ever produces.
const emptyPayloadHex = "524544495330303131fa0972656469732d76657205372e322e30" +
	"fa0a72656469732d62697473c040fa056374696d65c26d08bc65" +
	"fa08757365642d6d656dc2b0c41000fa08616f662d62617365c000" +
	"fff06e3bfec0ff5aa2"

// EmptyPayload is the decoded fixed empty-RDB byte sequence. Its length is
// always 88 bytes, matching the $88 bulk-string length the spec's FULLRESYNC
// framing example uses.
var EmptyPayload = mustHex(emptyPayloadHex)

func mustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic("rdb: invalid empty payload hex literal: " + err.Error())
	}
	return b
}
