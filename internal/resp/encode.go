package resp

import "strconv"

// EncodeSimpleString serializes s as a RESP simple string. The caller
// guarantees s contains no CR or LF.
func EncodeSimpleString(s string) []byte {
	return concat([]byte{'+'}, []byte(s), crlf)
}

// EncodeSimpleError serializes s as a RESP simple error.
func EncodeSimpleError(s string) []byte {
	return concat([]byte{'-'}, []byte(s), crlf)
}

// EncodeInteger serializes n as a RESP integer.
func EncodeInteger(n int64) []byte {
	return concat([]byte{':'}, []byte(strconv.FormatInt(n, 10)), crlf)
}

// EncodeBulkString serializes b as a binary-safe RESP bulk string.
func EncodeBulkString(b []byte) []byte {
	header := append([]byte{'$'}, []byte(strconv.Itoa(len(b)))...)
	return concat(header, crlf, b, crlf)
}

// EncodeNullBulkString is the single wire representation of "no value".
func EncodeNullBulkString() []byte {
	return []byte("$-1\r\n")
}

// EncodeArray serializes items as a RESP array of bulk strings.
func EncodeArray(items [][]byte) []byte {
	out := append([]byte{'*'}, []byte(strconv.Itoa(len(items)))...)
	out = append(out, crlf...)
	for _, item := range items {
		out = append(out, EncodeBulkString(item)...)
	}
	return out
}

var crlf = []byte("\r\n")

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
