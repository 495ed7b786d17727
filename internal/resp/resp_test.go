package resp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripBulkString(t *testing.T) {
	encoded := EncodeBulkString([]byte("bar"))
	r := NewReader(encoded)
	v, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, BulkString, v.Kind)
	require.Equal(t, "bar", string(v.Str))
	require.True(t, r.Exhausted())
}

func TestRoundTripArrayOfBulkStrings(t *testing.T) {
	encoded := EncodeArray([][]byte{[]byte("SET"), []byte("foo"), []byte("bar")})
	r := NewReader(encoded)
	v, err := r.Next()
	require.NoError(t, err)
	argv, err := v.Strings()
	require.NoError(t, err)
	require.Equal(t, []string{"SET", "foo", "bar"}, toStrings(argv))
}

func TestFramingConcatenatedValues(t *testing.T) {
	buf := append(EncodeSimpleString("PONG"), EncodeInteger(42)...)
	buf = append(buf, EncodeBulkString([]byte("hi"))...)

	r := NewReader(buf)
	var kinds []Kind
	for !r.Exhausted() {
		v, err := r.Next()
		require.NoError(t, err)
		kinds = append(kinds, v.Kind)
	}
	require.Equal(t, []Kind{SimpleString, Integer, BulkString}, kinds)
	require.True(t, r.Exhausted())
}

func TestNullBulkStringSemantics(t *testing.T) {
	require.Equal(t, []byte("$-1\r\n"), EncodeNullBulkString())

	r := NewReader([]byte("$-1\r\n"))
	v, err := r.Next()
	require.NoError(t, err)
	require.True(t, v.IsNullBulk())
}

func TestIncompleteFrameDoesNotAdvanceCursor(t *testing.T) {
	r := NewReader([]byte("$5\r\nhel"))
	_, err := r.Next()
	require.ErrorIs(t, err, ErrIncomplete)
	require.Equal(t, 0, r.Cursor())

	r.Reset(append(r.buf, []byte("lo\r\n")...))
	v, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "hello", string(v.Str))
}

func TestParseErrorPoisonsReader(t *testing.T) {
	r := NewReader([]byte("$abc\r\n"))
	_, err := r.Next()
	require.ErrorIs(t, err, ErrParse)

	_, err = r.Next()
	require.ErrorIs(t, err, ErrParse)
}

func TestUnsupportedTypeByte(t *testing.T) {
	r := NewReader([]byte("!oops\r\n"))
	_, err := r.Next()
	require.ErrorIs(t, err, ErrUnsupportedType)
}

func toStrings(bs [][]byte) []string {
	out := make([]string, len(bs))
	for i, b := range bs {
		out[i] = string(b)
	}
	return out
}
