package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetSetRoundTrip(t *testing.T) {
	s := New()
	s.Set(KeyDir, "/data")
	v, ok := s.Get(KeyDir)
	require.True(t, ok)
	require.Equal(t, "/data", v)
}

func TestGetAbsentKey(t *testing.T) {
	s := New()
	_, ok := s.Get(KeyDBFilename)
	require.False(t, ok)
}

func TestAllReturnsSnapshot(t *testing.T) {
	s := New()
	s.Set(KeyRole, RoleMaster)
	s.Set(KeyDir, "/data")

	snap := s.All()
	require.Equal(t, RoleMaster, snap[KeyRole])
	require.Equal(t, "/data", snap[KeyDir])

	snap[KeyRole] = "mutated"
	v, _ := s.Get(KeyRole)
	require.Equal(t, RoleMaster, v, "mutating the snapshot must not affect the store")
}
