package handler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHistoryRing_SnapshotOrdersOldestFirst(t *testing.T) {
	ring := NewHistoryRing(0, 0)
	ring.Add("stdout", []byte("a"))
	ring.Add("stderr", []byte("b"))
	ring.Add("stdout", []byte("c"))

	snap := ring.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, "stdout", snap[0].Stream)
	require.Equal(t, "stderr", snap[1].Stream)
	require.Equal(t, "stdout", snap[2].Stream)
}

func TestHistoryRing_EvictsOldestOnceLineCapExceeded(t *testing.T) {
	ring := NewHistoryRing(0, 2)
	ring.Add("stdout", []byte("first"))
	ring.Add("stdout", []byte("second"))
	ring.Add("stdout", []byte("third"))

	snap := ring.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, encode([]byte("second")), snap[0].Data)
	require.Equal(t, encode([]byte("third")), snap[1].Data)
}

func TestHistoryRing_EvictsFromLargerStreamOnceByteCapExceeded(t *testing.T) {
	ring := NewHistoryRing(10, 0)
	ring.Add("stdout", []byte("0123456789")) // 10 bytes, at cap
	ring.Add("stderr", []byte("x"))          // pushes the combined total over the cap

	snap := ring.Snapshot()
	// stdout (the larger stream) should have been evicted first, leaving
	// only the stderr line.
	require.Len(t, snap, 1)
	require.Equal(t, "stderr", snap[0].Stream)
}
