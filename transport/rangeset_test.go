package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRangeSetAddMerges(t *testing.T) {
	var s rangeSet
	s.add(10, 20)
	s.add(30, 40)
	s.add(0, 5)
	require.Equal(t, rangeSet{{0, 5}, {10, 20}, {30, 40}}, s)

	s.add(20, 30)
	require.Equal(t, rangeSet{{0, 5}, {10, 40}}, s)

	s.add(3, 12)
	require.Equal(t, rangeSet{{0, 40}}, s)

	s.add(50, 50)
	require.Equal(t, rangeSet{{0, 40}}, s)
}

func TestRangeSetRemoveSplits(t *testing.T) {
	var s rangeSet
	s.add(0, 100)
	s.remove(10, 20)
	require.Equal(t, rangeSet{{0, 10}, {20, 100}}, s)
	require.True(t, s.contains(9))
	require.False(t, s.contains(10))
	require.True(t, s.contains(20))
	require.False(t, s.contains(100))

	s.trimBelow(50)
	require.Equal(t, rangeSet{{50, 100}}, s)

	largest, ok := s.largest()
	require.True(t, ok)
	require.EqualValues(t, 99, largest)
}

func TestRangeSetPopFirst(t *testing.T) {
	var s rangeSet
	s.add(0, 10)
	s.add(20, 25)

	r, ok := s.popFirst(4)
	require.True(t, ok)
	require.Equal(t, span{0, 4}, r)

	r, ok = s.popFirst(100)
	require.True(t, ok)
	require.Equal(t, span{4, 10}, r)

	r, ok = s.popFirst(100)
	require.True(t, ok)
	require.Equal(t, span{20, 25}, r)

	_, ok = s.popFirst(100)
	require.False(t, ok)
}
