package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueEmpty(t *testing.T) {
	q := New[int](4)
	require.Zero(t, q.Len())

	v, ok := q.Dequeue()
	require.False(t, ok)
	require.Zero(t, v)
}

func TestQueueFIFOWithinSegment(t *testing.T) {
	q := New[int](8)
	for i := 0; i < 5; i++ {
		q.Enqueue(i)
	}
	require.Equal(t, 5, q.Len())

	for i := 0; i < 5; i++ {
		v, ok := q.Dequeue()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	require.Zero(t, q.Len())
}

func TestQueueGrowsAcrossSegments(t *testing.T) {
	const segSize = 4
	q := New[int](segSize)

	for i := 0; i < segSize*3+1; i++ {
		q.Enqueue(i)
	}
	require.Equal(t, segSize*3+1, q.Len())

	for i := 0; i < segSize*3+1; i++ {
		v, ok := q.Dequeue()
		require.True(t, ok)
		require.Equal(t, i, v)
	}

	_, ok := q.Dequeue()
	require.False(t, ok)
}

func TestQueueSegmentReuse(t *testing.T) {
	const segSize = 4
	q := New[int](segSize)

	// interleave enqueues and dequeues so segments drain and refill
	next := 0
	expect := 0
	for round := 0; round < 10; round++ {
		for i := 0; i < 3; i++ {
			q.Enqueue(next)
			next++
		}
		for i := 0; i < 2; i++ {
			v, ok := q.Dequeue()
			require.True(t, ok)
			require.Equal(t, expect, v)
			expect++
		}
	}

	for q.Len() > 0 {
		v, ok := q.Dequeue()
		require.True(t, ok)
		require.Equal(t, expect, v)
		expect++
	}
	require.Equal(t, next, expect)
}
