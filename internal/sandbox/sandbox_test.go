package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSandboxDefaults(t *testing.T) {
	s := New()
	assert.Equal(t, StateInitializing, s.State())
	assert.True(t, s.IsPreemptable())
	assert.NotEqual(t, s.ID.String(), "")
}

func TestSetStateAndPreemptable(t *testing.T) {
	s := New()
	s.SetState(StateRunning)
	assert.Equal(t, StateRunning, s.State())

	s.SetPreemptable(false)
	assert.False(t, s.IsPreemptable())
}

func TestRunQueueFIFOOrder(t *testing.T) {
	q := NewRunQueue(4)
	a, b, c := New(), New(), New()

	require.True(t, q.Push(a))
	require.True(t, q.Push(b))
	require.True(t, q.Push(c))
	assert.EqualValues(t, 3, q.Len())

	assert.Same(t, a, q.Pop())
	assert.Same(t, b, q.Pop())
	assert.Same(t, c, q.Pop())
	assert.Nil(t, q.Pop())
}

func TestRunQueueRejectsWhenFull(t *testing.T) {
	q := NewRunQueue(2) // one usable slot: full when next == head
	require.True(t, q.Push(New()))
	assert.False(t, q.Push(New()))
}

func TestNewRunQueuePanicsOnNonPowerOfTwo(t *testing.T) {
	assert.Panics(t, func() { NewRunQueue(3) })
	assert.Panics(t, func() { NewRunQueue(0) })
}

func TestRunQueuePeekDoesNotConsume(t *testing.T) {
	q := NewRunQueue(4)
	a, b := New(), New()
	require.True(t, q.Push(a))
	require.True(t, q.Push(b))

	assert.Same(t, a, q.Peek())
	assert.Same(t, a, q.Peek()) // repeated Peek is idempotent
	assert.EqualValues(t, 2, q.Len())

	assert.Same(t, a, q.Pop())
	assert.Same(t, b, q.Peek())
}

func TestRunQueuePeekEmpty(t *testing.T) {
	q := NewRunQueue(4)
	assert.Nil(t, q.Peek())
}
