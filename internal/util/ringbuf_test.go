package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[string](3)

	_, ok := r.Last()
	assert.False(t, ok)

	for _, s := range []string{"a", "b", "c", "d"} {
		r.Push(s)
	}

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"b", "c", "d"}, r.Snapshot())
	assert.False(t, r.Contains("a"))
	assert.True(t, r.Contains("c"))

	last, ok := r.Last()
	assert.True(t, ok)
	assert.Equal(t, "d", last)
}

func TestRingBufferMinimumCapacity(t *testing.T) {
	r := NewRingBuffer[int](0)
	r.Push(1)
	r.Push(2)
	assert.Equal(t, []int{2}, r.Snapshot())
}
