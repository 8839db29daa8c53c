package utils

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSliceToSet(t *testing.T) {
	set := SliceToSet([]uint64{1, 2, 2, 3})
	assert.Len(t, set, 3)
	_, ok := set[2]
	assert.True(t, ok)
}

func TestWorkerPool_RunsAllJobs(t *testing.T) {
	pool := NewWorkerPool(3)
	var done atomic.Int32
	for i := 0; i < 20; i++ {
		pool.Submit(func() { done.Add(1) })
	}
	pool.Shutdown()
	assert.Equal(t, int32(20), done.Load())
}
