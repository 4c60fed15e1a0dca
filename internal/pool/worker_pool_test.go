package pool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWorkerPool_RunsAllTasks(t *testing.T) {
	p := NewWorkerPool(3, 10, nil)
	p.Start(context.Background())

	var done atomic.Int32
	var running, peak atomic.Int32
	for i := 0; i < 10; i++ {
		p.Submit(func() {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			done.Add(1)
			running.Add(-1)
		})
	}
	p.Stop()

	assert.Equal(t, int32(10), done.Load())
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestWorkerPool_RecoversPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	p := NewWorkerPool(1, 2, zap.New(core))
	p.Start(context.Background())

	var after atomic.Bool
	p.Submit(func() { panic("boom") })
	p.Submit(func() { after.Store(true) })
	p.Stop()

	assert.True(t, after.Load())
	assert.Equal(t, 1, logs.FilterMessage("worker task panicked").Len())
}

func TestWorkerPool_TrySubmitFull(t *testing.T) {
	p := NewWorkerPool(1, 1, nil)
	assert.True(t, p.TrySubmit(func() {}))
	assert.False(t, p.TrySubmit(func() {}))
	p.Start(context.Background())
	p.Stop()
}
