package cerberus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestDispatcher_DropsWhenQueueFull(t *testing.T) {
	d := newDispatcher(1, 1)
	var ran atomic.Int32
	job := func(context.Context) error { ran.Add(1); return nil }

	assert.True(t, d.dispatch("first", "", job))
	assert.False(t, d.dispatch("second", "", job))
	assert.Equal(t, 1, d.pending())

	d.stop()
	assert.Equal(t, int32(1), ran.Load())
	assert.False(t, d.dispatch("after-stop", "", job))
}

func TestDispatcher_WorkersRunJobs(t *testing.T) {
	d := newDispatcher(2, 16)
	d.start()
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		d.dispatch("job", "", func(context.Context) error { ran.Add(1); return nil })
	}
	assert.Eventually(t, func() bool { return ran.Load() == 10 }, time.Second, 5*time.Millisecond)
	d.stop()
}

func TestDispatcher_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	d := newDispatcher(1, 16)
	var calls atomic.Int32
	failing := func(context.Context) error { calls.Add(1); return errors.New("store down") }
	for i := 0; i < 8; i++ {
		d.dispatch("upsert_block", "203.0.113.1", failing)
	}
	d.stop()

	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, gobreaker.StateOpen, d.breaker.State())
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	d := newDispatcher(1, 4)
	var after atomic.Bool
	d.dispatch("panicky", "", func(context.Context) error { panic("nil store") })
	d.dispatch("next", "", func(context.Context) error { after.Store(true); return nil })
	assert.NotPanics(t, d.stop)
	assert.True(t, after.Load())
}
