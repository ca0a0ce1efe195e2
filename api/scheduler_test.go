package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fakeEmitter struct {
	mu      sync.Mutex
	calls   int
	windows []time.Duration
	n       int
	err     error
}

func (f *fakeEmitter) EmitDueSoon(_ context.Context, window time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.windows = append(f.windows, window)
	return f.n, f.err
}

func (f *fakeEmitter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestDueSoonScheduler_RunNow(t *testing.T) {
	emitter := &fakeEmitter{n: 3}
	s := NewDueSoonScheduler(emitter, zerolog.Nop())
	s.Window = 48 * time.Hour

	assert.Equal(t, 3, s.RunNow(context.Background()))
	assert.Equal(t, []time.Duration{48 * time.Hour}, emitter.windows)

	emitter.err = errors.New("store down")
	assert.Equal(t, 0, s.RunNow(context.Background()), "a failed sweep reports nothing emitted")
}

func TestDueSoonScheduler_StartSweepsImmediately(t *testing.T) {
	// GIVEN: A scheduler with a long interval
	emitter := &fakeEmitter{}
	s := NewDueSoonScheduler(emitter, zerolog.Nop())
	s.CheckInterval = time.Hour

	// WHEN: It is started
	s.Start()
	s.Start()
	defer s.Stop()

	// THEN: One sweep runs right away, not one per Start call
	assert.Eventually(t, func() bool { return emitter.Calls() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, emitter.Calls())
}

func TestDueSoonScheduler_Disabled(t *testing.T) {
	emitter := &fakeEmitter{}
	s := NewDueSoonScheduler(emitter, zerolog.Nop())
	s.Enabled = false

	s.Start()
	s.Stop()

	assert.Equal(t, 0, emitter.Calls())
}
