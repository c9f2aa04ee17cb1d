package pipeline

import (
	"context"
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-stillcam/pkg/emitter"
	"github.com/teslashibe/go-stillcam/pkg/gate"
	"github.com/teslashibe/go-stillcam/pkg/source"
)

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.SampleInterval = 10 * time.Millisecond
	cfg.Gate = gate.Config{Threshold: 17562, SettleDelay: 100 * time.Millisecond}
	return cfg
}

func TestRun_CapturesOnceAfterMotion(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time test")
	}

	var frames []image.Image
	frames = append(frames, repeat(still, 3)...)
	frames = append(frames, alternating(6)...)
	frames = append(frames, still)
	src := source.NewSequence(frames...)

	sink := &collectSink{}
	em := emitter.New(src, sink, emitter.WithLogger(quiet))
	rec := &recorder{}
	p, err := New(fastConfig(), src, em, WithLogger(quiet), WithObserver(rec))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		return p.Status().Captures == 1
	}, 2*time.Second, 5*time.Millisecond)

	// the scene stays still, nothing else should fire
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, uint64(1), p.Status().Captures)
	assert.Equal(t, "idle", p.Status().State)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 1, sink.count())
}

func TestRun_ToggleAndAlreadyRunning(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time test")
	}

	src := &source.Sequence{Loop: true}
	src.Append(still)
	em := emitter.New(src, &collectSink{}, emitter.WithLogger(quiet))
	p, err := New(fastConfig(), src, em, WithLogger(quiet))
	require.NoError(t, err)
	assert.True(t, p.Status().Running)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool { return p.Status().Cycles > 3 }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, p.Run(ctx), ErrAlreadyRunning)

	require.NoError(t, p.Toggle())
	require.Eventually(t, func() bool { return !p.Status().Running }, time.Second, 5*time.Millisecond)

	// no sampling while stopped
	cycles := p.Status().Cycles
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, cycles, p.Status().Cycles)

	require.NoError(t, p.Toggle())
	require.Eventually(t, func() bool { return p.Status().Cycles > cycles }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, int(p.Status().Captures))
}

func TestRun_StartPaused(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time test")
	}

	cfg := fastConfig()
	cfg.StartPaused = true
	src := source.Still{Image: still}
	p, err := New(cfg, src, emitter.New(src, &collectSink{}, emitter.WithLogger(quiet)), WithLogger(quiet))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, p.Status().Cycles)

	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return p.Status().Cycles > 0 }, time.Second, 5*time.Millisecond)
}
