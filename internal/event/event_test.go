package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddIsIdempotentPerToken(t *testing.T) {
	ev := New[int]()
	token := NewToken()
	var first, second atomic.Int32

	require.True(t, ev.Add(token, func(context.Context, int) error { first.Add(1); return nil }))
	require.False(t, ev.Add(token, func(context.Context, int) error { second.Add(1); return nil }))
	require.Equal(t, 1, ev.Len())

	require.NoError(t, ev.Emit(context.Background(), 7))
	require.Equal(t, int32(1), first.Load())
	require.Equal(t, int32(0), second.Load())
}

func TestAddRejectsNilHandler(t *testing.T) {
	ev := New[int]()
	require.False(t, ev.Add(NewToken(), nil))
	require.True(t, ev.IsEmpty())
}

func TestRemove(t *testing.T) {
	ev := New[string]()
	a, b := NewToken(), NewToken()
	require.NotEqual(t, a, b)

	var gotA, gotB atomic.Int32
	ev.Add(a, func(context.Context, string) error { gotA.Add(1); return nil })
	ev.Add(b, func(context.Context, string) error { gotB.Add(1); return nil })

	require.True(t, ev.Remove(a))
	require.False(t, ev.Remove(a))
	require.NoError(t, ev.Emit(context.Background(), "x"))
	require.Equal(t, int32(0), gotA.Load())
	require.Equal(t, int32(1), gotB.Load())

	require.True(t, ev.Remove(b))
	require.True(t, ev.IsEmpty())
}

func TestEmitWithoutHandlers(t *testing.T) {
	require.NoError(t, New[int]().Emit(context.Background(), 1))
}

func TestEmitDeliversSamePayloadToAll(t *testing.T) {
	ev := New[int]()
	var mu sync.Mutex
	var got []int
	for i := 0; i < 5; i++ {
		ev.Add(NewToken(), func(_ context.Context, v int) error {
			mu.Lock()
			got = append(got, v)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, ev.Emit(context.Background(), 42))
	require.Equal(t, []int{42, 42, 42, 42, 42}, got)
}

func TestEmitRunsHandlersConcurrently(t *testing.T) {
	ev := New[int]()
	const n = 3
	var arrived sync.WaitGroup
	arrived.Add(n)
	release := make(chan struct{})
	for i := 0; i < n; i++ {
		ev.Add(NewToken(), func(context.Context, int) error {
			arrived.Done()
			<-release
			return nil
		})
	}

	done := make(chan error, 1)
	go func() { done <- ev.Emit(context.Background(), 1) }()

	// every handler must be running at once before any is released
	arrived.Wait()
	close(release)
	require.NoError(t, <-done)
}

func TestEmitIsolatesFailures(t *testing.T) {
	ev := New[int]()
	boom := errors.New("boom")
	var ok atomic.Int32
	bad := NewToken()
	ev.Add(bad, func(context.Context, int) error { return boom })
	ev.Add(NewToken(), func(context.Context, int) error { panic("kaput") })
	ev.Add(NewToken(), func(context.Context, int) error { ok.Add(1); return nil })

	err := ev.Emit(context.Background(), 1)
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
	require.Equal(t, int32(1), ok.Load())

	var emitErr *EmitError
	require.ErrorAs(t, err, &emitErr)
	require.Len(t, emitErr.Errors, 2)
	require.Contains(t, emitErr.Failed, bad)
	require.Contains(t, err.Error(), "handler panic: kaput")
}

func TestEmitSingleHandlerPanicRecovered(t *testing.T) {
	ev := New[int]()
	ev.Add(NewToken(), func(context.Context, int) error { panic("solo") })
	err := ev.Emit(context.Background(), 1)
	require.ErrorContains(t, err, "solo")
}

func TestHandlerAddedDuringEmitMissesThatEmit(t *testing.T) {
	ev := New[int]()
	entered := make(chan struct{})
	release := make(chan struct{})
	ev.Add(NewToken(), func(context.Context, int) error {
		close(entered)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- ev.Emit(context.Background(), 1) }()
	<-entered

	var late atomic.Int32
	ev.Add(NewToken(), func(context.Context, int) error { late.Add(1); return nil })
	close(release)
	require.NoError(t, <-done)
	require.Equal(t, int32(0), late.Load())

	require.NoError(t, ev.Emit(context.Background(), 2))
	require.Equal(t, int32(1), late.Load())
}

func TestHandlerRemovedDuringEmitStillReceivesIt(t *testing.T) {
	ev := New[int]()
	victim := NewToken()
	var victimCalls atomic.Int32
	ev.Add(victim, func(context.Context, int) error { victimCalls.Add(1); return nil })
	ev.Add(NewToken(), func(context.Context, int) error {
		ev.Remove(victim)
		return nil
	})

	require.NoError(t, ev.Emit(context.Background(), 1))
	require.Equal(t, int32(1), victimCalls.Load())

	require.NoError(t, ev.Emit(context.Background(), 2))
	require.Equal(t, int32(1), victimCalls.Load())
}

func TestMutationNotBlockedBySlowHandler(t *testing.T) {
	ev := New[int]()
	release := make(chan struct{})
	entered := make(chan struct{})
	ev.Add(NewToken(), func(context.Context, int) error {
		close(entered)
		<-release
		return nil
	})
	go func() { _ = ev.Emit(context.Background(), 1) }()
	<-entered

	added := make(chan struct{})
	go func() {
		ev.Add(NewToken(), func(context.Context, int) error { return nil })
		close(added)
	}()
	select {
	case <-added:
	case <-time.After(time.Second):
		t.Fatal("Add blocked behind a running handler")
	}
	close(release)
}
