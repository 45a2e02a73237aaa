// ABOUTME: Tests for the target lock manager
// ABOUTME: Covers mode compatibility, idempotent release, preemption, and races

package lock

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mirror-broker/internal/target"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTarget(name string) target.Target {
	return target.Target{Namespace: "default", Kind: target.KindDeployment, Name: name}
}

func TestAcquireCompatibility(t *testing.T) {
	tests := []struct {
		name     string
		first    Mode
		second   Mode
		conflict bool
	}{
		{name: "mirror then mirror", first: Mirror, second: Mirror, conflict: false},
		{name: "mirror then steal", first: Mirror, second: Steal, conflict: true},
		{name: "steal then mirror", first: Steal, second: Mirror, conflict: true},
		{name: "steal then steal", first: Steal, second: Steal, conflict: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(PolicyReject, testLogger())
			tgt := testTarget("api")

			_, err := m.Acquire(tgt, tt.first, "a")
			require.NoError(t, err)

			_, err = m.Acquire(tgt, tt.second, "b")
			if !tt.conflict {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrConflict)
			var ce *ConflictError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.first, ce.Holder.Mode)
			assert.Equal(t, []string{"a"}, ce.Holder.Sessions)
		})
	}
}

func TestAcquireDistinctTargetsIndependent(t *testing.T) {
	m := NewManager(PolicyReject, testLogger())

	_, err := m.Acquire(testTarget("api"), Steal, "a")
	require.NoError(t, err)
	_, err = m.Acquire(testTarget("worker"), Steal, "b")
	require.NoError(t, err)

	claims := m.Claims()
	require.Len(t, claims, 2)
	assert.Equal(t, "api", claims[0].Target.Name)
	assert.Equal(t, "worker", claims[1].Target.Name)
}

func TestAcquireSameSessionIsIdempotent(t *testing.T) {
	m := NewManager(PolicyReject, testLogger())
	tgt := testTarget("api")

	_, err := m.Acquire(tgt, Steal, "a")
	require.NoError(t, err)
	_, err = m.Acquire(tgt, Steal, "a")
	require.NoError(t, err)

	h, ok := m.Holder(tgt)
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, h.Sessions)
}

func TestRelease(t *testing.T) {
	m := NewManager(PolicyReject, testLogger())
	tgt := testTarget("api")

	_, err := m.Acquire(tgt, Mirror, "a")
	require.NoError(t, err)
	_, err = m.Acquire(tgt, Mirror, "b")
	require.NoError(t, err)

	m.Release(tgt, "a")
	m.Release(tgt, "a")
	m.Release(tgt, "never-held")
	m.Release(testTarget("other"), "b")

	h, ok := m.Holder(tgt)
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, h.Sessions, "releasing a must not affect b")

	m.Release(tgt, "b")
	_, ok = m.Holder(tgt)
	assert.False(t, ok)

	_, err = m.Acquire(tgt, Steal, "c")
	assert.NoError(t, err, "steal succeeds once all mirrors released")
}

func TestPreemptPolicy(t *testing.T) {
	t.Run("steal evicts mirrors", func(t *testing.T) {
		m := NewManager(PolicyPreempt, testLogger())
		tgt := testTarget("api")

		_, err := m.Acquire(tgt, Mirror, "a")
		require.NoError(t, err)
		_, err = m.Acquire(tgt, Mirror, "b")
		require.NoError(t, err)

		g, err := m.Acquire(tgt, Steal, "c")
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, g.Preempted)

		h, _ := m.Holder(tgt)
		assert.Equal(t, Steal, h.Mode)
		assert.Equal(t, []string{"c"}, h.Sessions)

		m.Release(tgt, "a")
		h, _ = m.Holder(tgt)
		assert.Equal(t, []string{"c"}, h.Sessions, "late release of evicted session is a no-op")
	})

	t.Run("steal evicts steal", func(t *testing.T) {
		m := NewManager(PolicyPreempt, testLogger())
		tgt := testTarget("api")

		_, err := m.Acquire(tgt, Steal, "a")
		require.NoError(t, err)
		g, err := m.Acquire(tgt, Steal, "b")
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, g.Preempted)
	})

	t.Run("mirror still conflicts with steal", func(t *testing.T) {
		m := NewManager(PolicyPreempt, testLogger())
		tgt := testTarget("api")

		_, err := m.Acquire(tgt, Steal, "a")
		require.NoError(t, err)
		_, err = m.Acquire(tgt, Mirror, "b")
		assert.ErrorIs(t, err, ErrConflict)
	})
}

func TestConcurrentStealAtMostOne(t *testing.T) {
	m := NewManager(PolicyReject, testLogger())
	tgt := testTarget("api")

	const workers = 64
	var granted atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			mode := Mirror
			if i%2 == 0 {
				mode = Steal
			}
			_, err := m.Acquire(tgt, mode, fmt.Sprintf("s%d", i))
			if err == nil && mode == Steal {
				granted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	h, ok := m.Holder(tgt)
	require.True(t, ok)
	if h.Mode == Steal {
		assert.Equal(t, int32(1), granted.Load())
		assert.Len(t, h.Sessions, 1)
	} else {
		assert.Zero(t, granted.Load(), "no steal granted while mirrors hold the target")
	}
}

func TestParseModeAndPolicy(t *testing.T) {
	mode, err := ParseMode("steal")
	require.NoError(t, err)
	assert.Equal(t, Steal, mode)
	_, err = ParseMode("exclusive")
	assert.Error(t, err)

	p, err := ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyReject, p)
	p, err = ParsePolicy("preempt")
	require.NoError(t, err)
	assert.Equal(t, PolicyPreempt, p)
	_, err = ParsePolicy("override")
	assert.Error(t, err)
}
