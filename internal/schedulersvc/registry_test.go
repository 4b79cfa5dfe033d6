package schedulersvc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(time.Minute)
	t.Cleanup(r.Stop)
	return r
}

func TestRegistry_AddAndGet(t *testing.T) {
	r := newTestRegistry(t)
	r.Add(&BuilderInfo{ID: "b1", Addr: "10.0.0.5:8091", Environment: "env1", MaxParallel: 4})

	b, ok := r.Get("b1")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5:8091", b.Addr)
	assert.Equal(t, BuilderIdle, b.State)
	assert.False(t, b.RegisteredAt.IsZero())
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_AddRefreshesExisting(t *testing.T) {
	r := newTestRegistry(t)
	r.Add(&BuilderInfo{ID: "b1", Addr: "old:1"})
	r.Add(&BuilderInfo{ID: "b1", Addr: "new:2"})

	b, ok := r.Get("b1")
	require.True(t, ok)
	assert.Equal(t, "new:2", b.Addr)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_Remove(t *testing.T) {
	r := newTestRegistry(t)
	r.Add(&BuilderInfo{ID: "b1"})
	r.Remove("b1")
	_, ok := r.Get("b1")
	assert.False(t, ok)
}

func TestRegistry_TaskCounting(t *testing.T) {
	r := newTestRegistry(t)
	r.Add(&BuilderInfo{ID: "b1"})

	require.NoError(t, r.IncrementTasks("b1"))
	b, _ := r.Get("b1")
	assert.Equal(t, 1, b.ActiveTasks)
	assert.EqualValues(t, 1, b.TotalTasks)
	assert.Equal(t, BuilderBusy, b.State)

	require.NoError(t, r.DecrementTasks("b1", true, 2*time.Second))
	b, _ = r.Get("b1")
	assert.Zero(t, b.ActiveTasks)
	assert.EqualValues(t, 1, b.SuccessfulTasks)
	assert.Equal(t, BuilderIdle, b.State)
	assert.Equal(t, 2*time.Second, b.AvgCompileTime)
}

func TestRegistry_TaskCountingUnknownBuilder(t *testing.T) {
	r := newTestRegistry(t)
	assert.Error(t, r.IncrementTasks("missing"))
	assert.Error(t, r.DecrementTasks("missing", true, 0))
	assert.Error(t, r.UpdateHeartbeat("missing"))
}

func TestRegistry_ListByEnvironment(t *testing.T) {
	r := newTestRegistry(t)
	r.Add(&BuilderInfo{ID: "match", Environment: "env1"})
	r.Add(&BuilderInfo{ID: "other", Environment: "env2"})
	r.Add(&BuilderInfo{ID: "any", Environment: ""})

	got := r.ListByEnvironment("env1")
	ids := map[string]bool{}
	for _, b := range got {
		ids[b.ID] = true
	}
	assert.True(t, ids["match"])
	assert.True(t, ids["any"], "a builder with no environment accepts anything")
	assert.False(t, ids["other"])

	all := r.ListByEnvironment("")
	assert.Len(t, all, 3)
}

func TestRegistry_StaleBuildersFiltered(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	t.Cleanup(r.Stop)
	r.Add(&BuilderInfo{ID: "b1"})

	assert.Eventually(t, func() bool {
		return len(r.ListByEnvironment("")) == 0
	}, 2*time.Second, 5*time.Millisecond, "builders past their heartbeat TTL must drop out of selection")
}

func TestRegistry_HeartbeatRevivesUnhealthy(t *testing.T) {
	r := newTestRegistry(t)
	r.Add(&BuilderInfo{ID: "b1"})
	r.markStale() // no-op while fresh

	b, _ := r.Get("b1")
	require.Equal(t, BuilderIdle, b.State)

	// Force staleness, then heartbeat back.
	r.mu.Lock()
	r.builders["b1"].LastHeartbeat = time.Now().Add(-time.Hour)
	r.mu.Unlock()
	r.markStale()
	b, _ = r.Get("b1")
	require.Equal(t, BuilderUnhealthy, b.State)

	require.NoError(t, r.UpdateHeartbeat("b1"))
	b, _ = r.Get("b1")
	assert.Equal(t, BuilderIdle, b.State)
}

func TestBuilderState_Strings(t *testing.T) {
	assert.Equal(t, "idle", BuilderIdle.String())
	assert.Equal(t, "busy", BuilderBusy.String())
	assert.Equal(t, "unhealthy", BuilderUnhealthy.String())
}
