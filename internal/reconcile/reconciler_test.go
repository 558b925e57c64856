package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bytehot/engine/internal/event"
	"github.com/bytehot/engine/internal/store/memory"
	"github.com/bytehot/engine/internal/vm"
)

type fakeAdapter struct {
	name       string
	detects    bool
	refreshErr error
	redefErr   error
	refreshed  []string
}

func (a *fakeAdapter) Name() string          { return a.name }
func (a *fakeAdapter) Detect(fqn string) bool { return a.detects }
func (a *fakeAdapter) Refresh(ctx context.Context, fqn, instanceID string) error {
	a.refreshed = append(a.refreshed, instanceID)
	return a.refreshErr
}
func (a *fakeAdapter) OnRedefined(ctx context.Context, fqn string) error { return a.redefErr }

func newCause() event.Base {
	return event.NewBase(event.TypeClassRedefinitionSucceeded, event.AggregateHotSwap, event.HotSwapAggregateID("com.ex.A"), 4, "", event.NewCorrelationID(), "")
}

func TestReconcile_RefreshesDetectedAdaptersOnly(t *testing.T) {
	cap := vm.NewFakeCapability()
	cap.AddInstance("com.ex.A", vm.InstanceHandle{ID: "i1"})
	cap.AddInstance("com.ex.A", vm.InstanceHandle{ID: "i2"})

	detected := &fakeAdapter{name: "spring", detects: true}
	ignored := &fakeAdapter{name: "other", detects: false}

	r, err := New(cap, memory.New(nil), []FrameworkAdapter{detected, ignored}, 0, nil)
	require.NoError(t, err)

	result, err := r.Reconcile(context.Background(), "com.ex.A", newCause(), 0)
	require.NoError(t, err)

	assert.Equal(t, 2, result.UpdatedInstanceCount)
	assert.False(t, result.Partial)
	assert.ElementsMatch(t, []string{"i1", "i2"}, detected.refreshed)
	assert.Empty(t, ignored.refreshed)
}

func TestReconcile_AdapterFailureIsPartialNotFatal(t *testing.T) {
	cap := vm.NewFakeCapability()
	cap.AddInstance("com.ex.A", vm.InstanceHandle{ID: "i1"})

	failing := &fakeAdapter{name: "broken", detects: true, refreshErr: errors.New("proxy gone")}

	r, err := New(cap, memory.New(nil), []FrameworkAdapter{failing}, 0, nil)
	require.NoError(t, err)

	result, err := r.Reconcile(context.Background(), "com.ex.A", newCause(), 0)
	require.NoError(t, err, "a reconciliation failure must not be fatal to the redefinition")
	assert.True(t, result.Partial)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "i1", result.Errors[0].InstanceID)
	assert.Equal(t, "broken", result.Errors[0].Adapter)
}

func TestReconcile_CacheInvalidatedOnRedefinition(t *testing.T) {
	cap := vm.NewFakeCapability()
	r, err := New(cap, memory.New(nil), nil, 0, nil)
	require.NoError(t, err)

	r.CachePut("com.ex.A", "memoized-value")
	_, ok := r.cache.Get("com.ex.A")
	require.True(t, ok)

	_, err = r.Reconcile(context.Background(), "com.ex.A", newCause(), 0)
	require.NoError(t, err)

	_, ok = r.cache.Get("com.ex.A")
	assert.False(t, ok, "reconciliation must evict the class's cached entry")
}
