package registry_test

import (
	"testing"
	"time"

	"argusagent/internal/registry"

	"github.com/stretchr/testify/require"
)

func TestSwapAndGet(t *testing.T) {
	r := registry.New()

	empty := r.Get(registry.FamilyModule)
	require.NotNil(t, empty)
	require.Empty(t, empty.Tasks)

	tasks := map[string]registry.Task{
		"m1": registry.ModuleTask{ID: "m1", Interval: time.Second},
	}
	prev, err := r.Swap(registry.FamilyModule, tasks)
	require.NoError(t, err)
	require.Same(t, empty, prev)

	got := r.Get(registry.FamilyModule)
	require.NotSame(t, empty, got, "swap must install a new snapshot reference (I5)")
	require.Len(t, got.Tasks, 1)
	require.NotEmpty(t, got.Fingerprint)
}

func TestSwapRejectsInvalidInterval(t *testing.T) {
	r := registry.New()
	before := r.Get(registry.FamilyScript)

	_, err := r.Swap(registry.FamilyScript, map[string]registry.Task{
		"s1": registry.ScriptTask{ID: "s1", Interval: 0},
	})
	require.Error(t, err)

	after := r.Get(registry.FamilyScript)
	require.Same(t, before, after, "a rejected snapshot must not replace the previous one")
}

func TestSwapRejectsIDMismatch(t *testing.T) {
	r := registry.New()
	_, err := r.Swap(registry.FamilyModule, map[string]registry.Task{
		"m1": registry.ModuleTask{ID: "other", Interval: time.Second},
	})
	require.Error(t, err)
}

func TestSubscribeNotifiesOnSwap(t *testing.T) {
	r := registry.New()
	ch := r.Subscribe(registry.FamilyProbe)

	_, err := r.Swap(registry.FamilyProbe, map[string]registry.Task{
		"p1": registry.ProbeTask{ID: "p1", Interval: time.Second},
	})
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a notification after Swap")
	}
}

func TestTaskFamiliesAreIndependent(t *testing.T) {
	r := registry.New()
	_, err := r.Swap(registry.FamilyModule, map[string]registry.Task{
		"dup": registry.ModuleTask{ID: "dup", Interval: time.Second},
	})
	require.NoError(t, err)
	// Same id in a different family is fine: families are independent.
	_, err = r.Swap(registry.FamilyScript, map[string]registry.Task{
		"dup": registry.ScriptTask{ID: "dup", Interval: time.Second},
	})
	require.NoError(t, err)
}
