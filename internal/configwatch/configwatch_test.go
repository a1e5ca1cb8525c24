package configwatch_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"argusagent/internal/config"
	"argusagent/internal/configwatch"
	"argusagent/internal/registry"

	"github.com/stretchr/testify/require"
)

func TestWatcherCommitsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "moduleTask.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"cpu","intervalSec":5}]`), 0o644))

	reg := registry.New()
	w, err := configwatch.New(reg, nil, 20*time.Millisecond, configwatch.Source{
		Family:  registry.FamilyModule,
		Dir:     dir,
		Pattern: "moduleTask.json",
		Load:    config.LoadModuleTasks,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return len(reg.Get(registry.FamilyModule).Tasks) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"cpu","intervalSec":5},{"id":"mem","intervalSec":10}]`), 0o644))

	require.Eventually(t, func() bool {
		return len(reg.Get(registry.FamilyModule).Tasks) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestWatcherKeepsPreviousSnapshotOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "moduleTask.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"cpu","intervalSec":5}]`), 0o644))

	reg := registry.New()
	w, err := configwatch.New(reg, nil, 20*time.Millisecond, configwatch.Source{
		Family:  registry.FamilyModule,
		Dir:     dir,
		Pattern: "moduleTask.json",
		Load:    config.LoadModuleTasks,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return len(reg.Get(registry.FamilyModule).Tasks) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(`not valid json`), 0o644))
	time.Sleep(100 * time.Millisecond)

	require.Len(t, reg.Get(registry.FamilyModule).Tasks, 1, "a parse error must not clear the previously committed snapshot")
}
