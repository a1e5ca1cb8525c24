package modules_test

import (
	"context"
	"testing"

	"argusagent/internal/modules"
	"argusagent/internal/registry"

	"github.com/stretchr/testify/require"
)

func TestCPUCollectSeedsThenReports(t *testing.T) {
	c := modules.NewCPU()
	task := registry.ModuleTask{ID: "cpu"}

	first, err := c.Collect(context.Background(), task)
	require.NoError(t, err)
	require.Empty(t, first)

	second, err := c.Collect(context.Background(), task)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, "host_cpu_percent", second[0].Name)
}

func TestMemoryCollectReportsBytes(t *testing.T) {
	m := modules.NewMemory()
	metrics, err := m.Collect(context.Background(), registry.ModuleTask{ID: "mem"})
	require.NoError(t, err)
	require.Len(t, metrics, 3)
}

func TestLoadCollectReportsThreeAverages(t *testing.T) {
	l := modules.NewLoad()
	metrics, err := l.Collect(context.Background(), registry.ModuleTask{ID: "load"})
	require.NoError(t, err)
	require.Len(t, metrics, 3)
}

func TestDiskCollectDefaultsToRoot(t *testing.T) {
	d := modules.NewDisk()
	metrics, err := d.Collect(context.Background(), registry.ModuleTask{ID: "disk"})
	require.NoError(t, err)
	require.Len(t, metrics, 3)
	require.Equal(t, "/", metrics[0].Labels["path"])
}
