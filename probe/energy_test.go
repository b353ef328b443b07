package probe

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZone(t *testing.T, dir, name, energy string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "name"), []byte(name+"\n"), 0644))
	if energy != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "energy_uj"), []byte(energy+"\n"), 0644))
	}
}

func TestDiscoverRAPL(t *testing.T) {
	root := t.TempDir()
	writeZone(t, filepath.Join(root, "intel-rapl:0"), "package-0", "100")
	writeZone(t, filepath.Join(root, "intel-rapl:0", "intel-rapl:0:0"), "core", "10")
	writeZone(t, filepath.Join(root, "intel-rapl:0", "intel-rapl:0:1"), "uncore", "20")
	writeZone(t, filepath.Join(root, "intel-rapl:1"), "psys", "5")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "power"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "intel-rapl:2"), 0755))

	domains := DiscoverRAPL(root)
	assert.Equal(t, []Domain{
		{Name: "package-0", Path: filepath.Join(root, "intel-rapl:0", "energy_uj")},
		{Name: "package-0-core", Path: filepath.Join(root, "intel-rapl:0", "intel-rapl:0:0", "energy_uj")},
		{Name: "package-0-uncore", Path: filepath.Join(root, "intel-rapl:0", "intel-rapl:0:1", "energy_uj")},
		{Name: "psys", Path: filepath.Join(root, "intel-rapl:1", "energy_uj")},
	}, domains)
}

func TestDiscoverRAPLUnsupported(t *testing.T) {
	assert.Empty(t, DiscoverRAPL(filepath.Join(t.TempDir(), "missing")))
}

func TestReadEnergy(t *testing.T) {
	dir := t.TempDir()
	writeZone(t, dir, "package-0", "123456")

	v, err := ReadEnergy(filepath.Join(dir, "energy_uj"))
	require.NoError(t, err)
	assert.Equal(t, uint64(123456), v)

	_, err = ReadEnergy(filepath.Join(dir, "name"))
	assert.Error(t, err)
}

func TestEnergyProbeSkipsFailingDomain(t *testing.T) {
	dir := t.TempDir()
	writeZone(t, filepath.Join(dir, "ok"), "ok", "42")

	p := NewEnergyProbe([]Domain{
		{Name: "ok", Path: filepath.Join(dir, "ok", "energy_uj")},
		{Name: "broken", Path: filepath.Join(dir, "missing", "energy_uj")},
	}, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	series := p.Run(ctx)
	assert.NotEmpty(t, series["ok"])
	assert.NotContains(t, series, "broken")
	for _, s := range series["ok"] {
		assert.Equal(t, uint64(42), s.EnergyUJ)
	}
}

func TestEnergyProbeStopsOnSignal(t *testing.T) {
	var stoppedAt atomic.Uint64
	var counter atomic.Uint64

	p := NewEnergyProbe([]Domain{{Name: "package-0", Path: "unused"}}, 5*time.Millisecond)
	p.read = func(string) (uint64, error) {
		return counter.Add(1), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(60 * time.Millisecond)
		stoppedAt.Store(uint64(time.Now().UnixNano()))
		cancel()
	}()

	series := p.Run(ctx)["package-0"]
	require.NotEmpty(t, series)

	for i := 1; i < len(series); i++ {
		assert.GreaterOrEqual(t, series[i].Timestamp, series[i-1].Timestamp)
		assert.Greater(t, series[i].EnergyUJ, series[i-1].EnergyUJ)
	}
	last := series[len(series)-1]
	assert.LessOrEqual(t, last.Timestamp, stoppedAt.Load()+uint64(time.Millisecond))
}

func TestEnergyProbeNoDomains(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.Empty(t, NewEnergyProbe(nil, time.Millisecond).Run(ctx))
}
