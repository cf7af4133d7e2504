package control

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-ofc/api"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	eps := cfg.Endpoints()
	require.Len(t, eps, 1)
	assert.Equal(t, "0.0.0.0:6653", eps[0].Address)
	assert.False(t, eps[0].Secure)
}

func TestEndpointsWithTLS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddress = "::1"
	cfg.TLSPort = 6654
	eps := cfg.Endpoints()
	require.Len(t, eps, 2)
	assert.Equal(t, "[::1]:6654", eps[1].Address)
	assert.True(t, eps[1].Secure)
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 0
	cfg.LowWatermark = 10
	cfg.HighWatermark = 5
	cfg.TLSPort = cfg.Port
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrInvalidWatermarks)
	assert.Contains(t, err.Error(), KeyWorkers)
	assert.Contains(t, err.Error(), KeyTLSPort)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("OFCORE_QUEUE_DEPTH", "64")
	t.Setenv("OFCORE_BARRIER_INTERVAL", "2s")
	t.Setenv("OFCORE_TLS_PORT", "6654")
	cfg, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, 64, cfg.QueueDepth)
	assert.Equal(t, 2*time.Second, cfg.BarrierInterval)
	assert.Equal(t, 6654, cfg.TLSPort)
	assert.Equal(t, DefaultConfig().HighWatermark, cfg.HighWatermark)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ofcore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 2\nlow-watermark: 10\nhigh-watermark: 20\ncpus: [0, 1]\n"), 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 10, cfg.LowWatermark)
	assert.Equal(t, 20, cfg.HighWatermark)
	assert.Equal(t, []int{0, 1}, cfg.CPUs)
}

func TestLoadRejectsInvalid(t *testing.T) {
	v := viper.New()
	v.Set(KeyWorkers, -1)
	_, err := Load(v)
	assert.Error(t, err)
}

func TestConfigStoreNotifiesInOrder(t *testing.T) {
	store := NewConfigStore(DefaultConfig())
	var seen []string
	store.OnReload(func(old, cur Config) {
		seen = append(seen, "first")
		assert.Equal(t, DefaultConfig().HighWatermark, old.HighWatermark)
		assert.Equal(t, 50, cur.HighWatermark)
	})
	store.OnReload(func(_, _ Config) { seen = append(seen, "second") })

	cfg := DefaultConfig()
	cfg.LowWatermark, cfg.HighWatermark = 10, 50
	require.NoError(t, store.Update(cfg))
	assert.Equal(t, []string{"first", "second"}, seen)
	assert.Equal(t, 50, store.Get().HighWatermark)

	bad := cfg
	bad.Workers = 0
	assert.Error(t, store.Update(bad))
	assert.Equal(t, 4, store.Get().Workers)

	store.Close()
	assert.ErrorIs(t, store.Update(cfg), ErrStoreClosed)
}

func TestReloadFromViper(t *testing.T) {
	store := NewConfigStore(DefaultConfig())
	v := viper.New()
	v.Set(KeyHighWatermark, 4000)
	require.NoError(t, Reload(v, store))
	assert.Equal(t, 4000, store.Get().HighWatermark)
}
