package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, "v2", cfg.Target)
	assert.True(t, cfg.IsFeatureEnabled(FeatFold))
	assert.True(t, cfg.IsFeatureEnabled(FeatSignExt))
	assert.False(t, cfg.IsFeatureEnabled(FeatSourceMap))
	assert.True(t, cfg.IsWarningEnabled(WarnUnreachableCode))
	assert.False(t, cfg.IsWarningEnabled(WarnPedantic))
	assert.Len(t, cfg.FeatureMap, int(FeatCount))
	assert.Len(t, cfg.WarningMap, int(WarnCount))
}

func TestSetTarget(t *testing.T) {
	cfg := NewConfig()
	require.NoError(t, cfg.SetTarget("mvp"))
	assert.Equal(t, "mvp", cfg.Target)
	assert.False(t, cfg.IsFeatureEnabled(FeatSignExt))
	assert.False(t, cfg.IsFeatureEnabled(FeatMultiValue))

	require.NoError(t, cfg.SetTarget("v2"))
	assert.True(t, cfg.IsFeatureEnabled(FeatMultiValue))

	assert.Error(t, cfg.SetTarget("wasm64"))
	assert.Equal(t, "v2", cfg.Target)
}

func TestProcessFlags(t *testing.T) {
	tests := []struct {
		name  string
		flags []string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name:  "disable feature",
			flags: []string{"Fno-fold"},
			check: func(t *testing.T, cfg *Config) { assert.False(t, cfg.IsFeatureEnabled(FeatFold)) },
		},
		{
			name:  "enable feature with dash",
			flags: []string{"-Fexport-memory"},
			check: func(t *testing.T, cfg *Config) { assert.True(t, cfg.IsFeatureEnabled(FeatExportMemory)) },
		},
		{
			name:  "specific overrides catch-all regardless of order",
			flags: []string{"Wno-dead-branch", "Wall"},
			check: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.IsWarningEnabled(WarnDeadBranch))
				assert.True(t, cfg.IsWarningEnabled(WarnExtra))
				assert.False(t, cfg.IsWarningEnabled(WarnPedantic))
			},
		},
		{
			name:  "no-all",
			flags: []string{"Wno-all"},
			check: func(t *testing.T, cfg *Config) {
				for w := Warning(0); w < WarnCount; w++ {
					assert.False(t, cfg.IsWarningEnabled(w), cfg.Warnings[w].Name)
				}
			},
		},
		{
			name:  "pedantic enables everything",
			flags: []string{"Wpedantic"},
			check: func(t *testing.T, cfg *Config) {
				for w := Warning(0); w < WarnCount; w++ {
					assert.True(t, cfg.IsWarningEnabled(w), cfg.Warnings[w].Name)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			require.NoError(t, cfg.ProcessFlags(tt.flags))
			tt.check(t, cfg)
		})
	}
}

func TestProcessFlagsUnknown(t *testing.T) {
	cfg := NewConfig()
	assert.EqualError(t, cfg.ProcessFlags([]string{"Fno-such-thing"}), "unknown feature 'such-thing'")
	assert.EqualError(t, cfg.ProcessFlags([]string{"Wbogus"}), "unknown warning 'bogus'")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gbw.toml")
	src := `target = "mvp"
features = ["no-fold", "export-memory"]
warnings = ["no-unreachable-code"]
max-pages = 4
`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	cfg := NewConfig()
	require.NoError(t, cfg.LoadFile(path))
	assert.Equal(t, "mvp", cfg.Target)
	assert.Equal(t, 4, cfg.MaxPages)
	assert.False(t, cfg.IsFeatureEnabled(FeatFold))
	assert.True(t, cfg.IsFeatureEnabled(FeatExportMemory))
	assert.False(t, cfg.IsFeatureEnabled(FeatSignExt))
	assert.False(t, cfg.IsWarningEnabled(WarnUnreachableCode))
}

func TestLoadFileErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := NewConfig()
	assert.Error(t, cfg.LoadFile(filepath.Join(dir, "missing.toml")))

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte(`target = "wasm64"`), 0o644))
	err := cfg.LoadFile(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported target")
}
