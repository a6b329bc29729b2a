package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 64, config.Tree.SpanInternal)
	assert.Equal(t, 64, config.Tree.SpanLeaf)
	assert.Equal(t, 8, config.Tree.Neighborhood)
	assert.Equal(t, 64, config.Tree.CacheLine)
	assert.Equal(t, 1024, config.Tree.TreeCacheSize)
	assert.Equal(t, 4096, config.Tree.HotspotSize)
	assert.Equal(t, 4, config.Transport.NodeCount)
	assert.Equal(t, 64, config.Transport.ArenaMB)
	assert.Equal(t, "info", config.Logging.Level)
}

func TestLoadConfig(t *testing.T) {
	t.Run("load existing config", func(t *testing.T) {
		tmpDir, err := os.MkdirTemp("", "rtreectl_config_test")
		require.NoError(t, err)
		defer os.RemoveAll(tmpDir)

		configPath := filepath.Join(tmpDir, "config.yaml")
		expectedConfig := &Config{
			Tree: Tree{
				SpanInternal:  32,
				SpanLeaf:      32,
				Neighborhood:  4,
				CacheLine:     64,
				TreeCacheSize: 512,
				HotspotSize:   2048,
			},
			Transport: Transport{
				NodeCount: 2,
				ArenaMB:   16,
			},
			Logging: Logging{
				Level: "debug",
			},
		}

		err = SaveConfig(expectedConfig, configPath)
		require.NoError(t, err)

		loadedConfig, err := LoadConfig(configPath)
		require.NoError(t, err)
		assert.Equal(t, expectedConfig, loadedConfig)
	})

	t.Run("load non-existent config", func(t *testing.T) {
		_, err := LoadConfig("/non/existent/config.yaml")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "config file does not exist")
	})

	t.Run("load invalid yaml", func(t *testing.T) {
		tmpDir, err := os.MkdirTemp("", "rtreectl_config_test")
		require.NoError(t, err)
		defer os.RemoveAll(tmpDir)

		configPath := filepath.Join(tmpDir, "invalid.yaml")
		err = os.WriteFile(configPath, []byte("invalid: yaml: content: ["), 0644)
		require.NoError(t, err)

		_, err = LoadConfig(configPath)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse config file")
	})
}

func TestSaveConfig(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "rtreectl_config_test")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	configPath := filepath.Join(tmpDir, "config.yaml")
	config := DefaultConfig()

	err = SaveConfig(config, configPath)
	require.NoError(t, err)

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loadedConfig, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, config, loadedConfig)
}

func TestGetDefaultConfigPath(t *testing.T) {
	path := GetDefaultConfigPath()
	assert.NotEmpty(t, path)
	assert.Contains(t, path, "rtreectl")
	assert.Contains(t, path, "config.yaml")
}

func TestConfigExists(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "rtreectl_config_test")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	existingPath := filepath.Join(tmpDir, "exists.yaml")
	nonExistentPath := filepath.Join(tmpDir, "does-not-exist.yaml")

	err = os.WriteFile(existingPath, []byte("test"), 0644)
	require.NoError(t, err)

	assert.True(t, ConfigExists(existingPath))
	assert.False(t, ConfigExists(nonExistentPath))
}

func TestConfigYAMLMarshalling(t *testing.T) {
	config := &Config{
		Tree: Tree{
			SpanInternal:  16,
			SpanLeaf:      16,
			Neighborhood:  4,
			CacheLine:     64,
			TreeCacheSize: 256,
			HotspotSize:   1024,
		},
		Transport: Transport{
			NodeCount: 1,
			ArenaMB:   8,
		},
		Logging: Logging{
			Level: "warn",
		},
	}

	data, err := yaml.Marshal(config)
	require.NoError(t, err)

	var unmarshalled Config
	err = yaml.Unmarshal(data, &unmarshalled)
	require.NoError(t, err)

	assert.Equal(t, config, &unmarshalled)
}

func TestSaveConfigErrorHandling(t *testing.T) {
	config := DefaultConfig()

	invalidPath := "/invalid/path/that/cannot/be/created/config.yaml"

	err := SaveConfig(config, invalidPath)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create config directory")
}
