package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.json")

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.NotNil(t, cfg)
		assert.Equal(t, "openai", cfg.Provider.Name)
		assert.Equal(t, 15, cfg.Agents.ResearcherMaxSteps)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"provider": {
				"name": "anthropic",
				"api_key": "sk-test-key",
				"model": "claude-sonnet-4-20250514"
			},
			"agents": {
				"analyst_max_steps": 30
			}
		}`
		err := os.WriteFile(configPath, []byte(testConfig), 0644)
		require.NoError(t, err)

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, "anthropic", cfg.Provider.Name)
		assert.Equal(t, "sk-test-key", cfg.Provider.APIKey)
		assert.Equal(t, 30, cfg.Agents.AnalystMaxSteps)
		// Untouched fields keep their defaults
		assert.Equal(t, 4, cfg.Agents.WriterMaxSteps)
	})

	t.Run("set default paths", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{"data_dir": "` + tmpDir + `"}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, filepath.Join(tmpDir, "skald.log"), cfg.Logging.File)
		assert.Equal(t, filepath.Join(tmpDir, "workspace"), cfg.WorkspacePath)
	})
}

func TestLoaderSave(t *testing.T) {
	t.Run("round-trip config through save and load", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "skald.json")

		cfg := DefaultConfig()
		cfg.Provider.Name = "anthropic"
		cfg.Provider.APIKey = "sk-saved"
		cfg.DataDir = tmpDir

		loader := NewLoader(configPath)
		require.NoError(t, loader.Save(cfg))

		loaded, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, "anthropic", loaded.Provider.Name)
		assert.Equal(t, "sk-saved", loaded.Provider.APIKey)
	})
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Provider.APIKey = "sk-test"
		return cfg
	}

	t.Run("accept valid config", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("reject unknown provider", func(t *testing.T) {
		cfg := valid()
		cfg.Provider.Name = "palantir"
		assert.Error(t, cfg.Validate())
	})

	t.Run("reject missing model", func(t *testing.T) {
		cfg := valid()
		cfg.Provider.Model = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("reject non-positive step limits", func(t *testing.T) {
		cfg := valid()
		cfg.Agents.WriterMaxSteps = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("reject out-of-range temperature", func(t *testing.T) {
		cfg := valid()
		cfg.Agents.Temperature = 3.5
		assert.Error(t, cfg.Validate())
	})
}

func TestAPIKeyFallback(t *testing.T) {
	t.Run("prefer configured key over environment", func(t *testing.T) {
		t.Setenv("OPENAI_API_KEY", "sk-env")

		cfg := DefaultConfig()
		cfg.Provider.APIKey = "sk-config"
		assert.Equal(t, "sk-config", cfg.APIKey())
	})

	t.Run("fall back to provider environment variable", func(t *testing.T) {
		t.Setenv("ANTHROPIC_API_KEY", "sk-env")

		cfg := DefaultConfig()
		cfg.Provider.Name = "anthropic"
		assert.Equal(t, "sk-env", cfg.APIKey())
	})
}
