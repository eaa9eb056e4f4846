package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/enclave/internal/infrastructure/config"
)

func TestFromConfig(t *testing.T) {
	dir := t.TempDir()
	preamble := filepath.Join(dir, "preamble.js")
	require.NoError(t, os.WriteFile(preamble, []byte("var ready = true;"), 0o600))
	t.Setenv("TEST_FROM_CONFIG_TOKEN", "tok-123")

	cfg := config.Default()
	cfg.Sandbox.ExecutionTimeout = config.Duration(5 * time.Second)
	cfg.Sandbox.PreamblePath = preamble
	cfg.Secrets = []config.SecretConfig{{Name: "TOKEN", Env: "TEST_FROM_CONFIG_TOKEN", AllowedHosts: []string{"api.example.com"}}}
	cfg.Fetch.Enabled = true

	b, err := FromConfig(cfg, nil)
	require.NoError(t, err)
	sb := build(t, b)

	assert.Equal(t, 5*time.Second, sb.Limits().ExecutionTimeout)
	assert.Equal(t, "var ready = true;", sb.Preamble())
	require.Len(t, sb.Secrets(), 1)
	assert.Equal(t, []string{"api.example.com"}, sb.Secrets()[0].AllowedHosts)

	var names []string
	for _, d := range sb.Callbacks() {
		names = append(names, d.Name)
	}
	assert.Contains(t, names, "fetch")
	assert.Contains(t, names, "math.stats")
	assert.Contains(t, names, "html.text")

	_, err = sb.Network()
	assert.ErrorIs(t, err, ErrNetworkDisabled)

	res, err := sb.Execute(context.Background(), `print(ready, env.TOKEN)`)
	require.NoError(t, err)
	assert.Equal(t, "true [REDACTED]\n", res.Stdout)

	res, err = sb.Execute(context.Background(), `
		const s = await math.stats({numbers: [3, 1, 2]});
		print(s.median, s.sum);
	`)
	require.NoError(t, err)
	assert.Equal(t, "2 6\n", res.Stdout)
}

func TestFromConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing secret env", func(c *config.Config) {
			c.Secrets = []config.SecretConfig{{Name: "X", Env: "TEST_FROM_CONFIG_UNSET"}}
		}},
		{"missing preamble", func(c *config.Config) {
			c.Sandbox.PreamblePath = filepath.Join(t.TempDir(), "nope.js")
		}},
		{"unknown builtin group", func(c *config.Config) {
			c.Callbacks.Builtins = []string{"shell"}
		}},
		{"missing image", func(c *config.Config) {
			c.Sandbox.ImagePath = filepath.Join(t.TempDir(), "nope.js")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			_, err := FromConfig(cfg, nil)
			assert.ErrorIs(t, err, ErrInitialization)
		})
	}
}
