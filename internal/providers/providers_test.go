package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/enclave/internal/callback"
)

func TestGroups(t *testing.T) {
	assert.Equal(t, []string{GroupHTML, GroupMath, GroupSystem}, Groups())
}

func TestBuiltins(t *testing.T) {
	all, err := Builtins(Groups(), nil)
	require.NoError(t, err)

	reg, err := callback.NewRegistry(all...)
	require.NoError(t, err, "builtin names must be unique and valid")
	for _, name := range []string{"system.time", "math.stats", "html.select"} {
		_, ok := reg.Lookup(name)
		assert.True(t, ok, name)
	}

	some, err := Builtins([]string{GroupMath, GroupMath}, nil)
	require.NoError(t, err)
	for _, cb := range some {
		assert.Regexp(t, `^math\.`, cb.Name())
	}

	none, err := Builtins(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = Builtins([]string{"shell"}, nil)
	assert.ErrorContains(t, err, "shell")
}
