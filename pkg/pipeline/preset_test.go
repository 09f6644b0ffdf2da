package pipeline

import (
	"regexp"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stinger-ai/stinger/pkg/guardrail"
)

func TestPresets(t *testing.T) {
	names := Presets()
	assert.Equal(t, []string{
		"basic",
		"content_moderation",
		"customer_service",
		"educational",
		"financial",
		"medical",
	}, names)
	assert.True(t, sort.StringsAreSorted(names))
}

func TestPresetBuilds(t *testing.T) {
	for _, name := range Presets() {
		t.Run(name, func(t *testing.T) {
			spec, err := Preset(name)
			require.NoError(t, err)
			assert.Equal(t, name, spec.Name)
			assert.Equal(t, DefaultMaxContentBytes, spec.MaxContentBytes)
			assert.NotEmpty(t, spec.Input, "a preset without input guardrails protects nothing")

			p, err := New(spec)
			require.NoError(t, err)
			assert.Equal(t, len(spec.Input)+len(spec.Output), p.GuardrailCount())
		})
	}
}

func TestPresetLookup(t *testing.T) {
	t.Run("unknown name", func(t *testing.T) {
		_, err := Preset("no_such_preset")
		require.ErrorIs(t, err, ErrUnknownPreset)

		var cfgErr *guardrail.ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "no_such_preset", cfgErr.Name)
		assert.Equal(t, "preset", cfgErr.Kind)
	})

	t.Run("name is trimmed and lowercased", func(t *testing.T) {
		spec, err := Preset("  Basic ")
		require.NoError(t, err)
		assert.Equal(t, "basic", spec.Name)
	})
}

func TestPresetIsolation(t *testing.T) {
	a, err := Preset("basic")
	require.NoError(t, err)
	b, err := Preset("basic")
	require.NoError(t, err)

	a.Input[0].Config["max_chars"] = 1

	assert.Equal(t, 10000, b.Input[0].Config["max_chars"],
		"mutating one preset copy must not leak into another")
}

func TestSpecVersion(t *testing.T) {
	hexish := regexp.MustCompile(`^[0-9a-f]{12}$`)

	t.Run("stable for equal specs", func(t *testing.T) {
		a, err := Preset("customer_service")
		require.NoError(t, err)
		b, err := Preset("customer_service")
		require.NoError(t, err)
		assert.Equal(t, SpecVersion(a), SpecVersion(b))
		assert.Regexp(t, hexish, SpecVersion(a))
	})

	t.Run("distinct across presets", func(t *testing.T) {
		seen := make(map[string]string)
		for _, name := range Presets() {
			spec, err := Preset(name)
			require.NoError(t, err)
			v := SpecVersion(spec)
			if prior, ok := seen[v]; ok {
				t.Fatalf("presets %s and %s share version %s", prior, name, v)
			}
			seen[v] = name
		}
	})

	t.Run("changes when the spec changes", func(t *testing.T) {
		spec, err := Preset("basic")
		require.NoError(t, err)
		before := SpecVersion(spec)
		spec.MaxContentBytes = 1234
		assert.NotEqual(t, before, SpecVersion(spec))
	})
}
