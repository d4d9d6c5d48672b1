package verify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reinholt/loom/pkg/contextmgr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFormat(t *testing.T, rules ...Rule) *FormatVerifier {
	t.Helper()
	v, err := NewFormatVerifier(rules, zerolog.Nop())
	require.NoError(t, err)
	return v
}

func TestFormatVerifierRules(t *testing.T) {
	ctx := context.Background()
	window := contextmgr.Window{}

	t.Run("regex rule", func(t *testing.T) {
		v := newFormat(t, Rule{Name: "json-ish", Kind: RuleRegex, Pattern: `^\{`})

		res, err := v.Verify(ctx, `{"ok": true}`, window)
		require.NoError(t, err)
		assert.True(t, res.Passed)

		res, err = v.Verify(ctx, "plain text", window)
		require.NoError(t, err)
		assert.False(t, res.Passed)
		assert.Contains(t, res.Reason, "json-ish")
	})

	t.Run("sections rule", func(t *testing.T) {
		v := newFormat(t, Rule{Kind: RuleSections, Sections: []string{"## Summary", "## Details"}})

		res, err := v.Verify(ctx, "## Summary\nfine\n## Details\nmore", window)
		require.NoError(t, err)
		assert.True(t, res.Passed)

		res, err = v.Verify(ctx, "## Summary only", window)
		require.NoError(t, err)
		assert.False(t, res.Passed)
		assert.Contains(t, res.Reason, "## Details")
	})

	t.Run("max-length rule", func(t *testing.T) {
		v := newFormat(t, Rule{Kind: RuleMaxLength, Max: 10})

		res, err := v.Verify(ctx, "short", window)
		require.NoError(t, err)
		assert.True(t, res.Passed)

		res, err = v.Verify(ctx, strings.Repeat("x", 11), window)
		require.NoError(t, err)
		assert.False(t, res.Passed)
	})

	t.Run("custom message wins", func(t *testing.T) {
		v := newFormat(t, Rule{Kind: RuleMaxLength, Max: 3, Message: "keep it brief"})

		res, err := v.Verify(ctx, "too long", window)
		require.NoError(t, err)
		assert.Equal(t, "keep it brief", res.Reason)
	})

	t.Run("first failure short-circuits", func(t *testing.T) {
		v := newFormat(t,
			Rule{Name: "first", Kind: RuleMaxLength, Max: 3, Message: "first failed"},
			Rule{Name: "second", Kind: RuleRegex, Pattern: `^never`, Message: "second failed"},
		)

		res, err := v.Verify(ctx, "long enough to fail both", window)
		require.NoError(t, err)
		assert.Equal(t, "first failed", res.Reason)
	})

	t.Run("no rules passes everything", func(t *testing.T) {
		v := newFormat(t)
		res, err := v.Verify(ctx, "anything", window)
		require.NoError(t, err)
		assert.True(t, res.Passed)
	})
}

func TestSetRulesValidation(t *testing.T) {
	v := newFormat(t, Rule{Kind: RuleMaxLength, Max: 10})

	t.Run("rejects bad patterns and keeps previous rules", func(t *testing.T) {
		assert.Error(t, v.SetRules([]Rule{{Kind: RuleRegex, Pattern: `([`}}))

		res, err := v.Verify(context.Background(), strings.Repeat("x", 11), contextmgr.Window{})
		require.NoError(t, err)
		assert.False(t, res.Passed, "previous rules must survive a rejected swap")
	})

	t.Run("rejects structural mistakes", func(t *testing.T) {
		assert.Error(t, v.SetRules([]Rule{{Kind: RuleSections}}))
		assert.Error(t, v.SetRules([]Rule{{Kind: RuleMaxLength, Max: 0}}))
		assert.Error(t, v.SetRules([]Rule{{Kind: "vibes"}}))
	})
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
rules:
  - name: brief
    kind: max-length
    max: 2000
  - name: has-summary
    kind: sections
    sections: ["## Summary"]
`), 0644))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "brief", rules[0].Name)
	assert.Equal(t, RuleMaxLength, rules[0].Kind)
	assert.Equal(t, []string{"## Summary"}, rules[1].Sections)

	_, err = LoadRules(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
