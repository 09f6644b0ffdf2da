package guardrail

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustBuild(t *testing.T, kind string, cfg Config) Guardrail {
	t.Helper()
	g, err := NewRegistry().Build(Spec{Name: kind, Kind: kind, Config: cfg}, Deps{})
	require.NoError(t, err)
	return g
}

func TestKeywordGuardrail(t *testing.T) {
	ctx := context.Background()

	t.Run("matches case-insensitively by default", func(t *testing.T) {
		g := mustBuild(t, KindKeyword, Config{"keywords": []string{"forbidden", "secret sauce"}})

		d, err := g.Analyze(ctx, "this is FORBIDDEN content", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBlock, d.Action)
		assert.Contains(t, d.Reason, "forbidden")

		d, err = g.Analyze(ctx, "perfectly fine", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionAllow, d.Action)
	})

	t.Run("whole word matching", func(t *testing.T) {
		g := mustBuild(t, KindKeyword, Config{
			"keywords":          []string{"spam"},
			"match_whole_words": true,
		})

		d, err := g.Analyze(ctx, "I like spamalot musicals", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionAllow, d.Action, "substring inside a word should not match")

		d, err = g.Analyze(ctx, "this is spam mail", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBlock, d.Action)
	})

	t.Run("case sensitive matching", func(t *testing.T) {
		g := mustBuild(t, KindKeyword, Config{
			"keywords":       []string{"Secret"},
			"case_sensitive": true,
		})

		d, err := g.Analyze(ctx, "a secret plan", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionAllow, d.Action)

		d, err = g.Analyze(ctx, "a Secret plan", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBlock, d.Action)
	})

	t.Run("loads keywords from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keywords.txt")
		require.NoError(t, os.WriteFile(path, []byte("# banned terms\nblacklisted\n\ncontraband\n"), 0o644))

		g := mustBuild(t, KindKeyword, Config{"keywords_file": path})

		d, err := g.Analyze(ctx, "carrying contraband", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBlock, d.Action)

		d, err = g.Analyze(ctx, "# banned terms", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionAllow, d.Action, "comment lines are not keywords")
	})

	t.Run("missing file fails the build", func(t *testing.T) {
		_, err := NewRegistry().Build(Spec{
			Name:   "kw",
			Kind:   KindKeyword,
			Config: Config{"keywords_file": "/nonexistent/keywords.txt"},
		}, Deps{})
		require.Error(t, err)

		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "kw", cfgErr.Name)
		assert.Equal(t, "keywords_file", cfgErr.Field)
	})

	t.Run("warn action", func(t *testing.T) {
		g := mustBuild(t, KindKeyword, Config{
			"keywords": []string{"refund"},
			"action":   "warn",
		})

		d, err := g.Analyze(ctx, "I want a refund", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionWarn, d.Action)
	})
}

func TestRegexGuardrail(t *testing.T) {
	ctx := context.Background()

	t.Run("matches configured patterns", func(t *testing.T) {
		g := mustBuild(t, KindRegex, Config{"patterns": []string{`(?i)order\s+#\d{6}`}})

		d, err := g.Analyze(ctx, "please check Order #123456", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBlock, d.Action)
		assert.NotEmpty(t, d.Details["matched_patterns"])
	})

	t.Run("invalid pattern fails the build", func(t *testing.T) {
		_, err := NewRegistry().Build(Spec{
			Name:   "re",
			Kind:   KindRegex,
			Config: Config{"patterns": []string{`[unclosed`}},
		}, Deps{})
		require.Error(t, err)

		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "patterns", cfgErr.Field)
	})
}

func TestLengthGuardrail(t *testing.T) {
	ctx := context.Background()
	g := mustBuild(t, KindLength, Config{"min_chars": 5, "max_chars": 20})

	tests := []struct {
		name    string
		content string
		action  Action
	}{
		{"within bounds", "hello world", ActionAllow},
		{"too short", "hey", ActionBlock},
		{"too long", "this content is much too long to pass", ActionBlock},
		{"exactly max", "12345678901234567890", ActionAllow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := g.Analyze(ctx, tt.content, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.action, d.Action)
		})
	}

	t.Run("counts runes not bytes", func(t *testing.T) {
		d, err := g.Analyze(ctx, "héllo", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionAllow, d.Action)
	})

	t.Run("no bounds fails the build", func(t *testing.T) {
		_, err := NewRegistry().Build(Spec{Kind: KindLength}, Deps{})
		require.Error(t, err)
	})
}

func TestURLFilterGuardrail(t *testing.T) {
	ctx := context.Background()

	t.Run("blocked domains include subdomains", func(t *testing.T) {
		g := mustBuild(t, KindURLFilter, Config{"blocked_domains": []string{"evil.example"}})

		d, err := g.Analyze(ctx, "download from https://cdn.evil.example/payload", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBlock, d.Action)

		d, err = g.Analyze(ctx, "see https://good.example/page", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionAllow, d.Action)
	})

	t.Run("allowed list blocks everything else", func(t *testing.T) {
		g := mustBuild(t, KindURLFilter, Config{"allowed_domains": []string{"docs.example"}})

		d, err := g.Analyze(ctx, "see https://docs.example/guide and http://other.example", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBlock, d.Action)
		assert.Contains(t, d.Reason, "other.example")
	})

	t.Run("blocked extensions", func(t *testing.T) {
		g := mustBuild(t, KindURLFilter, Config{"blocked_extensions": []string{"exe", ".bat"}})

		d, err := g.Analyze(ctx, "get www.files.example/setup.exe now", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBlock, d.Action)
	})

	t.Run("no URLs allows", func(t *testing.T) {
		g := mustBuild(t, KindURLFilter, Config{"blocked_domains": []string{"evil.example"}})

		d, err := g.Analyze(ctx, "no links here", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionAllow, d.Action)
	})
}

func TestPIIGuardrail(t *testing.T) {
	ctx := context.Background()
	g := mustBuild(t, KindPII, Config{})

	tests := []struct {
		name    string
		content string
		entity  string
	}{
		{"ssn", "My SSN is 123-45-6789", "ssn"},
		{"email", "reach me at jane.doe@example.com", "email"},
		{"credit card", "card number 4111 1111 1111 1111", "credit_card"},
		{"phone", "call me at (555) 123-4567", "phone"},
		{"ip address", "server at 192.168.1.100", "ip_address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := g.Analyze(ctx, tt.content, nil)
			require.NoError(t, err)
			assert.Equal(t, ActionBlock, d.Action)
			assert.Contains(t, d.Reason, "personal information")
			assert.Contains(t, d.Details["entities"], tt.entity)
		})
	}

	t.Run("clean content allows", func(t *testing.T) {
		d, err := g.Analyze(ctx, "the weather is nice today", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionAllow, d.Action)
	})

	t.Run("entities subset", func(t *testing.T) {
		g := mustBuild(t, KindPII, Config{"entities": []string{"ssn"}})

		d, err := g.Analyze(ctx, "email me at jane@example.com", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionAllow, d.Action, "email is outside the configured subset")
	})

	t.Run("unknown entity fails the build", func(t *testing.T) {
		_, err := NewRegistry().Build(Spec{
			Kind:   KindPII,
			Config: Config{"entities": []string{"passport"}},
		}, Deps{})
		require.Error(t, err)
	})
}

func TestToxicityGuardrail(t *testing.T) {
	ctx := context.Background()
	g := mustBuild(t, KindToxicity, Config{})

	t.Run("threats block", func(t *testing.T) {
		d, err := g.Analyze(ctx, "I will hurt you and everyone you know", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBlock, d.Action)
		assert.GreaterOrEqual(t, d.Confidence, 0.7)
	})

	t.Run("mild insults warn", func(t *testing.T) {
		d, err := g.Analyze(ctx, "that was a stupid idea", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionWarn, d.Action, "single mild insult should warn, not block")
		assert.NotEmpty(t, d.Reason)
	})

	t.Run("neutral content allows", func(t *testing.T) {
		d, err := g.Analyze(ctx, "thanks for the quick help", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionAllow, d.Action)
	})

	t.Run("custom thresholds", func(t *testing.T) {
		strict := mustBuild(t, KindToxicity, Config{"block_threshold": 0.5, "warn_threshold": 0.2})

		d, err := strict.Analyze(ctx, "that was a stupid idea", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBlock, d.Action)
	})
}

func TestCodeGenerationGuardrail(t *testing.T) {
	ctx := context.Background()
	g := mustBuild(t, KindCodeGeneration, Config{})

	t.Run("dangerous commands block", func(t *testing.T) {
		d, err := g.Analyze(ctx, "just run rm -rf / and then eval(payload)", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBlock, d.Action)
		assert.Contains(t, d.Details["signals"], "dangerous_operation")
	})

	t.Run("code fences block", func(t *testing.T) {
		d, err := g.Analyze(ctx, "```python\ndef greet():\n    pass\n```", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBlock, d.Action)
	})

	t.Run("generation request triggers", func(t *testing.T) {
		d, err := g.Analyze(ctx, "write me a script that scrapes the site", nil)
		require.NoError(t, err)
		assert.NotEqual(t, ActionAllow, d.Action)
	})

	t.Run("prose allows", func(t *testing.T) {
		d, err := g.Analyze(ctx, "my program of study includes a writing class", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionAllow, d.Action)
	})
}

func TestTopicGuardrail(t *testing.T) {
	ctx := context.Background()

	t.Run("deny mode blocks listed topics", func(t *testing.T) {
		g := mustBuild(t, KindTopic, Config{"denied_topics": []string{"medical_advice"}})

		d, err := g.Analyze(ctx, "what dosage of this medication should I take", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBlock, d.Action)
		assert.Contains(t, d.Reason, "medical_advice")

		d, err = g.Analyze(ctx, "what are your store hours", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionAllow, d.Action)
	})

	t.Run("allow mode blocks detected off-topic content", func(t *testing.T) {
		g := mustBuild(t, KindTopic, Config{
			"mode":           "allow",
			"allowed_topics": []string{"billing"},
			"topics": map[string][]string{
				"billing": {"invoice", "payment", "refund"},
			},
		})

		d, err := g.Analyze(ctx, "I need legal advice about a lawsuit", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBlock, d.Action)

		d, err = g.Analyze(ctx, "my invoice is wrong", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionAllow, d.Action)

		d, err = g.Analyze(ctx, "hello there", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionAllow, d.Action, "neutral content matches no topic group")
	})

	t.Run("both mode applies deny first", func(t *testing.T) {
		g := mustBuild(t, KindTopic, Config{
			"mode":           "both",
			"allowed_topics": []string{"billing"},
			"denied_topics":  []string{"violence"},
			"topics": map[string][]string{
				"billing": {"invoice"},
			},
		})

		d, err := g.Analyze(ctx, "my invoice mentions a weapon", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBlock, d.Action)
		assert.Contains(t, d.Reason, "violence")
	})

	t.Run("custom topic patterns", func(t *testing.T) {
		g := mustBuild(t, KindTopic, Config{
			"denied_topics":  []string{"account_numbers"},
			"topic_patterns": map[string][]string{"account_numbers": {`\bACCT-\d{8}\b`}},
		})

		d, err := g.Analyze(ctx, "my account is ACCT-12345678", nil)
		require.NoError(t, err)
		assert.Equal(t, ActionBlock, d.Action)
	})

	t.Run("deny mode without topics fails the build", func(t *testing.T) {
		_, err := NewRegistry().Build(Spec{Kind: KindTopic}, Deps{})
		require.Error(t, err)
	})
}

func TestHealthTracking(t *testing.T) {
	ctx := context.Background()
	g := mustBuild(t, KindKeyword, Config{"keywords": []string{"x"}})

	require.Equal(t, StatusHealthy, g.Health().Status)

	for i := 0; i < 5; i++ {
		_, err := g.Analyze(ctx, "clean content", nil)
		require.NoError(t, err)
	}

	h := g.Health()
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, uint64(5), h.Checks)
	assert.Zero(t, h.Failures)
}
