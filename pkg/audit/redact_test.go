package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactor(t *testing.T) {
	r := NewRedactor()

	t.Run("ssn", func(t *testing.T) {
		out := r.Redact("My SSN is 123-45-6789.")
		assert.Equal(t, "My SSN is [REDACTED:ssn].", out)
	})

	t.Run("credit card", func(t *testing.T) {
		out := r.Redact("card 4111 1111 1111 1111 please")
		assert.Equal(t, "card [REDACTED:credit_card] please", out)
	})

	t.Run("email", func(t *testing.T) {
		out := r.Redact("reach me at Alice.Doe+test@Example.co.uk thanks")
		assert.Equal(t, "reach me at [REDACTED:email] thanks", out)
	})

	t.Run("phone", func(t *testing.T) {
		out := r.Redact("call (555) 123-4567 now")
		assert.Equal(t, "call [REDACTED:phone] now", out)
	})

	t.Run("api key", func(t *testing.T) {
		out := r.Redact("use sk-abcdefghijklmnop123456 for auth")
		assert.Equal(t, "use [REDACTED:api_key] for auth", out)
	})

	t.Run("multiple kinds in one text", func(t *testing.T) {
		out := r.Redact("ssn 123-45-6789, email a@b.com")
		assert.Contains(t, out, "[REDACTED:ssn]")
		assert.Contains(t, out, "[REDACTED:email]")
		assert.NotContains(t, out, "123-45-6789")
		assert.NotContains(t, out, "a@b.com")
	})

	t.Run("idempotent", func(t *testing.T) {
		once := r.Redact("SSN 123-45-6789 and card 4111111111111111")
		twice := r.Redact(once)
		assert.Equal(t, once, twice)
	})

	t.Run("clean text untouched", func(t *testing.T) {
		in := "What is the weather like in Paris today?"
		assert.Equal(t, in, r.Redact(in))
	})
}

func TestRedactEvent(t *testing.T) {
	r := NewRedactor()

	t.Run("text and reason are redacted", func(t *testing.T) {
		e := NewPromptEvent("my email is bob@example.com")
		e.Reason = "matched 123-45-6789"

		got := r.RedactEvent(e)
		assert.Equal(t, "my email is [REDACTED:email]", got.Text)
		assert.Equal(t, "matched [REDACTED:ssn]", got.Reason)
	})

	t.Run("identifiers survive", func(t *testing.T) {
		e := NewPromptEvent("bob@example.com").WithIDs("conv-1", "bob@example.com", "req-1")
		got := r.RedactEvent(e)
		assert.Equal(t, "conv-1", got.ConversationID)
		assert.Equal(t, "bob@example.com", got.UserID, "user ids are attribution, not content")
		assert.Equal(t, "req-1", got.RequestID)
		assert.Equal(t, "[REDACTED:email]", got.Text)
	})
}
