package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memorySink collects batches for inspection. A non-nil gate makes Write
// block until the gate closes, simulating a stalled destination.
type memorySink struct {
	mu     sync.Mutex
	events []Event
	gate   chan struct{}
}

func (m *memorySink) Write(events []Event) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
	return nil
}

func (m *memorySink) Flush() error { return nil }
func (m *memorySink) Close() error { return nil }

func (m *memorySink) all() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event{}, m.events...)
}

func (m *memorySink) byType(t EventType) []Event {
	var out []Event
	for _, e := range m.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func TestTrailLifecycle(t *testing.T) {
	t.Run("enable then disable flushes everything", func(t *testing.T) {
		ms := &memorySink{}
		tr := NewTrail(nil)
		require.NoError(t, tr.Enable(WithSink(ms), WithEnvironment(EnvDevelopment)))

		tr.Record(NewPromptEvent("hello"))
		tr.Record(NewResponseEvent("world"))
		require.NoError(t, tr.Disable())

		events := ms.all()
		require.Len(t, events, 3, "audit_enabled plus two recorded events")
		assert.Equal(t, EventAuditEnabled, events[0].Type)
		assert.Equal(t, "hello", events[1].Text)
		assert.Equal(t, "world", events[2].Text)
	})

	t.Run("double enable fails", func(t *testing.T) {
		tr := NewTrail(nil)
		require.NoError(t, tr.Enable(WithSink(&memorySink{}), WithEnvironment(EnvDevelopment)))
		defer tr.Disable()

		assert.ErrorIs(t, tr.Enable(WithSink(&memorySink{})), ErrAlreadyEnabled)
	})

	t.Run("disable when disabled fails", func(t *testing.T) {
		tr := NewTrail(nil)
		assert.ErrorIs(t, tr.Disable(), ErrNotEnabled)
	})

	t.Run("record on disabled trail is a no-op", func(t *testing.T) {
		tr := NewTrail(nil)
		tr.Record(NewPromptEvent("dropped on the floor"))
		assert.Nil(t, tr.Query(Filter{}))
	})

	t.Run("re-enable after disable", func(t *testing.T) {
		ms := &memorySink{}
		tr := NewTrail(nil)
		require.NoError(t, tr.Enable(WithSink(ms), WithEnvironment(EnvDevelopment)))
		tr.Record(NewPromptEvent("first run"))
		require.NoError(t, tr.Disable())

		ms2 := &memorySink{}
		require.NoError(t, tr.Enable(WithSink(ms2), WithEnvironment(EnvDevelopment)))
		tr.Record(NewPromptEvent("second run"))
		require.NoError(t, tr.Disable())

		assert.Len(t, ms2.byType(EventPrompt), 1)
		assert.Equal(t, "second run", ms2.byType(EventPrompt)[0].Text)
	})
}

func TestTrailSequencing(t *testing.T) {
	t.Run("sequence is strictly increasing and unique", func(t *testing.T) {
		ms := &memorySink{}
		tr := NewTrail(nil)
		require.NoError(t, tr.Enable(WithSink(ms), WithEnvironment(EnvDevelopment)))

		for i := 0; i < 20; i++ {
			tr.Record(NewPromptEvent(fmt.Sprintf("p%d", i)))
		}
		require.NoError(t, tr.Disable())

		seen := map[uint64]bool{}
		for _, e := range ms.all() {
			require.NotZero(t, e.Sequence)
			require.False(t, seen[e.Sequence], "sequence %d assigned twice", e.Sequence)
			seen[e.Sequence] = true
		}
		assert.Len(t, seen, 21)
	})

	t.Run("per-recorder order is preserved under concurrency", func(t *testing.T) {
		ms := &memorySink{}
		tr := NewTrail(nil)
		require.NoError(t, tr.Enable(
			WithSink(ms),
			WithEnvironment(EnvDevelopment),
			WithBufferSize(4),
			WithBatchSize(2)))

		const recorders = 8
		const perRecorder = 50
		var wg sync.WaitGroup
		for r := 0; r < recorders; r++ {
			wg.Add(1)
			go func(r int) {
				defer wg.Done()
				conv := fmt.Sprintf("conv-%d", r)
				for i := 0; i < perRecorder; i++ {
					e := NewPromptEvent(fmt.Sprintf("%d", i)).WithIDs(conv, "", "")
					tr.Record(e)
				}
			}(r)
		}
		wg.Wait()
		require.NoError(t, tr.Disable())

		events := ms.all()
		require.Len(t, events, recorders*perRecorder+1)

		last := map[string]int{}
		for _, e := range events {
			if e.Type != EventPrompt {
				continue
			}
			var i int
			_, err := fmt.Sscanf(e.Text, "%d", &i)
			require.NoError(t, err)
			prev, ok := last[e.ConversationID]
			if ok {
				assert.Greater(t, i, prev, "events from %s arrived out of order", e.ConversationID)
			}
			last[e.ConversationID] = i
		}
	})
}

func TestTrailFailSafeMode(t *testing.T) {
	t.Run("blocks instead of dropping when the queue is full", func(t *testing.T) {
		gate := make(chan struct{})
		ms := &memorySink{gate: gate}
		tr := NewTrail(nil)
		require.NoError(t, tr.Enable(
			WithSink(ms),
			WithEnvironment(EnvDevelopment),
			WithMode(ModeFailSafe),
			WithBufferSize(1),
			WithBatchSize(1)))

		done := make(chan struct{})
		go func() {
			defer close(done)
			for i := 0; i < 10; i++ {
				tr.Record(NewPromptEvent(fmt.Sprintf("p%d", i)))
			}
		}()

		// The recorder must stall: the sink is gated and the queue holds
		// one event.
		select {
		case <-done:
			t.Fatal("recorder finished while the sink was stalled")
		case <-time.After(50 * time.Millisecond):
		}

		close(gate)
		<-done
		require.NoError(t, tr.Disable())

		assert.EqualValues(t, 0, tr.Dropped())
		assert.Len(t, ms.byType(EventPrompt), 10, "every event must survive the stall")
	})
}

func TestTrailContinueMode(t *testing.T) {
	t.Run("drops under pressure and marks the gap", func(t *testing.T) {
		gate := make(chan struct{})
		ms := &memorySink{gate: gate}
		tr := NewTrail(nil)
		require.NoError(t, tr.Enable(
			WithSink(ms),
			WithEnvironment(EnvDevelopment),
			WithMode(ModeContinue),
			WithBufferSize(2),
			WithBatchSize(1),
			WithEnqueueTimeout(5*time.Millisecond)))

		for i := 0; i < 20; i++ {
			tr.Record(NewPromptEvent(fmt.Sprintf("p%d", i)))
		}
		require.Positive(t, tr.Dropped(), "a stalled sink must force drops")

		close(gate)
		require.NoError(t, tr.Flush())

		// The next event closes the completeness gap with a marker.
		tr.Record(NewPromptEvent("after recovery"))
		require.NoError(t, tr.Flush())
		require.NoError(t, tr.Disable())

		markers := ms.byType(EventSystemError)
		require.Len(t, markers, 1, "exactly one gap marker per gap")
		assert.EqualValues(t, tr.Dropped(), markers[0].Dropped)
		assert.Contains(t, markers[0].Error, "dropped")

		prompts := ms.byType(EventPrompt)
		assert.Equal(t, "after recovery", prompts[len(prompts)-1].Text)
	})
}

func TestTrailRedaction(t *testing.T) {
	t.Run("redacts before the event enters the queue", func(t *testing.T) {
		ms := &memorySink{}
		tr := NewTrail(nil)
		require.NoError(t, tr.Enable(
			WithSink(ms),
			WithEnvironment(EnvDevelopment),
			WithRedaction(true)))

		tr.Record(NewPromptEvent("my ssn is 123-45-6789"))
		require.NoError(t, tr.Disable())

		prompts := ms.byType(EventPrompt)
		require.Len(t, prompts, 1)
		assert.Equal(t, "my ssn is [REDACTED:ssn]", prompts[0].Text)
	})

	t.Run("query sees the redacted copy", func(t *testing.T) {
		tr := NewTrail(nil)
		require.NoError(t, tr.Enable(
			WithSink(&memorySink{}),
			WithEnvironment(EnvDevelopment),
			WithRedaction(true)))
		defer tr.Disable()

		tr.Record(NewPromptEvent("mail me at alice@example.com"))
		got := tr.Query(Filter{Types: []EventType{EventPrompt}})
		require.Len(t, got, 1)
		assert.NotContains(t, got[0].Text, "alice@example.com")
	})

	t.Run("development profile keeps text verbatim", func(t *testing.T) {
		ms := &memorySink{}
		tr := NewTrail(nil)
		require.NoError(t, tr.Enable(WithSink(ms), WithEnvironment(EnvDevelopment)))

		tr.Record(NewPromptEvent("mail me at alice@example.com"))
		require.NoError(t, tr.Disable())
		assert.Equal(t, "mail me at alice@example.com", ms.byType(EventPrompt)[0].Text)
	})
}

func TestTrailFlush(t *testing.T) {
	t.Run("flush makes recorded events visible without disable", func(t *testing.T) {
		ms := &memorySink{}
		tr := NewTrail(nil)
		require.NoError(t, tr.Enable(
			WithSink(ms),
			WithEnvironment(EnvDevelopment),
			WithBatchSize(100),
			WithFlushInterval(time.Hour)))
		defer tr.Disable()

		tr.Record(NewPromptEvent("pending"))
		require.NoError(t, tr.Flush())

		assert.NotEmpty(t, ms.byType(EventPrompt))
	})

	t.Run("flush on disabled trail is a no-op", func(t *testing.T) {
		tr := NewTrail(nil)
		assert.NoError(t, tr.Flush())
	})

	t.Run("interval flush drains partial batches", func(t *testing.T) {
		ms := &memorySink{}
		tr := NewTrail(nil)
		require.NoError(t, tr.Enable(
			WithSink(ms),
			WithEnvironment(EnvDevelopment),
			WithBatchSize(100),
			WithFlushInterval(20*time.Millisecond)))
		defer tr.Disable()

		tr.Record(NewPromptEvent("ticked out"))
		require.Eventually(t, func() bool {
			return len(ms.byType(EventPrompt)) == 1
		}, time.Second, 10*time.Millisecond)
	})
}

func TestTrailQuery(t *testing.T) {
	ms := &memorySink{}
	tr := NewTrail(nil)
	require.NoError(t, tr.Enable(WithSink(ms), WithEnvironment(EnvDevelopment)))
	defer tr.Disable()

	tr.Record(NewPromptEvent("hi").WithIDs("conv-a", "alice", "req-1"))
	tr.Record(NewDecisionEvent("kw", "keyword", "block", "matched", 1).WithIDs("conv-a", "alice", "req-1"))
	tr.Record(NewPromptEvent("hello").WithIDs("conv-b", "bob", "req-2"))

	t.Run("by conversation", func(t *testing.T) {
		got := tr.Query(Filter{ConversationID: "conv-a"})
		require.Len(t, got, 2)
		assert.Equal(t, EventPrompt, got[0].Type)
		assert.Equal(t, EventGuardrailDecision, got[1].Type)
	})

	t.Run("by type", func(t *testing.T) {
		got := tr.Query(Filter{Types: []EventType{EventPrompt}})
		assert.Len(t, got, 2)
	})

	t.Run("by decision", func(t *testing.T) {
		got := tr.Query(Filter{Decision: "block"})
		require.Len(t, got, 1)
		assert.Equal(t, "kw", got[0].GuardrailName)
	})

	t.Run("by user", func(t *testing.T) {
		got := tr.Query(Filter{UserID: "bob"})
		require.Len(t, got, 1)
		assert.Equal(t, "hello", got[0].Text)
	})

	t.Run("empty filter returns everything", func(t *testing.T) {
		got := tr.Query(Filter{})
		assert.Len(t, got, 4, "audit_enabled plus three recorded events")
	})
}

func TestTrailQueryDepth(t *testing.T) {
	tr := NewTrail(nil)
	require.NoError(t, tr.Enable(
		WithSink(&memorySink{}),
		WithEnvironment(EnvDevelopment),
		WithQueryDepth(5)))
	defer tr.Disable()

	for i := 0; i < 12; i++ {
		tr.Record(NewPromptEvent(fmt.Sprintf("p%d", i)))
	}
	got := tr.Query(Filter{Types: []EventType{EventPrompt}})
	require.Len(t, got, 5, "ring keeps only the newest events")
	assert.Equal(t, "p7", got[0].Text)
	assert.Equal(t, "p11", got[4].Text)
}

func TestTrailExport(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := NewTrail(nil)
	require.NoError(t, tr.Enable(WithSink(&memorySink{}), WithEnvironment(EnvDevelopment)))
	defer tr.Disable()

	for i := 0; i < 3; i++ {
		e := NewPromptEvent(fmt.Sprintf("p%d", i))
		e.Timestamp = base.Add(time.Duration(i) * time.Hour)
		tr.Record(e)
	}

	rc, err := tr.Export(TimeRange{
		Start: base.Add(30 * time.Minute),
		End:   base.Add(90 * time.Minute),
	}, nil)
	require.NoError(t, err)
	defer rc.Close()

	var events []Event
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		events = append(events, e)
	}
	require.NoError(t, sc.Err())
	require.Len(t, events, 1)
	assert.Equal(t, "p1", events[0].Text)
}

func TestDetectEnvironment(t *testing.T) {
	t.Run("verbose flag forces development", func(t *testing.T) {
		t.Setenv(EnvVerbose, "1")
		t.Setenv(EnvEnvironment, "production")
		assert.Equal(t, EnvDevelopment, DetectEnvironment())
	})

	t.Run("explicit environment wins", func(t *testing.T) {
		t.Setenv(EnvVerbose, "")
		t.Setenv(EnvEnvironment, "production")
		assert.Equal(t, EnvProduction, DetectEnvironment())
	})

	t.Run("kubernetes service host means container", func(t *testing.T) {
		t.Setenv(EnvVerbose, "")
		t.Setenv(EnvEnvironment, "")
		t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")
		assert.Equal(t, EnvContainer, DetectEnvironment())
	})
}

func TestDefaultTrail(t *testing.T) {
	ms := &memorySink{}
	require.NoError(t, Enable(WithSink(ms), WithEnvironment(EnvDevelopment)))

	Record(NewPromptEvent("through the default trail"))
	require.NoError(t, Flush())
	assert.NotEmpty(t, Query(Filter{Types: []EventType{EventPrompt}}))

	require.NoError(t, Disable())
	assert.Len(t, ms.byType(EventPrompt), 1)
}
