// Package audit provides the security event trail: a buffered, lossless,
// environment-aware writer of prompts, responses, and guardrail decisions.
// Events flow through a bounded queue into a single writer goroutine that
// batches them out to the configured sinks, cutting sink I/O well below one
// write per event. In fail-safe mode a full queue blocks the recorder so
// nothing is ever lost; in continue mode the recorder waits briefly, then
// drops and marks the gap with a system_error event.
package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Mode governs what Record does when the queue is full.
type Mode string

const (
	// ModeFailSafe blocks the recorder until the queue has room. The audit
	// system becomes the bottleneck rather than losing events.
	ModeFailSafe Mode = "fail-safe"
	// ModeContinue waits up to the enqueue timeout, then drops the event,
	// counts it, and emits a completeness-gap marker.
	ModeContinue Mode = "continue"
)

// Environment selects the smart defaults applied by a bare Enable().
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvContainer   Environment = "container"
	EnvProduction  Environment = "production"
)

// DefaultLogPath is where the production profile writes when no destination
// is configured.
const DefaultLogPath = "/var/log/stinger/audit.log"

// EnvVerbose forces the development profile regardless of detection.
const EnvVerbose = "STINGER_AUDIT_VERBOSE"

// EnvEnvironment overrides environment detection outright.
const EnvEnvironment = "STINGER_ENV"

var (
	ErrAlreadyEnabled = errors.New("audit: trail already enabled")
	ErrNotEnabled     = errors.New("audit: trail not enabled")
)

// DetectEnvironment guesses where the process runs. STINGER_AUDIT_VERBOSE
// forces development; STINGER_ENV wins over detection; container signals
// (docker env file, Kubernetes service env) select the container profile;
// everything else is treated as development.
func DetectEnvironment() Environment {
	if isTruthy(os.Getenv(EnvVerbose)) {
		return EnvDevelopment
	}
	switch strings.ToLower(os.Getenv(EnvEnvironment)) {
	case "production", "prod":
		return EnvProduction
	case "development", "dev", "test":
		return EnvDevelopment
	case "container":
		return EnvContainer
	}
	if inContainer() {
		return EnvContainer
	}
	return EnvDevelopment
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func inContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

type options struct {
	env            Environment
	destinations   []string
	sinks          []Sink
	redact         *bool
	mode           Mode
	bufferSize     int
	batchSize      int
	flushInterval  time.Duration
	enqueueTimeout time.Duration
	queryDepth     int
	maxFileSize    int64
	logger         *zap.Logger
}

// Option configures Enable.
type Option func(*options)

// WithDestination sets a single sink destination: a file path, or "stdout".
func WithDestination(dest string) Option {
	return func(o *options) { o.destinations = []string{dest} }
}

// WithDestinations fans events out to several destinations.
func WithDestinations(dests []string) Option {
	return func(o *options) { o.destinations = append([]string{}, dests...) }
}

// WithSink adds a pre-built sink, such as the gorm archive.
func WithSink(s Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// WithRedaction forces PII redaction on or off, overriding the environment
// profile.
func WithRedaction(on bool) Option {
	return func(o *options) { o.redact = &on }
}

// WithMode selects the backpressure behavior.
func WithMode(m Mode) Option {
	return func(o *options) { o.mode = m }
}

// WithBufferSize sets the queue capacity.
func WithBufferSize(n int) Option {
	return func(o *options) { o.bufferSize = n }
}

// WithFlushInterval sets how often the writer flushes a partial batch.
func WithFlushInterval(d time.Duration) Option {
	return func(o *options) { o.flushInterval = d }
}

// WithBatchSize sets how many events the writer hands to sinks at once.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithEnvironment pins the environment profile instead of detecting it.
func WithEnvironment(env Environment) Option {
	return func(o *options) { o.env = env }
}

// WithEnqueueTimeout bounds how long a continue-mode Record waits for queue
// room before dropping.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(o *options) { o.enqueueTimeout = d }
}

// WithQueryDepth sets how many recent events Query retains.
func WithQueryDepth(n int) Option {
	return func(o *options) { o.queryDepth = n }
}

// WithMaxFileSize caps audit files before size rotation. Negative disables
// size rotation.
func WithMaxFileSize(n int64) Option {
	return func(o *options) { o.maxFileSize = n }
}

// WithLogger sets the trail's operational logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func (o *options) applyDefaults() {
	if o.env == "" {
		o.env = DetectEnvironment()
	}
	switch o.env {
	case EnvProduction:
		if len(o.destinations) == 0 && len(o.sinks) == 0 {
			o.destinations = []string{DefaultLogPath}
		}
		if o.redact == nil {
			on := true
			o.redact = &on
		}
		if o.bufferSize <= 0 {
			o.bufferSize = 8192
		}
	case EnvContainer:
		if len(o.destinations) == 0 && len(o.sinks) == 0 {
			o.destinations = []string{"stdout"}
		}
		if o.redact == nil {
			on := true
			o.redact = &on
		}
	default:
		if len(o.destinations) == 0 && len(o.sinks) == 0 {
			o.destinations = []string{"stdout"}
		}
		if o.redact == nil {
			off := false
			o.redact = &off
		}
	}
	if o.mode == "" {
		o.mode = ModeFailSafe
	}
	if o.bufferSize <= 0 {
		o.bufferSize = 1024
	}
	if o.batchSize <= 0 {
		o.batchSize = 64
	}
	if o.flushInterval <= 0 {
		o.flushInterval = 2 * time.Second
	}
	if o.enqueueTimeout <= 0 {
		o.enqueueTimeout = 50 * time.Millisecond
	}
	if o.queryDepth <= 0 {
		o.queryDepth = 4096
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
}

// Trail is an audit event pipeline from many recorders to a set of sinks.
// The zero value is disabled; Enable starts it, Disable flushes and stops
// it. All methods are safe for concurrent use.
type Trail struct {
	mu             sync.RWMutex
	enabled        bool
	mode           Mode
	queue          chan Event
	sinks          []Sink
	redactor       *Redactor
	enqueueTimeout time.Duration
	flushReq       chan chan struct{}
	logger         *zap.Logger
	wg             sync.WaitGroup

	seq     atomic.Uint64
	dropped atomic.Uint64
	gapOpen atomic.Bool
	recent  *ring
}

// NewTrail returns a disabled trail. A nil logger falls back to no-op until
// Enable provides one.
func NewTrail(logger *zap.Logger) *Trail {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trail{logger: logger}
}

// Default is the process-wide trail. The package-level Enable, Disable,
// Record, Query, Export, and Flush forward to it; pipelines fall back to it
// when not handed an explicit trail.
var Default = NewTrail(nil)

// Enable forwards to the default trail.
func Enable(opts ...Option) error { return Default.Enable(opts...) }

// Disable forwards to the default trail.
func Disable() error { return Default.Disable() }

// Record forwards to the default trail.
func Record(e Event) { Default.Record(e) }

// Query forwards to the default trail.
func Query(f Filter) []Event { return Default.Query(f) }

// Export forwards to the default trail.
func Export(tr TimeRange, f *Filter) (io.ReadCloser, error) { return Default.Export(tr, f) }

// Flush forwards to the default trail.
func Flush() error { return Default.Flush() }

// Enable configures sinks and starts the writer. Without options the
// environment profile decides destinations, redaction, and buffer size.
// Enabling an already enabled trail fails.
func (t *Trail) Enable(opts ...Option) error {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = t.logger
	}
	o.applyDefaults()

	sinks := append([]Sink{}, o.sinks...)
	for _, dest := range o.destinations {
		s, err := buildSink(dest, o.maxFileSize)
		if err != nil {
			for _, built := range sinks {
				_ = built.Close()
			}
			return err
		}
		sinks = append(sinks, s)
	}

	t.mu.Lock()
	if t.enabled {
		t.mu.Unlock()
		for _, s := range sinks {
			_ = s.Close()
		}
		return ErrAlreadyEnabled
	}

	t.enabled = true
	t.mode = o.mode
	t.queue = make(chan Event, o.bufferSize)
	t.sinks = sinks
	t.enqueueTimeout = o.enqueueTimeout
	t.flushReq = make(chan chan struct{})
	t.recent = newRing(o.queryDepth)
	t.logger = o.logger.Named("audit")
	t.redactor = nil
	if *o.redact {
		t.redactor = NewRedactor()
	}

	t.wg.Add(1)
	go t.writer(t.queue, t.flushReq, sinks, o.batchSize, o.flushInterval)
	t.mu.Unlock()

	t.logger.Info("Audit trail enabled",
		zap.String("environment", string(o.env)),
		zap.Strings("destinations", o.destinations),
		zap.Int("extra_sinks", len(o.sinks)),
		zap.String("mode", string(o.mode)),
		zap.Bool("redact_pii", *o.redact),
		zap.Int("buffer_size", o.bufferSize))

	enabled := Event{Type: EventAuditEnabled, Timestamp: time.Now()}
	t.Record(enabled)
	return nil
}

func buildSink(dest string, maxFileSize int64) (Sink, error) {
	if strings.EqualFold(dest, "stdout") {
		return NewStdoutSink(), nil
	}
	return NewFileSink(dest, maxFileSize)
}

// Record accepts one event. On a disabled trail it is a no-op. The trail
// assigns the sequence number, stamps a missing timestamp, and applies
// redaction before the event enters the queue.
func (t *Trail) Record(e Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.enabled {
		return
	}

	e.Sequence = t.seq.Add(1)
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if t.redactor != nil {
		e = t.redactor.RedactEvent(e)
	}

	if t.mode == ModeFailSafe {
		t.queue <- e
		t.accepted(e)
		return
	}

	// Continue mode: close any open completeness gap as soon as the queue
	// has room again, then try the event itself.
	t.closeGap()

	select {
	case t.queue <- e:
		t.accepted(e)
		return
	default:
	}
	select {
	case t.queue <- e:
		t.accepted(e)
	case <-time.After(t.enqueueTimeout):
		t.drop(e)
	}
}

// accepted updates query state and metrics for an enqueued event.
func (t *Trail) accepted(e Event) {
	t.recent.add(e)
	auditEventsTotal.WithLabelValues(string(e.Type)).Inc()
	auditQueueDepth.Set(float64(len(t.queue)))
}

func (t *Trail) drop(e Event) {
	dropped := t.dropped.Add(1)
	auditDroppedTotal.Inc()
	t.gapOpen.Store(true)
	t.logger.Warn("Audit event dropped under backpressure",
		zap.String("type", string(e.Type)),
		zap.Uint64("total_dropped", dropped))
}

// closeGap emits the completeness-gap marker once per gap, carrying the
// cumulative drop count, so a later query shows where the trail is
// incomplete.
func (t *Trail) closeGap() {
	if !t.gapOpen.CompareAndSwap(true, false) {
		return
	}
	marker := NewSystemErrorEvent("audit backpressure: events were dropped", t.dropped.Load())
	marker.Sequence = t.seq.Add(1)
	select {
	case t.queue <- marker:
		t.accepted(marker)
	default:
		// Still saturated; reopen the gap and try on the next Record.
		t.gapOpen.Store(true)
	}
}

// Disable drains the queue, flushes every sink, closes them, and returns the
// trail to the disabled state. Every event accepted in fail-safe mode
// reaches every sink before Disable returns.
func (t *Trail) Disable() error {
	t.mu.Lock()
	if !t.enabled {
		t.mu.Unlock()
		return ErrNotEnabled
	}
	t.enabled = false
	queue := t.queue
	sinks := t.sinks
	t.queue = nil
	t.sinks = nil
	t.mu.Unlock()

	close(queue)
	t.wg.Wait()

	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.logger.Info("Audit trail disabled", zap.Uint64("events", t.seq.Load()), zap.Uint64("dropped", t.dropped.Load()))
	return errors.Join(errs...)
}

// Flush blocks until everything recorded so far has been written and synced
// to every sink. On a disabled trail it is a no-op.
func (t *Trail) Flush() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.enabled {
		return nil
	}
	ack := make(chan struct{})
	t.flushReq <- ack
	<-ack
	return nil
}

// Enabled reports whether the trail is accepting events.
func (t *Trail) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.enabled
}

// Dropped returns how many events were dropped since the process started.
func (t *Trail) Dropped() uint64 {
	return t.dropped.Load()
}

// Query returns recent accepted events matching the filter, oldest first.
// It serves development and small-scale forensic use from an in-memory ring;
// the archive sink answers larger queries.
func (t *Trail) Query(f Filter) []Event {
	t.mu.RLock()
	recent := t.recent
	t.mu.RUnlock()

	if recent == nil {
		return nil
	}
	var out []Event
	for _, e := range recent.snapshot() {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Export streams recent events in the time range (and optional filter) as
// JSON Lines.
func (t *Trail) Export(tr TimeRange, f *Filter) (io.ReadCloser, error) {
	t.mu.RLock()
	recent := t.recent
	t.mu.RUnlock()

	var buf bytes.Buffer
	if recent != nil {
		enc := json.NewEncoder(&buf)
		for _, e := range recent.snapshot() {
			if !tr.contains(e.Timestamp) {
				continue
			}
			if f != nil && !f.Matches(e) {
				continue
			}
			if err := enc.Encode(e); err != nil {
				return nil, err
			}
		}
	}
	return io.NopCloser(&buf), nil
}

// writer is the single goroutine draining the queue. Batches go out when
// full or on the flush tick; closing the queue triggers the final drain.
func (t *Trail) writer(queue chan Event, flushReq chan chan struct{}, sinks []Sink, batchSize int, flushInterval time.Duration) {
	defer t.wg.Done()

	batch := make([]Event, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	write := func() {
		if len(batch) == 0 {
			return
		}
		t.writeBatch(sinks, batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-queue:
			if !ok {
				write()
				t.flushSinks(sinks)
				return
			}
			batch = append(batch, e)
			auditQueueDepth.Set(float64(len(queue)))
			if len(batch) >= batchSize {
				write()
			}

		case ack := <-flushReq:
			// Take everything already queued so events recorded before the
			// Flush call are on disk when it returns.
		drain:
			for {
				select {
				case e, ok := <-queue:
					if !ok {
						break drain
					}
					batch = append(batch, e)
				default:
					break drain
				}
			}
			write()
			t.flushSinks(sinks)
			close(ack)

		case <-ticker.C:
			write()
			t.flushSinks(sinks)
		}
	}
}

func (t *Trail) writeBatch(sinks []Sink, batch []Event) {
	for _, s := range sinks {
		if err := s.Write(batch); err != nil {
			auditSinkWrites.WithLabelValues("error").Inc()
			t.logger.Error("Audit sink write failed",
				zap.Int("events", len(batch)),
				zap.Error(err))
			continue
		}
		auditSinkWrites.WithLabelValues("ok").Inc()
	}
}

func (t *Trail) flushSinks(sinks []Sink) {
	for _, s := range sinks {
		if err := s.Flush(); err != nil {
			t.logger.Warn("Audit sink flush failed", zap.Error(err))
		}
	}
}

// ring holds the most recent accepted events for Query and Export.
type ring struct {
	mu      sync.Mutex
	entries []Event
	head    int
	count   int
}

func newRing(size int) *ring {
	return &ring{entries: make([]Event, size)}
}

func (r *ring) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.head] = e
	r.head = (r.head + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
}

// snapshot returns retained events oldest first.
func (r *ring) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, 0, r.count)
	start := r.head - r.count
	for i := 0; i < r.count; i++ {
		idx := (start + i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}
