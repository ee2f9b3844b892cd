package runlog

import (
	"log"
	"sync"
	"time"

	"github.com/andywolf/stepflow-agent/internal/cloud/gcp"
	"github.com/andywolf/stepflow-agent/internal/security"
)

// severityFor maps a runlog.Level onto the gcp.Severity the optional cloud
// sink expects.
func severityFor(level Level) gcp.Severity {
	switch level {
	case LevelDebug:
		return gcp.SeverityDebug
	case LevelWarn:
		return gcp.SeverityWarning
	case LevelError:
		return gcp.SeverityError
	case LevelResult:
		return gcp.SeverityInfo
	default:
		return gcp.SeverityInfo
	}
}

// Logger fans out Events to a local *log.Logger, an optional GCP cloud
// logger, and an optional JSONL FileSink, generalizing a dual-forwarding
// logging pattern to the six required event kinds of the run's log event
// stream.
type Logger struct {
	stdout    *log.Logger
	cloud     gcp.LoggerInterface
	file      *FileSink
	sanitizer *security.LogSanitizer
	sessionID string
	now       func() time.Time

	mu        sync.Mutex
	iteration int
}

// Option configures a Logger.
type Option func(*Logger)

// WithCloudLogger attaches a gcp.LoggerInterface sink (optional).
func WithCloudLogger(cl gcp.LoggerInterface) Option {
	return func(l *Logger) { l.cloud = cl }
}

// WithFileSink attaches a JSONL FileSink (optional).
func WithFileSink(fs *FileSink) Option {
	return func(l *Logger) { l.file = fs }
}

// WithNowFunc overrides the clock used to timestamp events, for tests.
func WithNowFunc(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// WithSanitizer redacts tokens, API keys, and other secret-shaped
// substrings from every message and metadata string value before it
// reaches any sink. Optional: a mission whose prompts and tool output never
// touch credentials can omit it.
func WithSanitizer(s *security.LogSanitizer) Option {
	return func(l *Logger) { l.sanitizer = s }
}

// New constructs a Logger writing human-readable lines to stdout and
// fanning structured Events out to whichever optional sinks were supplied.
func New(stdout *log.Logger, sessionID string, opts ...Option) *Logger {
	l := &Logger{
		stdout:    stdout,
		sessionID: sessionID,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetIteration updates the iteration number attached to subsequent events.
func (l *Logger) SetIteration(iteration int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.iteration = iteration
	if l.cloud != nil {
		l.cloud.SetIteration(iteration)
	}
}

// Emit records a single structured Event and fans it out to every sink.
// File/cloud sink failures are logged to stdout but never returned: the
// run log stream must never abort a run in progress.
func (l *Logger) Emit(level Level, kind Kind, message string, metadata map[string]interface{}) {
	l.mu.Lock()
	iteration := l.iteration
	l.mu.Unlock()

	if l.sanitizer != nil {
		message = l.sanitizer.Sanitize(message)
		metadata = sanitizeMetadata(l.sanitizer, metadata)
	}

	ev := Event{
		Timestamp: l.now().UTC(),
		Level:     level,
		Kind:      kind,
		Message:   message,
		SessionID: l.sessionID,
		Iteration: iteration,
		Metadata:  metadata,
	}

	l.stdout.Printf("[%s] %s: %s", level, kind, message)

	if l.cloud != nil {
		fields := make(map[string]interface{}, len(metadata)+1)
		for k, v := range metadata {
			fields[k] = v
		}
		fields["kind"] = string(kind)
		l.cloud.Log(severityFor(level), message, fields)
	}

	if l.file != nil {
		if err := l.file.Write(ev); err != nil {
			l.stdout.Printf("[%s] run log file sink write failed: %v", LevelWarn, err)
		}
	}
}

// IterationStart emits the iteration-start event required at the top of
// every AgentLoop iteration.
func (l *Logger) IterationStart(iteration int, metadata map[string]interface{}) {
	l.SetIteration(iteration)
	l.Emit(LevelInfo, KindIterationStart, "iteration started", metadata)
}

// IterationEnd emits the iteration-end event, typically carrying the
// token-usage passthrough fields in metadata["tokens"].
func (l *Logger) IterationEnd(iteration int, metadata map[string]interface{}) {
	l.SetIteration(iteration)
	l.Emit(LevelInfo, KindIterationEnd, "iteration ended", metadata)
}

// CompletionDecision emits the outcome of a CompletionHandler.IsComplete
// evaluation.
func (l *Logger) CompletionDecision(complete bool, description string, metadata map[string]interface{}) {
	m := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		m[k] = v
	}
	m["complete"] = complete
	l.Emit(LevelResult, KindCompletionDecide, description, m)
}

// PromptBuilt emits a record of a prompt resolution (initial or
// continuation) having produced a prompt string.
func (l *Logger) PromptBuilt(stepOrKind string, metadata map[string]interface{}) {
	l.Emit(LevelDebug, KindPromptBuilt, "prompt built: "+stepOrKind, metadata)
}

// BoundaryHook emits a record of a BoundaryHook invocation (label/close
// mutation or equivalent terminal-step side effect).
func (l *Logger) BoundaryHook(description string, metadata map[string]interface{}) {
	l.Emit(LevelInfo, KindBoundaryHook, description, metadata)
}

// Fatal emits a fatal-error event. Callers are still responsible for
// returning the corresponding runerr value to terminate the run.
func (l *Logger) Fatal(err error, metadata map[string]interface{}) {
	m := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		m[k] = v
	}
	m["error"] = err.Error()
	l.Emit(LevelError, KindFatal, err.Error(), m)
}

// Flush flushes the optional file and cloud sinks.
func (l *Logger) Flush() error {
	if l.file != nil {
		if err := l.file.Flush(); err != nil {
			return err
		}
	}
	if l.cloud != nil {
		return l.cloud.Flush()
	}
	return nil
}

// Close closes the optional file and cloud sinks.
func (l *Logger) Close() error {
	var fileErr, cloudErr error
	if l.file != nil {
		fileErr = l.file.Close()
	}
	if l.cloud != nil {
		cloudErr = l.cloud.Close()
	}
	if fileErr != nil {
		return fileErr
	}
	return cloudErr
}

// sanitizeMetadata redacts every string-valued entry of metadata in place,
// leaving non-string values (counts, booleans, nested structures) untouched.
func sanitizeMetadata(s *security.LogSanitizer, metadata map[string]interface{}) map[string]interface{} {
	if metadata == nil {
		return nil
	}
	out := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		if str, ok := v.(string); ok {
			out[k] = s.Sanitize(str)
			continue
		}
		out[k] = v
	}
	return out
}
