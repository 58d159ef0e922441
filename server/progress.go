package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/glyphlabs/glyph-go/protocol"
)

// ProgressReporter lets tool handlers publish progress for long-running
// operations. Updates ride notifications/progress and are best-effort:
// under backpressure they are dropped rather than blocking the handler.
type ProgressReporter interface {
	// Report sends a progress update. Progress must increase per call.
	Report(progress float64, total *float64) error
	// ReportWithMessage sends a progress update with a description.
	ReportWithMessage(progress float64, total *float64, message string) error
	// Token returns the caller-supplied progress token, nil if none.
	Token() json.RawMessage
}

type progressReporter struct {
	token json.RawMessage
	sess  *Session

	mu   sync.Mutex
	last float64
}

func newProgressReporter(token json.RawMessage, sess *Session) *progressReporter {
	return &progressReporter{token: token, sess: sess}
}

func (p *progressReporter) Token() json.RawMessage {
	return p.token
}

func (p *progressReporter) Report(progress float64, total *float64) error {
	return p.ReportWithMessage(progress, total, "")
}

func (p *progressReporter) ReportWithMessage(progress float64, total *float64, message string) error {
	if len(p.token) == 0 {
		return nil
	}

	p.mu.Lock()
	if progress <= p.last {
		progress = p.last + 0.1
	}
	p.last = progress
	p.mu.Unlock()

	return p.sess.notify(protocol.NotificationProgress, protocol.ProgressParams{
		ProgressToken: p.token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

// progressContextKey is the context key for the progress reporter.
type progressContextKey struct{}

// ContextWithProgress returns a context with the progress reporter
// attached.
func ContextWithProgress(ctx context.Context, reporter ProgressReporter) context.Context {
	return context.WithValue(ctx, progressContextKey{}, reporter)
}

// ProgressFromContext returns the progress reporter from context, or a
// no-op reporter if none is attached.
func ProgressFromContext(ctx context.Context) ProgressReporter {
	if reporter, ok := ctx.Value(progressContextKey{}).(ProgressReporter); ok {
		return reporter
	}
	return noopProgressReporter{}
}

type noopProgressReporter struct{}

func (noopProgressReporter) Report(float64, *float64) error                      { return nil }
func (noopProgressReporter) ReportWithMessage(float64, *float64, string) error   { return nil }
func (noopProgressReporter) Token() json.RawMessage                              { return nil }
