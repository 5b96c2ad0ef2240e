// Package audit persists security events and forwards the serious ones as
// alerts. Writes are best-effort: a failure is logged, never returned.
package audit

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"osis/attendance/internal/alerts"
	"osis/attendance/internal/ids"
	"osis/attendance/internal/model"
	"osis/attendance/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

type Writer interface {
	InsertSecurityEvent(ctx context.Context, e model.SecurityEvent) error
}

type Recorder struct {
	writer  Writer
	alerts  alerts.Publisher
	logger  *zap.Logger
	metrics *obs.Metrics
	timeout time.Duration
	now     func() time.Time
}

func NewRecorder(writer Writer, publisher alerts.Publisher, logger *zap.Logger, metrics *obs.Metrics) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	if publisher == nil {
		publisher = alerts.LogPublisher{Logger: logger}
	}
	return &Recorder{
		writer:  writer,
		alerts:  publisher,
		logger:  logger,
		metrics: metrics,
		timeout: 3 * time.Second,
		now:     time.Now,
	}
}

// Record stores the event on a context detached from the caller's
// cancellation, so an audit row is still attempted after a request deadline.
// Critical events and re-enrollment grants are also published as alerts.
func (r *Recorder) Record(ctx context.Context, event model.SecurityEvent) {
	if r == nil {
		return
	}
	if event.ID == "" {
		event.ID = ids.ULID()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.now().UTC()
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.Severity == "" {
		event.Severity = model.SeverityInfo
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("severity", string(event.Severity)),
		zap.String("user_id", event.UserID),
		zap.String("request_id", event.RequestID),
	}
	if r.writer != nil {
		if err := r.writer.InsertSecurityEvent(writeCtx, event); err != nil {
			r.metrics.AuditFailure()
			r.logger.Warn("security event write failed", append(fields, zap.Any("details", event.Details), zap.Error(err))...)
		}
	}
	r.logger.Info("security event", fields...)

	if shouldAlert(event) {
		alert := alerts.Alert{
			Type:       event.Type,
			Severity:   string(event.Severity),
			UserID:     event.UserID,
			RequestID:  event.RequestID,
			Details:    event.Details,
			OccurredAt: event.CreatedAt,
		}
		if err := r.alerts.Publish(writeCtx, alert); err != nil {
			r.logger.Warn("security alert publish failed", append(fields, zap.Error(err))...)
		}
	}
}

func shouldAlert(event model.SecurityEvent) bool {
	if event.Severity == model.SeverityCritical {
		return true
	}
	switch event.Type {
	case model.EventPossibleClone, model.EventReEnrollmentAuthorized:
		return true
	}
	return false
}
