package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"osis/attendance/internal/audit"
	"osis/attendance/internal/model"
)

var ErrInvalidPolicy = errors.New("invalid policy")

type SettingsWriter interface {
	UpsertSettings(ctx context.Context, settings map[string]string, updatedBy string, at time.Time) error
}

// Updater persists policy changes and drops the cached copy so the next
// Load sees them.
type Updater struct {
	writer   SettingsWriter
	loader   *Loader
	recorder *audit.Recorder
	now      func() time.Time
}

func NewUpdater(writer SettingsWriter, loader *Loader, recorder *audit.Recorder) *Updater {
	return &Updater{writer: writer, loader: loader, recorder: recorder, now: time.Now}
}

func (u *Updater) Update(ctx context.Context, adminID string, p Policy) (Policy, error) {
	if p.MaxAccuracyMeters < 0 {
		return Policy{}, fmt.Errorf("%w: maxAccuracyMeters", ErrInvalidPolicy)
	}
	settings := p.Settings()
	normalized, err := FromSettings(settings)
	if err != nil {
		return Policy{}, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	details := map[string]any{"current": settings}
	if previous, err := u.loader.Load(ctx); err != nil {
		u.loader.logger.Warn("previous policy unavailable for audit",
			zap.String("admin_id", adminID),
			zap.Error(err),
		)
	} else {
		details["previous"] = previous.Settings()
	}
	if err := u.writer.UpsertSettings(ctx, settings, adminID, u.now().UTC()); err != nil {
		return Policy{}, fmt.Errorf("upsert settings: %w", err)
	}
	u.loader.Invalidate(ctx)
	u.recorder.Record(ctx, model.SecurityEvent{
		Type:     model.EventPolicyUpdated,
		Severity: model.SeverityWarning,
		UserID:   adminID,
		Details:  details,
	})
	return normalized, nil
}
