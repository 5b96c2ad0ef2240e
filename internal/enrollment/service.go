// Package enrollment owns the per-user enrollment record: which trust factors
// a user has completed and whether an administrator has allowed them to be
// replaced.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"osis/attendance/internal/audit"
	"osis/attendance/internal/db"
	"osis/attendance/internal/model"
	"osis/attendance/internal/photo"
	"osis/attendance/internal/policy"
)

var (
	ErrInvalidImage = errors.New("invalid image")
	ErrInvalidScope = errors.New("invalid reenrollment scope")
	ErrForbidden    = errors.New("forbidden")
)

type PolicySource interface {
	Load(ctx context.Context) (policy.Policy, error)
}

type StatusView struct {
	IsEnrolled          bool                   `json:"isEnrolled"`
	IsFirstAttendance   bool                   `json:"isFirstAttendance"`
	CanReEnroll         bool                   `json:"canReEnroll"`
	ReEnrollReason      *string                `json:"reEnrollReason"`
	HasReferencePhoto   bool                   `json:"hasReferencePhoto"`
	HasDeviceCredential bool                   `json:"hasDeviceCredential"`
	Status              model.EnrollmentStatus `json:"status"`
	MissingFactors      []model.Factor         `json:"missingFactors"`
	ReEnrollmentNeeded  bool                   `json:"reEnrollmentNeeded"`
}

type Service struct {
	store         db.Store
	policies      PolicySource
	photos        photo.Store
	recorder      *audit.Recorder
	logger        *zap.Logger
	maxPhotoBytes int
	now           func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMaxPhotoBytes(n int) Option {
	return func(s *Service) { s.maxPhotoBytes = n }
}

func NewService(store db.Store, policies PolicySource, photos photo.Store, recorder *audit.Recorder, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:         store,
		policies:      policies,
		photos:        photos,
		recorder:      recorder,
		logger:        logger,
		maxPhotoBytes: 5 << 20,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the record for userID, or an empty not_started record when
// none exists yet. It never creates a row.
func Snapshot(ctx context.Context, q db.Queries, userID string) (model.Enrollment, error) {
	e, err := q.GetEnrollment(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return model.Enrollment{UserID: userID, Status: model.EnrollmentNotStarted}, nil
	}
	return e, err
}

func (s *Service) Status(ctx context.Context, userID string) (StatusView, error) {
	p, err := s.policies.Load(ctx)
	if err != nil {
		return StatusView{}, err
	}
	e, err := Snapshot(ctx, s.store, userID)
	if err != nil {
		return StatusView{}, fmt.Errorf("get enrollment: %w", err)
	}
	count, err := s.store.CountAttendanceByUser(ctx, userID)
	if err != nil {
		return StatusView{}, fmt.Errorf("count attendance: %w", err)
	}
	return View(e, p, count), nil
}

// View reports the record under p. A user counts as enrolled once at least one
// factor is on file and none that p requires is missing.
func View(e model.Enrollment, p policy.Policy, attendanceCount int) StatusView {
	missing := MissingFactors(e, p)
	var reason *string
	if e.ReEnrollmentAllowed {
		reason = e.ReEnrollmentReason
	}
	if missing == nil {
		missing = []model.Factor{}
	}
	return StatusView{
		IsEnrolled:          len(missing) == 0 && (e.HasFaceAnchor || e.HasDeviceCredential),
		IsFirstAttendance:   attendanceCount == 0,
		CanReEnroll:         e.ReEnrollmentAllowed,
		ReEnrollReason:      reason,
		HasReferencePhoto:   e.HasFaceAnchor,
		HasDeviceCredential: e.HasDeviceCredential,
		Status:              effectiveStatus(e, missing),
		MissingFactors:      missing,
		ReEnrollmentNeeded:  ReEnrollmentNeeded(e, p),
	}
}

// effectiveStatus re-evaluates the stored status under the current policy.
// While a grant is open the stored status is reported as is.
func effectiveStatus(e model.Enrollment, missing []model.Factor) model.EnrollmentStatus {
	if e.ReEnrollmentAllowed {
		return e.Status
	}
	if len(missing) == 0 && (e.HasFaceAnchor || e.HasDeviceCredential) {
		return model.EnrollmentComplete
	}
	if e.HasFaceAnchor {
		return model.EnrollmentPhotoCompleted
	}
	return model.EnrollmentNotStarted
}

// UploadFaceAnchor stores a new reference photo and moves the record to at
// least photo_completed.
func (s *Service) UploadFaceAnchor(ctx context.Context, userID string, image []byte) (model.Enrollment, error) {
	if _, err := photo.Sniff(image, s.maxPhotoBytes); err != nil {
		return model.Enrollment{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	p, err := s.policies.Load(ctx)
	if err != nil {
		return model.Enrollment{}, err
	}

	var (
		saved    model.Enrollment
		replaced bool
		ref      string
	)
	err = s.store.WithTx(ctx, func(q db.Queries) error {
		now := s.now().UTC()
		e, err := q.LockEnrollment(ctx, userID, now)
		if err != nil {
			return fmt.Errorf("lock enrollment: %w", err)
		}
		if err := Guard(e, p, model.FactorFaceAnchor); err != nil {
			return err
		}
		stored, err := s.photos.Put(ctx, userID, image)
		if err != nil {
			return fmt.Errorf("store photo: %w", err)
		}
		ref = stored
		e.FaceAnchorRef = &stored
		replaced = Apply(&e, p, model.FactorFaceAnchor, now)
		if err := q.SaveEnrollment(ctx, e); err != nil {
			return fmt.Errorf("save enrollment: %w", err)
		}
		saved = e
		return nil
	})
	if err != nil {
		if ref != "" {
			s.discardPhoto(ref)
		}
		return model.Enrollment{}, err
	}

	s.recorder.Record(ctx, model.SecurityEvent{
		Type:   model.EventFaceAnchorUploaded,
		UserID: userID,
		Details: map[string]any{
			"status":   saved.Status,
			"replaced": replaced,
		},
	})
	return saved, nil
}

// discardPhoto removes an image whose enrollment write did not commit.
func (s *Service) discardPhoto(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.photos.Delete(ctx, ref); err != nil {
		s.logger.Warn("orphaned face anchor", zap.String("ref", ref), zap.Error(err))
	}
}

// AuthorizeReEnrollment opens a one-time grant to replace the factors in
// scope and lowers the stored status accordingly. Historical factor flags are
// kept.
func (s *Service) AuthorizeReEnrollment(ctx context.Context, adminID, userID, reason string, scope model.ReEnrollmentScope) (model.Enrollment, error) {
	if strings.TrimSpace(adminID) == "" {
		return model.Enrollment{}, ErrForbidden
	}
	target, ok := scopeTarget(scope)
	if !ok {
		return model.Enrollment{}, ErrInvalidScope
	}
	reason = strings.TrimSpace(reason)

	var saved model.Enrollment
	err := s.store.WithTx(ctx, func(q db.Queries) error {
		now := s.now().UTC()
		e, err := q.LockEnrollment(ctx, userID, now)
		if err != nil {
			return fmt.Errorf("lock enrollment: %w", err)
		}
		e.ReEnrollmentAllowed = true
		e.ReEnrollmentReason = &reason
		e.ReEnrollmentScope = &scope
		e.ReEnrollmentAuthorizedBy = &adminID
		e.ReEnrollmentAuthorizedAt = &now
		e.ReEnrollmentUsed = nil
		e.Status = lowerStatus(e.Status, target)
		e.UpdatedAt = now
		if err := q.SaveEnrollment(ctx, e); err != nil {
			return fmt.Errorf("save enrollment: %w", err)
		}
		saved = e
		return nil
	})
	if err != nil {
		return model.Enrollment{}, err
	}

	s.recorder.Record(ctx, model.SecurityEvent{
		Type:     model.EventReEnrollmentAuthorized,
		Severity: model.SeverityWarning,
		UserID:   userID,
		Details: map[string]any{
			"authorizedBy": adminID,
			"reason":       reason,
			"scope":        scope,
			"status":       saved.Status,
		},
	})
	return saved, nil
}

func scopeTarget(scope model.ReEnrollmentScope) (model.EnrollmentStatus, bool) {
	switch scope {
	case model.ReEnrollDeviceCredential:
		return model.EnrollmentPhotoCompleted, true
	case model.ReEnrollFaceAnchor, model.ReEnrollAll:
		return model.EnrollmentNotStarted, true
	}
	return "", false
}
