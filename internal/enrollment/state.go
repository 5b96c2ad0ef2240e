package enrollment

import (
	"errors"
	"time"

	"osis/attendance/internal/model"
	"osis/attendance/internal/policy"
)

var ErrReEnrollmentNotAuthorized = errors.New("reenrollment not authorized")

// MissingFactors lists the factors the current policy requires that the
// record has never completed.
func MissingFactors(e model.Enrollment, p policy.Policy) []model.Factor {
	var missing []model.Factor
	if p.RequireFaceAnchor && !e.HasFaceAnchor {
		missing = append(missing, model.FactorFaceAnchor)
	}
	if p.RequireDeviceBinding && !e.HasDeviceCredential {
		missing = append(missing, model.FactorDeviceCredential)
	}
	return missing
}

func IsComplete(e model.Enrollment, p policy.Policy) bool {
	return len(MissingFactors(e, p)) == 0
}

// ReEnrollmentNeeded reports a record that was complete when last written but
// no longer satisfies the current policy.
func ReEnrollmentNeeded(e model.Enrollment, p policy.Policy) bool {
	return e.Status == model.EnrollmentComplete && !IsComplete(e, p)
}

func hasFactor(e model.Enrollment, f model.Factor) bool {
	switch f {
	case model.FactorFaceAnchor:
		return e.HasFaceAnchor
	case model.FactorDeviceCredential:
		return e.HasDeviceCredential
	}
	return false
}

// pendingFor reports an open admin grant covering f.
func pendingFor(e model.Enrollment, f model.Factor) bool {
	if !e.ReEnrollmentAllowed {
		return false
	}
	if e.ReEnrollmentScope == nil {
		return true
	}
	return e.ReEnrollmentScope.Covers(f)
}

// grantUsed reports whether f was already replaced under the open grant.
func grantUsed(e model.Enrollment, f model.Factor) bool {
	for _, used := range e.ReEnrollmentUsed {
		if used == f {
			return true
		}
	}
	return false
}

// Guard rejects a write that would replace an existing factor on a complete
// record unless an open grant covers that factor and it has not been used.
func Guard(e model.Enrollment, p policy.Policy, f model.Factor) error {
	if !hasFactor(e, f) {
		return nil
	}
	if e.Status != model.EnrollmentComplete && !IsComplete(e, p) {
		return nil
	}
	if pendingFor(e, f) && !grantUsed(e, f) {
		return nil
	}
	return ErrReEnrollmentNotAuthorized
}

// currentFactors treats factors covered by an open grant as absent until they
// are replaced under it.
func currentFactors(e model.Enrollment) (face, device bool) {
	face, device = e.HasFaceAnchor, e.HasDeviceCredential
	if pendingFor(e, model.FactorFaceAnchor) {
		face = grantUsed(e, model.FactorFaceAnchor)
	}
	if pendingFor(e, model.FactorDeviceCredential) {
		device = grantUsed(e, model.FactorDeviceCredential)
	}
	return face, device
}

// DeriveStatus computes the stored status at write time under p.
func DeriveStatus(e model.Enrollment, p policy.Policy) model.EnrollmentStatus {
	face, device := currentFactors(e)
	satisfied := (face || !p.RequireFaceAnchor) && (device || !p.RequireDeviceBinding)
	if satisfied && (face || device) {
		return model.EnrollmentComplete
	}
	if face {
		return model.EnrollmentPhotoCompleted
	}
	return model.EnrollmentNotStarted
}

// Apply records a completed factor write on e and advances its status.
// It returns true when the write replaced a factor under an admin grant.
func Apply(e *model.Enrollment, p policy.Policy, f model.Factor, now time.Time) bool {
	replaced := hasFactor(*e, f) && pendingFor(*e, f)
	if pendingFor(*e, f) && !grantUsed(*e, f) {
		e.ReEnrollmentUsed = append(append([]model.Factor(nil), e.ReEnrollmentUsed...), f)
	}
	at := now
	switch f {
	case model.FactorFaceAnchor:
		e.HasFaceAnchor = true
		e.FaceAnchorAt = &at
	case model.FactorDeviceCredential:
		e.HasDeviceCredential = true
		e.DeviceCredentialAt = &at
	}
	if e.ReEnrollmentAllowed && grantFulfilled(*e, p) {
		clearGrant(e)
	}
	e.Status = DeriveStatus(*e, p)
	e.UpdatedAt = now
	return replaced
}

// grantFulfilled reports whether every factor the grant covers and the policy
// requires has been replaced. A grant over only unrequired factors is
// fulfilled by replacing any of them.
func grantFulfilled(e model.Enrollment, p policy.Policy) bool {
	required := 0
	for _, f := range []model.Factor{model.FactorFaceAnchor, model.FactorDeviceCredential} {
		if !pendingFor(e, f) || !requiredBy(p, f) {
			continue
		}
		required++
		if !grantUsed(e, f) {
			return false
		}
	}
	if required > 0 {
		return true
	}
	return grantUsed(e, model.FactorFaceAnchor) || grantUsed(e, model.FactorDeviceCredential)
}

func requiredBy(p policy.Policy, f model.Factor) bool {
	switch f {
	case model.FactorFaceAnchor:
		return p.RequireFaceAnchor
	case model.FactorDeviceCredential:
		return p.RequireDeviceBinding
	}
	return false
}

func clearGrant(e *model.Enrollment) {
	e.ReEnrollmentAllowed = false
	e.ReEnrollmentReason = nil
	e.ReEnrollmentScope = nil
	e.ReEnrollmentAuthorizedBy = nil
	e.ReEnrollmentAuthorizedAt = nil
	e.ReEnrollmentUsed = nil
}

// lowerStatus moves the stored status down to at most target.
func lowerStatus(current, target model.EnrollmentStatus) model.EnrollmentStatus {
	rank := map[model.EnrollmentStatus]int{
		model.EnrollmentNotStarted:     0,
		model.EnrollmentPhotoCompleted: 1,
		model.EnrollmentComplete:       2,
	}
	if rank[current] < rank[target] {
		return current
	}
	return target
}
