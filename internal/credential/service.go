// Package credential issues device-credential challenges, registers
// passkey-style public keys and verifies assertions made with them.
package credential

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"go.uber.org/zap"

	"osis/attendance/internal/audit"
	"osis/attendance/internal/db"
	"osis/attendance/internal/enrollment"
	"osis/attendance/internal/ids"
	"osis/attendance/internal/model"
	"osis/attendance/internal/obs"
	"osis/attendance/internal/reason"
)

var (
	ErrVerificationFailed  = errors.New("credential verification failed")
	ErrInvalidRegistration = errors.New("invalid registration")
	ErrCredentialExists    = errors.New("credential already registered")
	ErrCredentialNotFound  = errors.New("credential not found")
)

const maxCredentialIDLength = 1024

type Config struct {
	ChallengeTTL            time.Duration
	RPID                    string
	Origins                 []string
	RequireUserVerification bool
	// AllowUnverifiedAssertions accepts assertions for credentials that were
	// registered without a public key.
	AllowUnverifiedAssertions bool
}

type Service struct {
	store    db.Store
	policies enrollment.PolicySource
	recorder *audit.Recorder
	metrics  *obs.Metrics
	logger   *zap.Logger
	cfg      Config
	now      func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithMetrics(m *obs.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func NewService(store db.Store, policies enrollment.PolicySource, recorder *audit.Recorder, logger *zap.Logger, cfg Config, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:    store,
		policies: policies,
		recorder: recorder,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Registration struct {
	CredentialID       string
	ClientDataJSON     string
	AuthenticatorData  string
	PublicKey          string
	PublicKeyAlgorithm int
	Transports         []string
	DeviceFingerprint  string
}

type Assertion struct {
	CredentialID      string `json:"credentialId"`
	AuthenticatorData string `json:"authenticatorData"`
	ClientDataJSON    string `json:"clientDataJSON"`
	Signature         string `json:"signature"`
}

type AssertionResult struct {
	CredentialID   string
	Counter        uint32
	CloneSuspected bool
	Unverified     bool
}

// FingerprintHash is the stored form of a device fingerprint.
func FingerprintHash(fingerprint string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(fingerprint)))
	return hex.EncodeToString(sum[:])
}

// RegisterCredential binds a new public key to userID, consuming the
// registration challenge and advancing the enrollment in one transaction.
func (s *Service) RegisterCredential(ctx context.Context, userID string, reg Registration) (model.Credential, error) {
	credentialID := strings.TrimSpace(reg.CredentialID)
	if credentialID == "" || len(credentialID) > maxCredentialIDLength {
		return model.Credential{}, fmt.Errorf("%w: credential id", ErrInvalidRegistration)
	}
	if reg.PublicKeyAlgorithm != 0 && reg.PublicKeyAlgorithm != int(webauthncose.AlgES256) {
		return model.Credential{}, fmt.Errorf("%w: unsupported algorithm %d", ErrInvalidRegistration, reg.PublicKeyAlgorithm)
	}
	rawClientData, err := decodeBase64(reg.ClientDataJSON)
	if err != nil {
		return model.Credential{}, fmt.Errorf("%w: clientDataJSON", ErrInvalidRegistration)
	}
	cd, err := parseClientData(rawClientData)
	if err != nil {
		return model.Credential{}, fmt.Errorf("%w: clientDataJSON", ErrInvalidRegistration)
	}
	challenge, err := canonicalChallenge(cd.Challenge)
	if err != nil {
		return model.Credential{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if err := cd.Verify(challenge, protocol.CreateCeremony, s.origins()); err != nil {
		return model.Credential{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	var (
		counter uint32
		att     protocol.AttestedCredentialData
	)
	if strings.TrimSpace(reg.AuthenticatorData) != "" {
		rawAuth, err := decodeBase64(reg.AuthenticatorData)
		if err != nil {
			return model.Credential{}, fmt.Errorf("%w: authenticatorData", ErrInvalidRegistration)
		}
		ad, err := parseAuthenticatorData(rawAuth)
		if err != nil {
			return model.Credential{}, fmt.Errorf("%w: authenticatorData: %v", ErrInvalidRegistration, err)
		}
		if err := ad.Verify(rpIDHash(s.cfg.RPID), nil, s.cfg.RequireUserVerification); err != nil {
			return model.Credential{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
		}
		counter = ad.Counter
		if ad.Flags.HasAttestedCredentialData() {
			att = ad.AttData
		}
	}
	if len(att.CredentialID) > 0 && base64.RawURLEncoding.EncodeToString(att.CredentialID) != credentialID {
		return model.Credential{}, fmt.Errorf("%w: attested credential id", ErrInvalidRegistration)
	}

	var publicKey *string
	switch {
	case strings.TrimSpace(reg.PublicKey) != "":
		normalized, err := normalizePublicKey(reg.PublicKey)
		if err != nil {
			return model.Credential{}, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
		}
		publicKey = &normalized
	case len(att.CredentialPublicKey) > 0:
		normalized, err := attestedPublicKey(att.CredentialPublicKey)
		if err != nil {
			return model.Credential{}, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
		}
		publicKey = &normalized
	case !s.cfg.AllowUnverifiedAssertions:
		return model.Credential{}, fmt.Errorf("%w: public key required", ErrInvalidRegistration)
	}

	p, err := s.policies.Load(ctx)
	if err != nil {
		return model.Credential{}, err
	}

	var (
		created  model.Credential
		replaced bool
		revoked  int64
	)
	err = s.store.WithTx(ctx, func(q db.Queries) error {
		now := s.now().UTC()
		e, err := q.LockEnrollment(ctx, userID, now)
		if err != nil {
			return fmt.Errorf("lock enrollment: %w", err)
		}
		if err := enrollment.Guard(e, p, model.FactorDeviceCredential); err != nil {
			return err
		}
		if err := ConsumeChallenge(ctx, q, userID, model.PurposeRegistration, challenge, now); err != nil {
			return err
		}
		created = model.Credential{
			ID:           ids.UUID(),
			UserID:       userID,
			CredentialID: credentialID,
			PublicKey:    publicKey,
			Transports:   normalizeTransports(reg.Transports),
			Counter:      counter,
			CreatedAt:    now,
		}
		if err := q.InsertCredential(ctx, created); err != nil {
			if errors.Is(err, db.ErrDuplicate) {
				return ErrCredentialExists
			}
			return fmt.Errorf("insert credential: %w", err)
		}
		replaced = enrollment.Apply(&e, p, model.FactorDeviceCredential, now)
		if replaced {
			revoked, err = q.RevokeUserCredentials(ctx, userID, created.ID, now)
			if err != nil {
				return fmt.Errorf("revoke previous credentials: %w", err)
			}
		}
		if fp := strings.TrimSpace(reg.DeviceFingerprint); fp != "" {
			hash := FingerprintHash(fp)
			e.HasDeviceFingerprint = true
			e.DeviceFingerprint = &hash
		}
		if err := q.SaveEnrollment(ctx, e); err != nil {
			return fmt.Errorf("save enrollment: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Credential{}, err
	}

	s.recorder.Record(ctx, model.SecurityEvent{
		Type:   model.EventCredentialRegistered,
		UserID: userID,
		Details: map[string]any{
			"credentialId":   created.CredentialID,
			"replaced":       replaced,
			"revokedCount":   revoked,
			"hasPublicKey":   publicKey != nil,
			"initialCounter": counter,
		},
	})
	return created, nil
}

// VerifyAssertion checks a device assertion for userID. Business failures
// are returned as ErrVerificationFailed or one of the challenge errors; the
// challenge stays consumed even when the signature is rejected.
func (s *Service) VerifyAssertion(ctx context.Context, userID string, a Assertion) (AssertionResult, error) {
	par, err := parseAssertion(a)
	if err != nil {
		return AssertionResult{}, fmt.Errorf("%w: malformed assertion: %v", ErrVerificationFailed, err)
	}
	challenge, err := canonicalChallenge(par.Response.CollectedClientData.Challenge)
	if err != nil {
		return AssertionResult{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	origins := s.origins()
	// Ceremony, origin and RP checks run before the challenge is consumed.
	if err := par.Response.CollectedClientData.Verify(challenge, protocol.AssertCeremony, origins); err != nil {
		return AssertionResult{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	if err := par.Response.AuthenticatorData.Verify(rpIDHash(s.cfg.RPID), nil, s.cfg.RequireUserVerification); err != nil {
		return AssertionResult{}, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	reported := par.Response.AuthenticatorData.Counter

	var (
		result  AssertionResult
		failure error
		stored  uint32
	)
	err = s.store.WithTx(ctx, func(q db.Queries) error {
		now := s.now().UTC()
		cred, err := q.GetCredential(ctx, a.CredentialID)
		if errors.Is(err, db.ErrNotFound) || (err == nil && (cred.RevokedAt != nil || cred.UserID != userID)) {
			failure = fmt.Errorf("%w: unknown credential", ErrVerificationFailed)
			return nil
		}
		if err != nil {
			return fmt.Errorf("get credential: %w", err)
		}
		if err := ConsumeChallenge(ctx, q, userID, model.PurposeAuthentication, challenge, now); err != nil {
			if isChallengeErr(err) {
				failure = err
				return nil
			}
			return err
		}

		if cred.PublicKey == nil {
			if !s.cfg.AllowUnverifiedAssertions {
				failure = fmt.Errorf("%w: no public key on file", ErrVerificationFailed)
				return nil
			}
			result.Unverified = true
		} else {
			key, err := coseKey(*cred.PublicKey)
			if err != nil {
				return fmt.Errorf("stored public key: %w", err)
			}
			if err := par.Verify(challenge, s.cfg.RPID, origins, "", s.cfg.RequireUserVerification, key); err != nil {
				failure = fmt.Errorf("%w: %v", ErrVerificationFailed, err)
				return nil
			}
		}

		stored = cred.Counter
		result.CredentialID = cred.CredentialID
		result.Counter = reported
		result.CloneSuspected = counterRegressed(cred.Counter, reported)
		if err := q.UpdateCredentialUsage(ctx, cred.ID, reported, now); err != nil {
			return fmt.Errorf("update credential usage: %w", err)
		}
		return nil
	})
	if err != nil {
		return AssertionResult{}, err
	}
	if failure != nil {
		return AssertionResult{}, failure
	}

	if result.CloneSuspected {
		s.metrics.CloneSuspicion()
		s.logger.Warn("credential counter did not advance",
			zap.String("user_id", userID),
			zap.String("credential_id", result.CredentialID),
			zap.Uint32("stored_counter", stored),
			zap.Uint32("reported_counter", result.Counter),
		)
		s.recorder.Record(ctx, model.SecurityEvent{
			Type:     model.EventPossibleClone,
			Severity: model.SeverityWarning,
			UserID:   userID,
			Details: map[string]any{
				"credentialId":    result.CredentialID,
				"storedCounter":   stored,
				"reportedCounter": result.Counter,
			},
		})
	}
	if result.Unverified {
		s.recorder.Record(ctx, model.SecurityEvent{
			Type:     model.EventUnverifiedAssertion,
			Severity: model.SeverityWarning,
			UserID:   userID,
			Details:  map[string]any{"credentialId": result.CredentialID},
		})
	}
	return result, nil
}

// origins lists the accepted client origins. Without explicit configuration
// only the HTTPS origin of the RP ID is accepted.
func (s *Service) origins() []string {
	if len(s.cfg.Origins) > 0 {
		return s.cfg.Origins
	}
	return []string{"https://" + s.cfg.RPID}
}

// counterRegressed applies the clone heuristic. Authenticators that always
// report zero are exempt.
func counterRegressed(stored, reported uint32) bool {
	if stored == 0 || reported == 0 {
		return false
	}
	return reported <= stored
}

// RevokeCredential marks a credential revoked. When the user has no active
// credential left the enrollment loses its device factor.
func (s *Service) RevokeCredential(ctx context.Context, adminID, credentialID string) (model.Credential, error) {
	if strings.TrimSpace(adminID) == "" {
		return model.Credential{}, enrollment.ErrForbidden
	}
	var revoked model.Credential
	err := s.store.WithTx(ctx, func(q db.Queries) error {
		now := s.now().UTC()
		c, err := q.RevokeCredential(ctx, credentialID, now)
		if errors.Is(err, db.ErrNotFound) {
			return ErrCredentialNotFound
		}
		if err != nil {
			return fmt.Errorf("revoke credential: %w", err)
		}
		revoked = c
		remaining, err := q.ListActiveCredentials(ctx, c.UserID)
		if err != nil {
			return fmt.Errorf("list credentials: %w", err)
		}
		if len(remaining) > 0 {
			return nil
		}
		e, err := q.LockEnrollment(ctx, c.UserID, now)
		if err != nil {
			return fmt.Errorf("lock enrollment: %w", err)
		}
		if !e.HasDeviceCredential {
			return nil
		}
		e.HasDeviceCredential = false
		if e.Status == model.EnrollmentComplete {
			e.Status = model.EnrollmentPhotoCompleted
			if !e.HasFaceAnchor {
				e.Status = model.EnrollmentNotStarted
			}
		}
		e.UpdatedAt = now
		return q.SaveEnrollment(ctx, e)
	})
	if err != nil {
		return model.Credential{}, err
	}
	s.recorder.Record(ctx, model.SecurityEvent{
		Type:     model.EventCredentialRevoked,
		Severity: model.SeverityWarning,
		UserID:   revoked.UserID,
		Details: map[string]any{
			"credentialId": revoked.CredentialID,
			"revokedBy":    adminID,
		},
	})
	return revoked, nil
}

func isChallengeErr(err error) bool {
	return errors.Is(err, ErrChallengeNotFound) ||
		errors.Is(err, ErrChallengeConsumed) ||
		errors.Is(err, ErrChallengeExpired) ||
		errors.Is(err, ErrChallengeSuperseded)
}

// ReasonFor maps a credential error to its reason code.
func ReasonFor(err error) (reason.Code, bool) {
	switch {
	case errors.Is(err, ErrChallengeNotFound):
		return reason.ChallengeNotFound, true
	case errors.Is(err, ErrChallengeConsumed):
		return reason.ChallengeAlreadyConsumed, true
	case errors.Is(err, ErrChallengeExpired):
		return reason.ChallengeExpired, true
	case errors.Is(err, ErrChallengeSuperseded):
		return reason.ChallengeSuperseded, true
	case errors.Is(err, ErrInvalidPurpose), errors.Is(err, ErrInvalidRegistration):
		return reason.InvalidInput, true
	case errors.Is(err, ErrCredentialExists):
		return reason.CredentialExists, true
	case errors.Is(err, ErrCredentialNotFound):
		return reason.CredentialVerificationFailed, true
	case errors.Is(err, ErrVerificationFailed):
		return reason.CredentialVerificationFailed, true
	case errors.Is(err, enrollment.ErrReEnrollmentNotAuthorized):
		return reason.ReEnrollmentNotAuthorized, true
	case errors.Is(err, enrollment.ErrForbidden):
		return reason.Forbidden, true
	}
	return "", false
}

// IsVerificationFailure reports an assertion rejected for business reasons.
func IsVerificationFailure(err error) bool {
	return errors.Is(err, ErrVerificationFailed) || isChallengeErr(err)
}

func normalizeTransports(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
