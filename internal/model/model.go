package model

import "time"

type EnrollmentStatus string

const (
	EnrollmentNotStarted     EnrollmentStatus = "not_started"
	EnrollmentPhotoCompleted EnrollmentStatus = "photo_completed"
	EnrollmentComplete       EnrollmentStatus = "complete"
)

type Factor string

const (
	FactorFaceAnchor       Factor = "face_anchor"
	FactorDeviceCredential Factor = "device_credential"
	FactorDeviceAssertion  Factor = "device_assertion"
)

// ReEnrollmentScope names the factors an administrator allowed to be replaced.
type ReEnrollmentScope string

const (
	ReEnrollFaceAnchor       ReEnrollmentScope = "face_anchor"
	ReEnrollDeviceCredential ReEnrollmentScope = "device_credential"
	ReEnrollAll              ReEnrollmentScope = "all"
)

func (s ReEnrollmentScope) Covers(f Factor) bool {
	switch s {
	case ReEnrollAll:
		return true
	case ReEnrollFaceAnchor:
		return f == FactorFaceAnchor
	case ReEnrollDeviceCredential:
		return f == FactorDeviceCredential
	}
	return false
}

type Enrollment struct {
	UserID                   string
	Status                   EnrollmentStatus
	HasFaceAnchor            bool
	FaceAnchorRef            *string
	FaceAnchorAt             *time.Time
	HasDeviceCredential      bool
	DeviceCredentialAt       *time.Time
	HasDeviceFingerprint     bool
	DeviceFingerprint        *string
	ReEnrollmentAllowed      bool
	ReEnrollmentReason       *string
	ReEnrollmentScope        *ReEnrollmentScope
	ReEnrollmentAuthorizedBy *string
	ReEnrollmentAuthorizedAt *time.Time
	// ReEnrollmentUsed lists the factors already replaced under the open grant.
	ReEnrollmentUsed []Factor
	CreatedAt        time.Time
	UpdatedAt                time.Time
}

type ChallengePurpose string

const (
	PurposeRegistration   ChallengePurpose = "registration"
	PurposeAuthentication ChallengePurpose = "authentication"
)

func (p ChallengePurpose) Valid() bool {
	return p == PurposeRegistration || p == PurposeAuthentication
}

type Challenge struct {
	ID         string
	UserID     string
	Purpose    ChallengePurpose
	Value      string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	ConsumedAt *time.Time
	Superseded bool
}

type Credential struct {
	ID           string
	UserID       string
	CredentialID string
	PublicKey    *string
	Transports   []string
	Counter      uint32
	CreatedAt    time.Time
	LastUsedAt   *time.Time
	RevokedAt    *time.Time
}

type CheckInToken struct {
	Token     string
	EventID   string
	ExpiresAt *time.Time
	SingleUse bool
	Used      bool
	UsedAt    *time.Time
	RevokedAt *time.Time
	CreatedAt time.Time
}

type LocationSnapshot struct {
	Latitude           *float64 `json:"lat,omitempty"`
	Longitude          *float64 `json:"lon,omitempty"`
	Accuracy           *float64 `json:"accuracy,omitempty"`
	DistanceFromAnchor *float64 `json:"distanceFromAnchor,omitempty"`
}

type NetworkSnapshot struct {
	IP                  string `json:"ip,omitempty"`
	SSIDClaim           string `json:"ssidClaim,omitempty"`
	ConnectionType      string `json:"connectionType,omitempty"`
	TrustClassification string `json:"trustClassification,omitempty"`
	ObservedIP          string `json:"observedIp,omitempty"`
	ObservedPrivate     bool   `json:"observedPrivate,omitempty"`
}

type Attendance struct {
	ID          string
	UserID      string
	EventID     string
	CheckInTime time.Time
	Location    LocationSnapshot
	Network     NetworkSnapshot
	TokenID     string
}

type Location struct {
	ID               string
	Latitude         float64
	Longitude        float64
	RadiusMeters     float64
	AllowedWifiSSIDs []string
	IsActive         bool
	CreatedAt        time.Time
	CreatedBy        string
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type SecurityEvent struct {
	ID        string
	Type      string
	Severity  Severity
	UserID    string
	RequestID string
	Details   map[string]any
	CreatedAt time.Time
}

const (
	EventCheckIn                = "checkin"
	EventCheckInRejected        = "checkin_rejected"
	EventPossibleClone          = "possible_credential_clone"
	EventReEnrollmentAuthorized = "reenrollment_authorized"
	EventFaceAnchorUploaded     = "face_anchor_uploaded"
	EventCredentialRegistered   = "credential_registered"
	EventCredentialRevoked      = "credential_revoked"
	EventLocationActivated      = "location_activated"
	EventPolicyUpdated          = "policy_updated"
	EventTokenIssued            = "checkin_token_issued"
	EventTokenRevoked           = "checkin_token_revoked"
	EventUnverifiedAssertion    = "unverified_assertion_accepted"
)
