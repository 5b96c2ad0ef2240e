// Package reason holds the machine-readable outcome codes shared by the
// verification components and the transport layer.
package reason

type Code string

const (
	Unauthenticated              Code = "UNAUTHENTICATED"
	Forbidden                    Code = "FORBIDDEN"
	InvalidInput                 Code = "INVALID_INPUT"
	LocationCheckUnavailable     Code = "LOCATION_CHECK_UNAVAILABLE"
	LocationRequired             Code = "LOCATION_REQUIRED"
	LocationInaccurate           Code = "LOCATION_INACCURATE"
	OutsideAllowedRadius         Code = "OUTSIDE_ALLOWED_RADIUS"
	NetworkTrustLow              Code = "NETWORK_TRUST_LOW"
	DeviceFingerprintMismatch    Code = "DEVICE_FINGERPRINT_MISMATCH"
	EnrollmentIncomplete         Code = "ENROLLMENT_INCOMPLETE"
	ReEnrollmentNotAuthorized    Code = "REENROLLMENT_NOT_AUTHORIZED"
	CredentialVerificationFailed Code = "CREDENTIAL_VERIFICATION_FAILED"
	CredentialExists             Code = "CREDENTIAL_EXISTS"
	ChallengeNotFound            Code = "CHALLENGE_NOT_FOUND"
	ChallengeExpired             Code = "CHALLENGE_EXPIRED"
	ChallengeAlreadyConsumed     Code = "CHALLENGE_ALREADY_CONSUMED"
	ChallengeSuperseded          Code = "CHALLENGE_SUPERSEDED"
	TokenNotFound                Code = "TOKEN_NOT_FOUND"
	TokenExpired                 Code = "TOKEN_EXPIRED"
	TokenAlreadyUsed             Code = "TOKEN_ALREADY_USED"
	DuplicateCheckIn             Code = "DUPLICATE_CHECKIN"
	RateLimited                  Code = "RATE_LIMITED"
	Timeout                      Code = "TIMEOUT"
	Internal                     Code = "INTERNAL_ERROR"
)

// Advisory reports whether the code describes a non-fatal signal.
func (c Code) Advisory() bool {
	switch c {
	case LocationCheckUnavailable, NetworkTrustLow, DeviceFingerprintMismatch:
		return true
	}
	return false
}
