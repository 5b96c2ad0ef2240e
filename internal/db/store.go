package db

import (
	"context"
	"errors"
	"time"

	"osis/attendance/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// Queries is the set of reads and writes the verification core performs.
// Implementations returned from Store.WithTx run every call inside the
// surrounding transaction.
type Queries interface {
	GetEnrollment(ctx context.Context, userID string) (model.Enrollment, error)
	// LockEnrollment creates the row when missing and holds a row lock on it
	// until the transaction ends.
	LockEnrollment(ctx context.Context, userID string, now time.Time) (model.Enrollment, error)
	SaveEnrollment(ctx context.Context, e model.Enrollment) error
	CountAttendanceByUser(ctx context.Context, userID string) (int, error)

	SupersedeChallenges(ctx context.Context, userID string, purpose model.ChallengePurpose) error
	InsertChallenge(ctx context.Context, c model.Challenge) error
	GetChallenge(ctx context.Context, userID string, purpose model.ChallengePurpose, value string) (model.Challenge, error)
	MarkChallengeConsumed(ctx context.Context, id string, at time.Time) (bool, error)
	DeleteExpiredChallenges(ctx context.Context, before time.Time) (int64, error)

	ListActiveCredentials(ctx context.Context, userID string) ([]model.Credential, error)
	GetCredential(ctx context.Context, credentialID string) (model.Credential, error)
	InsertCredential(ctx context.Context, c model.Credential) error
	UpdateCredentialUsage(ctx context.Context, id string, counter uint32, usedAt time.Time) error
	RevokeCredential(ctx context.Context, credentialID string, at time.Time) (model.Credential, error)
	RevokeUserCredentials(ctx context.Context, userID, exceptID string, at time.Time) (int64, error)

	GetToken(ctx context.Context, token string) (model.CheckInToken, error)
	InsertToken(ctx context.Context, t model.CheckInToken) error
	MarkTokenUsed(ctx context.Context, token string, at time.Time) (bool, error)
	RevokeToken(ctx context.Context, token string, at time.Time) (bool, error)
	InsertAttendance(ctx context.Context, a model.Attendance) error

	GetActiveLocation(ctx context.Context) (model.Location, error)
	// LockLocations holds the location activation lock until the
	// surrounding transaction ends.
	LockLocations(ctx context.Context) error
	DeactivateLocations(ctx context.Context) error
	InsertLocation(ctx context.Context, l model.Location) error
	CountActiveLocations(ctx context.Context) (int, error)

	ListSettings(ctx context.Context) (map[string]string, error)
	UpsertSettings(ctx context.Context, settings map[string]string, updatedBy string, at time.Time) error

	InsertSecurityEvent(ctx context.Context, e model.SecurityEvent) error
}

type Store interface {
	Queries
	WithTx(ctx context.Context, fn func(Queries) error) error
	Ping(ctx context.Context) error
}
