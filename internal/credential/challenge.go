package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"osis/attendance/internal/db"
	"osis/attendance/internal/ids"
	"osis/attendance/internal/model"
)

const (
	challengeBytes      = 32
	defaultChallengeTTL = 2 * time.Minute
	minChallengeTTL     = time.Minute
	maxChallengeTTL     = 5 * time.Minute
)

var (
	ErrChallengeNotFound   = errors.New("challenge not found")
	ErrChallengeConsumed   = errors.New("challenge already consumed")
	ErrChallengeExpired    = errors.New("challenge expired")
	ErrChallengeSuperseded = errors.New("challenge superseded")
	ErrInvalidPurpose      = errors.New("invalid challenge purpose")
)

type IssuedChallenge struct {
	Challenge        string                 `json:"challenge"`
	Purpose          model.ChallengePurpose `json:"purpose"`
	UserID           string                 `json:"userId"`
	RPID             string                 `json:"rpId,omitempty"`
	ExpiresAt        time.Time              `json:"expiresAt"`
	TimeoutMs        int64                  `json:"timeoutMs"`
	AllowCredentials []string               `json:"allowCredentials"`
}

func clampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return defaultChallengeTTL
	case ttl < minChallengeTTL:
		return minChallengeTTL
	case ttl > maxChallengeTTL:
		return maxChallengeTTL
	}
	return ttl
}

// IssueChallenge creates a fresh challenge for (userID, purpose) and
// supersedes any unconsumed earlier one. Authentication challenges carry the
// user's active credential ids; an empty list means discoverable mode.
func (s *Service) IssueChallenge(ctx context.Context, userID string, purpose model.ChallengePurpose) (IssuedChallenge, error) {
	if !purpose.Valid() {
		return IssuedChallenge{}, ErrInvalidPurpose
	}
	value, err := ids.Opaque(challengeBytes)
	if err != nil {
		return IssuedChallenge{}, fmt.Errorf("generate challenge: %w", err)
	}
	now := s.now().UTC()
	ttl := clampTTL(s.cfg.ChallengeTTL)
	challenge := model.Challenge{
		ID:        ids.UUID(),
		UserID:    userID,
		Purpose:   purpose,
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	allow := []string{}
	err = s.store.WithTx(ctx, func(q db.Queries) error {
		if err := q.SupersedeChallenges(ctx, userID, purpose); err != nil {
			return fmt.Errorf("supersede challenges: %w", err)
		}
		if err := q.InsertChallenge(ctx, challenge); err != nil {
			return fmt.Errorf("insert challenge: %w", err)
		}
		if purpose != model.PurposeAuthentication {
			return nil
		}
		creds, err := q.ListActiveCredentials(ctx, userID)
		if err != nil {
			return fmt.Errorf("list credentials: %w", err)
		}
		for _, c := range creds {
			allow = append(allow, c.CredentialID)
		}
		return nil
	})
	if err != nil {
		return IssuedChallenge{}, err
	}

	return IssuedChallenge{
		Challenge:        value,
		Purpose:          purpose,
		UserID:           userID,
		RPID:             s.cfg.RPID,
		ExpiresAt:        challenge.ExpiresAt,
		TimeoutMs:        ttl.Milliseconds(),
		AllowCredentials: allow,
	}, nil
}

// ConsumeChallenge marks the matching challenge consumed inside the caller's
// transaction. The conditional update makes a concurrent second consumer
// observe ErrChallengeConsumed.
func ConsumeChallenge(ctx context.Context, q db.Queries, userID string, purpose model.ChallengePurpose, value string, now time.Time) error {
	if value == "" {
		return ErrChallengeNotFound
	}
	c, err := q.GetChallenge(ctx, userID, purpose, value)
	if errors.Is(err, db.ErrNotFound) {
		return ErrChallengeNotFound
	}
	if err != nil {
		return fmt.Errorf("get challenge: %w", err)
	}
	if c.ConsumedAt != nil {
		return ErrChallengeConsumed
	}
	if c.Superseded {
		return ErrChallengeSuperseded
	}
	if !now.Before(c.ExpiresAt) {
		return ErrChallengeExpired
	}
	ok, err := q.MarkChallengeConsumed(ctx, c.ID, now)
	if err != nil {
		return fmt.Errorf("consume challenge: %w", err)
	}
	if !ok {
		return ErrChallengeConsumed
	}
	return nil
}

// SweepExpired deletes challenges whose expiry is in the past.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	return s.store.DeleteExpiredChallenges(ctx, s.now().UTC())
}
