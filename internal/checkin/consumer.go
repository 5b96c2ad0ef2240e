// Package checkin turns a check-in token into exactly one attendance row.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"osis/attendance/internal/audit"
	"osis/attendance/internal/db"
	"osis/attendance/internal/ids"
	"osis/attendance/internal/model"
	"osis/attendance/internal/reason"
)

const tokenBytes = 24

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrInvalidToken  = errors.New("invalid token request")
)

// errDuplicate unwinds the transaction so a flipped used flag is rolled back.
var errDuplicate = errors.New("duplicate attendance")

// Claim is what the caller knows about the attendee at consumption time.
type Claim struct {
	UserID   string
	Location model.LocationSnapshot
	Network  model.NetworkSnapshot
}

type Result struct {
	OK           bool
	AttendanceID string
	EventID      string
	Reason       reason.Code
}

type Consumer struct {
	store    db.Store
	recorder *audit.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Consumer)

func WithClock(now func() time.Time) Option {
	return func(c *Consumer) { c.now = now }
}

func NewConsumer(store db.Store, recorder *audit.Recorder, logger *zap.Logger, opts ...Option) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Consumer{store: store, recorder: recorder, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Consume resolves tokenValue and records the attendance. Business outcomes
// are returned in Result; the error is reserved for infrastructure failures.
// For single-use tokens the used flag flip and the attendance insert share a
// transaction, and the conditional update decides concurrent races.
func (c *Consumer) Consume(ctx context.Context, tokenValue string, claim Claim) (Result, error) {
	tokenValue = strings.TrimSpace(tokenValue)
	if tokenValue == "" {
		return Result{Reason: reason.TokenNotFound}, nil
	}
	var result Result
	err := c.store.WithTx(ctx, func(q db.Queries) error {
		now := c.now().UTC()
		tok, err := q.GetToken(ctx, tokenValue)
		if errors.Is(err, db.ErrNotFound) {
			result.Reason = reason.TokenNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("get token: %w", err)
		}
		result.EventID = tok.EventID
		if tok.ExpiresAt != nil && !now.Before(*tok.ExpiresAt) {
			result.Reason = reason.TokenExpired
			return nil
		}
		if tok.SingleUse {
			if tok.Used {
				result.Reason = reason.TokenAlreadyUsed
				return nil
			}
			won, err := q.MarkTokenUsed(ctx, tok.Token, now)
			if err != nil {
				return fmt.Errorf("mark token used: %w", err)
			}
			if !won {
				result.Reason = reason.TokenAlreadyUsed
				return nil
			}
		}
		record := model.Attendance{
			ID:          ids.UUID(),
			UserID:      claim.UserID,
			EventID:     tok.EventID,
			CheckInTime: now,
			Location:    claim.Location,
			Network:     claim.Network,
			TokenID:     tok.Token,
		}
		if err := q.InsertAttendance(ctx, record); err != nil {
			if errors.Is(err, db.ErrDuplicate) {
				return errDuplicate
			}
			return fmt.Errorf("insert attendance: %w", err)
		}
		result.OK = true
		result.AttendanceID = record.ID
		return nil
	})
	if errors.Is(err, errDuplicate) {
		return Result{EventID: result.EventID, Reason: reason.DuplicateCheckIn}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// IssueToken creates a new admission token for eventID. A zero ttl means the
// token never expires.
func (c *Consumer) IssueToken(ctx context.Context, adminID, eventID string, singleUse bool, ttl time.Duration) (model.CheckInToken, error) {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" || ttl < 0 {
		return model.CheckInToken{}, ErrInvalidToken
	}
	value, err := ids.Opaque(tokenBytes)
	if err != nil {
		return model.CheckInToken{}, fmt.Errorf("generate token: %w", err)
	}
	now := c.now().UTC()
	tok := model.CheckInToken{
		Token:     value,
		EventID:   eventID,
		SingleUse: singleUse,
		CreatedAt: now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		tok.ExpiresAt = &expires
	}
	if err := c.store.InsertToken(ctx, tok); err != nil {
		return model.CheckInToken{}, fmt.Errorf("insert token: %w", err)
	}
	c.recorder.Record(ctx, model.SecurityEvent{
		Type:   model.EventTokenIssued,
		UserID: adminID,
		Details: map[string]any{
			"eventId":   eventID,
			"singleUse": singleUse,
			"expiresAt": tok.ExpiresAt,
		},
	})
	return tok, nil
}

// RevokeToken makes a token unusable. Revoked tokens read as not found.
func (c *Consumer) RevokeToken(ctx context.Context, adminID, token string) error {
	ok, err := c.store.RevokeToken(ctx, strings.TrimSpace(token), c.now().UTC())
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if !ok {
		return ErrTokenNotFound
	}
	c.recorder.Record(ctx, model.SecurityEvent{
		Type:     model.EventTokenRevoked,
		Severity: model.SeverityWarning,
		UserID:   adminID,
		Details:  map[string]any{"tokenSuffix": suffix(token)},
	})
	return nil
}

func suffix(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[len(token)-6:]
}
