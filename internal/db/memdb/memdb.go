// Package memdb is an in-process db.Store used by tests and by the server
// when DATABASE_DRIVER=memory. Transactions hold a single store-wide lock and
// restore a snapshot on error.
package memdb

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"osis/attendance/internal/db"
	"osis/attendance/internal/model"
)

type tables struct {
	enrollments map[string]model.Enrollment
	challenges  map[string]model.Challenge
	credentials map[string]model.Credential
	tokens      map[string]model.CheckInToken
	attendance  []model.Attendance
	locations   []model.Location
	settings    map[string]string
	events      []model.SecurityEvent
}

func newTables() *tables {
	return &tables{
		enrollments: map[string]model.Enrollment{},
		challenges:  map[string]model.Challenge{},
		credentials: map[string]model.Credential{},
		tokens:      map[string]model.CheckInToken{},
		settings:    map[string]string{},
	}
}

func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.enrollments {
		c.enrollments[k] = v
	}
	for k, v := range t.challenges {
		c.challenges[k] = v
	}
	for k, v := range t.credentials {
		c.credentials[k] = v
	}
	for k, v := range t.tokens {
		c.tokens[k] = v
	}
	for k, v := range t.settings {
		c.settings[k] = v
	}
	c.attendance = append([]model.Attendance(nil), t.attendance...)
	c.locations = append([]model.Location(nil), t.locations...)
	c.events = append([]model.SecurityEvent(nil), t.events...)
	return c
}

type Store struct {
	mu   sync.Mutex
	data *tables
	view
}

func New() *Store {
	s := &Store{data: newTables()}
	s.view = view{store: s}
	return s
}

func (s *Store) WithTx(ctx context.Context, fn func(db.Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.data.clone()
	if err := fn(view{store: s, inTx: true}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Events returns a copy of the recorded security events.
func (s *Store) Events() []model.SecurityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.SecurityEvent(nil), s.data.events...)
}

// Attendance returns a copy of the attendance rows.
func (s *Store) Attendance() []model.Attendance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Attendance(nil), s.data.attendance...)
}

type view struct {
	store *Store
	inTx  bool
}

func (v view) with(fn func(t *tables) error) error {
	if !v.inTx {
		v.store.mu.Lock()
		defer v.store.mu.Unlock()
	}
	return fn(v.store.data)
}

func (v view) GetEnrollment(ctx context.Context, userID string) (model.Enrollment, error) {
	var out model.Enrollment
	err := v.with(func(t *tables) error {
		e, ok := t.enrollments[userID]
		if !ok {
			return db.ErrNotFound
		}
		out = e
		return nil
	})
	return out, err
}

func (v view) LockEnrollment(ctx context.Context, userID string, now time.Time) (model.Enrollment, error) {
	var out model.Enrollment
	err := v.with(func(t *tables) error {
		e, ok := t.enrollments[userID]
		if !ok {
			e = model.Enrollment{UserID: userID, Status: model.EnrollmentNotStarted, CreatedAt: now, UpdatedAt: now}
			t.enrollments[userID] = e
		}
		out = e
		return nil
	})
	return out, err
}

func (v view) SaveEnrollment(ctx context.Context, e model.Enrollment) error {
	return v.with(func(t *tables) error {
		if _, ok := t.enrollments[e.UserID]; !ok {
			return db.ErrNotFound
		}
		t.enrollments[e.UserID] = e
		return nil
	})
}

func (v view) CountAttendanceByUser(ctx context.Context, userID string) (int, error) {
	count := 0
	err := v.with(func(t *tables) error {
		for _, a := range t.attendance {
			if a.UserID == userID {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (v view) SupersedeChallenges(ctx context.Context, userID string, purpose model.ChallengePurpose) error {
	return v.with(func(t *tables) error {
		for id, c := range t.challenges {
			if c.UserID == userID && c.Purpose == purpose && c.ConsumedAt == nil && !c.Superseded {
				c.Superseded = true
				t.challenges[id] = c
			}
		}
		return nil
	})
}

func (v view) InsertChallenge(ctx context.Context, c model.Challenge) error {
	return v.with(func(t *tables) error {
		if _, ok := t.challenges[c.ID]; ok {
			return fmt.Errorf("%w: challenge id", db.ErrDuplicate)
		}
		t.challenges[c.ID] = c
		return nil
	})
}

func (v view) GetChallenge(ctx context.Context, userID string, purpose model.ChallengePurpose, value string) (model.Challenge, error) {
	var out model.Challenge
	err := v.with(func(t *tables) error {
		for _, c := range t.challenges {
			if c.UserID == userID && c.Purpose == purpose && c.Value == value {
				out = c
				return nil
			}
		}
		return db.ErrNotFound
	})
	return out, err
}

func (v view) MarkChallengeConsumed(ctx context.Context, id string, at time.Time) (bool, error) {
	won := false
	err := v.with(func(t *tables) error {
		c, ok := t.challenges[id]
		if !ok || c.ConsumedAt != nil || c.Superseded {
			return nil
		}
		c.ConsumedAt = &at
		t.challenges[id] = c
		won = true
		return nil
	})
	return won, err
}

func (v view) DeleteExpiredChallenges(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := v.with(func(t *tables) error {
		for id, c := range t.challenges {
			if c.ExpiresAt.Before(before) {
				delete(t.challenges, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (v view) ListActiveCredentials(ctx context.Context, userID string) ([]model.Credential, error) {
	var out []model.Credential
	err := v.with(func(t *tables) error {
		for _, c := range t.credentials {
			if c.UserID == userID && c.RevokedAt == nil {
				out = append(out, c)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (v view) GetCredential(ctx context.Context, credentialID string) (model.Credential, error) {
	var out model.Credential
	err := v.with(func(t *tables) error {
		c, ok := t.credentials[credentialID]
		if !ok {
			return db.ErrNotFound
		}
		out = c
		return nil
	})
	return out, err
}

func (v view) InsertCredential(ctx context.Context, c model.Credential) error {
	return v.with(func(t *tables) error {
		if _, ok := t.credentials[c.CredentialID]; ok {
			return fmt.Errorf("%w: credential_id", db.ErrDuplicate)
		}
		t.credentials[c.CredentialID] = c
		return nil
	})
}

func (v view) UpdateCredentialUsage(ctx context.Context, id string, counter uint32, usedAt time.Time) error {
	return v.with(func(t *tables) error {
		for key, c := range t.credentials {
			if c.ID != id {
				continue
			}
			if counter > c.Counter {
				c.Counter = counter
			}
			c.LastUsedAt = &usedAt
			t.credentials[key] = c
			return nil
		}
		return nil
	})
}

func (v view) RevokeCredential(ctx context.Context, credentialID string, at time.Time) (model.Credential, error) {
	var out model.Credential
	err := v.with(func(t *tables) error {
		c, ok := t.credentials[credentialID]
		if !ok || c.RevokedAt != nil {
			return db.ErrNotFound
		}
		c.RevokedAt = &at
		t.credentials[credentialID] = c
		out = c
		return nil
	})
	return out, err
}

func (v view) RevokeUserCredentials(ctx context.Context, userID, exceptID string, at time.Time) (int64, error) {
	var n int64
	err := v.with(func(t *tables) error {
		for key, c := range t.credentials {
			if c.UserID == userID && c.ID != exceptID && c.RevokedAt == nil {
				c.RevokedAt = &at
				t.credentials[key] = c
				n++
			}
		}
		return nil
	})
	return n, err
}

func (v view) GetToken(ctx context.Context, token string) (model.CheckInToken, error) {
	var out model.CheckInToken
	err := v.with(func(t *tables) error {
		tok, ok := t.tokens[token]
		if !ok || tok.RevokedAt != nil {
			return db.ErrNotFound
		}
		out = tok
		return nil
	})
	return out, err
}

func (v view) InsertToken(ctx context.Context, tok model.CheckInToken) error {
	return v.with(func(t *tables) error {
		if _, ok := t.tokens[tok.Token]; ok {
			return fmt.Errorf("%w: token", db.ErrDuplicate)
		}
		t.tokens[tok.Token] = tok
		return nil
	})
}

func (v view) MarkTokenUsed(ctx context.Context, token string, at time.Time) (bool, error) {
	won := false
	err := v.with(func(t *tables) error {
		tok, ok := t.tokens[token]
		if !ok || tok.Used || tok.RevokedAt != nil {
			return nil
		}
		tok.Used = true
		tok.UsedAt = &at
		t.tokens[token] = tok
		won = true
		return nil
	})
	return won, err
}

func (v view) RevokeToken(ctx context.Context, token string, at time.Time) (bool, error) {
	won := false
	err := v.with(func(t *tables) error {
		tok, ok := t.tokens[token]
		if !ok || tok.RevokedAt != nil {
			return nil
		}
		tok.RevokedAt = &at
		t.tokens[token] = tok
		won = true
		return nil
	})
	return won, err
}

func (v view) InsertAttendance(ctx context.Context, a model.Attendance) error {
	return v.with(func(t *tables) error {
		for _, existing := range t.attendance {
			if existing.UserID == a.UserID && existing.EventID == a.EventID {
				return fmt.Errorf("%w: attendance user_id, event_id", db.ErrDuplicate)
			}
		}
		t.attendance = append(t.attendance, a)
		return nil
	})
}

func (v view) GetActiveLocation(ctx context.Context) (model.Location, error) {
	var out model.Location
	err := v.with(func(t *tables) error {
		for i := len(t.locations) - 1; i >= 0; i-- {
			if t.locations[i].IsActive {
				out = t.locations[i]
				return nil
			}
		}
		return db.ErrNotFound
	})
	return out, err
}

// LockLocations is a no-op; WithTx already runs under the store mutex.
func (v view) LockLocations(ctx context.Context) error {
	return ctx.Err()
}

func (v view) DeactivateLocations(ctx context.Context) error {
	return v.with(func(t *tables) error {
		for i := range t.locations {
			t.locations[i].IsActive = false
		}
		return nil
	})
}

func (v view) InsertLocation(ctx context.Context, l model.Location) error {
	return v.with(func(t *tables) error {
		if l.IsActive {
			for _, existing := range t.locations {
				if existing.IsActive {
					return fmt.Errorf("%w: single active location", db.ErrDuplicate)
				}
			}
		}
		t.locations = append(t.locations, l)
		return nil
	})
}

func (v view) CountActiveLocations(ctx context.Context) (int, error) {
	count := 0
	err := v.with(func(t *tables) error {
		for _, l := range t.locations {
			if l.IsActive {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (v view) ListSettings(ctx context.Context) (map[string]string, error) {
	out := map[string]string{}
	err := v.with(func(t *tables) error {
		for k, val := range t.settings {
			out[k] = val
		}
		return nil
	})
	return out, err
}

func (v view) UpsertSettings(ctx context.Context, settings map[string]string, updatedBy string, at time.Time) error {
	return v.with(func(t *tables) error {
		for k, val := range settings {
			t.settings[k] = val
		}
		return nil
	})
}

func (v view) InsertSecurityEvent(ctx context.Context, e model.SecurityEvent) error {
	return v.with(func(t *tables) error {
		t.events = append(t.events, e)
		return nil
	})
}
