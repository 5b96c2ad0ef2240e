package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"osis/attendance/internal/model"
)

const uniqueViolation = "23505"

// LocationLockKey is the transaction advisory lock key for location activation.
const LocationLockKey int64 = 0x6c6f6361

// Open connects through the pgx database/sql driver and verifies the
// connection.
func Open(ctx context.Context, databaseURL string, maxConns int) (*sql.DB, error) {
	conn, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		conn.SetMaxOpenConns(maxConns)
		conn.SetMaxIdleConns(maxConns)
	}
	conn.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PGStore struct {
	*queries
	db *sql.DB
}

func NewPGStore(conn *sql.DB) *PGStore {
	return &PGStore{queries: &queries{db: conn}, db: conn}
}

func (s *PGStore) WithTx(ctx context.Context, fn func(Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&queries{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type queries struct {
	db dbtx
}

type rowScanner interface {
	Scan(dest ...any) error
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

const enrollmentColumns = `user_id, status, has_face_anchor, face_anchor_ref, face_anchor_at,
	has_device_credential, device_credential_at, has_device_fingerprint, device_fingerprint,
	reenrollment_allowed, reenrollment_reason, reenrollment_scope, reenrollment_authorized_by,
	reenrollment_authorized_at, reenrollment_used_factors, created_at, updated_at`

func scanEnrollment(row rowScanner) (model.Enrollment, error) {
	var (
		e                                            model.Enrollment
		status                                       string
		faceRef, fingerprint, reason, scope, authorBy sql.NullString
		faceAt, deviceAt, authorizedAt               sql.NullTime
		used                                         []byte
	)
	err := row.Scan(&e.UserID, &status, &e.HasFaceAnchor, &faceRef, &faceAt,
		&e.HasDeviceCredential, &deviceAt, &e.HasDeviceFingerprint, &fingerprint,
		&e.ReEnrollmentAllowed, &reason, &scope, &authorBy,
		&authorizedAt, &used, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return model.Enrollment{}, mapErr(err)
	}
	if len(used) > 0 {
		if err := json.Unmarshal(used, &e.ReEnrollmentUsed); err != nil {
			return model.Enrollment{}, fmt.Errorf("decode reenrollment factors: %w", err)
		}
		if len(e.ReEnrollmentUsed) == 0 {
			e.ReEnrollmentUsed = nil
		}
	}
	e.Status = model.EnrollmentStatus(status)
	e.FaceAnchorRef = fromNullString(faceRef)
	e.FaceAnchorAt = fromNullTime(faceAt)
	e.DeviceCredentialAt = fromNullTime(deviceAt)
	e.DeviceFingerprint = fromNullString(fingerprint)
	e.ReEnrollmentReason = fromNullString(reason)
	e.ReEnrollmentAuthorizedBy = fromNullString(authorBy)
	e.ReEnrollmentAuthorizedAt = fromNullTime(authorizedAt)
	if scope.Valid {
		s := model.ReEnrollmentScope(scope.String)
		e.ReEnrollmentScope = &s
	}
	return e, nil
}

func (q *queries) GetEnrollment(ctx context.Context, userID string) (model.Enrollment, error) {
	row := q.db.QueryRowContext(ctx, `select `+enrollmentColumns+` from enrollments where user_id = $1`, userID)
	return scanEnrollment(row)
}

func (q *queries) LockEnrollment(ctx context.Context, userID string, now time.Time) (model.Enrollment, error) {
	if _, err := q.db.ExecContext(ctx, `
		insert into enrollments (user_id, status, created_at, updated_at)
		values ($1, 'not_started', $2, $2)
		on conflict (user_id) do nothing`, userID, now); err != nil {
		return model.Enrollment{}, mapErr(err)
	}
	row := q.db.QueryRowContext(ctx, `select `+enrollmentColumns+` from enrollments where user_id = $1 for update`, userID)
	return scanEnrollment(row)
}

func (q *queries) SaveEnrollment(ctx context.Context, e model.Enrollment) error {
	var scope any
	if e.ReEnrollmentScope != nil {
		scope = string(*e.ReEnrollmentScope)
	}
	used := e.ReEnrollmentUsed
	if used == nil {
		used = []model.Factor{}
	}
	usedJSON, err := json.Marshal(used)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, `
		update enrollments set
			status = $2,
			has_face_anchor = $3,
			face_anchor_ref = $4,
			face_anchor_at = $5,
			has_device_credential = $6,
			device_credential_at = $7,
			has_device_fingerprint = $8,
			device_fingerprint = $9,
			reenrollment_allowed = $10,
			reenrollment_reason = $11,
			reenrollment_scope = $12,
			reenrollment_authorized_by = $13,
			reenrollment_authorized_at = $14,
			reenrollment_used_factors = $15,
			updated_at = $16
		where user_id = $1`,
		e.UserID, string(e.Status), e.HasFaceAnchor, optString(e.FaceAnchorRef), optTime(e.FaceAnchorAt),
		e.HasDeviceCredential, optTime(e.DeviceCredentialAt), e.HasDeviceFingerprint, optString(e.DeviceFingerprint),
		e.ReEnrollmentAllowed, optString(e.ReEnrollmentReason), scope, optString(e.ReEnrollmentAuthorizedBy),
		optTime(e.ReEnrollmentAuthorizedAt), usedJSON, e.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	return requireRow(res)
}

func (q *queries) CountAttendanceByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `select count(*) from attendance_records where user_id = $1`, userID).Scan(&count)
	return count, mapErr(err)
}

func (q *queries) SupersedeChallenges(ctx context.Context, userID string, purpose model.ChallengePurpose) error {
	_, err := q.db.ExecContext(ctx, `
		update credential_challenges set superseded = true
		where user_id = $1 and purpose = $2 and consumed_at is null and superseded = false`,
		userID, string(purpose))
	return mapErr(err)
}

func (q *queries) InsertChallenge(ctx context.Context, c model.Challenge) error {
	_, err := q.db.ExecContext(ctx, `
		insert into credential_challenges (id, user_id, purpose, challenge, created_at, expires_at)
		values ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.UserID, string(c.Purpose), c.Value, c.CreatedAt, c.ExpiresAt)
	return mapErr(err)
}

func (q *queries) GetChallenge(ctx context.Context, userID string, purpose model.ChallengePurpose, value string) (model.Challenge, error) {
	var (
		c        model.Challenge
		p        string
		consumed sql.NullTime
	)
	err := q.db.QueryRowContext(ctx, `
		select id, user_id, purpose, challenge, created_at, expires_at, consumed_at, superseded
		from credential_challenges
		where user_id = $1 and purpose = $2 and challenge = $3`,
		userID, string(purpose), value).
		Scan(&c.ID, &c.UserID, &p, &c.Value, &c.CreatedAt, &c.ExpiresAt, &consumed, &c.Superseded)
	if err != nil {
		return model.Challenge{}, mapErr(err)
	}
	c.Purpose = model.ChallengePurpose(p)
	c.ConsumedAt = fromNullTime(consumed)
	return c, nil
}

func (q *queries) MarkChallengeConsumed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		update credential_challenges set consumed_at = $2
		where id = $1 and consumed_at is null and superseded = false`, id, at)
	if err != nil {
		return false, mapErr(err)
	}
	return affected(res)
}

func (q *queries) DeleteExpiredChallenges(ctx context.Context, before time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `delete from credential_challenges where expires_at < $1`, before)
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

const credentialColumns = `id, user_id, credential_id, public_key, transports, counter, created_at, last_used_at, revoked_at`

func scanCredential(row rowScanner) (model.Credential, error) {
	var (
		c                 model.Credential
		publicKey         sql.NullString
		transports        []byte
		counter           int64
		lastUsed, revoked sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.CredentialID, &publicKey, &transports, &counter, &c.CreatedAt, &lastUsed, &revoked); err != nil {
		return model.Credential{}, mapErr(err)
	}
	if len(transports) > 0 {
		if err := json.Unmarshal(transports, &c.Transports); err != nil {
			return model.Credential{}, fmt.Errorf("decode transports: %w", err)
		}
	}
	c.PublicKey = fromNullString(publicKey)
	c.Counter = uint32(counter)
	c.LastUsedAt = fromNullTime(lastUsed)
	c.RevokedAt = fromNullTime(revoked)
	return c, nil
}

func (q *queries) ListActiveCredentials(ctx context.Context, userID string) ([]model.Credential, error) {
	rows, err := q.db.QueryContext(ctx, `
		select `+credentialColumns+` from device_credentials
		where user_id = $1 and revoked_at is null
		order by created_at asc`, userID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []model.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (q *queries) GetCredential(ctx context.Context, credentialID string) (model.Credential, error) {
	row := q.db.QueryRowContext(ctx, `select `+credentialColumns+` from device_credentials where credential_id = $1`, credentialID)
	return scanCredential(row)
}

func (q *queries) InsertCredential(ctx context.Context, c model.Credential) error {
	transports, err := json.Marshal(nonNilStrings(c.Transports))
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		insert into device_credentials (id, user_id, credential_id, public_key, transports, counter, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.UserID, c.CredentialID, optString(c.PublicKey), transports, int64(c.Counter), c.CreatedAt)
	return mapErr(err)
}

func (q *queries) UpdateCredentialUsage(ctx context.Context, id string, counter uint32, usedAt time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		update device_credentials set counter = greatest(counter, $2), last_used_at = $3
		where id = $1`, id, int64(counter), usedAt)
	return mapErr(err)
}

func (q *queries) RevokeCredential(ctx context.Context, credentialID string, at time.Time) (model.Credential, error) {
	row := q.db.QueryRowContext(ctx, `
		update device_credentials set revoked_at = $2
		where credential_id = $1 and revoked_at is null
		returning `+credentialColumns, credentialID, at)
	return scanCredential(row)
}

func (q *queries) RevokeUserCredentials(ctx context.Context, userID, exceptID string, at time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		update device_credentials set revoked_at = $3
		where user_id = $1 and id <> $2 and revoked_at is null`, userID, exceptID, at)
	if err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

func (q *queries) GetToken(ctx context.Context, token string) (model.CheckInToken, error) {
	var (
		t                          model.CheckInToken
		expires, usedAt, revokedAt sql.NullTime
	)
	err := q.db.QueryRowContext(ctx, `
		select token, event_id, expires_at, single_use, used, used_at, revoked_at, created_at
		from checkin_tokens where token = $1 and revoked_at is null`, token).
		Scan(&t.Token, &t.EventID, &expires, &t.SingleUse, &t.Used, &usedAt, &revokedAt, &t.CreatedAt)
	if err != nil {
		return model.CheckInToken{}, mapErr(err)
	}
	t.ExpiresAt = fromNullTime(expires)
	t.UsedAt = fromNullTime(usedAt)
	t.RevokedAt = fromNullTime(revokedAt)
	return t, nil
}

func (q *queries) InsertToken(ctx context.Context, t model.CheckInToken) error {
	_, err := q.db.ExecContext(ctx, `
		insert into checkin_tokens (token, event_id, expires_at, single_use, created_at)
		values ($1, $2, $3, $4, $5)`,
		t.Token, t.EventID, optTime(t.ExpiresAt), t.SingleUse, t.CreatedAt)
	return mapErr(err)
}

func (q *queries) MarkTokenUsed(ctx context.Context, token string, at time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		update checkin_tokens set used = true, used_at = $2
		where token = $1 and used = false and revoked_at is null`, token, at)
	if err != nil {
		return false, mapErr(err)
	}
	return affected(res)
}

func (q *queries) RevokeToken(ctx context.Context, token string, at time.Time) (bool, error) {
	res, err := q.db.ExecContext(ctx, `
		update checkin_tokens set revoked_at = $2
		where token = $1 and revoked_at is null`, token, at)
	if err != nil {
		return false, mapErr(err)
	}
	return affected(res)
}

func (q *queries) InsertAttendance(ctx context.Context, a model.Attendance) error {
	location, err := json.Marshal(a.Location)
	if err != nil {
		return err
	}
	netSnapshot, err := json.Marshal(a.Network)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		insert into attendance_records (id, user_id, event_id, checkin_time, location_snapshot, network_snapshot, token)
		values ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.UserID, a.EventID, a.CheckInTime, location, netSnapshot, a.TokenID)
	return mapErr(err)
}

func (q *queries) GetActiveLocation(ctx context.Context) (model.Location, error) {
	var (
		l         model.Location
		ssids     []byte
		createdBy sql.NullString
	)
	err := q.db.QueryRowContext(ctx, `
		select id, latitude, longitude, radius_meters, allowed_wifi_ssids, is_active, created_at, created_by
		from school_locations where is_active = true
		order by created_at desc limit 1`).
		Scan(&l.ID, &l.Latitude, &l.Longitude, &l.RadiusMeters, &ssids, &l.IsActive, &l.CreatedAt, &createdBy)
	if err != nil {
		return model.Location{}, mapErr(err)
	}
	if len(ssids) > 0 {
		if err := json.Unmarshal(ssids, &l.AllowedWifiSSIDs); err != nil {
			return model.Location{}, fmt.Errorf("decode allowed ssids: %w", err)
		}
	}
	l.CreatedBy = createdBy.String
	return l, nil
}

func (q *queries) LockLocations(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, LocationLockKey)
	return mapErr(err)
}

func (q *queries) DeactivateLocations(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `update school_locations set is_active = false where is_active = true`)
	return mapErr(err)
}

func (q *queries) InsertLocation(ctx context.Context, l model.Location) error {
	ssids, err := json.Marshal(nonNilStrings(l.AllowedWifiSSIDs))
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		insert into school_locations (id, latitude, longitude, radius_meters, allowed_wifi_ssids, is_active, created_at, created_by)
		values ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.Latitude, l.Longitude, l.RadiusMeters, ssids, l.IsActive, l.CreatedAt, l.CreatedBy)
	return mapErr(err)
}

func (q *queries) CountActiveLocations(ctx context.Context) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `select count(*) from school_locations where is_active = true`).Scan(&count)
	return count, mapErr(err)
}

func (q *queries) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := q.db.QueryContext(ctx, `select key, value from admin_settings`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

func (q *queries) UpsertSettings(ctx context.Context, settings map[string]string, updatedBy string, at time.Time) error {
	for key, value := range settings {
		if _, err := q.db.ExecContext(ctx, `
			insert into admin_settings (key, value, updated_by, updated_at)
			values ($1, $2, $3, $4)
			on conflict (key) do update
			set value = excluded.value, updated_by = excluded.updated_by, updated_at = excluded.updated_at`,
			key, value, updatedBy, at); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (q *queries) InsertSecurityEvent(ctx context.Context, e model.SecurityEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return err
	}
	var userID, requestID any
	if e.UserID != "" {
		userID = e.UserID
	}
	if e.RequestID != "" {
		requestID = e.RequestID
	}
	_, err = q.db.ExecContext(ctx, `
		insert into security_events (id, event_type, severity, user_id, request_id, details, created_at)
		values ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.Type, string(e.Severity), userID, requestID, details, e.CreatedAt)
	return mapErr(err)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func requireRow(res sql.Result) error {
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func optString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func optTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func fromNullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
