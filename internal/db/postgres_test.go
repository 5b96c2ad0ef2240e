package db

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"osis/attendance/internal/model"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return NewPGStore(conn), mock
}

func TestMarkTokenUsedConditionalUpdate(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("update checkin_tokens set used = true")).
		WithArgs("tok-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("update checkin_tokens set used = true")).
		WithArgs("tok-1", now).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := store.MarkTokenUsed(context.Background(), "tok-1", now)
	if err != nil || !won {
		t.Fatalf("expected first update to win, got %v %v", won, err)
	}
	won, err = store.MarkTokenUsed(context.Background(), "tok-1", now)
	if err != nil || won {
		t.Fatalf("expected second update to lose, got %v %v", won, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestInsertAttendanceMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("insert into attendance_records")).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "attendance_records_user_event_key"})

	err := store.InsertAttendance(context.Background(), model.Attendance{ID: "a1", UserID: "u1", EventID: "e1"})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestGetActiveLocationNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("from school_locations where is_active = true")).
		WillReturnError(sql.ErrNoRows)

	if _, err := store.GetActiveLocation(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetActiveLocationDecodesSSIDs(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "latitude", "longitude", "radius_meters", "allowed_wifi_ssids", "is_active", "created_at", "created_by"}).
		AddRow("loc-1", -6.8647, 107.59, 50.0, []byte(`["Campus","Lab"]`), true, created, "admin-1")
	mock.ExpectQuery(regexp.QuoteMeta("from school_locations where is_active = true")).WillReturnRows(rows)

	loc, err := store.GetActiveLocation(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loc.ID != "loc-1" || len(loc.AllowedWifiSSIDs) != 2 || loc.AllowedWifiSSIDs[1] != "Lab" || loc.CreatedBy != "admin-1" {
		t.Fatalf("unexpected location %+v", loc)
	}
}

func TestWithTxCommitsAndRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("update school_locations set is_active = false")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("insert into school_locations")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.WithTx(ctx, func(q Queries) error {
		if err := q.DeactivateLocations(ctx); err != nil {
			return err
		}
		return q.InsertLocation(ctx, model.Location{ID: "loc-2", Latitude: 1, Longitude: 2, RadiusMeters: 30, IsActive: true})
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("update checkin_tokens set used = true")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("insert into attendance_records")).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err = store.WithTx(ctx, func(q Queries) error {
		if _, err := q.MarkTokenUsed(ctx, "tok", time.Now()); err != nil {
			return err
		}
		return q.InsertAttendance(ctx, model.Attendance{ID: "a", UserID: "u", EventID: "e"})
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestLockEnrollmentCreatesAndLocks(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("insert into enrollments")).
		WithArgs("user-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	rows := sqlmock.NewRows([]string{
		"user_id", "status", "has_face_anchor", "face_anchor_ref", "face_anchor_at",
		"has_device_credential", "device_credential_at", "has_device_fingerprint", "device_fingerprint",
		"reenrollment_allowed", "reenrollment_reason", "reenrollment_scope", "reenrollment_authorized_by",
		"reenrollment_authorized_at", "reenrollment_used_factors", "created_at", "updated_at",
	}).AddRow("user-1", "photo_completed", true, "file://anchors/user-1.jpg", now,
		false, nil, false, nil,
		true, "lost phone", "device_credential", "admin-1",
		now, []byte(`["face_anchor"]`), now, now)
	mock.ExpectQuery(regexp.QuoteMeta("where user_id = $1 for update")).
		WithArgs("user-1").
		WillReturnRows(rows)

	e, err := store.LockEnrollment(context.Background(), "user-1", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Status != model.EnrollmentPhotoCompleted || !e.HasFaceAnchor || e.FaceAnchorRef == nil {
		t.Fatalf("unexpected enrollment %+v", e)
	}
	if e.ReEnrollmentScope == nil || *e.ReEnrollmentScope != model.ReEnrollDeviceCredential {
		t.Fatalf("expected device scope, got %v", e.ReEnrollmentScope)
	}
	if e.ReEnrollmentAuthorizedAt == nil || e.DeviceCredentialAt != nil || e.DeviceFingerprint != nil {
		t.Fatalf("expected nil optional fields")
	}
	if len(e.ReEnrollmentUsed) != 1 || e.ReEnrollmentUsed[0] != model.FactorFaceAnchor {
		t.Fatalf("expected used face anchor, got %v", e.ReEnrollmentUsed)
	}
}

func TestSaveEnrollmentWritesUsedFactors(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	scope := model.ReEnrollAll
	e := model.Enrollment{
		UserID:              "user-1",
		Status:              model.EnrollmentPhotoCompleted,
		HasFaceAnchor:       true,
		ReEnrollmentAllowed: true,
		ReEnrollmentScope:   &scope,
		ReEnrollmentUsed:    []model.Factor{model.FactorFaceAnchor},
		UpdatedAt:           now,
	}
	mock.ExpectExec(regexp.QuoteMeta("reenrollment_used_factors = $15")).
		WithArgs("user-1", "photo_completed", true, nil, nil, false, nil, false, nil,
			true, nil, "all", nil, nil, []byte(`["face_anchor"]`), now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.SaveEnrollment(context.Background(), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSaveEnrollmentMissingRow(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("update enrollments set")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SaveEnrollment(context.Background(), model.Enrollment{UserID: "ghost", Status: model.EnrollmentNotStarted})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkChallengeConsumedOnce(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("update credential_challenges set consumed_at")).
		WithArgs("ch-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.MarkChallengeConsumed(context.Background(), "ch-1", time.Now())
	if err != nil || ok {
		t.Fatalf("expected no rows affected, got %v %v", ok, err)
	}
}

func TestListSettings(t *testing.T) {
	store, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"key", "value"}).
		AddRow("require_face_anchor", "true").
		AddRow("minimum_network_trust", "low")
	mock.ExpectQuery(regexp.QuoteMeta("select key, value from admin_settings")).WillReturnRows(rows)

	settings, err := store.ListSettings(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if settings["require_face_anchor"] != "true" || settings["minimum_network_trust"] != "low" {
		t.Fatalf("unexpected settings %v", settings)
	}
}

func TestScanCredentialTransports(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{"id", "user_id", "credential_id", "public_key", "transports", "counter", "created_at", "last_used_at", "revoked_at"}).
		AddRow("c1", "u1", "cred-abc", nil, []byte(`["internal","hybrid"]`), int64(7), now, nil, nil)
	mock.ExpectQuery(regexp.QuoteMeta("from device_credentials where credential_id = $1")).
		WithArgs("cred-abc").
		WillReturnRows(rows)

	c, err := store.GetCredential(context.Background(), "cred-abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Counter != 7 || c.PublicKey != nil || len(c.Transports) != 2 {
		t.Fatalf("unexpected credential %+v", c)
	}
}
