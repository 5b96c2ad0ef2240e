package credential

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"osis/attendance/internal/audit"
	"osis/attendance/internal/db/memdb"
	"osis/attendance/internal/enrollment"
	"osis/attendance/internal/model"
	"osis/attendance/internal/policy"
)

const (
	testRPID   = "attendance.example.edu"
	testOrigin = "https://attendance.example.edu"
	testUser   = "student-1"

	uvFlags = byte(protocol.FlagUserPresent | protocol.FlagUserVerified)
)

type staticPolicy struct{ p policy.Policy }

func (s staticPolicy) Load(ctx context.Context) (policy.Policy, error) { return s.p, nil }

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type device struct {
	key *ecdsa.PrivateKey
	id  string
}

func newDevice(t *testing.T, id string) device {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return device{key: key, id: id}
}

func (d device) publicKey(t *testing.T) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&d.key.PublicKey)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(der)
}

func authData(rpID string, flags byte, counter uint32) []byte {
	sum := sha256.Sum256([]byte(rpID))
	out := append([]byte{}, sum[:]...)
	out = append(out, flags)
	var c [4]byte
	binary.BigEndian.PutUint32(c[:], counter)
	return append(out, c[:]...)
}

func clientDataJSON(t *testing.T, typ, challenge, origin string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"type": typ, "challenge": challenge, "origin": origin})
	require.NoError(t, err)
	return raw
}

func enc(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

func (d device) register(t *testing.T, challenge string, counter uint32) Registration {
	return Registration{
		CredentialID:       d.id,
		ClientDataJSON:     enc(clientDataJSON(t, string(protocol.CreateCeremony), challenge, testOrigin)),
		AuthenticatorData:  enc(authData(testRPID, uvFlags, counter)),
		PublicKey:          d.publicKey(t),
		PublicKeyAlgorithm: int(webauthncose.AlgES256),
		Transports:         []string{"internal", "Internal", "hybrid"},
		DeviceFingerprint:  "fp-1",
	}
}

func (d device) assert(t *testing.T, challenge, origin string, counter uint32) Assertion {
	t.Helper()
	return d.assertAs(t, string(protocol.AssertCeremony), challenge, origin, counter)
}

func (d device) assertAs(t *testing.T, typ, challenge, origin string, counter uint32) Assertion {
	t.Helper()
	return d.sign(t, authData(testRPID, uvFlags, counter), clientDataJSON(t, typ, challenge, origin))
}

func (d device) sign(t *testing.T, ad, cd []byte) Assertion {
	t.Helper()
	clientHash := sha256.Sum256(cd)
	digest := sha256.Sum256(append(append([]byte{}, ad...), clientHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, d.key, digest[:])
	require.NoError(t, err)
	return Assertion{
		CredentialID:      d.id,
		AuthenticatorData: enc(ad),
		ClientDataJSON:    enc(cd),
		Signature:         enc(sig),
	}
}

type fixture struct {
	store *memdb.Store
	clock *manualClock
	svc   *Service
}

func newFixture(t *testing.T, p policy.Policy) fixture {
	t.Helper()
	store := memdb.New()
	clock := &manualClock{t: time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC)}
	recorder := audit.NewRecorder(store, nil, nil, nil)
	svc := NewService(store, staticPolicy{p: p}, recorder, nil, Config{
		ChallengeTTL:            2 * time.Minute,
		RPID:                    testRPID,
		Origins:                 []string{testOrigin},
		RequireUserVerification: true,
	}, WithClock(clock.now))
	return fixture{store: store, clock: clock, svc: svc}
}

func deviceOnly() policy.Policy {
	p := policy.Default()
	p.RequireFaceAnchor = false
	return p
}

func (f fixture) enroll(t *testing.T, d device, counter uint32) {
	t.Helper()
	ctx := context.Background()
	ch, err := f.svc.IssueChallenge(ctx, testUser, model.PurposeRegistration)
	require.NoError(t, err)
	_, err = f.svc.RegisterCredential(ctx, testUser, d.register(t, ch.Challenge, counter))
	require.NoError(t, err)
}

func (f fixture) authChallenge(t *testing.T) string {
	t.Helper()
	ch, err := f.svc.IssueChallenge(context.Background(), testUser, model.PurposeAuthentication)
	require.NoError(t, err)
	return ch.Challenge
}

func countEvents(store *memdb.Store, typ string) int {
	n := 0
	for _, e := range store.Events() {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestIssueChallengeClampsTTL(t *testing.T) {
	assert.Equal(t, defaultChallengeTTL, clampTTL(0))
	assert.Equal(t, minChallengeTTL, clampTTL(5*time.Second))
	assert.Equal(t, maxChallengeTTL, clampTTL(time.Hour))
	assert.Equal(t, 90*time.Second, clampTTL(90*time.Second))
}

func TestIssueChallengeRejectsUnknownPurpose(t *testing.T) {
	f := newFixture(t, deviceOnly())
	_, err := f.svc.IssueChallenge(context.Background(), testUser, "login")
	require.ErrorIs(t, err, ErrInvalidPurpose)
}

func TestAuthenticationChallengeWithoutCredentialsIsDiscoverable(t *testing.T) {
	f := newFixture(t, deviceOnly())
	ch, err := f.svc.IssueChallenge(context.Background(), testUser, model.PurposeAuthentication)
	require.NoError(t, err)
	assert.NotNil(t, ch.AllowCredentials)
	assert.Empty(t, ch.AllowCredentials)
	assert.Equal(t, int64(120000), ch.TimeoutMs)
	raw, err := base64.RawURLEncoding.DecodeString(ch.Challenge)
	require.NoError(t, err)
	assert.Len(t, raw, challengeBytes)
}

func TestRegisterCredentialCompletesEnrollment(t *testing.T) {
	f := newFixture(t, deviceOnly())
	d := newDevice(t, "cred-a")
	f.enroll(t, d, 0)

	e, err := f.store.GetEnrollment(context.Background(), testUser)
	require.NoError(t, err)
	assert.True(t, e.HasDeviceCredential)
	assert.Equal(t, model.EnrollmentComplete, e.Status)
	require.NotNil(t, e.DeviceFingerprint)
	assert.Equal(t, FingerprintHash("fp-1"), *e.DeviceFingerprint)

	creds, err := f.store.ListActiveCredentials(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, []string{"internal", "hybrid"}, creds[0].Transports)
	assert.Equal(t, 1, countEvents(f.store, model.EventCredentialRegistered))

	ch, err := f.svc.IssueChallenge(context.Background(), testUser, model.PurposeAuthentication)
	require.NoError(t, err)
	assert.Equal(t, []string{"cred-a"}, ch.AllowCredentials)
}

func TestRegisterCredentialRequiresGrantOnCompleteEnrollment(t *testing.T) {
	f := newFixture(t, deviceOnly())
	f.enroll(t, newDevice(t, "cred-a"), 0)

	ctx := context.Background()
	ch, err := f.svc.IssueChallenge(ctx, testUser, model.PurposeRegistration)
	require.NoError(t, err)
	_, err = f.svc.RegisterCredential(ctx, testUser, newDevice(t, "cred-b").register(t, ch.Challenge, 0))
	require.ErrorIs(t, err, enrollment.ErrReEnrollmentNotAuthorized)

	code, ok := ReasonFor(err)
	require.True(t, ok)
	assert.Equal(t, "REENROLLMENT_NOT_AUTHORIZED", string(code))
}

func TestRegisterCredentialRejectsReusedChallenge(t *testing.T) {
	f := newFixture(t, policy.Default())
	ctx := context.Background()
	ch, err := f.svc.IssueChallenge(ctx, testUser, model.PurposeRegistration)
	require.NoError(t, err)
	_, err = f.svc.RegisterCredential(ctx, testUser, newDevice(t, "cred-a").register(t, ch.Challenge, 0))
	require.NoError(t, err)

	_, err = f.svc.RegisterCredential(ctx, testUser, newDevice(t, "cred-b").register(t, ch.Challenge, 0))
	require.ErrorIs(t, err, ErrChallengeConsumed)
}

func TestRegisterCredentialValidatesInput(t *testing.T) {
	f := newFixture(t, deviceOnly())
	ctx := context.Background()
	ch, err := f.svc.IssueChallenge(ctx, testUser, model.PurposeRegistration)
	require.NoError(t, err)
	d := newDevice(t, "cred-a")

	reg := d.register(t, ch.Challenge, 0)
	reg.CredentialID = " "
	_, err = f.svc.RegisterCredential(ctx, testUser, reg)
	require.ErrorIs(t, err, ErrInvalidRegistration)

	reg = d.register(t, ch.Challenge, 0)
	reg.PublicKeyAlgorithm = -257
	_, err = f.svc.RegisterCredential(ctx, testUser, reg)
	require.ErrorIs(t, err, ErrInvalidRegistration)

	reg = d.register(t, ch.Challenge, 0)
	reg.PublicKey = ""
	_, err = f.svc.RegisterCredential(ctx, testUser, reg)
	require.ErrorIs(t, err, ErrInvalidRegistration)

	reg = d.register(t, ch.Challenge, 0)
	reg.AuthenticatorData = enc(authData("evil.example", uvFlags, 0))
	_, err = f.svc.RegisterCredential(ctx, testUser, reg)
	require.ErrorIs(t, err, ErrVerificationFailed)

	// the challenge is still usable after rejected attempts
	_, err = f.svc.RegisterCredential(ctx, testUser, d.register(t, ch.Challenge, 0))
	require.NoError(t, err)
}

func TestVerifyAssertion(t *testing.T) {
	f := newFixture(t, deviceOnly())
	d := newDevice(t, "cred-a")
	f.enroll(t, d, 1)

	res, err := f.svc.VerifyAssertion(context.Background(), testUser, d.assert(t, f.authChallenge(t), testOrigin, 2))
	require.NoError(t, err)
	assert.Equal(t, "cred-a", res.CredentialID)
	assert.Equal(t, uint32(2), res.Counter)
	assert.False(t, res.CloneSuspected)
	assert.False(t, res.Unverified)

	c, err := f.store.GetCredential(context.Background(), "cred-a")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), c.Counter)
	assert.NotNil(t, c.LastUsedAt)
}

func TestVerifyAssertionReplayIsRejected(t *testing.T) {
	f := newFixture(t, deviceOnly())
	d := newDevice(t, "cred-a")
	f.enroll(t, d, 0)

	a := d.assert(t, f.authChallenge(t), testOrigin, 0)
	_, err := f.svc.VerifyAssertion(context.Background(), testUser, a)
	require.NoError(t, err)
	_, err = f.svc.VerifyAssertion(context.Background(), testUser, a)
	require.ErrorIs(t, err, ErrChallengeConsumed)
	assert.True(t, IsVerificationFailure(err))
}

func TestVerifyAssertionSupersededChallenge(t *testing.T) {
	f := newFixture(t, deviceOnly())
	d := newDevice(t, "cred-a")
	f.enroll(t, d, 0)

	first := f.authChallenge(t)
	second := f.authChallenge(t)

	_, err := f.svc.VerifyAssertion(context.Background(), testUser, d.assert(t, first, testOrigin, 0))
	require.ErrorIs(t, err, ErrChallengeSuperseded)
	_, err = f.svc.VerifyAssertion(context.Background(), testUser, d.assert(t, second, testOrigin, 0))
	require.NoError(t, err)
}

func TestVerifyAssertionExpiredChallenge(t *testing.T) {
	f := newFixture(t, deviceOnly())
	d := newDevice(t, "cred-a")
	f.enroll(t, d, 0)

	ch := f.authChallenge(t)
	f.clock.advance(2*time.Minute + time.Second)
	_, err := f.svc.VerifyAssertion(context.Background(), testUser, d.assert(t, ch, testOrigin, 0))
	require.ErrorIs(t, err, ErrChallengeExpired)

	n, err := f.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
}

func TestVerifyAssertionUnknownChallenge(t *testing.T) {
	f := newFixture(t, deviceOnly())
	d := newDevice(t, "cred-a")
	f.enroll(t, d, 0)

	_, err := f.svc.VerifyAssertion(context.Background(), testUser, d.assert(t, enc([]byte("never issued")), testOrigin, 0))
	require.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestVerifyAssertionWrongOrigin(t *testing.T) {
	f := newFixture(t, deviceOnly())
	d := newDevice(t, "cred-a")
	f.enroll(t, d, 0)

	ch := f.authChallenge(t)
	_, err := f.svc.VerifyAssertion(context.Background(), testUser, d.assert(t, ch, "https://phish.example", 0))
	require.ErrorIs(t, err, ErrVerificationFailed)

	_, err = f.svc.VerifyAssertion(context.Background(), testUser, d.assert(t, ch, testOrigin, 0))
	require.NoError(t, err)
}

func TestVerifyAssertionBadSignatureConsumesChallenge(t *testing.T) {
	f := newFixture(t, deviceOnly())
	d := newDevice(t, "cred-a")
	f.enroll(t, d, 0)

	ch := f.authChallenge(t)
	impostor := newDevice(t, "cred-a")
	_, err := f.svc.VerifyAssertion(context.Background(), testUser, impostor.assert(t, ch, testOrigin, 0))
	require.ErrorIs(t, err, ErrVerificationFailed)

	_, err = f.svc.VerifyAssertion(context.Background(), testUser, d.assert(t, ch, testOrigin, 0))
	require.ErrorIs(t, err, ErrChallengeConsumed)
}

func TestVerifyAssertionRejectsOtherUsersCredential(t *testing.T) {
	f := newFixture(t, deviceOnly())
	d := newDevice(t, "cred-a")
	f.enroll(t, d, 0)

	ch, err := f.svc.IssueChallenge(context.Background(), "student-2", model.PurposeAuthentication)
	require.NoError(t, err)
	_, err = f.svc.VerifyAssertion(context.Background(), "student-2", d.assert(t, ch.Challenge, testOrigin, 0))
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestVerifyAssertionCounterRegression(t *testing.T) {
	f := newFixture(t, deviceOnly())
	d := newDevice(t, "cred-a")
	f.enroll(t, d, 5)

	res, err := f.svc.VerifyAssertion(context.Background(), testUser, d.assert(t, f.authChallenge(t), testOrigin, 3))
	require.NoError(t, err)
	assert.True(t, res.CloneSuspected)
	assert.Equal(t, 1, countEvents(f.store, model.EventPossibleClone))

	c, err := f.store.GetCredential(context.Background(), "cred-a")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), c.Counter)
}

func TestZeroCountersAreNotClones(t *testing.T) {
	assert.False(t, counterRegressed(0, 0))
	assert.False(t, counterRegressed(4, 0))
	assert.True(t, counterRegressed(4, 4))
	assert.True(t, counterRegressed(4, 2))
	assert.False(t, counterRegressed(4, 5))
}

func TestVerifyAssertionConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t, deviceOnly())
	d := newDevice(t, "cred-a")
	f.enroll(t, d, 0)
	a := d.assert(t, f.authChallenge(t), testOrigin, 0)

	var ok, consumed int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.VerifyAssertion(context.Background(), testUser, a)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case assert.ErrorIs(t, err, ErrChallengeConsumed):
				atomic.AddInt32(&consumed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(7), consumed)
}

func TestUnverifiedAssertionsWhenAllowed(t *testing.T) {
	f := newFixture(t, deviceOnly())
	f.svc.cfg.AllowUnverifiedAssertions = true
	ctx := context.Background()

	ch, err := f.svc.IssueChallenge(ctx, testUser, model.PurposeRegistration)
	require.NoError(t, err)
	d := newDevice(t, "cred-a")
	reg := d.register(t, ch.Challenge, 0)
	reg.PublicKey = ""
	_, err = f.svc.RegisterCredential(ctx, testUser, reg)
	require.NoError(t, err)

	res, err := f.svc.VerifyAssertion(ctx, testUser, d.assert(t, f.authChallenge(t), testOrigin, 0))
	require.NoError(t, err)
	assert.True(t, res.Unverified)
	assert.Equal(t, 1, countEvents(f.store, model.EventUnverifiedAssertion))
}

func TestRevokeLastCredentialDropsDeviceFactor(t *testing.T) {
	f := newFixture(t, deviceOnly())
	f.enroll(t, newDevice(t, "cred-a"), 0)

	_, err := f.svc.RevokeCredential(context.Background(), "", "cred-a")
	require.ErrorIs(t, err, enrollment.ErrForbidden)

	revoked, err := f.svc.RevokeCredential(context.Background(), "admin-1", "cred-a")
	require.NoError(t, err)
	assert.NotNil(t, revoked.RevokedAt)

	e, err := f.store.GetEnrollment(context.Background(), testUser)
	require.NoError(t, err)
	assert.False(t, e.HasDeviceCredential)
	assert.Equal(t, model.EnrollmentNotStarted, e.Status)

	_, err = f.svc.RevokeCredential(context.Background(), "admin-1", "missing")
	require.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestVerifyAssertionRejectsRegistrationCeremony(t *testing.T) {
	f := newFixture(t, deviceOnly())
	d := newDevice(t, "cred-a")
	f.enroll(t, d, 0)

	ch := f.authChallenge(t)
	_, err := f.svc.VerifyAssertion(context.Background(), testUser, d.assertAs(t, string(protocol.CreateCeremony), ch, testOrigin, 0))
	require.ErrorIs(t, err, ErrVerificationFailed)

	// rejected before the challenge is consumed
	_, err = f.svc.VerifyAssertion(context.Background(), testUser, d.assert(t, ch, testOrigin, 0))
	require.NoError(t, err)
}

func TestVerifyAssertionRejectsForeignRPID(t *testing.T) {
	f := newFixture(t, deviceOnly())
	d := newDevice(t, "cred-a")
	f.enroll(t, d, 0)

	ch := f.authChallenge(t)
	cd := clientDataJSON(t, string(protocol.AssertCeremony), ch, testOrigin)
	_, err := f.svc.VerifyAssertion(context.Background(), testUser, d.sign(t, authData("evil.example", uvFlags, 0), cd))
	require.ErrorIs(t, err, ErrVerificationFailed)

	_, err = f.svc.VerifyAssertion(context.Background(), testUser, d.sign(t, authData(testRPID, byte(protocol.FlagUserPresent), 0), cd))
	require.ErrorIs(t, err, ErrVerificationFailed, "user verification is required")
}

func TestVerifyAssertionDefaultsOriginToRPID(t *testing.T) {
	f := newFixture(t, deviceOnly())
	f.svc.cfg.Origins = nil
	d := newDevice(t, "cred-a")
	f.enroll(t, d, 0)

	ch := f.authChallenge(t)
	_, err := f.svc.VerifyAssertion(context.Background(), testUser, d.assert(t, ch, "https://phish.example", 0))
	require.ErrorIs(t, err, ErrVerificationFailed)
	_, err = f.svc.VerifyAssertion(context.Background(), testUser, d.assert(t, ch, "https://"+testRPID, 0))
	require.NoError(t, err)
}

func attestedAuthData(t *testing.T, d device, credentialID []byte) []byte {
	t.Helper()
	cose, err := webauthncbor.Marshal(webauthncose.EC2PublicKeyData{
		PublicKeyData: webauthncose.PublicKeyData{
			KeyType:   int64(webauthncose.EllipticKey),
			Algorithm: int64(webauthncose.AlgES256),
		},
		Curve:  int64(webauthncose.P256),
		XCoord: d.key.X.FillBytes(make([]byte, 32)),
		YCoord: d.key.Y.FillBytes(make([]byte, 32)),
	})
	require.NoError(t, err)

	out := authData(testRPID, uvFlags|byte(protocol.FlagAttestedCredentialData), 0)
	out = append(out, make([]byte, 16)...)
	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(credentialID)))
	out = append(out, n[:]...)
	out = append(out, credentialID...)
	return append(out, cose...)
}

func TestRegisterCredentialFromAttestedKey(t *testing.T) {
	f := newFixture(t, deviceOnly())
	ctx := context.Background()
	rawID := []byte("attested-credential")
	d := newDevice(t, enc(rawID))

	ch, err := f.svc.IssueChallenge(ctx, testUser, model.PurposeRegistration)
	require.NoError(t, err)
	reg := d.register(t, ch.Challenge, 0)
	reg.PublicKey = ""
	reg.AuthenticatorData = enc(attestedAuthData(t, d, []byte("another-credential")))
	_, err = f.svc.RegisterCredential(ctx, testUser, reg)
	require.ErrorIs(t, err, ErrInvalidRegistration)

	reg.AuthenticatorData = enc(attestedAuthData(t, d, rawID))
	created, err := f.svc.RegisterCredential(ctx, testUser, reg)
	require.NoError(t, err)
	require.NotNil(t, created.PublicKey)

	stored, err := parseECDSAPublicKey(*created.PublicKey)
	require.NoError(t, err)
	assert.True(t, stored.Equal(&d.key.PublicKey))

	res, err := f.svc.VerifyAssertion(ctx, testUser, d.assert(t, f.authChallenge(t), testOrigin, 1))
	require.NoError(t, err)
	assert.False(t, res.Unverified)
}
