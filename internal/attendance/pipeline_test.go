package attendance

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"osis/attendance/internal/audit"
	"osis/attendance/internal/auth"
	"osis/attendance/internal/checkin"
	"osis/attendance/internal/credential"
	"osis/attendance/internal/db"
	"osis/attendance/internal/db/memdb"
	"osis/attendance/internal/location"
	"osis/attendance/internal/model"
	"osis/attendance/internal/network"
	"osis/attendance/internal/policy"
	"osis/attendance/internal/ratelimit"
	"osis/attendance/internal/reason"
)

const student = "student-1"

type staticPolicy struct{ p policy.Policy }

func (s *staticPolicy) Load(ctx context.Context) (policy.Policy, error) { return s.p, nil }

type fakeVerifier struct {
	calls  int
	result credential.AssertionResult
	err    error
}

func (f *fakeVerifier) VerifyAssertion(ctx context.Context, userID string, a credential.Assertion) (credential.AssertionResult, error) {
	f.calls++
	if f.err != nil {
		return credential.AssertionResult{}, f.err
	}
	res := f.result
	res.CredentialID = a.CredentialID
	return res, nil
}

type blockingLocations struct{}

func (blockingLocations) Active(ctx context.Context) (model.Location, error) {
	<-ctx.Done()
	return model.Location{}, ctx.Err()
}

type brokenLocations struct{}

func (brokenLocations) Active(ctx context.Context) (model.Location, error) {
	return model.Location{}, errors.New("connection reset")
}

func ptr(v float64) *float64 { return &v }

type PipelineSuite struct {
	suite.Suite
	store     *memdb.Store
	policies  *staticPolicy
	locations *location.Service
	tokens    *checkin.Consumer
	verifier  *fakeVerifier
	pipeline  *Pipeline
}

func TestPipelineSuite(t *testing.T) {
	suite.Run(t, new(PipelineSuite))
}

func (s *PipelineSuite) SetupTest() {
	s.store = memdb.New()
	recorder := audit.NewRecorder(s.store, nil, nil, nil)
	s.policies = &staticPolicy{p: policy.Default()}
	s.locations = location.NewService(s.store, recorder, nil)
	s.tokens = checkin.NewConsumer(s.store, recorder, nil)
	s.verifier = &fakeVerifier{}
	s.pipeline = New(auth.ContextResolver{}, s.locations, s.policies, s.store, s.verifier, s.tokens, recorder, nil)
}

func (s *PipelineSuite) ctx() context.Context {
	return auth.WithIdentity(context.Background(), auth.Identity{UserID: student, Role: "student"})
}

func (s *PipelineSuite) activateCampus(ssids ...string) {
	_, err := s.locations.Activate(context.Background(), "admin-1", location.Input{
		Latitude: -6.8647, Longitude: 107.5900, RadiusMeters: 50, AllowedWifiSSIDs: ssids,
	})
	s.Require().NoError(err)
}

func (s *PipelineSuite) enroll(face, device bool, fingerprint string) {
	err := s.store.WithTx(context.Background(), func(q db.Queries) error {
		now := time.Now().UTC()
		e, err := q.LockEnrollment(context.Background(), student, now)
		if err != nil {
			return err
		}
		e.HasFaceAnchor = face
		e.HasDeviceCredential = device
		if fingerprint != "" {
			hash := credential.FingerprintHash(fingerprint)
			e.HasDeviceFingerprint = true
			e.DeviceFingerprint = &hash
		}
		e.Status = model.EnrollmentComplete
		if !face || !device {
			e.Status = model.EnrollmentPhotoCompleted
		}
		return q.SaveEnrollment(context.Background(), e)
	})
	s.Require().NoError(err)
}

func (s *PipelineSuite) token(singleUse bool) string {
	tok, err := s.tokens.IssueToken(context.Background(), "admin-1", "event-1", singleUse, time.Hour)
	s.Require().NoError(err)
	return tok.Token
}

func (s *PipelineSuite) onCampus(token string) Request {
	return Request{
		Token:     token,
		Latitude:  ptr(-6.8648),
		Longitude: ptr(107.5901),
		Accuracy:  ptr(12),
		NetworkSignal: &NetworkSignal{
			IP: "10.20.0.14", SSID: "Campus-WiFi", ConnectionType: "wifi",
		},
		CredentialAssertion: &credential.Assertion{CredentialID: "cred-a"},
		ObservedIP:          "203.0.113.7",
	}
}

func (s *PipelineSuite) events(typ string) []model.SecurityEvent {
	var out []model.SecurityEvent
	for _, e := range s.store.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (s *PipelineSuite) TestSuccessfulCheckIn() {
	s.activateCampus("campus-wifi")
	s.enroll(true, true, "")

	d := s.pipeline.CheckIn(s.ctx(), s.onCampus(s.token(true)))
	s.Require().True(d.OK, "reason %s", d.Reason)
	s.NotEmpty(d.AttendanceID)
	s.Equal("event-1", d.EventID)
	s.Require().NotNil(d.DistanceMeters)
	s.InDelta(15.7, *d.DistanceMeters, 1.0)
	s.Empty(d.Advisories)
	s.Equal(1, s.verifier.calls)

	rows := s.store.Attendance()
	s.Require().Len(rows, 1)
	s.Equal(string(network.TrustHigh), rows[0].Network.TrustClassification)
	s.Equal("203.0.113.7", rows[0].Network.ObservedIP)
	s.False(rows[0].Network.ObservedPrivate)
	s.Require().Len(s.events(model.EventCheckIn), 1)
	s.Equal(d.AttendanceID, s.events(model.EventCheckIn)[0].Details["attendanceId"])
}

func (s *PipelineSuite) TestUnauthenticated() {
	d := s.pipeline.CheckIn(context.Background(), s.onCampus("tok"))
	s.False(d.OK)
	s.Equal(reason.Unauthenticated, d.Reason)
	s.Len(s.events(model.EventCheckInRejected), 1)
}

func (s *PipelineSuite) TestBodyUserMustMatchIdentity() {
	req := s.onCampus("tok")
	req.UserID = "someone-else"
	d := s.pipeline.CheckIn(s.ctx(), req)
	s.Equal(reason.Unauthenticated, d.Reason)
}

func (s *PipelineSuite) TestInvalidInput() {
	cases := []Request{
		{Token: ""},
		{Token: "t", Latitude: ptr(1)},
		{Token: "t", Latitude: ptr(math.NaN()), Longitude: ptr(1)},
		{Token: "t", Latitude: ptr(1), Longitude: ptr(200)},
		{Token: "t", Accuracy: ptr(-1)},
		{Token: "t", CredentialAssertion: &credential.Assertion{}},
	}
	for _, req := range cases {
		d := s.pipeline.CheckIn(s.ctx(), req)
		s.Equal(reason.InvalidInput, d.Reason, "request %+v", req)
	}
}

func (s *PipelineSuite) TestMissingLocationConfigIsAdvisory() {
	s.enroll(true, true, "")
	d := s.pipeline.CheckIn(s.ctx(), s.onCampus(s.token(true)))
	s.Require().True(d.OK, "reason %s", d.Reason)
	s.Contains(d.Advisories, reason.LocationCheckUnavailable)
	s.Nil(d.DistanceMeters)

	ev := s.events(model.EventCheckIn)
	s.Require().Len(ev, 1)
	s.Contains(ev[0].Details["advisories"], reason.LocationCheckUnavailable)
}

func (s *PipelineSuite) TestLocationRequired() {
	s.activateCampus()
	s.enroll(true, true, "")
	req := s.onCampus(s.token(true))
	req.Latitude, req.Longitude = nil, nil
	d := s.pipeline.CheckIn(s.ctx(), req)
	s.Equal(reason.LocationRequired, d.Reason)
}

func (s *PipelineSuite) TestLocationInaccurate() {
	s.activateCampus()
	s.enroll(true, true, "")
	req := s.onCampus(s.token(true))
	req.Accuracy = ptr(250)
	d := s.pipeline.CheckIn(s.ctx(), req)
	s.Equal(reason.LocationInaccurate, d.Reason)
}

func (s *PipelineSuite) TestOutsideRadiusReportsDistance() {
	s.activateCampus()
	s.enroll(true, true, "")
	req := s.onCampus(s.token(true))
	req.Latitude, req.Longitude = ptr(-6.8700), ptr(107.5900)
	d := s.pipeline.CheckIn(s.ctx(), req)
	s.Equal(reason.OutsideAllowedRadius, d.Reason)
	s.Require().NotNil(d.DistanceMeters)
	s.Greater(*d.DistanceMeters, 50.0)
	s.Empty(s.store.Attendance())
	s.Zero(s.verifier.calls)
}

func (s *PipelineSuite) TestLowTrustEscalatesToAssertion() {
	s.policies.p = policy.Policy{RequireFaceAnchor: true, MinimumNetworkTrust: network.TrustHigh}
	s.activateCampus("campus-wifi")
	s.enroll(true, true, "")
	req := s.onCampus(s.token(true))
	req.NetworkSignal = &NetworkSignal{IP: "198.51.100.4", SSID: "CoffeeShop"}
	req.CredentialAssertion = nil

	d := s.pipeline.CheckIn(s.ctx(), req)
	s.Equal(reason.EnrollmentIncomplete, d.Reason)
	s.Equal([]model.Factor{model.FactorDeviceAssertion}, d.MissingEnrollmentFactors)
	s.Contains(d.Advisories, reason.NetworkTrustLow)
}

func (s *PipelineSuite) TestLowTrustWithoutCredentialIsAdvisoryOnly() {
	s.policies.p = policy.Policy{RequireFaceAnchor: true, MinimumNetworkTrust: network.TrustHigh}
	s.activateCampus("campus-wifi")
	s.enroll(true, false, "")
	req := s.onCampus(s.token(true))
	req.NetworkSignal = nil
	req.CredentialAssertion = nil

	d := s.pipeline.CheckIn(s.ctx(), req)
	s.Require().True(d.OK, "reason %s", d.Reason)
	s.Contains(d.Advisories, reason.NetworkTrustLow)
}

func (s *PipelineSuite) TestEnrollmentIncompleteListsFactors() {
	s.activateCampus()
	d := s.pipeline.CheckIn(s.ctx(), s.onCampus(s.token(true)))
	s.Equal(reason.EnrollmentIncomplete, d.Reason)
	s.ElementsMatch([]model.Factor{model.FactorFaceAnchor, model.FactorDeviceCredential}, d.MissingEnrollmentFactors)
}

func (s *PipelineSuite) TestPolicyTighteningFlagsReEnrollment() {
	s.policies.p = policy.Policy{RequireFaceAnchor: true, MinimumNetworkTrust: network.TrustLow}
	s.enroll(true, false, "")
	s.Require().NoError(s.store.WithTx(context.Background(), func(q db.Queries) error {
		e, err := q.LockEnrollment(context.Background(), student, time.Now())
		if err != nil {
			return err
		}
		e.Status = model.EnrollmentComplete
		return q.SaveEnrollment(context.Background(), e)
	}))
	s.policies.p = policy.Default()

	d := s.pipeline.CheckIn(s.ctx(), s.onCampus(s.token(true)))
	s.Equal(reason.EnrollmentIncomplete, d.Reason)
	s.True(d.ReEnrollmentNeeded)
	s.Equal([]model.Factor{model.FactorDeviceCredential}, d.MissingEnrollmentFactors)
}

func (s *PipelineSuite) TestFingerprintMismatchEscalates() {
	s.policies.p = policy.Policy{RequireFaceAnchor: true, MinimumNetworkTrust: network.TrustLow}
	s.activateCampus("campus-wifi")
	s.enroll(true, true, "fp-original")
	req := s.onCampus(s.token(true))
	req.DeviceFingerprint = "fp-other"
	req.CredentialAssertion = nil

	d := s.pipeline.CheckIn(s.ctx(), req)
	s.Equal(reason.EnrollmentIncomplete, d.Reason)
	s.Contains(d.Advisories, reason.DeviceFingerprintMismatch)

	req.DeviceFingerprint = "fp-original"
	d = s.pipeline.CheckIn(s.ctx(), req)
	s.True(d.OK, "reason %s", d.Reason)
}

func (s *PipelineSuite) TestCredentialFailureKeepsToken() {
	s.activateCampus("campus-wifi")
	s.enroll(true, true, "")
	token := s.token(true)
	s.verifier.err = credential.ErrChallengeConsumed

	d := s.pipeline.CheckIn(s.ctx(), s.onCampus(token))
	s.Equal(reason.CredentialVerificationFailed, d.Reason)
	s.Empty(s.store.Attendance())

	s.verifier.err = nil
	d = s.pipeline.CheckIn(s.ctx(), s.onCampus(token))
	s.True(d.OK, "reason %s", d.Reason)
}

func (s *PipelineSuite) TestCloneSuspicionDoesNotBlock() {
	s.activateCampus("campus-wifi")
	s.enroll(true, true, "")
	s.verifier.result = credential.AssertionResult{CloneSuspected: true}

	d := s.pipeline.CheckIn(s.ctx(), s.onCampus(s.token(true)))
	s.Require().True(d.OK, "reason %s", d.Reason)
	ev := s.events(model.EventCheckIn)
	s.Require().Len(ev, 1)
	s.Equal(true, ev[0].Details["cloneSuspected"])
}

func (s *PipelineSuite) TestTokenReasonsPropagate() {
	s.activateCampus("campus-wifi")
	s.enroll(true, true, "")
	token := s.token(true)

	s.Require().True(s.pipeline.CheckIn(s.ctx(), s.onCampus(token)).OK)
	d := s.pipeline.CheckIn(s.ctx(), s.onCampus(token))
	s.Equal(reason.TokenAlreadyUsed, d.Reason)

	d = s.pipeline.CheckIn(s.ctx(), s.onCampus("unknown-token"))
	s.Equal(reason.TokenNotFound, d.Reason)

	d = s.pipeline.CheckIn(s.ctx(), s.onCampus(s.token(false)))
	s.Equal(reason.DuplicateCheckIn, d.Reason)
}

func (s *PipelineSuite) TestTimeoutFailsClosed() {
	recorder := audit.NewRecorder(s.store, nil, nil, nil)
	p := New(auth.ContextResolver{}, blockingLocations{}, s.policies, s.store, s.verifier, s.tokens, recorder, nil,
		WithTimeout(20*time.Millisecond))
	s.enroll(true, true, "")

	d := p.CheckIn(s.ctx(), s.onCampus(s.token(true)))
	s.False(d.OK)
	s.Equal(reason.Timeout, d.Reason)
	s.Empty(s.store.Attendance())
	s.Len(s.events(model.EventCheckInRejected), 1)
}

func (s *PipelineSuite) TestInfrastructureFailureIsInternal() {
	recorder := audit.NewRecorder(s.store, nil, nil, nil)
	p := New(auth.ContextResolver{}, brokenLocations{}, s.policies, s.store, s.verifier, s.tokens, recorder, nil)
	d := p.CheckIn(s.ctx(), s.onCampus(s.token(true)))
	s.Equal(reason.Internal, d.Reason)
}

func (s *PipelineSuite) TestRateLimited() {
	recorder := audit.NewRecorder(s.store, nil, nil, nil)
	p := New(auth.ContextResolver{}, s.locations, s.policies, s.store, s.verifier, s.tokens, recorder, nil,
		WithLimiter(ratelimit.NewLocal(1, time.Minute)))
	s.enroll(true, true, "")

	first := p.CheckIn(s.ctx(), s.onCampus(s.token(true)))
	s.True(first.OK, "reason %s", first.Reason)
	second := p.CheckIn(s.ctx(), s.onCampus(s.token(true)))
	s.Equal(reason.RateLimited, second.Reason)
}
