// Package attendance runs the check-in decision: identity, location, network,
// enrollment, device assertion and token consumption, in that order.
package attendance

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"osis/attendance/internal/audit"
	"osis/attendance/internal/auth"
	"osis/attendance/internal/checkin"
	"osis/attendance/internal/credential"
	"osis/attendance/internal/db"
	"osis/attendance/internal/enrollment"
	"osis/attendance/internal/geo"
	"osis/attendance/internal/location"
	"osis/attendance/internal/model"
	"osis/attendance/internal/network"
	"osis/attendance/internal/obs"
	"osis/attendance/internal/policy"
	"osis/attendance/internal/ratelimit"
	"osis/attendance/internal/reason"
)

const defaultTimeout = 5 * time.Second

type NetworkSignal struct {
	IP             string `json:"ip,omitempty"`
	SSID           string `json:"ssid,omitempty"`
	ConnectionType string `json:"connectionType,omitempty"`
}

type Request struct {
	UserID              string                `json:"userId,omitempty"`
	Token               string                `json:"token"`
	Latitude            *float64              `json:"latitude,omitempty"`
	Longitude           *float64              `json:"longitude,omitempty"`
	Accuracy            *float64              `json:"accuracy,omitempty"`
	NetworkSignal       *NetworkSignal        `json:"networkSignal,omitempty"`
	CredentialAssertion *credential.Assertion `json:"credentialAssertion,omitempty"`
	DeviceFingerprint   string                `json:"deviceFingerprint,omitempty"`
	// ObservedIP is the client address seen by the transport.
	ObservedIP string `json:"-"`
}

type Decision struct {
	OK                       bool           `json:"ok"`
	Reason                   reason.Code    `json:"reason,omitempty"`
	AttendanceID             string         `json:"attendanceId,omitempty"`
	EventID                  string         `json:"eventId,omitempty"`
	DistanceMeters           *float64       `json:"distanceMeters,omitempty"`
	MissingEnrollmentFactors []model.Factor `json:"missingEnrollmentFactors,omitempty"`
	Advisories               []reason.Code  `json:"advisories,omitempty"`
	ReEnrollmentNeeded       bool           `json:"reEnrollmentNeeded,omitempty"`
}

type LocationSource interface {
	Active(ctx context.Context) (model.Location, error)
}

type Verifier interface {
	VerifyAssertion(ctx context.Context, userID string, a credential.Assertion) (credential.AssertionResult, error)
}

type TokenConsumer interface {
	Consume(ctx context.Context, token string, claim checkin.Claim) (checkin.Result, error)
}

type Pipeline struct {
	identity  auth.IdentityResolver
	locations LocationSource
	policies  enrollment.PolicySource
	store     db.Store
	verifier  Verifier
	tokens    TokenConsumer
	limiter   ratelimit.Limiter
	recorder  *audit.Recorder
	metrics   *obs.Metrics
	logger    *zap.Logger
	timeout   time.Duration
}

type Option func(*Pipeline)

func WithLimiter(l ratelimit.Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

func WithTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithMetrics(m *obs.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func New(identity auth.IdentityResolver, locations LocationSource, policies enrollment.PolicySource, store db.Store, verifier Verifier, tokens TokenConsumer, recorder *audit.Recorder, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		identity:  identity,
		locations: locations,
		policies:  policies,
		store:     store,
		verifier:  verifier,
		tokens:    tokens,
		recorder:  recorder,
		logger:    logger,
		timeout:   defaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run carries the verdicts of one check-in for the response and the audit
// event.
type run struct {
	req      Request
	userID   string
	decision Decision
	policy   policy.Policy
	location *model.Location
	network  network.Classification
	observed model.NetworkSnapshot
	verdicts map[string]any
	clone    bool
}

func (r *run) advise(code reason.Code) {
	for _, existing := range r.decision.Advisories {
		if existing == code {
			return
		}
	}
	r.decision.Advisories = append(r.decision.Advisories, code)
}

func (r *run) reject(code reason.Code) Decision {
	r.decision.OK = false
	r.decision.Reason = code
	return r.decision
}

// CheckIn evaluates req. Rejections are returned as a Decision, never as an
// error. A deadline at any step yields TIMEOUT.
func (p *Pipeline) CheckIn(ctx context.Context, req Request) Decision {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	r := &run{req: req, verdicts: map[string]any{}}
	decision, err := p.evaluate(ctx, r)
	switch {
	case err == nil:
	case ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded):
		p.logger.Warn("check-in timed out", zap.String("user_id", r.userID), zap.Error(err))
		decision = r.reject(reason.Timeout)
	default:
		p.logger.Error("check-in failed",
			zap.String("user_id", r.userID),
			zap.Any("verdicts", r.verdicts),
			zap.Error(err),
		)
		decision = r.reject(reason.Internal)
	}

	outcome := "ok"
	if !decision.OK {
		outcome = string(decision.Reason)
	}
	p.metrics.CheckIn(outcome)
	p.audit(ctx, r, decision)
	return decision
}

func (p *Pipeline) evaluate(ctx context.Context, r *run) (Decision, error) {
	// identity
	id, ok := p.identity.Resolve(ctx)
	if !ok {
		return r.reject(reason.Unauthenticated), nil
	}
	r.userID = id.UserID
	if claimed := strings.TrimSpace(r.req.UserID); claimed != "" && claimed != id.UserID {
		r.verdicts["identity"] = "user_mismatch"
		return r.reject(reason.Unauthenticated), nil
	}
	if code, ok := validate(r.req); !ok {
		r.verdicts["input"] = string(code)
		return r.reject(code), nil
	}
	if p.limiter != nil {
		d, err := p.limiter.Allow(ctx, "checkin", id.UserID)
		if err != nil {
			p.logger.Warn("check-in limiter unavailable", zap.String("user_id", id.UserID), zap.Error(err))
		} else if !d.Allowed {
			r.verdicts["rateLimit"] = map[string]any{"count": d.Count, "retryAfterSeconds": d.RetryAfter.Seconds()}
			return r.reject(reason.RateLimited), nil
		}
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	pol, err := p.policies.Load(ctx)
	if err != nil {
		return Decision{}, err
	}
	r.policy = pol

	// location
	loc, err := p.locations.Active(ctx)
	switch {
	case errors.Is(err, location.ErrNoActive):
		p.logger.Warn("no active school location; skipping geofence", zap.String("user_id", id.UserID))
		r.advise(reason.LocationCheckUnavailable)
		r.verdicts["location"] = string(reason.LocationCheckUnavailable)
	case err != nil:
		return Decision{}, err
	default:
		r.location = &loc
		if code, ok := p.checkLocation(r, loc); !ok {
			return r.reject(code), nil
		}
	}

	// network
	escalate := p.classifyNetwork(r)

	// enrollment
	e, err := enrollment.Snapshot(ctx, p.store, id.UserID)
	if err != nil {
		return Decision{}, err
	}
	r.decision.ReEnrollmentNeeded = enrollment.ReEnrollmentNeeded(e, pol)
	if mismatch := fingerprintMismatch(e, r.req.DeviceFingerprint); mismatch {
		r.advise(reason.DeviceFingerprintMismatch)
		escalate = true
	}
	missing := enrollment.MissingFactors(e, pol)
	assertionRequired := pol.RequireDeviceBinding || (escalate && e.HasDeviceCredential)
	if len(missing) == 0 && assertionRequired && r.req.CredentialAssertion == nil {
		missing = []model.Factor{model.FactorDeviceAssertion}
	}
	r.verdicts["enrollment"] = map[string]any{
		"status":            e.Status,
		"missing":           missing,
		"assertionRequired": assertionRequired,
		"escalated":         escalate,
	}
	if len(missing) > 0 {
		r.decision.MissingEnrollmentFactors = missing
		return r.reject(reason.EnrollmentIncomplete), nil
	}

	// device assertion
	if a := r.req.CredentialAssertion; a != nil {
		res, err := p.verifier.VerifyAssertion(ctx, id.UserID, *a)
		if err != nil {
			if credential.IsVerificationFailure(err) {
				r.verdicts["assertion"] = err.Error()
				return r.reject(reason.CredentialVerificationFailed), nil
			}
			return Decision{}, err
		}
		r.clone = res.CloneSuspected
		r.verdicts["assertion"] = map[string]any{
			"credentialId":   res.CredentialID,
			"counter":        res.Counter,
			"cloneSuspected": res.CloneSuspected,
			"unverified":     res.Unverified,
		}
	}

	// token
	result, err := p.tokens.Consume(ctx, r.req.Token, checkin.Claim{
		UserID:   id.UserID,
		Location: r.locationSnapshot(),
		Network:  r.networkSnapshot(),
	})
	if err != nil {
		return Decision{}, err
	}
	r.decision.EventID = result.EventID
	r.verdicts["token"] = map[string]any{"ok": result.OK, "reason": result.Reason}
	if !result.OK {
		return r.reject(result.Reason), nil
	}
	r.decision.OK = true
	r.decision.AttendanceID = result.AttendanceID
	return r.decision, nil
}

func validate(req Request) (reason.Code, bool) {
	if strings.TrimSpace(req.Token) == "" {
		return reason.InvalidInput, false
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		return reason.InvalidInput, false
	}
	if req.Latitude != nil && !geo.ValidCoordinate(*req.Latitude, *req.Longitude) {
		return reason.InvalidInput, false
	}
	if req.Accuracy != nil {
		acc := *req.Accuracy
		if math.IsNaN(acc) || math.IsInf(acc, 0) || acc < 0 {
			return reason.InvalidInput, false
		}
	}
	if a := req.CredentialAssertion; a != nil && strings.TrimSpace(a.CredentialID) == "" {
		return reason.InvalidInput, false
	}
	return "", true
}

func (p *Pipeline) checkLocation(r *run, loc model.Location) (reason.Code, bool) {
	if r.req.Latitude == nil {
		r.verdicts["location"] = string(reason.LocationRequired)
		return reason.LocationRequired, false
	}
	if limit := r.policy.MaxAccuracyMeters; limit > 0 && r.req.Accuracy != nil && *r.req.Accuracy > limit {
		r.verdicts["location"] = map[string]any{"accuracy": *r.req.Accuracy, "maxAccuracy": limit}
		return reason.LocationInaccurate, false
	}
	res := geo.Evaluate(*r.req.Latitude, *r.req.Longitude, loc.Latitude, loc.Longitude, loc.RadiusMeters)
	distance := res.DistanceMeters
	r.decision.DistanceMeters = &distance
	r.verdicts["location"] = map[string]any{
		"locationId":     loc.ID,
		"distanceMeters": distance,
		"radiusMeters":   loc.RadiusMeters,
		"withinRadius":   res.WithinRadius,
	}
	if !res.WithinRadius {
		return reason.OutsideAllowedRadius, false
	}
	return "", true
}

// classifyNetwork records the claimed and observed network signals and
// reports whether trust fell below the policy minimum.
func (p *Pipeline) classifyNetwork(r *run) bool {
	var allowed []string
	if r.location != nil {
		allowed = r.location.AllowedWifiSSIDs
	}
	signal := NetworkSignal{}
	if r.req.NetworkSignal != nil {
		signal = *r.req.NetworkSignal
	}
	r.network = network.NewClassifier(allowed).Classify(signal.IP, signal.SSID, signal.ConnectionType)
	r.observed = model.NetworkSnapshot{
		ObservedIP:      r.req.ObservedIP,
		ObservedPrivate: network.IsPrivate(r.req.ObservedIP),
	}
	low := r.network.Trust.Below(r.policy.MinimumNetworkTrust)
	r.verdicts["network"] = map[string]any{
		"trust":            r.network.Trust,
		"isPrivateRange":   r.network.IsPrivateRange,
		"matchesAllowList": r.network.MatchesAllowList,
		"connectionType":   r.network.InferredConnectionType,
		"observedPrivate":  r.observed.ObservedPrivate,
		"minimumTrust":     r.policy.MinimumNetworkTrust,
	}
	if low {
		r.advise(reason.NetworkTrustLow)
	}
	return low
}

func fingerprintMismatch(e model.Enrollment, supplied string) bool {
	if strings.TrimSpace(supplied) == "" || e.DeviceFingerprint == nil {
		return false
	}
	return credential.FingerprintHash(supplied) != *e.DeviceFingerprint
}

func (r *run) locationSnapshot() model.LocationSnapshot {
	return model.LocationSnapshot{
		Latitude:           r.req.Latitude,
		Longitude:          r.req.Longitude,
		Accuracy:           r.req.Accuracy,
		DistanceFromAnchor: r.decision.DistanceMeters,
	}
}

func (r *run) networkSnapshot() model.NetworkSnapshot {
	snap := r.observed
	if r.req.NetworkSignal != nil {
		snap.IP = r.req.NetworkSignal.IP
		snap.SSIDClaim = r.req.NetworkSignal.SSID
	}
	snap.ConnectionType = r.network.InferredConnectionType
	snap.TrustClassification = string(r.network.Trust)
	return snap
}

// audit writes one security event per decision. The recorder detaches from
// ctx so a timed-out request is still audited.
func (p *Pipeline) audit(ctx context.Context, r *run, d Decision) {
	eventType := model.EventCheckIn
	severity := model.SeverityInfo
	if !d.OK {
		eventType = model.EventCheckInRejected
		severity = model.SeverityWarning
	}
	details := map[string]any{
		"ok":                  d.OK,
		"reason":              d.Reason,
		"attendanceId":        d.AttendanceID,
		"eventId":             d.EventID,
		"advisories":          d.Advisories,
		"reEnrollmentNeeded":  d.ReEnrollmentNeeded,
		"location":            r.locationSnapshot(),
		"network":             r.networkSnapshot(),
		"assertionSupplied":   r.req.CredentialAssertion != nil,
		"fingerprintSupplied": r.req.DeviceFingerprint != "",
		"tokenSuffix":         tokenSuffix(r.req.Token),
		"verdicts":            r.verdicts,
	}
	if r.clone {
		details["cloneSuspected"] = true
	}
	p.recorder.Record(ctx, model.SecurityEvent{
		Type:     eventType,
		Severity: severity,
		UserID:   r.userID,
		Details:  details,
	})
}

func tokenSuffix(token string) string {
	token = strings.TrimSpace(token)
	if len(token) <= 6 {
		return token
	}
	return token[len(token)-6:]
}
