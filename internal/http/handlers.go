package http

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"osis/attendance/internal/attendance"
	"osis/attendance/internal/auth"
	"osis/attendance/internal/credential"
	"osis/attendance/internal/enrollment"
	"osis/attendance/internal/location"
	"osis/attendance/internal/model"
	"osis/attendance/internal/network"
	"osis/attendance/internal/policy"
	"osis/attendance/internal/reason"
)

// Models

type faceAnchorRequest struct {
	Image       string `json:"image" validate:"required"`
	ContentType string `json:"contentType" validate:"omitempty,oneof=image/jpeg image/png image/webp"`
}

type challengeRequest struct {
	Purpose string `json:"purpose" validate:"required,oneof=registration authentication"`
}

type registrationRequest struct {
	CredentialID       string   `json:"credentialId" validate:"required,max=1024"`
	ClientDataJSON     string   `json:"clientDataJSON" validate:"required"`
	AuthenticatorData  string   `json:"authenticatorData"`
	PublicKey          string   `json:"publicKey"`
	PublicKeyAlgorithm int      `json:"publicKeyAlgorithm"`
	Transports         []string `json:"transports" validate:"max=8,dive,max=32"`
	DeviceFingerprint  string   `json:"deviceFingerprint" validate:"max=512"`
}

type credentialResponse struct {
	CredentialID string                 `json:"credentialId"`
	Transports   []string               `json:"transports"`
	CreatedAt    time.Time              `json:"createdAt"`
	RevokedAt    *time.Time             `json:"revokedAt,omitempty"`
	Enrollment   *enrollment.StatusView `json:"enrollment,omitempty"`
}

type locationRequest struct {
	Latitude         *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude        *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	RadiusMeters     *float64 `json:"radiusMeters" validate:"required,gt=0"`
	AllowedWifiSSIDs []string `json:"allowedWifiSsids" validate:"max=64,dive,max=64"`
}

type locationResponse struct {
	ID               string    `json:"id"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	RadiusMeters     float64   `json:"radiusMeters"`
	AllowedWifiSSIDs []string  `json:"allowedWifiSsids"`
	IsActive         bool      `json:"isActive"`
	CreatedAt        time.Time `json:"createdAt"`
	CreatedBy        string    `json:"createdBy,omitempty"`
}

type policyRequest struct {
	RequireFaceAnchor    *bool    `json:"requireFaceAnchor" validate:"required"`
	RequireDeviceBinding *bool    `json:"requireDeviceBinding" validate:"required"`
	MaxAccuracyMeters    *float64 `json:"maxAccuracyMeters" validate:"required,gte=0"`
	MinimumNetworkTrust  string   `json:"minimumNetworkTrust" validate:"required,oneof=low medium high"`
}

type reEnrollmentRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
	Scope  string `json:"scope" validate:"required,oneof=face_anchor device_credential all"`
}

type tokenRequest struct {
	SingleUse  *bool `json:"singleUse"`
	TTLSeconds int   `json:"ttlSeconds" validate:"gte=0,lte=2592000"`
}

type tokenResponse struct {
	Token     string     `json:"token"`
	EventID   string     `json:"eventId"`
	SingleUse bool       `json:"singleUse"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

func mapLocation(l model.Location) locationResponse {
	ssids := l.AllowedWifiSSIDs
	if ssids == nil {
		ssids = []string{}
	}
	return locationResponse{
		ID:               l.ID,
		Latitude:         l.Latitude,
		Longitude:        l.Longitude,
		RadiusMeters:     l.RadiusMeters,
		AllowedWifiSSIDs: ssids,
		IsActive:         l.IsActive,
		CreatedAt:        l.CreatedAt,
		CreatedBy:        l.CreatedBy,
	}
}

// Handlers

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req attendance.Request
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, attendance.Decision{Reason: reason.InvalidInput})
		return
	}
	req.ObservedIP = clientIP(r)

	decision := s.svc.Pipeline.CheckIn(r.Context(), req)
	status := http.StatusCreated
	if !decision.OK {
		status = statusFor(decision.Reason)
	}
	writeJSON(w, status, decision)
}

func (s *Server) handleEnrollmentStatus(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	userID := id.UserID
	if other := strings.TrimSpace(r.URL.Query().Get("userId")); other != "" && other != userID {
		if !id.IsAdmin() {
			writeReason(w, reason.Forbidden)
			return
		}
		userID = other
	}
	view, err := s.svc.Enrollment.Status(r.Context(), userID)
	if err != nil {
		s.fail(w, r, "enrollment status", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUploadFaceAnchor(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	var req faceAnchorRequest
	if !s.bind(w, r, &req) {
		return
	}
	image, err := decodeImage(req.Image)
	if err != nil {
		writeReason(w, reason.InvalidInput)
		return
	}
	if _, err := s.svc.Enrollment.UploadFaceAnchor(r.Context(), id.UserID, image); err != nil {
		s.fail(w, r, "upload face anchor", err)
		return
	}
	view, err := s.svc.Enrollment.Status(r.Context(), id.UserID)
	if err != nil {
		s.fail(w, r, "enrollment status", err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleIssueChallenge(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	var req challengeRequest
	if !s.bind(w, r, &req) {
		return
	}
	issued, err := s.svc.Credentials.IssueChallenge(r.Context(), id.UserID, model.ChallengePurpose(req.Purpose))
	if err != nil {
		s.fail(w, r, "issue challenge", err)
		return
	}
	writeJSON(w, http.StatusCreated, issued)
}

func (s *Server) handleRegisterCredential(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	var req registrationRequest
	if !s.bind(w, r, &req) {
		return
	}
	cred, err := s.svc.Credentials.RegisterCredential(r.Context(), id.UserID, credential.Registration{
		CredentialID:       req.CredentialID,
		ClientDataJSON:     req.ClientDataJSON,
		AuthenticatorData:  req.AuthenticatorData,
		PublicKey:          req.PublicKey,
		PublicKeyAlgorithm: req.PublicKeyAlgorithm,
		Transports:         req.Transports,
		DeviceFingerprint:  req.DeviceFingerprint,
	})
	if err != nil {
		s.fail(w, r, "register credential", err)
		return
	}
	resp := credentialResponse{
		CredentialID: cred.CredentialID,
		Transports:   cred.Transports,
		CreatedAt:    cred.CreatedAt,
	}
	if view, err := s.svc.Enrollment.Status(r.Context(), id.UserID); err == nil {
		resp.Enrollment = &view
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Admin

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := s.svc.Locations.Active(r.Context())
	if err != nil {
		s.fail(w, r, "active location", err)
		return
	}
	writeJSON(w, http.StatusOK, mapLocation(loc))
}

func (s *Server) handlePutLocation(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	var req locationRequest
	if !s.bind(w, r, &req) {
		return
	}
	loc, err := s.svc.Locations.Activate(r.Context(), id.UserID, location.Input{
		Latitude:         *req.Latitude,
		Longitude:        *req.Longitude,
		RadiusMeters:     *req.RadiusMeters,
		AllowedWifiSSIDs: req.AllowedWifiSSIDs,
	})
	if err != nil {
		s.fail(w, r, "activate location", err)
		return
	}
	writeJSON(w, http.StatusOK, mapLocation(loc))
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Policies.Load(r.Context())
	if err != nil {
		s.fail(w, r, "load policy", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	var req policyRequest
	if !s.bind(w, r, &req) {
		return
	}
	trust, ok := network.ParseTrust(req.MinimumNetworkTrust)
	if !ok {
		writeReason(w, reason.InvalidInput)
		return
	}
	updated, err := s.svc.PolicyAdmin.Update(r.Context(), id.UserID, policy.Policy{
		RequireFaceAnchor:    *req.RequireFaceAnchor,
		RequireDeviceBinding: *req.RequireDeviceBinding,
		MaxAccuracyMeters:    *req.MaxAccuracyMeters,
		MinimumNetworkTrust:  trust,
	})
	if err != nil {
		s.fail(w, r, "update policy", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAuthorizeReEnrollment(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	userID := strings.TrimSpace(chi.URLParam(r, "userId"))
	if userID == "" {
		writeReason(w, reason.InvalidInput)
		return
	}
	var req reEnrollmentRequest
	if !s.bind(w, r, &req) {
		return
	}
	if _, err := s.svc.Enrollment.AuthorizeReEnrollment(r.Context(), id.UserID, userID, req.Reason, model.ReEnrollmentScope(req.Scope)); err != nil {
		s.fail(w, r, "authorize reenrollment", err)
		return
	}
	view, err := s.svc.Enrollment.Status(r.Context(), userID)
	if err != nil {
		s.fail(w, r, "enrollment status", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	cred, err := s.svc.Credentials.RevokeCredential(r.Context(), id.UserID, chi.URLParam(r, "credentialId"))
	if err != nil {
		s.fail(w, r, "revoke credential", err)
		return
	}
	writeJSON(w, http.StatusOK, credentialResponse{
		CredentialID: cred.CredentialID,
		Transports:   cred.Transports,
		CreatedAt:    cred.CreatedAt,
		RevokedAt:    cred.RevokedAt,
	})
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	var req tokenRequest
	if !s.bind(w, r, &req) {
		return
	}
	singleUse := true
	if req.SingleUse != nil {
		singleUse = *req.SingleUse
	}
	tok, err := s.svc.Tokens.IssueToken(r.Context(), id.UserID, chi.URLParam(r, "eventId"), singleUse, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.fail(w, r, "issue token", err)
		return
	}
	writeJSON(w, http.StatusCreated, tokenResponse{
		Token:     tok.Token,
		EventID:   tok.EventID,
		SingleUse: tok.SingleUse,
		ExpiresAt: tok.ExpiresAt,
		CreatedAt: tok.CreatedAt,
	})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.IdentityFromContext(r.Context())
	if err := s.svc.Tokens.RevokeToken(r.Context(), id.UserID, chi.URLParam(r, "token")); err != nil {
		s.fail(w, r, "revoke token", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeImage accepts standard or unpadded base64, optionally as a data URL.
func decodeImage(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "data:") {
		idx := strings.Index(value, ",")
		if idx < 0 {
			return nil, errors.New("malformed data url")
		}
		value = value[idx+1:]
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.RawStdEncoding.DecodeString(value)
}
