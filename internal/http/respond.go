package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"osis/attendance/internal/audit"
	"osis/attendance/internal/checkin"
	"osis/attendance/internal/credential"
	"osis/attendance/internal/db"
	"osis/attendance/internal/enrollment"
	"osis/attendance/internal/location"
	"osis/attendance/internal/policy"
	"osis/attendance/internal/reason"
)

// codeNotFound is used for admin lookups of resources that do not exist.
const codeNotFound reason.Code = "NOT_FOUND"

var statusByReason = map[reason.Code]int{
	reason.Unauthenticated:              http.StatusUnauthorized,
	reason.Forbidden:                    http.StatusForbidden,
	reason.InvalidInput:                 http.StatusBadRequest,
	reason.LocationRequired:             http.StatusBadRequest,
	reason.LocationInaccurate:           http.StatusUnprocessableEntity,
	reason.OutsideAllowedRadius:         http.StatusForbidden,
	reason.EnrollmentIncomplete:         http.StatusForbidden,
	reason.ReEnrollmentNotAuthorized:    http.StatusForbidden,
	reason.CredentialVerificationFailed: http.StatusUnauthorized,
	reason.CredentialExists:             http.StatusConflict,
	reason.ChallengeNotFound:            http.StatusBadRequest,
	reason.ChallengeExpired:             http.StatusGone,
	reason.ChallengeAlreadyConsumed:     http.StatusConflict,
	reason.ChallengeSuperseded:          http.StatusConflict,
	reason.TokenNotFound:                http.StatusNotFound,
	reason.TokenExpired:                 http.StatusGone,
	reason.TokenAlreadyUsed:             http.StatusConflict,
	reason.DuplicateCheckIn:             http.StatusConflict,
	reason.RateLimited:                  http.StatusTooManyRequests,
	reason.Timeout:                      http.StatusGatewayTimeout,
	reason.Internal:                     http.StatusInternalServerError,
	codeNotFound:                        http.StatusNotFound,
}

// statusFor maps a reason code to its HTTP status. Advisory codes never
// reject a request and map to 200.
func statusFor(code reason.Code) int {
	if code == "" || code.Advisory() {
		return http.StatusOK
	}
	if status, ok := statusByReason[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error  reason.Code `json:"error"`
	Fields []string    `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code reason.Code) {
	writeJSON(w, status, errorResponse{Error: code})
}

func writeReason(w http.ResponseWriter, code reason.Code) {
	writeError(w, statusFor(code), code)
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON body")
	}
	return nil
}

// bind decodes and validates a JSON payload, writing the error response
// itself when it fails.
func (s *Server) bind(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := decodeJSON(r, out); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, reason.InvalidInput)
			return false
		}
		writeError(w, http.StatusBadRequest, reason.InvalidInput)
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		resp := errorResponse{Error: reason.InvalidInput}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				resp.Fields = append(resp.Fields, fe.Field())
			}
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

// fail maps a service error to a reason code. Unknown errors are logged and
// surfaced as INTERNAL_ERROR.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := reasonFor(err)
	if code == reason.Internal || code == reason.Timeout {
		s.logger.Error(op+" failed",
			zap.Error(err),
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
		)
	}
	writeReason(w, code)
}

func reasonFor(err error) reason.Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return reason.Timeout
	case errors.Is(err, enrollment.ErrInvalidImage),
		errors.Is(err, enrollment.ErrInvalidScope),
		errors.Is(err, location.ErrInvalidLocation),
		errors.Is(err, checkin.ErrInvalidToken),
		errors.Is(err, policy.ErrInvalidPolicy):
		return reason.InvalidInput
	case errors.Is(err, enrollment.ErrReEnrollmentNotAuthorized):
		return reason.ReEnrollmentNotAuthorized
	case errors.Is(err, enrollment.ErrForbidden):
		return reason.Forbidden
	case errors.Is(err, checkin.ErrTokenNotFound):
		return reason.TokenNotFound
	case errors.Is(err, credential.ErrCredentialNotFound),
		errors.Is(err, location.ErrNoActive),
		errors.Is(err, db.ErrNotFound):
		return codeNotFound
	}
	if code, ok := credential.ReasonFor(err); ok {
		return code
	}
	return reason.Internal
}
