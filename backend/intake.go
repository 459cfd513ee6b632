package backend

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/LuminPulse-AI/clinicsync"
)

// ============================================================================
// Booking intake types
// ============================================================================

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Clinicsync-Signature"

// EventBookingSubmitted is the only intake event accepted.
const EventBookingSubmitted = "booking.submitted"

// BookingPayload is a booking form submission posted by the public site.
type BookingPayload struct {
	Event     string               `json:"event"`
	Timestamp int64                `json:"timestamp"`
	Booking   clinicsync.CaseInput `json:"booking"`
}

// CreateFunc stores an accepted booking.
type CreateFunc func(ctx context.Context, input clinicsync.CaseInput) (*clinicsync.CaseRecord, error)

// ============================================================================
// Standalone functions
// ============================================================================

// Sign returns the signature header value for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature in constant time. The
// "sha256=" prefix is optional.
func VerifySignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := strings.TrimPrefix(Sign(body, secret), "sha256=")
	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseBooking decodes and validates an intake body.
func ParseBooking(body []byte) (*BookingPayload, error) {
	var payload BookingPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in booking body: %w", err)
	}
	if payload.Event != EventBookingSubmitted {
		return nil, fmt.Errorf("unknown intake event: %q", payload.Event)
	}
	if err := payload.Booking.Validate(); err != nil {
		return nil, err
	}
	return &payload, nil
}

// ============================================================================
// Intake
// ============================================================================

// Intake verifies, parses and stores signed booking submissions.
type Intake struct {
	secret string
	create CreateFunc
}

// NewIntake creates an intake handler.
func NewIntake(secret string, create CreateFunc) (*Intake, error) {
	if secret == "" {
		return nil, fmt.Errorf("intake secret is required")
	}
	if create == nil {
		return nil, fmt.Errorf("intake create func is required")
	}
	return &Intake{secret: secret, create: create}, nil
}

// Handle processes one submission and returns the status code and envelope
// for the caller to write.
func (in *Intake) Handle(ctx context.Context, body []byte, signature string) (int, clinicsync.Result) {
	if !VerifySignature(body, signature, in.secret) {
		return http.StatusUnauthorized, failure(clinicsync.CodeUnauthorized, "invalid signature")
	}

	payload, err := ParseBooking(body)
	if err != nil {
		return http.StatusBadRequest, failure(clinicsync.CodeInvalidInput, err.Error())
	}

	rec, err := in.create(ctx, payload.Booking)
	if err != nil {
		status, code := classify(err)
		return status, failure(code, err.Error())
	}
	return http.StatusCreated, success(rec)
}

// HTTPHandler returns an http.Handler for POST /hooks/booking.
func (in *Intake) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeResult(rw, http.StatusMethodNotAllowed, failure(clinicsync.CodeInvalidInput, "method not allowed"))
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxBodyBytes))
		if err != nil {
			writeResult(rw, http.StatusBadRequest, failure(clinicsync.CodeInvalidInput, "failed to read body"))
			return
		}
		defer r.Body.Close()

		status, res := in.Handle(r.Context(), body, r.Header.Get(SignatureHeader))
		writeResult(rw, status, res)
	})
}
