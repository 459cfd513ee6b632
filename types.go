package clinicsync

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNetwork marks transient transport failures (dial, timeout, reset).
	ErrNetwork = errors.New("network error")

	// ErrClosed is returned by engine operations after Close.
	ErrClosed = errors.New("sync engine is closed")

	// ErrNotFound is returned when a case id is unknown to the backing store.
	ErrNotFound = errors.New("case not found")
)

// APIError is a mutation or query rejected by the backing store.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Is lets errors.Is(err, ErrNotFound) match a NOT_FOUND rejection.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Code == CodeNotFound
}

// Error codes carried by APIError.
const (
	CodeInvalidInput = "INVALID_INPUT"
	CodeNotFound     = "NOT_FOUND"
	CodeUnauthorized = "UNAUTHORIZED"
	CodeInternal     = "INTERNAL"
)

// ============================================================================
// Case records
// ============================================================================

// CaseStatus is the triage state of a booking.
type CaseStatus string

const (
	StatusPending    CaseStatus = "pending"
	StatusConfirmed  CaseStatus = "confirmed"
	StatusInProgress CaseStatus = "in_progress"
	StatusCompleted  CaseStatus = "completed"
	StatusCancelled  CaseStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s CaseStatus) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// CaseRecord is one booking tracked by the sync engine.
type CaseRecord struct {
	ID            string     `json:"id"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	Status        CaseStatus `json:"status"`
	PatientName   string     `json:"patientName"`
	PatientEmail  string     `json:"patientEmail"`
	PatientPhone  string     `json:"patientPhone,omitempty"`
	Service       string     `json:"service"`
	PreferredDate string     `json:"preferredDate,omitempty"`
	PreferredTime string     `json:"preferredTime,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	AdminNotes    string     `json:"adminNotes,omitempty"`
	Prescription  string     `json:"prescription,omitempty"`
}

// CaseInput is an already-validated booking form submission.
type CaseInput struct {
	PatientName   string `json:"patientName"`
	PatientEmail  string `json:"patientEmail"`
	PatientPhone  string `json:"patientPhone,omitempty"`
	Service       string `json:"service"`
	PreferredDate string `json:"preferredDate,omitempty"`
	PreferredTime string `json:"preferredTime,omitempty"`
	Notes         string `json:"notes,omitempty"`
}

// Validate checks the fields the backing store requires.
func (in CaseInput) Validate() error {
	var missing []string
	if strings.TrimSpace(in.PatientName) == "" {
		missing = append(missing, "patientName")
	}
	if strings.TrimSpace(in.PatientEmail) == "" {
		missing = append(missing, "patientEmail")
	}
	if strings.TrimSpace(in.Service) == "" {
		missing = append(missing, "service")
	}
	if len(missing) > 0 {
		return &APIError{Code: CodeInvalidInput, Message: "missing required fields: " + strings.Join(missing, ", ")}
	}
	return nil
}

// CasePatch is a partial update. Nil fields are left unchanged.
type CasePatch struct {
	Status        *CaseStatus `json:"status,omitempty"`
	PatientName   *string     `json:"patientName,omitempty"`
	PatientEmail  *string     `json:"patientEmail,omitempty"`
	PatientPhone  *string     `json:"patientPhone,omitempty"`
	Service       *string     `json:"service,omitempty"`
	PreferredDate *string     `json:"preferredDate,omitempty"`
	PreferredTime *string     `json:"preferredTime,omitempty"`
	Notes         *string     `json:"notes,omitempty"`
	AdminNotes    *string     `json:"adminNotes,omitempty"`
	Prescription  *string     `json:"prescription,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p CasePatch) Empty() bool {
	return p == CasePatch{}
}

// Apply returns a copy of rec with the patch fields set.
func (p CasePatch) Apply(rec CaseRecord) CaseRecord {
	if p.Status != nil {
		rec.Status = *p.Status
	}
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&rec.PatientName, p.PatientName)
	set(&rec.PatientEmail, p.PatientEmail)
	set(&rec.PatientPhone, p.PatientPhone)
	set(&rec.Service, p.Service)
	set(&rec.PreferredDate, p.PreferredDate)
	set(&rec.PreferredTime, p.PreferredTime)
	set(&rec.Notes, p.Notes)
	set(&rec.AdminNotes, p.AdminNotes)
	set(&rec.Prescription, p.Prescription)
	return rec
}

// ============================================================================
// Push events
// ============================================================================

// ChangeType is the kind of remote mutation carried by a ChangeEvent.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is one remote mutation notification.
type ChangeEvent struct {
	Type   ChangeType `json:"type"`
	Record CaseRecord `json:"record"`
}

// ChannelStatus is a lifecycle notification from an EventChannel.
type ChannelStatus string

const (
	ChannelSubscribed ChannelStatus = "subscribed"
	ChannelError      ChannelStatus = "channel_error"
	ChannelTimedOut   ChannelStatus = "timed_out"
	ChannelClosed     ChannelStatus = "closed"
)

// Envelope is the wire format for every push frame (WebSocket message or SSE data line).
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Push frame types.
const (
	FrameSubscribed = "subscribed"
	FrameInsert     = "case.insert"
	FrameUpdate     = "case.update"
	FrameDelete     = "case.delete"
)

var frameChange = map[string]ChangeType{
	FrameInsert: ChangeInsert,
	FrameUpdate: ChangeUpdate,
	FrameDelete: ChangeDelete,
}

// FrameType returns the envelope type for a change kind.
func FrameType(t ChangeType) string {
	return "case." + string(t)
}

// NewChangeEnvelope encodes a ChangeEvent as a push frame.
func NewChangeEnvelope(ev ChangeEvent) (Envelope, error) {
	payload, err := json.Marshal(ev.Record)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: FrameType(ev.Type), Payload: payload}, nil
}

// decodeChange turns a case.* envelope into a ChangeEvent. ok is false for
// envelopes that carry no change.
func decodeChange(env Envelope) (ChangeEvent, bool) {
	t, known := frameChange[env.Type]
	if !known {
		return ChangeEvent{}, false
	}
	var rec CaseRecord
	if err := json.Unmarshal(env.Payload, &rec); err != nil || rec.ID == "" {
		return ChangeEvent{}, false
	}
	return ChangeEvent{Type: t, Record: rec}, true
}

// ============================================================================
// Engine state
// ============================================================================

// ConnectionState is the supervisor's view of push channel health.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
)

// SyncState is the snapshot handed to UI collaborators.
type SyncState struct {
	Records          []CaseRecord    `json:"records"`
	Loading          bool            `json:"loading"`
	Error            string          `json:"error,omitempty"`
	ConnectionStatus ConnectionState `json:"connectionStatus"`
}

// MutationResult is returned by every facade mutation.
type MutationResult struct {
	Success bool        `json:"success"`
	Data    *CaseRecord `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Result is the REST response envelope shared by the backend and HTTPStore.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *APIError       `json:"error,omitempty"`
}

// Decode unmarshals Data into v.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return errors.New("no data in response")
	}
	return json.Unmarshal(r.Data, v)
}
