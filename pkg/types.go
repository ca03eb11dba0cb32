package pkg

import (
	"encoding/json"
	"time"
)

// Unknown is the literal value recorded for a field the caller was asked
// about but could not answer.
const Unknown = "unknown"

// IntakeData holds the facts collected from a caller.  Every field is
// optional until filled; a nil pointer means "never set".
type IntakeData struct {
	FullName                 *string `json:"full_name,omitempty"`
	CallbackNumber           *string `json:"callback_number,omitempty"`
	Email                    *string `json:"email,omitempty"`
	ReasonForCall            *string `json:"reason_for_call,omitempty"`
	IncidentDateOrTimeframe  *string `json:"incident_date_or_timeframe,omitempty"`
	IncidentLocation         *string `json:"incident_location,omitempty"`
	InjuryDescription        *string `json:"injury_description,omitempty"`
	MedicalTreatmentReceived *string `json:"medical_treatment_received,omitempty"` // yes|no|unknown
	InsuranceInvolved        *string `json:"insurance_involved,omitempty"`         // yes|no|unknown
	UrgencyLevel             *string `json:"urgency_level,omitempty"`              // normal|high
	EmergencyRedirected      *bool   `json:"emergency_redirected,omitempty"`
}

// Merge copies every field set in updates onto d.  Fields absent from
// updates are left untouched, so a merge never removes a value.
func (d *IntakeData) Merge(updates IntakeData) {
	mergeString(&d.FullName, updates.FullName)
	mergeString(&d.CallbackNumber, updates.CallbackNumber)
	mergeString(&d.Email, updates.Email)
	mergeString(&d.ReasonForCall, updates.ReasonForCall)
	mergeString(&d.IncidentDateOrTimeframe, updates.IncidentDateOrTimeframe)
	mergeString(&d.IncidentLocation, updates.IncidentLocation)
	mergeString(&d.InjuryDescription, updates.InjuryDescription)
	mergeString(&d.MedicalTreatmentReceived, updates.MedicalTreatmentReceived)
	mergeString(&d.InsuranceInvolved, updates.InsuranceInvolved)
	mergeString(&d.UrgencyLevel, updates.UrgencyLevel)
	if updates.EmergencyRedirected != nil {
		v := *updates.EmergencyRedirected
		d.EmergencyRedirected = &v
	}
}

func mergeString(dst **string, src *string) {
	if src == nil {
		return
	}
	v := *src
	*dst = &v
}

// IsEmpty reports whether no field has been set.
func (d IntakeData) IsEmpty() bool {
	return d == IntakeData{}
}

// Classify maps a set of field updates to an urgency classification.
// emergency_redirected wins over urgency_level.
func (d IntakeData) Classify() Urgency {
	if d.EmergencyRedirected != nil && *d.EmergencyRedirected {
		return UrgencyEmergencyRedirected
	}
	if d.UrgencyLevel != nil && *d.UrgencyLevel == string(UrgencyHigh) {
		return UrgencyHigh
	}
	return UrgencyNormal
}

// Value returns the field's value or def when it was never set.
func Value(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}

// String returns a pointer to s.  Handy for building IntakeData literals.
func String(s string) *string { return &s }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Urgency is the severity classification of a call.  The zero value is
// treated as normal.
type Urgency string

const (
	UrgencyNormal              Urgency = "normal"
	UrgencyHigh                Urgency = "high"
	UrgencyEmergencyRedirected Urgency = "emergency_redirected"
)

// Rank orders urgencies: normal < high < emergency_redirected.
func (u Urgency) Rank() int {
	switch u {
	case UrgencyEmergencyRedirected:
		return 2
	case UrgencyHigh:
		return 1
	default:
		return 0
	}
}

// MaxUrgency returns the more severe of a and b.
func MaxUrgency(a, b Urgency) Urgency {
	if b.Rank() > a.Rank() {
		return b.normalize()
	}
	return a.normalize()
}

func (u Urgency) normalize() Urgency {
	if u.Rank() == 0 {
		return UrgencyNormal
	}
	return u
}

// CallStatus is the lifecycle state of a persisted call.
type CallStatus string

const (
	StatusInProgress   CallStatus = "in_progress"
	StatusTranscribing CallStatus = "transcribing"
	StatusSummarizing  CallStatus = "summarizing"
	StatusEmailed      CallStatus = "emailed"
	StatusError        CallStatus = "error"
)

// IsTerminal reports whether finalization has already produced an outcome.
func (s CallStatus) IsTerminal() bool {
	return s == StatusEmailed || s == StatusError
}

// CallRecord is the durable record of one call.  It outlives the
// conversation session and is mutated by both the live call flow and the
// post-call pipeline.
type CallRecord struct {
	ID                string       `json:"id"`
	ConversationID    string       `json:"conversation_id"`
	FirmID            string       `json:"firm_id"`
	Status            CallStatus   `json:"status"`
	Urgency           Urgency      `json:"urgency"`
	Intake            IntakeData   `json:"intake_json"`
	Summary           *SummaryData `json:"summary_json,omitempty"`
	TranscriptText    *string      `json:"transcript_text,omitempty"`
	RecordingURL      *string      `json:"recording_url,omitempty"`
	FromNumber        *string      `json:"from_number,omitempty"`
	ErrorMessage      *string      `json:"error_message,omitempty"`
	StartedAt         time.Time    `json:"started_at"`
	EndedAt           *time.Time   `json:"ended_at,omitempty"`
	FinalizeStartedAt *time.Time   `json:"finalize_started_at,omitempty"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// KeyFacts are the headline facts of a summary.
type KeyFacts struct {
	IncidentDate *string `json:"incident_date,omitempty"`
	Location     *string `json:"location,omitempty"`
	Injuries     *string `json:"injuries,omitempty"`
	Treatment    *string `json:"treatment,omitempty"`
	Insurance    *string `json:"insurance,omitempty"`
}

// SummaryData is the attorney-facing summary of a call.  It is derived and
// can be regenerated at any time.
type SummaryData struct {
	Title                  string   `json:"title"`
	SummaryBullets         []string `json:"summary_bullets"`
	KeyFacts               KeyFacts `json:"key_facts"`
	ActionItems            []string `json:"action_items"`
	UrgencyLevel           Urgency  `json:"urgency_level"`
	FollowUpRecommendation string   `json:"follow_up_recommendation"`
}

// Firm is a tenant.  The core only reads it.
type Firm struct {
	ID                  string   `json:"id"`
	Name                string   `json:"firm_name"`
	GreetingCustom      *string  `json:"ai_greeting_custom,omitempty"`
	KnowledgeBase       *string  `json:"ai_knowledge_base,omitempty"`
	NotifyEmails        []string `json:"notify_emails"`
	ProviderPhoneNumber *string  `json:"provider_phone_number,omitempty"`
	PhoneNumberID       *string  `json:"phone_number_id,omitempty"`
	Timezone            string   `json:"timezone"`
}

// Role identifies who spoke an utterance.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Utterance is one entry in a conversation history.
type Utterance struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// AgentResponse is the decision produced by the turn processor for one turn.
type AgentResponse struct {
	AssistantSay string     `json:"assistant_say"`
	NextState    Stage      `json:"next_state"`
	Updates      IntakeData `json:"updates"`
	Done         bool       `json:"done"`
}

// IntakeJSON marshals intake data, never returning null.
func IntakeJSON(d IntakeData) []byte {
	b, err := json.Marshal(d)
	if err != nil || string(b) == "null" {
		return []byte("{}")
	}
	return b
}
