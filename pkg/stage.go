package pkg

import (
	"fmt"
	"strings"
)

// Stage is a named point in the intake conversation.  Stages are listed in
// their nominal order, but the conversation may move backwards to correct a
// field.
type Stage string

const (
	StageStart            Stage = "START"
	StageEmergency        Stage = "EMERGENCY"
	StageContactName      Stage = "CONTACT_NAME"
	StageContactPhone     Stage = "CONTACT_PHONE"
	StageContactEmail     Stage = "CONTACT_EMAIL"
	StageReason           Stage = "REASON"
	StageIncidentTime     Stage = "INCIDENT_TIME"
	StageIncidentLocation Stage = "INCIDENT_LOCATION"
	StageInjury           Stage = "INJURY"
	StageTreatment        Stage = "TREATMENT"
	StageInsurance        Stage = "INSURANCE"
	StageUrgency          Stage = "URGENCY"
	StageConfirm          Stage = "CONFIRM"
	StageClose            Stage = "CLOSE"
	StageScheduleCallback Stage = "SCHEDULE_CALLBACK"
)

// Stages lists every stage in nominal order.
var Stages = []Stage{
	StageStart,
	StageEmergency,
	StageContactName,
	StageContactPhone,
	StageContactEmail,
	StageReason,
	StageIncidentTime,
	StageIncidentLocation,
	StageInjury,
	StageTreatment,
	StageInsurance,
	StageUrgency,
	StageConfirm,
	StageClose,
	StageScheduleCallback,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, known := range Stages {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the conversation ends after this stage.
func (s Stage) IsTerminal() bool {
	return s == StageEmergency || s == StageClose
}

// ParseStage parses a stage name case-insensitively.
func ParseStage(v string) (Stage, error) {
	s := Stage(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown stage %q", v)
	}
	return s, nil
}
