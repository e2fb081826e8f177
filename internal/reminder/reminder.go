// Package reminder turns a patient snapshot into the opening line of a
// reminder call. Everything here is pure and deterministic.
package reminder

import (
	"fmt"
	"strings"

	"github.com/cuongbtq/carecall/internal/patient"
)

// Kind tags which reminder variant was selected
type Kind string

const (
	KindMedication Kind = "medication"
	KindGoal       Kind = "goal"
	KindGeneric    Kind = "generic"
)

// Reminder is one of MedicationReminder, GoalReminder or GenericReminder
type Reminder interface {
	Kind() Kind
	Message(patientName string) string
}

// MedicationReminder asks the patient to confirm their medications
type MedicationReminder struct {
	Medications []string
}

func (MedicationReminder) Kind() Kind { return KindMedication }

func (r MedicationReminder) Message(patientName string) string {
	return Medication(patientName, r.Medications)
}

// GoalReminder refers to a single pending goal target
type GoalReminder struct {
	Target string
}

func (GoalReminder) Kind() Kind { return KindGoal }

func (r GoalReminder) Message(patientName string) string {
	return Goal(patientName, r.Target)
}

// GenericReminder is the wellness check-in used when nothing specific is pending
type GenericReminder struct{}

func (GenericReminder) Kind() Kind { return KindGeneric }

func (GenericReminder) Message(patientName string) string {
	return Generic(patientName)
}

// Select picks the reminder for a snapshot in priority order: medications,
// then the earliest pending goal, then the generic check-in.
func Select(snapshot *patient.Snapshot) Reminder {
	if snapshot == nil {
		return GenericReminder{}
	}

	if len(snapshot.Medications) > 0 {
		meds := make([]string, len(snapshot.Medications))
		copy(meds, snapshot.Medications)
		return MedicationReminder{Medications: meds}
	}

	if snapshot.PendingGoal != nil && strings.TrimSpace(*snapshot.PendingGoal) != "" {
		return GoalReminder{Target: *snapshot.PendingGoal}
	}

	return GenericReminder{}
}

// Medication lists every medication, comma separated
func Medication(patientName string, medications []string) string {
	return fmt.Sprintf(
		"Hi %s, this is your medication reminder. It's time to take your %s. Please confirm when you've taken your medication. Have you taken it?",
		patientName, strings.Join(medications, ", "),
	)
}

func Goal(patientName, goalTarget string) string {
	return fmt.Sprintf(
		"Hi %s, this is a reminder about your health goal: %s. Have you completed this goal today?",
		patientName, goalTarget,
	)
}

func Generic(patientName string) string {
	return fmt.Sprintf(
		"Hi %s, this is your health assistant checking in. How are you feeling today, and are you keeping up with your care plan?",
		patientName,
	)
}
