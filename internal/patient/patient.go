package patient

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPatientNotFound is returned when the id is malformed or no patient matches
	ErrPatientNotFound = errors.New("patient not found")
)

// Goal categories stored on user goals
const (
	CategoryMedication    = "medication"
	CategoryGeneral       = "general"
	CategoryHealthCheckup = "healthcheckup"
)

// Patient is the subset of the patient record the reminder pipeline reads
type Patient struct {
	ID       string
	FullName string
	Phone    string
	Email    string
}

// Goal is a provider-assigned goal; for medication goals each value is one
// medication description
type Goal struct {
	ID       string
	Category string
	Values   []string
}

// GoalTracking is one instance of progress toward a goal
type GoalTracking struct {
	ID        string
	GoalID    string
	Target    string
	Completed bool
	CreatedAt time.Time
}

// Store is the read-only view of the patient document store
type Store interface {
	FindPatientByID(ctx context.Context, patientID string) (*Patient, error)
	FindMedicationGoals(ctx context.Context, patientID string) ([]Goal, error)
	FindPendingGoalTracking(ctx context.Context, patientID string, limit int) ([]GoalTracking, error)
}

// Snapshot is the per-job projection used to build a reminder. It is built
// fresh for every job and never cached.
type Snapshot struct {
	PatientID          string
	FullName           string
	Phone              string
	Medications        []string
	HasMedicationGoals bool
	PendingGoal        *string
}
