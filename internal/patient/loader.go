package patient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Loader assembles a Snapshot from the store
type Loader struct {
	store  Store
	logger *slog.Logger
}

// NewLoader creates a new Loader
func NewLoader(store Store, logger *slog.Logger) *Loader {
	return &Loader{store: store, logger: logger}
}

// Load reads the patient, their medication goals and the earliest pending
// goal target. A missing patient yields ErrPatientNotFound.
func (l *Loader) Load(ctx context.Context, patientID string) (*Snapshot, error) {
	p, err := l.store.FindPatientByID(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to find patient %s: %w", patientID, err)
	}

	goals, err := l.store.FindMedicationGoals(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("failed to find medication goals for patient %s: %w", patientID, err)
	}

	snapshot := &Snapshot{
		PatientID:          p.ID,
		FullName:           p.FullName,
		Phone:              p.Phone,
		HasMedicationGoals: len(goals) > 0,
	}

	for _, goal := range goals {
		for _, value := range goal.Values {
			if value = strings.TrimSpace(value); value != "" {
				snapshot.Medications = append(snapshot.Medications, value)
			}
		}
	}

	pending, err := l.store.FindPendingGoalTracking(ctx, patientID, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending goals for patient %s: %w", patientID, err)
	}
	if len(pending) > 0 {
		target := pending[0].Target
		snapshot.PendingGoal = &target
	}

	l.logger.Debug("Patient snapshot loaded",
		slog.String("patient_id", patientID),
		slog.Int("medications", len(snapshot.Medications)),
		slog.Bool("has_medication_goals", snapshot.HasMedicationGoals),
		slog.Bool("has_pending_goal", snapshot.PendingGoal != nil),
	)

	return snapshot, nil
}
