package domain

// JobMessage is one wake-up handed from a dispatcher to the pool. Ack and
// Nack settle the underlying delivery; both are nil in poll mode.
type JobMessage struct {
	JobID  string
	Source string
	Ack    func() error
	Nack   func(requeue bool) error
}

// Message sources
const (
	SourceRabbitMQ = "rabbitmq"
	SourcePoll     = "poll"
)

// Skip reasons stored on quietly completed jobs
const (
	SkipReasonNoMedicationGoals = "no_medication_goals"
)

// SkippedResult is stored on a job completed without placing a call
type SkippedResult struct {
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason"`
}

// CallOutcome is stored on a job whose call was placed
type CallOutcome struct {
	Success      bool   `json:"success"`
	CallID       string `json:"callId"`
	ReminderKind string `json:"reminderKind"`
}
