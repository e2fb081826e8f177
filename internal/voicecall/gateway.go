package voicecall

import "context"

//go:generate mockgen -source=gateway.go -destination=mocks/gateway_mock.go -package=mocks

// CallResult is the outcome of a call placement. A provider-side failure is
// reported with Success false and Error set, not as a Go error.
type CallResult struct {
	Success bool   `json:"success"`
	CallID  string `json:"callId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CallStatus is the provider's view of a placed call
type CallStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	EndedReason string `json:"endedReason,omitempty"`
	Raw         []byte `json:"-"`
}

// Gateway places outbound voice calls
type Gateway interface {
	PlaceCall(ctx context.Context, phone, message, patientName string) (*CallResult, error)
	GetCallStatus(ctx context.Context, callID string) (*CallStatus, error)
}
