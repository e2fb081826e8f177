package dto

import "encoding/json"

// Response is the envelope of every notification endpoint
type Response struct {
	StatusCode int    `json:"statusCode"`
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Result     any    `json:"result,omitempty"`
	Details    any    `json:"details,omitempty"`
}

type SendReminderRequest struct {
	PatientID        string `json:"patientId"`
	NotificationType string `json:"notificationType"`
}

type SendReminderResult struct {
	JobID            string `json:"jobId"`
	PatientID        string `json:"patientId"`
	NotificationType string `json:"notificationType"`
	Status           string `json:"status"`
}

type SendBulkRequest struct {
	PatientIDs       []string `json:"patientIds"`
	NotificationType string   `json:"notificationType"`
}

type SendBulkResult struct {
	JobIDs []string `json:"jobIds"`
	Count  int      `json:"count"`
}

type JobData struct {
	PatientID        string `json:"patientId"`
	NotificationType string `json:"notificationType"`
}

type JobStatusResult struct {
	JobID       string          `json:"jobId"`
	State       string          `json:"state"`
	Progress    int             `json:"progress"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Result      json.RawMessage `json:"result"`
	Error       string          `json:"error,omitempty"`
	Data        JobData         `json:"data"`
}

type ListJobsRequest struct {
	State            string `form:"state"`
	PatientID        string `form:"patient_id"`
	NotificationType string `form:"notification_type"`
	PageSize         int    `form:"page_size"`
	Cursor           string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

// JobDTO field names match queue.Job so copier can fill them
type JobDTO struct {
	ID               string `json:"job_id"`
	PatientID        string `json:"patient_id"`
	NotificationType string `json:"notification_type"`
	State            string `json:"state"`
	Attempts         int    `json:"attempts"`
	MaxAttempts      int    `json:"max_attempts"`
	LastError        string `json:"last_error,omitempty" copier:"-"`
	CreatedAt        string `json:"created_at" copier:"-"`
	UpdatedAt        string `json:"updated_at" copier:"-"`
}
