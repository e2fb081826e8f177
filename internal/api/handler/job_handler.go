package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/carecall/internal/api/dto"
	"github.com/cuongbtq/carecall/internal/queue"
	"github.com/gin-gonic/gin"
	"github.com/jinzhu/copier"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func respond(c *gin.Context, status int, message string, result any) {
	c.JSON(status, dto.Response{
		StatusCode: status,
		Success:    true,
		Message:    message,
		Result:     result,
	})
}

func respondError(c *gin.Context, status int, message string, details any) {
	c.AbortWithStatusJSON(status, dto.Response{
		StatusCode: status,
		Success:    false,
		Message:    message,
		Details:    details,
	})
}

// SendReminder handles POST /api/v1/notification/send-reminder
// Queues a reminder call for one patient. The job is kept after it finishes
// so its status stays queryable.
func (h *NotificationHandler) SendReminder(c *gin.Context) {
	var req dto.SendReminderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		respondError(c, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if strings.TrimSpace(req.PatientID) == "" {
		respondError(c, http.StatusBadRequest, "patientId is required", nil)
		return
	}

	job, err := h.queue.Enqueue(c.Request.Context(), queue.EnqueueRequest{
		PatientID:        req.PatientID,
		NotificationType: queue.NotificationType(req.NotificationType),
	}, queue.Options{KeepCompleted: true, KeepFailed: true})
	if err != nil {
		h.handleEnqueueError(c, err)
		return
	}

	respond(c, http.StatusOK, "Notification job added to queue successfully", dto.SendReminderResult{
		JobID:            job.ID,
		PatientID:        job.PatientID,
		NotificationType: string(job.NotificationType),
		Status:           "queued",
	})
}

// SendBulk handles POST /api/v1/notification/send-bulk
// Queues one reminder job per patient id, all or nothing.
func (h *NotificationHandler) SendBulk(c *gin.Context) {
	var req dto.SendBulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		respondError(c, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if len(req.PatientIDs) == 0 {
		respondError(c, http.StatusBadRequest, "patientIds array is required", nil)
		return
	}

	jobs, err := h.queue.EnqueueBulk(c.Request.Context(), req.PatientIDs, queue.NotificationType(req.NotificationType), queue.Options{})
	if err != nil {
		h.handleEnqueueError(c, err)
		return
	}

	jobIDs := make([]string, len(jobs))
	for i, job := range jobs {
		jobIDs[i] = job.ID
	}

	respond(c, http.StatusOK, fmt.Sprintf("%d notification jobs queued successfully", len(jobIDs)), dto.SendBulkResult{
		JobIDs: jobIDs,
		Count:  len(jobIDs),
	})
}

func (h *NotificationHandler) handleEnqueueError(c *gin.Context, err error) {
	var validationErr *queue.ValidationError
	if errors.As(err, &validationErr) {
		respondError(c, http.StatusBadRequest, validationErr.Error(), gin.H{
			"field": validationErr.Field,
		})
		return
	}

	h.logger.Error("Failed to queue notification", slog.String("error", err.Error()))
	respondError(c, http.StatusInternalServerError, "Failed to queue notification", nil)
}

// GetStatus handles GET /api/v1/notification/status/:jobId
func (h *NotificationHandler) GetStatus(c *gin.Context) {
	jobID := c.Param("jobId")

	job, err := h.queue.GetJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			respondError(c, http.StatusNotFound, "Job not found", nil)
			return
		}
		h.logger.Error("Failed to get job status",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		respondError(c, http.StatusInternalServerError, "Failed to get job status", nil)
		return
	}

	result := dto.JobStatusResult{
		JobID:       job.ID,
		State:       string(job.State),
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Error:       job.LastError.String,
		Data: dto.JobData{
			PatientID:        job.PatientID,
			NotificationType: string(job.NotificationType),
		},
	}
	if job.State == queue.StateCompleted {
		result.Progress = 100
	}
	if job.Result.Valid {
		result.Result = json.RawMessage(job.Result.String)
	}

	respond(c, http.StatusOK, "Job status retrieved successfully", result)
}

// ListJobs handles GET /api/v1/notification/jobs
// Lists jobs with optional filtering and pagination
func (h *NotificationHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		respondError(c, http.StatusBadRequest, "Invalid query parameters", err.Error())
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}

	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	state := queue.State(req.State)
	if state != "" && !state.Valid() {
		respondError(c, http.StatusBadRequest, "Invalid state", req.State)
		return
	}

	notificationType := queue.NotificationType(req.NotificationType)
	if notificationType != "" && !notificationType.Valid() {
		respondError(c, http.StatusBadRequest, "Invalid notification_type", req.NotificationType)
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		respondError(c, http.StatusBadRequest, "Invalid cursor", nil)
		return
	}

	jobs, err := h.queue.ListJobs(c.Request.Context(), queue.Filter{
		State:            state,
		PatientID:        req.PatientID,
		NotificationType: notificationType,
		PageSize:         req.PageSize,
		Cursor:           cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		respondError(c, http.StatusInternalServerError, "Failed to list jobs", nil)
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		if err := toJobDTO(&jobResponse[i], &jobs[i]); err != nil {
			h.logger.Error("Failed to map job", slog.String("error", err.Error()))
			respondError(c, http.StatusInternalServerError, "Failed to list jobs", nil)
			return
		}
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&queue.Cursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	respond(c, http.StatusOK, "Jobs retrieved successfully", dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

func toJobDTO(out *dto.JobDTO, job *queue.Job) error {
	if err := copier.Copy(out, job); err != nil {
		return err
	}
	out.LastError = job.LastError.String
	out.CreatedAt = job.CreatedAt.UTC().Format(time.RFC3339Nano)
	out.UpdatedAt = job.UpdatedAt.UTC().Format(time.RFC3339Nano)
	return nil
}
