package handlers

import (
	"encoding/json"
	"net/http"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/go-chi/chi/v5"
	"github.com/patrickmn/go-cache"

	"cubeos-gsm/internal/gateway"
	"cubeos-gsm/internal/jobs"
	"cubeos-gsm/internal/sms"
)

const maxRequestBytes = 16 << 10

// ============================================================================
// SMS
// ============================================================================

// SendSMSRequest is the body of POST /sms.
// @Description SMS send request
type SendSMSRequest struct {
	ModuleID    string `json:"module_id,omitempty" example:"5f0c8c1e-3b8e-5a55-9a53-0c5d0f6f3b1a"`
	PhoneNumber string `json:"phone_number" example:"+15551234567"`
	Body        string `json:"body" example:"hello from cubeos"`
}

// SendSMSResponse is returned for a delivered message.
// @Description SMS send result
type SendSMSResponse struct {
	JobID      string `json:"job_id"`
	ModuleID   string `json:"module_id"`
	MessageRef string `json:"message_ref" example:"42"`
	LocalRef   bool   `json:"local_ref,omitempty"`
	Status     string `json:"status" example:"sent"`
	Attempts   int    `json:"attempts" example:"1"`
}

// kindStatus maps an SMS failure kind to an HTTP status.
func kindStatus(k sms.Kind) int {
	switch k {
	case sms.KindInvalidInput:
		return http.StatusBadRequest
	case sms.KindModuleNotFound:
		return http.StatusNotFound
	case sms.KindLeaseBusy, sms.KindModuleUnavailable:
		return http.StatusConflict
	case sms.KindUnsupportedModule:
		return http.StatusUnprocessableEntity
	case sms.KindNoModule:
		return http.StatusServiceUnavailable
	case sms.KindPromptTimeout, sms.KindSendTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// SendSMS sends a single-segment text message
// @Summary Send SMS
// @Description Sends one SMS through the given module, or through any usable module when module_id is empty.
// @Description A repeated Idempotency-Key returns the first request's result without sending again.
// @Tags SMS
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "Client-chosen key for safe retries"
// @Param request body SendSMSRequest true "Message"
// @Success 200 {object} SendSMSResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 422 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Failure 504 {object} ErrorResponse
// @Router /sms [post]
func (h *GSMHandler) SendSMS(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get("Idempotency-Key")
	if err := validateIdempotencyKey(key); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	var req SendSMSRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := validateSendRequest(req); err != nil {
		jsonResponse(w, http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  http.StatusBadRequest,
			Kind:  string(sms.KindInvalidInput),
		})
		return
	}

	if key != "" {
		if err := h.idem.Add(key, "", cache.DefaultExpiration); err != nil {
			h.replay(w, r, key)
			return
		}
	}

	job, ref, err := h.gw.Submit(r.Context(), gateway.SendRequest{
		ModuleID: req.ModuleID,
		Phone:    req.PhoneNumber,
		Body:     req.Body,
	})
	if job == nil {
		if key != "" {
			h.idem.Delete(key)
		}
		log.WithError(err).Error("api: could not create sms job")
		errorResponse(w, http.StatusInternalServerError, "could not create job")
		return
	}
	if key != "" {
		h.idem.Set(key, job.ID, cache.DefaultExpiration)
	}
	respondJob(w, job, ref.Local, err)
}

func (h *GSMHandler) replay(w http.ResponseWriter, r *http.Request, key string) {
	v, ok := h.idem.Get(key)
	jobID, _ := v.(string)
	if !ok || jobID == "" {
		errorResponse(w, http.StatusConflict, "a request with this Idempotency-Key is in progress")
		return
	}
	job, err := h.gw.Job(r.Context(), jobID)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, "could not load job: "+err.Error())
		return
	}
	w.Header().Set("Idempotent-Replayed", "true")
	respondJob(w, job, false, nil)
}

// respondJob writes a finished job. err, when known, supplies the device
// detail.
func respondJob(w http.ResponseWriter, job *jobs.Job, local bool, err error) {
	moduleID := ""
	if job.ModuleID != nil {
		moduleID = *job.ModuleID
	}
	if job.Status == jobs.StatusSent {
		jsonResponse(w, http.StatusOK, SendSMSResponse{
			JobID:      job.ID,
			ModuleID:   moduleID,
			MessageRef: job.MessageRef,
			LocalRef:   local,
			Status:     string(job.Status),
			Attempts:   job.Attempts,
		})
		return
	}

	kind := sms.Kind(job.ErrorKind)
	resp := ErrorResponse{
		Error: job.ErrorReason,
		Code:  kindStatus(kind),
		Kind:  string(kind),
		JobID: job.ID,
	}
	var smsErr *sms.Error
	if errors.As(err, &smsErr) {
		resp.Detail = smsErr.Detail
	}
	jsonResponse(w, resp.Code, resp)
}

// JobList wraps recent SMS jobs.
// @Description SMS job list
type JobList struct {
	Jobs  []jobs.Job `json:"jobs"`
	Count int        `json:"count" example:"1"`
}

// ListSMSJobs returns recent SMS jobs
// @Summary List SMS jobs
// @Description Returns the most recent SMS jobs, newest first
// @Tags SMS
// @Produce json
// @Param limit query int false "Maximum number of jobs (1-500, default 50)"
// @Success 200 {object} JobList
// @Failure 400 {object} ErrorResponse
// @Router /sms [get]
func (h *GSMHandler) ListSMSJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseJobLimit(r.URL.Query().Get("limit"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	list, err := h.gw.RecentJobs(r.Context(), limit)
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if list == nil {
		list = []jobs.Job{}
	}
	jsonResponse(w, http.StatusOK, JobList{Jobs: list, Count: len(list)})
}

// GetSMSJob returns a stored SMS job
// @Summary Get SMS job
// @Description Returns the stored job, including its final status and message reference
// @Tags SMS
// @Produce json
// @Param id path string true "Job id"
// @Success 200 {object} jobs.Job
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /sms/{id} [get]
func (h *GSMHandler) GetSMSJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validateJobID(id); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := h.gw.Job(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		errorResponse(w, http.StatusNotFound, "job not found: "+id)
		return
	}
	if err != nil {
		errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, job)
}
