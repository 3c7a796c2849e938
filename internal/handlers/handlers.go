package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"

	"cubeos-gsm/internal/gateway"
	"cubeos-gsm/internal/hostcheck"
	"cubeos-gsm/internal/jobs"
	"cubeos-gsm/internal/modem"
	"cubeos-gsm/internal/sms"
)

// Gateway is the module and SMS surface the API exposes.
type Gateway interface {
	Scan(ctx context.Context) ([]modem.Summary, error)
	GetStatus(id string) (modem.Summary, error)
	GetAllStatus() []modem.Summary
	Remove(id string) error
	Reprobe(ctx context.Context, id string) (modem.Summary, error)
	Submit(ctx context.Context, req gateway.SendRequest) (*jobs.Job, sms.MessageRef, error)
	Job(ctx context.Context, id string) (*jobs.Job, error)
	RecentJobs(ctx context.Context, limit int) ([]jobs.Job, error)
}

// GSMHandler handles all GSM endpoints
type GSMHandler struct {
	gw      Gateway
	host    hostcheck.Report
	idem    *cache.Cache
	started time.Time
}

// NewGSMHandler creates a new GSM handler. Idempotency keys on POST /sms
// are remembered for idemTTL.
func NewGSMHandler(gw Gateway, host hostcheck.Report, idemTTL time.Duration) *GSMHandler {
	if idemTTL <= 0 {
		idemTTL = 10 * time.Minute
	}
	return &GSMHandler{
		gw:      gw,
		host:    host,
		idem:    cache.New(idemTTL, 2*idemTTL),
		started: time.Now(),
	}
}

// ErrorResponse is the body of every non-2xx reply.
// @Description Error reply
type ErrorResponse struct {
	Error  string `json:"error" example:"module is busy"`
	Code   int    `json:"code" example:"409"`
	Kind   string `json:"kind,omitempty" example:"lease_busy"`
	Detail string `json:"detail,omitempty" example:"+CMS ERROR: 500"`
	JobID  string `json:"job_id,omitempty"`
}

// Response helpers
func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, ErrorResponse{Error: message, Code: status})
}

func successResponse(w http.ResponseWriter, message string) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"message": message,
	})
}

// ============================================================================
// Health
// ============================================================================

// HealthResponse reports service liveness and module counts.
// @Description Service health
type HealthResponse struct {
	Status       string           `json:"status" example:"ok"`
	Service      string           `json:"service" example:"cubeos-gsm"`
	Uptime       string           `json:"uptime" example:"1h2m3s"`
	Modules      int              `json:"modules" example:"2"`
	Usable       int              `json:"usable" example:"1"`
	States       map[string]int   `json:"states"`
	ModemManager hostcheck.Report `json:"modemmanager"`
	Warning      string           `json:"warning,omitempty"`
}

// HealthCheck returns service health
// @Summary Health check
// @Description Returns service status, module counts per state and host warnings
// @Tags Health
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (h *GSMHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	modules := h.gw.GetAllStatus()
	resp := HealthResponse{
		Status:       "ok",
		Service:      "cubeos-gsm",
		Uptime:       time.Since(h.started).Truncate(time.Second).String(),
		Modules:      len(modules),
		States:       make(map[string]int),
		ModemManager: h.host,
		Warning:      h.host.Warning(),
	}
	for _, m := range modules {
		resp.States[string(m.State)]++
		if m.Usable() {
			resp.Usable++
		}
	}
	jsonResponse(w, http.StatusOK, resp)
}
