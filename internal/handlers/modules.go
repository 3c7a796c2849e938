package handlers

import (
	"net/http"

	"emperror.dev/errors"
	"github.com/apex/log"
	"github.com/go-chi/chi/v5"

	"cubeos-gsm/internal/modem"
	"cubeos-gsm/internal/registry"
)

// ============================================================================
// Modules
// ============================================================================

// ModuleList wraps a list of module summaries.
// @Description Module list
type ModuleList struct {
	Modules []modem.Summary `json:"modules"`
	Count   int             `json:"count" example:"2"`
}

func moduleList(ms []modem.Summary) ModuleList {
	if ms == nil {
		ms = []modem.Summary{}
	}
	return ModuleList{Modules: ms, Count: len(ms)}
}

// moduleError maps registry errors to HTTP statuses.
func moduleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		errorResponse(w, http.StatusNotFound, err.Error())
	case errors.Is(err, registry.ErrLeaseBusy),
		errors.Is(err, registry.ErrNotReprobing),
		errors.Is(err, registry.ErrUnavailable):
		errorResponse(w, http.StatusConflict, err.Error())
	default:
		errorResponse(w, http.StatusInternalServerError, err.Error())
	}
}

// ListModules returns every known module
// @Summary List modules
// @Description Returns a summary of every module, Disconnected ones included, sorted by port
// @Tags Modules
// @Produce json
// @Success 200 {object} ModuleList
// @Router /modules [get]
func (h *GSMHandler) ListModules(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, moduleList(h.gw.GetAllStatus()))
}

// GetModule returns one module
// @Summary Get module
// @Description Returns the summary of one module
// @Tags Modules
// @Produce json
// @Param id path string true "Module id"
// @Success 200 {object} modem.Summary
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /modules/{id} [get]
func (h *GSMHandler) GetModule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validateModuleID(id); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := h.gw.GetStatus(id)
	if err != nil {
		moduleError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, sum)
}

// ScanModules probes serial ports for new modules
// @Summary Scan for modules
// @Description Probes every configured or discovered serial port not held by a live module
// @Tags Modules
// @Produce json
// @Success 200 {object} ModuleList
// @Failure 503 {object} ErrorResponse
// @Router /modules/scan [post]
func (h *GSMHandler) ScanModules(w http.ResponseWriter, r *http.Request) {
	list, err := h.gw.Scan(r.Context())
	if err != nil {
		log.WithError(err).Warn("api: scan interrupted")
		errorResponse(w, http.StatusServiceUnavailable, "scan interrupted: "+err.Error())
		return
	}
	jsonResponse(w, http.StatusOK, moduleList(list))
}

// ReprobeModule re-identifies a module in Error
// @Summary Reprobe module
// @Description Re-runs identification on a module in the error state
// @Tags Modules
// @Produce json
// @Param id path string true "Module id"
// @Success 200 {object} modem.Summary
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /modules/{id}/reprobe [post]
func (h *GSMHandler) ReprobeModule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validateModuleID(id); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := h.gw.Reprobe(r.Context(), id)
	if err != nil {
		if sum.ID == "" {
			moduleError(w, err)
			return
		}
		// Identification ran and failed; the module is back in Error.
		jsonResponse(w, http.StatusBadGateway, map[string]interface{}{
			"error":  err.Error(),
			"code":   http.StatusBadGateway,
			"module": sum,
		})
		return
	}
	jsonResponse(w, http.StatusOK, sum)
}

// RemoveModule disconnects a module
// @Summary Remove module
// @Description Closes the module's port and marks it disconnected; a later scan may find it again
// @Tags Modules
// @Produce json
// @Param id path string true "Module id"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /modules/{id} [delete]
func (h *GSMHandler) RemoveModule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validateModuleID(id); err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.gw.Remove(id); err != nil {
		moduleError(w, err)
		return
	}
	successResponse(w, "module "+id+" disconnected")
}
