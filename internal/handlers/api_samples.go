package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/akmatori/alertflow/internal/api"
	"github.com/akmatori/alertflow/internal/database"
)

// handleSubmitSamples handles POST /api/samples. Structurally invalid
// samples are reported per index; the rest are queued.
func (h *APIHandler) handleSubmitSamples(w http.ResponseWriter, r *http.Request) {
	var req api.SampleBatchRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errs := api.Validate(req); errs != nil {
		api.RespondValidationError(w, errs)
		return
	}

	resp := api.SampleBatchResponse{}
	for i, s := range req.Samples {
		err := h.ingest.Submit(r.Context(), api.SampleFromRequest(s))
		if err == nil {
			resp.Accepted++
			continue
		}
		if !errors.Is(err, database.ErrMalformed) {
			respondSubmitError(w, err)
			return
		}
		if resp.Rejected == nil {
			resp.Rejected = make(map[string]string)
		}
		resp.Rejected[fmt.Sprintf("samples[%d]", i)] = err.Error()
	}

	status := http.StatusAccepted
	if resp.Accepted == 0 {
		status = http.StatusUnprocessableEntity
	}
	api.RespondJSON(w, status, resp)
}
