package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/akmatori/alertflow/internal/alerts"
	"github.com/akmatori/alertflow/internal/api"
	"github.com/akmatori/alertflow/internal/database"
	"github.com/akmatori/alertflow/internal/rules"
)

// SampleSink accepts samples for evaluation
type SampleSink interface {
	Submit(ctx context.Context, s rules.Sample) error
}

// AlertHandler turns alert-source webhooks into samples
type AlertHandler struct {
	adapters *alerts.Registry
	sink     SampleSink
	secrets  map[string]string
	mapping  alerts.Mapping
}

// NewAlertHandler creates a handler for the given adapters. secrets maps a
// source type to its webhook secret; a source without one is unauthenticated.
func NewAlertHandler(adapters *alerts.Registry, sink SampleSink, secrets map[string]string) *AlertHandler {
	return &AlertHandler{
		adapters: adapters,
		sink:     sink,
		secrets:  secrets,
		mapping:  alerts.DefaultMapping(),
	}
}

// SetMapping overrides which labels name the rule and the source
func (h *AlertHandler) SetMapping(m alerts.Mapping) {
	h.mapping = m
}

// HandleWebhook handles POST /webhook/alert/{source_type}
func (h *AlertHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sourceType := strings.Trim(strings.TrimPrefix(r.URL.Path, "/webhook/alert/"), "/")
	if sourceType == "" {
		api.RespondError(w, http.StatusBadRequest, "Missing source type")
		return
	}

	adapter, ok := h.adapters.Get(sourceType)
	if !ok {
		log.Printf("No adapter for source type: %s", sourceType)
		api.RespondError(w, http.StatusNotFound, "Unsupported source type")
		return
	}

	if err := adapter.Authenticate(r, h.secrets[sourceType]); err != nil {
		log.Printf("Webhook secret validation failed for %s: %v", sourceType, err)
		api.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, api.MaxBodySize))
	if err != nil {
		log.Printf("Error reading webhook body: %v", err)
		api.RespondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	defer r.Body.Close()

	parsed, err := adapter.Parse(body)
	if err != nil {
		log.Printf("Error parsing %s payload: %v", sourceType, err)
		api.RespondError(w, http.StatusBadRequest, "Invalid payload")
		return
	}

	log.Printf("Received %d alerts from %s", len(parsed), sourceType)

	resp := api.SampleBatchResponse{}
	for i, ext := range parsed {
		sample := alerts.ToSample(ext, sourceType, h.mapping)
		if err := h.sink.Submit(r.Context(), sample); err != nil {
			if !errors.Is(err, database.ErrMalformed) {
				respondSubmitError(w, err)
				return
			}
			if resp.Rejected == nil {
				resp.Rejected = make(map[string]string)
			}
			resp.Rejected[fmt.Sprintf("alerts[%d]", i)] = err.Error()
			continue
		}
		resp.Accepted++
	}
	api.RespondJSON(w, http.StatusAccepted, resp)
}
