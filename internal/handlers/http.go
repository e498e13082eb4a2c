package handlers

import (
	"net/http"

	"github.com/akmatori/alertflow/internal/api"
	"github.com/akmatori/alertflow/internal/database"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// HTTPHandler handles the operational endpoints
type HTTPHandler struct {
	alertHandler *AlertHandler
	eventStream  http.Handler
	metrics      http.Handler
	channels     func() []database.Channel
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(alertHandler *AlertHandler) *HTTPHandler {
	return &HTTPHandler{
		alertHandler: alertHandler,
	}
}

// SetEventStream sets the websocket handler served on /ws/events
func (h *HTTPHandler) SetEventStream(stream http.Handler) {
	h.eventStream = stream
}

// SetMetrics sets the handler served on /metrics
func (h *HTTPHandler) SetMetrics(metrics http.Handler) {
	h.metrics = metrics
}

// SetChannels sets the callback listing configured notification channels
func (h *HTTPHandler) SetChannels(fn func() []database.Channel) {
	h.channels = fn
}

// SetupRoutes configures all HTTP routes
func (h *HTTPHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	// Alert webhooks: /webhook/alert/{source_type}
	if h.alertHandler != nil {
		mux.HandleFunc("/webhook/alert/", h.alertHandler.HandleWebhook)
	}
	if h.eventStream != nil {
		mux.Handle("GET /ws/events", h.eventStream)
	}
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}

// handleHealth returns a simple health check response
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := api.HealthResponse{Status: "ok", Version: Version}
	if h.channels != nil {
		for _, ch := range h.channels() {
			response.Channels = append(response.Channels, string(ch))
		}
	}
	api.RespondJSON(w, http.StatusOK, response)
}
