package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/stinger-ai/stinger/pkg/classify"
	"github.com/stinger-ai/stinger/pkg/pipeline"
)

type HealthResponse struct {
	Status            string `json:"status"`
	PipelineAvailable bool   `json:"pipeline_available"`
	GuardrailCount    int    `json:"guardrail_count"`
	APIKeyConfigured  bool   `json:"api_key_configured"`
}

type HealthHandler struct {
	logger        *zap.Logger
	pipelines     *pipeline.Cache
	defaultPreset string
	classifier    *classify.OpenAIClassifier
}

func NewHealthHandler(logger *zap.Logger, pipelines *pipeline.Cache, defaultPreset string, classifier *classify.OpenAIClassifier) *HealthHandler {
	return &HealthHandler{
		logger:        logger,
		pipelines:     pipelines,
		defaultPreset: defaultPreset,
		classifier:    classifier,
	}
}

// Health reports whether the default pipeline can serve checks. A service
// without a classifier key still runs, so that only degrades the report.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status: "ok",
	}
	if h.classifier != nil {
		response.APIKeyConfigured = h.classifier.Configured()
	}

	p, err := h.pipelines.Get(h.defaultPreset)
	if err != nil {
		h.logger.Error("Default pipeline unavailable",
			zap.String("preset", h.defaultPreset), zap.Error(err))
		response.Status = "degraded"
		sendJSON(h.logger, w, http.StatusServiceUnavailable, response)
		return
	}

	response.PipelineAvailable = true
	response.GuardrailCount = p.GuardrailCount()
	sendJSON(h.logger, w, http.StatusOK, response)
}
