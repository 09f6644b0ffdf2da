package handlers

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/stinger-ai/stinger/pkg/guardrail"
	"github.com/stinger-ai/stinger/pkg/pipeline"
)

type RulesResponse struct {
	Preset  string           `json:"preset"`
	Version string           `json:"version"`
	Input   []guardrail.Spec `json:"input"`
	Output  []guardrail.Spec `json:"output"`
}

type RulesHandler struct {
	logger        *zap.Logger
	defaultPreset string
}

func NewRulesHandler(logger *zap.Logger, defaultPreset string) *RulesHandler {
	return &RulesHandler{
		logger:        logger,
		defaultPreset: defaultPreset,
	}
}

// Rules returns the guardrail declarations of a preset along with a version
// fingerprint, so callers can detect policy drift.
func (h *RulesHandler) Rules(w http.ResponseWriter, r *http.Request) {
	preset := r.URL.Query().Get("preset")
	if preset == "" {
		preset = h.defaultPreset
	}

	spec, err := pipeline.Preset(preset)
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownPreset) {
			sendError(h.logger, w, http.StatusNotFound, "Unknown preset: "+preset)
			return
		}
		h.logger.Error("Preset lookup failed", zap.String("preset", preset), zap.Error(err))
		sendError(h.logger, w, http.StatusInternalServerError, "Internal error")
		return
	}

	sendJSON(h.logger, w, http.StatusOK, RulesResponse{
		Preset:  preset,
		Version: pipeline.SpecVersion(spec),
		Input:   spec.Input,
		Output:  spec.Output,
	})
}
