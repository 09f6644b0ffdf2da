package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/stinger-ai/stinger/internal/services/session"
	"github.com/stinger-ai/stinger/pkg/conversation"
	"github.com/stinger-ai/stinger/pkg/guardrail"
	"github.com/stinger-ai/stinger/pkg/pipeline"
	"github.com/stinger-ai/stinger/pkg/ratelimit"
)

type CheckRequest struct {
	Text    *string       `json:"text"`
	Kind    string        `json:"kind,omitempty"`
	Preset  string        `json:"preset,omitempty"`
	Context *CheckContext `json:"context,omitempty"`
}

type CheckContext struct {
	UserID    string `json:"userId,omitempty"`
	UserRole  string `json:"userRole,omitempty"`
	BotID     string `json:"botId,omitempty"`
	UserType  string `json:"userType,omitempty"`
	BotType   string `json:"botType,omitempty"`
	UserName  string `json:"userName,omitempty"`
	BotName   string `json:"botName,omitempty"`
	BotModel  string `json:"botModel,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type CheckResponse struct {
	Action   string        `json:"action"`
	Reasons  []string      `json:"reasons"`
	Warnings []string      `json:"warnings"`
	Metadata CheckMetadata `json:"metadata"`
}

type CheckMetadata struct {
	GuardrailsTriggered []string `json:"guardrails_triggered"`
	ProcessingTimeMS    int64    `json:"processing_time_ms"`
	RequestID           string   `json:"request_id"`
	ConversationID      string   `json:"conversation_id,omitempty"`
}

type CheckHandler struct {
	logger        *zap.Logger
	pipelines     *pipeline.Cache
	sessions      *session.Store
	defaultPreset string
	convLimits    ratelimit.Limits
}

func NewCheckHandler(logger *zap.Logger, pipelines *pipeline.Cache, sessions *session.Store, defaultPreset string, convLimits ratelimit.Limits) *CheckHandler {
	return &CheckHandler{
		logger:        logger,
		pipelines:     pipelines,
		sessions:      sessions,
		defaultPreset: defaultPreset,
		convLimits:    convLimits,
	}
}

// Check runs the configured guardrail pipeline over one piece of content.
func (h *CheckHandler) Check(w http.ResponseWriter, r *http.Request) {
	var request CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		sendError(h.logger, w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if request.Text == nil {
		sendError(h.logger, w, http.StatusBadRequest, "text is required")
		return
	}

	kind := request.Kind
	if kind == "" {
		kind = "prompt"
	}
	if kind != "prompt" && kind != "response" {
		sendError(h.logger, w, http.StatusBadRequest, "kind must be \"prompt\" or \"response\"")
		return
	}

	preset := request.Preset
	if preset == "" {
		preset = h.defaultPreset
	}
	p, err := h.pipelines.Get(preset)
	if err != nil {
		if errors.Is(err, pipeline.ErrUnknownPreset) {
			sendError(h.logger, w, http.StatusNotFound, "Unknown preset: "+preset)
			return
		}
		h.logger.Error("Pipeline build failed", zap.String("preset", preset), zap.Error(err))
		sendError(h.logger, w, http.StatusInternalServerError, "Pipeline unavailable")
		return
	}

	conv := h.resolveConversation(request.Context)
	principal := resolvePrincipal(request.Context)

	var result *guardrail.Result
	if kind == "response" {
		result, err = p.CheckOutput(r.Context(), *request.Text, conv, principal)
	} else {
		result, err = p.CheckInput(r.Context(), *request.Text, conv, principal)
	}
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidInput) {
			sendError(h.logger, w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("Check failed", zap.String("preset", preset), zap.Error(err))
		sendError(h.logger, w, http.StatusInternalServerError, "Internal error")
		return
	}

	status := http.StatusOK
	if result.Blocked && result.RateLimit != nil {
		status = http.StatusTooManyRequests
		setRateLimitHeaders(w, result.RateLimit)
	}
	sendJSON(h.logger, w, status, toCheckResponse(result))
}

func (h *CheckHandler) resolveConversation(c *CheckContext) *conversation.Conversation {
	if c == nil || c.SessionID == "" {
		return nil
	}
	return h.sessions.GetOrCreate(c.SessionID, func() *conversation.Conversation {
		return h.buildConversation(c)
	})
}

func (h *CheckHandler) buildConversation(c *CheckContext) *conversation.Conversation {
	userID := c.UserID
	if userID == "" {
		userID = "anonymous"
	}
	botID := c.BotID
	if botID == "" {
		botID = "assistant"
	}
	opts := []conversation.Option{}
	if h.convLimits.Active() {
		opts = append(opts, conversation.WithRateLimit(h.convLimits))
	}
	if c.UserName != "" || c.BotName != "" {
		opts = append(opts, conversation.WithNames(c.UserName, c.BotName))
	}
	if c.BotModel != "" {
		opts = append(opts, conversation.WithModel(c.BotModel, ""))
	}
	return conversation.New(
		conversation.Participant{ID: userID, Type: participantType(c.UserType, conversation.TypeHuman)},
		conversation.Participant{ID: botID, Type: participantType(c.BotType, conversation.TypeAIModel)},
		opts...,
	)
}

func resolvePrincipal(c *CheckContext) *pipeline.Principal {
	if c == nil || c.UserID == "" {
		return nil
	}
	return &pipeline.Principal{ID: c.UserID, Role: c.UserRole}
}

func participantType(s string, fallback conversation.ParticipantType) conversation.ParticipantType {
	switch s {
	case "human":
		return conversation.TypeHuman
	case "bot":
		return conversation.TypeBot
	case "agent":
		return conversation.TypeAgent
	case "ai_model":
		return conversation.TypeAIModel
	}
	return fallback
}

func toCheckResponse(result *guardrail.Result) CheckResponse {
	triggered := result.Triggered()
	sort.Strings(triggered)
	if triggered == nil {
		triggered = []string{}
	}
	return CheckResponse{
		Action:   string(result.Action()),
		Reasons:  result.Reasons,
		Warnings: result.Warnings,
		Metadata: CheckMetadata{
			GuardrailsTriggered: triggered,
			ProcessingTimeMS:    result.ProcessingTime.Milliseconds(),
			RequestID:           result.RequestID,
			ConversationID:      result.ConversationID,
		},
	}
}

func setRateLimitHeaders(w http.ResponseWriter, st *ratelimit.Status) {
	if st.Limit >= 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(st.Limit))
	}
	remaining := st.Remaining
	if remaining < 0 {
		remaining = 0
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !st.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(st.ResetAt.Unix(), 10))
		retryAfter := int(time.Until(st.ResetAt).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
}
