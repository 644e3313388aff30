package handlers

import (
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"botctl/internal/models"
)

type HealthResponse struct {
	Status    string       `json:"status"`
	Timestamp string       `json:"timestamp"`
	Bot       models.State `json:"bot,omitempty"`
}

type HealthHandler struct {
	bot BotController
	log logrus.FieldLogger
}

func NewHealthHandler(bot BotController, log logrus.FieldLogger) *HealthHandler {
	return &HealthHandler{bot: bot, log: log}
}

// HealthCheck reports that the control server itself is up.
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.log, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// ReadyCheck is ready once the process record can be read; the bot's own
// state is included but does not affect readiness.
func (h *HealthHandler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	st, err := h.bot.Status(r.Context())
	if err != nil {
		writeJSON(w, h.log, http.StatusServiceUnavailable, HealthResponse{
			Status:    "unavailable",
			Timestamp: time.Now().Format(time.RFC3339),
		})
		return
	}
	writeJSON(w, h.log, http.StatusOK, HealthResponse{
		Status:    "ready",
		Timestamp: time.Now().Format(time.RFC3339),
		Bot:       st.State,
	})
}
