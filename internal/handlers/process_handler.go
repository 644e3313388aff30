package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/sirupsen/logrus"

	"botctl/internal/models"
	"botctl/internal/pidfile"
	"botctl/internal/service"
)

// BotController is the part of service.Supervisor the handlers drive.
type BotController interface {
	Start(ctx context.Context, opts service.StartOptions) (*models.Handle, error)
	Stop(ctx context.Context) (service.StopResult, error)
	Restart(ctx context.Context, opts service.StartOptions) (*models.Handle, error)
	Status(ctx context.Context) (models.Process, error)
}

type HistoryReader interface {
	Latest(ctx context.Context, n int) ([]models.Run, error)
}

type ProcessHandler struct {
	bot     BotController
	history HistoryReader
	log     logrus.FieldLogger
}

func NewProcessHandler(bot BotController, history HistoryReader, log logrus.FieldLogger) *ProcessHandler {
	return &ProcessHandler{bot: bot, history: history, log: log}
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type SuccessResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, log logrus.FieldLogger, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("Error encoding JSON response")
	}
}

func (h *ProcessHandler) writeError(w http.ResponseWriter, status int, err error, message string) {
	writeJSON(w, h.log, status, ErrorResponse{
		Error:   err.Error(),
		Message: message,
	})
}

// startOptions reads ?mode=...&telegram=... with the CLI defaults.
func startOptions(r *http.Request) (service.StartOptions, error) {
	q := r.URL.Query()
	opts := service.StartOptions{Mode: q.Get("mode")}
	if v := q.Get("telegram"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return opts, err
		}
		opts.Telegram = b
	}
	return opts, nil
}

func (h *ProcessHandler) startStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, service.ErrEnvMissing):
		return http.StatusPreconditionFailed
	case errors.Is(err, pidfile.ErrLocked):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *ProcessHandler) GetBot(w http.ResponseWriter, r *http.Request) {
	st, err := h.bot.Status(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err, "Failed to read process record")
		return
	}
	writeJSON(w, h.log, http.StatusOK, st)
}

func (h *ProcessHandler) StartBot(w http.ResponseWriter, r *http.Request) {
	opts, err := startOptions(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err, "Invalid telegram flag")
		return
	}

	handle, err := h.bot.Start(r.Context(), opts)
	if err != nil {
		h.writeError(w, h.startStatus(err), err, "Failed to start bot")
		return
	}

	writeJSON(w, h.log, http.StatusOK, SuccessResponse{
		Status:  "started",
		Message: "Bot started with PID " + strconv.Itoa(handle.PID),
		Data:    handle,
	})
}

func (h *ProcessHandler) StopBot(w http.ResponseWriter, r *http.Request) {
	res, err := h.bot.Stop(r.Context())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, pidfile.ErrLocked) {
			status = http.StatusServiceUnavailable
		}
		h.writeError(w, status, err, "Failed to stop bot")
		return
	}

	msg := "Bot stopped"
	switch res.Outcome {
	case service.OutcomeNotRunning:
		msg = "Bot is not running"
	case service.OutcomeStale:
		msg = "Stale process record removed"
	case service.OutcomeKilled:
		msg = "Bot did not stop in time and was killed"
	}
	writeJSON(w, h.log, http.StatusOK, SuccessResponse{
		Status:  string(res.Outcome),
		Message: msg,
		Data:    res,
	})
}

func (h *ProcessHandler) RestartBot(w http.ResponseWriter, r *http.Request) {
	opts, err := startOptions(r)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err, "Invalid telegram flag")
		return
	}

	handle, err := h.bot.Restart(r.Context(), opts)
	if err != nil {
		h.writeError(w, h.startStatus(err), err, "Failed to restart bot")
		return
	}

	writeJSON(w, h.log, http.StatusOK, SuccessResponse{
		Status:  "restarted",
		Message: "Bot restarted with PID " + strconv.Itoa(handle.PID),
		Data:    handle,
	})
}

func (h *ProcessHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, h.log, http.StatusOK, []models.Run{})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, http.StatusBadRequest, errors.New("invalid limit"), "limit must be a positive integer")
			return
		}
		limit = n
	}

	runs, err := h.history.Latest(r.Context(), limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err, "Failed to read history")
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, h.log, http.StatusOK, runs)
}
