package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"botctl/internal/handlers"
	"botctl/internal/middleware"
)

type Router struct {
	*mux.Router
}

func NewRouter(bot handlers.BotController, history handlers.HistoryReader, log logrus.FieldLogger) *Router {
	r := mux.NewRouter()

	healthHandler := handlers.NewHealthHandler(bot, log)
	procHandler := handlers.NewProcessHandler(bot, history, log)

	r.HandleFunc("/health", healthHandler.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/ready", healthHandler.ReadyCheck).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/bot", procHandler.GetBot).Methods(http.MethodGet)
	api.HandleFunc("/bot/start", procHandler.StartBot).Methods(http.MethodPost)
	api.HandleFunc("/bot/stop", procHandler.StopBot).Methods(http.MethodPost)
	api.HandleFunc("/bot/restart", procHandler.RestartBot).Methods(http.MethodPost)
	api.HandleFunc("/history", procHandler.GetHistory).Methods(http.MethodGet)

	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logging(log))

	return &Router{Router: r}
}
