package main

import (
	"net/http"
)

func (app *application) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", app.handleHealth)
	mux.HandleFunc("/ws", app.authenticate(app.handleWebSocket))

	mux.HandleFunc("GET /api/sessions", app.authenticate(app.handleListSessions))
	mux.HandleFunc("GET /api/sessions/{id}", app.authenticate(app.handleGetSession))
	mux.HandleFunc("GET /api/players/{id}/history", app.authenticate(app.handlePlayerHistory))

	return mux
}
