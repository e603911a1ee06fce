package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

const defaultListLimit = 50

// handleListSessions handles GET /api/sessions
func (app *application) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultListLimit)

	records, err := app.Manager.ActiveSessions(r.Context(), limit)
	if err != nil {
		app.Logger.Error("listing sessions", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	app.writeJSON(w, map[string]any{"sessions": records})
}

// handleGetSession handles GET /api/sessions/{id}
func (app *application) handleGetSession(w http.ResponseWriter, r *http.Request) {
	rec, err := app.Manager.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		app.Logger.Error("fetching session", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	app.writeJSON(w, rec)
}

// handlePlayerHistory handles GET /api/players/{id}/history
func (app *application) handlePlayerHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, defaultListLimit)

	entries, err := app.Manager.History(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		app.Logger.Error("fetching history", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	app.writeJSON(w, map[string]any{"history": entries})
}

func (app *application) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		app.Logger.Error("encoding response", zap.Error(err))
	}
}

func parseLimit(r *http.Request, fallback int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
