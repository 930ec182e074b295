package app

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"tunebridge/internal/request"
)

// routes builds the API handler tree.
func (a *Application) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", a.handleHealthz)

	mux.HandleFunc("POST /v1/users/{user}/authorize", a.handleAuthorize)
	mux.HandleFunc("GET /v1/users/{user}/status", a.handleStatus)
	mux.HandleFunc("DELETE /v1/users/{user}/credentials", a.handleRevoke)

	mux.HandleFunc("GET /v1/users/{user}/playback", a.handlePlayback)
	mux.HandleFunc("GET /v1/users/{user}/devices", a.handleDevices)
	mux.HandleFunc("PUT /v1/users/{user}/playback/pause", a.handlePause)
	mux.HandleFunc("PUT /v1/users/{user}/playback/play", a.handlePlay)
	mux.HandleFunc("GET /v1/users/{user}/tracks/{id}", a.handleGetTrack)
	mux.HandleFunc("GET /v1/users/{user}/playlists/{id}", a.handleGetPlaylist)

	return a.withLogging(a.withRecovery(mux))
}

func (a *Application) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuthorize starts an authorization flow and returns the provider
// URL the user has to visit.
func (a *Application) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")

	authURL, err := a.auth.StartAuthorization(userID)
	if err != nil {
		a.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"authorization_url": authURL})
}

func (a *Application) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.auth.Status(r.Context(), r.PathValue("user"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *Application) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := a.auth.Revoke(r.Context(), r.PathValue("user")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Application) handlePlayback(w http.ResponseWriter, r *http.Request) {
	state, err := a.music.CurrentPlayback(r.Context(), r.PathValue("user"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if state == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"playing": false})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *Application) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := a.music.Devices(r.Context(), r.PathValue("user"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices})
}

func (a *Application) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := a.music.Pause(r.Context(), r.PathValue("user")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Application) handlePlay(w http.ResponseWriter, r *http.Request) {
	if err := a.music.Play(r.Context(), r.PathValue("user")); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Application) handleGetTrack(w http.ResponseWriter, r *http.Request) {
	track, err := a.music.GetTrack(r.Context(), r.PathValue("user"), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, track)
}

func (a *Application) handleGetPlaylist(w http.ResponseWriter, r *http.Request) {
	playlist, err := a.music.GetPlaylist(r.Context(), r.PathValue("user"), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, playlist)
}

// writeError maps classified errors onto HTTP statuses. Unclassified
// errors are a 500 with no detail.
func (a *Application) writeError(w http.ResponseWriter, err error) {
	var cerr *request.Error
	if !errors.As(err, &cerr) {
		a.logger.Error().Err(err).Msg("unclassified error in handler")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch cerr.Kind {
	case request.KindAuth:
		status = http.StatusUnauthorized
	case request.KindPermission:
		status = http.StatusForbidden
	case request.KindNotFound:
		status = http.StatusNotFound
	case request.KindRateLimit:
		status = http.StatusTooManyRequests
		if cerr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(cerr.RetryAfter.Seconds())))
		}
	case request.KindInvalidState, request.KindRequest:
		status = http.StatusBadRequest
	case request.KindTransient:
		status = http.StatusBadGateway
	}

	body := map[string]interface{}{
		"error": cerr.Message,
		"kind":  cerr.Kind.String(),
	}
	if len(cerr.MissingScopes) > 0 {
		body["missing_scopes"] = cerr.MissingScopes
	}
	if cerr.RequiresAuth {
		body["requires_authorization"] = true
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
